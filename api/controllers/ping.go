package controllers

import (
	"net/http"

	"github.com/ratolabs/rato-license-server/api/middleware"
	"github.com/ratolabs/rato-license-server/api/responses"
)

func PublicPing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{"scope": "public", "status": "ok"})
	}
}

func AdminPing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]string{"scope": "admin", "status": "ok"}
		if admin := middleware.AdminIDFromContext(r.Context()); admin != "" {
			payload["admin_id"] = admin
		}
		responses.WriteSuccess(w, payload)
	}
}
