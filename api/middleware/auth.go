package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ratolabs/rato-license-server/api/responses"
	pkgAuth "github.com/ratolabs/rato-license-server/pkg/auth"
	"github.com/ratolabs/rato-license-server/pkg/config"
	pkgerrors "github.com/ratolabs/rato-license-server/pkg/errors"
	"github.com/ratolabs/rato-license-server/pkg/logger"
)

// Auth validates an admin bearer token and seeds the request context
// with the claims.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAdminToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			adminID := claims.AdminID.String()
			ctx := context.WithValue(r.Context(), ctxAdminID, adminID)
			ctx = context.WithValue(ctx, ctxAdminEmail, claims.Email)

			if logg != nil {
				ctx = logg.WithAdminID(ctx, adminID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
