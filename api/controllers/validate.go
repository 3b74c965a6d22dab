package controllers

import (
	"net"
	"net/http"
	"strings"

	"github.com/ratolabs/rato-license-server/api/responses"
	"github.com/ratolabs/rato-license-server/api/validators"
	"github.com/ratolabs/rato-license-server/internal/licenses"
	pkgerrors "github.com/ratolabs/rato-license-server/pkg/errors"
	"github.com/ratolabs/rato-license-server/pkg/logger"
)

type validateRequest struct {
	Key       string `json:"key"`
	MachineID string `json:"machine_id"`
}

// LicenseValidate handles the public activation endpoint. Malformed
// bodies come back as a structured rejection rather than an HTTP error:
// desktop clients branch on the result payload, not on status codes.
func LicenseValidate(svc licenses.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "license service unavailable"))
			return
		}

		var payload validateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteSuccess(w, &licenses.ValidateResult{
				Valid:  false,
				Reason: licenses.ReasonInvalidInput,
			})
			return
		}

		result, err := svc.Validate(r.Context(), licenses.ValidateInput{
			Key:       payload.Key,
			MachineID: payload.MachineID,
			ClientIP:  remoteIP(r),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
