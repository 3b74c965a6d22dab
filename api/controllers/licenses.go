package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ratolabs/rato-license-server/api/responses"
	"github.com/ratolabs/rato-license-server/api/validators"
	"github.com/ratolabs/rato-license-server/internal/licenses"
	"github.com/ratolabs/rato-license-server/pkg/db/models"
	"github.com/ratolabs/rato-license-server/pkg/enums"
	pkgerrors "github.com/ratolabs/rato-license-server/pkg/errors"
	"github.com/ratolabs/rato-license-server/pkg/logger"
	"github.com/ratolabs/rato-license-server/pkg/pagination"
)

type licenseCreateRequest struct {
	Email       *string    `json:"email" validate:"omitempty,email"`
	Plan        string     `json:"plan" validate:"required"`
	MaxMachines int        `json:"max_machines" validate:"omitempty,min=1"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (r licenseCreateRequest) toInput() (licenses.CreateLicenseInput, error) {
	plan, err := enums.ParsePlan(strings.TrimSpace(r.Plan))
	if err != nil {
		return licenses.CreateLicenseInput{}, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan")
	}

	return licenses.CreateLicenseInput{
		Email:       r.Email,
		Plan:        plan,
		MaxMachines: r.MaxMachines,
		ExpiresAt:   r.ExpiresAt,
	}, nil
}

// LicenseCreate handles issuing a new license with a generated key.
func LicenseCreate(svc licenses.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "license service unavailable"))
			return
		}

		var payload licenseCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input, err := payload.toInput()
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		created, err := svc.CreateLicense(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, licenseResponseFromModel(created))
	}
}

// LicenseGet returns one license with its machine bindings.
func LicenseGet(svc licenses.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "license service unavailable"))
			return
		}

		id, err := licenseIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		license, err := svc.GetLicense(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, licenseResponseFromModel(license))
	}
}

// LicenseList returns a cursor page of licenses with optional status and
// plan filters.
func LicenseList(svc licenses.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "license service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params := licenses.ListParams{
			Status: enums.LicenseStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
			Plan:   enums.Plan(strings.TrimSpace(r.URL.Query().Get("plan"))),
			Params: pagination.Params{
				Limit:  limit,
				Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
			},
		}

		result, err := svc.ListLicenses(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

type licenseUpdateRequest struct {
	Email       *string    `json:"email" validate:"omitempty,email"`
	Plan        *string    `json:"plan"`
	MaxMachines *int       `json:"max_machines" validate:"omitempty,min=1"`
	Status      *string    `json:"status"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (r licenseUpdateRequest) toInput() (licenses.UpdateLicenseInput, error) {
	input := licenses.UpdateLicenseInput{
		Email:       r.Email,
		MaxMachines: r.MaxMachines,
		ExpiresAt:   r.ExpiresAt,
	}

	if r.Plan != nil {
		plan, err := enums.ParsePlan(strings.TrimSpace(*r.Plan))
		if err != nil {
			return licenses.UpdateLicenseInput{}, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan")
		}
		input.Plan = &plan
	}

	if r.Status != nil {
		status, err := enums.ParseLicenseStatus(strings.TrimSpace(*r.Status))
		if err != nil {
			return licenses.UpdateLicenseInput{}, pkgerrors.New(pkgerrors.CodeValidation, "invalid status")
		}
		input.Status = &status
	}

	return input, nil
}

// LicenseUpdate applies a partial admin patch to a license.
func LicenseUpdate(svc licenses.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "license service unavailable"))
			return
		}

		id, err := licenseIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload licenseUpdateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input, err := payload.toInput()
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		updated, err := svc.UpdateLicense(r.Context(), id, input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, licenseResponseFromModel(updated))
	}
}

// LicenseRevoke permanently revokes a license.
func LicenseRevoke(svc licenses.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "license service unavailable"))
			return
		}

		id, err := licenseIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		revoked, err := svc.RevokeLicense(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, licenseResponseFromModel(revoked))
	}
}

// LicenseResetMachines clears all machine bindings from a license.
func LicenseResetMachines(svc licenses.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "license service unavailable"))
			return
		}

		id, err := licenseIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		reset, err := svc.ResetMachines(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, licenseResponseFromModel(reset))
	}
}

// LicenseStats returns aggregate license counts by status and plan.
func LicenseStats(svc licenses.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "license service unavailable"))
			return
		}

		stats, err := svc.Stats(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, stats)
	}
}

// LicenseLogs returns the most recent activation log rows for a license.
func LicenseLogs(svc licenses.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "license service unavailable"))
			return
		}

		id, err := licenseIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		logs, err := svc.ActivationLogs(r.Context(), id, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{"items": logs})
	}
}

func licenseIDFromRequest(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid license id")
	}
	return id, nil
}

type licenseResponse struct {
	ID            uuid.UUID           `json:"id"`
	Key           string              `json:"key"`
	Email         *string             `json:"email"`
	Plan          enums.Plan          `json:"plan"`
	MaxMachines   int                 `json:"max_machines"`
	MachinesUsed  int                 `json:"machines_used"`
	Machines      []string            `json:"machines"`
	Status        enums.LicenseStatus `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`
	LastValidated *time.Time          `json:"last_validated"`
}

func licenseResponseFromModel(m *models.License) licenseResponse {
	return licenseResponse{
		ID:            m.ID,
		Key:           m.Key,
		Email:         m.Email,
		Plan:          m.Plan,
		MaxMachines:   m.MaxMachines,
		MachinesUsed:  len(m.Bindings),
		Machines:      m.MachineIDs(),
		Status:        m.Status,
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
		LastValidated: m.LastValidated,
	}
}
