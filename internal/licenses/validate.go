package licenses

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ratolabs/rato-license-server/pkg/db"
	"github.com/ratolabs/rato-license-server/pkg/db/models"
	"github.com/ratolabs/rato-license-server/pkg/enums"
	pkgerrors "github.com/ratolabs/rato-license-server/pkg/errors"
	"github.com/ratolabs/rato-license-server/pkg/keygen"
	"gorm.io/gorm"
)

// Rejection reasons returned to validation callers. These are the public
// vocabulary; anything more specific would turn the endpoint into an
// oracle.
const (
	ReasonInvalidInput = "invalid input"
	ReasonNotFound     = "not found"
	ReasonExpired      = "expired"
	ReasonRevoked      = "revoked"
	ReasonMachineLimit = "machine limit exceeded"
)

const maxMachineIDLen = 255

// ValidateInput carries one validation request.
type ValidateInput struct {
	Key       string
	MachineID string
	ClientIP  string
}

// LicenseView is the public projection of a license returned to clients.
type LicenseView struct {
	Key          string     `json:"key"`
	Plan         enums.Plan `json:"plan"`
	ExpiresAt    time.Time  `json:"expires_at"`
	MachinesUsed int        `json:"machines_used"`
	MaxMachines  int        `json:"max_machines"`
}

// ValidateResult is the structured outcome of a validation request.
// Business rejections land here with Valid=false and a Reason; errors
// are reserved for infrastructure failures.
type ValidateResult struct {
	Valid        bool         `json:"valid"`
	Reason       string       `json:"reason,omitempty"`
	License      *LicenseView `json:"license,omitempty"`
	OfflineToken string       `json:"offline_token,omitempty"`
}

// Validate runs the activation state machine for one key/machine pair.
// The whole read-check-write sequence runs in a single transaction with
// the license row locked, so concurrent requests against the same key
// serialize and the machine cap cannot be raced past.
func (s *service) Validate(ctx context.Context, input ValidateInput) (*ValidateResult, error) {
	started := time.Now()
	result, bindingKind, err := s.validate(ctx, input)
	if err != nil {
		return nil, err
	}

	s.validation.ObserveValidation(outcomeLabel(result), time.Since(started))
	if bindingKind != "" {
		s.validation.IncBinding(bindingKind)
	}
	return result, nil
}

func (s *service) validate(ctx context.Context, input ValidateInput) (*ValidateResult, string, error) {
	key := strings.TrimSpace(input.Key)
	machineID := strings.TrimSpace(input.MachineID)

	if machineID == "" || len(machineID) > maxMachineIDLen || !keygen.IsWellFormed(key) {
		return reject(ReasonInvalidInput), "", nil
	}

	var (
		result      *ValidateResult
		bindingKind string
	)

	err := s.repo.Transact(ctx, func(tx licensesRepository) error {
		license, err := tx.FindByKey(ctx, key, true)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup license")
			}
			if !s.permissive {
				result = reject(ReasonNotFound)
				return nil
			}
			license, err = s.provisionPermissive(ctx, tx, key)
			if err != nil {
				return err
			}
		}

		now := s.clock()

		// Lazy expiration: flip stale actives before the status check.
		if license.Status == enums.LicenseStatusActive && now.After(license.ExpiresAt) {
			if err := tx.UpdateFields(ctx, license.ID, map[string]any{"status": enums.LicenseStatusExpired}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire license")
			}
			license.Status = enums.LicenseStatusExpired
		}

		switch license.Status {
		case enums.LicenseStatusRevoked, enums.LicenseStatusExpired:
			if !s.permissive {
				if license.Status == enums.LicenseStatusRevoked {
					result = reject(ReasonRevoked)
				} else {
					result = reject(ReasonExpired)
				}
				return nil
			}
			// Permissive mode resurrects with a fresh plan-derived expiry.
			renewed := expiryForPlan(license.Plan, now)
			fields := map[string]any{
				"status":     enums.LicenseStatusActive,
				"expires_at": renewed,
			}
			if err := tx.UpdateFields(ctx, license.ID, fields); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resurrect license")
			}
			license.Status = enums.LicenseStatusActive
			license.ExpiresAt = renewed
		}

		if license.HasMachine(machineID) {
			bindingKind = "repeat"
		} else {
			if len(license.Bindings) >= license.MaxMachines && !s.permissive {
				result = reject(ReasonMachineLimit)
				return nil
			}

			binding := &models.MachineBinding{
				LicenseID: license.ID,
				MachineID: machineID,
			}
			// The row lock on the license serializes same-key requests,
			// so a duplicate insert here cannot happen; any failure is an
			// infrastructure error.
			if err := tx.AddBinding(ctx, binding); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "bind machine")
			}
			license.Bindings = append(license.Bindings, *binding)
			bindingKind = "new"
		}

		if err := tx.UpdateFields(ctx, license.ID, map[string]any{"last_validated": now}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "touch last_validated")
		}

		entry := &models.ActivationLog{
			LicenseID: license.ID,
			MachineID: machineID,
			Action:    enums.LogActionValidate,
		}
		if ip := strings.TrimSpace(input.ClientIP); ip != "" {
			entry.IPAddress = &ip
		}
		if err := tx.AppendLog(ctx, entry); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append activation log")
		}

		token, err := s.codec.Mint(license.Key, machineID, license.Plan, license.ExpiresAt, now)
		if err != nil {
			return err
		}

		result = &ValidateResult{
			Valid:        true,
			License:      toLicenseView(license),
			OfflineToken: token,
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return result, bindingKind, nil
}

// provisionPermissive mints a lifetime license for an unknown but
// well-formed key. Only reachable in permissive mode.
func (s *service) provisionPermissive(ctx context.Context, tx licensesRepository, key string) (*models.License, error) {
	license := &models.License{
		Key:         key,
		Plan:        enums.PlanLifetime,
		MaxMachines: s.defaultMaxMachines,
		Status:      enums.LicenseStatusActive,
		ExpiresAt:   expiryForPlan(enums.PlanLifetime, s.clock()),
	}
	// No row lock protects an unknown key, so two requests can race to
	// this insert. Nesting the create in its own Transact puts it behind
	// a savepoint; the loser's violation leaves the outer transaction
	// usable for the refetch.
	err := tx.Transact(ctx, func(inner licensesRepository) error {
		return inner.Create(ctx, license)
	})
	if err == nil {
		return license, nil
	}
	if db.IsUniqueViolation(err, "idx_licenses_key") {
		// Another request provisioned the same key first.
		existing, ferr := tx.FindByKey(ctx, key, true)
		if ferr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, ferr, "refetch provisioned license")
		}
		return existing, nil
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "provision license")
}

func reject(reason string) *ValidateResult {
	return &ValidateResult{Reason: reason}
}

func toLicenseView(m *models.License) *LicenseView {
	return &LicenseView{
		Key:          m.Key,
		Plan:         m.Plan,
		ExpiresAt:    m.ExpiresAt,
		MachinesUsed: len(m.Bindings),
		MaxMachines:  m.MaxMachines,
	}
}

func outcomeLabel(result *ValidateResult) string {
	if result.Valid {
		return "valid"
	}
	return strings.ReplaceAll(result.Reason, " ", "_")
}
