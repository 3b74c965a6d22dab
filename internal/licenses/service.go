package licenses

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ratolabs/rato-license-server/pkg/config"
	"github.com/ratolabs/rato-license-server/pkg/db"
	"github.com/ratolabs/rato-license-server/pkg/db/models"
	"github.com/ratolabs/rato-license-server/pkg/enums"
	pkgerrors "github.com/ratolabs/rato-license-server/pkg/errors"
	"github.com/ratolabs/rato-license-server/pkg/keygen"
	"github.com/ratolabs/rato-license-server/pkg/metrics"
	pkgpagination "github.com/ratolabs/rato-license-server/pkg/pagination"
	"github.com/ratolabs/rato-license-server/pkg/tokens"
	"gorm.io/gorm"
)

type licensesRepository interface {
	Transact(ctx context.Context, fn func(tx licensesRepository) error) error
	Create(ctx context.Context, license *models.License) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.License, error)
	FindByKey(ctx context.Context, key string, forUpdate bool) (*models.License, error)
	List(ctx context.Context, opts listQuery) ([]models.License, error)
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
	AddBinding(ctx context.Context, binding *models.MachineBinding) error
	DeleteBindings(ctx context.Context, licenseID uuid.UUID) (int64, error)
	AppendLog(ctx context.Context, entry *models.ActivationLog) error
	ListLogs(ctx context.Context, licenseID uuid.UUID, limit int) ([]models.ActivationLog, error)
	CountByStatus(ctx context.Context) (map[enums.LicenseStatus]int64, error)
	CountByPlan(ctx context.Context) (map[enums.Plan]int64, error)
}

// Service exposes license administration and validation semantics.
type Service interface {
	CreateLicense(ctx context.Context, input CreateLicenseInput) (*models.License, error)
	GetLicense(ctx context.Context, id uuid.UUID) (*models.License, error)
	ListLicenses(ctx context.Context, params ListParams) (*ListResult, error)
	UpdateLicense(ctx context.Context, id uuid.UUID, patch UpdateLicenseInput) (*models.License, error)
	RevokeLicense(ctx context.Context, id uuid.UUID) (*models.License, error)
	ResetMachines(ctx context.Context, id uuid.UUID) (*models.License, error)
	Stats(ctx context.Context) (*StatsResult, error)
	ActivationLogs(ctx context.Context, id uuid.UUID, limit int) ([]LogItem, error)
	Validate(ctx context.Context, input ValidateInput) (*ValidateResult, error)
}

type service struct {
	repo               licensesRepository
	codec              *tokens.Codec
	genKey             func() (string, error)
	clock              func() time.Time
	keyRetryAttempts   int
	defaultMaxMachines int
	permissive         bool
	validation         *metrics.ValidationMetrics
}

// CreateLicenseInput holds the metadata required to issue a license.
type CreateLicenseInput struct {
	Email       *string
	Plan        enums.Plan
	MaxMachines int
	ExpiresAt   *time.Time
}

// UpdateLicenseInput is a partial admin update; nil fields are left
// untouched.
type UpdateLicenseInput struct {
	Email       *string
	Plan        *enums.Plan
	MaxMachines *int
	Status      *enums.LicenseStatus
	ExpiresAt   *time.Time
}

// NewService builds a license service backed by the provided repository
// and token codec.
func NewService(repo licensesRepository, codec *tokens.Codec, cfg config.LicenseConfig, validation *metrics.ValidationMetrics) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("license repository required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec required")
	}
	if cfg.KeyRetryAttempts <= 0 {
		return nil, fmt.Errorf("key retry attempts must be positive")
	}
	if cfg.DefaultMaxMachines <= 0 {
		return nil, fmt.Errorf("default max machines must be positive")
	}
	return &service{
		repo:               repo,
		codec:              codec,
		genKey:             keygen.Generate,
		clock:              time.Now,
		keyRetryAttempts:   cfg.KeyRetryAttempts,
		defaultMaxMachines: cfg.DefaultMaxMachines,
		permissive:         cfg.PermissiveValidation,
		validation:         validation,
	}, nil
}

func (s *service) CreateLicense(ctx context.Context, input CreateLicenseInput) (*models.License, error) {
	if !input.Plan.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan")
	}
	if input.MaxMachines < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "max_machines must be positive")
	}

	maxMachines := input.MaxMachines
	if maxMachines == 0 {
		maxMachines = s.defaultMaxMachines
	}

	now := s.clock()
	expiresAt := expiryForPlan(input.Plan, now)
	if input.ExpiresAt != nil {
		if !input.ExpiresAt.After(now) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "expires_at must be in the future")
		}
		expiresAt = *input.ExpiresAt
	}

	for attempt := 0; attempt < s.keyRetryAttempts; attempt++ {
		key, err := s.genKey()
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate license key")
		}

		license := &models.License{
			Key:         key,
			Email:       input.Email,
			Plan:        input.Plan,
			MaxMachines: maxMachines,
			Status:      enums.LicenseStatusActive,
			ExpiresAt:   expiresAt,
		}

		err = s.repo.Create(ctx, license)
		if err == nil {
			return license, nil
		}
		if db.IsUniqueViolation(err, "idx_licenses_key") {
			continue
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create license")
	}

	return nil, pkgerrors.New(pkgerrors.CodeKeyExhausted, "could not generate a unique license key")
}

func (s *service) GetLicense(ctx context.Context, id uuid.UUID) (*models.License, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "license id is required")
	}
	return s.findLicense(ctx, id)
}

func (s *service) ListLicenses(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Status != "" && !params.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	if params.Plan != "" && !params.Plan.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan filter")
	}

	limit := pkgpagination.NormalizeLimit(params.Limit)
	query := listQuery{
		status: params.Status,
		plan:   params.Plan,
		limit:  pkgpagination.LimitWithBuffer(params.Limit),
	}
	if params.Cursor != "" {
		cursor, err := pkgpagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.cursor = cursor
	}

	rows, err := s.repo.List(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list licenses")
	}

	nextCursor := ""
	if len(rows) > limit {
		nextCursor = pkgpagination.EncodeCursor(pkgpagination.Cursor{
			CreatedAt: rows[limit].CreatedAt,
			ID:        rows[limit].ID,
		})
		rows = rows[:limit]
	}

	items := make([]ListItem, len(rows))
	for i, row := range rows {
		items[i] = toListItem(row)
	}

	return &ListResult{
		Items:  items,
		Cursor: nextCursor,
	}, nil
}

func (s *service) UpdateLicense(ctx context.Context, id uuid.UUID, patch UpdateLicenseInput) (*models.License, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "license id is required")
	}

	license, err := s.findLicense(ctx, id)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if patch.Email != nil {
		fields["email"] = *patch.Email
	}
	if patch.MaxMachines != nil {
		if *patch.MaxMachines < 1 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "max_machines must be positive")
		}
		fields["max_machines"] = *patch.MaxMachines
	}
	if patch.Plan != nil {
		if !patch.Plan.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan")
		}
		fields["plan"] = *patch.Plan
		// Plan changes re-derive the expiry unless the caller pins one.
		if patch.ExpiresAt == nil {
			fields["expires_at"] = expiryForPlan(*patch.Plan, s.clock())
		}
	}
	if patch.ExpiresAt != nil {
		fields["expires_at"] = *patch.ExpiresAt
	}
	if patch.Status != nil {
		if !patch.Status.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status")
		}
		// Reactivating an expired or revoked license is an explicit
		// admin renewal; validation never does this on its own.
		fields["status"] = *patch.Status
	}

	if len(fields) == 0 {
		return license, nil
	}

	if err := s.repo.UpdateFields(ctx, id, fields); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update license")
	}
	return s.findLicense(ctx, id)
}

func (s *service) RevokeLicense(ctx context.Context, id uuid.UUID) (*models.License, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "license id is required")
	}

	license, err := s.findLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if license.Status == enums.LicenseStatusRevoked {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "license already revoked")
	}

	if err := s.repo.UpdateFields(ctx, id, map[string]any{"status": enums.LicenseStatusRevoked}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "revoke license")
	}

	entry := &models.ActivationLog{
		LicenseID: id,
		Action:    enums.LogActionRevoke,
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append revoke log")
	}

	license.Status = enums.LicenseStatusRevoked
	return license, nil
}

func (s *service) ResetMachines(ctx context.Context, id uuid.UUID) (*models.License, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "license id is required")
	}

	license, err := s.findLicense(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.DeleteBindings(ctx, id); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete machine bindings")
	}

	entry := &models.ActivationLog{
		LicenseID: id,
		Action:    enums.LogActionReset,
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append reset log")
	}

	license.Bindings = nil
	return license, nil
}

func (s *service) Stats(ctx context.Context) (*StatsResult, error) {
	byStatus, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count by status")
	}
	byPlan, err := s.repo.CountByPlan(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count by plan")
	}

	result := &StatsResult{
		ByStatus: make(map[string]int64, len(byStatus)),
		ByPlan:   make(map[string]int64, len(byPlan)),
	}
	for status, total := range byStatus {
		result.ByStatus[status.String()] = total
		result.Total += total
	}
	for plan, total := range byPlan {
		result.ByPlan[plan.String()] = total
	}
	return result, nil
}

func (s *service) ActivationLogs(ctx context.Context, id uuid.UUID, limit int) ([]LogItem, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "license id is required")
	}
	if _, err := s.findLicense(ctx, id); err != nil {
		return nil, err
	}

	limit = pkgpagination.NormalizeLimit(limit)
	rows, err := s.repo.ListLogs(ctx, id, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list activation logs")
	}

	items := make([]LogItem, len(rows))
	for i, row := range rows {
		items[i] = toLogItem(row)
	}
	return items, nil
}

func (s *service) findLicense(ctx context.Context, id uuid.UUID) (*models.License, error) {
	license, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "license not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup license")
	}
	return license, nil
}

func expiryForPlan(plan enums.Plan, now time.Time) time.Time {
	switch plan {
	case enums.PlanMonthly:
		return now.AddDate(0, 1, 0)
	case enums.PlanAnnual:
		return now.AddDate(1, 0, 0)
	default:
		// lifetime
		return now.AddDate(100, 0, 0)
	}
}
