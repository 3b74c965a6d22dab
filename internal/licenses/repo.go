package licenses

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ratolabs/rato-license-server/pkg/db/models"
	"github.com/ratolabs/rato-license-server/pkg/enums"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository exposes license persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a license repository tied to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Transact runs fn inside a transaction; the repository handed to fn is
// bound to that transaction. Validation's read-check-write runs through
// this so concurrent requests for the same license serialize on the row
// lock.
func (r *Repository) Transact(ctx context.Context, fn func(tx licensesRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// Create inserts a new license row.
func (r *Repository) Create(ctx context.Context, license *models.License) error {
	return r.db.WithContext(ctx).Create(license).Error
}

// FindByID loads one license with its machine bindings.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.License, error) {
	var row models.License
	if err := r.db.WithContext(ctx).Preload("Bindings").First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// FindByKey loads one license by its shareable key. With forUpdate the
// row is locked for the remainder of the surrounding transaction; the
// lock clause is skipped on dialects without FOR UPDATE support (sqlite
// in tests serializes writes anyway).
func (r *Repository) FindByKey(ctx context.Context, key string, forUpdate bool) (*models.License, error) {
	query := r.db.WithContext(ctx).Preload("Bindings")
	if forUpdate && r.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row models.License
	if err := query.First(&row, "key = ?", key).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// List returns licenses using cursor pagination, newest first.
func (r *Repository) List(ctx context.Context, opts listQuery) ([]models.License, error) {
	query := r.db.WithContext(ctx).Model(&models.License{}).Preload("Bindings")

	if opts.status != "" {
		query = query.Where("status = ?", opts.status)
	}
	if opts.plan != "" {
		query = query.Where("plan = ?", opts.plan)
	}
	if opts.cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", opts.cursor.CreatedAt, opts.cursor.CreatedAt, opts.cursor.ID)
	}

	query = query.Order("created_at DESC").Order("id DESC").Limit(opts.limit)

	var rows []models.License
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateFields applies a partial column update to one license.
func (r *Repository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.License{}).Where("id = ?", id).Updates(fields).Error
}

// AddBinding inserts a machine binding; the unique (license_id,
// machine_id) index rejects duplicates.
func (r *Repository) AddBinding(ctx context.Context, binding *models.MachineBinding) error {
	return r.db.WithContext(ctx).Create(binding).Error
}

// DeleteBindings removes every binding for the license and reports how
// many were dropped.
func (r *Repository) DeleteBindings(ctx context.Context, licenseID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Where("license_id = ?", licenseID).Delete(&models.MachineBinding{})
	return res.RowsAffected, res.Error
}

// AppendLog inserts one activation log row. Logs are append-only; no
// update or delete is exposed.
func (r *Repository) AppendLog(ctx context.Context, entry *models.ActivationLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListLogs returns the most recent activation log rows for a license.
func (r *Repository) ListLogs(ctx context.Context, licenseID uuid.UUID, limit int) ([]models.ActivationLog, error) {
	var rows []models.ActivationLog
	err := r.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExpireStale flips active licenses whose expiry has passed. Validation
// already expires lazily; the sweep keeps stats and list views honest
// for licenses nobody validates anymore.
func (r *Repository) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.License{}).
		Where("status = ? AND expires_at < ?", enums.LicenseStatusActive, cutoff).
		Update("status", enums.LicenseStatusExpired)
	return res.RowsAffected, res.Error
}

// CountByStatus groups license counts by status.
func (r *Repository) CountByStatus(ctx context.Context) (map[enums.LicenseStatus]int64, error) {
	type row struct {
		Status enums.LicenseStatus
		Total  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.License{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[enums.LicenseStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// CountByPlan groups license counts by plan.
func (r *Repository) CountByPlan(ctx context.Context) (map[enums.Plan]int64, error) {
	type row struct {
		Plan  enums.Plan
		Total int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.License{}).
		Select("plan, COUNT(*) AS total").
		Group("plan").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[enums.Plan]int64, len(rows))
	for _, r := range rows {
		counts[r.Plan] = r.Total
	}
	return counts, nil
}
