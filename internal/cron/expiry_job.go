package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/ratolabs/rato-license-server/pkg/logger"
)

// ExpiryJobParams configures the license expiry sweep.
type ExpiryJobParams struct {
	Logger *logger.Logger
	Repo   expiringRepository
}

type expiringRepository interface {
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewExpiryJob constructs the sweep that marks overdue active licenses
// as expired. Validation expires lazily on its own; the sweep catches
// licenses nobody validates.
func NewExpiryJob(params ExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("license repository required")
	}
	return &expiryJob{
		logg: params.Logger,
		repo: params.Repo,
		now:  time.Now,
	}, nil
}

type expiryJob struct {
	logg *logger.Logger
	repo expiringRepository
	now  func() time.Time
}

func (j *expiryJob) Name() string { return "expire-licenses" }

func (j *expiryJob) Run(ctx context.Context) error {
	cutoff := j.now()
	expired, err := j.repo.ExpireStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("expire stale licenses: %w", err)
	}

	ctx = j.logg.WithField(ctx, "expired", expired)
	if expired > 0 {
		j.logg.Info(ctx, "marked stale licenses expired")
	} else {
		j.logg.Info(ctx, "no stale licenses found")
	}
	return nil
}
