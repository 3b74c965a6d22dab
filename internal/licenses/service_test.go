package licenses

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ratolabs/rato-license-server/pkg/config"
	"github.com/ratolabs/rato-license-server/pkg/db/models"
	"github.com/ratolabs/rato-license-server/pkg/enums"
	pkgerrors "github.com/ratolabs/rato-license-server/pkg/errors"
	pkgpagination "github.com/ratolabs/rato-license-server/pkg/pagination"
	"github.com/ratolabs/rato-license-server/pkg/tokens"
	"gorm.io/gorm"
)

type stubLicenseRepo struct {
	created       []*models.License
	createErrs    []error
	findResult    *models.License
	findErr       error
	listRows      []models.License
	listErr       error
	lastQuery     listQuery
	updatedFields map[string]any
	updateErr     error
	bindErr       error
	deletedFor    uuid.UUID
	deleteErr     error
	logs          []*models.ActivationLog
	logErr        error
	logRows       []models.ActivationLog
	byStatus      map[enums.LicenseStatus]int64
	byPlan        map[enums.Plan]int64
	countErr      error
}

func (s *stubLicenseRepo) Transact(ctx context.Context, fn func(tx licensesRepository) error) error {
	return fn(s)
}

func (s *stubLicenseRepo) Create(ctx context.Context, license *models.License) error {
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return err
		}
	}
	s.created = append(s.created, license)
	return nil
}

func (s *stubLicenseRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.License, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findResult == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return s.findResult, nil
}

func (s *stubLicenseRepo) FindByKey(ctx context.Context, key string, forUpdate bool) (*models.License, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findResult == nil || s.findResult.Key != key {
		return nil, gorm.ErrRecordNotFound
	}
	return s.findResult, nil
}

func (s *stubLicenseRepo) List(ctx context.Context, opts listQuery) ([]models.License, error) {
	s.lastQuery = opts
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.listRows, nil
}

func (s *stubLicenseRepo) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	if s.updatedFields == nil {
		s.updatedFields = map[string]any{}
	}
	for k, v := range fields {
		s.updatedFields[k] = v
	}
	return nil
}

func (s *stubLicenseRepo) AddBinding(ctx context.Context, binding *models.MachineBinding) error {
	return s.bindErr
}

func (s *stubLicenseRepo) DeleteBindings(ctx context.Context, licenseID uuid.UUID) (int64, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	s.deletedFor = licenseID
	return 1, nil
}

func (s *stubLicenseRepo) AppendLog(ctx context.Context, entry *models.ActivationLog) error {
	if s.logErr != nil {
		return s.logErr
	}
	s.logs = append(s.logs, entry)
	return nil
}

func (s *stubLicenseRepo) ListLogs(ctx context.Context, licenseID uuid.UUID, limit int) ([]models.ActivationLog, error) {
	return s.logRows, nil
}

func (s *stubLicenseRepo) CountByStatus(ctx context.Context) (map[enums.LicenseStatus]int64, error) {
	if s.countErr != nil {
		return nil, s.countErr
	}
	return s.byStatus, nil
}

func (s *stubLicenseRepo) CountByPlan(ctx context.Context) (map[enums.Plan]int64, error) {
	if s.countErr != nil {
		return nil, s.countErr
	}
	return s.byPlan, nil
}

func testLicenseConfig() config.LicenseConfig {
	return config.LicenseConfig{
		Secret:             "service-test-secret",
		DefaultMaxMachines: 1,
		KeyRetryAttempts:   5,
	}
}

func newTestService(t *testing.T, repo *stubLicenseRepo) *service {
	t.Helper()
	codec, err := tokens.NewCodec("service-test-secret")
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	svc, err := NewService(repo, codec, testLicenseConfig(), nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc.(*service)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func paramsWithLimit(limit int) pkgpagination.Params {
	return pkgpagination.Params{Limit: limit}
}

func TestCreateLicenseDerivesExpiryFromPlan(t *testing.T) {
	repo := &stubLicenseRepo{}
	svc := newTestService(t, repo)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.clock = fixedClock(now)

	cases := []struct {
		plan enums.Plan
		want time.Time
	}{
		{enums.PlanMonthly, now.AddDate(0, 1, 0)},
		{enums.PlanAnnual, now.AddDate(1, 0, 0)},
		{enums.PlanLifetime, now.AddDate(100, 0, 0)},
	}
	for _, tc := range cases {
		created, err := svc.CreateLicense(context.Background(), CreateLicenseInput{Plan: tc.plan})
		if err != nil {
			t.Fatalf("CreateLicense(%s) failed: %v", tc.plan, err)
		}
		if !created.ExpiresAt.Equal(tc.want) {
			t.Fatalf("plan %s: expected expiry %v, got %v", tc.plan, tc.want, created.ExpiresAt)
		}
		if created.Status != enums.LicenseStatusActive {
			t.Fatalf("expected active status, got %s", created.Status)
		}
		if created.MaxMachines != 1 {
			t.Fatalf("expected default max machines 1, got %d", created.MaxMachines)
		}
	}
}

func TestCreateLicenseRejectsInvalidInput(t *testing.T) {
	svc := newTestService(t, &stubLicenseRepo{})

	if _, err := svc.CreateLicense(context.Background(), CreateLicenseInput{Plan: "weekly"}); err == nil {
		t.Fatal("expected invalid plan error")
	} else if appErr := pkgerrors.As(err); appErr == nil || appErr.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation code, got %v", err)
	}

	if _, err := svc.CreateLicense(context.Background(), CreateLicenseInput{Plan: enums.PlanMonthly, MaxMachines: -2}); err == nil {
		t.Fatal("expected max_machines error")
	}
}

func TestCreateLicenseRetriesKeyCollisions(t *testing.T) {
	collision := errors.New(`duplicate key value violates unique constraint "idx_licenses_key"`)
	repo := &stubLicenseRepo{createErrs: []error{collision, collision, nil}}
	svc := newTestService(t, repo)

	created, err := svc.CreateLicense(context.Background(), CreateLicenseInput{Plan: enums.PlanMonthly})
	if err != nil {
		t.Fatalf("CreateLicense failed after collisions: %v", err)
	}
	if created.Key == "" {
		t.Fatal("expected generated key")
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected exactly one persisted license, got %d", len(repo.created))
	}
}

func TestCreateLicenseGivesUpAfterBoundedRetries(t *testing.T) {
	collision := errors.New(`duplicate key value violates unique constraint "idx_licenses_key"`)
	repo := &stubLicenseRepo{createErrs: []error{collision, collision, collision, collision, collision}}
	svc := newTestService(t, repo)

	_, err := svc.CreateLicense(context.Background(), CreateLicenseInput{Plan: enums.PlanMonthly})
	if err == nil {
		t.Fatal("expected key exhaustion error")
	}
	appErr := pkgerrors.As(err)
	if appErr == nil || appErr.Code() != pkgerrors.CodeKeyExhausted {
		t.Fatalf("expected key exhausted code, got %v", err)
	}
	if len(repo.created) != 0 {
		t.Fatalf("expected no persisted licenses, got %d", len(repo.created))
	}
}

func TestUpdateLicensePlanChangeRecomputesExpiry(t *testing.T) {
	id := uuid.New()
	repo := &stubLicenseRepo{findResult: &models.License{
		ID:        id,
		Key:       "RATO-AAAA-BBBB-CCCC-DDDD",
		Plan:      enums.PlanMonthly,
		Status:    enums.LicenseStatusActive,
		ExpiresAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}}
	svc := newTestService(t, repo)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc.clock = fixedClock(now)

	annual := enums.PlanAnnual
	if _, err := svc.UpdateLicense(context.Background(), id, UpdateLicenseInput{Plan: &annual}); err != nil {
		t.Fatalf("UpdateLicense failed: %v", err)
	}

	gotExpiry, ok := repo.updatedFields["expires_at"].(time.Time)
	if !ok {
		t.Fatal("expected expires_at to be recomputed")
	}
	if !gotExpiry.Equal(now.AddDate(1, 0, 0)) {
		t.Fatalf("expected annual expiry, got %v", gotExpiry)
	}
}

func TestUpdateLicenseExplicitExpiryWinsOverPlan(t *testing.T) {
	id := uuid.New()
	repo := &stubLicenseRepo{findResult: &models.License{ID: id, Plan: enums.PlanMonthly, Status: enums.LicenseStatusActive}}
	svc := newTestService(t, repo)

	annual := enums.PlanAnnual
	pinned := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.UpdateLicense(context.Background(), id, UpdateLicenseInput{Plan: &annual, ExpiresAt: &pinned}); err != nil {
		t.Fatalf("UpdateLicense failed: %v", err)
	}

	gotExpiry, ok := repo.updatedFields["expires_at"].(time.Time)
	if !ok {
		t.Fatal("expected expires_at to be set")
	}
	if !gotExpiry.Equal(pinned) {
		t.Fatalf("expected pinned expiry %v, got %v", pinned, gotExpiry)
	}
}

func TestUpdateLicenseNotFound(t *testing.T) {
	svc := newTestService(t, &stubLicenseRepo{})

	_, err := svc.UpdateLicense(context.Background(), uuid.New(), UpdateLicenseInput{})
	appErr := pkgerrors.As(err)
	if appErr == nil || appErr.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRevokeLicenseAppendsLog(t *testing.T) {
	id := uuid.New()
	repo := &stubLicenseRepo{findResult: &models.License{ID: id, Status: enums.LicenseStatusActive}}
	svc := newTestService(t, repo)

	revoked, err := svc.RevokeLicense(context.Background(), id)
	if err != nil {
		t.Fatalf("RevokeLicense failed: %v", err)
	}
	if revoked.Status != enums.LicenseStatusRevoked {
		t.Fatalf("expected revoked status, got %s", revoked.Status)
	}
	if got := repo.updatedFields["status"]; got != enums.LicenseStatusRevoked {
		t.Fatalf("expected status update, got %v", got)
	}
	if len(repo.logs) != 1 || repo.logs[0].Action != enums.LogActionRevoke {
		t.Fatalf("expected one revoke log entry, got %+v", repo.logs)
	}
}

func TestRevokeLicenseTwiceConflicts(t *testing.T) {
	id := uuid.New()
	repo := &stubLicenseRepo{findResult: &models.License{ID: id, Status: enums.LicenseStatusRevoked}}
	svc := newTestService(t, repo)

	_, err := svc.RevokeLicense(context.Background(), id)
	appErr := pkgerrors.As(err)
	if appErr == nil || appErr.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestResetMachinesDeletesBindingsAndLogs(t *testing.T) {
	id := uuid.New()
	repo := &stubLicenseRepo{findResult: &models.License{
		ID:       id,
		Status:   enums.LicenseStatusActive,
		Bindings: []models.MachineBinding{{LicenseID: id, MachineID: "m1"}},
	}}
	svc := newTestService(t, repo)

	reset, err := svc.ResetMachines(context.Background(), id)
	if err != nil {
		t.Fatalf("ResetMachines failed: %v", err)
	}
	if repo.deletedFor != id {
		t.Fatalf("expected bindings deleted for %s, got %s", id, repo.deletedFor)
	}
	if len(reset.Bindings) != 0 {
		t.Fatalf("expected no bindings on result, got %d", len(reset.Bindings))
	}
	if len(repo.logs) != 1 || repo.logs[0].Action != enums.LogActionReset {
		t.Fatalf("expected one reset log entry, got %+v", repo.logs)
	}
}

func TestListLicensesPaginates(t *testing.T) {
	now := time.Now()
	rows := make([]models.License, 3)
	for i := range rows {
		rows[i] = models.License{
			ID:        uuid.New(),
			Key:       "RATO-AAAA-BBBB-CCCC-DDDD",
			Plan:      enums.PlanMonthly,
			Status:    enums.LicenseStatusActive,
			CreatedAt: now.Add(-time.Duration(i) * time.Hour),
		}
	}
	repo := &stubLicenseRepo{listRows: rows}
	svc := newTestService(t, repo)

	result, err := svc.ListLicenses(context.Background(), ListParams{Params: paramsWithLimit(2)})
	if err != nil {
		t.Fatalf("ListLicenses failed: %v", err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(result.Items))
	}
	if result.Cursor == "" {
		t.Fatal("expected a next cursor")
	}
	if repo.lastQuery.limit != 3 {
		t.Fatalf("expected buffered limit 3, got %d", repo.lastQuery.limit)
	}
}

func TestListLicensesRejectsBadFilters(t *testing.T) {
	svc := newTestService(t, &stubLicenseRepo{})

	if _, err := svc.ListLicenses(context.Background(), ListParams{Status: "frozen"}); err == nil {
		t.Fatal("expected invalid status filter error")
	}
	if _, err := svc.ListLicenses(context.Background(), ListParams{Plan: "weekly"}); err == nil {
		t.Fatal("expected invalid plan filter error")
	}
}

func TestStatsAggregatesCounts(t *testing.T) {
	repo := &stubLicenseRepo{
		byStatus: map[enums.LicenseStatus]int64{
			enums.LicenseStatusActive:  7,
			enums.LicenseStatusExpired: 2,
			enums.LicenseStatusRevoked: 1,
		},
		byPlan: map[enums.Plan]int64{
			enums.PlanMonthly:  4,
			enums.PlanLifetime: 6,
		},
	}
	svc := newTestService(t, repo)

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 10 {
		t.Fatalf("expected total 10, got %d", stats.Total)
	}
	if stats.ByStatus["active"] != 7 {
		t.Fatalf("expected 7 active, got %d", stats.ByStatus["active"])
	}
	if stats.ByPlan["lifetime"] != 6 {
		t.Fatalf("expected 6 lifetime, got %d", stats.ByPlan["lifetime"])
	}
}

func TestActivationLogsRequiresExistingLicense(t *testing.T) {
	svc := newTestService(t, &stubLicenseRepo{})

	_, err := svc.ActivationLogs(context.Background(), uuid.New(), 10)
	appErr := pkgerrors.As(err)
	if appErr == nil || appErr.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestValidateBindingFailureIsAnError(t *testing.T) {
	repo := &stubLicenseRepo{
		findResult: &models.License{
			ID:          uuid.New(),
			Key:         "RATO-AAAA-BBBB-CCCC-DDDD",
			Plan:        enums.PlanAnnual,
			MaxMachines: 3,
			Status:      enums.LicenseStatusActive,
			ExpiresAt:   time.Now().Add(24 * time.Hour),
		},
		bindErr: errors.New("UNIQUE constraint failed: machine_bindings.license_id, machine_bindings.machine_id"),
	}
	svc := newTestService(t, repo)

	_, err := svc.Validate(context.Background(), ValidateInput{
		Key:       "RATO-AAAA-BBBB-CCCC-DDDD",
		MachineID: "machine-1",
	})
	if err == nil {
		t.Fatal("expected binding failure to surface as an error, not a rejection")
	}
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
}
