package licenses

import (
	"time"

	"github.com/google/uuid"
	"github.com/ratolabs/rato-license-server/pkg/db/models"
	"github.com/ratolabs/rato-license-server/pkg/enums"
	pkgpagination "github.com/ratolabs/rato-license-server/pkg/pagination"
)

type ListParams struct {
	Status enums.LicenseStatus
	Plan   enums.Plan
	pkgpagination.Params
}

type ListResult struct {
	Items  []ListItem `json:"items"`
	Cursor string     `json:"cursor"`
}

type ListItem struct {
	ID            uuid.UUID           `json:"id"`
	Key           string              `json:"key"`
	Email         *string             `json:"email"`
	Plan          enums.Plan          `json:"plan"`
	MaxMachines   int                 `json:"max_machines"`
	MachinesUsed  int                 `json:"machines_used"`
	Status        enums.LicenseStatus `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`
	LastValidated *time.Time          `json:"last_validated"`
}

// LogItem is one activation log row in API shape.
type LogItem struct {
	ID        uuid.UUID       `json:"id"`
	LicenseID uuid.UUID       `json:"license_id"`
	MachineID string          `json:"machine_id"`
	Action    enums.LogAction `json:"action"`
	IPAddress *string         `json:"ip_address"`
	CreatedAt time.Time       `json:"created_at"`
}

// StatsResult aggregates license counts for the admin dashboard.
type StatsResult struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByPlan   map[string]int64 `json:"by_plan"`
}

type listQuery struct {
	status enums.LicenseStatus
	plan   enums.Plan
	limit  int
	cursor *pkgpagination.Cursor
}

func toListItem(m models.License) ListItem {
	return ListItem{
		ID:            m.ID,
		Key:           m.Key,
		Email:         m.Email,
		Plan:          m.Plan,
		MaxMachines:   m.MaxMachines,
		MachinesUsed:  len(m.Bindings),
		Status:        m.Status,
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
		LastValidated: m.LastValidated,
	}
}

func toLogItem(m models.ActivationLog) LogItem {
	return LogItem{
		ID:        m.ID,
		LicenseID: m.LicenseID,
		MachineID: m.MachineID,
		Action:    m.Action,
		IPAddress: m.IPAddress,
		CreatedAt: m.CreatedAt,
	}
}
