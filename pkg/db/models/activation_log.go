package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/ratolabs/rato-license-server/pkg/enums"
)

// ActivationLog is one append-only audit record. Rows are inserted and read,
// never updated or deleted. LicenseID references the license without owning it:
// the license may be revoked or deleted while its trail remains.
type ActivationLog struct {
	ID        uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	LicenseID uuid.UUID       `gorm:"column:license_id;type:uuid;not null;index"`
	MachineID string          `gorm:"column:machine_id;not null"`
	Action    enums.LogAction `gorm:"column:action;type:log_action;not null"`
	IPAddress *string         `gorm:"column:ip_address"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}
