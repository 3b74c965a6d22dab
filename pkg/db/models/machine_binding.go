package models

import (
	"time"

	"github.com/google/uuid"
)

// MachineBinding associates one opaque machine identifier with a license.
// The (license_id, machine_id) pair is unique, which makes re-validation
// of an already bound machine a no-op at the database level.
type MachineBinding struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	LicenseID uuid.UUID `gorm:"column:license_id;type:uuid;not null;uniqueIndex:idx_machine_bindings_license_machine"`
	MachineID string    `gorm:"column:machine_id;not null;uniqueIndex:idx_machine_bindings_license_machine"`
	BoundAt   time.Time `gorm:"column:bound_at;autoCreateTime"`
}
