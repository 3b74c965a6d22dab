package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/ratolabs/rato-license-server/pkg/enums"
)

// License is one purchasable entitlement identified by its shareable key.
type License struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Key           string              `gorm:"column:key;not null;unique"`
	Email         *string             `gorm:"column:email"`
	Plan          enums.Plan          `gorm:"column:plan;type:license_plan;not null"`
	MaxMachines   int                 `gorm:"column:max_machines;not null;default:1"`
	Status        enums.LicenseStatus `gorm:"column:status;type:license_status;not null;default:'active'"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime"`
	ExpiresAt     time.Time           `gorm:"column:expires_at;not null"`
	LastValidated *time.Time          `gorm:"column:last_validated"`

	Bindings []MachineBinding `gorm:"foreignKey:LicenseID"`
}

// MachineIDs returns the bound machine identifiers in binding order.
func (l *License) MachineIDs() []string {
	ids := make([]string, len(l.Bindings))
	for i, b := range l.Bindings {
		ids[i] = b.MachineID
	}
	return ids
}

// HasMachine reports whether the machine is already bound to this license.
func (l *License) HasMachine(machineID string) bool {
	for _, b := range l.Bindings {
		if b.MachineID == machineID {
			return true
		}
	}
	return false
}
