package directory

import (
	"time"

	"github.com/google/uuid"
)

// Patient is the read-only view of a registered patient.
type Patient struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	FullName            string     `db:"full_name" json:"full_name"`
	MedicalRecordNumber *string    `db:"medical_record_number" json:"medical_record_number,omitempty"`
	BirthDate           *time.Time `db:"birth_date" json:"birth_date,omitempty"`
}

// Professional is the read-only view of a staff member who can act on
// procedures.
type Professional struct {
	ID            uuid.UUID `db:"id" json:"id"`
	FullName      string    `db:"full_name" json:"full_name"`
	Role          string    `db:"role" json:"role"`
	LicenseNumber *string   `db:"license_number" json:"license_number,omitempty"`
}
