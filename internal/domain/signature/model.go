package signature

import (
	"time"

	"github.com/google/uuid"
)

// SigningCredential is a professional's secondary secret for attesting
// executed activities. SecretHash never leaves the service.
type SigningCredential struct {
	ProfessionalID uuid.UUID `db:"professional_id" json:"professional_id"`
	SecretHash     string    `db:"secret_hash" json:"-"`
	LicenseNumber  string    `db:"license_number" json:"license_number"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Record is the immutable attestation of one activity.
type Record struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ProfessionalID uuid.UUID `db:"professional_id" json:"professional_id"`
	ActivityID     uuid.UUID `db:"activity_id" json:"activity_id"`
	ProcedureID    uuid.UUID `db:"procedure_id" json:"procedure_id"`
	SignedAt       time.Time `db:"signed_at" json:"signed_at"`
	OriginAddress  string    `db:"origin_address" json:"origin_address"`
	LicenseNumber  string    `db:"license_number" json:"license_number"`
	Digest         string    `db:"digest" json:"digest"`
}

// Signable is the view of an activity needed to decide whether it can be
// signed.
type Signable struct {
	ID          uuid.UUID
	ProcedureID uuid.UUID
	Medication  bool
	// MissingChecks lists unconfirmed checklist items of a medication
	// activity, in reporting order.
	MissingChecks []string
	Executed      bool
	Sealed        bool
}

// CredentialStatus is what callers may learn about an enrollment.
type CredentialStatus struct {
	ProfessionalID uuid.UUID  `json:"professional_id"`
	Enrolled       bool       `json:"enrolled"`
	LicenseNumber  string     `json:"license_number,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}
