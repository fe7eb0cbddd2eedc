package directory

import (
	"context"

	"github.com/google/uuid"
)

// PatientDirectory resolves patients owned by the registration system.
type PatientDirectory interface {
	// Resolve returns an apperr not-found error for unknown or inactive ids.
	Resolve(ctx context.Context, id uuid.UUID) (*Patient, error)
}

// ProfessionalDirectory resolves staff and verifies their login password.
type ProfessionalDirectory interface {
	Resolve(ctx context.Context, id uuid.UUID) (*Professional, error)
	// VerifyLogin reports whether password is the professional's login
	// password. Unknown professionals are a not-found error.
	VerifyLogin(ctx context.Context, id uuid.UUID, password string) (bool, error)
}
