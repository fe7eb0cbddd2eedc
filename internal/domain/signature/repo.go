package signature

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CredentialRepository interface {
	Upsert(ctx context.Context, c *SigningCredential) error
	// Get returns an apperr not-found error when nothing is enrolled.
	Get(ctx context.Context, professionalID uuid.UUID) (*SigningCredential, error)
}

type RecordRepository interface {
	// Insert fails with an apperr conflict when the activity already has a
	// record.
	Insert(ctx context.Context, r *Record) error
	GetByActivity(ctx context.Context, activityID uuid.UUID) (*Record, error)
	ListByProfessional(ctx context.Context, professionalID uuid.UUID, limit, offset int) ([]*Record, int, error)
}

// ActivityPort is how signing reads and seals activities it does not own.
type ActivityPort interface {
	// Signable returns an apperr validation error when the activity does
	// not belong to procedureID.
	Signable(ctx context.Context, procedureID, activityID uuid.UUID) (*Signable, error)
	// Seal reports false when the activity was sealed already.
	Seal(ctx context.Context, activityID uuid.UUID, digest, license string, at time.Time) (bool, error)
}
