package procedure

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows procedure listings. Zero fields do not filter.
type ListFilter struct {
	Status     Status
	PatientID  *uuid.UUID
	LockHolder *uuid.UUID
	// OverdueAt keeps procedures holding a pending activity whose next slot
	// is before this instant.
	OverdueAt   *time.Time
	OldestFirst bool
}

type ProcedureRepository interface {
	Create(ctx context.Context, p *Procedure) error
	// GetByID returns an apperr not-found error for unknown ids.
	GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error)
	// GetForUpdate is GetByID holding a row lock until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Procedure, error)
	// GetOutcome returns nil, nil when the procedure has no outcome.
	GetOutcome(ctx context.Context, procedureID uuid.UUID) (*Outcome, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Procedure, int, error)

	// ClaimLock sets the holder only if the procedure is awaiting and
	// unlocked. It reports whether the row changed.
	ClaimLock(ctx context.Context, id, professionalID uuid.UUID, at time.Time) (bool, error)
	// ReleaseLock clears the lock only if holder still holds it.
	ReleaseLock(ctx context.Context, id, holder, by uuid.UUID, at time.Time) (bool, error)
	Finalize(ctx context.Context, p *Procedure, o *Outcome) error
	MarkCancelled(ctx context.Context, p *Procedure) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

type ActivityRepository interface {
	Add(ctx context.Context, a *Activity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Activity, error)
	ListByProcedure(ctx context.Context, procedureID uuid.UUID) ([]*Activity, error)
	// Update writes every mutable column. Signature columns are never
	// touched; see Seal.
	Update(ctx context.Context, a *Activity) error
	// CancelPending cancels every pending activity of a procedure and
	// returns how many changed.
	CancelPending(ctx context.Context, procedureID uuid.UUID, observation string, at time.Time) (int, error)
	// Seal attaches a signature to an executed, unsigned activity. It
	// reports false when the activity was already sealed.
	Seal(ctx context.Context, id uuid.UUID, digest, license string, at time.Time) (bool, error)
}
