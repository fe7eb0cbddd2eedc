package procedure

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/quickcare/internal/domain/signature"
	"github.com/ehr/quickcare/internal/platform/apperr"
)

// SigningPort exposes activities to the signature service.
type SigningPort struct {
	acts ActivityRepository
}

func NewSigningPort(acts ActivityRepository) *SigningPort {
	return &SigningPort{acts: acts}
}

var _ signature.ActivityPort = (*SigningPort)(nil)

func (p *SigningPort) Signable(ctx context.Context, procedureID, activityID uuid.UUID) (*signature.Signable, error) {
	a, err := p.acts.GetByID(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if a.ProcedureID != procedureID {
		return nil, apperr.Validation("activity %s does not belong to procedure %s", activityID, procedureID)
	}
	s := &signature.Signable{
		ID:          a.ID,
		ProcedureID: a.ProcedureID,
		Medication:  a.IsMedication(),
		Executed:    a.Situacao == SituacaoExecuted,
		Sealed:      a.Sealed(),
	}
	if s.Medication {
		s.MissingChecks = a.Checklist.Missing()
	}
	return s, nil
}

func (p *SigningPort) Seal(ctx context.Context, activityID uuid.UUID, digest, license string, at time.Time) (bool, error) {
	return p.acts.Seal(ctx, activityID, digest, license, at)
}
