package procedure

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/events"
)

// Scheduler drives activity situacao and schedules. It shares the
// repositories, clock and publisher of the Service it was built from.
type Scheduler struct {
	*deps
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{deps: svc.deps}
}

type TransitionRequest struct {
	Situacao             Situacao  `json:"situacao" validate:"required"`
	ProfessionalID       uuid.UUID `json:"professional_id"`
	Observations         *string   `json:"observations,omitempty"`
	AdverseReaction      bool      `json:"adverse_reaction"`
	AdverseReactionNotes *string   `json:"adverse_reaction_notes,omitempty"`
	RefusalReason        *string   `json:"refusal_reason,omitempty"`
}

// activityOf loads an activity and checks it belongs to procedureID.
func (s *Scheduler) activityOf(ctx context.Context, procedureID, activityID uuid.UUID) (*Activity, error) {
	a, err := s.acts.GetByID(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if a.ProcedureID != procedureID {
		return nil, apperr.Validation("activity %s does not belong to procedure %s", activityID, procedureID)
	}
	return a, nil
}

func (s *Scheduler) GetActivity(ctx context.Context, procedureID, activityID uuid.UUID) (*Activity, error) {
	return s.activityOf(ctx, procedureID, activityID)
}

// Transition moves an activity along its situacao machine. Executing a
// recurring activity with slots left spawns a pending continuation that
// carries the remaining slots.
func (s *Scheduler) Transition(ctx context.Context, procedureID, activityID uuid.UUID, req TransitionRequest) (*Activity, error) {
	if !validSituacao(req.Situacao) {
		return nil, apperr.Validation("invalid situacao %q", req.Situacao)
	}
	if _, err := s.staff.Resolve(ctx, req.ProfessionalID); err != nil {
		return nil, err
	}

	var (
		a    *Activity
		from Situacao
		next *Activity
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.openForUpdate(ctx, procedureID); err != nil {
			return err
		}
		var err error
		a, err = s.activityOf(ctx, procedureID, activityID)
		if err != nil {
			return err
		}
		from = a.Situacao
		if !CanTransition(from, req.Situacao) {
			return apperr.InvalidState("activity cannot move from %s to %s", from, req.Situacao)
		}

		now := s.now()
		a.Situacao = req.Situacao
		a.ProfessionalID = &req.ProfessionalID
		if req.Observations != nil {
			a.Observations = req.Observations
		}
		if req.RefusalReason != nil {
			a.RefusalReason = req.RefusalReason
		}
		// Once recorded, an adverse reaction stays on the activity.
		if req.AdverseReaction {
			a.AdverseReaction = true
		}
		if req.AdverseReactionNotes != nil {
			a.AdverseReactionNotes = req.AdverseReactionNotes
		}

		switch req.Situacao {
		case SituacaoInProgress:
			if a.InitialTimestamp == nil {
				a.InitialTimestamp = &now
			}
		case SituacaoExecuted:
			if a.InitialTimestamp == nil {
				a.InitialTimestamp = &now
			}
			a.FinalTimestamp = &now
			next = continuation(a, now)
		}
		a.UpdatedAt = now

		if err := s.acts.Update(ctx, a); err != nil {
			return fmt.Errorf("update activity: %w", err)
		}
		if next != nil {
			next.ID = uuid.New()
			if err := s.acts.Add(ctx, next); err != nil {
				return fmt.Errorf("add continuation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	evt := events.New(events.ActivityTransition).
		WithProcedure(procedureID).
		WithActivity(activityID).
		WithProfessional(req.ProfessionalID).
		With("from", string(from)).
		With("to", string(req.Situacao))
	if next != nil {
		evt = evt.With("continuation_id", next.ID.String())
	}
	s.emit(ctx, evt)
	return a, nil
}

// Reschedule moves the activity's next slot to newTime. The procedure row is
// locked while siblings are read so the series check and the write see the
// same state.
func (s *Scheduler) Reschedule(ctx context.Context, procedureID, activityID uuid.UUID, newTime time.Time) (*Activity, error) {
	newTime = newTime.UTC().Truncate(time.Microsecond)
	var a *Activity
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.openForUpdate(ctx, procedureID); err != nil {
			return err
		}
		var err error
		a, err = s.activityOf(ctx, procedureID, activityID)
		if err != nil {
			return err
		}
		siblings, err := s.acts.ListByProcedure(ctx, procedureID)
		if err != nil {
			return fmt.Errorf("list activities: %w", err)
		}
		now := s.now()
		if err := Reschedule(a, siblings, newTime, now); err != nil {
			s.metrics.Reschedule(string(apperr.KindOf(err)))
			return err
		}
		a.UpdatedAt = now
		if err := s.acts.Update(ctx, a); err != nil {
			return fmt.Errorf("update activity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Reschedule("ok")
	s.emit(ctx, events.New(events.ActivityReschedule).
		WithProcedure(procedureID).
		WithActivity(activityID).
		With("next_slot", newTime.Format(time.RFC3339)))
	return a, nil
}

// UpdateChecklist replaces the five-rights checklist of a medication
// activity that has not been signed yet.
func (s *Scheduler) UpdateChecklist(ctx context.Context, procedureID, activityID uuid.UUID, cl Checklist) (*Activity, error) {
	var a *Activity
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.openForUpdate(ctx, procedureID); err != nil {
			return err
		}
		var err error
		a, err = s.activityOf(ctx, procedureID, activityID)
		if err != nil {
			return err
		}
		if !a.IsMedication() {
			return apperr.Validation("checklist applies to medication activities only")
		}
		if a.Sealed() {
			return apperr.Conflict("activity is already signed")
		}
		a.Checklist = &cl
		a.UpdatedAt = s.now()
		return s.acts.Update(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
