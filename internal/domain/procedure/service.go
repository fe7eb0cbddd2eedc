package procedure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/quickcare/internal/domain/directory"
	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/db"
	"github.com/ehr/quickcare/internal/platform/events"
	"github.com/ehr/quickcare/internal/platform/metrics"
)

// OriginOutpatientEncounter is the origin recorded for referrals.
const OriginOutpatientEncounter = "outpatient encounter"

// deps is shared by Service and Scheduler.
type deps struct {
	procs     ProcedureRepository
	acts      ActivityRepository
	tx        db.TxRunner
	patients  directory.PatientDirectory
	staff     directory.ProfessionalDirectory
	metrics   *metrics.Metrics
	publisher events.Publisher
	logger    zerolog.Logger
	clock     func() time.Time
}

// now is the service clock at database precision.
func (d *deps) now() time.Time {
	return d.clock().UTC().Truncate(time.Microsecond)
}

func (d *deps) emit(ctx context.Context, evt events.Event) {
	events.Emit(ctx, d.publisher, d.logger, evt)
}

// load reads a procedure together with its activities and outcome.
func (d *deps) load(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	p, err := d.procs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	acts, err := d.acts.ListByProcedure(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	p.Activities = acts
	o, err := d.procs.GetOutcome(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get outcome: %w", err)
	}
	p.Outcome = o
	return p, nil
}

// openForUpdate locks the procedure row and refuses closed procedures.
func (d *deps) openForUpdate(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	p, err := d.procs.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, apperr.Conflict("procedure is %s", p.Status)
	}
	return p, nil
}

// Service is the procedure lifecycle manager.
type Service struct {
	*deps
}

func NewService(
	procs ProcedureRepository,
	acts ActivityRepository,
	tx db.TxRunner,
	patients directory.PatientDirectory,
	staff directory.ProfessionalDirectory,
	logger zerolog.Logger,
) *Service {
	return &Service{deps: &deps{
		procs:    procs,
		acts:     acts,
		tx:       tx,
		patients: patients,
		staff:    staff,
		logger:   logger.With().Str("component", "procedure").Logger(),
		clock:    time.Now,
	}}
}

// SetMetrics attaches optional collectors. Shared with schedulers built
// from this service.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetPublisher attaches the event publisher used after each committed change.
func (s *Service) SetPublisher(p events.Publisher) {
	s.publisher = p
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.clock = now
}

// -- Requests --

// ActivitySpec describes an activity to create. The schedule is either the
// explicit ScheduledTimes or SlotCount slots from FirstSlot every
// IntervalMinutes.
type ActivitySpec struct {
	Kind           ActivityKind `json:"kind" validate:"required,oneof=MEDICATION VACCINE PROCEDURE"`
	Description    string       `json:"description" validate:"notblank"`
	MedicationID   *uuid.UUID   `json:"medication_id,omitempty"`
	MedicationName *string      `json:"medication_name,omitempty"`
	Dose           *string      `json:"dose,omitempty"`
	Route          *string      `json:"route,omitempty"`
	Dilution       *string      `json:"dilution,omitempty"`

	ScheduledTimes   []time.Time `json:"scheduled_times,omitempty"`
	FirstSlot        *time.Time  `json:"first_slot,omitempty"`
	SlotCount        int         `json:"slot_count,omitempty" validate:"gte=0"`
	IntervalMinutes  *int        `json:"interval_minutes,omitempty"`
	InitialTimestamp *time.Time  `json:"initial_timestamp,omitempty"`

	Urgent    bool       `json:"urgent"`
	Alert     *string    `json:"alert,omitempty"`
	Checklist *Checklist `json:"checklist,omitempty"`
}

type CreateRequest struct {
	PatientID           uuid.UUID      `json:"patient_id" validate:"required"`
	ProfessionalID      uuid.UUID      `json:"professional_id"`
	Origin              string         `json:"origin"`
	RequestingPhysician *string        `json:"requesting_physician,omitempty"`
	OriginSpecialty     *string        `json:"origin_specialty,omitempty"`
	Allergies           *string        `json:"allergies,omitempty"`
	Notes               *string        `json:"notes,omitempty"`
	Activities          []ActivitySpec `json:"activities" validate:"dive"`
}

// ReferralRequest creates a procedure from an outpatient encounter.
type ReferralRequest struct {
	PatientID           uuid.UUID      `json:"patient_id" validate:"required"`
	EncounterID         uuid.UUID      `json:"encounter_id" validate:"required"`
	ProfessionalID      uuid.UUID      `json:"professional_id"`
	RequestingPhysician *string        `json:"requesting_physician,omitempty"`
	OriginSpecialty     *string        `json:"origin_specialty,omitempty"`
	Allergies           *string        `json:"allergies,omitempty"`
	Notes               *string        `json:"notes,omitempty"`
	Activities          []ActivitySpec `json:"activities" validate:"dive"`
}

type OutcomeSpec struct {
	Type               OutcomeType `json:"type" validate:"required"`
	Destination        *string     `json:"destination,omitempty"`
	Specialty          *string     `json:"specialty,omitempty"`
	RequestedProcedure *string     `json:"requested_procedure,omitempty"`
	FollowUpDate       *time.Time  `json:"follow_up_date,omitempty"`
	Notes              *string     `json:"notes,omitempty"`
}

type CancelRequest struct {
	Reason         string    `json:"reason"`
	CascadePending bool      `json:"cascade_pending"`
	ProfessionalID uuid.UUID `json:"professional_id"`
}

// -- Activity construction --

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func truncate(ts []time.Time) []time.Time {
	out := make([]time.Time, len(ts))
	for i, t := range ts {
		out[i] = t.UTC().Truncate(time.Microsecond)
	}
	return out
}

// newActivity validates spec and builds a pending activity of procedureID.
func newActivity(procedureID uuid.UUID, spec ActivitySpec, now time.Time) (*Activity, error) {
	if !validKind(spec.Kind) {
		return nil, apperr.Validation("invalid activity kind %q", spec.Kind)
	}
	if strings.TrimSpace(spec.Description) == "" {
		return nil, apperr.Validation("activity description is required")
	}
	if spec.IntervalMinutes != nil && *spec.IntervalMinutes <= 0 {
		return nil, apperr.Validation("interval_minutes must be positive")
	}
	if spec.Kind == KindMedication {
		if spec.MedicationID == nil {
			return nil, apperr.Validation("medication activities require medication_id")
		}
	} else {
		if spec.MedicationID != nil {
			return nil, apperr.Validation("medication_id is only allowed on medication activities")
		}
		if spec.Checklist != nil {
			return nil, apperr.Validation("checklist applies to medication activities only")
		}
	}

	var slots []time.Time
	switch {
	case len(spec.ScheduledTimes) > 0:
		slots = truncate(spec.ScheduledTimes)
		if !sort.SliceIsSorted(slots, func(i, j int) bool { return slots[i].Before(slots[j]) }) {
			return nil, apperr.Validation("scheduled_times must be in ascending order")
		}
	case spec.FirstSlot != nil:
		count := spec.SlotCount
		if count == 0 {
			count = 1
		}
		if count > 1 && spec.IntervalMinutes == nil {
			return nil, apperr.Validation("interval_minutes is required for more than one slot")
		}
		slots = GenerateSlots(spec.FirstSlot.UTC().Truncate(time.Microsecond), spec.IntervalMinutes, count)
	default:
		return nil, apperr.Validation("activity schedule is required")
	}

	a := &Activity{
		ID:             uuid.New(),
		ProcedureID:    procedureID,
		Kind:           spec.Kind,
		Description:    strings.TrimSpace(spec.Description),
		MedicationID:   spec.MedicationID,
		MedicationName: spec.MedicationName,
		Dose:           spec.Dose,
		Route:          spec.Route,
		Dilution:       spec.Dilution,
		Situacao:       SituacaoPending,
		ScheduledTimes: slots,
		PriorSchedules: []time.Time{},
		SeriesStart:    slots[0],
		Urgent:         spec.Urgent,
		Alert:          spec.Alert,
		Checklist:      spec.Checklist,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if spec.IntervalMinutes != nil {
		interval := *spec.IntervalMinutes
		a.IntervalMinutes = &interval
	}
	if spec.InitialTimestamp != nil {
		initial := spec.InitialTimestamp.UTC().Truncate(time.Microsecond)
		a.InitialTimestamp = &initial
		a.SeriesStart = initial
	}
	return a, nil
}

// -- Lifecycle --

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Procedure, error) {
	return s.create(ctx, req, nil)
}

// Refer creates a procedure requested from an outpatient encounter.
func (s *Service) Refer(ctx context.Context, req ReferralRequest) (*Procedure, error) {
	if req.EncounterID == uuid.Nil {
		return nil, apperr.Validation("encounter_id is required")
	}
	encounter := req.EncounterID
	return s.create(ctx, CreateRequest{
		PatientID:           req.PatientID,
		ProfessionalID:      req.ProfessionalID,
		Origin:              OriginOutpatientEncounter,
		RequestingPhysician: req.RequestingPhysician,
		OriginSpecialty:     req.OriginSpecialty,
		Allergies:           req.Allergies,
		Notes:               req.Notes,
		Activities:          req.Activities,
	}, &encounter)
}

func (s *Service) create(ctx context.Context, req CreateRequest, encounterID *uuid.UUID) (*Procedure, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	if req.ProfessionalID == uuid.Nil {
		return nil, apperr.Validation("professional_id is required")
	}
	if _, err := s.patients.Resolve(ctx, req.PatientID); err != nil {
		return nil, err
	}
	if _, err := s.staff.Resolve(ctx, req.ProfessionalID); err != nil {
		return nil, err
	}

	now := s.now()
	p := &Procedure{
		ID:                  uuid.New(),
		PatientID:           req.PatientID,
		Status:              StatusAwaiting,
		Origin:              strings.TrimSpace(req.Origin),
		OriginEncounterID:   encounterID,
		RequestingPhysician: req.RequestingPhysician,
		OriginSpecialty:     req.OriginSpecialty,
		Allergies:           req.Allergies,
		Notes:               req.Notes,
		CreatedBy:           req.ProfessionalID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	for i, spec := range req.Activities {
		a, err := newActivity(p.ID, spec, now)
		if err != nil {
			return nil, fmt.Errorf("activity %d: %w", i, err)
		}
		p.Activities = append(p.Activities, a)
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.procs.Create(ctx, p); err != nil {
			return fmt.Errorf("create procedure: %w", err)
		}
		for _, a := range p.Activities {
			if err := s.acts.Add(ctx, a); err != nil {
				return fmt.Errorf("add activity: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ProcedureEvent("create")
	s.emit(ctx, events.New(events.ProcedureCreated).
		WithProcedure(p.ID).
		WithProfessional(p.CreatedBy).
		With("activities", len(p.Activities)).
		With("origin", p.Origin))
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return s.load(ctx, id)
}

// Claim takes the exclusive lock on an awaiting procedure. Concurrent claims
// race on a single conditional update; losers get a conflict.
func (s *Service) Claim(ctx context.Context, id, professionalID uuid.UUID) (*Procedure, error) {
	if _, err := s.staff.Resolve(ctx, professionalID); err != nil {
		return nil, err
	}
	won, err := s.procs.ClaimLock(ctx, id, professionalID, s.now())
	if err != nil {
		return nil, fmt.Errorf("claim procedure: %w", err)
	}
	if !won {
		p, err := s.procs.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		s.metrics.Claim("conflict")
		if p.LockHolder != nil {
			return nil, apperr.Conflict("procedure is already claimed by %s", *p.LockHolder)
		}
		return nil, apperr.Conflict("procedure is %s, not %s", p.Status, StatusAwaiting)
	}

	s.metrics.Claim("won")
	s.metrics.ProcedureEvent(eventClaim)
	s.emit(ctx, events.New(events.ProcedureClaimed).WithProcedure(id).WithProfessional(professionalID))
	return s.load(ctx, id)
}

// Release clears another professional's lock and returns the procedure to
// the queue. The holder cannot release their own lock.
func (s *Service) Release(ctx context.Context, id, requesterID uuid.UUID) (*Procedure, error) {
	if _, err := s.staff.Resolve(ctx, requesterID); err != nil {
		return nil, err
	}
	var holder uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.procs.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, ok := nextStatus(p.Status, eventRelease); !ok || p.LockHolder == nil {
			return apperr.Conflict("procedure is %s, not %s", p.Status, StatusInProgress)
		}
		if *p.LockHolder == requesterID {
			return apperr.Conflict("the lock holder cannot release their own lock")
		}
		holder = *p.LockHolder
		released, err := s.procs.ReleaseLock(ctx, id, holder, requesterID, s.now())
		if err != nil {
			return fmt.Errorf("release procedure: %w", err)
		}
		if !released {
			return apperr.Conflict("procedure lock changed concurrently")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ProcedureEvent(eventRelease)
	s.emit(ctx, events.New(events.ProcedureReleased).
		WithProcedure(id).
		WithProfessional(requesterID).
		With("previous_holder", holder.String()))
	return s.load(ctx, id)
}

// AddActivity appends a pending activity to an open procedure.
func (s *Service) AddActivity(ctx context.Context, id uuid.UUID, spec ActivitySpec) (*Procedure, error) {
	var added *Activity
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.openForUpdate(ctx, id); err != nil {
			return err
		}
		a, err := newActivity(id, spec, s.now())
		if err != nil {
			return err
		}
		if err := s.acts.Add(ctx, a); err != nil {
			return fmt.Errorf("add activity: %w", err)
		}
		added = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.New(events.ActivityAdded).WithProcedure(id).WithActivity(added.ID))
	return s.load(ctx, id)
}

func validateOutcome(spec OutcomeSpec) error {
	if !validOutcome(spec.Type) {
		return apperr.Validation("invalid outcome type %q", spec.Type)
	}
	switch spec.Type {
	case OutcomeReassessment:
		if spec.FollowUpDate == nil {
			return apperr.Validation("follow_up_date is required for %s", spec.Type)
		}
	case OutcomeInternalReferral:
		if blank(spec.Destination) {
			return apperr.Validation("destination is required for %s", spec.Type)
		}
	}
	return nil
}

// Finalize records the outcome and closes the procedure. Open activities
// are left as they are.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID, spec OutcomeSpec, professionalID uuid.UUID) (*Procedure, error) {
	if err := validateOutcome(spec); err != nil {
		return nil, err
	}
	if _, err := s.staff.Resolve(ctx, professionalID); err != nil {
		return nil, err
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.openForUpdate(ctx, id)
		if err != nil {
			return err
		}
		to, ok := nextStatus(p.Status, eventFinalize)
		if !ok {
			return apperr.Conflict("procedure is %s", p.Status)
		}
		now := s.now()
		p.Status = to
		p.EndedAt = &now
		p.UpdatedBy = &professionalID
		p.UpdatedAt = now
		p.LockHolder, p.LockedAt = nil, nil
		o := &Outcome{
			ProcedureID:        id,
			Type:               spec.Type,
			Destination:        spec.Destination,
			Specialty:          spec.Specialty,
			RequestedProcedure: spec.RequestedProcedure,
			FollowUpDate:       spec.FollowUpDate,
			Notes:              spec.Notes,
			RecordedAt:         now,
			ResponsibleID:      professionalID,
		}
		return s.procs.Finalize(ctx, p, o)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ProcedureEvent(eventFinalize)
	s.emit(ctx, events.New(events.ProcedureFinalized).
		WithProcedure(id).
		WithProfessional(professionalID).
		With("outcome", string(spec.Type)))
	return s.load(ctx, id)
}

// Cancel closes the procedure and cancels its pending activities in one
// transaction. Pending work needs either a reason or an explicit cascade.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, req CancelRequest) (*Procedure, error) {
	if _, err := s.staff.Resolve(ctx, req.ProfessionalID); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	var cancelled int
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.procs.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		to, ok := nextStatus(p.Status, eventCancel)
		if !ok {
			return apperr.Conflict("procedure is %s and cannot be cancelled", p.Status)
		}
		acts, err := s.acts.ListByProcedure(ctx, id)
		if err != nil {
			return fmt.Errorf("list activities: %w", err)
		}
		pending := 0
		for _, a := range acts {
			if a.Situacao == SituacaoPending {
				pending++
			}
		}
		if pending > 0 && !req.CascadePending && reason == "" {
			return apperr.Validation("procedure has %d pending activities: give a reason or cascade", pending)
		}

		now := s.now()
		if pending > 0 {
			n, err := s.acts.CancelPending(ctx, id, CancelledWithProcedure, now)
			if err != nil {
				return fmt.Errorf("cancel pending activities: %w", err)
			}
			cancelled = n
		}
		p.Status = to
		p.CancelledBy = &req.ProfessionalID
		p.CancelledAt = &now
		if reason != "" {
			p.CancelReason = &reason
		}
		p.UpdatedBy = &req.ProfessionalID
		p.UpdatedAt = now
		p.LockHolder, p.LockedAt = nil, nil
		return s.procs.MarkCancelled(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ProcedureEvent(eventCancel)
	s.emit(ctx, events.New(events.ProcedureCancelled).
		WithProcedure(id).
		WithProfessional(req.ProfessionalID).
		With("cancelled_activities", cancelled).
		With("reason", reason))
	return s.load(ctx, id)
}

// -- Read side. Listings do not load activities. --

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Procedure, int, error) {
	return s.procs.List(ctx, f, limit, offset)
}

// ListAwaiting returns the queue of unclaimed procedures, oldest first.
func (s *Service) ListAwaiting(ctx context.Context, limit, offset int) ([]*Procedure, int, error) {
	return s.procs.List(ctx, ListFilter{Status: StatusAwaiting, OldestFirst: true}, limit, offset)
}

func (s *Service) ListClaimedBy(ctx context.Context, professionalID uuid.UUID, limit, offset int) ([]*Procedure, int, error) {
	return s.procs.List(ctx, ListFilter{Status: StatusInProgress, LockHolder: &professionalID}, limit, offset)
}

// ListOverdue returns open procedures with a pending activity whose next
// slot is before at.
func (s *Service) ListOverdue(ctx context.Context, at time.Time, limit, offset int) ([]*Procedure, int, error) {
	at = at.UTC()
	return s.procs.List(ctx, ListFilter{OverdueAt: &at, OldestFirst: true}, limit, offset)
}

func (s *Service) CancellationReasons() []CancellationReason {
	return append([]CancellationReason(nil), cancellationReasons...)
}
