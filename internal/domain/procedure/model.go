package procedure

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusAwaiting   Status = "AWAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinished   Status = "FINISHED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further lifecycle change is allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

type Situacao string

const (
	SituacaoPending    Situacao = "PENDING"
	SituacaoInProgress Situacao = "IN_PROGRESS"
	SituacaoExecuted   Situacao = "EXECUTED"
	SituacaoCancelled  Situacao = "CANCELLED"
)

func (s Situacao) Terminal() bool {
	return s == SituacaoExecuted || s == SituacaoCancelled
}

type ActivityKind string

const (
	KindMedication ActivityKind = "MEDICATION"
	KindVaccine    ActivityKind = "VACCINE"
	KindProcedure  ActivityKind = "PROCEDURE"
)

type OutcomeType string

const (
	OutcomeReleasePatient   OutcomeType = "RELEASE_PATIENT"
	OutcomeObservation      OutcomeType = "OBSERVATION"
	OutcomeInternalReferral OutcomeType = "INTERNAL_REFERRAL"
	OutcomeReassessment     OutcomeType = "REASSESSMENT"
)

// Procedure maps to the quick_procedure table. It owns its activities and
// outcome; they are loaded alongside it by the service.
type Procedure struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	Status              Status     `db:"status" json:"status"`
	LockHolder          *uuid.UUID `db:"lock_holder" json:"lock_holder,omitempty"`
	LockedAt            *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	Origin              string     `db:"origin" json:"origin"`
	OriginEncounterID   *uuid.UUID `db:"origin_encounter_id" json:"origin_encounter_id,omitempty"`
	RequestingPhysician *string    `db:"requesting_physician" json:"requesting_physician,omitempty"`
	OriginSpecialty     *string    `db:"origin_specialty" json:"origin_specialty,omitempty"`
	Allergies           *string    `db:"allergies" json:"allergies,omitempty"`
	Notes               *string    `db:"notes" json:"notes,omitempty"`
	StartedAt           *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt             *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	CancelledBy         *uuid.UUID `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelReason        *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CancelledAt         *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedBy           uuid.UUID  `db:"created_by" json:"created_by"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedBy           *uuid.UUID `db:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`

	Activities []*Activity `db:"-" json:"activities"`
	Outcome    *Outcome    `db:"-" json:"outcome,omitempty"`
}

// Checklist holds the five rights confirmed before a medication is given.
type Checklist struct {
	RightPatient    bool `json:"right_patient"`
	RightMedication bool `json:"right_medication"`
	RightDose       bool `json:"right_dose"`
	RightRoute      bool `json:"right_route"`
	RightTime       bool `json:"right_time"`
}

// Names reported for unconfirmed checklist items, in reporting order.
const (
	CheckPatient    = "pacienteCerto"
	CheckMedication = "medicamentoCerto"
	CheckDose       = "doseCerta"
	CheckRoute      = "viaCerta"
	CheckTime       = "horarioCerto"
)

// Missing lists the unconfirmed items. A nil checklist is missing all five.
func (c *Checklist) Missing() []string {
	if c == nil {
		return []string{CheckPatient, CheckMedication, CheckDose, CheckRoute, CheckTime}
	}
	var out []string
	if !c.RightPatient {
		out = append(out, CheckPatient)
	}
	if !c.RightMedication {
		out = append(out, CheckMedication)
	}
	if !c.RightDose {
		out = append(out, CheckDose)
	}
	if !c.RightRoute {
		out = append(out, CheckRoute)
	}
	if !c.RightTime {
		out = append(out, CheckTime)
	}
	return out
}

func (c *Checklist) Complete() bool {
	return len(c.Missing()) == 0
}

// Activity maps to the quick_procedure_activity table.
type Activity struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	ProcedureID uuid.UUID    `db:"procedure_id" json:"procedure_id"`
	Kind        ActivityKind `db:"kind" json:"kind"`
	Description string       `db:"description" json:"description"`

	MedicationID   *uuid.UUID `db:"medication_id" json:"medication_id,omitempty"`
	MedicationName *string    `db:"medication_name" json:"medication_name,omitempty"`
	Dose           *string    `db:"dose" json:"dose,omitempty"`
	Route          *string    `db:"route" json:"route,omitempty"`
	Dilution       *string    `db:"dilution" json:"dilution,omitempty"`

	Situacao        Situacao    `db:"situacao" json:"situacao"`
	ScheduledTimes  []time.Time `db:"scheduled_times" json:"scheduled_times"`
	PriorSchedules  []time.Time `db:"prior_schedules" json:"prior_schedules"`
	IntervalMinutes *int        `db:"interval_minutes" json:"interval_minutes,omitempty"`
	// SeriesStart is fixed at creation and shared by every activity of one
	// recurring series, together with IntervalMinutes.
	SeriesStart      time.Time  `db:"series_start" json:"series_start"`
	ContinuesFrom    *uuid.UUID `db:"continues_from" json:"continues_from,omitempty"`
	InitialTimestamp *time.Time `db:"initial_timestamp" json:"initial_timestamp,omitempty"`
	FinalTimestamp   *time.Time `db:"final_timestamp" json:"final_timestamp,omitempty"`

	ProfessionalID       *uuid.UUID `db:"professional_id" json:"professional_id,omitempty"`
	Observations         *string    `db:"observations" json:"observations,omitempty"`
	Urgent               bool       `db:"urgent" json:"urgent"`
	Alert                *string    `db:"alert" json:"alert,omitempty"`
	AdverseReaction      bool       `db:"adverse_reaction" json:"adverse_reaction"`
	AdverseReactionNotes *string    `db:"adverse_reaction_notes" json:"adverse_reaction_notes,omitempty"`
	RefusalReason        *string    `db:"refusal_reason" json:"refusal_reason,omitempty"`

	Checklist       *Checklist `db:"-" json:"checklist,omitempty"`
	SignatureDigest *string    `db:"signature_digest" json:"signature_digest,omitempty"`
	SignedLicense   *string    `db:"signed_license" json:"signed_license,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsMedication is the medication-class predicate. Only MEDICATION activities
// carry a checklist and are gated on it.
func (a *Activity) IsMedication() bool {
	return a.Kind == KindMedication
}

// Sealed reports whether a signature has been attached.
func (a *Activity) Sealed() bool {
	return a.SignatureDigest != nil
}

// NextSlot returns the first scheduled time, or nil when none is left.
func (a *Activity) NextSlot() *time.Time {
	if len(a.ScheduledTimes) == 0 {
		return nil
	}
	t := a.ScheduledTimes[0]
	return &t
}

// Overdue reports a pending activity whose next slot is already past.
func (a *Activity) Overdue(now time.Time) bool {
	next := a.NextSlot()
	return a.Situacao == SituacaoPending && next != nil && now.After(*next)
}

// Outcome maps to the quick_procedure_outcome table.
type Outcome struct {
	ProcedureID        uuid.UUID   `db:"procedure_id" json:"procedure_id"`
	Type               OutcomeType `db:"type" json:"type"`
	Destination        *string     `db:"destination" json:"destination,omitempty"`
	Specialty          *string     `db:"specialty" json:"specialty,omitempty"`
	RequestedProcedure *string     `db:"requested_procedure" json:"requested_procedure,omitempty"`
	FollowUpDate       *time.Time  `db:"follow_up_date" json:"follow_up_date,omitempty"`
	Notes              *string     `db:"notes" json:"notes,omitempty"`
	RecordedAt         time.Time   `db:"recorded_at" json:"recorded_at"`
	ResponsibleID      uuid.UUID   `db:"responsible_id" json:"responsible_id"`
}

// CancellationReason is one entry of the fixed cancellation catalogue.
type CancellationReason struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

var cancellationReasons = []CancellationReason{
	{Code: "NO_SHOW", Label: "Patient did not show up"},
	{Code: "PATIENT_WITHDREW", Label: "Patient withdrew from care"},
	{Code: "REFERRAL_ERROR", Label: "Referral error"},
	{Code: "DUPLICATE", Label: "Duplicate procedure"},
	{Code: "PATIENT_TRANSFERRED", Label: "Patient transferred"},
	{Code: "NOT_NEEDED", Label: "Procedure not needed"},
	{Code: "OTHER", Label: "Other reason"},
}

// CancelledWithProcedure is the observation written on activities cancelled
// by a cascading procedure cancel.
const CancelledWithProcedure = "cancelled together with the procedure"
