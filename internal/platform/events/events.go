package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types published by the quick-procedure workflow. They double as
// AMQP routing keys.
const (
	ProcedureCreated   = "procedure.created"
	ProcedureClaimed   = "procedure.claimed"
	ProcedureReleased  = "procedure.released"
	ProcedureFinalized = "procedure.finalized"
	ProcedureCancelled = "procedure.cancelled"
	ActivityAdded      = "activity.added"
	ActivityTransition = "activity.transitioned"
	ActivityReschedule = "activity.rescheduled"
	ActivitySigned     = "activity.signed"
	CredentialEnrolled = "credential.enrolled"
	AssessmentRecorded = "assessment.recorded"
)

// Event is a notification about a committed domain change.
type Event struct {
	ID             uuid.UUID              `json:"id"`
	Type           string                 `json:"type"`
	OccurredAt     time.Time              `json:"occurred_at"`
	ProcedureID    *uuid.UUID             `json:"procedure_id,omitempty"`
	ActivityID     *uuid.UUID             `json:"activity_id,omitempty"`
	ProfessionalID *uuid.UUID             `json:"professional_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(eventType string) Event {
	return Event{ID: uuid.New(), Type: eventType, OccurredAt: time.Now().UTC()}
}

func (e Event) WithProcedure(id uuid.UUID) Event {
	e.ProcedureID = &id
	return e
}

func (e Event) WithActivity(id uuid.UUID) Event {
	e.ActivityID = &id
	return e
}

func (e Event) WithProfessional(id uuid.UUID) Event {
	e.ProfessionalID = &id
	return e
}

func (e Event) With(key string, value interface{}) Event {
	data := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Fanout publishes to each publisher in order and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes evt and logs a failure instead of returning it. The domain
// change has already committed when Emit is called.
func Emit(ctx context.Context, p Publisher, logger zerolog.Logger, evt Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil {
		logger.Error().Err(err).
			Str("event_type", evt.Type).
			Str("event_id", evt.ID.String()).
			Msg("event publish failed")
	}
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(ctx context.Context, evt Event) error {
	e := p.logger.Info().
		Str("event_type", evt.Type).
		Str("event_id", evt.ID.String()).
		Time("occurred_at", evt.OccurredAt)
	if evt.ProcedureID != nil {
		e = e.Str("procedure_id", evt.ProcedureID.String())
	}
	if evt.ActivityID != nil {
		e = e.Str("activity_id", evt.ActivityID.String())
	}
	e.Msg("domain event")
	return nil
}
