package assessment

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/quickcare/internal/domain/directory"
	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/events"
	"github.com/ehr/quickcare/internal/platform/metrics"
)

// Service records nursing assessments and answers the patient history and
// high-risk queries.
type Service struct {
	repo      Repository
	patients  directory.PatientDirectory
	staff     directory.ProfessionalDirectory
	metrics   *metrics.Metrics
	publisher events.Publisher
	logger    zerolog.Logger
	clock     func() time.Time
}

func NewService(
	repo Repository,
	patients directory.PatientDirectory,
	staff directory.ProfessionalDirectory,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		patients: patients,
		staff:    staff,
		logger:   logger.With().Str("component", "assessment").Logger(),
		clock:    time.Now,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) SetPublisher(p events.Publisher) {
	s.publisher = p
}

func (s *Service) SetClock(now func() time.Time) {
	s.clock = now
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

type RecordRequest struct {
	PatientID      uuid.UUID      `json:"patient_id" validate:"required"`
	ProfessionalID uuid.UUID      `json:"professional_id"`
	Scale          Scale          `json:"scale" validate:"required"`
	Items          map[string]int `json:"items" validate:"required"`
	// AssessedAt defaults to now and may not be in the future.
	AssessedAt   *time.Time   `json:"assessed_at,omitempty"`
	Observations *string      `json:"observations,omitempty"`
	Pain         *PainDetails `json:"pain,omitempty"`
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func cleanPain(p *PainDetails) (*PainDetails, error) {
	if p == nil {
		return &PainDetails{}, nil
	}
	out := &PainDetails{
		Location:         trimmed(p.Location),
		Characteristics:  trimmed(p.Characteristics),
		WorseningFactors: trimmed(p.WorseningFactors),
		RelievingFactors: trimmed(p.RelievingFactors),
	}
	if out.Location != nil && utf8.RuneCountInString(*out.Location) > MaxPainLocation {
		return nil, apperr.Validation("pain location exceeds %d characters", MaxPainLocation)
	}
	return out, nil
}

// Record scores and stores an assessment. Nothing is written when the items
// do not fit the scale.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*Assessment, error) {
	result, err := Evaluate(req.Scale, req.Items)
	if err != nil {
		return nil, err
	}
	if req.Pain != nil && req.Scale != ScaleEVA {
		return nil, apperr.Validation("pain details apply to the eva scale only")
	}
	var pain *PainDetails
	if req.Scale == ScaleEVA {
		if pain, err = cleanPain(req.Pain); err != nil {
			return nil, err
		}
	}

	now := s.now()
	assessedAt := now
	if req.AssessedAt != nil {
		assessedAt = req.AssessedAt.UTC().Truncate(time.Microsecond)
		if assessedAt.After(now) {
			return nil, apperr.Validation("assessed_at is in the future")
		}
	}

	if _, err := s.patients.Resolve(ctx, req.PatientID); err != nil {
		return nil, err
	}
	if _, err := s.staff.Resolve(ctx, req.ProfessionalID); err != nil {
		return nil, err
	}

	items := make(map[string]int, len(req.Items))
	for k, v := range req.Items {
		items[k] = v
	}
	a := &Assessment{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		Scale:          req.Scale,
		Items:          items,
		Score:          result.Score,
		Classification: result.Classification,
		Label:          result.Label,
		HighRisk:       result.HighRisk,
		AssessorID:     req.ProfessionalID,
		AssessedAt:     assessedAt,
		Observations:   trimmed(req.Observations),
		Pain:           pain,
		CreatedAt:      now,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}

	s.metrics.Assessment(string(a.Scale), a.HighRisk)
	s.logger.Info().
		Str("patient_id", a.PatientID.String()).
		Str("scale", string(a.Scale)).
		Int("score", a.Score).
		Bool("high_risk", a.HighRisk).
		Msg("assessment recorded")
	events.Emit(ctx, s.publisher, s.logger, events.New(events.AssessmentRecorded).
		WithProfessional(a.AssessorID).
		With("assessment_id", a.ID.String()).
		With("patient_id", a.PatientID.String()).
		With("scale", string(a.Scale)).
		With("score", a.Score).
		With("classification", string(a.Classification)).
		With("high_risk", a.HighRisk))
	return a, nil
}

func checkScale(scale Scale) error {
	if scale == "" {
		return nil
	}
	if _, ok := definitions[scale]; !ok {
		return apperr.Validation("unknown scale %q", scale)
	}
	return nil
}

// History lists a patient's assessments newest first, optionally for one
// scale.
func (s *Service) History(ctx context.Context, patientID uuid.UUID, scale Scale, limit, offset int) ([]*Assessment, int, error) {
	if err := checkScale(scale); err != nil {
		return nil, 0, err
	}
	return s.repo.ListByPatient(ctx, patientID, scale, limit, offset)
}

// Summary is the newest assessment of each scale for a patient. Scales never
// applied are absent.
func (s *Service) Summary(ctx context.Context, patientID uuid.UUID) (map[Scale]*Assessment, error) {
	latest, err := s.repo.LatestByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := make(map[Scale]*Assessment, len(latest))
	for _, a := range latest {
		out[a.Scale] = a
	}
	return out, nil
}

// HighRisk lists patients whose current assessment on a scale is in that
// scale's high-risk band. A later, lower-risk assessment clears the patient.
func (s *Service) HighRisk(ctx context.Context, scale Scale, limit, offset int) ([]*Assessment, int, error) {
	if err := checkScale(scale); err != nil {
		return nil, 0, err
	}
	return s.repo.ListHighRisk(ctx, scale, limit, offset)
}

// Definitions returns the scoring rules of every scale.
func (s *Service) Definitions() []Definition {
	out := make([]Definition, 0, len(Scales))
	for _, sc := range Scales {
		out = append(out, definitions[sc])
	}
	return out
}
