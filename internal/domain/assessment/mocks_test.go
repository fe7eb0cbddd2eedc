package assessment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/quickcare/internal/domain/directory"
	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/events"
)

// -- Mock Repository --

type mockRepo struct {
	mu   sync.Mutex
	rows []*Assessment
	// failCreate makes the next Create fail.
	failCreate error
}

func clone(a *Assessment) *Assessment {
	c := *a
	c.Items = make(map[string]int, len(a.Items))
	for k, v := range a.Items {
		c.Items[k] = v
	}
	return &c
}

// newest sorts like the SQL ORDER BY assessed_at DESC, created_at DESC.
func newest(rows []*Assessment) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].AssessedAt.Equal(rows[j].AssessedAt) {
			return rows[i].AssessedAt.After(rows[j].AssessedAt)
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
}

func page(rows []*Assessment, limit, offset int) []*Assessment {
	if offset >= len(rows) {
		return nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func (m *mockRepo) Create(_ context.Context, a *Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCreate; err != nil {
		m.failCreate = nil
		return err
	}
	m.rows = append(m.rows, clone(a))
	return nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, scale Scale, limit, offset int) ([]*Assessment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Assessment
	for _, a := range m.rows {
		if a.PatientID == patientID && (scale == "" || a.Scale == scale) {
			out = append(out, clone(a))
		}
	}
	newest(out)
	return page(out, limit, offset), len(out), nil
}

func (m *mockRepo) latest() []*Assessment {
	type key struct {
		patient uuid.UUID
		scale   Scale
	}
	sorted := make([]*Assessment, len(m.rows))
	copy(sorted, m.rows)
	newest(sorted)
	seen := make(map[key]bool)
	var out []*Assessment
	for _, a := range sorted {
		k := key{a.PatientID, a.Scale}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, clone(a))
	}
	return out
}

func (m *mockRepo) LatestByPatient(_ context.Context, patientID uuid.UUID) ([]*Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Assessment
	for _, a := range m.latest() {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockRepo) ListHighRisk(_ context.Context, scale Scale, limit, offset int) ([]*Assessment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Assessment
	for _, a := range m.latest() {
		if a.HighRisk && (scale == "" || a.Scale == scale) {
			out = append(out, a)
		}
	}
	newest(out)
	return page(out, limit, offset), len(out), nil
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// -- Directories --

type mockPatients struct{ known map[uuid.UUID]bool }

func (m *mockPatients) Resolve(_ context.Context, id uuid.UUID) (*directory.Patient, error) {
	if !m.known[id] {
		return nil, apperr.NotFound("patient %s not found", id)
	}
	return &directory.Patient{ID: id, FullName: "Patient"}, nil
}

type mockStaff struct{ known map[uuid.UUID]bool }

func (m *mockStaff) Resolve(_ context.Context, id uuid.UUID) (*directory.Professional, error) {
	if !m.known[id] {
		return nil, apperr.NotFound("professional %s not found", id)
	}
	return &directory.Professional{ID: id, FullName: "Nurse", Role: "nurse"}, nil
}

func (m *mockStaff) VerifyLogin(context.Context, uuid.UUID, string) (bool, error) {
	return false, errors.New("not used")
}

// -- Publisher --

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

// -- Fixture --

var baseTime = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc  *Service
	repo *mockRepo
	pub  *recordingPublisher
	now  time.Time

	patient uuid.UUID
	other   uuid.UUID
	nurse   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    &mockRepo{},
		pub:     &recordingPublisher{},
		now:     baseTime,
		patient: uuid.New(),
		other:   uuid.New(),
		nurse:   uuid.New(),
	}
	f.svc = NewService(f.repo,
		&mockPatients{known: map[uuid.UUID]bool{f.patient: true, f.other: true}},
		&mockStaff{known: map[uuid.UUID]bool{f.nurse: true}},
		zerolog.Nop())
	f.svc.SetClock(func() time.Time { return f.now })
	f.svc.SetPublisher(f.pub)
	return f
}

// record stores an assessment for patient at the fixture clock.
func (f *fixture) record(t *testing.T, patient uuid.UUID, scale Scale, items map[string]int) *Assessment {
	t.Helper()
	a, err := f.svc.Record(context.Background(), RecordRequest{
		PatientID:      patient,
		ProfessionalID: f.nurse,
		Scale:          scale,
		Items:          items,
	})
	if err != nil {
		t.Fatalf("record %s: %v", scale, err)
	}
	return a
}

func strPtr(s string) *string { return &s }

func expectKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %q (%v)", kind, got, err)
	}
}
