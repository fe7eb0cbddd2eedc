package signature

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/quickcare/internal/domain/directory"
	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/db"
	"github.com/ehr/quickcare/internal/platform/events"
	"github.com/ehr/quickcare/internal/platform/password"
)

// -- Credential Repository --

type mockCredentialRepo struct {
	mu    sync.Mutex
	creds map[uuid.UUID]SigningCredential
}

func newMockCredentialRepo() *mockCredentialRepo {
	return &mockCredentialRepo{creds: make(map[uuid.UUID]SigningCredential)}
}

func (m *mockCredentialRepo) Upsert(_ context.Context, c *SigningCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.creds[c.ProfessionalID]; ok {
		c.CreatedAt = cur.CreatedAt
	}
	m.creds[c.ProfessionalID] = *c
	return nil
}

func (m *mockCredentialRepo) Get(_ context.Context, id uuid.UUID) (*SigningCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return nil, apperr.NotFound("no signing credential for %s", id)
	}
	return &c, nil
}

// -- Record Repository --

type mockRecordRepo struct {
	mu      sync.Mutex
	records []*Record
}

func (m *mockRecordRepo) Insert(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.ActivityID == r.ActivityID {
			return apperr.Conflict("activity %s already signed", r.ActivityID)
		}
	}
	c := *r
	m.records = append(m.records, &c)
	return nil
}

func (m *mockRecordRepo) GetByActivity(_ context.Context, activityID uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ActivityID == activityID {
			c := *r
			return &c, nil
		}
	}
	return nil, apperr.NotFound("signature for activity %s not found", activityID)
}

func (m *mockRecordRepo) ListByProfessional(_ context.Context, professionalID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if r.ProfessionalID == professionalID {
			c := *r
			out = append(out, &c)
		}
	}
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRecordRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// -- Activity Port --

type mockActivities struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Signable
	// failSeal makes Seal report an error, to observe the record rollback.
	failSeal error
}

func (m *mockActivities) put(s *Signable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.items[s.ID] = &c
}

func (m *mockActivities) Signable(_ context.Context, procedureID, activityID uuid.UUID) (*Signable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[activityID]
	if !ok {
		return nil, apperr.NotFound("activity %s not found", activityID)
	}
	if s.ProcedureID != procedureID {
		return nil, apperr.Validation("activity %s does not belong to procedure %s", activityID, procedureID)
	}
	c := *s
	c.MissingChecks = append([]string(nil), s.MissingChecks...)
	return &c, nil
}

func (m *mockActivities) Seal(_ context.Context, activityID uuid.UUID, digest, license string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSeal != nil {
		return false, m.failSeal
	}
	s, ok := m.items[activityID]
	if !ok || s.Sealed {
		return false, nil
	}
	s.Sealed = true
	return true, nil
}

// recordTx runs one transaction at a time and discards records inserted by
// a failed fn.
type recordTx struct {
	mu      sync.Mutex
	records *mockRecordRepo
}

func (r *recordTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records.mu.Lock()
	before := len(r.records.records)
	r.records.mu.Unlock()
	if err := fn(ctx); err != nil {
		r.records.mu.Lock()
		r.records.records = r.records.records[:before]
		r.records.mu.Unlock()
		return err
	}
	return nil
}

var _ db.TxRunner = (*recordTx)(nil)

// -- Directory --

type mockStaff struct {
	logins map[uuid.UUID]string
}

func (m *mockStaff) Resolve(_ context.Context, id uuid.UUID) (*directory.Professional, error) {
	if _, ok := m.logins[id]; !ok {
		return nil, apperr.NotFound("professional %s not found", id)
	}
	return &directory.Professional{ID: id, FullName: "Nurse", Role: "nurse"}, nil
}

func (m *mockStaff) VerifyLogin(_ context.Context, id uuid.UUID, password string) (bool, error) {
	login, ok := m.logins[id]
	if !ok {
		return false, apperr.NotFound("professional %s not found", id)
	}
	return login == password, nil
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

func (p *recordingPublisher) last() events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return events.Event{}
	}
	return p.events[len(p.events)-1]
}

// -- Fixture --

const (
	loginA   = "login-a"
	secretA  = "assina-a-2026"
	licenseA = "COREN-SP-123456"
)

var signTime = time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	creds   *mockCredentialRepo
	records *mockRecordRepo
	acts    *mockActivities
	pub     *recordingPublisher

	nurse     uuid.UUID
	procedure uuid.UUID
	activity  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher, err := password.NewHasher(4)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	f := &fixture{
		creds:     newMockCredentialRepo(),
		records:   &mockRecordRepo{},
		acts:      &mockActivities{items: make(map[uuid.UUID]*Signable)},
		pub:       &recordingPublisher{},
		nurse:     uuid.New(),
		procedure: uuid.New(),
		activity:  uuid.New(),
	}
	staff := &mockStaff{logins: map[uuid.UUID]string{f.nurse: loginA}}
	f.svc = NewService(f.creds, f.records, f.acts, staff, hasher, &recordTx{records: f.records}, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return signTime })
	f.svc.SetPublisher(f.pub)

	f.acts.put(&Signable{ID: f.activity, ProcedureID: f.procedure, Medication: true, Executed: true})
	return f
}

func (f *fixture) enroll(t *testing.T) {
	t.Helper()
	if _, err := f.svc.Enroll(context.Background(), EnrollRequest{
		ProfessionalID: f.nurse,
		SigningSecret:  secretA,
		LicenseNumber:  licenseA,
	}); err != nil {
		t.Fatalf("enroll: %v", err)
	}
}

func (f *fixture) request() SignRequest {
	return SignRequest{
		ProcedureID:     f.procedure,
		ActivityID:      f.activity,
		ProfessionalID:  f.nurse,
		LoginPassword:   loginA,
		SigningPassword: secretA,
		OriginAddress:   "10.1.2.3",
		LicenseNumber:   licenseA,
	}
}

func expectKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %q (%v)", kind, got, err)
	}
}
