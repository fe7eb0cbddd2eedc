package procedure

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/quickcare/internal/domain/directory"
	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/db"
	"github.com/ehr/quickcare/internal/platform/events"
)

// -- Mock Repositories --

// mockProcedureRepo keeps rows by value and applies the conditional updates
// under one mutex, like a single-row UPDATE would.
type mockProcedureRepo struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*Procedure
	order    []uuid.UUID
	outcomes map[uuid.UUID]*Outcome
	acts     *mockActivityRepo
	// failCancel makes the next MarkCancelled fail.
	failCancel error
}

func newMockProcedureRepo(acts *mockActivityRepo) *mockProcedureRepo {
	return &mockProcedureRepo{
		records:  make(map[uuid.UUID]*Procedure),
		outcomes: make(map[uuid.UUID]*Outcome),
		acts:     acts,
	}
}

func cloneProcedure(p *Procedure) *Procedure {
	c := *p
	c.Activities = nil
	c.Outcome = nil
	return &c
}

func (m *mockProcedureRepo) Create(_ context.Context, p *Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.records[p.ID] = cloneProcedure(p)
	m.order = append(m.order, p.ID)
	return nil
}

func (m *mockProcedureRepo) GetByID(_ context.Context, id uuid.UUID) (*Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, apperr.NotFound("procedure not found")
	}
	return cloneProcedure(p), nil
}

func (m *mockProcedureRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return m.GetByID(ctx, id)
}

func (m *mockProcedureRepo) GetOutcome(_ context.Context, procedureID uuid.UUID) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[procedureID]
	if !ok {
		return nil, nil
	}
	c := *o
	return &c, nil
}

func (m *mockProcedureRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Procedure, int, error) {
	m.mu.Lock()
	var items []*Procedure
	for _, id := range m.order {
		p := m.records[id]
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.PatientID != nil && p.PatientID != *f.PatientID {
			continue
		}
		if f.LockHolder != nil && (p.LockHolder == nil || *p.LockHolder != *f.LockHolder) {
			continue
		}
		items = append(items, cloneProcedure(p))
	}
	m.mu.Unlock()

	if f.OverdueAt != nil {
		var overdue []*Procedure
		for _, p := range items {
			if !p.Status.Terminal() && m.acts.hasOverdue(p.ID, *f.OverdueAt) {
				overdue = append(overdue, p)
			}
		}
		items = overdue
	}
	sort.SliceStable(items, func(i, j int) bool {
		if f.OldestFirst {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (m *mockProcedureRepo) ClaimLock(_ context.Context, id, professionalID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok || p.Status != StatusAwaiting || p.LockHolder != nil {
		return false, nil
	}
	holder := professionalID
	p.Status = StatusInProgress
	p.LockHolder = &holder
	p.LockedAt = &at
	if p.StartedAt == nil {
		p.StartedAt = &at
	}
	p.UpdatedBy = &holder
	p.UpdatedAt = at
	return true, nil
}

func (m *mockProcedureRepo) ReleaseLock(_ context.Context, id, holder, by uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok || p.Status != StatusInProgress || p.LockHolder == nil || *p.LockHolder != holder {
		return false, nil
	}
	p.Status = StatusAwaiting
	p.LockHolder, p.LockedAt = nil, nil
	p.UpdatedBy = &by
	p.UpdatedAt = at
	return true, nil
}

func (m *mockProcedureRepo) Finalize(_ context.Context, p *Procedure, o *Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[p.ID]
	if !ok || cur.Status.Terminal() {
		return apperr.Conflict("procedure is already closed")
	}
	if _, dup := m.outcomes[p.ID]; dup {
		return apperr.Conflict("procedure already has an outcome")
	}
	stored := cloneProcedure(p)
	stored.Status = StatusFinished
	stored.LockHolder, stored.LockedAt = nil, nil
	m.records[p.ID] = stored
	oc := *o
	m.outcomes[p.ID] = &oc
	return nil
}

func (m *mockProcedureRepo) MarkCancelled(_ context.Context, p *Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCancel; err != nil {
		m.failCancel = nil
		return err
	}
	cur, ok := m.records[p.ID]
	if !ok || cur.Status.Terminal() {
		return apperr.Conflict("procedure is already closed")
	}
	stored := cloneProcedure(p)
	stored.Status = StatusCancelled
	stored.LockHolder, stored.LockedAt = nil, nil
	stored.EndedAt = p.CancelledAt
	m.records[p.ID] = stored
	return nil
}

func (m *mockProcedureRepo) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok, nil
}

type mockActivityRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Activity
	order   []uuid.UUID
	// failUpdate makes the next Update fail, to observe rollbacks.
	failUpdate error
}

func newMockActivityRepo() *mockActivityRepo {
	return &mockActivityRepo{records: make(map[uuid.UUID]*Activity)}
}

func cloneActivity(a *Activity) *Activity {
	c := *a
	c.ScheduledTimes = append([]time.Time(nil), a.ScheduledTimes...)
	c.PriorSchedules = append([]time.Time(nil), a.PriorSchedules...)
	if a.Checklist != nil {
		cl := *a.Checklist
		c.Checklist = &cl
	}
	return &c
}

func (m *mockActivityRepo) Add(_ context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.records[a.ID] = cloneActivity(a)
	m.order = append(m.order, a.ID)
	return nil
}

func (m *mockActivityRepo) GetByID(_ context.Context, id uuid.UUID) (*Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.records[id]
	if !ok {
		return nil, apperr.NotFound("activity not found")
	}
	return cloneActivity(a), nil
}

func (m *mockActivityRepo) ListByProcedure(_ context.Context, procedureID uuid.UUID) ([]*Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Activity
	for _, id := range m.order {
		if a := m.records[id]; a.ProcedureID == procedureID {
			items = append(items, cloneActivity(a))
		}
	}
	return items, nil
}

func (m *mockActivityRepo) Update(_ context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failUpdate; err != nil {
		m.failUpdate = nil
		return err
	}
	cur, ok := m.records[a.ID]
	if !ok {
		return apperr.NotFound("activity not found")
	}
	next := cloneActivity(a)
	next.SignatureDigest = cur.SignatureDigest
	next.SignedLicense = cur.SignedLicense
	m.records[a.ID] = next
	return nil
}

func (m *mockActivityRepo) CancelPending(_ context.Context, procedureID uuid.UUID, observation string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.records {
		if a.ProcedureID == procedureID && a.Situacao == SituacaoPending {
			obs := observation
			a.Situacao = SituacaoCancelled
			a.Observations = &obs
			a.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (m *mockActivityRepo) Seal(_ context.Context, id uuid.UUID, digest, license string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.records[id]
	if !ok || a.Situacao != SituacaoExecuted || a.SignatureDigest != nil {
		return false, nil
	}
	a.SignatureDigest = &digest
	a.SignedLicense = &license
	a.UpdatedAt = at
	return true, nil
}

func (m *mockActivityRepo) hasOverdue(procedureID uuid.UUID, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.records {
		if a.ProcedureID == procedureID && a.Overdue(at) {
			return true
		}
	}
	return false
}

// snapshotTx restores both repositories when fn fails, standing in for a
// database rollback.
type snapshotTx struct {
	procs *mockProcedureRepo
	acts  *mockActivityRepo
}

func (s snapshotTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.procs.mu.Lock()
	procs := make(map[uuid.UUID]*Procedure, len(s.procs.records))
	for id, p := range s.procs.records {
		procs[id] = cloneProcedure(p)
	}
	procOrder := append([]uuid.UUID(nil), s.procs.order...)
	s.procs.mu.Unlock()

	s.acts.mu.Lock()
	acts := make(map[uuid.UUID]*Activity, len(s.acts.records))
	for id, a := range s.acts.records {
		acts[id] = cloneActivity(a)
	}
	actOrder := append([]uuid.UUID(nil), s.acts.order...)
	s.acts.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.procs.mu.Lock()
		s.procs.records, s.procs.order = procs, procOrder
		s.procs.mu.Unlock()
		s.acts.mu.Lock()
		s.acts.records, s.acts.order = acts, actOrder
		s.acts.mu.Unlock()
		return err
	}
	return nil
}

var _ db.TxRunner = snapshotTx{}

// -- Mock Directories --

type mockPatients struct {
	known map[uuid.UUID]bool
}

func (m *mockPatients) Resolve(_ context.Context, id uuid.UUID) (*directory.Patient, error) {
	if !m.known[id] {
		return nil, apperr.NotFound("patient %s not found", id)
	}
	return &directory.Patient{ID: id, FullName: "Maria Souza"}, nil
}

// mockStaff maps professionals to their login password.
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

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// -- Fixture --

var baseTime = time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)

// at returns baseTime's day at hh:mm, plus days.
func at(days, hh, mm int) time.Time {
	return time.Date(2026, 3, 10+days, hh, mm, 0, 0, time.UTC)
}

type fixture struct {
	svc      *Service
	sched    *Scheduler
	procs    *mockProcedureRepo
	acts     *mockActivityRepo
	patients *mockPatients
	staff    *mockStaff
	pub      *recordingPublisher
	now      time.Time

	patient uuid.UUID
	nurseA  uuid.UUID
	nurseB  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		acts:    newMockActivityRepo(),
		pub:     &recordingPublisher{},
		now:     baseTime,
		patient: uuid.New(),
		nurseA:  uuid.New(),
		nurseB:  uuid.New(),
	}
	f.procs = newMockProcedureRepo(f.acts)
	f.patients = &mockPatients{known: map[uuid.UUID]bool{f.patient: true}}
	f.staff = &mockStaff{logins: map[uuid.UUID]string{
		f.nurseA: "login-a",
		f.nurseB: "login-b",
	}}
	f.svc = NewService(f.procs, f.acts, snapshotTx{procs: f.procs, acts: f.acts}, f.patients, f.staff, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return f.now })
	f.svc.SetPublisher(f.pub)
	f.sched = NewScheduler(f.svc)
	return f
}

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }

// recurringSpec is four doses every six hours from 08:00.
func recurringSpec() ActivitySpec {
	first := at(0, 8, 0)
	return ActivitySpec{
		Kind:            KindMedication,
		Description:     "Dipyrone 1g IV",
		MedicationID:    uuidPtr(uuid.New()),
		MedicationName:  strPtr("Dipyrone"),
		Dose:            strPtr("1g"),
		Route:           strPtr("IV"),
		FirstSlot:       &first,
		SlotCount:       4,
		IntervalMinutes: intPtr(360),
	}
}

func singleSpec(kind ActivityKind, slot time.Time) ActivitySpec {
	return ActivitySpec{
		Kind:           kind,
		Description:    "Wound dressing",
		ScheduledTimes: []time.Time{slot},
	}
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func (f *fixture) create(t *testing.T, specs ...ActivitySpec) *Procedure {
	t.Helper()
	p, err := f.svc.Create(context.Background(), CreateRequest{
		PatientID:      f.patient,
		ProfessionalID: f.nurseA,
		Origin:         "reception",
		Activities:     specs,
	})
	if err != nil {
		t.Fatalf("create procedure: %v", err)
	}
	return p
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
