package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

const (
	courseID  = "course-1"
	classID   = "class-1"
	teacherID = "teacher-1"
	settle    = 5 * time.Second
)

var sessionDay = time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type armCall struct {
	token     string
	expiresAt time.Time
}

type recordingArmer struct {
	mu    sync.Mutex
	calls []armCall
	err   error
}

func (a *recordingArmer) Arm(ctx context.Context, token string, expiresAt time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, armCall{token: token, expiresAt: expiresAt})
	return a.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) ofType(typ string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// flakyLedger fails absentee writes for the listed students while armed.
type flakyLedger struct {
	*MemoryLedger
	mu      sync.Mutex
	failFor map[string]bool
}

func (l *flakyLedger) InsertIfAbsent(ctx context.Context, rec Record, gate Gate) (InsertResult, error) {
	l.mu.Lock()
	fail := l.failFor[rec.StudentID]
	l.mu.Unlock()
	if fail {
		return 0, errors.New("write timeout")
	}
	return l.MemoryLedger.InsertIfAbsent(ctx, rec, gate)
}

func (l *flakyLedger) heal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failFor = nil
}

// brokenRoster fails every read while err is set.
type brokenRoster struct {
	Roster
	mu  sync.Mutex
	err error
}

func (r *brokenRoster) EnrolledStudents(ctx context.Context, course, class string) ([]string, error) {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.Roster.EnrolledStudents(ctx, course, class)
}

func (r *brokenRoster) IsEnrolled(ctx context.Context, course, class, student string) (bool, error) {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return false, err
	}
	return r.Roster.IsEnrolled(ctx, course, class, student)
}

func (r *brokenRoster) set(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type fixture struct {
	clock     *fakeClock
	dir       *MemoryDirectory
	roster    *brokenRoster
	ledger    Ledger
	mem       *MemoryLedger
	store     *MemoryWindowStore
	armer     *recordingArmer
	publisher *recordingPublisher
	registry  *Registry
	service   *Service
	sweeper   *Sweeper
}

type fixtureOption func(*fixture)

func withLedger(wrap func(*MemoryLedger) Ledger) fixtureOption {
	return func(f *fixture) { f.ledger = wrap(f.mem) }
}

// withLedgerSkew runs the ledger on the fixture clock shifted by d.
func withLedgerSkew(d time.Duration) fixtureOption {
	return func(f *fixture) {
		f.mem = NewMemoryLedger(func() time.Time { return f.clock.Now().Add(d) })
		f.ledger = f.mem
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	clock := newFakeClock()
	dir := NewMemoryDirectory()
	dir.AddCourse(Course{ID: courseID, Code: "CS-301", Name: "Operating Systems"})
	dir.AddClass(Class{ID: classID, Code: "BSCS-5", Name: "BS Computer Science", Section: "A", Shift: "Morning"})
	dir.AddTeacher(Teacher{ID: teacherID, Name: "Dr. Rao"})
	dir.Enroll(courseID, classID, "s1", "s2", "s3")

	f := &fixture{
		clock:     clock,
		dir:       dir,
		roster:    &brokenRoster{Roster: dir},
		mem:       NewMemoryLedger(clock.Now),
		store:     NewMemoryWindowStore(),
		armer:     &recordingArmer{},
		publisher: &recordingPublisher{},
	}
	f.ledger = f.mem
	for _, opt := range opts {
		opt(f)
	}

	logger := zap.NewNop()
	f.registry = NewRegistry(f.store, dir, f.armer, 3*time.Minute, logger)
	f.registry.now = clock.Now
	f.service = NewService(f.registry, f.roster, f.ledger, settle, f.publisher, logger)
	f.service.now = clock.Now
	f.sweeper = NewSweeper(f.registry, f.roster, f.ledger, settle, f.publisher, logger)
	f.sweeper.now = clock.Now
	return f
}

func (f *fixture) open(t *testing.T) Window {
	t.Helper()
	created, err := f.registry.CreateWindow(context.Background(), CreateWindowRequest{
		CourseID:    courseID,
		ClassID:     classID,
		TeacherID:   teacherID,
		SessionDate: sessionDay.Format(DateLayout),
	})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	return created.Window
}

func (f *fixture) status(t *testing.T, studentID string) Status {
	t.Helper()
	rec, err := f.mem.FindOne(context.Background(), RecordKey{StudentID: studentID, CourseID: courseID, ClassID: classID, SessionDate: sessionDay})
	if errors.Is(err, ErrRecordNotFound) {
		return ""
	}
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	return rec.Status
}
