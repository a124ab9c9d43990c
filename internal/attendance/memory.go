package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory backends for local development (STORE_BACKEND=memory) and tests.
// Each guards its state with one mutex, which gives the same insert-if-absent and
// compare-and-set semantics as the Postgres constraints.

// MemoryLedger is a mutex-guarded Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[RecordKey]Record
	now     func() time.Time
}

// NewMemoryLedger creates an empty ledger. now defaults to time.Now.
func NewMemoryLedger(now func() time.Time) *MemoryLedger {
	if now == nil {
		now = time.Now
	}
	return &MemoryLedger{records: make(map[RecordKey]Record), now: now}
}

func (l *MemoryLedger) InsertIfAbsent(ctx context.Context, rec Record, gate Gate) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res := gate.check(l.now()); res != Inserted {
		return res, nil
	}
	key := rec.Key()
	if _, ok := l.records[key]; ok {
		return AlreadyExists, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	l.records[key] = rec
	return Inserted, nil
}

func (l *MemoryLedger) FindOne(ctx context.Context, key RecordKey) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (l *MemoryLedger) RecordedStudents(ctx context.Context, courseID, classID string, date time.Time) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]struct{})
	for k := range l.records {
		if k.CourseID == courseID && k.ClassID == classID && k.SessionDate.Equal(date) {
			out[k.StudentID] = struct{}{}
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// MemoryWindowStore is a mutex-guarded WindowStore.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

// NewMemoryWindowStore creates an empty store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string]Window)}
}

func (s *MemoryWindowStore) Insert(ctx context.Context, w Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.windows[w.Token]; ok {
		return ErrTokenTaken
	}
	if _, ok := s.findOpenLocked(w.Key()); ok {
		return ErrOpenWindowExists
	}
	w.Status = WindowOpen
	s.windows[w.Token] = w
	return nil
}

func (s *MemoryWindowStore) Get(ctx context.Context, token string) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[token]
	if !ok {
		return Window{}, ErrWindowNotFound
	}
	return w, nil
}

func (s *MemoryWindowStore) FindOpen(ctx context.Context, key WindowKey) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.findOpenLocked(key); ok {
		return w, nil
	}
	return Window{}, ErrWindowNotFound
}

func (s *MemoryWindowStore) findOpenLocked(key WindowKey) (Window, bool) {
	for _, w := range s.windows {
		k := w.Key()
		if w.Status == WindowOpen && k.CourseID == key.CourseID && k.ClassID == key.ClassID &&
			k.TeacherID == key.TeacherID && k.SessionDate.Equal(key.SessionDate) {
			return w, true
		}
	}
	return Window{}, false
}

func (s *MemoryWindowStore) CloseIfOpen(ctx context.Context, token string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[token]
	if !ok || w.Status != WindowOpen {
		return false, nil
	}
	w.Status = WindowClosed
	w.ClosedAt = &at
	s.windows[token] = w
	return true, nil
}

func (s *MemoryWindowStore) ListOpenExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]Window, error) {
	if limit <= 0 {
		limit = defaultOverdueLimit
	}
	s.mu.Lock()
	var out []Window
	for _, w := range s.windows {
		if w.Status == WindowOpen && w.ExpiresAt.Before(cutoff) {
			out = append(out, w)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryDirectory is an in-memory Roster and Resolver.
type MemoryDirectory struct {
	mu          sync.RWMutex
	courses     map[string]Course
	classes     map[string]Class
	teachers    map[string]Teacher
	enrollments map[[2]string][]string
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		courses:     make(map[string]Course),
		classes:     make(map[string]Class),
		teachers:    make(map[string]Teacher),
		enrollments: make(map[[2]string][]string),
	}
}

func (d *MemoryDirectory) AddCourse(c Course) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.courses[c.ID] = c
}

func (d *MemoryDirectory) AddClass(c Class) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classes[c.ID] = c
}

func (d *MemoryDirectory) AddTeacher(t Teacher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teachers[t.ID] = t
}

// Enroll adds students to course/class. Students already enrolled are skipped.
func (d *MemoryDirectory) Enroll(courseID, classID string, studentIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := [2]string{courseID, classID}
	seen := make(map[string]struct{}, len(d.enrollments[key]))
	for _, id := range d.enrollments[key] {
		seen[id] = struct{}{}
	}
	for _, id := range studentIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		d.enrollments[key] = append(d.enrollments[key], id)
	}
}

func (d *MemoryDirectory) EnrolledStudents(ctx context.Context, courseID, classID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := d.enrollments[[2]string{courseID, classID}]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (d *MemoryDirectory) IsEnrolled(ctx context.Context, courseID, classID, studentID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.enrollments[[2]string{courseID, classID}] {
		if id == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (d *MemoryDirectory) ResolveCourse(ctx context.Context, id string) (Course, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.courses[id]
	if !ok {
		return Course{}, missing("course")
	}
	return c, nil
}

func (d *MemoryDirectory) ResolveClass(ctx context.Context, id string) (Class, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.classes[id]
	if !ok {
		return Class{}, missing("class")
	}
	return c, nil
}

func (d *MemoryDirectory) ResolveTeacher(ctx context.Context, id string) (Teacher, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.teachers[id]
	if !ok {
		return Teacher{}, missing("teacher")
	}
	return t, nil
}
