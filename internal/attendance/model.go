package attendance

import (
	"errors"
	"strings"
	"time"
)

// WindowStatus is the lifecycle state of a check-in window.
type WindowStatus string

const (
	WindowOpen   WindowStatus = "open"
	WindowClosed WindowStatus = "closed"
)

// Status is a student's attendance outcome.
type Status string

const (
	StatusPresent Status = "Present"
	StatusAbsent  Status = "Absent"
)

// DateLayout is the wire format of a session date.
const DateLayout = "2006-01-02"

// Window is one token-identified, time-bounded opportunity to check in.
type Window struct {
	Token       string       `json:"token"`
	CourseID    string       `json:"courseId"`
	ClassID     string       `json:"classId"`
	TeacherID   string       `json:"teacherId"`
	SessionDate time.Time    `json:"sessionDate"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Status      WindowStatus `json:"status"`
	ClosedAt    *time.Time   `json:"closedAt,omitempty"`
}

// Key returns the attendance key the window resolves to.
func (w Window) Key() WindowKey {
	return WindowKey{CourseID: w.CourseID, ClassID: w.ClassID, TeacherID: w.TeacherID, SessionDate: w.SessionDate}
}

// Expired reports whether scans must be refused at now.
func (w Window) Expired(now time.Time) bool {
	return now.After(w.ExpiresAt)
}

// WindowKey identifies the attendance session a window belongs to. At most one
// open window exists per key.
type WindowKey struct {
	CourseID    string
	ClassID     string
	TeacherID   string
	SessionDate time.Time
}

// Record is one student's outcome for one course/class/date.
type Record struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"studentId"`
	CourseID    string    `json:"courseId"`
	ClassID     string    `json:"classId"`
	SessionDate time.Time `json:"sessionDate"`
	TeacherID   string    `json:"teacherId"`
	Status      Status    `json:"status"`
	WindowToken string    `json:"windowToken,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Key returns the ledger uniqueness key of the record.
func (r Record) Key() RecordKey {
	return RecordKey{StudentID: r.StudentID, CourseID: r.CourseID, ClassID: r.ClassID, SessionDate: r.SessionDate}
}

// RecordKey is the ledger uniqueness key.
type RecordKey struct {
	StudentID   string
	CourseID    string
	ClassID     string
	SessionDate time.Time
}

// Course, Class and Teacher are the resolved entities embedded in the QR payload.
type Course struct {
	ID   string `json:"id"`
	Code string `json:"courseCode"`
	Name string `json:"courseName"`
}

type Class struct {
	ID      string `json:"id"`
	Code    string `json:"classCode"`
	Name    string `json:"className"`
	Section string `json:"section"`
	Shift   string `json:"shift"`
}

type Teacher struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var errInvalidDate = errors.New("invalid session date, expected YYYY-MM-DD")

// ParseSessionDate accepts YYYY-MM-DD or an RFC 3339 timestamp and returns the
// calendar date at UTC midnight.
func ParseSessionDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return NormalizeDate(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return NormalizeDate(t), nil
	}
	return time.Time{}, errInvalidDate
}

// NormalizeDate drops the clock part of t, keeping its calendar date.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
