package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertResult is the outcome of an insert-if-absent ledger write.
type InsertResult int

const (
	Inserted InsertResult = iota
	AlreadyExists
	// DeadlinePassed means the write carried an accept-until bound that the
	// ledger's clock had already passed; nothing was written.
	DeadlinePassed
	// NotYetOpen means the write carried an accept-after bound that the
	// ledger's clock had not reached; nothing was written.
	NotYetOpen
)

// Gate bounds a write by the ledger's own clock. The zero Gate writes
// unconditionally. Present writes use Until and Absent writes use After with the
// same instant, so one clock orders them even when app hosts drift.
type Gate struct {
	Until time.Time
	After time.Time
}

// AcceptUntil accepts the write while the ledger clock is at or before t.
func AcceptUntil(t time.Time) Gate { return Gate{Until: t} }

// AcceptAfter accepts the write once the ledger clock is past t.
func AcceptAfter(t time.Time) Gate { return Gate{After: t} }

func (g Gate) open() bool {
	return g.Until.IsZero() && g.After.IsZero()
}

// check evaluates the gate at now.
func (g Gate) check(now time.Time) InsertResult {
	if !g.Until.IsZero() && now.After(g.Until) {
		return DeadlinePassed
	}
	if !g.After.IsZero() && !now.After(g.After) {
		return NotYetOpen
	}
	return Inserted
}

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	case DeadlinePassed:
		return "deadline_passed"
	case NotYetOpen:
		return "not_yet_open"
	default:
		return "unknown"
	}
}

// ErrRecordNotFound is returned by FindOne when no record exists for the key.
var ErrRecordNotFound = errors.New("attendance record not found")

// Ledger stores attendance outcomes and is the sole enforcer of one record per
// student/course/class/date.
type Ledger interface {
	// InsertIfAbsent writes rec unless a record with the same key exists or the
	// gate is closed at the ledger's clock.
	InsertIfAbsent(ctx context.Context, rec Record, gate Gate) (InsertResult, error)
	FindOne(ctx context.Context, key RecordKey) (Record, error)
	RecordedStudents(ctx context.Context, courseID, classID string, date time.Time) (map[string]struct{}, error)
}

// PostgresLedger persists attendance records in Postgres.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger over db.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// InsertIfAbsent relies on the unique key of attendance_records; ON CONFLICT DO
// NOTHING makes concurrent writers race safely.
func (l *PostgresLedger) InsertIfAbsent(ctx context.Context, rec Record, gate Gate) (InsertResult, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if gate.open() {
		res, err := l.db.ExecContext(ctx, `
			INSERT INTO attendance_records (id, student_id, course_id, class_id, session_date, teacher_id, status, window_token)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (student_id, course_id, class_id, session_date) DO NOTHING
		`, rec.ID, rec.StudentID, rec.CourseID, rec.ClassID, rec.SessionDate, rec.TeacherID, string(rec.Status), rec.WindowToken)
		if err != nil {
			return 0, fmt.Errorf("insert attendance record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert attendance record: %w", err)
		}
		if n == 0 {
			return AlreadyExists, nil
		}
		return Inserted, nil
	}

	// The gate and the insert share one statement snapshot, so both bounds are
	// checked against the database clock at the instant the row would be written.
	var late, early, inserted bool
	err := l.db.QueryRowContext(ctx, `
		WITH gate AS (
			SELECT ($9::timestamptz IS NOT NULL AND NOW() > $9::timestamptz) AS late,
			       ($10::timestamptz IS NOT NULL AND NOW() <= $10::timestamptz) AS early
		),
		ins AS (
			INSERT INTO attendance_records (id, student_id, course_id, class_id, session_date, teacher_id, status, window_token)
			SELECT $1::text, $2::text, $3::text, $4::text, $5::date, $6::text, $7::text, $8::text FROM gate
			WHERE NOT gate.late AND NOT gate.early
			ON CONFLICT (student_id, course_id, class_id, session_date) DO NOTHING
			RETURNING 1
		)
		SELECT (SELECT late FROM gate), (SELECT early FROM gate), EXISTS (SELECT 1 FROM ins)
	`, rec.ID, rec.StudentID, rec.CourseID, rec.ClassID, rec.SessionDate, rec.TeacherID, string(rec.Status), rec.WindowToken,
		nullTime(gate.Until), nullTime(gate.After)).Scan(&late, &early, &inserted)
	if err != nil {
		return 0, fmt.Errorf("insert attendance record: %w", err)
	}
	switch {
	case late:
		return DeadlinePassed, nil
	case early:
		return NotYetOpen, nil
	case !inserted:
		return AlreadyExists, nil
	default:
		return Inserted, nil
	}
}

// FindOne returns the record stored under key.
func (l *PostgresLedger) FindOne(ctx context.Context, key RecordKey) (Record, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, student_id, course_id, class_id, session_date, teacher_id, status, COALESCE(window_token, ''), created_at
		FROM attendance_records
		WHERE student_id = $1 AND course_id = $2 AND class_id = $3 AND session_date = $4
	`, key.StudentID, key.CourseID, key.ClassID, key.SessionDate)
	var rec Record
	var status string
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.CourseID, &rec.ClassID, &rec.SessionDate, &rec.TeacherID, &status, &rec.WindowToken, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("find attendance record: %w", err)
	}
	rec.Status = Status(status)
	rec.SessionDate = NormalizeDate(rec.SessionDate)
	return rec, nil
}

// RecordedStudents returns the students that already have a record for the session.
func (l *PostgresLedger) RecordedStudents(ctx context.Context, courseID, classID string, date time.Time) (map[string]struct{}, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT student_id FROM attendance_records
		WHERE course_id = $1 AND class_id = $2 AND session_date = $3
	`, courseID, classID, date)
	if err != nil {
		return nil, fmt.Errorf("list recorded students: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list recorded students: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
