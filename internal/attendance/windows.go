package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store-level outcomes; the registry translates them into API errors.
var (
	ErrWindowNotFound   = errors.New("check-in window not found")
	ErrTokenTaken       = errors.New("check-in token already in use")
	ErrOpenWindowExists = errors.New("an open check-in window already exists for this session")
)

const (
	uniqueViolation     = "23505"
	windowPKConstraint  = "checkin_windows_pkey"
	oneOpenConstraint   = "checkin_windows_one_open"
	defaultOverdueLimit = 100
)

// WindowStore persists check-in windows.
type WindowStore interface {
	Insert(ctx context.Context, w Window) error
	Get(ctx context.Context, token string) (Window, error)
	FindOpen(ctx context.Context, key WindowKey) (Window, error)
	// CloseIfOpen atomically moves an open window to closed and reports whether
	// this call performed the transition.
	CloseIfOpen(ctx context.Context, token string, at time.Time) (bool, error)
	// ListOpenExpiredBefore returns open windows whose expiry is before cutoff.
	ListOpenExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]Window, error)
}

// PostgresWindowStore keeps windows in the checkin_windows table.
type PostgresWindowStore struct {
	db *sql.DB
}

// NewPostgresWindowStore creates a store over db.
func NewPostgresWindowStore(db *sql.DB) *PostgresWindowStore {
	return &PostgresWindowStore{db: db}
}

const windowColumns = `token, course_id, class_id, teacher_id, session_date, created_at, expires_at, status, closed_at`

// Insert writes a new open window. The primary key guards token uniqueness and a
// partial unique index guards one open window per session.
func (s *PostgresWindowStore) Insert(ctx context.Context, w Window) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkin_windows (token, course_id, class_id, teacher_id, session_date, created_at, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, w.Token, w.CourseID, w.ClassID, w.TeacherID, w.SessionDate, w.CreatedAt, w.ExpiresAt, string(WindowOpen))
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case windowPKConstraint:
			return ErrTokenTaken
		case oneOpenConstraint:
			return ErrOpenWindowExists
		}
	}
	return fmt.Errorf("insert check-in window: %w", err)
}

// Get returns the window identified by token.
func (s *PostgresWindowStore) Get(ctx context.Context, token string) (Window, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM checkin_windows WHERE token = $1`, token)
	return scanWindow(row)
}

// FindOpen returns the open window for key, if any.
func (s *PostgresWindowStore) FindOpen(ctx context.Context, key WindowKey) (Window, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+windowColumns+` FROM checkin_windows
		WHERE course_id = $1 AND class_id = $2 AND teacher_id = $3 AND session_date = $4 AND status = $5
	`, key.CourseID, key.ClassID, key.TeacherID, key.SessionDate, string(WindowOpen))
	return scanWindow(row)
}

// CloseIfOpen is a compare-and-set on status.
func (s *PostgresWindowStore) CloseIfOpen(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkin_windows SET status = $2, closed_at = $3
		WHERE token = $1 AND status = $4
	`, token, string(WindowClosed), at, string(WindowOpen))
	if err != nil {
		return false, fmt.Errorf("close check-in window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close check-in window: %w", err)
	}
	return n == 1, nil
}

// ListOpenExpiredBefore returns the oldest overdue open windows first.
func (s *PostgresWindowStore) ListOpenExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]Window, error) {
	if limit <= 0 {
		limit = defaultOverdueLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+windowColumns+` FROM checkin_windows
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`, string(WindowOpen), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue windows: %w", err)
	}
	defer rows.Close()
	var out []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWindow(row rowScanner) (Window, error) {
	var w Window
	var status string
	var closedAt sql.NullTime
	if err := row.Scan(&w.Token, &w.CourseID, &w.ClassID, &w.TeacherID, &w.SessionDate, &w.CreatedAt, &w.ExpiresAt, &status, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Window{}, ErrWindowNotFound
		}
		return Window{}, fmt.Errorf("scan check-in window: %w", err)
	}
	w.Status = WindowStatus(status)
	w.SessionDate = NormalizeDate(w.SessionDate)
	if closedAt.Valid {
		t := closedAt.Time
		w.ClosedAt = &t
	}
	return w, nil
}
