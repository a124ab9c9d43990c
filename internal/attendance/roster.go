package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrEntityNotFound is returned by a Resolver when an id does not resolve.
var ErrEntityNotFound = errors.New("entity not found")

// Roster answers enrollment questions for a course/class.
type Roster interface {
	EnrolledStudents(ctx context.Context, courseID, classID string) ([]string, error)
	IsEnrolled(ctx context.Context, courseID, classID, studentID string) (bool, error)
}

// Resolver looks up the entities a window refers to.
type Resolver interface {
	ResolveCourse(ctx context.Context, id string) (Course, error)
	ResolveClass(ctx context.Context, id string) (Class, error)
	ResolveTeacher(ctx context.Context, id string) (Teacher, error)
}

// PostgresDirectory reads the roster tables maintained by the portal's CRUD side.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory over db.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// EnrolledStudents returns the student ids enrolled in course/class.
func (d *PostgresDirectory) EnrolledStudents(ctx context.Context, courseID, classID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT student_id FROM enrollments
		WHERE course_id = $1 AND class_id = $2
		ORDER BY student_id
	`, courseID, classID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list enrollments: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsEnrolled reports whether student is enrolled in course/class.
func (d *PostgresDirectory) IsEnrolled(ctx context.Context, courseID, classID, studentID string) (bool, error) {
	var ok bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 AND class_id = $3)
	`, studentID, courseID, classID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return ok, nil
}

func (d *PostgresDirectory) ResolveCourse(ctx context.Context, id string) (Course, error) {
	var c Course
	err := d.db.QueryRowContext(ctx, `SELECT id, code, name FROM courses WHERE id = $1`, id).Scan(&c.ID, &c.Code, &c.Name)
	return c, notFound(err, "course")
}

func (d *PostgresDirectory) ResolveClass(ctx context.Context, id string) (Class, error) {
	var c Class
	err := d.db.QueryRowContext(ctx, `SELECT id, code, name, section, shift FROM classes WHERE id = $1`, id).
		Scan(&c.ID, &c.Code, &c.Name, &c.Section, &c.Shift)
	return c, notFound(err, "class")
}

func (d *PostgresDirectory) ResolveTeacher(ctx context.Context, id string) (Teacher, error) {
	var t Teacher
	err := d.db.QueryRowContext(ctx, `SELECT id, name FROM teachers WHERE id = $1`, id).Scan(&t.ID, &t.Name)
	return t, notFound(err, "teacher")
}

func notFound(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return missing(what)
	default:
		return fmt.Errorf("resolve %s: %w", what, err)
	}
}

func missing(what string) error {
	return fmt.Errorf("%s: %w", what, ErrEntityNotFound)
}
