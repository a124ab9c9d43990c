package store

import (
	"context"
	"database/sql"
)

// schema is idempotent. The roster tables are owned by the portal's CRUD side;
// they are created here so a fresh database is usable on its own.
const schema = `
CREATE TABLE IF NOT EXISTS courses (
	id    TEXT PRIMARY KEY,
	code  TEXT NOT NULL DEFAULT '',
	name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS classes (
	id       TEXT PRIMARY KEY,
	code     TEXT NOT NULL DEFAULT '',
	name     TEXT NOT NULL DEFAULT '',
	section  TEXT NOT NULL DEFAULT '',
	shift    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS teachers (
	id    TEXT PRIMARY KEY,
	name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enrollments (
	student_id  TEXT NOT NULL,
	course_id   TEXT NOT NULL REFERENCES courses(id),
	class_id    TEXT NOT NULL REFERENCES classes(id),
	PRIMARY KEY (student_id, course_id, class_id)
);
CREATE INDEX IF NOT EXISTS idx_enrollments_course_class ON enrollments(course_id, class_id);

CREATE TABLE IF NOT EXISTS checkin_windows (
	token         TEXT NOT NULL,
	course_id     TEXT NOT NULL REFERENCES courses(id),
	class_id      TEXT NOT NULL REFERENCES classes(id),
	teacher_id    TEXT NOT NULL REFERENCES teachers(id),
	session_date  DATE NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at    TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
	closed_at     TIMESTAMPTZ,
	CONSTRAINT checkin_windows_pkey PRIMARY KEY (token)
);
CREATE UNIQUE INDEX IF NOT EXISTS checkin_windows_one_open
	ON checkin_windows(course_id, class_id, teacher_id, session_date) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_checkin_windows_open_expiry
	ON checkin_windows(expires_at) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS attendance_records (
	id            TEXT PRIMARY KEY,
	student_id    TEXT NOT NULL,
	course_id     TEXT NOT NULL REFERENCES courses(id),
	class_id      TEXT NOT NULL REFERENCES classes(id),
	session_date  DATE NOT NULL,
	teacher_id    TEXT NOT NULL REFERENCES teachers(id),
	status        TEXT NOT NULL CHECK (status IN ('Present', 'Absent')),
	window_token  TEXT REFERENCES checkin_windows(token),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (student_id, course_id, class_id, session_date)
);
CREATE INDEX IF NOT EXISTS idx_attendance_session ON attendance_records(course_id, class_id, session_date);
`

// Migrate creates the tables and indexes the service needs.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
