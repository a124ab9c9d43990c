package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectoryEnrollSkipsDuplicates(t *testing.T) {
	dir := NewMemoryDirectory()
	dir.Enroll(courseID, classID, "s1", "s2", "s1")
	dir.Enroll(courseID, classID, "s2", "s3")

	got, err := dir.EnrolledStudents(context.Background(), courseID, classID)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, got)
}

func TestSweepCountsReEnrolledStudentOnce(t *testing.T) {
	f := newFixture(t)
	f.dir.Enroll(courseID, classID, "s1", "s2")
	w := f.open(t)

	f.clock.Advance(4 * time.Minute)
	res, err := f.sweeper.RunSweep(context.Background(), w.Token)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Roster)
	assert.Equal(t, 3, res.Absent)
	assert.Zero(t, res.Recorded)
}

func TestMemoryLedgerGate(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 3, 5, 0, time.UTC)
	ledger := NewMemoryLedger(func() time.Time { return now })
	rec := Record{StudentID: "s1", CourseID: courseID, ClassID: classID, SessionDate: sessionDay, Status: StatusAbsent}

	res, err := ledger.InsertIfAbsent(context.Background(), rec, AcceptAfter(now))
	require.NoError(t, err)
	assert.Equal(t, NotYetOpen, res, "the deadline instant itself still belongs to Present writes")

	res, err = ledger.InsertIfAbsent(context.Background(), rec, AcceptUntil(now.Add(-time.Nanosecond)))
	require.NoError(t, err)
	assert.Equal(t, DeadlinePassed, res)
	assert.Zero(t, ledger.Len())

	res, err = ledger.InsertIfAbsent(context.Background(), rec, AcceptAfter(now.Add(-time.Nanosecond)))
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
}
