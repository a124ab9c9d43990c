package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/apperr"
	"qrattend/internal/metrics"
)

// ErrSweepNotDue is returned when a sweep is invoked before the window's settle
// deadline. The caller should try again at DueAt.
type ErrSweepNotDue struct {
	DueAt time.Time
}

func (e *ErrSweepNotDue) Error() string {
	return fmt.Sprintf("sweep not due until %s", e.DueAt.UTC().Format(time.RFC3339))
}

// skewRetryDelay is how long a sweep waits when the ledger's clock has not yet
// reached the settle deadline the app clock already passed.
const skewRetryDelay = time.Second

// ErrSweepIncomplete is returned when some absentee writes failed; the window is
// left open so the sweep can be retried.
var ErrSweepIncomplete = errors.New("sweep incomplete")

// WindowCloser is the part of the registry the sweep depends on.
type WindowCloser interface {
	WindowReader
	MarkClosed(ctx context.Context, token string) (bool, error)
}

// SweepResult summarises one sweep run.
type SweepResult struct {
	Token    string `json:"token"`
	Skipped  bool   `json:"skipped"`
	Roster   int    `json:"roster"`
	Absent   int    `json:"absent"`
	Recorded int    `json:"recorded"`
	Failed   int    `json:"failed"`
	Closed   bool   `json:"closed"`
}

// Sweeper marks every enrolled student without a record as Absent once a window
// is over, then closes the window.
type Sweeper struct {
	windows   WindowCloser
	roster    Roster
	ledger    Ledger
	settle    time.Duration
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. settle must match the check-in service's.
func NewSweeper(windows WindowCloser, roster Roster, ledger Ledger, settle time.Duration, publisher Publisher, logger *zap.Logger) *Sweeper {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		windows:   windows,
		roster:    roster,
		ledger:    ledger,
		settle:    settle,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// DueAt returns the settle deadline of w. The sweep writes only once the clock
// is past it; Present writes are accepted up to and including it.
func (s *Sweeper) DueAt(w Window) time.Time {
	return w.ExpiresAt.Add(s.settle)
}

// RunSweep is idempotent: unknown or closed windows are a no-op, and records
// already in the ledger (including ones written by an earlier run) are kept.
func (s *Sweeper) RunSweep(ctx context.Context, token string) (SweepResult, error) {
	res, err := s.runSweep(ctx, token)
	metrics.Sweeps.WithLabelValues(sweepOutcome(res, err)).Inc()
	return res, err
}

func (s *Sweeper) runSweep(ctx context.Context, token string) (SweepResult, error) {
	res := SweepResult{Token: token}
	w, err := s.windows.Lookup(ctx, token)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			res.Skipped = true
			return res, nil
		}
		return res, err
	}
	if w.Status == WindowClosed {
		res.Skipped = true
		return res, nil
	}
	if due := s.DueAt(w); !s.now().After(due) {
		return res, &ErrSweepNotDue{DueAt: due}
	}

	log := s.logger.With(zap.String("token", token), zap.String("course_id", w.CourseID), zap.String("class_id", w.ClassID))

	// Roster snapshot: enrollment changes after this read do not affect the session.
	students, err := s.roster.EnrolledStudents(ctx, w.CourseID, w.ClassID)
	if err != nil {
		log.Warn("roster read failed, window left open", zap.Error(err))
		return res, apperr.Storage(err, "roster read failed")
	}
	res.Roster = len(students)

	recorded, err := s.ledger.RecordedStudents(ctx, w.CourseID, w.ClassID, w.SessionDate)
	if err != nil {
		// Not fatal: InsertIfAbsent is the de-duplication authority either way.
		log.Warn("recorded-student prefetch failed", zap.Error(err))
		recorded = map[string]struct{}{}
	}

	gate := AcceptAfter(s.DueAt(w))
	for _, studentID := range students {
		if _, ok := recorded[studentID]; ok {
			res.Recorded++
			continue
		}
		outcome, err := s.ledger.InsertIfAbsent(ctx, Record{
			StudentID:   studentID,
			CourseID:    w.CourseID,
			ClassID:     w.ClassID,
			SessionDate: w.SessionDate,
			TeacherID:   w.TeacherID,
			Status:      StatusAbsent,
			WindowToken: w.Token,
		}, gate)
		if err != nil {
			res.Failed++
			log.Error("absent write failed", zap.String("student_id", studentID), zap.Error(err))
			continue
		}
		switch outcome {
		case Inserted:
			res.Absent++
		case NotYetOpen:
			// The ledger clock trails ours; late Present writes may still land.
			retryAt := s.now().Add(skewRetryDelay)
			log.Warn("ledger clock behind settle deadline, sweep deferred", zap.Time("retry_at", retryAt))
			metrics.AbsencesMarked.Add(float64(res.Absent))
			return res, &ErrSweepNotDue{DueAt: retryAt}
		default:
			res.Recorded++
		}
	}
	metrics.AbsencesMarked.Add(float64(res.Absent))

	if res.Failed > 0 {
		log.Warn("sweep incomplete, window left open", zap.Int("failed", res.Failed), zap.Int("absent", res.Absent))
		return res, fmt.Errorf("%w: %d of %d absent writes failed", ErrSweepIncomplete, res.Failed, res.Roster)
	}

	closed, err := s.windows.MarkClosed(ctx, token)
	if err != nil {
		return res, err
	}
	res.Closed = closed
	if closed {
		metrics.SweepLag.Observe(s.now().Sub(w.ExpiresAt).Seconds())
		s.publisher.Publish(ctx, Event{Type: EventWindowClosed, Token: token, Absent: res.Absent, Recorded: res.Recorded})
	}
	log.Info("sweep finished",
		zap.Int("roster", res.Roster),
		zap.Int("absent", res.Absent),
		zap.Int("recorded", res.Recorded),
		zap.Bool("closed", closed),
	)
	return res, nil
}

func sweepOutcome(res SweepResult, err error) string {
	var notDue *ErrSweepNotDue
	switch {
	case err == nil && res.Skipped:
		return "noop"
	case err == nil:
		return "closed"
	case errors.As(err, &notDue):
		return "not_due"
	case errors.Is(err, ErrSweepIncomplete):
		return "partial"
	default:
		return "failed"
	}
}
