package attendance

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/apperr"
	"qrattend/internal/metrics"
)

// WindowReader resolves windows by token.
type WindowReader interface {
	Lookup(ctx context.Context, token string) (Window, error)
}

// Service handles student self check-in against an open window.
type Service struct {
	windows   WindowReader
	roster    Roster
	ledger    Ledger
	settle    time.Duration
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a check-in service. settle is how long after expiry a scan
// validated in time may still reach the ledger; the sweep waits the same amount.
func NewService(windows WindowReader, roster Roster, ledger Ledger, settle time.Duration, publisher Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		windows:   windows,
		roster:    roster,
		ledger:    ledger,
		settle:    settle,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// CheckIn records the student as Present for the window's session.
//
// Safe for concurrent use: duplicate and racing scans are resolved by the
// ledger's insert-if-absent, never by a lock here.
func (s *Service) CheckIn(ctx context.Context, token, studentID string) (Record, error) {
	rec, err := s.checkIn(ctx, strings.TrimSpace(token), strings.TrimSpace(studentID))
	metrics.CheckIns.WithLabelValues(checkInOutcome(err)).Inc()
	return rec, err
}

func (s *Service) checkIn(ctx context.Context, token, studentID string) (Record, error) {
	if token == "" || studentID == "" {
		return Record{}, apperr.Clone(apperr.ErrValidation, "token and studentId are required")
	}

	w, err := s.windows.Lookup(ctx, token)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Record{}, apperr.ErrInvalidToken
		}
		return Record{}, err
	}

	if w.Status != WindowOpen || w.Expired(s.now()) {
		return Record{}, apperr.ErrExpired
	}

	enrolled, err := s.roster.IsEnrolled(ctx, w.CourseID, w.ClassID, studentID)
	if err != nil {
		return Record{}, apperr.Storage(err, "enrollment check failed")
	}
	if !enrolled {
		return Record{}, apperr.ErrNotEnrolled
	}

	rec := Record{
		StudentID:   studentID,
		CourseID:    w.CourseID,
		ClassID:     w.ClassID,
		SessionDate: w.SessionDate,
		TeacherID:   w.TeacherID,
		Status:      StatusPresent,
		WindowToken: w.Token,
	}
	res, err := s.ledger.InsertIfAbsent(ctx, rec, AcceptUntil(w.ExpiresAt.Add(s.settle)))
	if err != nil {
		return Record{}, apperr.Storage(err, "attendance write failed")
	}
	switch res {
	case AlreadyExists:
		return Record{}, apperr.ErrAlreadyRecorded
	case DeadlinePassed:
		s.logger.Info("scan reached ledger after settle deadline", zap.String("token", w.Token), zap.String("student_id", studentID))
		return Record{}, apperr.ErrExpired
	}

	s.publisher.Publish(ctx, Event{Type: EventCheckedIn, Token: w.Token, StudentID: studentID, Status: StatusPresent})
	return rec, nil
}

func checkInOutcome(err error) string {
	switch {
	case err == nil:
		return "present"
	case errors.Is(err, apperr.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, apperr.ErrExpired):
		return "expired"
	case errors.Is(err, apperr.ErrNotEnrolled):
		return "not_enrolled"
	case errors.Is(err, apperr.ErrAlreadyRecorded):
		return "already_recorded"
	case errors.Is(err, apperr.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
