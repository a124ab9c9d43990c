package attendance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"qrattend/internal/apperr"
	"qrattend/internal/metrics"
)

const (
	// DefaultWindowDuration applies when neither the request nor config sets one.
	DefaultWindowDuration = 3 * time.Minute
	// MaxWindowDuration caps a requested window length.
	MaxWindowDuration = time.Hour

	tokenBytes        = 16
	maxTokenAttempts  = 3
	errOpenWindowText = "an attendance window is already open for this session"
)

// Armer schedules the completion sweep of a window.
type Armer interface {
	Arm(ctx context.Context, token string, expiresAt time.Time) error
}

// CreateWindowRequest is the input of CreateWindow.
type CreateWindowRequest struct {
	CourseID    string        `json:"courseId" validate:"required"`
	ClassID     string        `json:"classId" validate:"required"`
	TeacherID   string        `json:"teacherId" validate:"required"`
	SessionDate string        `json:"sessionDate" validate:"required"`
	Duration    time.Duration `json:"-"`
}

// CreatedWindow is a new window with the entities it resolved to.
type CreatedWindow struct {
	Window  Window
	Course  Course
	Class   Class
	Teacher Teacher
}

// Registry owns check-in window state. It is the only writer of window status.
type Registry struct {
	store    WindowStore
	resolver Resolver
	armer    Armer
	validate *validator.Validate
	duration time.Duration
	logger   *zap.Logger

	now      func() time.Time
	newToken func() (string, error)
}

// NewRegistry creates a registry. duration is the default window length.
func NewRegistry(store WindowStore, resolver Resolver, armer Armer, duration time.Duration, logger *zap.Logger) *Registry {
	if duration <= 0 {
		duration = DefaultWindowDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:    store,
		resolver: resolver,
		armer:    armer,
		validate: validator.New(),
		duration: duration,
		logger:   logger,
		now:      time.Now,
		newToken: NewToken,
	}
}

// NewToken returns 128 bits from crypto/rand, hex-encoded.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateWindow opens a window for the session and arms its sweep. A second
// window for a session that still has an open one is rejected with Conflict.
func (r *Registry) CreateWindow(ctx context.Context, req CreateWindowRequest) (CreatedWindow, error) {
	out, err := r.createWindow(ctx, req)
	metrics.WindowsCreated.WithLabelValues(createOutcome(err)).Inc()
	return out, err
}

func (r *Registry) createWindow(ctx context.Context, req CreateWindowRequest) (CreatedWindow, error) {
	if err := r.validate.Struct(req); err != nil {
		return CreatedWindow{}, apperr.Wrap(err, apperr.ErrValidation, "courseId, classId, teacherId and sessionDate are required")
	}
	if req.Duration > MaxWindowDuration {
		return CreatedWindow{}, apperr.Clone(apperr.ErrValidation, "window duration must not exceed "+MaxWindowDuration.String())
	}
	date, err := ParseSessionDate(req.SessionDate)
	if err != nil {
		return CreatedWindow{}, apperr.Clone(apperr.ErrValidation, err.Error())
	}

	out, err := r.resolve(ctx, req)
	if err != nil {
		return CreatedWindow{}, err
	}

	key := WindowKey{CourseID: req.CourseID, ClassID: req.ClassID, TeacherID: req.TeacherID, SessionDate: date}
	existing, err := r.store.FindOpen(ctx, key)
	switch {
	case err == nil:
		return CreatedWindow{}, apperr.Clone(apperr.ErrConflict,
			fmt.Sprintf("%s until %s", errOpenWindowText, existing.ExpiresAt.UTC().Format(time.RFC3339)))
	case !errors.Is(err, ErrWindowNotFound):
		return CreatedWindow{}, apperr.Storage(err, "window lookup failed")
	}

	duration := req.Duration
	if duration <= 0 {
		duration = r.duration
	}
	now := r.now().UTC()
	w := Window{
		CourseID:    req.CourseID,
		ClassID:     req.ClassID,
		TeacherID:   req.TeacherID,
		SessionDate: date,
		CreatedAt:   now,
		ExpiresAt:   now.Add(duration),
		Status:      WindowOpen,
	}
	if err := r.insert(ctx, &w); err != nil {
		return CreatedWindow{}, err
	}

	// The window row is the durable source of truth; a failed arm is picked up
	// by the scheduler's recovery scan once the window is overdue.
	if r.armer != nil {
		if err := r.armer.Arm(ctx, w.Token, w.ExpiresAt); err != nil {
			r.logger.Warn("arm sweep failed, relying on recovery", zap.String("token", w.Token), zap.Error(err))
		}
	}

	r.logger.Info("check-in window opened",
		zap.String("token", w.Token),
		zap.String("course_id", w.CourseID),
		zap.String("class_id", w.ClassID),
		zap.String("session_date", w.SessionDate.Format(DateLayout)),
		zap.Time("expires_at", w.ExpiresAt),
	)
	out.Window = w
	return out, nil
}

func (r *Registry) resolve(ctx context.Context, req CreateWindowRequest) (CreatedWindow, error) {
	var out CreatedWindow
	var err error
	if out.Course, err = r.resolver.ResolveCourse(ctx, req.CourseID); err != nil {
		return out, resolveErr(err)
	}
	if out.Class, err = r.resolver.ResolveClass(ctx, req.ClassID); err != nil {
		return out, resolveErr(err)
	}
	if out.Teacher, err = r.resolver.ResolveTeacher(ctx, req.TeacherID); err != nil {
		return out, resolveErr(err)
	}
	return out, nil
}

func resolveErr(err error) error {
	if errors.Is(err, ErrEntityNotFound) {
		return apperr.Wrap(err, apperr.ErrNotFound, "course, class, or teacher not found")
	}
	return apperr.Storage(err, "entity lookup failed")
}

// insert stores w under a fresh token, regenerating on the (practically
// impossible) token collision.
func (r *Registry) insert(ctx context.Context, w *Window) error {
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		token, err := r.newToken()
		if err != nil {
			return apperr.Wrap(err, apperr.ErrInternal, "token generation failed")
		}
		w.Token = token
		err = r.store.Insert(ctx, *w)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrTokenTaken):
			r.logger.Warn("token collision, regenerating", zap.Int("attempt", attempt))
		case errors.Is(err, ErrOpenWindowExists):
			return apperr.Wrap(err, apperr.ErrConflict, errOpenWindowText)
		default:
			return apperr.Storage(err, "window insert failed")
		}
	}
	return apperr.Clone(apperr.ErrConflict, "could not allocate a unique check-in token")
}

// Lookup returns the window for token, or NotFound.
func (r *Registry) Lookup(ctx context.Context, token string) (Window, error) {
	w, err := r.store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrWindowNotFound) {
			return Window{}, apperr.Wrap(err, apperr.ErrNotFound, "check-in window not found")
		}
		return Window{}, apperr.Storage(err, "window lookup failed")
	}
	return w, nil
}

// MarkClosed moves the window from open to closed. It reports whether this call
// made the transition; repeated calls return false and no error.
func (r *Registry) MarkClosed(ctx context.Context, token string) (bool, error) {
	closed, err := r.store.CloseIfOpen(ctx, token, r.now().UTC())
	if err != nil {
		return false, apperr.Storage(err, "window close failed")
	}
	return closed, nil
}

// ListOverdue returns open windows that expired before cutoff.
func (r *Registry) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]Window, error) {
	ws, err := r.store.ListOpenExpiredBefore(ctx, cutoff, limit)
	if err != nil {
		return nil, apperr.Storage(err, "overdue window scan failed")
	}
	return ws, nil
}

func createOutcome(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
