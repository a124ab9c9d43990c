package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"qrattend/internal/apperr"
	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/live"
	"qrattend/internal/qr"
	"qrattend/internal/response"
)

// Handler serves the check-in window endpoints.
type Handler struct {
	registry *attendance.Registry
	service  *attendance.Service
	renderer *qr.Renderer
	hub      *live.Hub
	logger   *zap.Logger
}

type createWindowBody struct {
	CourseID        string `json:"courseId"`
	ClassID         string `json:"classId"`
	TeacherID       string `json:"teacherId"`
	SessionDate     string `json:"sessionDate"`
	DurationSeconds int    `json:"durationSeconds" binding:"min=0,max=3600"`
}

type createWindowResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	SessionDate string    `json:"sessionDate"`
	QRPayload   string    `json:"qrPayload"`
	QRCodeURL   string    `json:"qrCodeUrl,omitempty"`
}

// CreateWindow opens a check-in window for the calling teacher.
func (h *Handler) CreateWindow(c *gin.Context) {
	var body createWindowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, apperr.Wrap(err, apperr.ErrValidation, "invalid request body"))
		return
	}
	if !callerIs(c, body.TeacherID) {
		response.Error(c, apperr.Clone(apperr.ErrForbidden, "teacherId does not match the caller"))
		return
	}

	created, err := h.registry.CreateWindow(c.Request.Context(), attendance.CreateWindowRequest{
		CourseID:    body.CourseID,
		ClassID:     body.ClassID,
		TeacherID:   body.TeacherID,
		SessionDate: body.SessionDate,
		Duration:    time.Duration(body.DurationSeconds) * time.Second,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	out := createWindowResponse{
		Token:       created.Window.Token,
		ExpiresAt:   created.Window.ExpiresAt,
		SessionDate: created.Window.SessionDate.Format(attendance.DateLayout),
	}
	img, err := h.renderer.Render(c.Request.Context(), qr.NewPayload(created))
	if err != nil {
		// The window exists either way; clients can render the payload themselves.
		h.logger.Error("qr render failed", zap.String("token", created.Window.Token), zap.Error(err))
	}
	out.QRPayload = img.Payload
	out.QRCodeURL = img.URL
	response.Created(c, out)
}

// GetWindow returns the state of one of the caller's windows.
func (h *Handler) GetWindow(c *gin.Context) {
	w, ok := h.ownWindow(c)
	if !ok {
		return
	}
	response.OK(c, w)
}

// Live streams the window's events over a websocket.
func (h *Handler) Live(c *gin.Context) {
	w, ok := h.ownWindow(c)
	if !ok {
		return
	}
	h.hub.ServeWs(c, w.Token)
}

type checkInBody struct {
	Token     string `json:"token"`
	StudentID string `json:"studentId"`
}

// CheckIn records the calling student as Present.
func (h *Handler) CheckIn(c *gin.Context) {
	var body checkInBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, apperr.Wrap(err, apperr.ErrValidation, "invalid request body"))
		return
	}
	if !callerIs(c, body.StudentID) {
		response.Error(c, apperr.Clone(apperr.ErrForbidden, "studentId does not match the caller"))
		return
	}

	rec, err := h.service.CheckIn(c.Request.Context(), body.Token, body.StudentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{
		"status":      rec.Status,
		"studentId":   rec.StudentID,
		"sessionDate": rec.SessionDate.Format(attendance.DateLayout),
	})
}

func (h *Handler) ownWindow(c *gin.Context) (attendance.Window, bool) {
	w, err := h.registry.Lookup(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return attendance.Window{}, false
	}
	if !callerIs(c, w.TeacherID) {
		response.Error(c, apperr.ErrForbidden)
		return attendance.Window{}, false
	}
	return w, true
}

func callerIs(c *gin.Context, id string) bool {
	claims, ok := auth.ClaimsFrom(c)
	return ok && id != "" && claims.Subject == id
}
