// Package qr builds the payload encoded into a check-in QR code and renders it.
package qr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/cloudinary"
)

const defaultSize = 256

// Payload is what a student's scanner reads. Names are embedded so the scanning
// app can show what the student is checking into without another lookup.
type Payload struct {
	Token       string    `json:"token"`
	CourseName  string    `json:"courseName"`
	CourseCode  string    `json:"courseCode"`
	ClassName   string    `json:"className"`
	ClassCode   string    `json:"classCode"`
	Section     string    `json:"section"`
	Shift       string    `json:"shift"`
	TeacherName string    `json:"teacherName"`
	SessionDate string    `json:"sessionDate"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// NewPayload builds the payload of a freshly created window.
func NewPayload(cw attendance.CreatedWindow) Payload {
	return Payload{
		Token:       cw.Window.Token,
		CourseName:  cw.Course.Name,
		CourseCode:  cw.Course.Code,
		ClassName:   cw.Class.Name,
		ClassCode:   cw.Class.Code,
		Section:     cw.Class.Section,
		Shift:       cw.Class.Shift,
		TeacherName: cw.Teacher.Name,
		SessionDate: cw.Window.SessionDate.Format(attendance.DateLayout),
		ExpiresAt:   cw.Window.ExpiresAt.UTC(),
	}
}

// Encode returns the JSON text placed in the QR code.
func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode qr payload: %w", err)
	}
	return string(b), nil
}

// Uploader hosts a rendered image and returns where it can be fetched.
type Uploader interface {
	UploadBytes(ctx context.Context, data []byte, publicID string) (*cloudinary.UploadResult, error)
}

// Image is a rendered QR code.
type Image struct {
	Payload string
	URL     string
}

// Renderer turns payloads into QR images.
type Renderer struct {
	size     int
	uploader Uploader
	logger   *zap.Logger
}

// NewRenderer creates a renderer. uploader may be nil, in which case images are
// returned inline as PNG data URLs.
func NewRenderer(size int, uploader Uploader, logger *zap.Logger) *Renderer {
	if size <= 0 {
		size = defaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{size: size, uploader: uploader, logger: logger}
}

// Render encodes p and returns the image URL. A failed upload falls back to the
// inline data URL so window creation never depends on the image host. When only
// the PNG step fails the returned Image still carries the payload text.
func (r *Renderer) Render(ctx context.Context, p Payload) (Image, error) {
	text, err := p.Encode()
	if err != nil {
		return Image{}, err
	}
	png, err := qrcode.Encode(text, qrcode.Medium, r.size)
	if err != nil {
		return Image{Payload: text}, fmt.Errorf("render qr: %w", err)
	}

	if r.uploader != nil {
		res, err := r.uploader.UploadBytes(ctx, png, "window-"+p.Token)
		if err == nil && res.SecureURL != "" {
			return Image{Payload: text, URL: res.SecureURL}, nil
		}
		r.logger.Warn("qr upload failed, returning inline image", zap.String("token", p.Token), zap.Error(err))
	}
	return Image{Payload: text, URL: DataURL(png)}, nil
}

// DataURL wraps PNG bytes in a data: URL.
func DataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
