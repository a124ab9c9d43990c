package attendance

import "context"

// Event types streamed to a window's live feed.
const (
	EventCheckedIn    = "checked_in"
	EventWindowClosed = "window_closed"
)

// Event is a notification about a window, delivered best-effort.
type Event struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	StudentID string `json:"studentId,omitempty"`
	Status    Status `json:"status,omitempty"`
	Absent    int    `json:"absent,omitempty"`
	Recorded  int    `json:"recorded,omitempty"`
}

// Publisher delivers window events. Delivery failures never affect attendance.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}
