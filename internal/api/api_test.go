package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/live"
	"qrattend/internal/qr"
)

const (
	signingKey = "test-signing-key"
	issuer     = "qrattend-test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	router *gin.Engine
	ledger *attendance.MemoryLedger
	hub    *live.Hub
}

func newEnv(t *testing.T, health map[string]HealthCheck) *env {
	t.Helper()
	dir := attendance.NewMemoryDirectory()
	dir.AddCourse(attendance.Course{ID: "course-1", Name: "Operating Systems", Code: "CS-301"})
	dir.AddCourse(attendance.Course{ID: "course-long", Name: strings.Repeat("Distributed Systems ", 250), Code: "CS-499"})
	dir.AddClass(attendance.Class{ID: "class-1", Name: "BSCS-5", Section: "A", Shift: "Morning"})
	dir.AddTeacher(attendance.Teacher{ID: "teacher-1", Name: "Dr. Rao"})
	dir.AddTeacher(attendance.Teacher{ID: "teacher-2", Name: "Dr. Khan"})
	dir.Enroll("course-1", "class-1", "s1", "s2")

	logger := zap.NewNop()
	hub := live.NewHub(nil, nil, logger)
	ledger := attendance.NewMemoryLedger(nil)
	registry := attendance.NewRegistry(attendance.NewMemoryWindowStore(), dir, nil, 0, logger)
	service := attendance.NewService(registry, dir, ledger, 5*time.Second, hub, logger)

	return &env{
		ledger: ledger,
		hub:    hub,
		router: NewRouter(Deps{
			Registry:      registry,
			Service:       service,
			Renderer:      qr.NewRenderer(128, nil, logger),
			Hub:           hub,
			Health:        health,
			JWTSigningKey: signingKey,
			JWTIssuer:     issuer,
			Logger:        logger,
		}),
	}
}

func bearer(t *testing.T, subject, role string) string {
	t.Helper()
	tok, _, err := auth.Issue(subject, role, issuer, signingKey, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var out envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	out := decode(t, w)
	require.NotNil(t, out.Error, w.Body.String())
	return out.Error.Code
}

func windowBody(teacherID string) map[string]any {
	return map[string]any{
		"courseId":    "course-1",
		"classId":     "class-1",
		"teacherId":   teacherID,
		"sessionDate": "2026-10-16",
	}
}

func (e *env) openWindow(t *testing.T) createWindowResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/windows", bearer(t, "teacher-1", auth.RoleTeacher), windowBody("teacher-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out createWindowResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
	return out
}

func TestCreateWindowThenCheckIn(t *testing.T) {
	e := newEnv(t, nil)
	created := e.openWindow(t)

	assert.Len(t, created.Token, 32)
	assert.Equal(t, "2026-10-16", created.SessionDate)
	assert.True(t, strings.HasPrefix(created.QRCodeURL, "data:image/png;base64,"))
	var payload qr.Payload
	require.NoError(t, json.Unmarshal([]byte(created.QRPayload), &payload))
	assert.Equal(t, created.Token, payload.Token)
	assert.Equal(t, "Operating Systems", payload.CourseName)

	student := bearer(t, "s1", auth.RoleStudent)
	w := e.do(t, http.MethodPost, "/v1/checkins", student, map[string]string{"token": created.Token, "studentId": "s1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec map[string]string
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &rec))
	assert.Equal(t, "Present", rec["status"])
	assert.Equal(t, "2026-10-16", rec["sessionDate"])

	w = e.do(t, http.MethodPost, "/v1/checkins", student, map[string]string{"token": created.Token, "studentId": "s1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ALREADY_RECORDED", errCode(t, w))
	assert.Equal(t, 1, e.ledger.Len())
}

func TestCreateWindowWithCustomDuration(t *testing.T) {
	e := newEnv(t, nil)
	body := windowBody("teacher-1")
	body["durationSeconds"] = 60

	before := time.Now()
	w := e.do(t, http.MethodPost, "/v1/windows", bearer(t, "teacher-1", auth.RoleTeacher), body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out createWindowResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
	assert.WithinDuration(t, before.Add(time.Minute), out.ExpiresAt, 5*time.Second)
}

func TestCreateWindowReturnsPayloadWhenImageFails(t *testing.T) {
	e := newEnv(t, nil)
	body := windowBody("teacher-1")
	body["courseId"] = "course-long"

	w := e.do(t, http.MethodPost, "/v1/windows", bearer(t, "teacher-1", auth.RoleTeacher), body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out createWindowResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
	assert.Empty(t, out.QRCodeURL)
	var payload qr.Payload
	require.NoError(t, json.Unmarshal([]byte(out.QRPayload), &payload))
	assert.Equal(t, out.Token, payload.Token)
	assert.Equal(t, "CS-499", payload.CourseCode)
}

func TestCreateWindowConflict(t *testing.T) {
	e := newEnv(t, nil)
	e.openWindow(t)

	w := e.do(t, http.MethodPost, "/v1/windows", bearer(t, "teacher-1", auth.RoleTeacher), windowBody("teacher-1"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", errCode(t, w))
}

func TestCreateWindowRejections(t *testing.T) {
	e := newEnv(t, nil)
	teacher := bearer(t, "teacher-1", auth.RoleTeacher)

	tests := []struct {
		name   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no token", "", windowBody("teacher-1"), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad token", "not-a-jwt", windowBody("teacher-1"), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"student role", bearer(t, "s1", auth.RoleStudent), windowBody("teacher-1"), http.StatusForbidden, "FORBIDDEN"},
		{"other teacher", bearer(t, "teacher-2", auth.RoleTeacher), windowBody("teacher-1"), http.StatusForbidden, "FORBIDDEN"},
		{"unknown course", teacher, map[string]any{"courseId": "nope", "classId": "class-1", "teacherId": "teacher-1", "sessionDate": "2026-10-16"}, http.StatusNotFound, "NOT_FOUND"},
		{"bad date", teacher, map[string]any{"courseId": "course-1", "classId": "class-1", "teacherId": "teacher-1", "sessionDate": "16/10/2026"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"malformed body", teacher, "oops", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"duration too long", teacher, map[string]any{"courseId": "course-1", "classId": "class-1", "teacherId": "teacher-1", "sessionDate": "2026-10-16", "durationSeconds": int64(10_000_000_000)}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"negative duration", teacher, map[string]any{"courseId": "course-1", "classId": "class-1", "teacherId": "teacher-1", "sessionDate": "2026-10-16", "durationSeconds": -5}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/v1/windows", tt.token, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errCode(t, w))
		})
	}
}

func TestCheckInRejections(t *testing.T) {
	e := newEnv(t, nil)
	created := e.openWindow(t)

	tests := []struct {
		name    string
		subject string
		role    string
		body    map[string]string
		status  int
		code    string
	}{
		{"unknown token", "s1", auth.RoleStudent, map[string]string{"token": "deadbeef", "studentId": "s1"}, http.StatusBadRequest, "INVALID_TOKEN"},
		{"not enrolled", "s9", auth.RoleStudent, map[string]string{"token": created.Token, "studentId": "s9"}, http.StatusBadRequest, "NOT_ENROLLED"},
		{"someone else", "s2", auth.RoleStudent, map[string]string{"token": created.Token, "studentId": "s1"}, http.StatusForbidden, "FORBIDDEN"},
		{"teacher role", "teacher-1", auth.RoleTeacher, map[string]string{"token": created.Token, "studentId": "teacher-1"}, http.StatusForbidden, "FORBIDDEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/v1/checkins", bearer(t, tt.subject, tt.role), tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errCode(t, w))
		})
	}
	assert.Zero(t, e.ledger.Len())
}

func TestGetWindow(t *testing.T) {
	e := newEnv(t, nil)
	created := e.openWindow(t)

	w := e.do(t, http.MethodGet, "/v1/windows/"+created.Token, bearer(t, "teacher-1", auth.RoleTeacher), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var win attendance.Window
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &win))
	assert.Equal(t, attendance.WindowOpen, win.Status)
	assert.Equal(t, "course-1", win.CourseID)

	w = e.do(t, http.MethodGet, "/v1/windows/"+created.Token, bearer(t, "teacher-2", auth.RoleTeacher), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodGet, "/v1/windows/missing", bearer(t, "teacher-1", auth.RoleTeacher), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errCode(t, w))
}

func TestLiveFeedStreamsCheckIns(t *testing.T) {
	e := newEnv(t, nil)
	created := e.openWindow(t)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/windows/" + created.Token +
		"/live?access_token=" + bearer(t, "teacher-1", auth.RoleTeacher)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration happens on the server goroutine after the handshake.
	require.Eventually(t, func() bool { return e.hub.ClientCount(created.Token) == 1 }, time.Second, 5*time.Millisecond)

	w := e.do(t, http.MethodPost, "/v1/checkins", bearer(t, "s2", auth.RoleStudent),
		map[string]string{"token": created.Token, "studentId": "s2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg live.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, attendance.EventCheckedIn, msg.Event)
	var evt attendance.Event
	require.NoError(t, json.Unmarshal(msg.Data, &evt))
	assert.Equal(t, "s2", evt.StudentID)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, map[string]HealthCheck{
		"db":    func(context.Context) bool { return true },
		"redis": func(context.Context) bool { return false },
	})
	w := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, true, body["db"])
	assert.Equal(t, false, body["redis"])

	ok := newEnv(t, nil).do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	w := newEnv(t, nil).do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
