package httpmiddleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTokenBucketRefills(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 60)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow(ctx, "ip")
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "ip")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "other")
	assert.True(t, ok, "buckets are per key")

	now = now.Add(time.Minute)
	ok, _ = l.Allow(ctx, "ip")
	assert.True(t, ok)
}

func TestRedisFixedWindow(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewRedisFixedWindow(client, 2)
	at := time.Unix(6000, 0)
	l.now = func() time.Time { return at }
	key := "qrattend:ratelimit:1.2.3.4:100"

	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectExpire(key, 2*time.Minute).SetVal(true)
	mock.ExpectIncr(key).SetVal(2)
	mock.ExpectIncr(key).SetVal(3)

	ctx := context.Background()
	for _, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, want, ok)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

type stubLimiter struct {
	ok  bool
	err error
}

func (s stubLimiter) Allow(context.Context, string) (bool, error) { return s.ok, s.err }

func TestRateLimitMiddleware(t *testing.T) {
	cases := []struct {
		name    string
		limiter Limiter
		status  int
	}{
		{"allowed", stubLimiter{ok: true}, http.StatusOK},
		{"limited", stubLimiter{ok: false}, http.StatusTooManyRequests},
		{"limiter down", stubLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(RateLimit(tc.limiter, nil))
			r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, tc.status, w.Code)
		})
	}
}
