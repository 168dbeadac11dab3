package security

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/pocketbase/pocketbase/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(req *http.Request) (*core.RequestEvent, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec
	return e, rec
}

func TestRateLimiter_Allow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(db, 2)
	ctx := context.Background()

	mock.ExpectIncr("ratelimit:ip:1.2.3.4").SetVal(1)
	mock.ExpectExpire("ratelimit:ip:1.2.3.4", time.Minute).SetVal(true)
	mock.ExpectIncr("ratelimit:ip:1.2.3.4").SetVal(2)
	mock.ExpectIncr("ratelimit:ip:1.2.3.4").SetVal(3)

	for _, want := range []bool{true, true, false} {
		ok, err := limiter.Allow(ctx, "ip:1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, want, ok)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_Disabled(t *testing.T) {
	ok, err := NewRateLimiter(nil, 10).Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)

	db, mock := redismock.NewClientMock()
	ok, err = NewRateLimiter(db, 0).Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_RedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectIncr("ratelimit:k").SetErr(errors.New("connection refused"))

	_, err := NewRateLimiter(db, 10).Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(db, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	key := "ratelimit:ip:" + hostOf(req.RemoteAddr)
	mock.ExpectIncr(key).SetVal(2)

	e, rec := newEvent(req)
	require.NoError(t, limiter.Middleware()(e))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestMiddleware_PassesOnRedisFailure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(db, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	mock.ExpectIncr("ratelimit:ip:" + hostOf(req.RemoteAddr)).SetErr(errors.New("timeout"))

	e, rec := newEvent(req)
	require.NoError(t, limiter.Middleware()(e))
	assert.Empty(t, rec.Body.String())
}

func TestMiddleware_BlocksCrawlers(t *testing.T) {
	limiter := NewRateLimiter(nil, 10)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1)")

	e, rec := newEvent(req)
	require.NoError(t, limiter.Middleware()(e))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIsSuspiciousUserAgent(t *testing.T) {
	assert.True(t, isSuspiciousUserAgent("SomeSpider/1.0"))
	assert.True(t, isSuspiciousUserAgent("web-scraper"))
	assert.False(t, isSuspiciousUserAgent("Mozilla/5.0 (iPhone)"))
	assert.False(t, isSuspiciousUserAgent(""))
}

func TestRequireAdmin(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	mw := RequireAdmin(hash)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer s3cret", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/providers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			e, rec := newEvent(req)
			require.NoError(t, mw(e))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRequireAdmin_EmptyHashClosesSurface(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/providers", nil)
	req.Header.Set("Authorization", "Bearer anything")

	e, rec := newEvent(req)
	require.NoError(t, RequireAdmin("")(e))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
