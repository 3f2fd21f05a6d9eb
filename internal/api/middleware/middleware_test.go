package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/taskpulse/internal/auth"
	"github.com/btouchard/taskpulse/internal/config"
)

type fakeResolver map[string]auth.Identity

func (f fakeResolver) Resolve(_ context.Context, token string) (auth.Identity, error) {
	id, ok := f[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

type fakeVerifier map[string]string

func (f fakeVerifier) Verify(token string) (string, error) {
	svc, ok := f[token]
	if !ok {
		return "", errors.New("bad signature")
	}
	return svc, nil
}

// echoCaller reports which credential reached the handler.
func echoCaller(w http.ResponseWriter, r *http.Request) {
	if id, ok := auth.IdentityFrom(r.Context()); ok {
		w.Header().Set("X-Caller", "user:"+id.ID)
	}
	if svc, ok := auth.InternalCallerFrom(r.Context()); ok {
		w.Header().Set("X-Caller", "internal:"+svc)
	}
	w.WriteHeader(http.StatusNoContent)
}

func serve(h http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerAuth_StoresIdentity(t *testing.T) {
	t.Parallel()
	h := BearerAuth(fakeResolver{"good": {ID: "u1", Role: "admin"}})(http.HandlerFunc(echoCaller))

	rec := serve(h, map[string]string{"Authorization": "bearer good"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user:u1", rec.Header().Get("X-Caller"))

	rec = serve(h, map[string]string{"Authorization": "Bearer bad"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")

	rec = serve(h, map[string]string{"Authorization": "Basic Zm9vOmJhcg=="})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized","request_id":""}`, rec.Body.String())
}

func TestInternalAuth_RequiresSignedToken(t *testing.T) {
	t.Parallel()
	h := InternalAuth(fakeVerifier{"signed": "task-service"})(http.HandlerFunc(echoCaller))

	rec := serve(h, map[string]string{InternalTokenHeader: "signed"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "internal:task-service", rec.Header().Get("X-Caller"))

	rec = serve(h, map[string]string{"X-Server-Broadcast": "true"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, map[string]string{InternalTokenHeader: "forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserOrInternal_AcceptsEitherCredential(t *testing.T) {
	t.Parallel()
	h := UserOrInternal(
		fakeResolver{"good": {ID: "u1"}},
		fakeVerifier{"signed": "task-service"},
	)(http.HandlerFunc(echoCaller))

	rec := serve(h, map[string]string{"Authorization": "Bearer good"})
	assert.Equal(t, "user:u1", rec.Header().Get("X-Caller"))

	rec = serve(h, map[string]string{InternalTokenHeader: "signed", "Authorization": "Bearer good"})
	assert.Equal(t, "internal:task-service", rec.Header().Get("X-Caller"))

	// A bad internal token is not rescued by a valid bearer.
	rec = serve(h, map[string]string{InternalTokenHeader: "forged", "Authorization": "Bearer good"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIPLimiter_BurstThenRefill(t *testing.T) {
	t.Parallel()
	l := newIPLimiter(60, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"), "buckets are per address")

	now = now.Add(time.Second)
	assert.True(t, l.allow("10.0.0.1"))
}

func TestIPLimiter_EvictsIdleVisitors(t *testing.T) {
	t.Parallel()
	l := newIPLimiter(60, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.allow("10.0.0.1")
	now = now.Add(2 * visitorTTL)
	l.allow("10.0.0.2")

	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.visitors["10.0.0.1"]
	assert.False(t, ok)
	assert.Len(t, l.visitors, 1)
}

func TestRateLimit_Returns429(t *testing.T) {
	t.Parallel()
	h := RateLimit(config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1})(http.HandlerFunc(echoCaller))

	require.Equal(t, http.StatusNoContent, serve(h, nil).Code)
	rec := serve(h, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimit_InternalCallersAreNeverLimited(t *testing.T) {
	t.Parallel()
	verifier := fakeVerifier{"svc-token": "tasks-api"}
	users := fakeResolver{"user-token": {ID: "u1", Role: "user"}}
	limit := RateLimit(config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	h := UserOrInternal(users, verifier)(limit(http.HandlerFunc(echoCaller)))

	internal := map[string]string{InternalTokenHeader: "svc-token"}
	for i := 0; i < 20; i++ {
		rec := serve(h, internal)
		require.Equal(t, http.StatusNoContent, rec.Code, "request %d", i)
		assert.Equal(t, "internal:tasks-api", rec.Header().Get("X-Caller"))
	}

	user := map[string]string{"Authorization": "Bearer user-token"}
	require.Equal(t, http.StatusNoContent, serve(h, user).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, user).Code)
}

func TestRateLimit_DisabledWhenUnset(t *testing.T) {
	t.Parallel()
	h := RateLimit(config.RateLimitConfig{})(http.HandlerFunc(echoCaller))

	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusNoContent, serve(h, nil).Code)
	}
}
