package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassiomorais/apgateway/internal/repository/postgres"
	"github.com/cassiomorais/apgateway/internal/testutil"
)

type idempotencyFixture struct {
	store   *testutil.MockIdempotencyStore
	calls   atomic.Int32
	status  int
	handler http.Handler
}

func newIdempotencyFixture() *idempotencyFixture {
	f := &idempotencyFixture{store: testutil.NewMockIdempotencyStore(), status: http.StatusAccepted}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = fmt.Fprintf(w, `{"call":%d,"echo":%s}`, n, body)
	})
	f.handler = Idempotency(f.store, time.Hour, 1024, zerolog.Nop())(next)
	return f
}

func (f *idempotencyFixture) do(key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transmissions", strings.NewReader(body))
	if key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	f := newIdempotencyFixture()

	first := f.do("key-1", `{"a":1}`)
	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Empty(t, first.Header().Get("X-Idempotency-Replayed"))

	second := f.do("key-1", `{"a":1}`)
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestIdempotency_KeyReuseWithDifferentBody(t *testing.T) {
	f := newIdempotencyFixture()

	f.do("key-1", `{"a":1}`)
	w := f.do("key-1", `{"a":2}`)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"error":"Idempotency-Key was already used with a different request","code":"idempotency_conflict"}`, w.Body.String())
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestIdempotency_WithoutKeyPassesThrough(t *testing.T) {
	f := newIdempotencyFixture()

	f.do("", `{"a":1}`)
	f.do("", `{"a":1}`)

	assert.Equal(t, int32(2), f.calls.Load())
	assert.Zero(t, f.store.Len())
}

func TestIdempotency_ServerErrorsAreNotStored(t *testing.T) {
	f := newIdempotencyFixture()
	f.status = http.StatusBadGateway

	f.do("key-1", `{"a":1}`)
	assert.Zero(t, f.store.Len())

	f.status = http.StatusAccepted
	w := f.do("key-1", `{"a":1}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, 1, f.store.Len())
}

func TestIdempotency_RejectsBadInput(t *testing.T) {
	f := newIdempotencyFixture()

	w := f.do(strings.Repeat("k", maxIdempotencyKeyLen+1), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_idempotency_key")

	w = f.do("key-big", `{"doc":"`+strings.Repeat("x", 2048)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "body_too_large")

	assert.Zero(t, f.calls.Load())
}

func TestIdempotency_StoreFailureFailsOpen(t *testing.T) {
	f := newIdempotencyFixture()
	f.store.GetFunc = func(context.Context, string) (*postgres.IdempotencyRecord, error) {
		return nil, errors.New("connection refused")
	}

	w := f.do("key-1", `{"a":1}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	w = f.do("key-1", `{"a":1}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestRequestFingerprint(t *testing.T) {
	a := httptest.NewRequest(http.MethodPost, "/x?connector=a", nil)
	b := httptest.NewRequest(http.MethodPost, "/x?connector=b", nil)

	assert.Equal(t, requestFingerprint(a, []byte("{}")), requestFingerprint(a, []byte("{}")))
	assert.NotEqual(t, requestFingerprint(a, []byte("{}")), requestFingerprint(b, []byte("{}")))
	assert.NotEqual(t, requestFingerprint(a, []byte("{}")), requestFingerprint(a, []byte("[]")))
}
