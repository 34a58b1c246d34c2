package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/repository/postgres"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyKeyLen = 255
	maxReplayBodySize    = 1 << 20
)

// IdempotencyStore persists responses by key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*postgres.IdempotencyRecord, error)
	Save(ctx context.Context, rec *postgres.IdempotencyRecord) error
}

// Idempotency replays the stored response when a request repeats an
// Idempotency-Key. Reusing a key for a different request is refused with
// 422. Server errors are not stored so the caller may retry them. Store
// failures let the request through.
func Idempotency(store IdempotencyStore, ttl time.Duration, maxBody int64, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeMiddlewareError(w, http.StatusBadRequest, "invalid_idempotency_key", "Idempotency-Key is too long")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				writeMiddlewareError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := requestFingerprint(r, body)
			log := logger.With().Str("idempotency_key", key).Logger()

			rec, err := store.Get(r.Context(), key)
			switch {
			case err == nil && rec.Fingerprint != fingerprint:
				writeMiddlewareError(w, http.StatusUnprocessableEntity, "idempotency_conflict",
					"Idempotency-Key was already used with a different request")
				return
			case err == nil:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(rec.ResponseStatus)
				_, _ = w.Write(rec.ResponseBody)
				return
			case !errors.Is(err, domainErrors.ErrNotFound):
				log.Error().Err(err).Msg("idempotency lookup failed")
			}

			recorder := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= http.StatusInternalServerError || recorder.truncated {
				return
			}

			now := time.Now().UTC()
			err = store.Save(context.WithoutCancel(r.Context()), &postgres.IdempotencyRecord{
				Key:            key,
				Fingerprint:    fingerprint,
				ResponseBody:   recorder.body.Bytes(),
				ResponseStatus: recorder.statusCode,
				CreatedAt:      now,
				ExpiresAt:      now.Add(ttl),
			})
			if err != nil {
				log.Warn().Err(err).Msg("idempotency record not saved")
			}
		})
	}
}

func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method + " " + r.URL.RequestURI() + "\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeMiddlewareError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	truncated  bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.truncated {
		if r.body.Len()+len(b) > maxReplayBodySize {
			r.truncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
