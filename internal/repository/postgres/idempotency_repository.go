package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
)

// DBTX is the query surface shared by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// IdempotencyRecord is a stored response for an Idempotency-Key. The
// fingerprint identifies the request the key was first used with.
type IdempotencyRecord struct {
	Key            string
	Fingerprint    string
	ResponseBody   []byte
	ResponseStatus int
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

type IdempotencyRepository struct {
	db DBTX
}

func NewIdempotencyRepository(db DBTX) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get returns the live record for key or ErrNotFound.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{}
	err := r.db.QueryRow(ctx,
		`SELECT key, fingerprint, response_body, response_status, created_at, expires_at
		 FROM idempotency_keys WHERE key = $1 AND expires_at > NOW()`, key,
	).Scan(&rec.Key, &rec.Fingerprint, &rec.ResponseBody, &rec.ResponseStatus, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return rec, nil
}

// Save stores rec unless a live record already holds the key. An expired
// record is replaced. Saving a key that is live under another
// fingerprint returns ErrDuplicateIdempotencyKey.
func (r *IdempotencyRepository) Save(ctx context.Context, rec *IdempotencyRecord) error {
	var fingerprint string
	err := r.db.QueryRow(ctx,
		`INSERT INTO idempotency_keys (key, fingerprint, response_body, response_status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET
		     fingerprint = EXCLUDED.fingerprint,
		     response_body = EXCLUDED.response_body,
		     response_status = EXCLUDED.response_status,
		     created_at = EXCLUDED.created_at,
		     expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.expires_at <= NOW()
		    OR idempotency_keys.fingerprint = EXCLUDED.fingerprint
		 RETURNING fingerprint`,
		rec.Key, rec.Fingerprint, rec.ResponseBody, rec.ResponseStatus, rec.CreatedAt, rec.ExpiresAt,
	).Scan(&fingerprint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", domainErrors.ErrDuplicateIdempotencyKey, rec.Key)
		}
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

// Cleanup removes expired records and reports how many were deleted.
func (r *IdempotencyRepository) Cleanup(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
