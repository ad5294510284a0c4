package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRepo is the refresh-token denylist.  The 'revoked_tokens' table is
// the source of truth; an optional Redis cache answers repeat lookups.
type TokenRepo struct {
	DB    *sql.DB
	Cache *RevokedCache // may be nil
}

func NewTokenRepo(db *sql.DB, cache *RevokedCache) *TokenRepo { return &TokenRepo{DB: db, Cache: cache} }

// Revoke inserts jti into the denylist.  The jti is the primary key, so a
// second insert of the same id fails with *DuplicateError; callers use that
// to detect a lost refresh race.
func (r *TokenRepo) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO revoked_tokens (jti, expires_at) VALUES (?,?)",
		jti, expiresAt.UTC())
	if err != nil {
		return mapErr(err)
	}
	r.Cache.Mark(ctx, jti, time.Until(expiresAt))
	return nil
}

// IsRevoked reports whether jti is on the denylist.
func (r *TokenRepo) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if r.Cache.Has(ctx, jti) {
		return true, nil
	}
	var expiresAt time.Time
	err := r.DB.QueryRowContext(ctx,
		"SELECT expires_at FROM revoked_tokens WHERE jti=? LIMIT 1", jti).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.Cache.Mark(ctx, jti, time.Until(expiresAt))
	return true, nil
}

// PurgeExpired deletes entries whose token has expired before cutoff.
// An expired token fails validation on its own, so its entry is dead weight.
func (r *TokenRepo) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, "DELETE FROM revoked_tokens WHERE expires_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RevokedCache mirrors denylist entries into Redis with a TTL equal to the
// token's remaining lifetime.  Only positive answers are cached.  A nil
// *RevokedCache is valid and caches nothing.
type RevokedCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRevokedCache returns nil when rdb is nil.
func NewRevokedCache(rdb *redis.Client) *RevokedCache {
	if rdb == nil {
		return nil
	}
	return &RevokedCache{rdb: rdb, prefix: "revoked:"}
}

// Mark records jti for ttl.  Errors are swallowed; the database remains
// authoritative.
func (c *RevokedCache) Mark(ctx context.Context, jti string, ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}
	_ = c.rdb.Set(ctx, c.prefix+jti, 1, ttl).Err()
}

// Has reports a cached hit.  A miss or a Redis error returns false so the
// caller falls through to the database.
func (c *RevokedCache) Has(ctx context.Context, jti string) bool {
	if c == nil {
		return false
	}
	n, err := c.rdb.Exists(ctx, c.prefix+jti).Result()
	return err == nil && n > 0
}
