// file: repository/indexed_repository.go

package repository

import (
	"context"
	"errors"
	"slices"
	"time"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const tokenIndexPrefix = "refresh_owner:"

// ITokenIndexClient is the subset of the redis client the token index needs.
type ITokenIndexClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// IndexedRecordRepository decorates a record repository with a redis index
// from refresh token hash to owner name. The wrapped repository stays
// authoritative: an index hit is only trusted once the owner's stored list is
// confirmed to contain the token, and index failures fall back to the
// wrapped lookup.
type IndexedRecordRepository struct {
	inner IRecordRepository
	index ITokenIndexClient
	ttl   time.Duration
}

func NewIndexedRecordRepository(inner IRecordRepository, index ITokenIndexClient, ttl time.Duration) *IndexedRecordRepository {
	return &IndexedRecordRepository{inner: inner, index: index, ttl: ttl}
}

func indexKey(token string) string {
	return tokenIndexPrefix + common.HashToken(token)
}

func (r *IndexedRecordRepository) GetByName(ctx context.Context, name string) (*model.UserRecord, error) {
	return r.inner.GetByName(ctx, name)
}

func (r *IndexedRecordRepository) GetByRefreshToken(ctx context.Context, token string) (*model.UserRecord, error) {
	log := logger.Log.WithField("token_fingerprint", common.Fingerprint(token))
	key := indexKey(token)

	name, err := r.index.Get(ctx, key).Result()
	switch {
	case err == nil:
		rec, err := r.inner.GetByName(ctx, name)
		if err == nil && rec.HasRefreshToken(token) {
			return rec, nil
		}
		if err != nil && !errors.Is(err, common.ErrUserNotFound) {
			return nil, err
		}
		log.Debug("Dropping stale refresh token index entry")
		if err := r.index.Del(ctx, key).Err(); err != nil {
			log.WithError(err).Warn("Failed to drop stale refresh token index entry")
		}
	case errors.Is(err, redis.Nil):
	default:
		log.WithError(err).Warn("Refresh token index lookup failed, falling back to datastore")
	}

	rec, err := r.inner.GetByRefreshToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := r.index.Set(ctx, key, rec.Name, r.ttl).Err(); err != nil {
		log.WithError(err).Warn("Failed to backfill refresh token index")
	}
	return rec, nil
}

// Save writes through to the wrapped repository and then brings the index in
// line with the new token list.
func (r *IndexedRecordRepository) Save(ctx context.Context, rec *model.UserRecord) error {
	var previous []string
	if prev, err := r.inner.GetByName(ctx, rec.Name); err == nil {
		previous = prev.RefreshTokens
	}

	if err := r.inner.Save(ctx, rec); err != nil {
		return err
	}

	log := logger.Log.WithField("name", rec.Name)
	var stale []string
	for _, token := range previous {
		if !rec.HasRefreshToken(token) {
			stale = append(stale, indexKey(token))
		}
	}
	if len(stale) > 0 {
		if err := r.index.Del(ctx, stale...).Err(); err != nil {
			log.WithError(err).Warn("Failed to remove revoked tokens from index")
		}
	}
	for _, token := range rec.RefreshTokens {
		if slices.Contains(previous, token) {
			continue
		}
		if err := r.index.Set(ctx, indexKey(token), rec.Name, r.ttl).Err(); err != nil {
			log.WithFields(logrus.Fields{
				"token_fingerprint": common.Fingerprint(token),
				"error":             err,
			}).Warn("Failed to index refresh token")
		}
	}
	return nil
}

func (r *IndexedRecordRepository) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}
