package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/model"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockIndexClient struct{ mock.Mock }

func (m *mockIndexClient) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	return redis.NewStringResult(args.String(0), args.Error(1))
}

func (m *mockIndexClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return redis.NewStatusResult("OK", args.Error(0))
}

func (m *mockIndexClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return redis.NewIntResult(int64(len(keys)), args.Error(0))
}

func TestIndexedRecordRepository_GetByRefreshToken(t *testing.T) {
	ctx := context.Background()
	ttl := time.Hour

	t.Run("index hit confirmed by datastore", func(t *testing.T) {
		inner := NewMemoryRecordRepository(&model.UserRecord{Name: "alice", RefreshTokens: []string{"r1"}})
		index := new(mockIndexClient)
		index.On("Get", ctx, indexKey("r1")).Return("alice", nil).Once()

		rec, err := NewIndexedRecordRepository(inner, index, ttl).GetByRefreshToken(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.Name)
		index.AssertExpectations(t)
	})

	t.Run("index miss falls back and backfills", func(t *testing.T) {
		inner := NewMemoryRecordRepository(&model.UserRecord{Name: "alice", RefreshTokens: []string{"r1"}})
		index := new(mockIndexClient)
		index.On("Get", ctx, indexKey("r1")).Return("", redis.Nil).Once()
		index.On("Set", ctx, indexKey("r1"), "alice", ttl).Return(nil).Once()

		rec, err := NewIndexedRecordRepository(inner, index, ttl).GetByRefreshToken(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.Name)
		index.AssertExpectations(t)
	})

	t.Run("stale index entry is dropped", func(t *testing.T) {
		inner := NewMemoryRecordRepository(&model.UserRecord{Name: "alice", RefreshTokens: []string{"r2"}})
		index := new(mockIndexClient)
		index.On("Get", ctx, indexKey("r1")).Return("alice", nil).Once()
		index.On("Del", ctx, []string{indexKey("r1")}).Return(nil).Once()

		_, err := NewIndexedRecordRepository(inner, index, ttl).GetByRefreshToken(ctx, "r1")
		assert.ErrorIs(t, err, common.ErrUserNotFound)
		index.AssertExpectations(t)
	})

	t.Run("redis outage does not fail lookups", func(t *testing.T) {
		inner := NewMemoryRecordRepository(&model.UserRecord{Name: "alice", RefreshTokens: []string{"r1"}})
		index := new(mockIndexClient)
		index.On("Get", ctx, indexKey("r1")).Return("", errors.New("connection refused")).Once()
		index.On("Set", ctx, indexKey("r1"), "alice", ttl).Return(errors.New("connection refused")).Once()

		rec, err := NewIndexedRecordRepository(inner, index, ttl).GetByRefreshToken(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.Name)
	})
}

func TestIndexedRecordRepository_Save(t *testing.T) {
	ctx := context.Background()
	ttl := time.Hour
	inner := NewMemoryRecordRepository(&model.UserRecord{Name: "alice", RefreshTokens: []string{"r1", "r2"}})
	index := new(mockIndexClient)
	repo := NewIndexedRecordRepository(inner, index, ttl)

	rec, err := repo.GetByName(ctx, "alice")
	require.NoError(t, err)
	rec.RemoveRefreshToken("r1")
	rec.RefreshTokens = append(rec.RefreshTokens, "r3")

	index.On("Del", ctx, []string{indexKey("r1")}).Return(nil).Once()
	index.On("Set", ctx, indexKey("r3"), "alice", ttl).Return(nil).Once()

	require.NoError(t, repo.Save(ctx, rec))
	index.AssertExpectations(t)

	stored, err := inner.GetByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3"}, stored.RefreshTokens)
}
