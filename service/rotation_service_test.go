package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/model"
	"ledger-auth-gateway/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rotationFixture struct {
	repo     *repository.MemoryRecordRepository
	tokens   *TokenService
	rotation *RotationService
}

func newRotationFixture(t *testing.T, retry RetryConfig) *rotationFixture {
	t.Helper()
	repo := repository.NewMemoryRecordRepository(
		&model.UserRecord{Name: "alice", Roles: []string{"user"}},
		&model.UserRecord{Name: "bob", Roles: []string{"user"}},
	)
	tokens := newTestTokenService(t)
	rotation := NewRotationService(tokens, NewRecordService(repo, retry), RotationConfig{
		AccessTTL:  15 * time.Second,
		RefreshTTL: time.Hour,
	})
	return &rotationFixture{repo: repo, tokens: tokens, rotation: rotation}
}

func (f *rotationFixture) tokensOf(t *testing.T, name string) []string {
	t.Helper()
	rec, err := f.repo.GetByName(context.Background(), name)
	require.NoError(t, err)
	return rec.RefreshTokens
}

func (f *rotationFixture) login(t *testing.T, name string) model.TokenPair {
	t.Helper()
	res, err := f.rotation.IssueInitialPair(context.Background(), &model.Session{Name: name})
	require.NoError(t, err)
	return res.Pair
}

func TestRotationService_IssueInitialPair(t *testing.T) {
	f := newRotationFixture(t, fastRetry)

	res, err := f.rotation.IssueInitialPair(context.Background(), &model.Session{Name: "alice", Roles: []string{"user"}})
	require.NoError(t, err)

	claims, err := f.tokens.VerifyAccessToken(res.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Name)
	assert.Equal(t, []string{"user"}, claims.Roles)
	assert.Equal(t, []string{res.Pair.RefreshToken}, f.tokensOf(t, "alice"))

	_, err = f.rotation.IssueInitialPair(context.Background(), &model.Session{Name: "ghost"})
	assert.ErrorIs(t, err, common.ErrUserNotFound)
}

func TestRotationService_Rotate(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, fastRetry)
	first := f.login(t, "alice")

	res, err := f.rotation.Rotate(ctx, first.RefreshToken)
	require.NoError(t, err)

	assert.NotEqual(t, first.RefreshToken, res.Pair.RefreshToken)
	assert.Equal(t, []string{res.Pair.RefreshToken}, f.tokensOf(t, "alice"))

	claims, err := f.tokens.VerifyAccessToken(res.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Name)
}

func TestRotationService_ReplayRevokesAllSessions(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, fastRetry)

	r1 := f.login(t, "alice").RefreshToken
	otherDevice := f.login(t, "alice").RefreshToken
	bobs := f.login(t, "bob").RefreshToken

	rotated, err := f.rotation.Rotate(ctx, r1)
	require.NoError(t, err)
	r2 := rotated.Pair.RefreshToken
	assert.ElementsMatch(t, []string{otherDevice, r2}, f.tokensOf(t, "alice"))

	_, err = f.rotation.Rotate(ctx, r1)
	assert.ErrorIs(t, err, common.ErrTokenReuseDetected)
	assert.Empty(t, f.tokensOf(t, "alice"), "every session of the replayed user is revoked")
	assert.Equal(t, []string{bobs}, f.tokensOf(t, "bob"), "other users are untouched")

	_, err = f.rotation.Rotate(ctx, r2)
	assert.ErrorIs(t, err, common.ErrTokenReuseDetected)
	_, err = f.rotation.Rotate(ctx, otherDevice)
	assert.ErrorIs(t, err, common.ErrTokenReuseDetected)
}

func TestRotationService_ForgedTokenHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, fastRetry)
	existing := f.login(t, "alice").RefreshToken

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, &model.RefreshClaims{
		Name: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := forged.SignedString([]byte("attacker"))
	require.NoError(t, err)

	_, err = f.rotation.Rotate(ctx, token)
	assert.ErrorIs(t, err, common.ErrTokenInvalid)
	_, err = f.rotation.Rotate(ctx, "garbage")
	assert.ErrorIs(t, err, common.ErrTokenInvalid)

	assert.Equal(t, []string{existing}, f.tokensOf(t, "alice"))
}

func TestRotationService_ExpiredTokenIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, fastRetry)
	live := f.login(t, "alice").RefreshToken

	f.tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := f.tokens.IssueRefreshToken("alice", time.Hour)
	require.NoError(t, err)
	f.tokens.now = time.Now
	_, err = NewRecordService(f.repo, fastRetry).AppendRefreshToken(ctx, "alice", expired)
	require.NoError(t, err)

	_, err = f.rotation.Rotate(ctx, expired)
	assert.ErrorIs(t, err, common.ErrTokenExpired)
	assert.Equal(t, []string{live}, f.tokensOf(t, "alice"), "only the expired token is removed")
}

func TestRotationService_ReuseForUnknownUser(t *testing.T) {
	f := newRotationFixture(t, fastRetry)

	orphan, err := f.tokens.IssueRefreshToken("deleted-user", time.Hour)
	require.NoError(t, err)

	_, err = f.rotation.Rotate(context.Background(), orphan)
	assert.ErrorIs(t, err, common.ErrTokenReuseDetected)
}

func TestRotationService_ConcurrentDuplicateRotation(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, RetryConfig{InitialInterval: time.Millisecond, MaxElapsedTime: 5 * time.Second, MaxAttempts: 50})
	r1 := f.login(t, "alice").RefreshToken

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		reuses    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rotation.Rotate(ctx, r1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, common.ErrTokenReuseDetected):
				reuses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "a refresh token is redeemed at most once")
	assert.Equal(t, workers-1, reuses)
	assert.Empty(t, f.tokensOf(t, "alice"))
}

func TestRotationService_Revoke(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, fastRetry)

	t.Run("logout revokes every session of the owner", func(t *testing.T) {
		a := f.login(t, "alice").RefreshToken
		f.login(t, "alice")
		bobs := f.login(t, "bob").RefreshToken

		require.NoError(t, f.rotation.Revoke(ctx, a))
		assert.Empty(t, f.tokensOf(t, "alice"))
		assert.Equal(t, []string{bobs}, f.tokensOf(t, "bob"))
	})

	t.Run("unrecognised token is ignored", func(t *testing.T) {
		bobs := f.tokensOf(t, "bob")
		assert.NoError(t, f.rotation.Revoke(ctx, "garbage"))
		assert.Equal(t, bobs, f.tokensOf(t, "bob"))
	})
}
