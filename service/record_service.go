package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"
	"ledger-auth-gateway/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// errNoChange lets a mutation skip the write when the record is already in
// the desired state.
var errNoChange = errors.New("no change")

type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
	MaxAttempts     uint64
}

// RecordService reads and mutates user records. Every mutation is a
// read-modify-write that is retried when the datastore reports a revision
// conflict, so concurrent writers never overwrite each other's tokens.
type RecordService struct {
	repo  repository.IRecordRepository
	retry RetryConfig
}

func NewRecordService(repo repository.IRecordRepository, retry RetryConfig) *RecordService {
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 50 * time.Millisecond
	}
	if retry.MaxElapsedTime <= 0 {
		retry.MaxElapsedTime = 2 * time.Second
	}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 5
	}
	return &RecordService{repo: repo, retry: retry}
}

// FindByName returns nil, nil when the user does not exist.
func (s *RecordService) FindByName(ctx context.Context, name string) (*model.UserRecord, error) {
	rec, err := s.repo.GetByName(ctx, name)
	if errors.Is(err, common.ErrUserNotFound) {
		return nil, nil
	}
	return rec, err
}

// FindByRefreshToken returns the record whose list holds token, or nil, nil.
func (s *RecordService) FindByRefreshToken(ctx context.Context, token string) (*model.UserRecord, error) {
	rec, err := s.repo.GetByRefreshToken(ctx, token)
	if errors.Is(err, common.ErrUserNotFound) {
		return nil, nil
	}
	return rec, err
}

// Update re-reads the record, applies mutate and writes it back, retrying
// from a fresh read on conflict. mutate may run more than once.
func (s *RecordService) Update(ctx context.Context, name string, mutate func(rec *model.UserRecord) error) (*model.UserRecord, error) {
	log := logger.Log.WithField("name", name)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retry.InitialInterval
	bo.MaxElapsedTime = s.retry.MaxElapsedTime
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, s.retry.MaxAttempts), ctx)

	var updated *model.UserRecord
	op := func() error {
		rec, err := s.repo.GetByName(ctx, name)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := mutate(rec); err != nil {
			if errors.Is(err, errNoChange) {
				updated = rec
				return nil
			}
			return backoff.Permanent(err)
		}
		if err := s.repo.Save(ctx, rec); err != nil {
			if errors.Is(err, common.ErrConflict) {
				recordConflictsTotal.Inc()
				return err
			}
			return backoff.Permanent(err)
		}
		updated = rec
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{"error": err, "retry_in": wait}).Debug("Retrying user record update")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("update user record %q: %w", name, err)
	}
	return updated, nil
}

func (s *RecordService) AppendRefreshToken(ctx context.Context, name, token string) (*model.UserRecord, error) {
	return s.Update(ctx, name, func(rec *model.UserRecord) error {
		if rec.HasRefreshToken(token) {
			return errNoChange
		}
		rec.RefreshTokens = append(rec.RefreshTokens, token)
		return nil
	})
}

func (s *RecordService) RemoveRefreshToken(ctx context.Context, name, token string) (*model.UserRecord, error) {
	return s.Update(ctx, name, func(rec *model.UserRecord) error {
		if !rec.RemoveRefreshToken(token) {
			return errNoChange
		}
		return nil
	})
}

// ClearAllRefreshTokens revokes every session the user has.
func (s *RecordService) ClearAllRefreshTokens(ctx context.Context, name string) (*model.UserRecord, error) {
	return s.Update(ctx, name, func(rec *model.UserRecord) error {
		if len(rec.RefreshTokens) == 0 {
			return errNoChange
		}
		rec.RefreshTokens = []string{}
		return nil
	})
}
