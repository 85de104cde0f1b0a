package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContinueUnauthenticatedAfterReuse controls what a request carrying a reused
// refresh token gets after the owner's sessions are revoked: when true it is
// forwarded without credentials, when false it is rejected with 401.
const ContinueUnauthenticatedAfterReuse = true

type RotationConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// RotationService issues token pairs and rotates refresh tokens. A refresh
// token is single use: presenting one that is no longer in its owner's list
// revokes every session of the user it names.
type RotationService struct {
	tokens  *TokenService
	records *RecordService
	cfg     RotationConfig
}

func NewRotationService(tokens *TokenService, records *RecordService, cfg RotationConfig) *RotationService {
	return &RotationService{tokens: tokens, records: records, cfg: cfg}
}

// IssueInitialPair mints a fresh pair for a session that just passed the
// credential check and records the refresh token on the user's record.
func (s *RotationService) IssueInitialPair(ctx context.Context, session *model.Session) (*model.RotationResult, error) {
	ctx, span := tracer.Start(ctx, "RotationService.IssueInitialPair")
	defer span.End()
	span.SetAttributes(attribute.String("user.name", session.Name))

	refresh, err := s.tokens.IssueRefreshToken(session.Name, s.cfg.RefreshTTL)
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	rec, err := s.records.AppendRefreshToken(ctx, session.Name, refresh)
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "append refresh token failed")
		return nil, err
	}

	access, err := s.tokens.IssueAccessToken(rec.Name, rec.Roles, s.cfg.AccessTTL)
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	loginsTotal.WithLabelValues("success").Inc()
	logger.Log.WithFields(logrus.Fields{
		"name":              rec.Name,
		"token_fingerprint": common.Fingerprint(refresh),
		"sessions":          len(rec.RefreshTokens),
	}).Info("Issued initial token pair")

	return &model.RotationResult{
		Pair:   model.TokenPair{AccessToken: access, RefreshToken: refresh},
		Record: rec,
	}, nil
}

// Rotate exchanges a presented refresh token for a new pair.
//
// Errors: common.ErrTokenInvalid for malformed or forged tokens (no side
// effects), common.ErrTokenExpired for expired ones (the stale value is
// dropped from its owner's list), common.ErrTokenReuseDetected when a
// validly signed token is not in any list (all of the named user's sessions
// are revoked). Anything else is a datastore failure.
func (s *RotationService) Rotate(ctx context.Context, presented string) (*model.RotationResult, error) {
	ctx, span := tracer.Start(ctx, "RotationService.Rotate")
	defer span.End()

	log := logger.Log.WithField("token_fingerprint", common.Fingerprint(presented))

	if _, err := s.tokens.ParseUnverifiedRefresh(presented); err != nil {
		rotationsTotal.WithLabelValues("invalid").Inc()
		log.WithError(err).Info("Rejected malformed refresh token")
		return nil, err
	}

	// Mass revocation is only triggered by tokens this gateway signed, so a
	// forged token naming a user cannot log that user out.
	claims, err := s.tokens.VerifyRefreshToken(presented)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			rotationsTotal.WithLabelValues("expired").Inc()
			log.Info("Refresh token expired")
			s.dropExpired(ctx, presented)
			return nil, err
		}
		rotationsTotal.WithLabelValues("invalid").Inc()
		log.WithError(err).Warn("Rejected refresh token with bad signature")
		return nil, err
	}
	span.SetAttributes(attribute.String("user.name", claims.Name))
	log = log.WithField("name", claims.Name)

	owner, err := s.records.FindByRefreshToken(ctx, presented)
	if err != nil {
		rotationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}
	if owner == nil {
		return nil, s.revokeAfterReuse(ctx, claims.Name, log)
	}

	refresh, err := s.tokens.IssueRefreshToken(owner.Name, s.cfg.RefreshTTL)
	if err != nil {
		rotationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// The token may have been rotated by a concurrent request between the
	// lookup and a conflict retry; that is reuse and revokes everything in
	// the same write.
	reused := false
	rec, err := s.records.Update(ctx, owner.Name, func(rec *model.UserRecord) error {
		reused = false
		if !rec.RemoveRefreshToken(presented) {
			reused = true
			rec.RefreshTokens = []string{}
			return nil
		}
		rec.RefreshTokens = append(rec.RefreshTokens, refresh)
		return nil
	})
	if err != nil {
		rotationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "rotation write failed")
		return nil, err
	}
	if reused {
		rotationsTotal.WithLabelValues("reuse").Inc()
		reuseDetectedTotal.Inc()
		log.Warn("Refresh token was rotated concurrently, revoked all sessions")
		return nil, common.ErrTokenReuseDetected
	}

	access, err := s.tokens.IssueAccessToken(rec.Name, rec.Roles, s.cfg.AccessTTL)
	if err != nil {
		rotationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	rotationsTotal.WithLabelValues("success").Inc()
	log.WithFields(logrus.Fields{
		"new_token_fingerprint": common.Fingerprint(refresh),
		"sessions":              len(rec.RefreshTokens),
	}).Info("Rotated refresh token")

	return &model.RotationResult{
		Pair:   model.TokenPair{AccessToken: access, RefreshToken: refresh},
		Record: rec,
	}, nil
}

func (s *RotationService) revokeAfterReuse(ctx context.Context, name string, log *logrus.Entry) error {
	rotationsTotal.WithLabelValues("reuse").Inc()
	reuseDetectedTotal.Inc()
	log.Warn("Refresh token reuse detected, revoking all sessions")

	if err := s.RevokeAll(ctx, name); err != nil {
		return fmt.Errorf("revoke sessions after reuse: %w", err)
	}
	return common.ErrTokenReuseDetected
}

func (s *RotationService) dropExpired(ctx context.Context, token string) {
	log := logger.Log.WithField("token_fingerprint", common.Fingerprint(token))

	owner, err := s.records.FindByRefreshToken(ctx, token)
	if err != nil {
		log.WithError(err).Warn("Failed to look up owner of expired refresh token")
		return
	}
	if owner == nil {
		return
	}
	if _, err := s.records.RemoveRefreshToken(ctx, owner.Name, token); err != nil {
		log.WithError(err).Warn("Failed to drop expired refresh token")
	}
}

// RevokeAll empties the user's refresh token list. A user without a record
// has nothing to revoke.
func (s *RotationService) RevokeAll(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	_, err := s.records.ClearAllRefreshTokens(ctx, name)
	if errors.Is(err, common.ErrUserNotFound) {
		return nil
	}
	return err
}

// Revoke handles logout: it revokes every session of the user the presented
// refresh token belongs to. Tokens that do not carry this gateway's
// signature are ignored.
func (s *RotationService) Revoke(ctx context.Context, refreshToken string) error {
	ctx, span := tracer.Start(ctx, "RotationService.Revoke")
	defer span.End()

	log := logger.Log.WithField("token_fingerprint", common.Fingerprint(refreshToken))

	owner, err := s.records.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		return err
	}

	name := ""
	if owner != nil {
		name = owner.Name
	} else if claims, err := s.tokens.VerifyRefreshSignature(refreshToken); err == nil {
		name = claims.Name
	}
	if name == "" {
		log.Info("Logout with unrecognised refresh token")
		return nil
	}

	if err := s.RevokeAll(ctx, name); err != nil {
		log.WithError(err).Error("Failed to revoke sessions on logout")
		return err
	}
	log.WithField("name", name).Info("Revoked all sessions on logout")
	return nil
}
