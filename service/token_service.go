package service

import (
	"errors"
	"fmt"
	"time"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenService mints and verifies HS256 tokens. Access and refresh tokens are
// signed with different secrets, so one kind never verifies as the other.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

func NewTokenService(accessSecret, refreshSecret string) (*TokenService, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("token secrets must not be empty")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("access and refresh token secrets must differ")
	}
	return &TokenService{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		now:           time.Now,
	}, nil
}

func (s *TokenService) registered(name string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   name,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// IssueAccessToken signs an access token for name and roles valid for ttl.
func (s *TokenService) IssueAccessToken(name string, roles []string, ttl time.Duration) (string, error) {
	claims := &model.AccessClaims{
		Name:             name,
		Roles:            roles,
		CouchRoles:       roles,
		RegisteredClaims: s.registered(name, ttl),
	}
	return s.sign(claims, s.accessSecret, name)
}

// IssueRefreshToken signs a refresh token for name valid for ttl. Every token
// carries a fresh jti, so two tokens minted in the same second still differ.
func (s *TokenService) IssueRefreshToken(name string, ttl time.Duration) (string, error) {
	claims := &model.RefreshClaims{
		Name:             name,
		RegisteredClaims: s.registered(name, ttl),
	}
	return s.sign(claims, s.refreshSecret, name)
}

func (s *TokenService) sign(claims jwt.Claims, secret []byte, name string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		logger.Log.WithError(err).WithField("name", name).Error("Failed to sign JWT")
		return "", fmt.Errorf("failed to sign token string: %w", err)
	}
	return tokenString, nil
}

// Verify checks signature and expiry of a token of the given kind.
func (s *TokenService) Verify(token string, kind model.TokenKind) (jwt.Claims, error) {
	switch kind {
	case model.AccessToken:
		return s.VerifyAccessToken(token)
	case model.RefreshToken:
		return s.VerifyRefreshToken(token)
	default:
		return nil, fmt.Errorf("%w: unknown token kind %q", common.ErrTokenInvalid, kind)
	}
}

func (s *TokenService) VerifyAccessToken(token string) (*model.AccessClaims, error) {
	claims := &model.AccessClaims{}
	if err := s.parse(token, claims, s.accessSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *TokenService) VerifyRefreshToken(token string) (*model.RefreshClaims, error) {
	claims := &model.RefreshClaims{}
	if err := s.parse(token, claims, s.refreshSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefreshSignature checks only that the refresh token was signed by
// this gateway, accepting expired tokens.
func (s *TokenService) VerifyRefreshSignature(token string) (*model.RefreshClaims, error) {
	claims := &model.RefreshClaims{}
	if err := s.parse(token, claims, s.refreshSecret, jwt.WithoutClaimsValidation()); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseUnverifiedRefresh decodes refresh claims without checking the
// signature. The result must not be trusted for authorization.
func (s *TokenService) ParseUnverifiedRefresh(token string) (*model.RefreshClaims, error) {
	claims := &model.RefreshClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrTokenInvalid, err)
	}
	return claims, nil
}

func (s *TokenService) parse(token string, claims jwt.Claims, secret []byte, opts ...jwt.ParserOption) error {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err == nil {
		return nil
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %v", common.ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %v", common.ErrTokenInvalid, err)
}
