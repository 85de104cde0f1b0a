package handler

import (
	"context"
	"errors"
	"net/http"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"
	"ledger-auth-gateway/service"
)

type contextKey string

const (
	ClaimsKey      contextKey = "claims"
	AccessTokenKey contextKey = "accessToken"
)

// ClaimsFromContext returns the verified access claims of the request, if any.
func ClaimsFromContext(ctx context.Context) (*model.AccessClaims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*model.AccessClaims)
	return claims, ok && claims != nil
}

// AccessTokenFromContext returns the access token the request acts with.
func AccessTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(AccessTokenKey).(string)
	return token
}

// SessionMiddleware resolves the caller's session from the token cookies,
// rotating the refresh token when the access token is missing or expired.
type SessionMiddleware struct {
	tokens   *service.TokenService
	rotation *service.RotationService
	cookies  CookiePolicy
}

func NewSessionMiddleware(tokens *service.TokenService, rotation *service.RotationService, cookies CookiePolicy) *SessionMiddleware {
	return &SessionMiddleware{tokens: tokens, rotation: rotation, cookies: cookies}
}

// Authenticate attaches the caller's claims to the request context when a
// session can be established. Requests without one continue anonymously;
// enforcing authentication is left to RequireRole or the upstream.
func (m *SessionMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := logger.Log.WithField("request_id", RequestIDFromContext(ctx))

		access := cookieValue(r, AccessTokenCookie)
		if access != "" {
			claims, err := m.tokens.VerifyAccessToken(access)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withSession(ctx, access, claims)))
				return
			}
			log.WithError(err).Debug("Access token rejected, trying refresh")
		}

		refresh := cookieValue(r, RefreshTokenCookie)
		if refresh == "" {
			if access != "" {
				m.cookies.Clear(w)
			}
			next.ServeHTTP(w, r)
			return
		}

		res, err := m.rotation.Rotate(ctx, refresh)
		switch {
		case err == nil:
			claims, verr := m.tokens.VerifyAccessToken(res.Pair.AccessToken)
			if verr != nil {
				m.cookies.Clear(w)
				common.NewAppError(http.StatusInternalServerError, "Could not establish session", verr).Send(w)
				return
			}
			m.cookies.SetTokens(w, res.Pair)
			next.ServeHTTP(w, r.WithContext(withSession(ctx, res.Pair.AccessToken, claims)))
		case errors.Is(err, common.ErrTokenReuseDetected):
			m.cookies.Clear(w)
			if !service.ContinueUnauthenticatedAfterReuse {
				common.NewAppError(http.StatusUnauthorized, "Session revoked", err).Send(w)
				return
			}
			next.ServeHTTP(w, r)
		case errors.Is(err, common.ErrTokenInvalid), errors.Is(err, common.ErrTokenExpired):
			m.cookies.Clear(w)
			next.ServeHTTP(w, r)
		default:
			m.cookies.Clear(w)
			common.NewAppError(http.StatusInternalServerError, "Could not refresh session", err).Send(w)
		}
	})
}

func withSession(ctx context.Context, access string, claims *model.AccessClaims) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	return context.WithValue(ctx, AccessTokenKey, access)
}

// RequireRole rejects anonymous callers with 401 and callers lacking role
// with 403.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				common.NewAppError(http.StatusUnauthorized, "Authentication required", nil).Send(w)
				return
			}

			session := model.Session{Name: claims.Name, Roles: claims.Roles}
			if !session.HasRole(role) {
				common.NewAppError(http.StatusForbidden, "Access denied. Insufficient privileges.", nil).Send(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
