package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ledger-auth-gateway/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postLogin(f *gatewayFixture, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ErrorHandlingMiddleware(f.auth.Login).ServeHTTP(rr, req)
	return rr
}

func TestAuthHandler_Login(t *testing.T) {
	t.Run("success sets both cookies", func(t *testing.T) {
		f := newGatewayFixture(t)
		rr := postLogin(f, `{"username":"alice","password":"wonderland"}`)

		require.Equal(t, http.StatusOK, rr.Code)
		var session model.Session
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &session))
		assert.Equal(t, model.Session{Name: "alice", Roles: []string{"user"}}, session)

		cookies := responseCookies(rr)
		require.Contains(t, cookies, AccessTokenCookie)
		require.Contains(t, cookies, RefreshTokenCookie)
		for _, c := range cookies {
			assert.True(t, c.HttpOnly)
			assert.True(t, c.Secure)
			assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
			assert.Equal(t, "/", c.Path)
		}
		assert.Equal(t, int(testAccessTTL.Seconds()), cookies[AccessTokenCookie].MaxAge)

		claims, err := f.tokens.VerifyAccessToken(cookies[AccessTokenCookie].Value)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Name)
		assert.Equal(t, []string{cookies[RefreshTokenCookie].Value}, f.couch.RefreshTokens("alice"))
	})

	t.Run("wrong password sets no cookies", func(t *testing.T) {
		f := newGatewayFixture(t)
		rr := postLogin(f, `{"username":"alice","password":"guess"}`)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Empty(t, rr.Result().Cookies())
		assert.Empty(t, f.couch.RefreshTokens("alice"))
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newGatewayFixture(t)
		assert.Equal(t, http.StatusBadRequest, postLogin(f, `{"username":`).Code)
		assert.Equal(t, http.StatusBadRequest, postLogin(f, `{"username":"alice"}`).Code)
	})

	t.Run("datastore down", func(t *testing.T) {
		f := newGatewayFixture(t)
		f.couch.Close()

		rr := postLogin(f, `{"username":"alice","password":"wonderland"}`)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		cookies := responseCookies(rr)
		require.Contains(t, cookies, AccessTokenCookie)
		assert.Less(t, cookies[AccessTokenCookie].MaxAge, 0)
	})

	t.Run("each login adds a session", func(t *testing.T) {
		f := newGatewayFixture(t)
		postLogin(f, `{"username":"alice","password":"wonderland"}`)
		postLogin(f, `{"username":"alice","password":"wonderland"}`)
		assert.Len(t, f.couch.RefreshTokens("alice"), 2)
	})
}

func TestAuthHandler_Logout(t *testing.T) {
	t.Run("without cookies still clears them", func(t *testing.T) {
		f := newGatewayFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
		rr := httptest.NewRecorder()
		ErrorHandlingMiddleware(f.auth.Logout).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		cookies := responseCookies(rr)
		require.Len(t, cookies, 2)
		assert.Less(t, cookies[AccessTokenCookie].MaxAge, 0)
		assert.Less(t, cookies[RefreshTokenCookie].MaxAge, 0)
		assert.Empty(t, cookies[RefreshTokenCookie].Value)
	})

	t.Run("revokes every session of the owner", func(t *testing.T) {
		f := newGatewayFixture(t)
		first := responseCookies(postLogin(f, `{"username":"alice","password":"wonderland"}`))
		postLogin(f, `{"username":"alice","password":"wonderland"}`)
		require.Len(t, f.couch.RefreshTokens("alice"), 2)

		req := withCookies(httptest.NewRequest(http.MethodPost, "/api/logout", nil), map[string]string{
			RefreshTokenCookie: first[RefreshTokenCookie].Value,
		})
		rr := httptest.NewRecorder()
		ErrorHandlingMiddleware(f.auth.Logout).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Empty(t, f.couch.RefreshTokens("alice"))
	})
}

func TestAuthHandler_Session(t *testing.T) {
	f := newGatewayFixture(t)
	handler := f.session.Authenticate(ErrorHandlingMiddleware(f.auth.Session))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	res, err := f.rotation.IssueInitialPair(context.Background(), &model.Session{Name: "alice"})
	require.NoError(t, err)

	req := withCookies(httptest.NewRequest(http.MethodGet, "/api/session", nil), map[string]string{
		AccessTokenCookie: res.Pair.AccessToken,
	})
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"name":"alice","roles":["user"]}`, rr.Body.String())
}
