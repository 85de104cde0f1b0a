package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"ledger-auth-gateway/couchtest"
	"ledger-auth-gateway/repository"
	"ledger-auth-gateway/service"

	"github.com/stretchr/testify/require"
)

const (
	testAccessTTL  = 15 * time.Second
	testRefreshTTL = time.Hour
)

// upstreamRecorder is a stand-in for the proxied datastore that remembers
// the last request it received.
type upstreamRecorder struct {
	*httptest.Server

	mu    sync.Mutex
	calls int
	last  *http.Request
	body  string
}

func newUpstream(t *testing.T) *upstreamRecorder {
	t.Helper()
	u := &upstreamRecorder{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.calls++
		u.last = r
		u.body = string(body)
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstreamRecorder) lastRequest() (*http.Request, string, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last, u.body, u.calls
}

type fakeRestarter struct {
	mu    sync.Mutex
	count int
}

func (f *fakeRestarter) Restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func (f *fakeRestarter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type gatewayFixture struct {
	couch     *couchtest.Server
	upstream  *upstreamRecorder
	tokens    *service.TokenService
	rotation  *service.RotationService
	cookies   CookiePolicy
	auth      *AuthHandler
	session   *SessionMiddleware
	proxy     http.Handler
	restarter *fakeRestarter
	admin     http.Handler
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	couch := couchtest.NewServer(t)
	couch.AddUser("alice", "wonderland", "user")
	couch.AddUser("root", "toor", "user", "admin")

	repo, err := repository.NewCouchRecordRepository(couch.URL, couchtest.UsersDB, couchtest.AdminUser, couchtest.AdminPassword, couch.Client())
	require.NoError(t, err)

	tokens, err := service.NewTokenService("access-secret", "refresh-secret")
	require.NoError(t, err)
	records := service.NewRecordService(repo, service.RetryConfig{InitialInterval: time.Millisecond, MaxElapsedTime: time.Second, MaxAttempts: 3})
	rotation := service.NewRotationService(tokens, records, service.RotationConfig{AccessTTL: testAccessTTL, RefreshTTL: testRefreshTTL})

	cookies := CookiePolicy{Secure: true, SameSite: http.SameSiteStrictMode, AccessTTL: testAccessTTL, RefreshTTL: testRefreshTTL}
	session := NewSessionMiddleware(tokens, rotation, cookies)

	upstream := newUpstream(t)
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	restarter := &fakeRestarter{}
	admin := session.Authenticate(RequireRole("admin")(ErrorHandlingMiddleware(NewAdminHandler(restarter).Restart)))

	return &gatewayFixture{
		couch:     couch,
		upstream:  upstream,
		tokens:    tokens,
		rotation:  rotation,
		cookies:   cookies,
		auth:      NewAuthHandler(service.NewCouchAuthenticator(couch.URL, couch.Client()), rotation, cookies),
		session:   session,
		proxy:     RequestID(session.Authenticate(NewProxyHandler(target, nil))),
		restarter: restarter,
		admin:     admin,
	}
}

func responseCookies(rr *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range rr.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func withCookies(r *http.Request, cookies map[string]string) *http.Request {
	for name, value := range cookies {
		r.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return r
}
