package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"ledger-auth-gateway/model"
)

const (
	AccessTokenCookie  = "AccessToken"
	RefreshTokenCookie = "RefreshToken"
)

// CookiePolicy decides the attributes of the two token cookies.
type CookiePolicy struct {
	Secure     bool
	SameSite   http.SameSite
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func ParseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return http.SameSiteStrictMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("unknown same-site mode %q", s)
	}
}

func (p CookiePolicy) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	}
}

// SetTokens writes both cookies for a freshly issued pair.
func (p CookiePolicy) SetTokens(w http.ResponseWriter, pair model.TokenPair) {
	http.SetCookie(w, p.cookie(AccessTokenCookie, pair.AccessToken, int(p.AccessTTL.Seconds())))
	http.SetCookie(w, p.cookie(RefreshTokenCookie, pair.RefreshToken, int(p.RefreshTTL.Seconds())))
}

// Clear expires both cookies in the browser.
func (p CookiePolicy) Clear(w http.ResponseWriter) {
	http.SetCookie(w, p.cookie(AccessTokenCookie, "", -1))
	http.SetCookie(w, p.cookie(RefreshTokenCookie, "", -1))
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
