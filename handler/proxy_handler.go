package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	ProxyPrefix     = "/proxy"
	maxProxyBodyLen = 10 << 20

	// couchSessionCookie is the datastore's own session credential.
	couchSessionCookie = "AuthSession"
)

// ProxyHandler forwards /proxy/* to the datastore with the caller's access
// token as the bearer credential. The client's Authorization header and
// cookies are never forwarded, and datastore session cookies never reach the
// client.
type ProxyHandler struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
}

func NewProxyHandler(target *url.URL, transport http.RoundTripper) *ProxyHandler {
	h := &ProxyHandler{target: target}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:        h.rewrite,
		Transport:      transport,
		ModifyResponse: stripSessionCookies,
		ErrorHandler:   h.errorHandler,
	}
	return h
}

func (h *ProxyHandler) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Path = stripProxyPrefix(pr.In.URL.Path)
	pr.Out.URL.RawPath = stripProxyPrefix(pr.In.URL.RawPath)
	pr.SetURL(h.target)
	pr.SetXForwarded()

	pr.Out.Header.Del("Authorization")
	pr.Out.Header.Del("Cookie")
	if token := AccessTokenFromContext(pr.In.Context()); token != "" {
		pr.Out.Header.Set("Authorization", "Bearer "+token)
	}
	if id := RequestIDFromContext(pr.In.Context()); id != "" {
		pr.Out.Header.Set(RequestIDHeader, id)
	}
	otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
}

func (h *ProxyHandler) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	logger.Log.WithFields(logrus.Fields{
		"request_id": RequestIDFromContext(r.Context()),
		"path":       r.URL.Path,
		"error":      err,
	}).Error("Proxying to datastore failed")
	common.NewAppError(http.StatusBadGateway, "Datastore unavailable", nil).Send(w)
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Change feeds and long polls outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Log.WithError(err).Debug("Could not lift write deadline for proxied request")
	}
	if appErr := normalizeJSONBody(w, r); appErr != nil {
		appErr.Send(w)
		return
	}
	h.proxy.ServeHTTP(w, r)
}

func stripProxyPrefix(p string) string {
	if p == "" {
		return ""
	}
	p = strings.TrimPrefix(p, ProxyPrefix)
	if p == "" {
		return "/"
	}
	return p
}

// stripSessionCookies drops datastore session cookies, e.g. from a proxied
// POST /_session, so the client never holds a datastore credential.
func stripSessionCookies(resp *http.Response) error {
	values := resp.Header.Values("Set-Cookie")
	if len(values) == 0 {
		return nil
	}
	resp.Header.Del("Set-Cookie")
	for _, v := range values {
		if c, err := http.ParseSetCookie(v); err == nil && c.Name == couchSessionCookie {
			continue
		}
		resp.Header.Add("Set-Cookie", v)
	}
	return nil
}

// normalizeJSONBody re-encodes JSON bodies of mutating requests so the
// upstream always receives well-formed JSON. Other bodies pass through.
func normalizeJSONBody(w http.ResponseWriter, r *http.Request) *common.AppError {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBodyLen))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return common.NewAppError(http.StatusRequestEntityTooLarge, "Request body too large", err)
		}
		return common.NewAppError(http.StatusBadRequest, "Could not read request body", err)
	}
	r.Body.Close()

	var body []byte
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil || dec.More() {
			return common.NewAppError(http.StatusBadRequest, "Invalid JSON body", common.ErrValidationFailed)
		}
		if body, err = json.Marshal(v); err != nil {
			return common.NewAppError(http.StatusBadRequest, "Invalid JSON body", err)
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}
