package router

import (
	"net/http"

	_ "ledger-auth-gateway/docs"
	"ledger-auth-gateway/handler"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
)

// Handlers groups everything the router dispatches to.
type Handlers struct {
	Auth      *handler.AuthHandler
	Admin     *handler.AdminHandler
	Proxy     *handler.ProxyHandler
	Session   *handler.SessionMiddleware
	Limiter   *handler.RateLimiter
	Datastore handler.Pinger
	AdminRole string
}

func NewRouter(h Handlers) http.Handler {
	r := mux.NewRouter()
	r.Use(handler.RequestID, handler.AccessLog)

	r.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)
	if h.Datastore != nil {
		r.Handle("/ready", handler.ReadinessCheck(h.Datastore)).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	if h.Auth != nil {
		api := r.PathPrefix("/api").Subrouter()

		login := http.Handler(handler.ErrorHandlingMiddleware(h.Auth.Login))
		if h.Limiter != nil {
			login = h.Limiter.Middleware(login)
		}
		api.Handle("/login", login).Methods(http.MethodPost)
		api.Handle("/logout", handler.ErrorHandlingMiddleware(h.Auth.Logout)).Methods(http.MethodPost)
		api.Handle("/session", h.Session.Authenticate(handler.ErrorHandlingMiddleware(h.Auth.Session))).Methods(http.MethodGet)

		if h.Admin != nil {
			restart := handler.RequireRole(h.AdminRole)(handler.ErrorHandlingMiddleware(h.Admin.Restart))
			api.Handle("/admin/restart", h.Session.Authenticate(restart)).Methods(http.MethodPost)
		}
	}

	if h.Proxy != nil {
		proxy := h.Session.Authenticate(h.Proxy)
		r.Handle(handler.ProxyPrefix, proxy)
		r.PathPrefix(handler.ProxyPrefix + "/").Handler(proxy)
	}

	return r
}
