package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ledger-auth-gateway/common"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck godoc
// @Summary      Show the status of server
// @Description  get the status of server
// @Tags         health
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "API is healthy and running"})
}

// ReadinessCheck godoc
// @Summary      Show whether the datastore is reachable
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Failure      503  {object}  common.AppError
// @Router       /ready [get]
func ReadinessCheck(datastore Pinger) http.HandlerFunc {
	return ErrorHandlingMiddleware(func(w http.ResponseWriter, r *http.Request) *common.AppError {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := datastore.Ping(ctx); err != nil {
			return common.NewAppError(http.StatusServiceUnavailable, "Datastore is not reachable", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
		return nil
	})
}
