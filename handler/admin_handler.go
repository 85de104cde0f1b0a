package handler

import (
	"encoding/json"
	"net/http"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"

	"github.com/sirupsen/logrus"
)

// Restarter schedules an in-process restart. It must not block.
type Restarter interface {
	Restart()
}

type AdminHandler struct {
	restarter Restarter
}

func NewAdminHandler(restarter Restarter) *AdminHandler {
	return &AdminHandler{restarter: restarter}
}

// Restart godoc
// @Summary      Restart the gateway
// @Description  Reloads configuration and rebuilds the server after the response is sent. Requires the admin role.
// @Tags         admin
// @Produce      json
// @Success      202  {object}  map[string]string
// @Failure      401  {object}  common.AppError
// @Failure      403  {object}  common.AppError
// @Router       /api/admin/restart [post]
func (h *AdminHandler) Restart(w http.ResponseWriter, r *http.Request) *common.AppError {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return common.NewAppError(http.StatusUnauthorized, "Authentication required", nil)
	}

	logger.Log.WithFields(logrus.Fields{
		"name":       claims.Name,
		"request_id": RequestIDFromContext(r.Context()),
	}).Warn("Restart requested by admin")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "restarting"})

	h.restarter.Restart()
	return nil
}
