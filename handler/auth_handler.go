package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"
	"ledger-auth-gateway/service"

	"github.com/sirupsen/logrus"
)

type AuthHandler struct {
	auth     service.ICredentialAuthenticator
	rotation *service.RotationService
	cookies  CookiePolicy
}

func NewAuthHandler(auth service.ICredentialAuthenticator, rotation *service.RotationService, cookies CookiePolicy) *AuthHandler {
	return &AuthHandler{auth: auth, rotation: rotation, cookies: cookies}
}

// Login godoc
// @Summary      Log in
// @Description  Checks the credentials against the datastore and sets the AccessToken and RefreshToken cookies.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        credentials  body      model.LoginRequest  true  "Credentials"
// @Success      200          {object}  model.Session
// @Failure      400          {object}  common.AppError
// @Failure      401          {object}  common.AppError
// @Failure      429          {object}  common.AppError
// @Failure      500          {object}  common.AppError
// @Router       /api/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) *common.AppError {
	var req model.LoginRequest
	if appErr := common.DecodeAndValidate(r, &req); appErr != nil {
		return appErr
	}

	log := logger.Log.WithFields(logrus.Fields{
		"name":       req.Username,
		"request_id": RequestIDFromContext(r.Context()),
	})
	log.Info("Login request received")

	session, err := h.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, common.ErrUpstreamUnavailable) {
			h.cookies.Clear(w)
			return common.NewAppError(http.StatusInternalServerError, "Authentication service unavailable", err)
		}
		return common.NewAppError(http.StatusUnauthorized, "Invalid credentials", err)
	}

	res, err := h.rotation.IssueInitialPair(r.Context(), session)
	if err != nil {
		h.cookies.Clear(w)
		return common.NewAppError(http.StatusInternalServerError, "Could not start session", err)
	}

	h.cookies.SetTokens(w, res.Pair)
	log.Info("Login succeeded")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(session)
	return nil
}

// Logout godoc
// @Summary      Log out
// @Description  Revokes every session of the refresh token's owner and clears both cookies.
// @Tags         auth
// @Success      204
// @Failure      500  {object}  common.AppError
// @Router       /api/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) *common.AppError {
	h.cookies.Clear(w)

	if refresh := cookieValue(r, RefreshTokenCookie); refresh != "" {
		if err := h.rotation.Revoke(r.Context(), refresh); err != nil {
			return common.NewAppError(http.StatusInternalServerError, "Could not revoke session", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Session godoc
// @Summary      Current session
// @Description  Returns the caller's name and roles, refreshing the access token if needed.
// @Tags         auth
// @Produce      json
// @Success      200  {object}  model.Session
// @Failure      401  {object}  common.AppError
// @Router       /api/session [get]
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) *common.AppError {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return common.NewAppError(http.StatusUnauthorized, "No active session", nil)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(model.Session{Name: claims.Name, Roles: claims.Roles})
	return nil
}
