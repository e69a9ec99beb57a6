package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"secure-store/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

const forgotPasswordMessage = "if the account exists, password reset instructions have been sent"

// ResetDelivery hands a freshly issued reset grant to the user out of band.
type ResetDelivery interface {
	DeliverReset(ctx context.Context, grant ResetGrant) error
}

// LogDelivery records that a grant was issued. It never logs the token.
type LogDelivery struct {
	logger *observability.Logger
}

func NewLogDelivery(logger *observability.Logger) *LogDelivery {
	return &LogDelivery{logger: logger}
}

func (d *LogDelivery) DeliverReset(_ context.Context, grant ResetGrant) error {
	d.logger.Info("password_reset_issued", map[string]any{
		"user_id":    grant.UserID,
		"expires_at": grant.ExpiresAt.Format(time.RFC3339),
	})
	return nil
}

type Handler struct {
	service          *Service
	logger           *observability.Logger
	delivery         ResetDelivery
	exposeResetToken bool
}

func NewHandler(service *Service, logger *observability.Logger, delivery ResetDelivery, exposeResetToken bool) *Handler {
	if delivery == nil {
		delivery = NewLogDelivery(logger)
	}
	return &Handler{
		service:          service,
		logger:           logger,
		delivery:         delivery,
		exposeResetToken: exposeResetToken,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type createUserRequest struct {
	registerRequest
	Role string `json:"role"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type updateProfileRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// Register always creates a USER; admins create other admins via CreateUser.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	profile, err := h.service.Register(r.Context(), RegisterInput{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
		FullName: body.FullName,
	})
	if err != nil {
		writeServiceError(w, r, err, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	result, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		writeServiceError(w, r, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	result, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Logout revokes the refresh token in the body when one is given, otherwise
// every refresh token of the caller.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body refreshRequest
	if !decodeJSON(w, r, &body, true) {
		return
	}

	var err error
	if token := strings.TrimSpace(body.RefreshToken); token != "" {
		err = h.service.LogoutToken(r.Context(), principal.UserID, token)
	} else {
		err = h.service.Logout(r.Context(), principal.UserID)
	}
	if err != nil {
		writeServiceError(w, r, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	profile, err := h.service.CurrentUser(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, r, err, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body updateProfileRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	profile, err := h.service.UpdateProfile(r.Context(), principal.UserID, body.FullName, body.Email)
	if err != nil {
		writeServiceError(w, r, err, "failed to update profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	err := h.service.ChangePassword(r.Context(), principal.UserID, body.CurrentPassword, body.NewPassword, body.ConfirmPassword)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "current password is incorrect")
			return
		}
		writeServiceError(w, r, err, "failed to change password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ForgotPassword answers the same way whether or not the email is known.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	response := map[string]any{"status": "ok", "message": forgotPasswordMessage}

	grant, err := h.service.ForgotPassword(r.Context(), body.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeJSON(w, http.StatusOK, response)
			return
		}
		writeServiceError(w, r, err, "failed to start password reset")
		return
	}

	if err := h.delivery.DeliverReset(r.Context(), grant); err != nil {
		observability.CaptureError(r.Context(), err)
		h.logger.Error("password_reset_delivery_failed", map[string]any{"user_id": grant.UserID, "error": err.Error()})
	}

	if h.exposeResetToken {
		response["reset_token"] = grant.Token
		response["expires_at"] = grant.ExpiresAt
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		writeServiceError(w, r, err, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.service.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, profiles)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var body createUserRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	profile, err := h.service.Register(r.Context(), RegisterInput{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
		FullName: body.FullName,
		Role:     body.Role,
	})
	if err != nil {
		writeServiceError(w, r, err, "failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	if principal, ok := PrincipalFromContext(r.Context()); ok && principal.UserID == id {
		writeError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}

	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		writeServiceError(w, r, err, "failed to delete user")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	return true
}

// writeServiceError maps service errors onto status codes. Anything
// unrecognised is a 500 and goes to Sentry.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var validationErr ValidationError

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validationErr.Error(),
			"field": validationErr.Field,
		})
	case errors.Is(err, ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token expired")
	case errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrDuplicateIdentity):
		writeError(w, http.StatusConflict, "username or email already exists")
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, ErrStaleUser):
		writeError(w, http.StatusConflict, "user was modified concurrently, retry")
	default:
		observability.CaptureError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
