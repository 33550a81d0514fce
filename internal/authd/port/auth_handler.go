// Package port exposes the auth service over HTTP. Handlers translate JSON
// requests into app-layer calls and map domain errors through errmap.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/taskhive/auth-core/internal/auth"
	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/errmap"
)

// maxBodyBytes bounds request bodies; auth payloads are tiny.
const maxBodyBytes = 64 << 10

// authService is a narrow, consumer-defined interface for the auth service
// operations the handler requires. The *app.AuthService satisfies this.
type authService interface {
	SendCode(ctx context.Context, rawPhone, countryCode, clientIP string) (*app.SendCodeResult, error)
	VerifyCode(ctx context.Context, rawPhone, candidate, countryCode, clientIP, userAgent, deviceInfo string) (*app.VerifyCodeResult, error)
	Refresh(ctx context.Context, refreshToken string) (*app.RefreshResult, error)
	SelectRole(ctx context.Context, userID, rawRole string) (*app.UserRecord, error)
	Logout(ctx context.Context, accessToken string) error
	Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error)
}

// AuthHandler serves the verification and credential endpoints.
type AuthHandler struct {
	svc    authService
	probes []app.HealthProbe
	logger *slog.Logger
}

// NewAuthHandler creates an AuthHandler backed by the given AuthService.
// The probes back the /readyz deep readiness endpoint.
func NewAuthHandler(svc *app.AuthService, logger *slog.Logger, probes ...app.HealthProbe) *AuthHandler {
	return &AuthHandler{svc: svc, probes: probes, logger: logger}
}

// Register mounts the auth routes on mux.
func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/auth/code", h.SendCode)
	mux.HandleFunc("POST /v1/auth/verify", h.VerifyCode)
	mux.HandleFunc("POST /v1/auth/refresh", h.Refresh)
	mux.HandleFunc("POST /v1/auth/role", h.SelectRole)
	mux.HandleFunc("POST /v1/auth/logout", h.Logout)
	mux.HandleFunc("GET /readyz", h.Readiness)
}

type sendCodeRequest struct {
	Phone       string `json:"phone"`
	CountryCode string `json:"country_code"`
}

type sendCodeResponse struct {
	NextResendAt time.Time `json:"next_resend_at"`
}

// SendCode issues and delivers a verification code.
func (h *AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	result, err := h.svc.SendCode(r.Context(), req.Phone, req.CountryCode, clientIP(r))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, sendCodeResponse{NextResendAt: result.NextResendAt})
}

type verifyCodeRequest struct {
	Phone       string `json:"phone"`
	Code        string `json:"code"`
	CountryCode string `json:"country_code"`
	DeviceInfo  string `json:"device_info,omitempty"`
}

type verifyCodeResponse struct {
	UserID                string `json:"user_id"`
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int    `json:"expires_in"`
	Role                  string `json:"role,omitempty"`
	RequiresRoleSelection bool   `json:"requires_role_selection"`
	IsNewUser             bool   `json:"is_new_user"`
}

// VerifyCode checks a verification code and returns a credential pair.
func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	result, err := h.svc.VerifyCode(r.Context(),
		req.Phone, req.Code, req.CountryCode, clientIP(r), r.UserAgent(), req.DeviceInfo)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyCodeResponse{
		UserID:                result.UserID,
		AccessToken:           result.AccessToken,
		RefreshToken:          result.RefreshToken,
		ExpiresIn:             result.ExpiresIn,
		Role:                  result.Role,
		RequiresRoleSelection: result.RequiresRoleSelection,
		IsNewUser:             result.IsNewUser,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh rotates a refresh credential and returns a new pair.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	result, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresIn:    result.ExpiresIn,
	})
}

type selectRoleRequest struct {
	Role string `json:"role"`
}

type selectRoleResponse struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Verified bool   `json:"verified"`
}

// SelectRole commits the caller's one-time role choice. Requires a valid
// access credential.
func (h *AuthHandler) SelectRole(w http.ResponseWriter, r *http.Request) {
	claims, err := h.svc.Authenticate(r.Context(), extractBearerToken(r))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	var req selectRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	user, err := h.svc.SelectRole(r.Context(), claims.Subject, req.Role)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, selectRoleResponse{
		UserID:   user.UserID,
		Role:     user.Role,
		Verified: user.Verified,
	})
}

// Logout revokes the caller's access credential and every refresh
// credential of the account.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context(), extractBearerToken(r)); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Readiness probes every backend and reports 503 when any is unreachable.
// /healthz stays shallow; this endpoint is for deployment gates.
func (h *AuthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	status := app.CheckHealth(r.Context(), h.probes...)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// errorResponse is the wire shape of every error body.
type errorResponse struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func (h *AuthHandler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	he := errmap.ToHTTPError(err)
	if he.StatusCode >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", "error", err, "code", he.Code)
	}

	body := errorResponse{Code: he.Code, Message: he.Message}
	if he.RetryAfter > 0 {
		secs := int(he.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, he.StatusCode, body)
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads one JSON object from the request body. Malformed input
// maps to the invalid-input domain error so errmap renders a 400.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(err, domain.ErrInvalidInput))
	}
	return nil
}

// extractBearerToken pulls the bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(value, prefix) {
		return value[len(prefix):]
	}
	return value
}

// clientIP resolves the caller address: the first X-Forwarded-For entry when
// a proxy set one, otherwise the connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
