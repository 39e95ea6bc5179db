package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/autherr"
	"identity-service/internal/model"
	"identity-service/internal/phone"
	"identity-service/internal/service"
	"identity-service/internal/session"
	"identity-service/internal/util"
)

var validate = validator.New()

// SubjectResolver maps a verified OTP target to the session subject and role.
type SubjectResolver interface {
	Resolve(ctx context.Context, channel model.Channel, target string) (subject, role string, err error)
}

var subjectNamespace = uuid.MustParse("6f1c3a52-5d0e-4b8e-9a55-2f7d9c1e8b40")

// DeterministicSubjects derives a stable UUID per (channel, target) and grants
// the student role.
type DeterministicSubjects struct{}

func (DeterministicSubjects) Resolve(_ context.Context, channel model.Channel, target string) (string, string, error) {
	return uuid.NewSHA1(subjectNamespace, []byte(string(channel)+":"+target)).String(), model.RoleStudent, nil
}

// AuthHandler exposes OTP, OAuth state and session operations over HTTP.
type AuthHandler struct {
	otp      *service.OTPLedger
	states   *service.OAuthStateManager
	sessions *session.Issuer
	subjects SubjectResolver
	phones   *phone.Normalizer
	logger   *zap.Logger
}

func NewAuthHandler(
	otp *service.OTPLedger,
	states *service.OAuthStateManager,
	sessions *session.Issuer,
	subjects SubjectResolver,
	phones *phone.Normalizer,
	logger *zap.Logger,
) *AuthHandler {
	if subjects == nil {
		subjects = DeterministicSubjects{}
	}
	if phones == nil {
		phones = phone.Default()
	}
	return &AuthHandler{
		otp:      otp,
		states:   states,
		sessions: sessions,
		subjects: subjects,
		phones:   phones,
		logger:   logger.With(zap.String("component", "auth_handler")),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type SendCodeRequest struct {
	Channel string `json:"channel" validate:"required,oneof=EMAIL PHONE email phone"`
	Target  string `json:"target" validate:"required,max=254"`
}

type VerifyCodeRequest struct {
	Channel string `json:"channel" validate:"required,oneof=EMAIL PHONE email phone"`
	Target  string `json:"target" validate:"required,max=254"`
	Code    string `json:"code" validate:"required,numeric,min=4,max=10"`
}

type StateRequest struct {
	RedirectURI string `json:"redirect_uri" validate:"omitempty,uri,max=2048"`
	TTLMinutes  int    `json:"ttl_minutes" validate:"omitempty,min=1,max=60"`
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.SendCode)
		r.Post("/verify", h.VerifyCode)
	})
	router.Route("/oauth/{provider}", func(r chi.Router) {
		r.Post("/state", h.CreateState)
		r.Get("/callback", h.Callback)
	})
	router.Get("/session", h.Session)
}

// SendCode handles POST /otp/send.
func (h *AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	var req SendCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	channel, _ := model.ParseChannel(req.Channel)

	issued, err := h.otp.RequestCode(r.Context(), channel, req.Target)
	if err != nil {
		h.respondWithError(w, err, "Failed to send code")
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data: map[string]interface{}{
			"channel":    issued.Channel,
			"target":     h.displayTarget(issued.Channel, issued.Target),
			"expires_at": issued.ExpiresAt,
		},
		Message: "Code sent",
	})
}

// VerifyCode handles POST /otp/verify and returns a session token on success.
func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req VerifyCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	channel, _ := model.ParseChannel(req.Channel)

	v, err := h.otp.VerifyCode(ctx, channel, req.Target, req.Code)
	if err != nil {
		h.respondWithError(w, err, "Verification failed")
		return
	}

	// The code is spent from here on; failures below leave the caller
	// without a session and needing a new code.
	subject, role, err := h.subjects.Resolve(ctx, v.Channel, v.Target)
	if err != nil {
		h.logger.Error("code consumed but subject resolution failed",
			zap.String("channel", string(v.Channel)),
			util.Target("target", v.Target),
			zap.Error(err))
		h.respondWithError(w, fmt.Errorf("failed to resolve subject: %w", err), "Verification failed")
		return
	}
	token, err := h.sessions.Issue(subject, role)
	if err != nil {
		h.logger.Error("code consumed but session issue failed",
			zap.String("channel", string(v.Channel)),
			zap.String("subject", subject),
			zap.Error(err))
		h.respondWithError(w, err, "Failed to issue session")
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"token":      token,
			"token_type": "Bearer",
			"expires_in": int64(h.sessions.Lifetime() / time.Second),
			"subject":    subject,
			"role":       role,
		},
		Message: "Verified",
	})
}

// CreateState handles POST /oauth/{provider}/state.
func (h *AuthHandler) CreateState(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req StateRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if util.ContainsSuspicious(req.RedirectURI) {
		h.respondWithError(w, fmt.Errorf("%w: redirect_uri", autherr.ErrValidation), "Invalid request")
		return
	}

	state, err := h.states.GenerateState(r.Context(), provider, req.RedirectURI, req.TTLMinutes)
	if err != nil {
		h.respondWithError(w, err, "Failed to create state")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, Response{
		Success: true,
		Data:    map[string]string{"state": state, "provider": strings.ToLower(provider)},
	})
}

// Callback handles GET /oauth/{provider}/callback. Exchanging the provider
// code for an identity happens after the state is consumed and is not part
// of this service.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	state := r.URL.Query().Get("state")

	redirectURI, err := h.states.ValidateAndConsume(r.Context(), state, provider)
	if err != nil {
		h.respondWithError(w, err, "Invalid OAuth state")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]string{
			"provider":     strings.ToLower(provider),
			"redirect_uri": redirectURI,
			"code":         util.SanitizeInput(r.URL.Query().Get("code")),
		},
	})
}

// Session handles GET /session and echoes the claims of a bearer token.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		h.respondWithError(w, autherr.ErrUnauthorized, "Missing bearer token")
		return
	}
	claims, err := h.sessions.Validate(token)
	if err != nil {
		h.respondWithError(w, err, "Invalid session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Data: claims})
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondWithError(w, fmt.Errorf("%w: %v", autherr.ErrValidation, err), "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.respondWithError(w, fmt.Errorf("%w: %s", autherr.ErrValidation, describeValidation(err)), "Invalid request")
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func (h *AuthHandler) displayTarget(channel model.Channel, target string) string {
	if channel == model.ChannelPhone {
		return h.phones.FormatForDisplay(target)
	}
	return util.MaskTarget(target)
}

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err to a status code. Internal errors are logged
// but never echoed to the client.
func (h *AuthHandler) respondWithError(w http.ResponseWriter, err error, message string) {
	kind := autherr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response", util.ErrorField(err), util.Int("status_code", status))
	} else {
		h.logger.Debug("HTTP error response", util.ErrorField(err), util.Int("status_code", status))
	}
	if kind == autherr.KindValidation {
		message = message + ": " + util.SanitizeInput(err.Error())
	}
	h.respondWithJSON(w, status, Response{Success: false, Error: kind, Message: message})
}

func statusFor(kind string) int {
	switch kind {
	case autherr.KindNotFound:
		return http.StatusNotFound
	case autherr.KindExpired:
		return http.StatusGone
	case autherr.KindInvalidCode, autherr.KindUnauthorized:
		return http.StatusUnauthorized
	case autherr.KindTooManyAttempts, autherr.KindRateLimited:
		return http.StatusTooManyRequests
	case autherr.KindProviderMismatch, autherr.KindValidation:
		return http.StatusBadRequest
	case autherr.KindSendFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
