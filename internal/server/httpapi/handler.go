package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/logging"
	"github.com/dmitrijs2005/gatekeeper/internal/server/metrics"
	"github.com/dmitrijs2005/gatekeeper/internal/server/oauth"
	"github.com/dmitrijs2005/gatekeeper/internal/server/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Deps struct {
	Sessions  *services.SessionService
	Providers oauth.Registry
	States    oauth.StateStore
	Metrics   *metrics.Metrics
	Logger    logging.Logger
}

type Handler struct {
	sessions  *services.SessionService
	providers oauth.Registry
	states    oauth.StateStore
	metrics   *metrics.Metrics
	logger    logging.Logger
}

// NewRouter wires every route onto a fresh chi router.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logging.Nop{}
	}
	if d.States == nil {
		d.States = oauth.NewMemoryStateStore(oauth.DefaultStateTTL)
	}
	h := &Handler{
		sessions:  d.Sessions,
		providers: d.Providers,
		states:    d.States,
		metrics:   d.Metrics,
		logger:    d.Logger.With("module", "http"),
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(30*time.Second),
	)
	if h.metrics != nil {
		r.Use(h.observe)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	r.Get("/healthz", h.Healthz)
	r.Route("/auth", h.authRoutes)
	return r
}

func (h *Handler) authRoutes(r chi.Router) {
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/refresh", h.Refresh)
	r.Post("/verify-email", h.VerifyEmail)
	r.Post("/password/forgot", h.ForgotPassword)
	r.Post("/password/reset", h.ResetPassword)
	r.Get("/oauth/{provider}/start", h.OAuthStart)
	r.Get("/oauth/{provider}/callback", h.OAuthCallback)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
		r.Post("/verify-email/resend", h.ResendVerification)
		r.Post("/password/change", h.ChangePassword)
		r.Patch("/profile", h.UpdateProfile)
		r.Delete("/account", h.DeleteAccount)
		r.Post("/admin/users/{id}/logout", h.ForceLogout)
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(r.Context(), h.logger, w, err)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.sessions.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// LoginRequest takes a username or an email address as the identifier.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.sessions.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromContext(r.Context())
	if err := h.sessions.Logout(r.Context(), u.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, u.Summary())
}

type TokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.sessions.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u.Summary())
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromContext(r.Context())
	if err := h.sessions.ResendVerification(r.Context(), u.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.sessions.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.sessions.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword answers with a pair at the new epoch; every other session
// of the user is revoked.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromContext(r.Context())
	var req ChangePasswordRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	pair, err := h.sessions.ChangePassword(r.Context(), u.ID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type UpdateProfileRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromContext(r.Context())
	var req UpdateProfileRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	updated, err := h.sessions.UpdateProfile(r.Context(), u.ID, req.Username, req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Summary())
}

type DeleteAccountRequest struct {
	Password string `json:"password"`
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromContext(r.Context())
	var req DeleteAccountRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if err := h.sessions.DeleteAccount(r.Context(), u.ID, req.Password); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ForceLogout(w http.ResponseWriter, r *http.Request) {
	admin, _ := userFromContext(r.Context())
	if err := h.sessions.ForceLogout(r.Context(), admin.ID, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OAuthStart redirects the browser to the provider's consent page.
func (h *Handler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	p, err := h.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	state, pending, err := oauth.Begin(r.Context(), h.states, p.Name())
	if err != nil {
		h.logger.Error(r.Context(), "oauth state not stored", "provider", p.Name(), "error", err)
		writeError(w, http.StatusServiceUnavailable, "oauth temporarily unavailable")
		return
	}
	http.Redirect(w, r, p.AuthCodeURL(state, pending.Verifier), http.StatusFound)
}

// OAuthCallback completes the handshake. The state is consumed before
// anything else so a replayed callback fails even if the exchange errors.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "provider")
	q := r.URL.Query()

	pending, err := h.states.Take(ctx, q.Get("state"))
	if err != nil {
		if !errors.Is(err, common.ErrInvalidToken) {
			h.logger.Error(ctx, "oauth state lookup failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "oauth temporarily unavailable")
			return
		}
		h.fail(w, r, err)
		return
	}
	if pending.Provider != name {
		h.fail(w, r, common.ErrInvalidToken)
		return
	}
	if e := q.Get("error"); e != "" {
		h.logger.Info(ctx, "oauth consent denied", "provider", name, "reason", e)
		h.fail(w, r, common.ErrorUnauthorized)
		return
	}
	code := q.Get("code")
	if code == "" {
		h.fail(w, r, common.ErrorValidation)
		return
	}

	p, err := h.providers.Get(name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	profile, err := p.Exchange(ctx, code, pending.Verifier)
	if err != nil {
		if errors.Is(err, common.ErrorUnauthorized) || errors.Is(err, common.ErrorValidation) {
			h.fail(w, r, err)
			return
		}
		h.logger.Error(ctx, "oauth provider error", "provider", name, "error", err)
		writeError(w, http.StatusBadGateway, "identity provider unavailable")
		return
	}

	res, err := h.sessions.OAuthCallback(ctx, profile)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
