package identity

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/auth"
	"github.com/diagnoseai/diagnoseai/internal/platform/middleware"
)

// Login attempts allowed per client IP.
const (
	loginPerMinute = 10
	loginBurst     = 5
)

type Handler struct {
	svc          *Service
	sessions     *auth.SessionManager
	secureCookie bool
}

func NewHandler(svc *Service, sessions *auth.SessionManager, secureCookie bool) *Handler {
	return &Handler{svc: svc, sessions: sessions, secureCookie: secureCookie}
}

// RegisterRoutes mounts the account endpoints. public carries no session
// requirement; private must already be behind auth.RequireSession.
func (h *Handler) RegisterRoutes(public, private *echo.Group) {
	public.POST("/auth/register", h.Register)
	public.POST("/auth/login", h.Login, middleware.Throttle(loginPerMinute, loginBurst))

	private.POST("/auth/logout", h.Logout)
	private.GET("/auth/me", h.Me)
	private.POST("/auth/delete", h.DeleteAccount)
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

type loginRequest struct {
	Login    string `json:"login" form:"login"`
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type sessionResponse struct {
	User      *User     `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	login := strings.TrimSpace(req.Login)
	if login == "" {
		login = strings.TrimSpace(req.Username)
	}
	if login == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	u, err := h.svc.Authenticate(c.Request().Context(), login, req.Password)
	if err != nil {
		if apperr.IsValidation(err) {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		return apperr.HTTPError(err)
	}
	token, exp, err := h.sessions.Issue(u.ID, u.Username)
	if err != nil {
		return apperr.HTTPError(err)
	}
	auth.SetSessionCookie(c, token, exp, h.secureCookie)
	return c.JSON(http.StatusOK, sessionResponse{User: u, Token: token, ExpiresAt: exp})
}

func (h *Handler) Logout(c echo.Context) error {
	if claims := auth.ClaimsFromContext(c.Request().Context()); claims != nil {
		h.sessions.Revoke(claims)
	}
	auth.ClearSessionCookie(c, h.secureCookie)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Me(c echo.Context) error {
	uid, ok := auth.UserIDFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "login required")
	}
	u, err := h.svc.Get(c.Request().Context(), uid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"user": u, "display_name": u.DisplayName()})
}

type deleteAccountRequest struct {
	Password string `json:"password" form:"password"`
	Confirm  string `json:"confirm" form:"confirm"`
}

// DeleteAccount requires the current password and the literal confirmation
// "DELETE".
func (h *Handler) DeleteAccount(c echo.Context) error {
	uid, ok := auth.UserIDFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "login required")
	}
	var req deleteAccountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Confirm != "DELETE" {
		return echo.NewHTTPError(http.StatusBadRequest, `type DELETE to confirm account deletion`)
	}
	if err := h.svc.Delete(c.Request().Context(), uid, req.Password); err != nil {
		return apperr.HTTPError(err)
	}
	h.sessions.RevokeUser(uid)
	auth.ClearSessionCookie(c, h.secureCookie)
	return c.NoContent(http.StatusNoContent)
}
