package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey  contextKey = "user_id"
	ClaimsKey  contextKey = "session_claims"
	CookieName            = "diagnoseai_session"
)

// RequireSession authenticates the request from the session cookie or an
// Authorization bearer token. Unauthenticated requests get 401.
func RequireSession(sm *SessionManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := tokenFromRequest(c)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "login required")
			}
			claims, err := sm.Parse(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "login required")
			}
			uid, _ := uuid.Parse(claims.Subject)

			ctx := context.WithValue(c.Request().Context(), UserIDKey, uid)
			ctx = context.WithValue(ctx, ClaimsKey, claims)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("user_id", claims.Subject)
			return next(c)
		}
	}
}

func tokenFromRequest(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if ck, err := c.Cookie(CookieName); err == nil {
		return ck.Value
	}
	return ""
}

// UserIDFromContext returns the authenticated user, if any.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	uid, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return uid, ok && uid != uuid.Nil
}

func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(ClaimsKey).(*Claims)
	return c
}

// WithUserID is used by tests and CLI paths that act on behalf of a user.
func WithUserID(ctx context.Context, uid uuid.UUID) context.Context {
	return context.WithValue(ctx, UserIDKey, uid)
}

func SetSessionCookie(c echo.Context, token string, expires time.Time, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearSessionCookie(c echo.Context, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
