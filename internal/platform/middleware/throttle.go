package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// Throttle limits requests per client IP with a token bucket. It is meant for
// credential endpoints, not for the whole API.
func Throttle(perMinute, burst int) echo.MiddlewareFunc {
	store := &limiterStore{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			lim := store.get(c.RealIP())
			if !lim.Allow() {
				wait := time.Duration(float64(time.Second) / float64(store.limit))
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts, try again later")
			}
			return next(c)
		}
	}
}

type limiterStore struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(s.limit, s.burst)
		s.limiters[key] = lim
	}
	return lim
}
