package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// PoolStats is the JSON view of pgxpool statistics served by /health/db.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireCount  int64  `json:"acquire_count"`
	AcquireWait   string `json:"acquire_wait"`
}

func statsOf(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		MaxConns:      s.MaxConns(),
		AcquireCount:  s.AcquireCount(),
		AcquireWait:   s.AcquireDuration().String(),
	}
}

type healthBody struct {
	Status string    `json:"status"`
	Pool   PoolStats `json:"pool"`
}

// HealthHandler pings the database with a short timeout. Driver errors are
// logged, not returned to the caller.
func HealthHandler(pool *pgxpool.Pool, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := healthBody{Status: "healthy", Pool: statsOf(pool)}
		if err := pool.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("database health check failed")
			body.Status = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
