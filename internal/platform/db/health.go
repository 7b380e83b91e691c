package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// PingFunc adapts a function to a health check.
type PingFunc func(ctx context.Context) error

// Check is one dependency reported by the health endpoint.
type Check struct {
	Name string
	Ping PingFunc
	Pool *pgxpool.Pool // optional, adds pool statistics
}

// PoolCheck builds a check for a Postgres pool.
func PoolCheck(name string, pool *pgxpool.Pool) Check {
	return Check{Name: name, Ping: pool.Ping, Pool: pool}
}

type checkResult struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Pool   *PoolStats `json:"pool,omitempty"`
}

// HealthHandler returns a handler that pings every check. Any failing check
// turns the response into 503.
func HealthHandler(version string, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]checkResult, len(checks))
		for _, chk := range checks {
			res := checkResult{Status: "healthy"}
			if err := chk.Ping(ctx); err != nil {
				res.Status = "unhealthy"
				res.Error = err.Error()
				status = http.StatusServiceUnavailable
			}
			if chk.Pool != nil {
				res.Pool = GetPoolStats(chk.Pool)
			}
			results[chk.Name] = res
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		return c.JSON(status, map[string]interface{}{
			"status":  overall,
			"version": version,
			"checks":  results,
		})
	}
}
