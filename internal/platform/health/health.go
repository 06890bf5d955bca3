// Package health serves the /health endpoint from a set of dependency
// probes. Optional dependencies (database, redis) register a probe only
// when configured.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

type Check struct {
	Name  string
	Probe Probe
}

// PoolStats is the pgx pool snapshot included in the database check.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

func Stats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		MaxConns:      s.MaxConns(),
	}
}

// Database pings the pool.
func Database(pool *pgxpool.Pool) Check {
	return Check{Name: "database", Probe: pool.Ping}
}

type result struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]result `json:"checks"`
}

// Handler runs every check concurrently with a shared timeout. Any failing
// check makes the response 503.
func Handler(timeout time.Duration, checks ...Check) echo.HandlerFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		rep := report{Status: "healthy", Checks: make(map[string]result, len(checks))}
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, chk := range checks {
			wg.Add(1)
			go func(chk Check) {
				defer wg.Done()
				r := result{Status: "ok"}
				if err := chk.Probe(ctx); err != nil {
					r = result{Status: "unhealthy", Error: err.Error()}
				}
				mu.Lock()
				rep.Checks[chk.Name] = r
				mu.Unlock()
			}(chk)
		}
		wg.Wait()

		code := http.StatusOK
		for _, r := range rep.Checks {
			if r.Status != "ok" {
				rep.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			}
		}
		return c.JSON(code, rep)
	}
}
