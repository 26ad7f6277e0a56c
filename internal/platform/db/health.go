package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

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

// Report is the audit database section of the health endpoint.
type Report struct {
	Configured bool       `json:"configured"`
	Healthy    bool       `json:"healthy"`
	Error      string     `json:"error,omitempty"`
	Pool       *PoolStats `json:"pool,omitempty"`
}

// Check pings the audit pool. A nil pool means the audit log only goes to
// the process log, which is healthy.
func Check(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) Report {
	if pool == nil {
		return Report{Configured: false, Healthy: true}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := Report{Configured: true, Healthy: true, Pool: GetPoolStats(pool)}
	if err := pool.Ping(ctx); err != nil {
		r.Healthy = false
		r.Error = err.Error()
	}
	return r
}
