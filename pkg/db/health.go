package db

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Health reports whether the minutes database can serve the pipeline.
type Health struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`

	// Pending lists migration versions the schema does not carry yet.
	// Session claims and PDF bookkeeping read columns the later ones add.
	Pending []string `json:"pending,omitempty"`

	TotalConns    int32  `json:"total_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	Error         string `json:"error,omitempty"`
}

// Check pings the pool and compares schema_migrations with the files in
// fsys. A pending migration makes the database unhealthy. A nil fsys skips
// the schema comparison. Used by /readyz.
func Check(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) *Health {
	h := &Health{}
	if pool == nil {
		h.Error = "pool is nil"
		return h
	}

	start := time.Now()
	err := pool.Ping(ctx)
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = fmt.Sprintf("ping failed: %v", err)
		return h
	}
	stats := pool.Stat()
	h.TotalConns = stats.TotalConns()
	h.AcquiredConns = stats.AcquiredConns()

	if fsys == nil {
		h.Healthy = true
		return h
	}
	files, err := FindMigrations(fsys)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		h.Error = fmt.Sprintf("schema not migrated: %v", err)
		return h
	}
	assessSchema(h, files, applied)
	return h
}

func assessSchema(h *Health, files []Migration, applied map[string]time.Time) {
	h.Pending = nil
	for _, m := range BuildMigrationStatus(files, applied).Pending {
		h.Pending = append(h.Pending, m.Version)
	}
	if len(h.Pending) > 0 {
		h.Healthy = false
		h.Error = fmt.Sprintf("%d pending migrations (%s); run minutesctl db migrate",
			len(h.Pending), strings.Join(h.Pending, ", "))
		return
	}
	h.Healthy = true
	h.Error = ""
}
