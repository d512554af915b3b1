package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/store"
)

// Status values written by the daemon.
const (
	StatusStarting = "starting"
	StatusTrading  = "trading"
	StatusClosing  = "closing"
	StatusWaiting  = "waiting"
	StatusStopped  = "stopped"
)

var statusSchema = []string{
	`CREATE TABLE IF NOT EXISTS system_status (
		component      VARCHAR   PRIMARY KEY,
		status         VARCHAR   NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL,
		pid            INTEGER   NOT NULL
	)`,
}

// Status is one row of the system status table.
type Status struct {
	Component     string
	Status        string
	LastHeartbeat time.Time
	PID           int
}

// Stale reports whether the heartbeat is older than maxAge at now.
func (s Status) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastHeartbeat) > maxAge
}

// WriteStatus upserts the status row of st.Component in the config domain.
func WriteStatus(ctx context.Context, r *router.Router, st Status) error {
	return r.ConfigWriter(ctx, func(s *store.Store) error {
		if err := s.ExecScript(ctx, statusSchema...); err != nil {
			return fmt.Errorf("create status table: %w", err)
		}
		_, err := s.ExecContext(ctx, `
			INSERT INTO system_status (component, status, last_heartbeat, pid)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (component) DO UPDATE SET
				status = excluded.status,
				last_heartbeat = excluded.last_heartbeat,
				pid = excluded.pid`,
			st.Component, st.Status, st.LastHeartbeat.UTC(), st.PID)
		if err != nil {
			return fmt.Errorf("write status: %w", err)
		}
		return nil
	})
}

// ReadStatus returns every status row, ordered by component. Monitors call
// it from other processes; a config domain that was never written yields
// errors.ErrPartitionNotFound.
func ReadStatus(ctx context.Context, r *router.Router) ([]Status, error) {
	var out []Status
	err := r.ConfigReader(ctx, func(s *store.Store) error {
		rows, err := s.QueryContext(ctx,
			`SELECT component, status, last_heartbeat, pid FROM system_status ORDER BY component`)
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var st Status
			if err := rows.Scan(&st.Component, &st.Status, &st.LastHeartbeat, &st.PID); err != nil {
				return fmt.Errorf("scan status: %w", err)
			}
			st.LastHeartbeat = st.LastHeartbeat.UTC()
			out = append(out, st)
		}
		return rows.Err()
	})
	return out, err
}
