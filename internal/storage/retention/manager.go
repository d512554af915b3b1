// Package retention expires old historical tick partitions and reports the
// disk usage of the market data tree.
//
// Only tick partitions expire. Candle partitions are kept for good.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/config"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// Manager handles cleanup of expired tick partitions.
type Manager struct {
	router *router.Router
	cal    *session.Calendar
	days   int
	log    *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats ManagerStats
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	// Cutoff is the oldest date kept.
	Cutoff string

	// Deleted lists the dates whose tick partition was removed.
	Deleted      []string
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a retention manager keeping tick partitions of the last
// cfg.TickRetentionDays days.
func New(r *router.Router, cal *session.Calendar, cfg config.StorageConfig) *Manager {
	return &Manager{
		router: r,
		cal:    cal,
		days:   cfg.TickRetentionDays,
		log:    logging.Component("retention"),
		now:    time.Now,
	}
}

// Enabled reports whether tick partitions expire at all.
func (m *Manager) Enabled() bool {
	return m.days > 0
}

// RunCleanup removes expired tick partitions while holding the market data
// writer lock.
func (m *Manager) RunCleanup(ctx context.Context) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = m.now()
	if !m.Enabled() {
		return CleanupResult{}, nil
	}

	var result CleanupResult
	err := m.router.HistoricalWriter(ctx, func(w *router.HistoryWriter) error {
		var err error
		result, err = m.cleanup(func(date string) (int64, error) {
			return w.RemoveTicks(date)
		})
		return err
	})

	m.stats.FilesDeleted += int64(len(result.Deleted))
	m.stats.BytesFreed += result.BytesFreed
	m.stats.FilesSkipped += int64(result.FilesSkipped)
	m.stats.Errors += int64(len(result.Errors))
	if err != nil {
		m.stats.Errors++
		return result, fmt.Errorf("tick retention: %w", err)
	}

	if len(result.Deleted) > 0 {
		m.log.Info("expired tick partitions removed",
			"partitions", len(result.Deleted),
			"freed", formatBytes(result.BytesFreed),
			"cutoff", result.Cutoff)
	}
	return result, nil
}

// DryRun reports what RunCleanup would remove.
func (m *Manager) DryRun() (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled() {
		return CleanupResult{}, nil
	}
	return m.cleanup(func(date string) (int64, error) {
		return fileSize(router.TickPartition(m.router.Exchange(), date).Path(m.router.Root()))
	})
}

func (m *Manager) cutoff() string {
	return m.cal.Date(m.cal.Midnight(m.now()).AddDate(0, 0, -m.days))
}

func (m *Manager) cleanup(remove func(date string) (int64, error)) (CleanupResult, error) {
	result := CleanupResult{Cutoff: m.cutoff()}

	dates, err := m.router.PartitionDates(router.Ticks, 0)
	if err != nil {
		return result, err
	}

	for _, date := range dates {
		// Dates sort lexically.
		if date >= result.Cutoff {
			result.FilesSkipped++
			continue
		}
		n, err := remove(date)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Deleted = append(result.Deleted, date)
		result.BytesFreed += n
	}
	return result, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ManagerStats holds manager statistics.
type ManagerStats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// GetDiskUsage returns disk usage per series: "ticks" and "candles/<tf>".
func (m *Manager) GetDiskUsage() (map[string]DiskUsage, error) {
	usage := make(map[string]DiskUsage)
	exchange, root := m.router.Exchange(), m.router.Root()

	dates, err := m.router.PartitionDates(router.Ticks, 0)
	if err != nil {
		return nil, err
	}
	usage[string(router.Ticks)] = sum(dates, func(d string) string {
		return router.TickPartition(exchange, d).Path(root)
	})

	for _, tf := range types.AllTimeframes() {
		dates, err := m.router.PartitionDates(router.Candles, tf)
		if err != nil {
			return nil, err
		}
		if len(dates) == 0 {
			continue
		}
		usage[string(router.Candles)+"/"+tf.String()] = sum(dates, func(d string) string {
			return router.CandlePartition(exchange, tf, d).Path(root)
		})
	}
	return usage, nil
}

func sum(dates []string, path func(string) string) DiskUsage {
	var u DiskUsage
	for _, d := range dates {
		n, err := fileSize(path(d))
		if err != nil {
			continue
		}
		u.FileCount++
		u.TotalSize += n
	}
	return u
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() (string, error) {
	usage, err := m.GetDiskUsage()
	if err != nil {
		return "", err
	}

	series := make([]string, 0, len(usage))
	for s := range usage {
		series = append(series, s)
	}
	sort.Strings(series)

	var (
		b          strings.Builder
		totalSize  int64
		totalFiles int
	)
	b.WriteString("Disk Usage:\n")
	for _, s := range series {
		u := usage[s]
		totalSize += u.TotalSize
		totalFiles += u.FileCount
		fmt.Fprintf(&b, "  %s: %d files, %s\n", s, u.FileCount, formatBytes(u.TotalSize))
	}
	fmt.Fprintf(&b, "  Total: %d files, %s\n", totalFiles, formatBytes(totalSize))
	return b.String(), nil
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
