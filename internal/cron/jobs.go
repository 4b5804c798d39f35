package cron

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stellarlinkco/chatfight/internal/state"
)

const (
	SweepJobName  = "sweep-downloads"
	ReportJobName = "stats-report"
)

// SweepDownloads removes files in dir older than maxAge. Attachments are
// normally deleted by the pipeline; this catches what a crash left behind.
func SweepDownloads(dir string, maxAge time.Duration, now func() time.Time) JobFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (string, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return "download dir missing", nil
			}
			return "", fmt.Errorf("read download dir: %w", err)
		}

		cutoff := now().Add(-maxAge)
		removed := 0
		for _, de := range entries {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if !de.Type().IsRegular() {
				continue
			}
			info, err := de.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, de.Name())); err != nil && !os.IsNotExist(err) {
				return "", fmt.Errorf("remove %s: %w", de.Name(), err)
			}
			removed++
		}
		return fmt.Sprintf("removed %d stale files", removed), nil
	}
}

// StatusSource exposes the current module state.
type StatusSource interface {
	Snapshot() state.ModuleState
}

// ReportStats summarizes the module state on one line.
func ReportStats(src StatusSource) JobFunc {
	return func(ctx context.Context) (string, error) {
		st := src.Snapshot()
		return fmt.Sprintf("enabled=%t total=%d word=%d arithmetic=%d errors=%d",
			st.Enabled,
			st.Stats.TotalResponses,
			st.Stats.WordResponses,
			st.Stats.ArithmeticResponses,
			st.Stats.Errors,
		), nil
	}
}
