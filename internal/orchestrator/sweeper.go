package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cookiescope/consent-crawler/internal/metrics"
)

// Browser binaries the sweep recognizes. Workers can die abnormally and
// leave their browser re-parented to init; nothing else supervises those.
var browserProcessNames = []string{"chrome", "chromium", "chromium-browser", "headless_shell"}

// Sweeper periodically scans the process table and force-kills browser
// processes old enough that no live worker can still own them. It runs
// independently of the worker pool.
type Sweeper struct {
	interval time.Duration
	maxAge   time.Duration
	lister   processLister
	killer   processKiller
	logger   *zap.Logger
}

// NewSweeper builds a sweeper killing browser processes older than maxAge,
// checking every interval.
func NewSweeper(interval, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	sup := gopsutilSupervisor{}
	return &Sweeper{
		interval: interval,
		maxAge:   maxAge,
		lister:   sup,
		killer:   sup,
		logger:   logger,
	}
}

// Run blocks, sweeping until the context finishes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, time.Now())
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	infos, err := s.lister.Processes(ctx)
	if err != nil {
		s.logger.Error("orphan sweep could not list processes", zap.Error(err))
		return
	}
	for _, info := range infos {
		if !isBrowserProcess(info.Name) {
			continue
		}
		age := now.Sub(info.Started)
		if age < s.maxAge {
			continue
		}
		if err := s.killer.KillTree(ctx, info.PID); err != nil {
			s.logger.Error("failed to kill orphaned browser",
				zap.Int32("pid", info.PID), zap.Duration("age", age), zap.Error(err))
			continue
		}
		metrics.ObserveOrphanKill()
		s.logger.Warn("killed orphaned browser process",
			zap.Int32("pid", info.PID), zap.String("name", info.Name), zap.Duration("age", age))
	}
}

func isBrowserProcess(name string) bool {
	name = strings.ToLower(name)
	for _, candidate := range browserProcessNames {
		if strings.Contains(name, candidate) {
			return true
		}
	}
	return false
}
