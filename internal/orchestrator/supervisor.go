package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo is the slice of the OS process table supervision needs.
type ProcessInfo struct {
	PID     int32
	Name    string
	Started time.Time
}

// processLister scans the OS process table.
type processLister interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
}

// processKiller force-terminates a process and all of its descendants.
type processKiller interface {
	KillTree(ctx context.Context, pid int32) error
}

// gopsutilSupervisor implements both supervision surfaces against the real
// process table.
type gopsutilSupervisor struct{}

func (gopsutilSupervisor) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// The process may have exited mid-scan.
			continue
		}
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		infos = append(infos, ProcessInfo{
			PID:     p.Pid,
			Name:    name,
			Started: time.UnixMilli(created),
		})
	}
	return infos, nil
}

// KillTree kills the process's descendants depth-first, then the process
// itself. Cancellation is by termination only; nothing cooperative.
func (gopsutilSupervisor) KillTree(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("process %d: %w", pid, err)
	}
	return killTree(ctx, p)
}

func killTree(ctx context.Context, p *process.Process) error {
	children, err := p.ChildrenWithContext(ctx)
	if err == nil {
		for _, child := range children {
			// Children that already exited are fine to skip.
			_ = killTree(ctx, child)
		}
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill %d: %w", p.Pid, err)
	}
	return nil
}
