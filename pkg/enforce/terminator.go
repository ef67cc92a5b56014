package enforce

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/p69180/svadmin/pkg/sampler"
	"github.com/p69180/svadmin/pkg/types"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	// defaultReapWait is how long we give the kernel to tear a process down after SIGKILL.
	defaultReapWait = time.Second
)

// Terminator stops one process instance. createTime guards against signalling a
// recycled pid; zero skips the check.
type Terminator interface {
	Terminate(ctx context.Context, pid int32, createTime int64, timeout time.Duration) (types.Outcome, error)
}

// signaler is the subset of *process.Process used to stop a process.
type signaler interface {
	CreateTimeWithContext(ctx context.Context) (int64, error)
	TerminateWithContext(ctx context.Context) error
	KillWithContext(ctx context.Context) error
	IsRunningWithContext(ctx context.Context) (bool, error)
}

// ProcessTerminator sends SIGTERM, waits up to the timeout, then SIGKILL.
type ProcessTerminator struct {
	open     func(ctx context.Context, pid int32) (signaler, error)
	poll     time.Duration
	reapWait time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// NewProcessTerminator returns a Terminator for live processes.
func NewProcessTerminator() *ProcessTerminator {
	return &ProcessTerminator{
		open: func(ctx context.Context, pid int32) (signaler, error) {
			return process.NewProcessWithContext(ctx, pid)
		},
		poll:     defaultPollInterval,
		reapWait: defaultReapWait,
		sleep:    sampler.Sleep,
		now:      time.Now,
	}
}

// Terminate implements Terminator. A process that is already gone yields
// OutcomeVanished with a nil error. A failure to send SIGTERM yields
// OutcomeDenied together with the error; a failure to send SIGKILL after SIGTERM
// was delivered yields OutcomeSignalled together with the error.
func (t *ProcessTerminator) Terminate(ctx context.Context, pid int32, createTime int64, timeout time.Duration) (types.Outcome, error) {
	p, err := t.open(ctx, pid)
	if err != nil {
		if isGone(err) {
			return types.OutcomeVanished, nil
		}
		return types.OutcomeDenied, err
	}
	if createTime != 0 {
		ct, err := p.CreateTimeWithContext(ctx)
		if err != nil || ct != createTime {
			return types.OutcomeVanished, nil
		}
	}

	if err := p.TerminateWithContext(ctx); err != nil {
		if isGone(err) {
			return types.OutcomeVanished, nil
		}
		return types.OutcomeDenied, err
	}
	exited, err := t.waitExit(ctx, p, timeout)
	if err != nil {
		return "", err
	}
	if exited {
		return types.OutcomeTerminated, nil
	}

	if err := p.KillWithContext(ctx); err != nil {
		if isGone(err) {
			return types.OutcomeTerminated, nil
		}
		return types.OutcomeSignalled, err
	}
	if _, err := t.waitExit(ctx, p, t.reapWait); err != nil {
		return "", err
	}
	return types.OutcomeKilled, nil
}

// waitExit polls until p is gone or timeout elapses.
func (t *ProcessTerminator) waitExit(ctx context.Context, p signaler, timeout time.Duration) (bool, error) {
	deadline := t.now().Add(timeout)
	for {
		// A failed liveness check counts as still running.
		if running, err := p.IsRunningWithContext(ctx); err == nil && !running {
			return true, nil
		}
		remaining := deadline.Sub(t.now())
		if remaining <= 0 {
			return false, nil
		}
		if err := t.sleep(ctx, min(t.poll, remaining)); err != nil {
			return false, err
		}
	}
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, unix.ESRCH) ||
		errors.Is(err, process.ErrorProcessNotRunning)
}

// IsPermission reports whether err is a signal-permission failure.
func IsPermission(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, os.ErrPermission)
}
