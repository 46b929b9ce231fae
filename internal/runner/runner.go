// Package runner implements the Process Runner of spec.md §4.2: one
// supervision task per Managed Process that spawns the child in its own
// process group, pumps stdout/stderr into its Output Capture, waits for
// exit, and applies the restart policy. Grounded on the teacher's
// internal/process.Process (spawn, ConfigureCmd, tree-kill-by-group,
// DetectAlive) combined with internal/manager.ManagedProcess's single
// supervising-goroutine shape, adapted from the teacher's command-channel
// control surface to the spec's simpler external cancellation flag
// (registry.Process.Cancel) since the Runner itself owns no public API
// beyond Run — all external control goes through the Registry.
package runner

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mrgnw/ubermind/internal/env"
	"github.com/mrgnw/ubermind/internal/metrics"
	"github.com/mrgnw/ubermind/internal/procdef"
	"github.com/mrgnw/ubermind/internal/registry"
)

// DefaultGrace is the tree-kill SIGTERM grace window (spec.md §4.2, §9 Open
// Question 1: "5 seconds is assumed").
const DefaultGrace = 5 * time.Second

// pumpChunk bounds each read from a child's stdout/stderr pipe (spec.md §4.2:
// "bounded, e.g. 8 KiB").
const pumpChunk = 8 * 1024

// maxBackoff caps the computed restart delay when Definition.RestartDelay is
// unset (SPEC_FULL.md supplement; spec.md leaves this unspecified beyond
// "sleep for restart_delay").
const maxBackoff = 30 * time.Second

// Runner supervises exactly one Managed Process for the lifetime of a single
// Run call, which itself spans every automatic Crashed->respawn cycle
// (spec.md §3: "a supervision loop exists ... inclusive of restart waits
// within a single call site"). A new Run is only started by the
// Orchestrator after a prior one has returned (explicit restart_process).
type Runner struct {
	Proc       *registry.Process
	WorkDir    string
	Merger     *env.Merger
	ServiceEnv map[string]string
	EnvFile    map[string]string
	Grace      time.Duration
	Log        *zap.SugaredLogger
}

// Run executes the full supervision loop and closes done when the process
// reaches a terminal state. It must be run in its own goroutine — the
// Orchestrator launches exactly one per started Managed Process (spec.md §5:
// "One Supervision task per Managed Process").
func (r *Runner) Run(done chan<- struct{}) {
	defer close(done)
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	for {
		if cancelled(r.Proc.Cancel) {
			r.finish(registry.Stopped, 0, false)
			return
		}

		r.Proc.SetState(registry.Starting, nil)
		metrics.RecordTransition(r.Proc.Service, r.Proc.Def.Name, registry.Starting.String())
		r.logLine(registry.Starting.String())
		cmd, stdout, stderr, err := r.spawn()
		if err != nil {
			r.logLine(fmt.Sprintf("spawn failed: %v", err))
			metrics.RecordSpawnFailure(r.Proc.Service, r.Proc.Def.Name)
			r.finish(registry.Failed, -1, true)
			return
		}

		pid := cmd.Process.Pid
		r.Proc.SetState(registry.Running, &pid)
		metrics.RecordTransition(r.Proc.Service, r.Proc.Def.Name, registry.Running.String())
		r.logLine(fmt.Sprintf("started pid %d", pid))

		var wg sync.WaitGroup
		wg.Add(2)
		go r.pump(stdout, &wg)
		go r.pump(stderr, &wg)

		waitErr := make(chan error, 1)
		go func() { waitErr <- cmd.Wait() }()

		var exitErr error
		select {
		case exitErr = <-waitErr:
			wg.Wait() // spec.md §4.2: join pipe readers before the post-exit transition
		case <-r.Proc.Cancel:
			exitErr = r.treeKill(pid, grace, waitErr)
			wg.Wait()
			r.finish(registry.Stopped, exitCode(exitErr), true)
			return
		}

		code := exitCode(exitErr)
		r.logLine(fmt.Sprintf("exited code=%d", code))

		next, respawn := r.afterExit(code)
		r.Proc.SetState(next, nil)
		metrics.RecordTransition(r.Proc.Service, r.Proc.Def.Name, next.String())
		r.Proc.RecordExit(code)
		if !respawn {
			return
		}

		n := r.Proc.IncRestart()
		metrics.RecordRestart(r.Proc.Service, r.Proc.Def.Name)
		delay := restartDelay(r.Proc.Def, n)
		r.logLine(fmt.Sprintf("restarting in %s (attempt %d)", delay, n))
		select {
		case <-time.After(delay):
		case <-r.Proc.Cancel:
			r.finish(registry.Stopped, code, false)
			return
		}
	}
}

// afterExit applies the restart policy table of spec.md §4.2.
func (r *Runner) afterExit(code int) (next registry.State, respawn bool) {
	def := r.Proc.Def
	if def.Type == procdef.Task {
		if code == 0 {
			return registry.Exited, false
		}
		return registry.Failed, false
	}

	if !def.RestartEnabled {
		if code == 0 {
			return registry.Exited, false
		}
		return registry.Failed, false
	}

	if code == 0 {
		// spec.md §4.2 table: a clean exit with restart enabled always
		// respawns, independent of the retry cap.
		return registry.Crashed, true
	}

	if def.Unlimited() || r.Proc.RestartCount() < uint32(def.MaxRetries) {
		return registry.Crashed, true
	}
	return registry.Failed, false
}

// restartDelay implements SPEC_FULL.md's backoff supplement: an explicit
// nonzero RestartDelay is used as-is; otherwise delay grows exponentially
// from 250ms, capped at maxBackoff.
func restartDelay(def procdef.Definition, attempt uint32) time.Duration {
	if def.RestartDelay > 0 {
		return def.RestartDelay
	}
	d := 250 * time.Millisecond
	for i := uint32(1); i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (r *Runner) finish(state registry.State, code int, recordExit bool) {
	r.Proc.SetState(state, nil)
	metrics.RecordTransition(r.Proc.Service, r.Proc.Def.Name, state.String())
	if recordExit {
		r.Proc.RecordExit(code)
	}
	r.logLine(state.String())
}

func (r *Runner) spawn() (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	cmd := r.Proc.Def.BuildCommand()
	cmd.Dir = r.WorkDir
	cmd.Env = r.Merger.Merge(r.EnvFile, r.ServiceEnv, r.Proc.Def.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return cmd, stdout, stderr, nil
}

func (r *Runner) pump(pipe io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, pumpChunk)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			_, _ = r.Proc.Capture.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// treeKill signals the process group: SIGTERM, wait up to grace for reap,
// then SIGKILL, then block for the final reap. "No such process" on either
// signal is treated as success (spec.md §4.2 edge case). It consumes
// waitErr exactly once and returns the child's exit error.
func (r *Runner) treeKill(pid int, grace time.Duration, waitErr <-chan error) error {
	r.Proc.SetState(registry.Stopping, nil)
	metrics.RecordTransition(r.Proc.Service, r.Proc.Def.Name, registry.Stopping.String())
	r.logLine(registry.Stopping.String())
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logLine(fmt.Sprintf("SIGTERM failed: %v", err))
	}
	select {
	case err := <-waitErr:
		return err
	case <-time.After(grace):
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logLine(fmt.Sprintf("SIGKILL failed: %v", err))
	}
	return <-waitErr
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func cancelled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (r *Runner) logLine(msg string) {
	line := "[supervisor] " + msg + "\n"
	_, _ = r.Proc.Capture.Write([]byte(line))
	if r.Log != nil {
		r.Log.Debugw(msg, "service", r.Proc.Service, "process", r.Proc.Def.Name)
	}
}
