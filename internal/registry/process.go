package registry

import (
	"sync"
	"time"

	"github.com/mrgnw/ubermind/internal/capture"
	"github.com/mrgnw/ubermind/internal/procdef"
)

// Process is a Managed Process (spec.md §3). Def and Capture are set once
// at creation and never mutated in place (a reload constructs a new
// Process; restart_process relaunches this same one); the remaining fields are mutated only through this type's
// methods, which is what lets the Registry's map-level lock stay
// short-held: readers and the supervision loop both go through here rather
// than poking fields directly.
type Process struct {
	mu sync.Mutex

	Service string
	Def     procdef.Definition
	Capture *capture.Capture

	// Cancel is closed by the Orchestrator to request the supervision loop
	// stop (spec.md §4.2 Cancellation). Automatic respawns keep the same
	// channel; ResetCancel replaces it before a restart_process relaunch.
	Cancel chan struct{}

	state        State
	pid          int
	startedAt    time.Time
	restarts     uint32
	lastExitCode int
	hasExited    bool
}

// NewProcess creates a Process in the Stopped state with a fresh Cancel
// channel, ready for a Runner to spawn.
func NewProcess(service string, def procdef.Definition, out *capture.Capture) *Process {
	return &Process{
		Service: service,
		Def:     def,
		Capture: out,
		Cancel:  make(chan struct{}),
		state:   Stopped,
	}
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState performs the atomic state transition (spec.md §4.1
// update_state). pid, when non-nil, is recorded together with the
// transition so PID updates never race a concurrent reader observing a
// half-updated (state, pid) pair.
func (p *Process) SetState(s State, pid *int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	if pid != nil {
		p.pid = *pid
		if *pid != 0 {
			p.startedAt = time.Now()
		}
	}
	if s == Stopped || s == Failed || s == Exited {
		p.pid = 0
	}
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// IncRestart bumps the monotonic restart counter (invariant 4) and returns
// the new value.
func (p *Process) IncRestart() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
	return p.restarts
}

// ResetRestart resets the counter on an explicit start/restart/reload (invariant 4).
func (p *Process) ResetRestart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts = 0
}

func (p *Process) RestartCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

// RecordExit stores the last known exit code for status reporting.
func (p *Process) RecordExit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastExitCode = code
	p.hasExited = true
}

func (p *Process) LastExit() (code int, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastExitCode, p.hasExited
}

// ResetCancel installs a fresh Cancel channel for a new spawn, replacing one
// that was already closed by a prior stop/restart.
func (p *Process) ResetCancel() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cancel = make(chan struct{})
	return p.Cancel
}

// RequestCancel closes Cancel if not already closed, idempotently.
func (p *Process) RequestCancel() {
	p.mu.Lock()
	ch := p.Cancel
	p.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}
