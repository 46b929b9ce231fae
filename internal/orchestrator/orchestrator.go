// Package orchestrator implements the Service Orchestrator of spec.md §4.4:
// start/stop/reload/restart/kill composed from per-process Runners over the
// Registry, serialized per service and never blocking across services.
// Grounded on the teacher's internal/manager.Manager (Start/Stop/StatusAll),
// generalized from the teacher's flat process map into explicit
// per-service composition and the spec's richer restart/reload semantics.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrgnw/ubermind/internal/capture"
	"github.com/mrgnw/ubermind/internal/env"
	"github.com/mrgnw/ubermind/internal/logrotate"
	"github.com/mrgnw/ubermind/internal/metrics"
	"github.com/mrgnw/ubermind/internal/portscan"
	"github.com/mrgnw/ubermind/internal/procdef"
	"github.com/mrgnw/ubermind/internal/registry"
	"github.com/mrgnw/ubermind/internal/runner"
	"github.com/mrgnw/ubermind/internal/supverrors"
)

// StartFilter selects which declared processes a start_service call
// actually launches (spec.md §9 "Configuration object": AllAutostart |
// ExplicitList).
type StartFilter struct {
	All   bool
	Names map[string]struct{}
}

func AllAutostart() StartFilter { return StartFilter{All: true} }

func ExplicitList(names []string) StartFilter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return StartFilter{Names: set}
}

func (f StartFilter) includes(d procdef.Definition) bool {
	if f.All {
		return d.Autostart
	}
	_, ok := f.Names[d.Name]
	return ok
}

// Orchestrator composes Runners over a Registry. One instance serves the
// whole daemon; per-service mutexes give the concurrency spec.md §4.4 and
// §5 require: operations on the same service serialize, operations on
// different services proceed independently.
type Orchestrator struct {
	reg    *registry.Registry
	merger *env.Merger
	logs   *logrotate.Manager
	grace  time.Duration
	log    *zap.SugaredLogger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	runtimeMu sync.Mutex
	// runtime[service][process] is closed by the Runner when that process's
	// supervision loop returns (reaches a terminal state).
	runtime map[string]map[string]chan struct{}
}

func New(reg *registry.Registry, merger *env.Merger, logs *logrotate.Manager, grace time.Duration, log *zap.SugaredLogger) *Orchestrator {
	if grace <= 0 {
		grace = runner.DefaultGrace
	}
	return &Orchestrator{
		reg:     reg,
		merger:  merger,
		logs:    logs,
		grace:   grace,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
		runtime: make(map[string]map[string]chan struct{}),
	}
}

func (o *Orchestrator) serviceLock(name string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[name]
	if !ok {
		l = &sync.Mutex{}
		o.locks[name] = l
	}
	return l
}

// StartService implements spec.md §4.4 start_service. It returns once every
// selected process's spawn has been attempted (launched in its own
// goroutine), not once they reach Running.
func (o *Orchestrator) StartService(name, dir string, defs []procdef.Definition, extraEnv map[string]string, filter StartFilter) error {
	lock := o.serviceLock(name)
	lock.Lock()
	defer lock.Unlock()
	return o.startLocked(name, dir, defs, extraEnv, filter)
}

func (o *Orchestrator) startLocked(name, dir string, defs []procdef.Definition, extraEnv map[string]string, filter StartFilter) error {
	svc := &registry.Service{Name: name, WorkDir: dir, ExtraEnv: extraEnv}

	for _, d := range defs {
		if !filter.includes(d) {
			continue
		}
		d = d.Normalize()
		logFile, err := o.logs.Open(name, d.Name)
		var ring *capture.Capture
		if err != nil {
			ring = capture.New(capture.DefaultRingSize, nil)
		} else {
			ring = capture.New(capture.DefaultRingSize, logFile)
		}
		proc := registry.NewProcess(name, d, ring)
		svc.Processes = append(svc.Processes, proc)
	}

	if err := o.reg.Insert(svc); err != nil {
		return err
	}

	done := make(map[string]chan struct{}, len(svc.Processes))
	for _, proc := range svc.Processes {
		d := make(chan struct{})
		done[proc.Def.Name] = d
		o.launch(proc, dir, extraEnv, d)
	}
	o.runtimeMu.Lock()
	o.runtime[name] = done
	o.runtimeMu.Unlock()
	return nil
}

func (o *Orchestrator) launch(proc *registry.Process, workDir string, serviceEnv map[string]string, done chan struct{}) {
	envFile, err := env.LoadDotEnv(filepath.Join(workDir, ".env"))
	if err != nil && o.log != nil {
		o.log.Warnw("ignoring malformed .env file", "dir", workDir, "error", err)
	}
	run := &runner.Runner{
		Proc:       proc,
		WorkDir:    workDir,
		Merger:     o.merger,
		ServiceEnv: serviceEnv,
		EnvFile:    envFile,
		Grace:      o.grace,
		Log:        o.log,
	}
	go run.Run(done)
}

// overallBound is spec.md §5's "2 x grace + epsilon" deadline for a whole
// stop_service call.
func (o *Orchestrator) overallBound() time.Duration {
	return 2*o.grace + 2*time.Second
}

// StopService implements spec.md §4.4 stop_service: cancel every process,
// await terminal with a per-service deadline, then remove the service.
func (o *Orchestrator) StopService(name string) error {
	lock := o.serviceLock(name)
	lock.Lock()
	defer lock.Unlock()
	return o.stopLocked(name)
}

func (o *Orchestrator) stopLocked(name string) error {
	svc, ok := o.reg.Get(name)
	if !ok {
		return fmt.Errorf("service %q: %w", name, supverrors.ErrNotFound)
	}

	o.runtimeMu.Lock()
	done := o.runtime[name]
	o.runtimeMu.Unlock()

	for _, proc := range svc.Processes {
		proc.RequestCancel()
	}

	byName := make(map[string]*registry.Process, len(svc.Processes))
	for _, proc := range svc.Processes {
		byName[proc.Def.Name] = proc
	}

	// releaseProcess closes the Output Capture's log file and drops the
	// process's Prometheus gauge series once it has actually reached a
	// terminal state (spec.md invariant 3, §9 Scoped acquisition): capture
	// fds and metric series must not outlive the Managed Process they
	// describe.
	releaseProcess := func(procName string) {
		if proc := byName[procName]; proc != nil && proc.Capture != nil {
			_ = proc.Capture.Close()
		}
		metrics.ClearProcess(name, procName)
	}

	deadline := time.After(o.overallBound())
	exceeded := make([]string, 0)
	for procName, d := range done {
		select {
		case <-d:
			releaseProcess(procName)
		case <-deadline:
			exceeded = append(exceeded, procName)
			// keep reaping in the background; never leave a child unwaited.
			go func(ch chan struct{}, n string) {
				<-ch
				releaseProcess(n)
				if o.log != nil {
					o.log.Infow("late reap completed", "service", name, "process", n)
				}
			}(d, procName)
		}
	}

	if len(exceeded) > 0 {
		return fmt.Errorf("service %q processes %v: %w", name, exceeded, supverrors.ErrStopTimeout)
	}

	o.runtimeMu.Lock()
	delete(o.runtime, name)
	o.runtimeMu.Unlock()
	return o.reg.Remove(name)
}

// ReloadService implements spec.md §4.4 reload_service: stop fully, then
// start fresh. A failed start after a successful stop leaves the service
// absent rather than half-started. If the stop exceeds its deadline, the
// StopTimeout error is returned, nothing is started, and the service is not
// removed: it stays in the Registry while its processes are reaped in the
// background.
func (o *Orchestrator) ReloadService(name, dir string, defs []procdef.Definition, extraEnv map[string]string, filter StartFilter) error {
	lock := o.serviceLock(name)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := o.reg.Get(name); ok {
		if err := o.stopLocked(name); err != nil {
			return err
		}
	}
	return o.startLocked(name, dir, defs, extraEnv, filter)
}

// RestartProcess implements spec.md §4.4 restart_process: cancel, await
// terminal, relaunch with the original definition, reset restart_counter.
func (o *Orchestrator) RestartProcess(service, process string) error {
	lock := o.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	svc, ok := o.reg.Get(service)
	if !ok {
		return fmt.Errorf("service %q: %w", service, supverrors.ErrNotFound)
	}
	proc, ok := svc.ProcessByName(process)
	if !ok {
		return fmt.Errorf("process %q: %w", process, supverrors.ErrNotFound)
	}

	proc.RequestCancel()
	o.awaitDone(service, process)

	proc.ResetCancel()
	proc.ResetRestart()

	d := make(chan struct{})
	o.runtimeMu.Lock()
	if o.runtime[service] == nil {
		o.runtime[service] = make(map[string]chan struct{})
	}
	o.runtime[service][process] = d
	o.runtimeMu.Unlock()

	o.launch(proc, svc.WorkDir, svc.ExtraEnv, d)
	return nil
}

// KillProcess implements spec.md §4.4 kill_process: cancel without
// relaunch; the process settles in Stopped.
func (o *Orchestrator) KillProcess(service, process string) error {
	lock := o.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	svc, ok := o.reg.Get(service)
	if !ok {
		return fmt.Errorf("service %q: %w", service, supverrors.ErrNotFound)
	}
	proc, ok := svc.ProcessByName(process)
	if !ok {
		return fmt.Errorf("process %q: %w", process, supverrors.ErrNotFound)
	}
	proc.RequestCancel()
	o.awaitDone(service, process)
	return nil
}

func (o *Orchestrator) awaitDone(service, process string) {
	o.runtimeMu.Lock()
	d := o.runtime[service][process]
	o.runtimeMu.Unlock()
	if d == nil {
		return
	}
	select {
	case <-d:
	case <-time.After(o.overallBound()):
	}
}

// GetOutput returns the Output Capture handle for service/process
// (spec.md §4.4 get_output).
func (o *Orchestrator) GetOutput(service, process string) (*capture.Capture, error) {
	svc, ok := o.reg.Get(service)
	if !ok {
		return nil, fmt.Errorf("service %q: %w", service, supverrors.ErrNotFound)
	}
	proc, ok := svc.ProcessByName(process)
	if !ok {
		return nil, fmt.Errorf("process %q: %w", process, supverrors.ErrNotFound)
	}
	return proc.Capture, nil
}

// Status implements spec.md §4.7: registry snapshot enriched with listening
// ports for every Running process, each bounded by portscan's own timeout.
func (o *Orchestrator) Status(ctx context.Context) []registry.ServiceSnapshot {
	snaps := o.reg.Snapshot()
	for si := range snaps {
		for pi := range snaps[si].Processes {
			p := &snaps[si].Processes[pi]
			if p.State == registry.Running.String() {
				p.Ports = portscan.ListeningPorts(ctx, p.PID)
			}
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}
