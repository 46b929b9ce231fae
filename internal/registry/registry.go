// Package registry implements the Service/Process Registry of spec.md §4.1:
// a thread-safe map of services to their Managed Processes, with a single
// exclusive lock held only long enough to mutate the map structure itself
// (long operations — spawning, waiting — never hold it). Grounded on the
// teacher's internal/manager.Manager (map[string]*entry + sync.Mutex),
// generalized from one flat process map into the spec's explicit
// Service -> []Process shape.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/mrgnw/ubermind/internal/supverrors"
)

func secondsSince(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return time.Since(t).Seconds()
}

// Service is a Managed Service (spec.md §3): a named group of processes
// bound to a working directory, in Procfile declaration order.
type Service struct {
	Name       string
	WorkDir    string
	ExtraEnv   map[string]string
	Processes  []*Process // insertion order == Procfile order
}

// ProcessByName returns the named process within the service, if present.
func (s *Service) ProcessByName(name string) (*Process, bool) {
	for _, p := range s.Processes {
		if p.Def.Name == name {
			return p, true
		}
	}
	return nil, false
}

// AllTerminal reports whether every process in the service has reached a
// terminal state.
func (s *Service) AllTerminal() bool {
	for _, p := range s.Processes {
		if !p.State().Terminal() {
			return false
		}
	}
	return true
}

// Registry is the thread-safe service map (spec.md §4.1).
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

func New() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Insert adds svc under its name. If a service with that name already
// exists, Insert fails with ErrAlreadyRunning unless every one of its
// processes is terminal, in which case the stale entry is replaced
// (spec.md §4.1 edge case).
func (r *Registry) Insert(svc *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.services[svc.Name]; ok && !existing.AllTerminal() {
		return fmt.Errorf("service %q: %w", svc.Name, supverrors.ErrAlreadyRunning)
	}
	r.services[svc.Name] = svc
	return nil
}

// Remove deletes name from the registry. It fails if any of the service's
// processes is non-terminal; callers must stop first.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	if !ok {
		return fmt.Errorf("service %q: %w", name, supverrors.ErrNotFound)
	}
	if !svc.AllTerminal() {
		return fmt.Errorf("service %q has non-terminal processes, stop first", name)
	}
	delete(r.services, name)
	return nil
}

// Get returns the named service. The returned pointer is the live registry
// entry; callers must only mutate it through Process's own methods, never
// by writing fields directly, to preserve update_state as the sole writer.
func (r *Registry) Get(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Names returns all registered service names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	return names
}

// ProcessSnapshot is a deep, handle-free copy of one Managed Process for
// status reporting (spec.md §4.7).
type ProcessSnapshot struct {
	Name     string
	State    string
	PID      int
	Uptime   float64 // seconds since current spawn, 0 unless Running or Stopping
	Restarts uint32
	ExitCode int
	HasExit  bool
	Ports    []uint32
}

// ServiceSnapshot is a deep copy of one Managed Service's metadata.
type ServiceSnapshot struct {
	Name      string
	WorkDir   string
	Running   bool
	Processes []ProcessSnapshot
}

// Snapshot returns a deep copy of every registered service and process,
// never exposing internal handles (spec.md §4.1). Port introspection is
// deliberately excluded here (it requires OS queries bounded by its own
// timeout) — see internal/orchestrator.Status, which layers it on top.
func (r *Registry) Snapshot() []ServiceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServiceSnapshot, 0, len(r.services))
	for _, svc := range r.services {
		ss := ServiceSnapshot{Name: svc.Name, WorkDir: svc.WorkDir}
		for _, p := range svc.Processes {
			st := p.State()
			var uptime float64
			if st == Running || st == Stopping {
				uptime = secondsSince(p.StartedAt())
			}
			code, known := p.LastExit()
			if st == Running {
				ss.Running = true
			}
			ss.Processes = append(ss.Processes, ProcessSnapshot{
				Name:     p.Def.Name,
				State:    st.String(),
				PID:      p.PID(),
				Uptime:   uptime,
				Restarts: p.RestartCount(),
				ExitCode: code,
				HasExit:  known,
			})
		}
		out = append(out, ss)
	}
	return out
}
