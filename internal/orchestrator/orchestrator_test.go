package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mrgnw/ubermind/internal/env"
	"github.com/mrgnw/ubermind/internal/logrotate"
	"github.com/mrgnw/ubermind/internal/procdef"
	"github.com/mrgnw/ubermind/internal/registry"
	"github.com/mrgnw/ubermind/internal/supverrors"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require /bin/sh")
	}
}

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logs := logrotate.NewManager(t.TempDir())
	return New(registry.New(), env.New(), logs, 300*time.Millisecond, nil)
}

func waitState(t *testing.T, o *Orchestrator, service, process string, want registry.State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, s := range o.Status(context.Background()) {
			if s.Name != service {
				continue
			}
			for _, p := range s.Processes {
				if p.Name == process && p.State == want.String() {
					return
				}
			}
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("process %s/%s never reached %s", service, process, want)
		}
	}
}

// scenario 1 of spec.md §8: start and list.
func TestStartAndList(t *testing.T) {
	requireUnix(t)
	o := newOrchestrator(t)
	defs := []procdef.Definition{{
		Name: "web", Command: "echo hello; sleep 10", Type: procdef.Service, Autostart: true,
	}}
	if err := o.StartService("app", t.TempDir(), defs, nil, AllAutostart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, "app", "web", registry.Running, 500*time.Millisecond)

	snaps := o.Status(context.Background())
	if len(snaps) != 1 || snaps[0].Name != "app" || !snaps[0].Running {
		t.Fatalf("unexpected status: %+v", snaps)
	}

	out, err := o.GetOutput("app", "web")
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	deadline := time.After(time.Second)
	for {
		if strings.Contains(string(out.Snapshot()), "hello") {
			break
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("output never contained hello: %q", out.Snapshot())
		}
	}

	if err := o.StopService("app"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// idempotent-stop law of spec.md §8: stopping twice returns NotFound, not a
// partial-shutdown error kind.
func TestIdempotentStop(t *testing.T) {
	requireUnix(t)
	o := newOrchestrator(t)
	defs := []procdef.Definition{{Name: "web", Command: "sleep 10", Type: procdef.Service, Autostart: true}}
	_ = o.StartService("app", t.TempDir(), defs, nil, AllAutostart())
	waitState(t, o, "app", "web", registry.Running, 500*time.Millisecond)

	if err := o.StopService("app"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	err := o.StopService("app")
	if err == nil {
		t.Fatal("expected second stop to fail")
	}
	if !errors.Is(err, supverrors.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// scenario 6 of spec.md §8: reload replaces the process set.
func TestReloadReplacesProcessSet(t *testing.T) {
	requireUnix(t)
	o := newOrchestrator(t)
	dir := t.TempDir()
	defs := []procdef.Definition{
		{Name: "web", Command: "sleep 10", Type: procdef.Service, Autostart: true},
		{Name: "worker", Command: "sleep 10", Type: procdef.Service, Autostart: true},
	}
	if err := o.StartService("app", dir, defs, nil, AllAutostart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, "app", "web", registry.Running, 500*time.Millisecond)
	waitState(t, o, "app", "worker", registry.Running, 500*time.Millisecond)

	var firstWebPID int
	for _, s := range o.Status(context.Background()) {
		for _, p := range s.Processes {
			if p.Name == "web" {
				firstWebPID = p.PID
			}
		}
	}

	newDefs := []procdef.Definition{
		{Name: "web", Command: "sleep 10", Type: procdef.Service, Autostart: true},
		{Name: "api", Command: "sleep 10", Type: procdef.Service, Autostart: true},
	}
	if err := o.ReloadService("app", dir, newDefs, nil, AllAutostart()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	waitState(t, o, "app", "web", registry.Running, 500*time.Millisecond)
	waitState(t, o, "app", "api", registry.Running, 500*time.Millisecond)

	snaps := o.Status(context.Background())
	names := map[string]int{}
	for _, s := range snaps {
		if s.Name != "app" {
			continue
		}
		for _, p := range s.Processes {
			names[p.Name] = p.PID
		}
	}
	if _, ok := names["worker"]; ok {
		t.Fatal("expected worker to be absent after reload")
	}
	if _, ok := names["api"]; !ok {
		t.Fatal("expected api to be present after reload")
	}
	if names["web"] == firstWebPID {
		t.Fatal("expected web to be respawned with a new PID")
	}

	_ = o.StopService("app")
}

// spec.md invariant 3 / §9 Scoped acquisition: stopping a service closes
// every process's Output Capture rather than leaking its log-file fd.
func TestStopClosesOutputCapture(t *testing.T) {
	requireUnix(t)
	o := newOrchestrator(t)
	defs := []procdef.Definition{{Name: "web", Command: "sleep 10", Type: procdef.Service, Autostart: true}}
	if err := o.StartService("app", t.TempDir(), defs, nil, AllAutostart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, "app", "web", registry.Running, 500*time.Millisecond)

	out, err := o.GetOutput("app", "web")
	if err != nil {
		t.Fatalf("get output: %v", err)
	}

	if err := o.StopService("app"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := out.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected capture to be closed after stop, write err=%v", err)
	}
}

// SPEC_FULL.md's per-process environment file supplement: a {dir}/.env file
// is merged in ahead of service and process env.
func TestStartLoadsDotEnvFile(t *testing.T) {
	requireUnix(t)
	o := newOrchestrator(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GREETING=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	defs := []procdef.Definition{{
		Name: "web", Command: "echo $GREETING; sleep 10", Type: procdef.Service, Autostart: true,
	}}
	if err := o.StartService("app", dir, defs, nil, AllAutostart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, "app", "web", registry.Running, 500*time.Millisecond)

	out, err := o.GetOutput("app", "web")
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	deadline := time.After(time.Second)
	for {
		if strings.Contains(string(out.Snapshot()), "from-dotenv") {
			break
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf(".env value never observed in output: %q", out.Snapshot())
		}
	}

	_ = o.StopService("app")
}

// kill-then-restart law of spec.md §8: kill_process then restart_process
// reanimates the process with a fresh PID.
func TestKillThenRestartReanimates(t *testing.T) {
	requireUnix(t)
	o := newOrchestrator(t)
	defs := []procdef.Definition{{Name: "web", Command: "sleep 10", Type: procdef.Service, Autostart: true}}
	if err := o.StartService("app", t.TempDir(), defs, nil, AllAutostart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, o, "app", "web", registry.Running, 500*time.Millisecond)

	if err := o.KillProcess("app", "web"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitState(t, o, "app", "web", registry.Stopped, time.Second)

	if err := o.RestartProcess("app", "web"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitState(t, o, "app", "web", registry.Running, 500*time.Millisecond)

	_ = o.StopService("app")
}
