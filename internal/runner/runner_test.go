package runner

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mrgnw/ubermind/internal/capture"
	"github.com/mrgnw/ubermind/internal/env"
	"github.com/mrgnw/ubermind/internal/procdef"
	"github.com/mrgnw/ubermind/internal/registry"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require /bin/sh")
	}
}

func newTestRunner(def procdef.Definition) (*Runner, *registry.Process) {
	def = def.Normalize()
	ring := capture.New(4096, nil)
	proc := registry.NewProcess("app", def, ring)
	r := &Runner{
		Proc:    proc,
		WorkDir: "",
		Merger:  env.New(),
		Grace:   300 * time.Millisecond,
	}
	return r, proc
}

func waitTerminal(t *testing.T, proc *registry.Process, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if proc.State().Terminal() {
			return
		}
		select {
		case <-tick.C:
		case <-deadline:
			t.Fatalf("process did not reach terminal state, stuck in %s", proc.State())
		}
	}
}

// scenario 1 of spec.md §8: start and observe a running process producing
// output.
func TestRunStartAndProduceOutput(t *testing.T) {
	requireUnix(t)
	r, proc := newTestRunner(procdef.Definition{
		Name:    "web",
		Command: "echo hello; sleep 10",
		Type:    procdef.Service,
	})
	done := make(chan struct{})
	go r.Run(done)
	defer proc.RequestCancel()

	deadline := time.After(500 * time.Millisecond)
	for {
		if proc.State() == registry.Running && proc.PID() > 0 {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("process never reached Running, state=%s", proc.State())
		}
	}

	deadline = time.After(time.Second)
	for {
		if strings.Contains(string(proc.Capture.Snapshot()), "hello") {
			break
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("output never contained %q, got %q", "hello", proc.Capture.Snapshot())
		}
	}
}

// scenario 2 of spec.md §8: crash and restart with a cap.
func TestRunCrashRestartCap(t *testing.T) {
	requireUnix(t)
	r, proc := newTestRunner(procdef.Definition{
		Name:           "flaky",
		Command:        "exit 3",
		Type:           procdef.Service,
		RestartEnabled: true,
		MaxRetries:     2,
		RestartDelay:   0,
	})
	done := make(chan struct{})
	go r.Run(done)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not terminate")
	}

	if proc.State() != registry.Failed {
		t.Fatalf("expected Failed, got %s", proc.State())
	}
	if got := proc.RestartCount(); got != 2 {
		t.Fatalf("expected restart counter 2, got %d", got)
	}
	code, known := proc.LastExit()
	if !known || code != 3 {
		t.Fatalf("expected last exit code 3, got %d (known=%v)", code, known)
	}
}

// scenario 3 of spec.md §8: Task semantics, both exit codes.
func TestRunTaskSemantics(t *testing.T) {
	requireUnix(t)

	r, proc := newTestRunner(procdef.Definition{
		Name: "once-ok", Command: "exit 0", Type: procdef.Task,
	})
	done := make(chan struct{})
	go r.Run(done)
	<-done
	if proc.State() != registry.Exited {
		t.Fatalf("expected Exited, got %s", proc.State())
	}
	if proc.RestartCount() != 0 {
		t.Fatalf("task must never restart, counter=%d", proc.RestartCount())
	}

	r2, proc2 := newTestRunner(procdef.Definition{
		Name: "once-fail", Command: "exit 1", Type: procdef.Task,
	})
	done2 := make(chan struct{})
	go r2.Run(done2)
	<-done2
	if proc2.State() != registry.Failed {
		t.Fatalf("expected Failed, got %s", proc2.State())
	}
}

// scenario 4 of spec.md §8: graceful stop honors the grace window before
// escalating to SIGKILL.
func TestRunGracefulStopEscalatesToSIGKILL(t *testing.T) {
	requireUnix(t)
	r, proc := newTestRunner(procdef.Definition{
		Name:    "stubborn",
		Command: `trap "" TERM; sleep 30`,
		Type:    procdef.Service,
	})
	r.Grace = 300 * time.Millisecond
	done := make(chan struct{})
	go r.Run(done)

	deadline := time.After(500 * time.Millisecond)
	for proc.State() != registry.Running {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("process never reached Running")
		}
	}

	start := time.Now()
	proc.RequestCancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not terminate after cancel")
	}
	if elapsed := time.Since(start); elapsed < r.Grace {
		t.Fatalf("stop completed before grace window elapsed: %s", elapsed)
	}
	if proc.State() != registry.Stopped {
		t.Fatalf("expected Stopped, got %s", proc.State())
	}
}

func TestRestartDelayBackoff(t *testing.T) {
	def := procdef.Definition{RestartDelay: 0}
	if d := restartDelay(def, 1); d != 250*time.Millisecond {
		t.Fatalf("attempt 1: expected 250ms, got %s", d)
	}
	if d := restartDelay(def, 2); d != 500*time.Millisecond {
		t.Fatalf("attempt 2: expected 500ms, got %s", d)
	}
	if d := restartDelay(def, 20); d != maxBackoff {
		t.Fatalf("attempt 20: expected cap %s, got %s", maxBackoff, d)
	}

	fixed := procdef.Definition{RestartDelay: 7 * time.Second}
	if d := restartDelay(fixed, 5); d != 7*time.Second {
		t.Fatalf("explicit delay should be used unchanged, got %s", d)
	}
}
