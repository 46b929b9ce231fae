package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mrgnw/ubermind/internal/env"
	"github.com/mrgnw/ubermind/internal/logrotate"
	"github.com/mrgnw/ubermind/internal/orchestrator"
	"github.com/mrgnw/ubermind/internal/procdef"
	"github.com/mrgnw/ubermind/internal/projects"
	"github.com/mrgnw/ubermind/internal/registry"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require /bin/sh and unix sockets")
	}
}

func startTestServer(t *testing.T) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	logs := logrotate.NewManager(t.TempDir())
	orc := orchestrator.New(registry.New(), env.New(), logs, 300*time.Millisecond, nil)
	srv := &Server{Path: filepath.Join(t.TempDir(), "ctl.sock"), Orc: orc}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(cancel)
	return srv, orc
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", srv.Path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStatusRoundTrip(t *testing.T) {
	requireUnix(t)
	srv, _ := startTestServer(t)
	conn := dial(t, srv)

	if err := json.NewEncoder(conn).Encode(Request{Kind: "status"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected ok, got error %q", resp.Error)
	}
}

func TestRequestIDIsEchoedAndMintedWhenAbsent(t *testing.T) {
	requireUnix(t)
	srv, _ := startTestServer(t)
	conn := dial(t, srv)

	if err := json.NewEncoder(conn).Encode(Request{Kind: "status", RequestID: "abc-123"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "abc-123" {
		t.Fatalf("expected echoed request_id, got %q", resp.RequestID)
	}

	conn2 := dial(t, srv)
	if err := json.NewEncoder(conn2).Encode(Request{Kind: "status"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var resp2 Response
	if err := json.NewDecoder(bufio.NewReader(conn2)).Decode(&resp2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp2.RequestID == "" {
		t.Fatal("expected server to mint a request_id when the caller omits one")
	}
}

func TestProjectsRoundTrip(t *testing.T) {
	requireUnix(t)
	logs := logrotate.NewManager(t.TempDir())
	orc := orchestrator.New(registry.New(), env.New(), logs, 300*time.Millisecond, nil)
	store := projects.NewStore(filepath.Join(t.TempDir(), "projects.yaml"))
	srv := &Server{Path: filepath.Join(t.TempDir(), "ctl.sock"), Orc: orc, Projects: store}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	conn := dial(t, srv)
	req := Request{Kind: "register_project", Project: "app", ProjectDir: t.TempDir()}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK {
		t.Fatalf("register_project failed: %s", resp.Error)
	}

	conn2 := dial(t, srv)
	if err := json.NewEncoder(conn2).Encode(Request{Kind: "list_projects"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var listResp Response
	if err := json.NewDecoder(bufio.NewReader(conn2)).Decode(&listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !listResp.OK || len(listResp.Projects) != 1 || listResp.Projects[0].Name != "app" {
		t.Fatalf("expected one registered project named app, got %+v (ok=%v)", listResp.Projects, listResp.OK)
	}
}

func TestUnknownServiceReturnsError(t *testing.T) {
	requireUnix(t)
	srv, _ := startTestServer(t)
	conn := dial(t, srv)

	if err := json.NewEncoder(conn).Encode(Request{Kind: "stop_service", Service: "ghost"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK {
		t.Fatal("expected error response for unknown service")
	}
}

func TestSubscribeOutputStreamsSnapshotThenLiveBytes(t *testing.T) {
	requireUnix(t)
	srv, orc := startTestServer(t)

	defs := []procdef.Definition{{
		Name: "web", Command: "echo hello; sleep 10", Type: procdef.Service, Autostart: true,
	}}
	if err := orc.StartService("app", t.TempDir(), defs, nil, orchestrator.AllAutostart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = orc.StopService("app") })

	conn := dial(t, srv)
	if err := json.NewEncoder(conn).Encode(Request{Kind: "subscribe_output", Service: "app", Process: "web"}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	type result struct {
		body string
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		dec := json.NewDecoder(bufio.NewReader(conn))
		var sb strings.Builder
		for {
			var resp Response
			if err := dec.Decode(&resp); err != nil {
				resultCh <- result{sb.String(), err}
				return
			}
			if !resp.OK {
				resultCh <- result{sb.String(), nil}
				return
			}
			sb.Write(resp.Bytes)
			if strings.Contains(sb.String(), "hello") {
				resultCh <- result{sb.String(), nil}
				return
			}
		}
	}()

	select {
	case res := <-resultCh:
		if !strings.Contains(res.body, "hello") {
			t.Fatalf("never observed %q in stream, got %q (err=%v)", "hello", res.body, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe_output stream timed out")
	}
}
