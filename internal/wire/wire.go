// Package wire implements the control-socket protocol of spec.md §6:
// newline-delimited JSON requests and responses over a Unix domain socket,
// one request per line. It is an external-collaborator transport adapter —
// the core never imports it — but a complete daemon needs one, so it is
// kept deliberately thin: decode request, call the Orchestrator, encode
// response. Grounded on the teacher's server/util.go JSON-helper style
// (small named helpers, no framework) adapted from HTTP responses to a
// raw net.Conn.
package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrgnw/ubermind/internal/orchestrator"
	"github.com/mrgnw/ubermind/internal/procdef"
	"github.com/mrgnw/ubermind/internal/projects"
	"github.com/mrgnw/ubermind/internal/registry"
)

// Request mirrors the table in spec.md §6. Kind selects which fields are
// meaningful; unused fields are left zero. RequestID correlates a request
// with its response(s) in the daemon's logs — particularly useful for
// subscribe_output, whose "response" is a long-lived stream of envelopes
// rather than a single reply. A caller that omits it gets one minted by
// the server (see dispatch/streamOutput).
type Request struct {
	Kind      string               `json:"kind"`
	RequestID string               `json:"request_id,omitempty"`
	Service   string               `json:"service,omitempty"`
	Process   string               `json:"process,omitempty"`
	Dir       string               `json:"dir,omitempty"`
	Processes []procdef.Definition `json:"processes,omitempty"`
	ExtraEnv  map[string]string    `json:"extra_env,omitempty"`
	AllAuto   bool                 `json:"all_autostart,omitempty"`
	Explicit  []string             `json:"explicit,omitempty"`

	// Project and ProjectDir back list_projects/register_project/
	// unregister_project (SPEC_FULL.md supplement): a registered project is
	// just a name-to-directory mapping, carried in these two fields, separate
	// from Service/Dir.
	Project    string `json:"project,omitempty"`
	ProjectDir string `json:"project_dir,omitempty"`
}

// Response is the envelope every request kind replies with: one per
// request, except subscribe_output, which sends one per output chunk.
// RequestID echoes back the correlating Request.RequestID.
type Response struct {
	OK        bool                       `json:"ok"`
	RequestID string                     `json:"request_id,omitempty"`
	Error     string                     `json:"error,omitempty"`
	Services  []registry.ServiceSnapshot `json:"services,omitempty"`
	Bytes     []byte                     `json:"bytes,omitempty"`
	Projects  []projects.Project         `json:"projects,omitempty"`
}

// Server accepts connections on a Unix domain socket and serves the
// request kinds of spec.md §6 against an Orchestrator. Projects is
// optional: a nil Store makes list_projects/register_project/
// unregister_project fail with "projects not configured" rather than panic.
type Server struct {
	Path     string
	Orc      *orchestrator.Orchestrator
	Projects *projects.Store
	Log      *zap.SugaredLogger

	listener net.Listener
}

// Listen binds the Unix domain socket, removing a stale one left by a
// prior unclean shutdown.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.Path); err == nil {
		_ = os.Remove(s.Path)
	}
	l, err := net.Listen("unix", s.Path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Path, err)
	}
	s.listener = l
	return nil
}

// Serve runs the Acceptor task of spec.md §5 until ctx is cancelled or
// Close is called: one short-lived Handler task per accepted connection.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if s.Log != nil {
					s.Log.Errorw("control socket accept failed", "error", err)
				}
				return err
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	encoder := json.NewEncoder(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var req Request
			if jerr := json.Unmarshal(line, &req); jerr != nil {
				_ = encoder.Encode(Response{OK: false, Error: "malformed request: " + jerr.Error()})
			} else {
				if req.RequestID == "" {
					req.RequestID = uuid.NewString()
				}
				if req.Kind == "subscribe_output" {
					// subscribe_output streams until the client disconnects or ctx
					// is cancelled, rather than replying with a single envelope
					// (spec.md §6: "stream of bytes until cancelled").
					s.streamOutput(ctx, encoder, req)
					return
				}
				resp := s.dispatch(ctx, req)
				resp.RequestID = req.RequestID
				_ = encoder.Encode(resp)
			}
		}
		if err != nil {
			return
		}
	}
}

// streamOutput implements subscribe_output (spec.md §6): the current
// snapshot followed by live bytes, one Response per chunk, until the
// subscriber is dropped, the connection closes, or ctx is cancelled.
func (s *Server) streamOutput(ctx context.Context, encoder *json.Encoder, req Request) {
	out, err := s.Orc.GetOutput(req.Service, req.Process)
	if err != nil {
		resp := errResp(err)
		resp.RequestID = req.RequestID
		_ = encoder.Encode(resp)
		return
	}
	snapshot, sub := out.Subscribe()
	defer sub.Close()
	if s.Log != nil {
		s.Log.Debugw("subscribe_output started", "request_id", req.RequestID, "service", req.Service, "process", req.Process)
	}

	if len(snapshot) > 0 {
		if err := encoder.Encode(Response{OK: true, RequestID: req.RequestID, Bytes: snapshot}); err != nil {
			return
		}
	}
	for {
		select {
		case chunk, ok := <-sub.Chunks:
			if !ok {
				return
			}
			if err := encoder.Encode(Response{OK: true, RequestID: req.RequestID, Bytes: chunk}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Kind {
	case "status":
		return Response{OK: true, Services: s.Orc.Status(ctx)}

	case "start_service":
		filter := orchestrator.AllAutostart()
		if !req.AllAuto {
			filter = orchestrator.ExplicitList(req.Explicit)
		}
		if err := s.Orc.StartService(req.Service, req.Dir, req.Processes, req.ExtraEnv, filter); err != nil {
			return errResp(err)
		}
		return Response{OK: true}

	case "stop_service":
		if err := s.Orc.StopService(req.Service); err != nil {
			return errResp(err)
		}
		return Response{OK: true}

	case "reload_service":
		filter := orchestrator.AllAutostart()
		if !req.AllAuto {
			filter = orchestrator.ExplicitList(req.Explicit)
		}
		if err := s.Orc.ReloadService(req.Service, req.Dir, req.Processes, req.ExtraEnv, filter); err != nil {
			return errResp(err)
		}
		return Response{OK: true}

	case "restart_process":
		if err := s.Orc.RestartProcess(req.Service, req.Process); err != nil {
			return errResp(err)
		}
		return Response{OK: true}

	case "kill_process":
		if err := s.Orc.KillProcess(req.Service, req.Process); err != nil {
			return errResp(err)
		}
		return Response{OK: true}

	case "get_output_snapshot":
		out, err := s.Orc.GetOutput(req.Service, req.Process)
		if err != nil {
			return errResp(err)
		}
		return Response{OK: true, Bytes: out.Snapshot()}

	case "list_projects":
		if s.Projects == nil {
			return Response{OK: false, Error: "projects not configured"}
		}
		list, err := s.Projects.List()
		if err != nil {
			return errResp(err)
		}
		return Response{OK: true, Projects: list}

	case "register_project":
		if s.Projects == nil {
			return Response{OK: false, Error: "projects not configured"}
		}
		if err := s.Projects.Register(projects.Project{Name: req.Project, Dir: req.ProjectDir}); err != nil {
			return errResp(err)
		}
		return Response{OK: true}

	case "unregister_project":
		if s.Projects == nil {
			return Response{OK: false, Error: "projects not configured"}
		}
		if err := s.Projects.Unregister(req.Project); err != nil {
			return errResp(err)
		}
		return Response{OK: true}

	default:
		return Response{OK: false, Error: "unknown request kind: " + req.Kind}
	}
}

func errResp(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
