// Package httpapi is the HTTP/WebSocket façade of spec.md §6: the same
// operations as internal/wire, exposed over a fixed TCP port for a
// dashboard client. An external collaborator like internal/wire — the core
// never imports it — grounded on the teacher's internal/server.Router
// (gin, one handler per operation, JSON helpers) with the addition of a
// gorilla/websocket streaming endpoint the teacher has no analogue for
// (the teacher's live-tail story is file-tailing, not push streaming).
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mrgnw/ubermind/internal/metrics"
	"github.com/mrgnw/ubermind/internal/orchestrator"
	"github.com/mrgnw/ubermind/internal/procdef"
	"github.com/mrgnw/ubermind/internal/projects"
)

func promHandler() http.Handler { return metrics.Handler() }

// DefaultAddr is spec.md §6's default façade port.
const DefaultAddr = ":13369"

type Router struct {
	orc      *orchestrator.Orchestrator
	projects *projects.Store
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

// NewRouter wires orc and projects (optional; nil disables the /projects
// endpoints with a 404) into a Router.
func NewRouter(orc *orchestrator.Orchestrator, store *projects.Store, log *zap.SugaredLogger) *Router {
	return &Router{
		orc:      orc,
		projects: store,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (rt *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/status", rt.handleStatus)
	g.POST("/services/:name/start", rt.handleStart)
	g.POST("/services/:name/stop", rt.handleStop)
	g.POST("/services/:name/reload", rt.handleReload)
	g.POST("/services/:name/processes/:process/restart", rt.handleRestartProcess)
	g.POST("/services/:name/processes/:process/kill", rt.handleKillProcess)
	g.GET("/services/:name/processes/:process/output", rt.handleOutputSnapshot)
	g.GET("/ws/echo/*target", rt.handleWebSocket)
	g.GET("/projects", rt.handleListProjects)
	g.POST("/projects", rt.handleRegisterProject)
	g.DELETE("/projects/:name", rt.handleUnregisterProject)
	g.GET("/metrics", gin.WrapH(promHandler()))

	return g
}

// NewServer starts a standalone HTTP server, mirroring the teacher's
// server.NewServer shape (background ListenAndServe, short grace window
// for immediate-bind errors).
func NewServer(addr string, orc *orchestrator.Orchestrator, store *projects.Store, log *zap.SugaredLogger) (*http.Server, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	router := NewRouter(orc, store, log)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // streaming endpoints must not be write-deadlined
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(100 * time.Millisecond):
	}
	return srv, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.JSON(code, v)
}

func (rt *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, rt.orc.Status(c.Request.Context()))
}

type startBody struct {
	Dir       string               `json:"dir"`
	Processes []procdef.Definition `json:"processes"`
	ExtraEnv  map[string]string    `json:"extra_env"`
	Explicit  []string             `json:"explicit,omitempty"`
}

func (rt *Router) handleStart(c *gin.Context) {
	var body startBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	filter := orchestrator.AllAutostart()
	if len(body.Explicit) > 0 {
		filter = orchestrator.ExplicitList(body.Explicit)
	}
	name := c.Param("name")
	if err := rt.orc.StartService(name, body.Dir, body.Processes, body.ExtraEnv, filter); err != nil {
		writeJSON(c, http.StatusConflict, gin.H{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (rt *Router) handleStop(c *gin.Context) {
	if err := rt.orc.StopService(c.Param("name")); err != nil {
		writeJSON(c, http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (rt *Router) handleReload(c *gin.Context) {
	var body startBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	filter := orchestrator.AllAutostart()
	if len(body.Explicit) > 0 {
		filter = orchestrator.ExplicitList(body.Explicit)
	}
	name := c.Param("name")
	if err := rt.orc.ReloadService(name, body.Dir, body.Processes, body.ExtraEnv, filter); err != nil {
		writeJSON(c, http.StatusConflict, gin.H{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (rt *Router) handleRestartProcess(c *gin.Context) {
	if err := rt.orc.RestartProcess(c.Param("name"), c.Param("process")); err != nil {
		writeJSON(c, http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (rt *Router) handleKillProcess(c *gin.Context) {
	if err := rt.orc.KillProcess(c.Param("name"), c.Param("process")); err != nil {
		writeJSON(c, http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (rt *Router) handleOutputSnapshot(c *gin.Context) {
	out, err := rt.orc.GetOutput(c.Param("name"), c.Param("process"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", out.Snapshot())
}

func (rt *Router) handleListProjects(c *gin.Context) {
	if rt.projects == nil {
		writeJSON(c, http.StatusNotFound, gin.H{"ok": false, "error": "projects not configured"})
		return
	}
	list, err := rt.projects.List()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "projects": list})
}

type registerProjectBody struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

func (rt *Router) handleRegisterProject(c *gin.Context) {
	if rt.projects == nil {
		writeJSON(c, http.StatusNotFound, gin.H{"ok": false, "error": "projects not configured"})
		return
	}
	var body registerProjectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err := rt.projects.Register(projects.Project{Name: body.Name, Dir: body.Dir}); err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (rt *Router) handleUnregisterProject(c *gin.Context) {
	if rt.projects == nil {
		writeJSON(c, http.StatusNotFound, gin.H{"ok": false, "error": "projects not configured"})
		return
	}
	if err := rt.projects.Unregister(c.Param("name")); err != nil {
		writeJSON(c, http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

// handleWebSocket serves /ws/echo/{service.process} (spec.md §6's
// "service_or_service.process" target — this façade requires the dotted
// form since Output Capture is per-process): a live tail carrying the same
// stream as subscribe_output.
func (rt *Router) handleWebSocket(c *gin.Context) {
	target := strings.TrimPrefix(c.Param("target"), "/")
	service, process, ok := splitTarget(target)
	if !ok {
		writeJSON(c, http.StatusBadRequest, gin.H{"ok": false, "error": "target must be service.process"})
		return
	}

	out, err := rt.orc.GetOutput(service, process)
	if err != nil {
		writeJSON(c, http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
		return
	}

	conn, err := rt.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// streamID identifies this websocket connection in the daemon's logs,
	// as request_id does for a subscribe_output stream on the control
	// socket (SPEC_FULL.md domain stack: google/uuid for
	// request/subscription correlation).
	streamID := uuid.NewString()
	if rt.log != nil {
		rt.log.Debugw("websocket output stream started", "stream_id", streamID, "service", service, "process", process)
	}

	snapshot, sub := out.Subscribe()
	defer sub.Close()

	if len(snapshot) > 0 {
		if err := conn.WriteMessage(websocket.BinaryMessage, snapshot); err != nil {
			return
		}
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go drainClientReads(ctx, conn, cancel)

	for {
		select {
		case chunk, ok := <-sub.Chunks:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// drainClientReads discards inbound frames (this endpoint is output-only)
// purely to detect client disconnects, per gorilla/websocket's documented
// pattern of always having a reader running.
func drainClientReads(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func splitTarget(target string) (service, process string, ok bool) {
	if target == "" {
		return "", "", false
	}
	parts := strings.SplitN(target, ".", 2)
	if len(parts) == 1 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
