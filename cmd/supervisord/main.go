// Command supervisord is the daemon entrypoint. It is intentionally thin:
// CLI flag parsing is an external collaborator per spec.md §1, so this
// file only wires flags straight into the core's constructors and starts
// the transport adapters. Grounded on the teacher's cmd/provisr/main.go
// (cobra root command, flags feeding a Manager) and daemon.go's
// foreground-serve shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mrgnw/ubermind/internal/dlog"
	"github.com/mrgnw/ubermind/internal/env"
	"github.com/mrgnw/ubermind/internal/httpapi"
	"github.com/mrgnw/ubermind/internal/logrotate"
	"github.com/mrgnw/ubermind/internal/metrics"
	"github.com/mrgnw/ubermind/internal/orchestrator"
	"github.com/mrgnw/ubermind/internal/projects"
	"github.com/mrgnw/ubermind/internal/registry"
	"github.com/mrgnw/ubermind/internal/wire"
)

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "supervisord.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("supervisord-%d.sock", os.Getuid()))
}

func defaultLogRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "supervisord", "log")
	}
	return filepath.Join(home, ".local", "state", "supervisord", "log")
}

func defaultProjectsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "supervisord", "projects.yaml")
	}
	return filepath.Join(home, ".local", "state", "supervisord", "projects.yaml")
}

func main() {
	var (
		socketPath   string
		httpAddr     string
		logRoot      string
		projectsFile string
		grace        time.Duration
		debug        bool
	)

	root := &cobra.Command{
		Use:   "supervisord",
		Short: "multi-project process supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), socketPath, httpAddr, logRoot, projectsFile, grace, debug)
		},
	}
	root.Flags().StringVar(&socketPath, "socket", defaultSocketPath(), "control socket path")
	root.Flags().StringVar(&httpAddr, "http", httpapi.DefaultAddr, "HTTP/WebSocket façade listen address")
	root.Flags().StringVar(&logRoot, "log-root", defaultLogRoot(), "root directory for per-process rotated logs")
	root.Flags().StringVar(&projectsFile, "projects-file", defaultProjectsFile(), "path to the registered-projects YAML file")
	root.Flags().DurationVar(&grace, "grace", 5*time.Second, "tree-kill SIGTERM grace window")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, socketPath, httpAddr, logRoot, projectsFile string, grace time.Duration, debug bool) error {
	logger, err := dlog.New(dlog.Config{Dir: logRoot, Debug: debug})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	reg := registry.New()
	merger := env.New()
	logs := logrotate.NewManager(logRoot)
	orc := orchestrator.New(reg, merger, logs, grace, logger)
	store := projects.NewStore(projectsFile)

	logs.StartExpiry(time.Hour, ctx.Done())

	srv := &wire.Server{Path: socketPath, Orc: orc, Projects: store, Log: logger}
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	logger.Infow("control socket listening", "path", socketPath)

	httpSrv, err := httpapi.NewServer(httpAddr, orc, store, logger)
	if err != nil {
		return fmt.Errorf("http façade: %w", err)
	}
	logger.Infow("http façade listening", "addr", httpAddr)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Errorw("control socket serve exited", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = srv.Close()
	_ = os.Remove(socketPath)
	return nil
}
