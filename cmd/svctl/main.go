// Command svctl is the thin client collaborator of spec.md §1: it only
// speaks the control-socket protocol (internal/wire) and renders
// responses; it contains no supervision logic. Grounded on the teacher's
// cmd/provisr/client.go (dial, encode request, decode response, print).
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mrgnw/ubermind/internal/procfile"
	"github.com/mrgnw/ubermind/internal/wire"
)

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "supervisord.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("supervisord-%d.sock", os.Getuid()))
}

func send(socketPath string, req wire.Request) (wire.Response, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return wire.Response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return wire.Response{}, err
	}

	var resp wire.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return wire.Response{}, err
	}
	return resp, nil
}

// tail opens its own connection and issues subscribe_output (spec.md §6):
// the server replies with one Response per chunk rather than a single
// envelope, so this bypasses send/printResponse and streams until the
// connection closes or the process is interrupted.
func tail(socketPath, service, process string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(wire.Request{Kind: "subscribe_output", Service: service, Process: process}); err != nil {
		return err
	}

	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var resp wire.Response
		if err := dec.Decode(&resp); err != nil {
			return nil
		}
		if !resp.OK {
			return fmt.Errorf("%s", resp.Error)
		}
		os.Stdout.Write(resp.Bytes)
	}
}

func printResponse(resp wire.Response) error {
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	if resp.Services != nil {
		b, _ := json.MarshalIndent(resp.Services, "", "  ")
		fmt.Println(string(b))
	}
	if resp.Bytes != nil {
		os.Stdout.Write(resp.Bytes)
	}
	if resp.Projects != nil {
		b, _ := json.MarshalIndent(resp.Projects, "", "  ")
		fmt.Println(string(b))
	}
	return nil
}

func main() {
	var socketPath string

	root := &cobra.Command{Use: "svctl", Short: "control client for supervisord"}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "control socket path")

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "print a snapshot of every registered service",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(socketPath, wire.Request{Kind: "status"})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	})

	var restartEnabled bool
	var maxRetries int
	startCmd := &cobra.Command{
		Use:   "start [service] [dir]",
		Args:  cobra.ExactArgs(2),
		Short: "discover a Procfile in dir and start it as a named service",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := procfile.LoadDir(args[1])
			if err != nil {
				return err
			}
			defs := procfile.ToDefinitions(entries, restartEnabled, maxRetries)
			resp, err := send(socketPath, wire.Request{
				Kind:    "start_service",
				Service: args[0],
				Dir:     args[1],
				Processes: defs,
				AllAuto: true,
			})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	startCmd.Flags().BoolVar(&restartEnabled, "restart", true, "enable restart-on-crash for every declared process")
	startCmd.Flags().IntVar(&maxRetries, "max-retries", -1, "restart cap; negative means unlimited")
	root.AddCommand(startCmd)

	var reloadRestartEnabled bool
	var reloadMaxRetries int
	reloadCmd := &cobra.Command{
		Use:   "reload [service] [dir]",
		Args:  cobra.ExactArgs(2),
		Short: "re-read dir's Procfile and replace the service's process set",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := procfile.LoadDir(args[1])
			if err != nil {
				return err
			}
			defs := procfile.ToDefinitions(entries, reloadRestartEnabled, reloadMaxRetries)
			resp, err := send(socketPath, wire.Request{
				Kind:      "reload_service",
				Service:   args[0],
				Dir:       args[1],
				Processes: defs,
				AllAuto:   true,
			})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	reloadCmd.Flags().BoolVar(&reloadRestartEnabled, "restart", true, "enable restart-on-crash for every declared process")
	reloadCmd.Flags().IntVar(&reloadMaxRetries, "max-retries", -1, "restart cap; negative means unlimited")
	root.AddCommand(reloadCmd)

	root.AddCommand(&cobra.Command{
		Use:   "stop [service]",
		Args:  cobra.ExactArgs(1),
		Short: "stop a service and remove it from the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(socketPath, wire.Request{Kind: "stop_service", Service: args[0]})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "restart [service] [process]",
		Args:  cobra.ExactArgs(2),
		Short: "restart one process, resetting its restart counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(socketPath, wire.Request{Kind: "restart_process", Service: args[0], Process: args[1]})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "kill [service] [process]",
		Args:  cobra.ExactArgs(2),
		Short: "stop one process without relaunching it",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(socketPath, wire.Request{Kind: "kill_process", Service: args[0], Process: args[1]})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "output [service] [process]",
		Args:  cobra.ExactArgs(2),
		Short: "print the current Output Capture snapshot for one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(socketPath, wire.Request{Kind: "get_output_snapshot", Service: args[0], Process: args[1]})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "tail [service] [process]",
		Args:  cobra.ExactArgs(2),
		Short: "stream a process's output until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tail(socketPath, args[0], args[1])
		},
	})

	projectsCmd := &cobra.Command{
		Use:   "projects",
		Short: "manage the registered-projects directory (SPEC_FULL.md supplement)",
	}
	projectsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list every registered project",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(socketPath, wire.Request{Kind: "list_projects"})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	})
	projectsCmd.AddCommand(&cobra.Command{
		Use:   "register [name] [dir]",
		Args:  cobra.ExactArgs(2),
		Short: "register (or replace) a named project directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			resp, err := send(socketPath, wire.Request{Kind: "register_project", Project: args[0], ProjectDir: dir})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	})
	projectsCmd.AddCommand(&cobra.Command{
		Use:   "unregister [name]",
		Args:  cobra.ExactArgs(1),
		Short: "remove a registered project",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(socketPath, wire.Request{Kind: "unregister_project", Project: args[0]})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	})
	root.AddCommand(projectsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
