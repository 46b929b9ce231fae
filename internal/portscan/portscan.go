// Package portscan implements §4.6 Port Introspection: for a Managed
// Process's process group, resolve the set of listening TCP ports owned by
// any member PID. Grounded on the teacher's detector/procstart_unix.go use
// of gopsutil for process introspection; POSIX-only per spec.md's Non-goals
// (no cross-platform abstraction), so syscall.Getpgid is used directly
// rather than reimplementing group lookup per OS.
package portscan

import (
	"context"
	"sort"
	"syscall"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// DefaultTimeout bounds how long introspection may take (spec.md §4.6:
// "default 500 ms"); exceeding it returns an empty list rather than an error.
const DefaultTimeout = 500 * time.Millisecond

// ListeningPorts enumerates leaderPID's process group and returns the
// unique, ascending list of TCP ports any member has LISTENing. Returns an
// empty slice (not an error) on timeout, per spec.md §4.6.
func ListeningPorts(ctx context.Context, leaderPID int) []uint32 {
	if leaderPID <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	done := make(chan []uint32, 1)
	go func() { done <- compute(leaderPID) }()

	select {
	case ports := <-done:
		return ports
	case <-ctx.Done():
		return nil
	}
}

func compute(leaderPID int) []uint32 {
	members, err := groupMembers(leaderPID)
	if err != nil || len(members) == 0 {
		return nil
	}

	seen := make(map[uint32]struct{})
	for _, pid := range members {
		conns, err := gopsnet.ConnectionsPid("tcp", pid)
		if err != nil {
			continue
		}
		for _, c := range conns {
			if c.Status == "LISTEN" {
				seen[c.Laddr.Port] = struct{}{}
			}
		}
	}

	ports := make([]uint32, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// groupMembers returns the PIDs that share leaderPID's process-group id:
// leaderPID itself plus any descendant that inherited the group (children
// are placed in it via setpgid(0,0) at spawn; grandchildren inherit it
// unless they call setpgid themselves).
func groupMembers(leaderPID int) ([]int32, error) {
	all, err := gopsprocess.Pids()
	if err != nil {
		return nil, err
	}
	members := make([]int32, 0, 4)
	for _, pid := range all {
		pgid, err := syscall.Getpgid(int(pid))
		if err != nil {
			continue
		}
		if pgid == leaderPID {
			members = append(members, pid)
		}
	}
	return members, nil
}
