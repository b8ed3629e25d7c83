package supervisor

import (
	"fmt"
	"net"
)

// singleInstanceGuard holds a loopback TCP listener for the lifetime of
// one Helper process. A second process binding the same lock address
// fails with "address already in use", giving a POSIX-portable
// single-instance guard without a PID file or flock.
type singleInstanceGuard struct {
	lis net.Listener
}

// acquireSingleInstance binds addr exclusively. An empty addr disables
// the guard (used by integration tests that run multiple Supervisors
// in one process).
func acquireSingleInstance(addr string) (*singleInstanceGuard, error) {
	if addr == "" {
		return &singleInstanceGuard{}, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: another instance already holds %s: %w", addr, err)
	}
	return &singleInstanceGuard{lis: lis}, nil
}

func (g *singleInstanceGuard) release() error {
	if g.lis == nil {
		return nil
	}
	return g.lis.Close()
}
