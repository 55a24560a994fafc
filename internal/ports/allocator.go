// Package ports hands out free host TCP ports for machine deployments.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrNoPortAvailable is returned once the attempt limit is exhausted.
var ErrNoPortAvailable = errors.New("no free port available")

// ContainerPorts exposes the container engine's view of host port bindings.
// Satisfied by *docker.Runtime.
type ContainerPorts interface {
	UsedHostPorts(ctx context.Context) (map[int]struct{}, error)
}

// Allocator scans for a free host port starting from a moving cursor. The
// cursor advances on every attempt, successful or not, so repeated calls
// never re-propose the port they just handed out.
type Allocator struct {
	mu   sync.Mutex
	next int

	base         int
	maxAttempts  int
	probeTimeout time.Duration
	containers   ContainerPorts
}

// Opts configures an Allocator. Zero values default to base port 8000,
// 100 attempts, and a 5s container-engine probe timeout.
type Opts struct {
	Base         int
	MaxAttempts  int
	ProbeTimeout time.Duration
	Containers   ContainerPorts
}

func NewAllocator(opts Opts) *Allocator {
	base := opts.Base
	if base <= 0 {
		base = 8000
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 100
	}
	probe := opts.ProbeTimeout
	if probe <= 0 {
		probe = 5 * time.Second
	}
	return &Allocator{
		next:         base,
		base:         base,
		maxAttempts:  attempts,
		probeTimeout: probe,
		containers:   opts.Containers,
	}
}

// Allocate returns a host port that is free according to both the OS socket
// table and the container engine's port bindings. If the engine's view
// cannot be obtained the allocation fails rather than risking a collision.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()
	bound, err := a.containers.UsedHostPorts(probeCtx)
	if err != nil {
		return 0, fmt.Errorf("cannot verify container port bindings: %w", err)
	}

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		port := a.advance()
		if _, taken := bound[port]; taken {
			continue
		}
		if !osPortFree(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrNoPortAvailable, a.maxAttempts)
}

// advance returns the current cursor position and moves it forward,
// wrapping back to base at the top of the port range.
func (a *Allocator) advance() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	port := a.next
	a.next++
	if a.next > 65535 {
		a.next = a.base
	}
	return port
}

// osPortFree probes the OS socket table by attempting to bind the port.
func osPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
