// Package portalloc hands out free loopback ports for app instances.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrResourceExhaustion means no free port could be found within the retry budget.
var ErrResourceExhaustion = errors.New("no free port available")

const defaultAttempts = 20

// Allocator remembers the ports it handed out so two instances started in
// the same harness process never share one.
type Allocator struct {
	mu       sync.Mutex
	held     map[int]bool
	host     string
	attempts int
	listen   func(network, address string) (net.Listener, error)
}

// New returns an allocator binding probes on 127.0.0.1.
func New() *Allocator {
	return &Allocator{
		held:     make(map[int]bool),
		host:     "127.0.0.1",
		attempts: defaultAttempts,
		listen:   net.Listen,
	}
}

// WithAttempts sets the retry budget.
func (a *Allocator) WithAttempts(n int) *Allocator {
	if n > 0 {
		a.attempts = n
	}
	return a
}

// Allocate returns a port that is currently unbound and not held by a
// previous allocation.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var lastErr error
	for i := 0; i < a.attempts; i++ {
		l, err := a.listen("tcp", net.JoinHostPort(a.host, "0"))
		if err != nil {
			lastErr = err
			continue
		}
		port := l.Addr().(*net.TCPAddr).Port
		if err := l.Close(); err != nil {
			lastErr = err
			continue
		}
		if a.held[port] {
			lastErr = fmt.Errorf("port %d already held", port)
			continue
		}
		a.held[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w after %d attempts: %v", ErrResourceExhaustion, a.attempts, lastErr)
}

// Release makes a port eligible again once its instance has stopped.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}

// Held reports how many ports are currently handed out.
func (a *Allocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}
