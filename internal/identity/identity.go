// Package identity builds cluster identifiers and unique dealer identities.
package identity

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Process describes the running process. Tests substitute a fixed one.
type Process interface {
	PID() int
	Hostname() (string, error)
}

type osProcess struct{}

func (osProcess) PID() int                  { return os.Getpid() }
func (osProcess) Hostname() (string, error) { return os.Hostname() }

// OS returns the Process of the current operating system process.
func OS() Process { return osProcess{} }

// Static is a fixed Process.
type Static struct {
	Pid  int
	Host string
}

func (s Static) PID() int                  { return s.Pid }
func (s Static) Hostname() (string, error) { return s.Host, nil }

// Bootstrap hands out identities for one process. It owns the counters
// that keep dealer identities unique within that process, so each Bootstrap
// stands for an independent process.
type Bootstrap struct {
	proc Process

	mu       sync.Mutex
	counters map[string]uint64
}

// NewBootstrap returns a Bootstrap for proc; nil means the OS process.
func NewBootstrap(proc Process) *Bootstrap {
	if proc == nil {
		proc = OS()
	}
	return &Bootstrap{proc: proc, counters: make(map[string]uint64)}
}

func (b *Bootstrap) PID() int { return b.proc.PID() }

// Hostname returns the machine hostname, or "localhost" if it is unknown.
func (b *Bootstrap) Hostname() string {
	h, err := b.proc.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// ClusterID returns configured, or the machine hostname when it is empty.
func (b *Bootstrap) ClusterID(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	h, err := b.proc.Hostname()
	if err != nil {
		return "", fmt.Errorf("identity: resolve hostname for cluster id: %w", err)
	}
	if h == "" {
		return "", errors.New("identity: empty hostname; configure a cluster id")
	}
	return h, nil
}

// DealerIdentity returns a new identity "<cluster>:<pid>:<n>" where n counts
// up per cluster for the lifetime of the Bootstrap.
func (b *Bootstrap) DealerIdentity(clusterID string) string {
	b.mu.Lock()
	b.counters[clusterID]++
	n := b.counters[clusterID]
	b.mu.Unlock()
	return fmt.Sprintf("%s:%d:%d", clusterID, b.proc.PID(), n)
}
