package instances

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortManager hands out the TCP ports bots listen on. A port stays reserved
// until ReleasePort, even if nothing is bound to it yet.
type PortManager struct {
	mu            sync.Mutex
	host          string
	minPort       int
	maxPort       int
	allocated     map[int]bool
	nextCandidate int
}

// NewPortManager creates a PortManager for [minPort, maxPort] on host.
func NewPortManager(host string, minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		host:          host,
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]bool),
		nextCandidate: minPort,
	}, nil
}

// AllocatePort reserves the next port in range that is neither reserved nor
// bound by another process.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	size := pm.maxPort - pm.minPort + 1
	for i := 0; i < size; i++ {
		port := pm.nextCandidate
		pm.nextCandidate++
		if pm.nextCandidate > pm.maxPort {
			pm.nextCandidate = pm.minPort
		}

		if pm.allocated[port] || !pm.isFree(port) {
			continue
		}
		pm.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w in range [%d-%d]", ErrNoPortAvailable, pm.minPort, pm.maxPort)
}

func (pm *PortManager) isFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(pm.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// ReleasePort returns port to the pool. Ports outside the range are ignored.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}

// Allocated returns how many ports are currently reserved.
func (pm *PortManager) Allocated() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.allocated)
}

func (pm *PortManager) Host() string {
	return pm.host
}
