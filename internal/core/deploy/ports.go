package deploy

import "errors"

// =============================================================================
// Staging Port Allocation
// =============================================================================

// ErrNoAvailablePorts is returned when every port in the range is taken.
var ErrNoAvailablePorts = errors.New("no available ports in range")

// PortRange defines the host ports available for container bindings behind
// the public proxy. Blue and green containers each hold one port from this
// range; the public port itself belongs to the proxy and is never allocated.
type PortRange struct {
	Start int // Inclusive
	End   int // Inclusive
}

// DefaultPortRange returns the default staging port range.
func DefaultPortRange() PortRange {
	return PortRange{Start: 9000, End: 9099}
}

// Contains reports whether a port falls inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// AllocatePort finds the first port in the range not present in usedPorts.
// Pure function - takes used ports as input, returns the allocated port.
func AllocatePort(usedPorts []int, portRange PortRange) (int, error) {
	used := make(map[int]bool, len(usedPorts))
	for _, p := range usedPorts {
		used[p] = true
	}

	for port := portRange.Start; port <= portRange.End; port++ {
		if !used[port] {
			return port, nil
		}
	}

	return 0, ErrNoAvailablePorts
}
