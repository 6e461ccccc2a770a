package scheduler

import "github.com/limiquantix/consolidation/internal/datacenter"

// HostRepository provides the hosts the scheduler may choose from, in
// iteration order.
type HostRepository interface {
	Hosts() []*datacenter.Host
}

// OverloadDetector decides whether a host would be overloaded at a given
// CPU utilization.
type OverloadDetector interface {
	IsOverloadedAt(h *datacenter.Host, utilization float64) bool
}
