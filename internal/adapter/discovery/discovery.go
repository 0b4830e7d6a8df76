// Package discovery finds peer agents on the local network so a fresh agent
// can bootstrap its directory before the first broadcasts arrive.
package discovery

import "context"

// Peer is one agent found on the local network. The directory entry proper
// still comes from the peer's signed announce; this only tells us where to
// listen.
type Peer struct {
	AgentID  string
	Address  string
	Metadata map[string]string
}

// Discoverer scans for peers and advertises this agent.
type Discoverer interface {
	// Scan browses the local network for peer agents.
	Scan(ctx context.Context) ([]Peer, error)
	// Advertise announces this agent until ctx is cancelled. Blocks; run it
	// in a goroutine.
	Advertise(ctx context.Context, agentID string, port int, metadata map[string]string) error
}

// NoopDiscoverer is the placeholder used when mDNS support is not compiled
// in.
type NoopDiscoverer struct{}

// NewNoopDiscoverer creates a NoopDiscoverer.
func NewNoopDiscoverer() *NoopDiscoverer { return &NoopDiscoverer{} }

// Scan returns nil without the mdns build tag.
func (NoopDiscoverer) Scan(context.Context) ([]Peer, error) { return nil, nil }

// Advertise blocks until ctx is cancelled.
func (NoopDiscoverer) Advertise(ctx context.Context, _ string, _ int, _ map[string]string) error {
	<-ctx.Done()
	return nil
}
