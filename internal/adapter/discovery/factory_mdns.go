//go:build mdns

package discovery

import "log/slog"

// New returns the mDNS discoverer.
func New(logger *slog.Logger) Discoverer { return NewMDNSDiscoverer(logger) }
