//go:build !mdns

package discovery

import "log/slog"

// New returns the noop discoverer; mDNS support needs the "mdns" build tag.
func New(_ *slog.Logger) Discoverer { return NewNoopDiscoverer() }
