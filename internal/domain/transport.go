package domain

import "context"

// Frame is one raw message received from the network. Source is the
// transport-level sender address when the transport knows it; the
// authoritative sender identity comes from the signed envelope.
type Frame struct {
	Source  string
	Payload []byte
}

// Transport moves opaque bytes between agents with at-most-once delivery.
// The core does not retransmit at this layer; resubmission is the sender's
// responsibility. Implementations must make Send safe for concurrent use.
type Transport interface {
	// Send delivers payload to a single agent address.
	Send(ctx context.Context, destination string, payload []byte) error
	// Broadcast delivers payload to every listening agent.
	Broadcast(ctx context.Context, payload []byte) error
	// Receive returns the channel of inbound frames. The channel is closed
	// when the transport shuts down.
	Receive() <-chan Frame
	// Close shuts down the transport and closes the receive channel.
	Close() error
}
