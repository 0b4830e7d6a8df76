package domain

// Signer produces a detached signature over an outbound message body.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// Verifier checks a detached signature on an inbound message body.
// Authentication is delegated entirely to this collaborator; the gateway
// drops messages the verifier rejects.
type Verifier interface {
	Verify(senderID string, payload, signature []byte) error
}

// AuthorizationPolicy decides whether a requester may invoke a skill on a
// target agent. Denials are permanent: the handler answers with a failure
// response and never retries.
type AuthorizationPolicy interface {
	IsAllowed(requesterID, targetAgentID, skillName string) bool
}
