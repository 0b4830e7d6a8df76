package gateway

import (
	"openclaw/internal/domain"
)

// Kind discriminates the wire events.
type Kind string

const (
	KindAnnounce         Kind = "agent.announce"
	KindDiscover         Kind = "agent.discover"
	KindDiscoverResponse Kind = "agent.discover.response"
	KindRequest          Kind = "agent.request"
	KindRequestResponse  Kind = "agent.request.response"
	KindStatusUpdate     Kind = "agent.status.update"
)

// Message is the closed union of decoded wire events. Only the six types in
// this file implement it.
type Message interface {
	Kind() Kind
	sealed()
}

// Announce is a full capability snapshot from one agent.
type Announce struct {
	Identity domain.AgentIdentity `json:"identity"`
}

// Discover asks the receiving agent for matching directory records.
type Discover struct {
	RequesterID string                  `json:"requester_id"`
	Query       domain.CapabilityFilter `json:"query"`
}

// DiscoverResponse returns the records the responder knows about.
type DiscoverResponse struct {
	RequesterID string                    `json:"requester_id"`
	Agents      []domain.CapabilityRecord `json:"agents"`
}

// Request carries one service request to its target.
type Request struct {
	Request domain.ServiceRequest `json:"request"`
}

// RequestResponse carries the outcome back to the requester.
type RequestResponse struct {
	Response domain.ServiceResponse `json:"response"`
}

// StatusUpdate is a liveness snapshot broadcast to the mesh.
type StatusUpdate struct {
	Snapshot domain.StatusSnapshot `json:"snapshot"`
}

func (Announce) Kind() Kind         { return KindAnnounce }
func (Discover) Kind() Kind         { return KindDiscover }
func (DiscoverResponse) Kind() Kind { return KindDiscoverResponse }
func (Request) Kind() Kind          { return KindRequest }
func (RequestResponse) Kind() Kind  { return KindRequestResponse }
func (StatusUpdate) Kind() Kind     { return KindStatusUpdate }

func (Announce) sealed()         {}
func (Discover) sealed()         {}
func (DiscoverResponse) sealed() {}
func (Request) sealed()          {}
func (RequestResponse) sealed()  {}
func (StatusUpdate) sealed()     {}
