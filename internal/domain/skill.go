package domain

import (
	"context"
	"encoding/json"
)

// SkillHandler is the executable unit behind a capability. The context
// carries the execution deadline; handlers are expected to honor ctx
// cancellation cooperatively and clean up their own resources. The core
// never inspects a handler's internals, only its declared schemas.
type SkillHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// SkillSpec declares a skill at registration time.
type SkillSpec struct {
	Name         string
	Description  string
	Handler      SkillHandler
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	RateLimit    RateLimit
}
