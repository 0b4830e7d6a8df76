package skill

import (
	"context"
	"encoding/json"
	"time"

	"openclaw/internal/domain"
)

// PingSpec is the diagnostic skill every agent serves. It answers with the
// receive timestamp so peers can measure mesh round trips.
func PingSpec() domain.SkillSpec {
	return domain.SkillSpec{
		Name:        "ping",
		Description: "replies with the time the request was served",
		Handler: func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]string{
				"pong": time.Now().UTC().Format(time.RFC3339Nano),
			})
		},
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"pong": {"type": "string"}},
			"required": ["pong"]
		}`),
	}
}
