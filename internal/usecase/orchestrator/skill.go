package orchestrator

import (
	"context"
	"encoding/json"

	"openclaw/internal/domain"
)

// RunSkill exposes the orchestrator over the mesh as a regular skill, so
// any authorized agent can submit a workflow and get the finished run back.
// Escalation still happens inside Run; the caller sees the terminal state.
func RunSkill(o *Orchestrator) domain.SkillSpec {
	return domain.SkillSpec{
		Name:        "workflow.run",
		Description: "executes a workflow and returns the finished run",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name":    {"type": "string", "minLength": 1},
				"pattern": {"type": "string", "enum": ["chain", "parallel", "single"]},
				"steps":   {"type": "array", "minItems": 1}
			},
			"required": ["name", "pattern", "steps"]
		}`),
		Handler: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var spec domain.WorkflowSpec
			if err := json.Unmarshal(input, &spec); err != nil {
				return nil, domain.NewSubSystemError("workflow", "run_skill", domain.ErrInvalidInput, err.Error())
			}
			run, err := o.Run(ctx, spec)
			if err != nil {
				return nil, err
			}
			return json.Marshal(run)
		},
	}
}
