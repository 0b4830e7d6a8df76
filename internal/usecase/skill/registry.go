// Package skill holds the local skill registry and executor: the typed,
// rate-limited units of work an agent advertises to the mesh.
package skill

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"openclaw/internal/domain"
)

// Registry maps skill names to executable units with compiled input/output
// schemas and per-skill rate limits.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*entry
	logger *slog.Logger
}

type entry struct {
	spec      domain.SkillSpec
	inSchema  *jsonschema.Schema
	outSchema *jsonschema.Schema
	window    *slidingWindow
}

// NewRegistry creates an empty skill registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		skills: make(map[string]*entry),
		logger: logger,
	}
}

// Register adds a skill. Schemas are compiled eagerly so a bad schema fails
// at registration, not on the first request. Duplicate names are rejected.
func (r *Registry) Register(spec domain.SkillSpec) error {
	if spec.Name == "" || spec.Handler == nil {
		return domain.NewSubSystemError("skill", "Registry.Register", domain.ErrInvalidInput, "name and handler are required")
	}

	compiler := jsonschema.NewCompiler()

	var inSchema, outSchema *jsonschema.Schema
	var err error
	if len(spec.InputSchema) > 0 {
		inSchema, err = compiler.Compile(spec.InputSchema)
		if err != nil {
			return domain.NewSubSystemError("schema", "Registry.Register", domain.ErrInvalidInput, "input schema: "+err.Error())
		}
	}
	if len(spec.OutputSchema) > 0 {
		outSchema, err = compiler.Compile(spec.OutputSchema)
		if err != nil {
			return domain.NewSubSystemError("schema", "Registry.Register", domain.ErrInvalidInput, "output schema: "+err.Error())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[spec.Name]; exists {
		return domain.NewSubSystemError("skill", "Registry.Register", domain.ErrDuplicate, spec.Name)
	}
	r.skills[spec.Name] = &entry{
		spec:      spec,
		inSchema:  inSchema,
		outSchema: outSchema,
		window:    newSlidingWindow(spec.RateLimit),
	}
	r.logger.Info("skill registered", "skill", spec.Name, "rate_limit", spec.RateLimit.MaxCalls)
	return nil
}

// Unregister removes a skill by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.skills[name]; !ok {
		return domain.NewSubSystemError("skill", "Registry.Unregister", domain.ErrNotFound, name)
	}
	delete(r.skills, name)
	r.logger.Info("skill unregistered", "skill", name)
	return nil
}

// get returns the registry entry for a skill.
func (r *Registry) get(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.skills[name]
	r.mu.RUnlock()

	if !ok {
		return nil, domain.NewSubSystemError("skill", "Registry.get", domain.ErrNotFound, name)
	}
	return e, nil
}

// Capabilities returns the advertised capability set for the registered
// skills, sorted by name. This is what an announce publishes.
func (r *Registry) Capabilities() []domain.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]domain.Capability, 0, len(r.skills))
	for _, e := range r.skills {
		caps = append(caps, domain.Capability{
			SkillName:    e.spec.Name,
			Description:  e.spec.Description,
			InputSchema:  e.spec.InputSchema,
			OutputSchema: e.spec.OutputSchema,
			RateLimit:    e.spec.RateLimit,
		})
	}
	sort.Slice(caps, func(i, j int) bool {
		return caps[i].SkillName < caps[j].SkillName
	})
	return caps
}

// NextWindowReset reports when the named skill's rate window frees up again.
// Zero time means the skill is not currently limited.
func (r *Registry) NextWindowReset(name string) time.Time {
	e, err := r.get(name)
	if err != nil {
		return time.Time{}
	}
	return e.window.nextReset(time.Now())
}
