package security

import (
	"sync"
)

// AllowAllPolicy authorizes every requester. Meant for closed meshes and
// tests; production deployments configure an allowlist.
type AllowAllPolicy struct{}

// IsAllowed always returns true.
func (AllowAllPolicy) IsAllowed(_, _, _ string) bool { return true }

// AllowlistPolicy authorizes requesters per skill. A requester entry may
// name individual skills or "*" for all of them.
type AllowlistPolicy struct {
	mu    sync.RWMutex
	rules map[string]map[string]struct{} // requester id -> skill set
}

// NewAllowlistPolicy builds a policy from requester -> allowed skills.
func NewAllowlistPolicy(rules map[string][]string) *AllowlistPolicy {
	p := &AllowlistPolicy{rules: make(map[string]map[string]struct{}, len(rules))}
	for requester, skills := range rules {
		set := make(map[string]struct{}, len(skills))
		for _, s := range skills {
			set[s] = struct{}{}
		}
		p.rules[requester] = set
	}
	return p
}

// Allow grants a requester access to a skill at runtime.
func (p *AllowlistPolicy) Allow(requesterID, skillName string) {
	p.mu.Lock()
	set, ok := p.rules[requesterID]
	if !ok {
		set = make(map[string]struct{})
		p.rules[requesterID] = set
	}
	set[skillName] = struct{}{}
	p.mu.Unlock()
}

// Revoke removes a requester's access to a skill.
func (p *AllowlistPolicy) Revoke(requesterID, skillName string) {
	p.mu.Lock()
	if set, ok := p.rules[requesterID]; ok {
		delete(set, skillName)
	}
	p.mu.Unlock()
}

// IsAllowed reports whether the requester may invoke the skill. The target
// agent id is accepted for interface symmetry; rules are local to this
// agent already.
func (p *AllowlistPolicy) IsAllowed(requesterID, _ string, skillName string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.rules[requesterID]
	if !ok {
		return false
	}
	if _, all := set["*"]; all {
		return true
	}
	_, ok = set[skillName]
	return ok
}
