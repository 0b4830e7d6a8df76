// Package directory maintains this agent's eventually-consistent cache of
// peer capabilities and reputations.
package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"openclaw/internal/domain"
)

// Config tunes record freshness and reputation smoothing.
type Config struct {
	TTL               time.Duration // freshness window for discovery results
	GracePeriod       time.Duration // retention past TTL for reputation continuity
	ReputationAlpha   float64       // EWMA smoothing constant
	InitialReputation float64       // neutral prior for unseen agents
	LatencyNorm       time.Duration // latency at which a success scores 0.5
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
	if c.ReputationAlpha <= 0 || c.ReputationAlpha > 1 {
		c.ReputationAlpha = 0.3
	}
	if c.InitialReputation <= 0 {
		c.InitialReputation = 0.5
	}
	if c.LatencyNorm <= 0 {
		c.LatencyNorm = 10 * time.Second
	}
}

// record is one directory entry. The map mutex guards membership; each
// record has its own lock so concurrent outcome recording for different
// agents never contends, and updates for the same agent are never lost.
type record struct {
	mu         sync.Mutex
	identity   domain.AgentIdentity
	lastSeen   time.Time
	reputation float64
	ttlExpiry  time.Time
}

// Directory is the local capability cache. Each agent owns its own
// directory; peers converge through announces and status broadcasts.
type Directory struct {
	cfg    Config
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	records map[string]*record
}

// New creates a directory. bus may be nil.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Directory {
	cfg.applyDefaults()
	return &Directory{
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// Announce replaces any existing record for identity.ID wholesale. An
// announce is a full snapshot: capabilities are never merged. Reputation
// carries over so a re-announcing agent keeps its history.
func (d *Directory) Announce(identity domain.AgentIdentity) {
	now := d.now()

	d.mu.Lock()
	rec, exists := d.records[identity.ID]
	if !exists {
		rec = &record{reputation: d.cfg.InitialReputation}
		d.records[identity.ID] = rec
	}
	d.mu.Unlock()

	rec.mu.Lock()
	rec.identity = identity
	rec.lastSeen = now
	rec.ttlExpiry = now.Add(d.cfg.TTL)
	rec.mu.Unlock()

	d.publish(domain.EventAnnounceReceived, identity.ID, nil)
	d.logger.Debug("capability record announced",
		"agent_id", identity.ID,
		"capabilities", len(identity.Capabilities),
	)
}

// UpdateStatus refreshes a record from a status broadcast. Unknown agents
// are ignored; they become visible only through a full announce.
func (d *Directory) UpdateStatus(snap domain.StatusSnapshot) {
	d.mu.RLock()
	rec, ok := d.records[snap.AgentID]
	d.mu.RUnlock()
	if !ok {
		return
	}

	now := d.now()
	rec.mu.Lock()
	rec.identity.Status = snap.Status
	rec.lastSeen = now
	if snap.Status != domain.StateOffline {
		rec.ttlExpiry = now.Add(d.cfg.TTL)
	}
	rec.mu.Unlock()
}

// Lookup returns matching records ordered by reputation descending, ties
// broken by last_seen descending. Expired records and agents that are not
// available are excluded unless the filter overrides.
func (d *Directory) Lookup(filter domain.CapabilityFilter) []domain.CapabilityRecord {
	now := d.now()

	d.mu.RLock()
	recs := make([]*record, 0, len(d.records))
	for _, rec := range d.records {
		recs = append(recs, rec)
	}
	d.mu.RUnlock()

	out := make([]domain.CapabilityRecord, 0, len(recs))
	for _, rec := range recs {
		snap := rec.snapshot()
		if snap.Expired(now) && !filter.IncludeExpired {
			continue
		}
		if snap.Identity.Status != domain.StateAvailable && !filter.IncludeUnavailable {
			continue
		}
		if !filter.Matches(snap.Identity) {
			continue
		}
		out = append(out, snap)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Reputation != out[j].Reputation {
			return out[i].Reputation > out[j].Reputation
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Get returns a copy of one record regardless of freshness or status.
func (d *Directory) Get(agentID string) (domain.CapabilityRecord, error) {
	d.mu.RLock()
	rec, ok := d.records[agentID]
	d.mu.RUnlock()
	if !ok {
		return domain.CapabilityRecord{}, domain.NewSubSystemError("agent", "Directory.Get", domain.ErrNotFound, agentID)
	}
	return rec.snapshot(), nil
}

// RecordOutcome folds one request outcome into the agent's reputation via an
// exponentially weighted moving average. Success scores 1.0 scaled down by a
// normalized latency penalty; failure scores 0.0. The result stays in [0,1]
// for any input sequence.
func (d *Directory) RecordOutcome(agentID string, success bool, latency time.Duration) {
	d.mu.RLock()
	rec, ok := d.records[agentID]
	d.mu.RUnlock()
	if !ok {
		// Outcome for an agent we never saw announce; nothing to update.
		d.logger.Debug("outcome for unknown agent dropped", "agent_id", agentID)
		return
	}

	score := 0.0
	if success {
		score = 1.0 / (1.0 + latency.Seconds()/d.cfg.LatencyNorm.Seconds())
	}

	rec.mu.Lock()
	rec.reputation = d.cfg.ReputationAlpha*score + (1-d.cfg.ReputationAlpha)*rec.reputation
	if rec.reputation < 0 {
		rec.reputation = 0
	}
	if rec.reputation > 1 {
		rec.reputation = 1
	}
	updated := rec.reputation
	rec.mu.Unlock()

	d.publish(domain.EventReputationUpdated, agentID, map[string]any{
		"reputation": updated,
		"success":    success,
	})
}

// Merge folds discovery results from a peer into the cache. A remote record
// wins only when we have none or ours is staler; local reputation history is
// kept in preference to a third party's opinion.
func (d *Directory) Merge(records []domain.CapabilityRecord) {
	for _, remote := range records {
		d.mu.Lock()
		rec, exists := d.records[remote.Identity.ID]
		if !exists {
			d.records[remote.Identity.ID] = &record{
				identity:   remote.Identity,
				lastSeen:   remote.LastSeen,
				reputation: d.cfg.InitialReputation,
				ttlExpiry:  remote.TTLExpiry,
			}
			d.mu.Unlock()
			continue
		}
		d.mu.Unlock()

		rec.mu.Lock()
		if remote.LastSeen.After(rec.lastSeen) {
			rec.identity = remote.Identity
			rec.lastSeen = remote.LastSeen
			rec.ttlExpiry = remote.TTLExpiry
		}
		rec.mu.Unlock()
	}
}

// Remove deletes a record outright.
func (d *Directory) Remove(agentID string) {
	d.mu.Lock()
	delete(d.records, agentID)
	d.mu.Unlock()
}

// Purge drops records whose grace period has passed and returns how many
// were removed. Expired-but-in-grace records stay for reputation continuity.
func (d *Directory) Purge() int {
	cutoff := d.now().Add(-d.cfg.GracePeriod)

	var removed []string
	d.mu.Lock()
	for id, rec := range d.records {
		rec.mu.Lock()
		gone := rec.ttlExpiry.Before(cutoff)
		rec.mu.Unlock()
		if gone {
			delete(d.records, id)
			removed = append(removed, id)
		}
	}
	d.mu.Unlock()

	for _, id := range removed {
		d.publish(domain.EventRecordExpired, id, nil)
		d.logger.Debug("capability record purged", "agent_id", id)
	}
	return len(removed)
}

// Len returns the number of records, including expired ones in grace.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

func (r *record) snapshot() domain.CapabilityRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.CapabilityRecord{
		Identity:   r.identity,
		LastSeen:   r.lastSeen,
		Reputation: r.reputation,
		TTLExpiry:  r.ttlExpiry,
	}
}

func (d *Directory) publish(t domain.EventType, agentID string, payload map[string]any) {
	if d.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	d.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: d.now(),
		AgentID:   agentID,
		Payload:   raw,
	})
}
