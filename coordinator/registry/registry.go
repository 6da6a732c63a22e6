// Package registry tracks known scanning agents and derives their liveness
// from heartbeat age. Status is a pure function of (now, last_heartbeat,
// threshold) evaluated on every read, so a crashed agent shows inactive
// without a background sweeper.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/morpheuslord/Startup-SBOM/coordinator/store"
)

// DefaultStaleness is the heartbeat age beyond which an agent is inactive.
const DefaultStaleness = 5 * time.Minute

// ErrInvalidIdentity is returned when a registration lacks an agent_id.
var ErrInvalidIdentity = errors.New("agent_id is required")

// Identity is the caller-supplied agent identity. AgentID is required and
// must be stable across restarts; the rest is descriptive.
type Identity struct {
	AgentID   string `json:"agent_id"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	OSInfo    string `json:"os_info"`
}

// Registry implements agent registration, heartbeats and liveness reads.
type Registry struct {
	store     store.Store
	threshold time.Duration
	now       func() time.Time
}

// New creates a Registry. A non-positive threshold falls back to the default.
func New(s store.Store, threshold time.Duration) *Registry {
	if threshold <= 0 {
		threshold = DefaultStaleness
	}
	return &Registry{store: s, threshold: threshold, now: time.Now}
}

// Register upserts an agent by agent_id. The first registration fixes
// registered_at; every call refreshes the descriptive fields and counts as a
// heartbeat.
func (r *Registry) Register(ctx context.Context, id Identity) (*store.Agent, error) {
	if id.AgentID == "" {
		return nil, ErrInvalidIdentity
	}

	now := r.now().UTC()
	agent := &store.Agent{
		AgentID:       id.AgentID,
		Hostname:      id.Hostname,
		IPAddress:     id.IPAddress,
		OSInfo:        id.OSInfo,
		Status:        store.AgentActive,
		LastHeartbeat: &now,
		RegisteredAt:  now,
	}
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Heartbeat refreshes last_heartbeat. store.ErrNotFound means the agent was
// never registered and must re-register.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.store.TouchAgent(ctx, agentID, r.now().UTC())
}

// Get returns one agent with computed status, or (nil, nil) if unknown.
func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil || agent == nil {
		return nil, err
	}
	agent.Status = r.liveness(agent)
	return agent, nil
}

// List returns all known agents with computed status, newest first.
func (r *Registry) List(ctx context.Context) ([]*store.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		a.Status = r.liveness(a)
	}
	return agents, nil
}

// Delete removes an agent. Historical scans are orphaned, never deleted.
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	return r.store.DeleteAgent(ctx, agentID)
}

// ActiveSince returns the heartbeat cutoff used for "active" right now.
func (r *Registry) ActiveSince() time.Time {
	return r.now().Add(-r.threshold)
}

func (r *Registry) liveness(a *store.Agent) string {
	if a.LastHeartbeat == nil {
		return store.AgentInactive
	}
	if r.now().Sub(*a.LastHeartbeat) < r.threshold {
		return store.AgentActive
	}
	return store.AgentInactive
}
