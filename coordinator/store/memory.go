package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds coordinator state in process memory. It implements the
// Store interface and is used for single-node operation and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	scans     map[string]*Scan
	scanOrder []string // scan IDs in creation order
	packages  map[string][]*Package
	vulns     map[string][]*Vulnerability
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*Agent),
		scans:    make(map[string]*Scan),
		packages: make(map[string][]*Package),
		vulns:    make(map[string][]*Vulnerability),
	}
}

// --- Agent Operations ---

func (s *MemoryStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.agents[agent.AgentID]; ok {
		// registered_at is immutable after first registration
		agent.RegisteredAt = existing.RegisteredAt
	}
	cp := *agent
	s.agents[agent.AgentID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		result = append(result, &cp)
	}
	// Newest registrations first
	sort.Slice(result, func(i, j int) bool {
		return result[i].RegisteredAt.After(result[j].RegisteredAt)
	})
	return result, nil
}

func (s *MemoryStore) TouchAgent(ctx context.Context, agentID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	hb := t
	a.LastHeartbeat = &hb
	a.Status = AgentActive
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return ErrNotFound
	}
	// Scans keep their agent_id and are left in place (orphaned).
	delete(s.agents, agentID)
	return nil
}

// --- Scan Operations ---

func (s *MemoryStore) CreateScan(ctx context.Context, scan *Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *scan
	s.scans[scan.ScanID] = &cp
	s.scanOrder = append(s.scanOrder, scan.ScanID)
	return nil
}

func (s *MemoryStore) GetScan(ctx context.Context, scanID string) (*Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scans[scanID]
	if !ok {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryStore) ListScans(ctx context.Context, f ScanFilter) ([]*Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Scan, 0)
	// Walk creation order backwards for newest-first
	for i := len(s.scanOrder) - 1; i >= 0; i-- {
		sc := s.scans[s.scanOrder[i]]
		if f.Status != "" && sc.Status != f.Status {
			continue
		}
		if f.AgentID != "" && sc.AgentID != f.AgentID {
			continue
		}
		cp := *sc
		result = append(result, &cp)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) PendingScans(ctx context.Context, agentID string) ([]*Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Scan, 0)
	for _, id := range s.scanOrder {
		sc := s.scans[id]
		if sc.AgentID == agentID && sc.Status == ScanPending {
			cp := *sc
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ClaimScan(ctx context.Context, scanID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scans[scanID]
	if !ok {
		return ErrNotFound
	}
	if sc.Status != ScanPending {
		return ErrConflict
	}
	started := t
	sc.Status = ScanRunning
	sc.StartedAt = &started
	return nil
}

func (s *MemoryStore) CommitResult(ctx context.Context, c *ResultCommit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scans[c.ScanID]
	if !ok {
		return false, ErrNotFound
	}
	if IsTerminal(sc.Status) {
		if sc.Status == c.Status {
			return false, nil // idempotent retry
		}
		return false, ErrConflict
	}
	if sc.Status == ScanPending {
		// running must not be skipped
		return false, ErrConflict
	}

	completed := c.CompletedAt
	sc.Status = c.Status
	sc.CompletedAt = &completed
	sc.ErrorMessage = c.ErrorMessage
	sc.Result = c.Result

	pkgs := make([]*Package, 0, len(c.Packages))
	for _, p := range c.Packages {
		cp := *p
		pkgs = append(pkgs, &cp)
	}
	vulns := make([]*Vulnerability, 0, len(c.Vulnerabilities))
	for _, v := range c.Vulnerabilities {
		cp := *v
		vulns = append(vulns, &cp)
	}
	s.packages[c.ScanID] = pkgs
	s.vulns[c.ScanID] = vulns
	return true, nil
}

func (s *MemoryStore) StaleRunning(ctx context.Context, olderThan time.Time) ([]*Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Scan, 0)
	for _, id := range s.scanOrder {
		sc := s.scans[id]
		if sc.Status == ScanRunning && sc.StartedAt != nil && sc.StartedAt.Before(olderThan) {
			cp := *sc
			result = append(result, &cp)
		}
	}
	return result, nil
}

// --- Result Sub-Records ---

func (s *MemoryStore) ListPackages(ctx context.Context, scanID string) ([]*Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Package, 0, len(s.packages[scanID]))
	for _, p := range s.packages[scanID] {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) ListVulnerabilities(ctx context.Context, scanID string) ([]*Vulnerability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Vulnerability, 0, len(s.vulns[scanID]))
	for _, v := range s.vulns[scanID] {
		cp := *v
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return SeverityRank(result[i].Severity) < SeverityRank(result[j].Severity)
	})
	return result, nil
}

// --- Statistics ---

func (s *MemoryStore) Stats(ctx context.Context, activeSince time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		TotalAgents:               len(s.agents),
		TotalScans:                len(s.scans),
		ScansByStatus:             make(map[string]int),
		VulnerabilitiesBySeverity: make(map[string]int),
	}
	for _, a := range s.agents {
		if a.LastHeartbeat != nil && a.LastHeartbeat.After(activeSince) {
			stats.ActiveAgents++
		}
	}
	dayAgo := time.Now().Add(-24 * time.Hour)
	for _, sc := range s.scans {
		stats.ScansByStatus[sc.Status]++
		if sc.CreatedAt.After(dayAgo) {
			stats.ScansLast24h++
		}
	}
	for _, vulns := range s.vulns {
		stats.TotalVulnerabilities += len(vulns)
		for _, v := range vulns {
			stats.VulnerabilitiesBySeverity[v.Severity]++
		}
	}
	return stats, nil
}
