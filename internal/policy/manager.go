package policy

import (
	"PolicyLedger/internal/custody"
)

// Manager holds every live record plus the latest observation per price
// feed. Not thread-safe: only accessed from the single-threaded
// deterministic core.
type Manager struct {
	policies    map[custody.Address]*Policy
	protections map[custody.Address]*Protection
	feeds       map[string]*FeedState
}

// FeedState tracks the latest observation per feed
type FeedState struct {
	Magnitude    int64
	Exponent     int32
	PublishTime  int64 // Epoch microseconds
	FeedSequence int64
}

func NewManager() *Manager {
	return &Manager{
		policies:    make(map[custody.Address]*Policy),
		protections: make(map[custody.Address]*Protection),
		feeds:       make(map[string]*FeedState),
	}
}

// GetPolicy returns the record at an address or nil
func (m *Manager) GetPolicy(addr custody.Address) *Policy {
	return m.policies[addr]
}

// PutPolicy stores a record at its derived address
func (m *Manager) PutPolicy(p *Policy) {
	m.policies[p.Address] = p
}

// DeletePolicy removes a closed record. Closure is terminal; the address can
// never be reused because the nonce that derived it is burned with it.
func (m *Manager) DeletePolicy(addr custody.Address) {
	delete(m.policies, addr)
}

// GetProtection returns the record at an address or nil
func (m *Manager) GetProtection(addr custody.Address) *Protection {
	return m.protections[addr]
}

// PutProtection stores a record at its derived address
func (m *Manager) PutProtection(p *Protection) {
	m.protections[p.Address] = p
}

// UpdateFeed processes a price update for one feed. Stale or duplicate
// sequences are silently ignored; gaps are tolerated because a missed tick
// only delays the next quote, it cannot corrupt state.
func (m *Manager) UpdateFeed(feed string, magnitude int64, exponent int32, publishTime int64, sequence int64) {
	current := m.feeds[feed]

	if current != nil && sequence <= current.FeedSequence {
		return
	}

	m.feeds[feed] = &FeedState{
		Magnitude:    magnitude,
		Exponent:     exponent,
		PublishTime:  publishTime,
		FeedSequence: sequence,
	}
}

// GetFeed returns the latest observation for a feed
func (m *Manager) GetFeed(feed string) (*FeedState, bool) {
	state := m.feeds[feed]
	if state == nil {
		return nil, false
	}
	return state, true
}

// PolicyCount returns the number of live authority-mediated records
func (m *Manager) PolicyCount() int {
	return len(m.policies)
}

// ProtectionCount returns the number of protection records, claimed included
func (m *Manager) ProtectionCount() int {
	return len(m.protections)
}

// === Snapshot support ===

// GetAllPolicies returns copies of all live records (for snapshot creation).
// Copies, not the live pointers: the snapshot is serialized outside the core
// goroutine and must stay frozen at the captured state.
func (m *Manager) GetAllPolicies() []*Policy {
	result := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		cp := *p
		result = append(result, &cp)
	}
	return result
}

// GetAllProtections returns copies of all protection records (for snapshot creation)
func (m *Manager) GetAllProtections() []*Protection {
	result := make([]*Protection, 0, len(m.protections))
	for _, p := range m.protections {
		cp := *p
		result = append(result, &cp)
	}
	return result
}

// GetAllFeeds returns copies of all feed states (for snapshot creation)
func (m *Manager) GetAllFeeds() map[string]*FeedState {
	result := make(map[string]*FeedState, len(m.feeds))
	for k, v := range m.feeds {
		cp := *v
		result[k] = &cp
	}
	return result
}

// RestoreFeed directly sets a feed state (used for snapshot restore)
func (m *Manager) RestoreFeed(feed string, fs *FeedState) {
	m.feeds[feed] = fs
}
