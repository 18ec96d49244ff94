package metrics

import "sync"

// Counter names used across the signaling relay.
const (
	EventUpgradeAccepted    = "upgrade_accepted"
	EventUpgradeRejected    = "upgrade_rejected"
	EventMessagesRelayed    = "messages_relayed"
	EventLivenessTerminated = "liveness_terminated"
	EventRoomsCreated       = "rooms_created"
	EventRoomsDeleted       = "rooms_deleted"
	EventConnectionsClosed  = "connections_closed"
)

// Rejection reasons, recorded as separate counters alongside
// EventUpgradeRejected.
const (
	RejectAuthMissing   = "reject_auth_missing"
	RejectAuthMalformed = "reject_auth_malformed"
	RejectAuthInvalid   = "reject_auth_invalid"
	RejectRoomMissing   = "reject_room_missing"
	RejectRoomFull      = "reject_room_full"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Counters are exposed in Prometheus' text format by PrometheusHandler; the
// registry itself stays backend-agnostic so lifecycle logic remains testable
// without a scraper.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
