package metrics

import "sync"

// Event names. Each is exported as the `event` label of a single counter.
const (
	WSConnectionsOpened = "ws_connections_opened"
	WSConnectionsClosed = "ws_connections_closed"

	RoomJoin         = "room_join"
	RoomJoinRejected = "room_join_rejected"
	RoomLeave        = "room_leave"
	RoomDisconnect   = "room_disconnect"
	MuteUpdate       = "mute_update"

	RelayDelivered     = "relay_delivered"
	RelayUnknownTarget = "relay_unknown_target"

	CredentialsIssued = "credentials_issued"

	MalformedMessage = "malformed_message"
	RateLimited      = "rate_limited"
	SendBackpressure = "send_backpressure"
)

// Metrics is a minimal, concurrency-safe counter registry.
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

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
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
