// Package registry implements the connection registry: the authoritative
// conn<->participant<->addr map, heartbeat-based liveness, and eviction.
// Generalized from a single client-id-keyed map into three coherent
// indexes, kept consistent under one lock.
package registry

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"raceserver/internal/backpressure"
	"raceserver/internal/ids"
	"raceserver/internal/metrics"
)

// ErrAuthFailed is returned by Authenticate when the token is rejected.
var ErrAuthFailed = errors.New("registry: authentication failed")

// DatagramSender abstracts the minimal send capability a transport session
// offers, so tests can inject a mock.
type DatagramSender interface {
	SendDatagram([]byte) error
}

// Connection is one accepted transport connection, possibly not yet
// authenticated.
type Connection struct {
	ID              ids.ConnectionID
	PeerAddr        net.Addr
	DatagramAddr    net.Addr // set once a datagram arrives from this peer
	ParticipantID   ids.ParticipantID
	Authenticated   bool
	LastHeartbeat   time.Time
	StreamQueue     *backpressure.Queue
	DatagramSession DatagramSender
	Health          backpressure.Health
}

// Registry is the authoritative liveness/identity map. All three indexes
// (conn->info, participant->conn, addr->conn) are mutated under one lock so
// they never observe an inconsistent snapshot.
type Registry struct {
	mu sync.RWMutex

	byConn        map[ids.ConnectionID]*Connection
	byParticipant map[ids.ParticipantID]ids.ConnectionID
	byAddr        map[string]ids.ConnectionID

	nextConnID uint64
	authToken  string // shared secret; empty disables the check

	metrics *metrics.Metrics
	log     *slog.Logger

	// onEvicted is invoked (outside the lock) whenever a connection is
	// evicted, so the session runtime can clean up roster entries.
	onEvicted func(participantID ids.ParticipantID, reason string)
}

// New creates an empty registry. authToken, if non-empty, must match every
// Authenticate call's token.
func New(authToken string, m *metrics.Metrics) *Registry {
	return &Registry{
		byConn:        make(map[ids.ConnectionID]*Connection),
		byParticipant: make(map[ids.ParticipantID]ids.ConnectionID),
		byAddr:        make(map[string]ids.ConnectionID),
		authToken:     authToken,
		metrics:       m,
		log:           slog.With("component", "registry"),
	}
}

// SetOnEvicted registers the session-cleanup callback.
func (r *Registry) SetOnEvicted(fn func(ids.ParticipantID, string)) {
	r.mu.Lock()
	r.onEvicted = fn
	r.mu.Unlock()
}

// Register inserts a new unauthenticated connection and returns its id.
func (r *Registry) Register(addr net.Addr, queue *backpressure.Queue) ids.ConnectionID {
	r.mu.Lock()
	r.nextConnID++
	id := ids.ConnectionID(r.nextConnID)
	conn := &Connection{
		ID:            id,
		PeerAddr:      addr,
		LastHeartbeat: time.Now(),
		StreamQueue:   queue,
	}
	r.byConn[id] = conn
	if addr != nil {
		r.byAddr[addr.String()] = id
	}
	total := len(r.byConn)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(total))
	}
	r.log.Info("connection registered", "conn_id", id, "addr", addrString(addr), "total", total)
	return id
}

// Authenticate validates token, assigns a fresh participant id, and records
// the first heartbeat. It evicts nothing; a caller that detects a reused
// identity calls EvictPriorByParticipant.
func (r *Registry) Authenticate(connID ids.ConnectionID, token string) (ids.ParticipantID, error) {
	if r.authToken != "" && token != r.authToken {
		return ids.NilParticipantID, ErrAuthFailed
	}
	if token == "" {
		return ids.NilParticipantID, ErrAuthFailed
	}

	pid := ids.NewParticipantID()

	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return ids.NilParticipantID, errors.New("registry: unknown connection")
	}
	conn.ParticipantID = pid
	conn.Authenticated = true
	conn.LastHeartbeat = time.Now()
	r.byParticipant[pid] = connID
	r.mu.Unlock()

	r.log.Info("connection authenticated", "conn_id", connID, "participant_id", pid)
	return pid, nil
}

// EvictPriorByParticipant evicts any existing connection for a reused
// identity, used by the caller when a player reconnects under the same
// display name. reason is passed to Evict; any "session stolen" message to
// the prior connection is sent by the caller, not by this method.
func (r *Registry) EvictPriorByParticipant(pid ids.ParticipantID, reason string) (ids.ConnectionID, bool) {
	r.mu.RLock()
	connID, ok := r.byParticipant[pid]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	r.Evict(connID, reason)
	return connID, true
}

// Touch updates the last-heartbeat instant for a connection.
func (r *Registry) Touch(connID ids.ConnectionID) {
	r.mu.Lock()
	if conn, ok := r.byConn[connID]; ok {
		conn.LastHeartbeat = time.Now()
	}
	r.mu.Unlock()
}

// Reap evicts every authenticated connection whose heartbeat age exceeds
// timeout. Unauthenticated connections are reaped too, standing in for an
// explicit auth deadline.
func (r *Registry) Reap(now time.Time, timeout time.Duration) []ids.ConnectionID {
	r.mu.RLock()
	var stale []ids.ConnectionID
	for id, conn := range r.byConn {
		if now.Sub(conn.LastHeartbeat) > timeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Evict(id, "heartbeat timeout")
	}
	return stale
}

// Evict removes a connection from all indexes, closes its egress queue, and
// invokes the eviction callback for session cleanup.
func (r *Registry) Evict(connID ids.ConnectionID, reason string) {
	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	if conn.PeerAddr != nil {
		delete(r.byAddr, conn.PeerAddr.String())
	}
	if conn.Authenticated {
		delete(r.byParticipant, conn.ParticipantID)
	}
	cb := r.onEvicted
	pid := conn.ParticipantID
	wasAuth := conn.Authenticated
	total := len(r.byConn)
	r.mu.Unlock()

	if conn.StreamQueue != nil {
		conn.StreamQueue.Close()
	}
	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(total))
	}
	r.log.Info("connection evicted", "conn_id", connID, "reason", reason, "total", total)

	if wasAuth && cb != nil {
		cb(pid, reason)
	}
}

// EvictBackpressure is the Evict variant used when a critical message could
// not be enqueued; it also increments the backpressure eviction counter.
func (r *Registry) EvictBackpressure(connID ids.ConnectionID) {
	if r.metrics != nil {
		r.metrics.ClientsDisconnectedBackpressure.Inc()
	}
	r.Evict(connID, "backpressure: critical queue full")
}

// ConnectionByParticipant resolves a participant id to its live connection,
// or nil if not connected.
func (r *Registry) ConnectionByParticipant(pid ids.ParticipantID) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byParticipant[pid]
	if !ok {
		return nil
	}
	return r.byConn[connID]
}

// ConnectionByAddr resolves a datagram source address to its connection,
// used to correlate unauthenticated datagrams with an authenticated
// participant.
func (r *Registry) ConnectionByAddr(addr net.Addr) *Connection {
	if addr == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byAddr[addr.String()]
	if !ok {
		return nil
	}
	return r.byConn[connID]
}

// Connection returns the connection by id, or nil.
func (r *Registry) Connection(connID ids.ConnectionID) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// Count returns the number of registered connections (authenticated or not).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// AllConnections returns a snapshot of every currently registered
// connection, used by the shutdown coordinator's broadcast step.
func (r *Registry) AllConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byConn))
	for _, conn := range r.byConn {
		out = append(out, conn)
	}
	return out
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
