package registry

import "sync"

// Connection is the registry's view of a live agent session. The concrete
// type is owned by the gateway; the registry only needs identity.
type Connection interface {
	SocketID() string
}

// Registry enforces the single-session invariant: at most one live
// connection per participant id at any instant. All mutation happens inside
// one critical section, so concurrent connection attempts for the same
// identity serialize here.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Connection
}

func New() *Registry {
	return &Registry{conns: make(map[string]Connection)}
}

// Register installs conn as the active connection for participantID. If a
// prior connection exists it is returned; the caller must force-close it and
// release its queue subscription.
func (r *Registry) Register(participantID string, conn Connection) (evicted Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[participantID]
	r.conns[participantID] = conn
	if prev != nil && prev.SocketID() == conn.SocketID() {
		return nil
	}
	return prev
}

// Unregister removes the entry for participantID, but only while conn is
// still the active one. A stale connection torn down after eviction must not
// remove its successor.
func (r *Registry) Unregister(participantID string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	curr, ok := r.conns[participantID]
	if !ok {
		return
	}
	if conn == nil || curr.SocketID() == conn.SocketID() {
		delete(r.conns, participantID)
	}
}

// Lookup returns the active connection for participantID, if any.
func (r *Registry) Lookup(participantID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[participantID]
	return conn, ok
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
