// Package registry is the authoritative table of live bridge connections. It
// is the single writer of client identity and connection lifetime: every
// other component reads and mutates this state exclusively through registry
// operations.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/autobridge/autobridge/protocol"
)

// ClientIdentity describes one connected peer. The registry owns this data;
// callers always receive copies and never observe in-place mutation.
type ClientIdentity struct {
	ID           string                `json:"id"`
	Role         protocol.Role         `json:"role"`
	Name         string                `json:"name"`
	Version      string                `json:"version,omitempty"`
	ConnectedAt  time.Time             `json:"connectedAt"`
	LastActivity time.Time             `json:"lastActivity"`
	Status       protocol.ClientStatus `json:"status"`
}

// NewIdentity builds a provisional identity for a freshly accepted
// connection. The role and name are placeholders until the peer announces
// itself via its authentication notification.
func NewIdentity(id string, role protocol.Role, name string) ClientIdentity {
	now := time.Now()
	return ClientIdentity{
		ID:           id,
		Role:         role,
		Name:         name,
		ConnectedAt:  now,
		LastActivity: now,
		Status:       protocol.StatusConnecting,
	}
}

// Handle is the outbound send capability for one transport session. Send must
// not block on slow peers beyond the transport's own write deadline, and Open
// must be safe to call after the underlying session has closed.
type Handle interface {
	Send(data []byte) error
	Open() bool
}

// Listener observes registration lifecycle events. Callbacks run
// synchronously on the mutating goroutine; a panicking listener is recovered
// and logged, never allowed to break registry invariants.
type Listener interface {
	ClientConnected(connID string, identity ClientIdentity)
	ClientDisconnected(connID string, identity ClientIdentity)
}

type connection struct {
	handle   Handle
	identity ClientIdentity
}

// Registry maps connection ids to live connections. All methods are safe for
// concurrent use.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[string]*connection

	lmu       sync.RWMutex
	listeners []Listener
}

// New constructs an empty registry. A nil logger discards output.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		log:   log,
		conns: make(map[string]*connection),
	}
}

// Register inserts a connection under connID. If the id is already present
// the previous entry is displaced (last writer wins) and its disconnect
// notification fires before the new entry's connect notification.
func (r *Registry) Register(connID string, h Handle, identity ClientIdentity) {
	r.mu.Lock()
	displaced, hadOld := r.conns[connID]
	r.conns[connID] = &connection{handle: h, identity: identity}
	r.mu.Unlock()

	if hadOld {
		old := displaced.identity
		old.Status = protocol.StatusDisconnected
		r.log.Warn("connection id reused; displacing previous entry",
			slog.String("conn_id", connID), slog.String("client", old.ID))
		r.notifyDisconnected(connID, old)
	}

	r.log.Info("client registered",
		slog.String("conn_id", connID),
		slog.String("role", string(identity.Role)))
	r.notifyConnected(connID, identity)
}

// Unregister removes the connection. Calling it again for the same id is a
// no-op; disconnect listeners fire only on the removal that found an entry.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	identity := conn.identity
	identity.Status = protocol.StatusDisconnected
	r.log.Info("client unregistered", slog.String("conn_id", connID))
	r.notifyDisconnected(connID, identity)
}

// UpdateIdentity replaces the stored identity for connID atomically. Returns
// false when the connection is not present.
func (r *Registry) UpdateIdentity(connID string, identity ClientIdentity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	conn.identity = identity
	return true
}

// TouchActivity records peer activity on connID.
func (r *Registry) TouchActivity(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connID]; ok {
		conn.identity.LastActivity = time.Now()
	}
}

// SetStatus updates the lifecycle status for connID.
func (r *Registry) SetStatus(connID string, status protocol.ClientStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connID]; ok {
		conn.identity.Status = status
	}
}

// Get returns a copy of the identity for connID.
func (r *Registry) Get(connID string) (ClientIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return ClientIdentity{}, false
	}
	return conn.identity, true
}

// ListAll returns a snapshot of every live identity keyed by connection id.
func (r *Registry) ListAll() map[string]ClientIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ClientIdentity, len(r.conns))
	for id, conn := range r.conns {
		out[id] = conn.identity
	}
	return out
}

// ListByRole returns the connection ids of peers holding the given role.
func (r *Registry) ListByRole(role protocol.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, conn := range r.conns {
		if conn.identity.Role == role {
			out = append(out, id)
		}
	}
	return out
}

// ServiceConn returns the connection id of the automation service, if one is
// registered. At most one service connection is expected; when several exist
// an arbitrary one is returned.
func (r *Registry) ServiceConn() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, conn := range r.conns {
		if conn.identity.Role == protocol.RoleService {
			return id, true
		}
	}
	return "", false
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IsConnected reports whether connID is present, its transport open, and its
// status connected.
func (r *Registry) IsConnected(connID string) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	return ok && conn.handle.Open() && conn.identity.Status == protocol.StatusConnected
}

// Send delivers an envelope to connID. It returns false when the target is
// absent, its transport reports closed, or the write fails; callers treat
// false as "undeliverable", never as fatal. The write happens outside the
// registry lock.
func (r *Registry) Send(connID string, env *protocol.Envelope) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !conn.handle.Open() {
		r.log.Debug("send skipped: transport closed", slog.String("conn_id", connID))
		return false
	}

	data, err := env.Encode()
	if err != nil {
		r.log.Error("send failed: encode", slog.String("conn_id", connID), slog.Any("error", err))
		return false
	}
	if err := conn.handle.Send(data); err != nil {
		r.log.Warn("send failed", slog.String("conn_id", connID), slog.Any("error", err))
		return false
	}
	return true
}

// Broadcast delivers an envelope to every connection holding role, except
// excludeConnID (typically the originating sender; empty to exclude nobody).
// It returns the number of successful deliveries.
func (r *Registry) Broadcast(role protocol.Role, env *protocol.Envelope, excludeConnID string) int {
	delivered := 0
	for _, id := range r.ListByRole(role) {
		if id == excludeConnID {
			continue
		}
		if r.Send(id, env) {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll delivers an envelope to every connection except excludeConnID.
func (r *Registry) BroadcastAll(env *protocol.Envelope, excludeConnID string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, id := range ids {
		if id == excludeConnID {
			continue
		}
		if r.Send(id, env) {
			delivered++
		}
	}
	return delivered
}

// AddListener subscribes to lifecycle events.
func (r *Registry) AddListener(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

// RemoveListener unsubscribes a previously added listener.
func (r *Registry) RemoveListener(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for i, cur := range r.listeners {
		if cur == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notifyConnected(connID string, identity ClientIdentity) {
	for _, l := range r.snapshotListeners() {
		r.safeNotify(func() { l.ClientConnected(connID, identity) })
	}
}

func (r *Registry) notifyDisconnected(connID string, identity ClientIdentity) {
	for _, l := range r.snapshotListeners() {
		r.safeNotify(func() { l.ClientDisconnected(connID, identity) })
	}
}

func (r *Registry) snapshotListeners() []Listener {
	r.lmu.RLock()
	defer r.lmu.RUnlock()
	return append([]Listener(nil), r.listeners...)
}

func (r *Registry) safeNotify(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("registry listener panicked", slog.Any("panic", rec))
		}
	}()
	fn()
}
