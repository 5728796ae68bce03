package chat

import (
	"fmt"
	"slices"
	"sync"

	"github.com/omochice/relaychat/pkg/logger"
	"github.com/omochice/relaychat/pkg/protocol"
)

type entry struct {
	pusher   Pusher
	identity string
	boundAt  uint64
}

// Registry tracks live connections and the identity each one is
// authenticated as. One Registry is created per server and shared by the
// router, presence broadcaster and transfer manager.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*entry
	byIdentity map[string][]string
	seq        uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[string]*entry),
		byIdentity: make(map[string][]string),
	}
}

// Register adds a connection. Registering an id twice replaces its pusher
// and keeps any identity already bound to it.
func (r *Registry) Register(connID string, p Pusher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[connID]; ok {
		e.pusher = p
		return
	}
	r.conns[connID] = &entry{pusher: p}
}

// Unregister removes a connection and its identity binding. It returns the
// identity the connection was bound to, empty if none, and whether that was
// the identity's last connection. Unknown ids are ignored.
func (r *Registry) Unregister(connID string) (identity string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.conns, connID)
	if e.identity == "" {
		return "", false
	}
	return e.identity, r.removeIndexLocked(e.identity, connID)
}

// Bind records that connID is authenticated as identity. first reports
// whether connID is the only connection now bound to identity.
func (r *Registry) Bind(connID, identity string) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return false, fmt.Errorf("bind %s: %w", connID, ErrNotConnected)
	}
	if e.identity == identity {
		return false, nil
	}
	if e.identity != "" {
		r.removeIndexLocked(e.identity, connID)
	}
	r.seq++
	e.identity = identity
	e.boundAt = r.seq
	r.byIdentity[identity] = append(r.byIdentity[identity], connID)
	return len(r.byIdentity[identity]) == 1, nil
}

// Unbind clears the identity of connID while keeping the connection. It
// returns the identity, empty if none was bound, and whether it was the
// identity's last connection.
func (r *Registry) Unbind(connID string) (identity string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok || e.identity == "" {
		return "", false
	}
	identity = e.identity
	e.identity = ""
	return identity, r.removeIndexLocked(identity, connID)
}

// removeIndexLocked reports whether identity has no connections left.
func (r *Registry) removeIndexLocked(identity, connID string) bool {
	ids := slices.DeleteFunc(r.byIdentity[identity], func(id string) bool { return id == connID })
	if len(ids) == 0 {
		delete(r.byIdentity, identity)
		return true
	}
	r.byIdentity[identity] = ids
	return false
}

// Identity returns the identity bound to connID.
func (r *Registry) Identity(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok || e.identity == "" {
		return "", false
	}
	return e.identity, true
}

// ResolveConnection returns the first connection bound to identity.
func (r *Registry) ResolveConnection(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byIdentity[identity]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// ConnectionCount returns how many connections are bound to identity.
func (r *Registry) ConnectionCount(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity])
}

// Online returns the distinct bound identities, earliest binding first.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type bound struct {
		identity string
		at       uint64
	}
	list := make([]bound, 0, len(r.byIdentity))
	for identity, ids := range r.byIdentity {
		list = append(list, bound{identity: identity, at: r.conns[ids[0]].boundAt})
	}
	slices.SortFunc(list, func(a, b bound) int {
		switch {
		case a.at < b.at:
			return -1
		case a.at > b.at:
			return 1
		}
		return 0
	})

	users := make([]string, len(list))
	for i, b := range list {
		users[i] = b.identity
	}
	return users
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Push delivers out to one connection. Failures are logged and returned so
// callers can observe them, but are never retried.
func (r *Registry) Push(connID string, out protocol.Outbound) error {
	frame, err := out.Encode()
	if err != nil {
		logger.ErrorCF("registry", "Failed to encode push", map[string]any{
			"conn_id": connID,
			"type":    out.Type.String(),
			"error":   err.Error(),
		})
		return err
	}
	return r.PushFrame(connID, frame)
}

// PushFrame delivers an already encoded frame to one connection.
func (r *Registry) PushFrame(connID string, frame []byte) error {
	r.mu.RLock()
	e, ok := r.conns[connID]
	var p Pusher
	if ok {
		p = e.pusher
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("push %s: %w", connID, ErrNotConnected)
	}
	return r.deliver(connID, p, frame)
}

// Broadcast delivers out to every connection except exclude, which may be
// empty. It works on a snapshot taken at call time and returns the number of
// successful deliveries; a failing peer does not stop delivery to the rest.
func (r *Registry) Broadcast(out protocol.Outbound, exclude string) int {
	frame, err := out.Encode()
	if err != nil {
		logger.ErrorCF("registry", "Failed to encode broadcast", map[string]any{
			"type":  out.Type.String(),
			"error": err.Error(),
		})
		return 0
	}

	targets := r.snapshot(exclude)
	delivered := 0
	for _, t := range targets {
		if r.deliver(t.id, t.pusher, frame) == nil {
			delivered++
		}
	}

	logger.DebugCF("registry", "Broadcast delivered", map[string]any{
		"type":      out.Type.String(),
		"targets":   len(targets),
		"delivered": delivered,
	})
	return delivered
}

type target struct {
	id     string
	pusher Pusher
}

func (r *Registry) snapshot(exclude string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]target, 0, len(r.conns))
	for id, e := range r.conns {
		if id == exclude {
			continue
		}
		targets = append(targets, target{id: id, pusher: e.pusher})
	}
	return targets
}

func (r *Registry) deliver(connID string, p Pusher, frame []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("push panicked: %v", rec)
		}
		if err != nil {
			logger.WarnCF("registry", "Push failed", map[string]any{
				"conn_id": connID,
				"error":   err.Error(),
			})
		}
	}()
	return p.Push(frame)
}
