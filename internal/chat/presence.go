package chat

import (
	"sync"

	"github.com/omochice/relaychat/pkg/logger"
	"github.com/omochice/relaychat/pkg/protocol"
)

// Presence binds and releases identities and announces them coming online
// and going offline.
//
// Announcements follow the identity, not the connection: a second device
// logging in as an identity that is already online produces no user_online,
// and user_offline is only sent once the last connection of an identity is
// gone. Each registry change and its announcement happen under one lock, so
// a recipient always dequeues the online notice before the matching offline
// notice, and concurrent sessions of one identity announce it exactly once.
type Presence struct {
	mu       sync.Mutex
	registry *Registry
}

// NewPresence creates a Presence bound to registry.
func NewPresence(registry *Registry) *Presence {
	return &Presence{registry: registry}
}

// Login binds connID to identity. When it is the identity's first
// connection every other connection is notified. It returns the number
// notified.
func (p *Presence) Login(connID, identity string) (int, error) {
	if identity == "" {
		return 0, Errorf(ErrValidation, "identity must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	first, err := p.registry.Bind(connID, identity)
	if err != nil || !first {
		return 0, err
	}
	n := p.registry.Broadcast(statusMessage(protocol.TypeUserOnline, identity, "online"), connID)
	logger.InfoCF("presence", "User online", map[string]any{
		"identity": identity,
		"conn_id":  connID,
		"notified": n,
	})
	return n, nil
}

// Logout unbinds connID but keeps it connected; it is not told about its own
// identity going offline. It returns the identity that was bound, if any.
func (p *Presence) Logout(connID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	identity, last := p.registry.Unbind(connID)
	if identity == "" {
		return "", false
	}
	if last {
		p.offline(identity, connID)
	}
	return identity, true
}

// Disconnect unregisters connID and, when it held the identity's last
// connection, notifies everyone left. It returns the identity that was
// bound, if any.
func (p *Presence) Disconnect(connID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	identity, last := p.registry.Unregister(connID)
	if identity == "" {
		return "", false
	}
	if last {
		p.offline(identity, "")
	}
	return identity, true
}

func (p *Presence) offline(identity, exclude string) {
	n := p.registry.Broadcast(statusMessage(protocol.TypeUserOffline, identity, "offline"), exclude)
	logger.InfoCF("presence", "User offline", map[string]any{
		"identity": identity,
		"notified": n,
	})
}

func statusMessage(t protocol.MessageType, identity, status string) protocol.Outbound {
	return protocol.Outbound{
		Type: t,
		Data: protocol.Presence{Username: identity, Status: status},
	}
}
