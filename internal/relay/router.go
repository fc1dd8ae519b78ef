package relay

import (
	"log/slog"
	"sync"

	"github.com/confmesh/confmesh/internal/protocol"
)

// Endpoint is the outbound side of one connected client. Enqueue must not
// block; it reports false when the message was dropped instead of queued.
type Endpoint interface {
	ID() string
	Enqueue(env *protocol.Envelope) bool
}

// Router forwards negotiation messages between two named participants
// without interpreting their contents. It is a store-nothing relay: a
// message addressed to a connection with no live endpoint is silently
// dropped, and the sender's own timeout is the only detection mechanism.
type Router struct {
	log *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

func NewRouter(log *slog.Logger) *Router {
	return &Router{
		log:       log,
		endpoints: make(map[string]Endpoint),
	}
}

// Register makes an endpoint addressable.
func (r *Router) Register(ep Endpoint) {
	r.mu.Lock()
	r.endpoints[ep.ID()] = ep
	r.mu.Unlock()
}

// Unregister removes an endpoint. Safe to call for an unknown id.
func (r *Router) Unregister(id string) {
	r.mu.Lock()
	delete(r.endpoints, id)
	r.mu.Unlock()
}

// Lookup returns the live endpoint for id, if any.
func (r *Router) Lookup(id string) (Endpoint, bool) {
	r.mu.RLock()
	ep, ok := r.endpoints[id]
	r.mu.RUnlock()
	return ep, ok
}

// Route validates that env is one of the recognized signal kinds and
// forwards it to the addressed endpoint. The sender field inside the
// payload must match the sending connection; the relay re-checks it so one
// client cannot impersonate another.
func (r *Router) Route(senderID string, env *protocol.Envelope) {
	if !protocol.Signal(env.Type) {
		r.log.Warn("rejected non-signal message", "kind", env.Type, "sender", senderID)
		return
	}

	sender, target, err := env.SignalAddress()
	if err != nil {
		r.log.Warn("malformed signal payload", "kind", env.Type, "sender", senderID, "err", err)
		return
	}
	if sender != senderID {
		r.log.Warn("signal sender mismatch", "kind", env.Type, "claimed", sender, "actual", senderID)
		return
	}

	ep, ok := r.Lookup(target)
	if !ok {
		r.log.Debug("dropping signal for dead target", "kind", env.Type, "target", target)
		return
	}
	if !ep.Enqueue(env) {
		r.log.Warn("target queue overflow", "kind", env.Type, "target", target)
	}
}
