// Package inmemory provides a channel-backed Notifier for single-process
// deployments and tests. One client may attach per router at a time; events
// sent while no client is attached, or while the client's buffer is full,
// are dropped.
package inmemory

import (
	"context"
	"sync"

	"github.com/agentcore/planrunner/internal/notifier"
)

// buffer bounds the per-router event queue between Send and the consuming
// client. A full buffer drops, never blocks, so a stalled client cannot
// stall the handler progressing its router.
const buffer = 64

// Notifier is an in-memory notifier.Notifier implementation.
type Notifier struct {
	mu      sync.RWMutex
	clients map[string]chan notifier.Event
}

var _ notifier.Notifier = (*Notifier)(nil)

// New returns an empty in-memory notifier.
func New() *Notifier {
	return &Notifier{clients: make(map[string]chan notifier.Event)}
}

// Attach registers the (single) client for routerID and returns its event
// channel. A previously attached client for the same router is detached and
// its channel closed.
func (n *Notifier) Attach(routerID string) <-chan notifier.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if prev, ok := n.clients[routerID]; ok {
		close(prev)
	}
	ch := make(chan notifier.Event, buffer)
	n.clients[routerID] = ch
	return ch
}

// Detach removes the client for routerID and closes its channel.
func (n *Notifier) Detach(routerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.clients[routerID]; ok {
		close(ch)
		delete(n.clients, routerID)
	}
}

// Send delivers ev to the attached client, dropping it when no client is
// attached or the client's buffer is full.
func (n *Notifier) Send(_ context.Context, ev notifier.Event) {
	n.mu.RLock()
	ch, ok := n.clients[ev.RouterID]
	n.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}
