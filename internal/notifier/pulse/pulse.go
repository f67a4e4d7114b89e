// Package pulse provides a Notifier backed by goa.design/pulse streams over
// Redis, for deployments where the WebSocket terminator runs in a separate
// process from the orchestration core. Each router session maps to one Pulse
// stream named "router/<id>"; the WebSocket layer subscribes to that stream
// and forwards envelopes to the connected client. The layering (Redis client
// -> stream handle -> Add) mirrors the stream sink used by existing Pulse
// deployments.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/agentcore/planrunner/internal/notifier"
	"github.com/agentcore/planrunner/internal/telemetry"
)

// Options configures the Pulse notifier.
type Options struct {
	// Redis is the connection backing the Pulse streams. Required.
	Redis *redis.Client

	// StreamMaxLen bounds the number of entries kept per router stream.
	// Zero uses the Pulse default.
	StreamMaxLen int

	// OperationTimeout bounds individual Add operations. Zero means no
	// timeout beyond the caller's context.
	OperationTimeout time.Duration
}

// Envelope wraps a notifier event for transmission over a Pulse stream.
type Envelope struct {
	Event     notifier.Event `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier publishes events onto per-router Pulse streams. Send is
// best-effort: publish failures are logged and swallowed, matching the
// drop-when-unreachable notifier contract.
type Notifier struct {
	rdb     *redis.Client
	maxLen  int
	timeout time.Duration
	logger  telemetry.Logger

	mu      sync.Mutex
	streams map[string]*streaming.Stream
}

var _ notifier.Notifier = (*Notifier)(nil)

// New returns a Pulse-backed notifier.
func New(opts Options, logger telemetry.Logger) (*Notifier, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse notifier: redis client is required")
	}
	return &Notifier{
		rdb:     opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
		logger:  logger,
		streams: make(map[string]*streaming.Stream),
	}, nil
}

// StreamName derives the Pulse stream name for a router session.
func StreamName(routerID string) string {
	return fmt.Sprintf("router/%s", routerID)
}

func (n *Notifier) stream(routerID string) (*streaming.Stream, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.streams[routerID]; ok {
		return s, nil
	}
	var sopts []streamopts.Stream
	if n.maxLen > 0 {
		sopts = append(sopts, streamopts.WithStreamMaxLen(n.maxLen))
	}
	s, err := streaming.NewStream(StreamName(routerID), n.rdb, sopts...)
	if err != nil {
		return nil, fmt.Errorf("pulse notifier: open stream %s: %w", StreamName(routerID), err)
	}
	n.streams[routerID] = s
	return s, nil
}

// Send publishes ev onto the router's stream. Failures are logged, never
// surfaced: the notifier is a best-effort channel and orchestration must
// not stall on it.
func (n *Notifier) Send(ctx context.Context, ev notifier.Event) {
	s, err := n.stream(ev.RouterID)
	if err != nil {
		n.logger.Warn(ctx, "notifier: open stream failed", "router_id", ev.RouterID, "err", err)
		return
	}
	payload, err := json.Marshal(Envelope{Event: ev, Timestamp: time.Now().UTC()})
	if err != nil {
		n.logger.Warn(ctx, "notifier: marshal event failed", "router_id", ev.RouterID, "err", err)
		return
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if _, err := s.Add(ctx, string(ev.Type), payload); err != nil {
		n.logger.Warn(ctx, "notifier: publish failed", "router_id", ev.RouterID, "event", ev.Type, "err", err)
	}
}
