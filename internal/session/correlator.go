package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/custodia-mesh/custodia/internal/logging"
	"github.com/custodia-mesh/custodia/internal/metrics"
)

// Correlator hands direct response payloads from the message dispatcher
// to the inbound session waiting on them. Each registration is a
// single-producer, single-consumer slot: at most one payload is ever
// delivered per session, and delivery never blocks the producer.
type Correlator struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]chan *Payload
}

// NewCorrelator creates a response correlator.
func NewCorrelator(logger *slog.Logger, m *metrics.Metrics) *Correlator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Correlator{
		logger:  logger.With(logging.KeyComponent, "correlator"),
		metrics: m,
		pending: make(map[string]chan *Payload),
	}
}

// Register creates a response slot for a session. The returned channel
// receives at most one payload. Registering an already-registered
// session is a programming error and fails.
func (c *Correlator) Register(sessionID string) (<-chan *Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[sessionID]; ok {
		return nil, fmt.Errorf("session %s already registered", sessionID)
	}
	ch := make(chan *Payload, 1)
	c.pending[sessionID] = ch
	return ch, nil
}

// Deliver hands a payload to the session registered under sessionID. It
// reports whether the handoff was committed: the slot still existed and
// the payload was placed in it. A committed payload can still go unread
// if the session abandons its wait concurrently; the session then counts
// it as dropped when it closes. Payloads for unknown, timed-out, or
// already-served sessions are dropped; duplicates for the same session
// are dropped. Deliver never blocks.
func (c *Correlator) Deliver(sessionID string, p *Payload) bool {
	c.mu.Lock()
	ch, ok := c.pending[sessionID]
	if ok {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.RecordResponseDropped("no_waiter")
		c.logger.Debug("dropped response with no waiter",
			logging.KeySessionID, sessionID)
		return false
	}

	// The slot was removed under the lock, so this is the only send that
	// can ever happen on ch; capacity 1 makes it non-blocking.
	ch <- p
	return true
}

// Cancel removes a session's response slot. Safe to call for sessions
// that were never registered or were already served.
func (c *Correlator) Cancel(sessionID string) {
	c.mu.Lock()
	delete(c.pending, sessionID)
	c.mu.Unlock()
}

// PendingCount returns the number of sessions awaiting a response.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
