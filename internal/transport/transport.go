// Package transport provides inbound message listeners for Custodia.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/custodia-mesh/custodia/internal/envelope"
	"github.com/custodia-mesh/custodia/internal/metrics"
	"github.com/custodia-mesh/custodia/internal/session"
)

// Inbound transport names.
const (
	NameHTTP = "http"
	NameWS   = "ws"
)

// SetupError is a fatal listener startup failure. It is surfaced to the
// operator; the node does not start without its configured listeners.
type SetupError struct {
	Transport string
	Address   string
	Err       error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s listener setup failed on %s: %v", e.Transport, e.Address, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Inbound is a running message listener.
type Inbound interface {
	// Start begins accepting connections. Fails with *SetupError when
	// the listener cannot bind.
	Start() error

	// Stop shuts the listener down, waiting for in-flight exchanges up
	// to the context deadline.
	Stop(ctx context.Context) error

	// Addr returns the bound listen address, nil before Start.
	Addr() net.Addr

	// Name returns the transport name.
	Name() string
}

// SessionFactory opens an exchange session for one inbound message.
type SessionFactory func(transport, remoteAddr string) (*session.Session, error)

// Dispatcher hands unpacked messages to the node's message processor.
// When canRespond is true the processor may deliver a direct response
// through the correlator using the session ID.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error
}

// Options are the collaborators and limits shared by all listeners.
type Options struct {
	Factory    SessionFactory
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// MaxMessageBytes bounds a single inbound message; 0 means unbounded.
	MaxMessageBytes int64

	// MessageRate limits messages/sec per source host; 0 disables.
	MessageRate  float64
	MessageBurst int

	// InvitationLabel names the node in invitation probe responses.
	InvitationLabel string
}

// stopTimeout is the default graceful shutdown bound.
const stopTimeout = 5 * time.Second

// sourceLimiter rate-limits inbound messages per source host.
type sourceLimiter struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// limiterCap bounds the per-source map; beyond it the map is reset
// rather than evicted piecemeal.
const limiterCap = 10000

func newSourceLimiter(perSecond float64, burst int) *sourceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &sourceLimiter{
		rate:     rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow reports whether a message from remoteAddr may proceed. A nil
// limiter allows everything.
func (l *sourceLimiter) allow(remoteAddr string) bool {
	if l == nil {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		if len(l.limiters) >= limiterCap {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
