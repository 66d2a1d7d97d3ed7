// Package session implements the inbound exchange session: the
// lifecycle of a single received message, from tenant resolution
// through unpacking to an optional direct response on the same
// connection.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-mesh/custodia/internal/config"
	"github.com/custodia-mesh/custodia/internal/envelope"
	"github.com/custodia-mesh/custodia/internal/logging"
	"github.com/custodia-mesh/custodia/internal/metrics"
	"github.com/custodia-mesh/custodia/internal/profile"
	"github.com/custodia-mesh/custodia/internal/wallet"
)

// State is the session lifecycle state.
type State int

const (
	// StateOpen is the initial state after New.
	StateOpen State = iota
	// StateContextResolved means the processing profile is bound.
	StateContextResolved
	// StateReceiving means a message was unpacked with no response
	// expected on this connection.
	StateReceiving
	// StateAwaitingResponse means the sender asked for a direct response
	// and the session is registered with the correlator.
	StateAwaitingResponse
	// StateResponded means a direct response was handed to the waiter.
	StateResponded
	// StateNoResponse means the response wait ended without a payload.
	StateNoResponse
	// StateClosed is the terminal state.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateContextResolved:
		return "context_resolved"
	case StateReceiving:
		return "receiving"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateResponded:
		return "responded"
	case StateNoResponse:
		return "no_response"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session errors.
var (
	// ErrSessionClosed means an operation was attempted on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoResponseExpected means WaitResponse was called for a message
	// that did not request a direct response.
	ErrNoResponseExpected = errors.New("no direct response expected")

	// ErrAmbiguousTenant means a message resolved to multiple tenant
	// wallets under the "only" selection policy.
	ErrAmbiguousTenant = errors.New("message addresses multiple tenant wallets")
)

// Options configures a new session.
type Options struct {
	// Transport is the inbound transport name, used in logs and metrics.
	Transport string

	// RemoteAddr is the peer address for logging.
	RemoteAddr string

	// ResponseTimeout bounds WaitResponse. Required; sessions never wait
	// unbounded.
	ResponseTimeout time.Duration

	// AcceptUndelivered tolerates the exchange producing no reply. When
	// false, a timed-out response wait is logged as a warning.
	AcceptUndelivered bool

	// Multitenant controls tenant resolution.
	Multitenant config.MultitenantConfig

	// Profile is the node's base processing profile.
	Profile *profile.Profile

	// Codec unpacks inbound envelopes.
	Codec envelope.Codec

	// Wallets opens tenant wallets. Required when multitenancy is enabled.
	Wallets *wallet.Handler

	// Resolver maps sealed envelopes to tenant wallet IDs. Required when
	// multitenancy is enabled.
	Resolver wallet.Resolver

	// Correlator delivers direct responses. Required.
	Correlator *Correlator

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnClose, when set, runs once during Close after teardown.
	OnClose func()
}

// Session is one inbound exchange. It is not safe for concurrent use by
// multiple goroutines except for Close and the correlator delivery
// path, which may race with WaitResponse.
type Session struct {
	id         string
	transport  string
	remoteAddr string
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics
	openedAt   time.Time

	mu         sync.Mutex
	state      State
	canRespond bool
	baseProf   *profile.Profile
	prof       *profile.Profile

	respCh    <-chan *Payload
	closeOnce sync.Once
}

// New opens an inbound session. The caller must Close it; pairing New
// with a deferred Close guarantees teardown on every path.
func New(opts Options) (*Session, error) {
	if opts.Profile == nil {
		return nil, errors.New("session: profile is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("session: codec is required")
	}
	if opts.Correlator == nil {
		return nil, errors.New("session: correlator is required")
	}
	if opts.ResponseTimeout <= 0 {
		return nil, errors.New("session: response timeout must be positive")
	}
	if opts.Multitenant.Enabled && (opts.Wallets == nil || opts.Resolver == nil) {
		return nil, errors.New("session: multitenancy requires a wallet handler and resolver")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}

	s := &Session{
		id:         id,
		transport:  opts.Transport,
		remoteAddr: opts.RemoteAddr,
		opts:       opts,
		logger: opts.Logger.With(
			logging.KeyComponent, "session",
			logging.KeySessionID, id),
		metrics:    opts.Metrics,
		openedAt:   time.Now(),
		state:      StateOpen,
		canRespond: true,
		baseProf:   opts.Profile,
		prof:       opts.Profile,
	}

	s.metrics.RecordSessionOpen()
	s.logger.Debug("session opened",
		logging.KeyTransport, s.transport,
		logging.KeyRemoteAddr, s.remoteAddr)

	return s, nil
}

func newSessionID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// ID returns the session identifier used for response correlation.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CanRespond reports whether a direct response can still be delivered
// on this session. It transitions from true to false at most once and
// never back.
func (s *Session) CanRespond() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canRespond
}

// Profile returns the session's processing profile. Before tenant
// resolution, and whenever multitenancy is disabled, this is the node's
// base profile.
func (s *Session) Profile() *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prof
}

// ResolveTenant binds the processing profile for raw before any
// unpacking happens. With multitenancy disabled the base profile stays
// in effect untouched. With it enabled the envelope's recipient keys
// are mapped to a tenant wallet and a wallet-bound profile substituted;
// the base profile is never mutated.
func (s *Session) ResolveTenant(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	if s.state != StateOpen {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot resolve tenant in state %s", state)
	}
	s.mu.Unlock()

	if !s.opts.Multitenant.Enabled {
		s.mu.Lock()
		s.state = StateContextResolved
		s.mu.Unlock()
		return nil
	}

	s.metrics.RecordWalletResolution()

	ids, err := s.opts.Resolver.Resolve(ctx, raw)
	if err != nil {
		if envelope.IsParseError(err) {
			s.metrics.RecordParseError(s.transport)
		} else {
			s.metrics.RecordWalletResolutionError("resolve")
		}
		return err
	}
	if len(ids) == 0 {
		s.metrics.RecordWalletResolutionError("no_wallet")
		return &wallet.ResolutionError{Err: wallet.ErrWalletNotFound}
	}
	if len(ids) > 1 && s.opts.Multitenant.Selection == config.SelectionOnly {
		s.metrics.RecordWalletResolutionError("ambiguous")
		return &wallet.ResolutionError{Err: ErrAmbiguousTenant}
	}

	openCtx := ctx
	if s.opts.Multitenant.OpenTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, s.opts.Multitenant.OpenTimeout)
		defer cancel()
	}

	w, err := s.opts.Wallets.Open(openCtx, ids[0])
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.prof = s.baseProf.WithWallet(w)
	s.state = StateContextResolved
	s.mu.Unlock()

	s.logger.Debug("tenant resolved",
		logging.KeyWalletID, w.ID,
		logging.KeyCount, len(ids))

	return nil
}

// Receive unpacks the inbound message under the resolved profile. When
// the sender requested a direct response and the session can still
// respond, the session registers with the correlator and moves to
// awaiting a response; otherwise the correlator is left untouched.
func (s *Session) Receive(raw []byte) (*envelope.Message, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.state != StateContextResolved {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("cannot receive in state %s", state)
	}
	prof := s.prof
	s.mu.Unlock()

	msg, err := s.opts.Codec.Unpack(raw, prof.Keys())
	if err != nil {
		if envelope.IsParseError(err) {
			s.metrics.RecordParseError(s.transport)
			s.logger.Debug("message parse failed",
				logging.KeyError, err)
		}
		return nil, err
	}

	s.metrics.RecordMessageReceived(s.transport, len(raw))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateReceiving

	if msg.Receipt.DirectResponseRequested && s.canRespond {
		ch, err := s.opts.Correlator.Register(s.id)
		if err != nil {
			return nil, fmt.Errorf("register response wait: %w", err)
		}
		s.respCh = ch
		s.state = StateAwaitingResponse
	}

	s.logger.Debug("message received",
		logging.KeyCount, len(raw),
		logging.KeyState, s.state.String(),
		logging.KeyRecipients, len(msg.Receipt.RecipientKIDs))

	return msg, nil
}

// WaitResponse blocks until the dispatcher delivers a direct response,
// the response timeout elapses, or ctx is cancelled. A timeout is a
// normal outcome and returns (nil, nil); the connection should complete
// successfully with an empty body. After WaitResponse returns, the
// session can no longer respond.
func (s *Session) WaitResponse(ctx context.Context) (*Payload, error) {
	s.mu.Lock()
	if s.state != StateAwaitingResponse || s.respCh == nil {
		s.mu.Unlock()
		return nil, ErrNoResponseExpected
	}
	ch := s.respCh
	s.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(s.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case p := <-ch:
		return s.responded(p, start), nil

	case <-timer.C:
		s.opts.Correlator.Cancel(s.id)
		// A payload may have been delivered between the timer firing and
		// the cancel; it was handed over in time, so honor it.
		select {
		case p := <-ch:
			return s.responded(p, start), nil
		default:
		}
		wait := time.Since(start)
		s.mu.Lock()
		s.state = StateNoResponse
		s.canRespond = false
		s.mu.Unlock()
		s.metrics.RecordResponseTimeout(wait.Seconds())
		if s.opts.AcceptUndelivered {
			s.logger.Debug("response wait timed out",
				logging.KeyDuration, wait)
		} else {
			s.logger.Warn("response expected but not produced",
				logging.KeyDuration, wait)
		}
		return nil, nil

	case <-ctx.Done():
		s.opts.Correlator.Cancel(s.id)
		select {
		case <-ch:
			// The consumer is gone; a raced-in payload has nowhere to go.
			s.metrics.RecordResponseDropped("connection_closed")
		default:
		}
		s.mu.Lock()
		s.state = StateNoResponse
		s.canRespond = false
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// responded records a delivered payload and moves to the terminal
// responded state.
func (s *Session) responded(p *Payload, start time.Time) *Payload {
	wait := time.Since(start)
	s.mu.Lock()
	s.state = StateResponded
	s.canRespond = false
	s.mu.Unlock()
	s.metrics.RecordResponseDelivered(p.Kind(), wait.Seconds())
	s.logger.Debug("direct response delivered",
		logging.KeyDuration, wait,
		logging.KeyCount, len(p.Bytes()))
	return p
}

// Close tears the session down. It is idempotent and safe from any
// state; callers defer it at session creation so every path, including
// panics in message handling, releases the correlator slot.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.opts.Correlator.Cancel(s.id)

		s.mu.Lock()
		if s.respCh != nil {
			select {
			case <-s.respCh:
				s.metrics.RecordResponseDropped("session_closed")
			default:
			}
		}
		outcome := closeOutcome(s.state)
		s.state = StateClosed
		s.canRespond = false
		s.mu.Unlock()

		dur := time.Since(s.openedAt)
		s.metrics.RecordSessionClose(s.transport, outcome, dur.Seconds())
		s.logger.Debug("session closed",
			logging.KeyState, outcome,
			logging.KeyDuration, dur)

		if s.opts.OnClose != nil {
			s.opts.OnClose()
		}
	})
}

// closeOutcome maps the state at close time to a metrics outcome label.
func closeOutcome(st State) string {
	switch st {
	case StateResponded:
		return "responded"
	case StateNoResponse:
		return "no_response"
	case StateReceiving:
		return "completed"
	case StateAwaitingResponse:
		return "abandoned"
	default:
		return "aborted"
	}
}
