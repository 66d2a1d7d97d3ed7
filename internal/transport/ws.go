package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/custodia-mesh/custodia/internal/envelope"
	"github.com/custodia-mesh/custodia/internal/logging"
	"github.com/custodia-mesh/custodia/internal/metrics"
	"github.com/custodia-mesh/custodia/internal/wallet"
)

// WebSocket inbound constants.
const (
	wsDefaultPath      = "/ws"
	wsDefaultReadLimit = 16 * 1024 * 1024
)

// WSInbound accepts agent messages over a WebSocket connection. Each
// received frame is one exchange session; direct responses are written
// back on the same socket. Closing the connection cancels any pending
// response waits.
type WSInbound struct {
	addr    string
	path    string
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *sourceLimiter

	server  *http.Server
	netLn   net.Listener
	closeCh chan struct{}
	conns   sync.WaitGroup
}

// NewWSInbound creates a WebSocket listener.
func NewWSInbound(addr, path string, opts Options) *WSInbound {
	if path == "" {
		path = wsDefaultPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &WSInbound{
		addr: addr,
		path: path,
		opts: opts,
		logger: logger.With(
			logging.KeyComponent, "inbound",
			logging.KeyTransport, NameWS),
		metrics: m,
		limiter: newSourceLimiter(opts.MessageRate, opts.MessageBurst),
		closeCh: make(chan struct{}),
	}
}

// Name implements Inbound.
func (t *WSInbound) Name() string {
	return NameWS
}

// Start implements Inbound.
func (t *WSInbound) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handleConn)

	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: httpHeaderTimeout,
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return &SetupError{Transport: NameWS, Address: t.addr, Err: err}
	}
	t.netLn = ln

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("ws server stopped",
				logging.KeyError, err)
		}
	}()

	t.logger.Info("ws inbound listening",
		logging.KeyAddress, ln.Addr().String(),
		"path", t.path)

	return nil
}

// Stop implements Inbound.
func (t *WSInbound) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stopTimeout)
		defer cancel()
	}
	close(t.closeCh)

	done := make(chan struct{})
	go func() {
		t.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	return t.server.Shutdown(ctx)
}

// Addr implements Inbound.
func (t *WSInbound) Addr() net.Addr {
	if t.netLn == nil {
		return nil
	}
	return t.netLn.Addr()
}

// handleConn runs the read loop for one WebSocket connection.
func (t *WSInbound) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	limit := t.opts.MaxMessageBytes
	if limit <= 0 {
		limit = wsDefaultReadLimit
	}
	conn.SetReadLimit(limit)

	t.conns.Add(1)
	defer t.conns.Done()

	// Connection lifetime context. Cancelled when the socket drops or
	// the listener stops, which releases any pending response waits.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-t.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	t.logger.Debug("ws connection opened",
		logging.KeyRemoteAddr, r.RemoteAddr)

	// A slow exchange must not stall the read loop, so each frame is
	// handled on its own goroutine; writes share one lock.
	var writeMu sync.Mutex
	var exchanges sync.WaitGroup

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			break
		}

		if !t.limiter.allow(r.RemoteAddr) {
			t.metrics.RecordMessageRejected(NameWS, "rate_limit")
			t.logger.Debug("dropping rate limited message",
				logging.KeyRemoteAddr, r.RemoteAddr)
			continue
		}

		exchanges.Add(1)
		go func(raw []byte) {
			defer exchanges.Done()
			t.handleExchange(ctx, conn, &writeMu, r.RemoteAddr, raw)
		}(raw)
	}

	cancel()
	exchanges.Wait()
	conn.Close(websocket.StatusNormalClosure, "")

	t.logger.Debug("ws connection closed",
		logging.KeyRemoteAddr, r.RemoteAddr)
}

// handleExchange runs one exchange session for a received frame.
func (t *WSInbound) handleExchange(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, remoteAddr string, raw []byte) {
	sess, err := t.opts.Factory(NameWS, remoteAddr)
	if err != nil {
		t.metrics.RecordMessageRejected(NameWS, "session_limit")
		t.logger.Warn("rejecting inbound message",
			logging.KeyRemoteAddr, remoteAddr,
			logging.KeyError, err)
		return
	}
	defer sess.Close()

	if err := sess.ResolveTenant(ctx, raw); err != nil {
		t.logExchangeError(sess.ID(), err)
		return
	}

	msg, err := sess.Receive(raw)
	if err != nil {
		t.logExchangeError(sess.ID(), err)
		return
	}

	wantResponse := msg.Receipt.DirectResponseRequested && sess.CanRespond()
	if err := t.opts.Dispatcher.Dispatch(ctx, sess.ID(), msg, wantResponse); err != nil {
		t.logger.Error("message dispatch failed",
			logging.KeySessionID, sess.ID(),
			logging.KeyError, err)
		return
	}

	if !wantResponse {
		return
	}

	p, err := sess.WaitResponse(ctx)
	if err != nil || p == nil {
		return
	}

	msgType := websocket.MessageBinary
	if p.IsText() {
		msgType = websocket.MessageText
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
	defer writeCancel()
	if err := conn.Write(writeCtx, msgType, p.Bytes()); err != nil {
		t.logger.Debug("failed to write direct response",
			logging.KeySessionID, sess.ID(),
			logging.KeyError, err)
	}
}

// logExchangeError logs a failed exchange. WebSocket frames carry no
// per-message status channel, so failures are logged and dropped.
func (t *WSInbound) logExchangeError(sessionID string, err error) {
	switch {
	case envelope.IsParseError(err):
		t.logger.Debug("discarding malformed message",
			logging.KeySessionID, sessionID,
			logging.KeyError, err)
	case wallet.IsResolutionError(err):
		t.logger.Error("tenant resolution failed",
			logging.KeySessionID, sessionID,
			logging.KeyError, err)
	default:
		t.logger.Error("inbound message failed",
			logging.KeySessionID, sessionID,
			logging.KeyError, err)
	}
}
