package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/custodia-mesh/custodia/internal/envelope"
	"github.com/custodia-mesh/custodia/internal/logging"
	"github.com/custodia-mesh/custodia/internal/metrics"
	"github.com/custodia-mesh/custodia/internal/session"
	"github.com/custodia-mesh/custodia/internal/wallet"
)

// HTTP inbound constants.
const (
	httpDefaultPath   = "/"
	httpReadTimeout   = 30 * time.Second
	httpIdleTimeout   = 120 * time.Second
	httpHeaderTimeout = 10 * time.Second
)

// HTTPInbound accepts agent messages over plain HTTP POST. Each request
// is one exchange session: the response body carries the direct
// response when one arrives in time, and is empty otherwise. TLS is the
// reverse proxy's job; the listener optionally speaks HTTP/2 cleartext
// for proxies that forward h2c.
type HTTPInbound struct {
	addr    string
	path    string
	h2c     bool
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *sourceLimiter

	server *http.Server
	netLn  net.Listener
}

// NewHTTPInbound creates an HTTP listener.
func NewHTTPInbound(addr, path string, useH2C bool, opts Options) *HTTPInbound {
	if path == "" {
		path = httpDefaultPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &HTTPInbound{
		addr: addr,
		path: path,
		h2c:  useH2C,
		opts: opts,
		logger: logger.With(
			logging.KeyComponent, "inbound",
			logging.KeyTransport, NameHTTP),
		metrics: m,
		limiter: newSourceLimiter(opts.MessageRate, opts.MessageBurst),
	}
}

// Name implements Inbound.
func (t *HTTPInbound) Name() string {
	return NameHTTP
}

// Start implements Inbound.
func (t *HTTPInbound) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handle)

	var handler http.Handler = mux
	if t.h2c {
		handler = h2c.NewHandler(mux, &http2.Server{})
	}

	t.server = &http.Server{
		Handler:           handler,
		ReadTimeout:       httpReadTimeout,
		ReadHeaderTimeout: httpHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return &SetupError{Transport: NameHTTP, Address: t.addr, Err: err}
	}
	t.netLn = ln

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("http server stopped",
				logging.KeyError, err)
		}
	}()

	t.logger.Info("http inbound listening",
		logging.KeyAddress, ln.Addr().String(),
		"h2c", t.h2c)

	return nil
}

// Stop implements Inbound.
func (t *HTTPInbound) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stopTimeout)
		defer cancel()
	}
	return t.server.Shutdown(ctx)
}

// Addr implements Inbound.
func (t *HTTPInbound) Addr() net.Addr {
	if t.netLn == nil {
		return nil
	}
	return t.netLn.Addr()
}

func (t *HTTPInbound) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.handleProbe(w, r)
	case http.MethodPost:
		t.handleMessage(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProbe answers GET requests. A plain GET is a liveness probe and
// completes empty; with the c_i query parameter present a short text
// explains how to use the carried invitation.
func (t *HTTPInbound) handleProbe(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("c_i") {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s: you have received a connection invitation. Paste it into your agent application to connect.\n", t.opts.InvitationLabel)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleMessage runs one exchange session over a POST request.
func (t *HTTPInbound) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !t.limiter.allow(r.RemoteAddr) {
		t.metrics.RecordMessageRejected(NameHTTP, "rate_limit")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body := io.Reader(r.Body)
	if t.opts.MaxMessageBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, t.opts.MaxMessageBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			t.metrics.RecordMessageRejected(NameHTTP, "too_large")
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	sess, err := t.opts.Factory(NameHTTP, r.RemoteAddr)
	if err != nil {
		t.metrics.RecordMessageRejected(NameHTTP, "session_limit")
		t.logger.Warn("rejecting inbound message",
			logging.KeyRemoteAddr, r.RemoteAddr,
			logging.KeyError, err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sess.Close()

	ctx := r.Context()

	if err := sess.ResolveTenant(ctx, raw); err != nil {
		t.writeError(w, sess, err)
		return
	}

	msg, err := sess.Receive(raw)
	if err != nil {
		t.writeError(w, sess, err)
		return
	}

	wantResponse := msg.Receipt.DirectResponseRequested && sess.CanRespond()
	if err := t.opts.Dispatcher.Dispatch(ctx, sess.ID(), msg, wantResponse); err != nil {
		t.logger.Error("message dispatch failed",
			logging.KeySessionID, sess.ID(),
			logging.KeyError, err)
		http.Error(w, "message processing failed", http.StatusInternalServerError)
		return
	}

	if !wantResponse {
		w.WriteHeader(http.StatusOK)
		return
	}

	p, err := sess.WaitResponse(ctx)
	if err != nil {
		// The client went away; there is nobody to write to.
		return
	}
	if p == nil {
		// No response arrived in time. The message was accepted.
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", p.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(p.Bytes()); err != nil {
		t.logger.Debug("failed to write direct response",
			logging.KeySessionID, sess.ID(),
			logging.KeyError, err)
	}
}

// writeError maps session errors onto HTTP statuses: malformed input is
// the client's fault, resolution failures are the server's.
func (t *HTTPInbound) writeError(w http.ResponseWriter, sess *session.Session, err error) {
	switch {
	case envelope.IsParseError(err):
		t.logger.Debug("discarding malformed message",
			logging.KeySessionID, sess.ID(),
			logging.KeyError, err)
		http.Error(w, "invalid message", http.StatusBadRequest)
	case wallet.IsResolutionError(err):
		t.logger.Error("tenant resolution failed",
			logging.KeySessionID, sess.ID(),
			logging.KeyError, err)
		http.Error(w, "message routing failed", http.StatusInternalServerError)
	default:
		t.logger.Error("inbound message failed",
			logging.KeySessionID, sess.ID(),
			logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
