package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/custodia-mesh/custodia/internal/config"
	"github.com/custodia-mesh/custodia/internal/envelope"
	"github.com/custodia-mesh/custodia/internal/identity"
	"github.com/custodia-mesh/custodia/internal/logging"
	"github.com/custodia-mesh/custodia/internal/metrics"
	"github.com/custodia-mesh/custodia/internal/profile"
	"github.com/custodia-mesh/custodia/internal/session"
	"github.com/custodia-mesh/custodia/internal/wallet"
)

// testDispatcher invokes fn for every dispatched message.
type testDispatcher struct {
	dispatched atomic.Int64
	fn         func(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error
}

func (d *testDispatcher) Dispatch(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error {
	d.dispatched.Add(1)
	if d.fn == nil {
		return nil
	}
	return d.fn(ctx, sessionID, msg, canRespond)
}

// harness wires a listener's collaborators over a real wallet store,
// codec and correlator.
type harness struct {
	nodeKP *identity.Keypair
	store  *wallet.FileStore
	corr   *session.Correlator
	disp   *testDispatcher
	m      *metrics.Metrics
	opts   Options
}

func newHarness(t *testing.T, mt config.MultitenantConfig, respTimeout time.Duration) *harness {
	t.Helper()

	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatal(err)
	}

	store, err := wallet.NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	logger := logging.NopLogger()
	corr := session.NewCorrelator(logger, m)
	base := profile.New("node", []*identity.Keypair{kp}, nil)
	wallets := wallet.NewHandler(store, logger, m)
	resolver := wallet.NewKeyResolver(store)
	disp := &testDispatcher{}

	factory := func(transport, remoteAddr string) (*session.Session, error) {
		return session.New(session.Options{
			Transport:       transport,
			RemoteAddr:      remoteAddr,
			ResponseTimeout: respTimeout,
			Multitenant:     mt,
			Profile:         base,
			Codec:           envelope.NewCodec(16),
			Wallets:         wallets,
			Resolver:        resolver,
			Correlator:      corr,
			Logger:          logger,
			Metrics:         m,
		})
	}

	return &harness{
		nodeKP: kp,
		store:  store,
		corr:   corr,
		disp:   disp,
		m:      m,
		opts: Options{
			Factory:         factory,
			Dispatcher:      disp,
			Logger:          logger,
			Metrics:         m,
			InvitationLabel: "custodia-test",
		},
	}
}

func (h *harness) addTenant(t *testing.T, id string) *identity.Keypair {
	t.Helper()
	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatal(err)
	}
	rec := &wallet.Record{ID: id, Label: "wallet " + id, Keys: []string{kp.PrivateKey.String()}}
	if err := h.store.Put(rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return kp
}

func (h *harness) seal(t *testing.T, recipients []identity.Key, requestReturn bool) []byte {
	t.Helper()
	raw, err := envelope.Seal([]byte(`{"msg":"hi"}`), recipients, envelope.SealOptions{
		Type:          "https://custodia.test/msg/1.0/ping",
		RequestReturn: requestReturn,
	})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	return raw
}

func startHTTP(t *testing.T, h *harness) *HTTPInbound {
	t.Helper()
	in := NewHTTPInbound("127.0.0.1:0", "/", false, h.opts)
	if err := in.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		in.Stop(ctx)
	})
	return in
}

func postMessage(t *testing.T, in Inbound, raw []byte) *http.Response {
	t.Helper()
	resp, err := http.Post("http://"+in.Addr().String()+"/", envelope.ContentTypeWire, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPInbound_NoReturnRoute(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Second)
	in := startHTTP(t, h)

	resp := postMessage(t, in, h.seal(t, []identity.Key{h.nodeKP.PublicKey}, false))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
	if got := h.disp.dispatched.Load(); got != 1 {
		t.Errorf("dispatched = %d, want 1", got)
	}
}

func TestHTTPInbound_DirectResponse(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, 2*time.Second)
	h.disp.fn = func(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error {
		if !canRespond {
			t.Error("canRespond = false, want true")
			return nil
		}
		go h.corr.Deliver(sessionID, session.NewTextPayload(`{"status":"ok"}`))
		return nil
	}
	in := startHTTP(t, h)

	resp := postMessage(t, in, h.seal(t, []identity.Key{h.nodeKP.PublicKey}, true))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != envelope.ContentTypeJSON {
		t.Errorf("Content-Type = %q, want %q", ct, envelope.ContentTypeJSON)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q", body)
	}
}

func TestHTTPInbound_DirectResponseBinary(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, 2*time.Second)
	sealed := h.seal(t, []identity.Key{h.nodeKP.PublicKey}, false)
	h.disp.fn = func(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error {
		go h.corr.Deliver(sessionID, session.NewBinaryPayload(sealed))
		return nil
	}
	in := startHTTP(t, h)

	resp := postMessage(t, in, h.seal(t, []identity.Key{h.nodeKP.PublicKey}, true))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != envelope.ContentTypeWire {
		t.Errorf("Content-Type = %q, want %q", ct, envelope.ContentTypeWire)
	}
}

func TestHTTPInbound_ResponseTimeout(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, 30*time.Millisecond)
	in := startHTTP(t, h)

	// Nobody delivers a response; the request still succeeds empty.
	resp := postMessage(t, in, h.seal(t, []identity.Key{h.nodeKP.PublicKey}, true))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestHTTPInbound_MalformedMessage(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Second)
	in := startHTTP(t, h)

	resp := postMessage(t, in, []byte("not an envelope"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if got := h.disp.dispatched.Load(); got != 0 {
		t.Errorf("dispatched = %d, want 0", got)
	}
}

func TestHTTPInbound_UnknownTenant(t *testing.T) {
	mt := config.MultitenantConfig{
		Enabled:     true,
		Selection:   config.SelectionFirst,
		OpenTimeout: time.Second,
	}
	h := newHarness(t, mt, time.Second)
	h.addTenant(t, "alice")
	in := startHTTP(t, h)

	stranger, err := identity.NewKeypair()
	if err != nil {
		t.Fatal(err)
	}
	resp := postMessage(t, in, h.seal(t, []identity.Key{stranger.PublicKey}, false))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestHTTPInbound_TenantRouting(t *testing.T) {
	mt := config.MultitenantConfig{
		Enabled:     true,
		Selection:   config.SelectionFirst,
		OpenTimeout: time.Second,
	}
	h := newHarness(t, mt, time.Second)
	tenantKP := h.addTenant(t, "alice")
	in := startHTTP(t, h)

	resp := postMessage(t, in, h.seal(t, []identity.Key{tenantKP.PublicKey}, false))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := h.disp.dispatched.Load(); got != 1 {
		t.Errorf("dispatched = %d, want 1", got)
	}
}

func TestHTTPInbound_MessageTooLarge(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Second)
	h.opts.MaxMessageBytes = 64
	in := startHTTP(t, h)

	resp := postMessage(t, in, h.seal(t, []identity.Key{h.nodeKP.PublicKey}, false))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
	if got := testutil.ToFloat64(h.m.MessagesRejected.WithLabelValues(NameHTTP, "too_large")); got != 1 {
		t.Errorf("MessagesRejected{http,too_large} = %v, want 1", got)
	}
}

func TestHTTPInbound_RateLimit(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Second)
	h.opts.MessageRate = 1
	h.opts.MessageBurst = 1
	in := startHTTP(t, h)

	raw := h.seal(t, []identity.Key{h.nodeKP.PublicKey}, false)
	first := postMessage(t, in, raw)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.StatusCode)
	}
	second := postMessage(t, in, raw)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.StatusCode)
	}
	if got := testutil.ToFloat64(h.m.MessagesRejected.WithLabelValues(NameHTTP, "rate_limit")); got != 1 {
		t.Errorf("MessagesRejected{http,rate_limit} = %v, want 1", got)
	}
}

func TestHTTPInbound_Probe(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Second)
	in := startHTTP(t, h)

	// A plain GET is a liveness probe and completes empty.
	resp, err := http.Get("http://" + in.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("probe body = %q, want empty", body)
	}
}

func TestHTTPInbound_InvitationProbe(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Second)
	in := startHTTP(t, h)

	resp, err := http.Get("http://" + in.Addr().String() + "/?c_i=eyJpbnZpdGF0aW9uIjoxfQ")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("custodia-test")) {
		t.Errorf("invitation text = %q, missing node label", body)
	}
	if !bytes.Contains(body, []byte("invitation")) {
		t.Errorf("invitation text = %q, missing explanation", body)
	}
}

func TestHTTPInbound_SetupError(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Second)
	in := startHTTP(t, h)

	// A second listener on the same port cannot bind.
	dup := NewHTTPInbound(in.Addr().String(), "/", false, h.opts)
	err := dup.Start()
	if err == nil {
		dup.Stop(context.Background())
		t.Fatal("Start() on a bound port should fail")
	}
	var se *SetupError
	if !errors.As(err, &se) {
		t.Errorf("error %v is not a SetupError", err)
	}
}
