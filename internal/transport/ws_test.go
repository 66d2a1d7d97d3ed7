package transport

import (
	"context"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/custodia-mesh/custodia/internal/config"
	"github.com/custodia-mesh/custodia/internal/envelope"
	"github.com/custodia-mesh/custodia/internal/identity"
	"github.com/custodia-mesh/custodia/internal/session"
)

func startWS(t *testing.T, h *harness) *WSInbound {
	t.Helper()
	in := NewWSInbound("127.0.0.1:0", "/ws", h.opts)
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

func dialWS(t *testing.T, in *WSInbound) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+in.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestWSInbound_DirectResponse(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, 2*time.Second)
	h.disp.fn = func(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error {
		if !canRespond {
			t.Error("canRespond = false, want true")
			return nil
		}
		go h.corr.Deliver(sessionID, session.NewTextPayload(`{"status":"ok"}`))
		return nil
	}
	in := startWS(t, h)
	conn := dialWS(t, in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw := h.seal(t, []identity.Key{h.nodeKP.PublicKey}, true)
	if err := conn.Write(ctx, websocket.MessageBinary, raw); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if msgType != websocket.MessageText {
		t.Errorf("message type = %v, want text", msgType)
	}
	if string(data) != `{"status":"ok"}` {
		t.Errorf("response = %q", data)
	}
}

func TestWSInbound_BinaryResponse(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, 2*time.Second)
	sealed := h.seal(t, []identity.Key{h.nodeKP.PublicKey}, false)
	h.disp.fn = func(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error {
		go h.corr.Deliver(sessionID, session.NewBinaryPayload(sealed))
		return nil
	}
	in := startWS(t, h)
	conn := dialWS(t, in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageBinary, h.seal(t, []identity.Key{h.nodeKP.PublicKey}, true)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	msgType, _, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if msgType != websocket.MessageBinary {
		t.Errorf("message type = %v, want binary", msgType)
	}
}

func TestWSInbound_NoReturnRoute(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Second)
	dispatched := make(chan struct{}, 1)
	h.disp.fn = func(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error {
		if canRespond {
			t.Error("canRespond = true, want false")
		}
		dispatched <- struct{}{}
		return nil
	}
	in := startWS(t, h)
	conn := dialWS(t, in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw := h.seal(t, []identity.Key{h.nodeKP.PublicKey}, false)
	if err := conn.Write(ctx, websocket.MessageBinary, raw); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}

	// No frame comes back.
	readCtx, readCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer readCancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Error("unexpected response frame")
	}
}

func TestWSInbound_MalformedFrameDropped(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Second)
	done := make(chan struct{}, 1)
	h.disp.fn = func(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error {
		done <- struct{}{}
		return nil
	}
	in := startWS(t, h)
	conn := dialWS(t, in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("garbage")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// The connection survives; a valid message still goes through.
	raw := h.seal(t, []identity.Key{h.nodeKP.PublicKey}, false)
	if err := conn.Write(ctx, websocket.MessageBinary, raw); err != nil {
		t.Fatalf("Write() after garbage error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after garbage was not dispatched")
	}
}

func TestWSInbound_CloseCancelsWait(t *testing.T) {
	h := newHarness(t, config.MultitenantConfig{}, time.Minute)
	waiting := make(chan string, 1)
	h.disp.fn = func(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error {
		waiting <- sessionID
		return nil
	}
	in := startWS(t, h)
	conn := dialWS(t, in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw := h.seal(t, []identity.Key{h.nodeKP.PublicKey}, true)
	if err := conn.Write(ctx, websocket.MessageBinary, raw); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var sessionID string
	select {
	case sessionID = <-waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}

	// Drop the connection while the session waits on a response. The
	// wait is released and the correlator slot freed.
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for h.corr.PendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("correlator slot was not released after connection close")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if h.corr.Deliver(sessionID, session.NewTextPayload("late")) {
		t.Error("Deliver() after connection close = true, want false")
	}
}
