package session

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/custodia-mesh/custodia/internal/logging"
	"github.com/custodia-mesh/custodia/internal/metrics"
)

func newTestCorrelator() *Correlator {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return NewCorrelator(logging.NopLogger(), m)
}

func TestCorrelator_DeliverToWaiter(t *testing.T) {
	c := newTestCorrelator()

	ch, err := c.Register("s1")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if !c.Deliver("s1", NewTextPayload("ack")) {
		t.Fatal("Deliver() = false, want true")
	}

	select {
	case p := <-ch:
		if string(p.Bytes()) != "ack" {
			t.Errorf("payload = %q, want ack", p.Bytes())
		}
	default:
		t.Fatal("no payload on the channel")
	}
}

func TestCorrelator_DeliverUnknownSession(t *testing.T) {
	c := newTestCorrelator()

	if c.Deliver("ghost", NewTextPayload("ack")) {
		t.Error("Deliver() to unknown session = true, want false")
	}
}

func TestCorrelator_DuplicateDeliveryDropped(t *testing.T) {
	c := newTestCorrelator()

	if _, err := c.Register("s1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if !c.Deliver("s1", NewTextPayload("first")) {
		t.Fatal("first Deliver() = false")
	}
	if c.Deliver("s1", NewTextPayload("second")) {
		t.Error("second Deliver() = true, want false")
	}
}

func TestCorrelator_DuplicateRegister(t *testing.T) {
	c := newTestCorrelator()

	if _, err := c.Register("s1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := c.Register("s1"); err == nil {
		t.Error("duplicate Register() should fail")
	}
}

func TestCorrelator_Cancel(t *testing.T) {
	c := newTestCorrelator()

	if _, err := c.Register("s1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	c.Cancel("s1")

	if c.Deliver("s1", NewTextPayload("ack")) {
		t.Error("Deliver() after Cancel = true, want false")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}

	// Cancelling again, or an unknown session, is fine.
	c.Cancel("s1")
	c.Cancel("ghost")
}

func TestCorrelator_DeliverNeverBlocks(t *testing.T) {
	c := newTestCorrelator()

	// Nobody ever reads from the slot; Deliver must still return.
	if _, err := c.Register("s1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Deliver("s1", NewTextPayload("ack"))
		close(done)
	}()

	select {
	case <-done:
	case <-timeoutAfter(t):
		t.Fatal("Deliver() blocked with no consumer")
	}
}
