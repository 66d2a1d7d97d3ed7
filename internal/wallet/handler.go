package wallet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/custodia-mesh/custodia/internal/logging"
	"github.com/custodia-mesh/custodia/internal/metrics"
)

// Handler caches opened tenant wallets. It is the only long-lived shared
// mutable state in the inbound path and is safe for concurrent use; the
// first opener of a wallet wins a concurrent open race and everyone else
// reuses the cached wallet.
type Handler struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	wallets map[string]*Wallet
	opening map[string]*openCall
	closed  bool
}

// openCall tracks an in-flight store open so concurrent callers for the
// same wallet share one result.
type openCall struct {
	done   chan struct{}
	wallet *Wallet
	err    error
}

// NewHandler creates a wallet handler over a store.
func NewHandler(store Store, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Handler{
		store:   store,
		logger:  logger.With(logging.KeyComponent, "wallet"),
		metrics: m,
		wallets: make(map[string]*Wallet),
		opening: make(map[string]*openCall),
	}
}

// Get returns a cached wallet without opening.
func (h *Handler) Get(id string) (*Wallet, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.wallets[id]
	return w, ok
}

// Open returns the wallet for id, opening its store exactly once even
// under concurrent first-open races. A failed open is not cached, so a
// later call may retry.
func (h *Handler) Open(ctx context.Context, id string) (*Wallet, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &ResolutionError{WalletID: id, Err: ErrHandlerClosed}
	}

	if w, ok := h.wallets[id]; ok {
		h.mu.Unlock()
		h.metrics.RecordWalletCacheHit()
		return w, nil
	}

	if call, ok := h.opening[id]; ok {
		// Another task is opening this wallet; wait for its result.
		h.mu.Unlock()
		select {
		case <-call.done:
			if call.err != nil {
				return nil, call.err
			}
			h.metrics.RecordWalletCacheHit()
			return call.wallet, nil
		case <-ctx.Done():
			return nil, &ResolutionError{WalletID: id, Err: ctx.Err()}
		}
	}

	call := &openCall{done: make(chan struct{})}
	h.opening[id] = call
	h.mu.Unlock()

	w, err := h.open(ctx, id)
	call.wallet = w
	call.err = err

	h.mu.Lock()
	delete(h.opening, id)
	if err == nil && !h.closed {
		h.wallets[id] = w
	}
	h.mu.Unlock()
	close(call.done)

	return w, err
}

// open performs the underlying store open.
func (h *Handler) open(ctx context.Context, id string) (*Wallet, error) {
	rec, err := h.store.Open(ctx, id)
	if err != nil {
		h.metrics.RecordWalletResolutionError("store_open")
		return nil, &ResolutionError{WalletID: id, Err: err}
	}

	w, err := newWallet(rec)
	if err != nil {
		h.metrics.RecordWalletResolutionError("bad_key_material")
		return nil, &ResolutionError{WalletID: id, Err: err}
	}

	h.metrics.RecordWalletOpen()
	h.logger.Debug("opened tenant wallet",
		logging.KeyWalletID, w.ID,
		logging.KeyCount, len(w.Keypairs))

	return w, nil
}

// OpenCount returns the number of cached wallets.
func (h *Handler) OpenCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.wallets)
}

// Close drops all cached wallets. Subsequent opens fail.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id := range h.wallets {
		delete(h.wallets, id)
		h.metrics.RecordWalletClose()
	}
}
