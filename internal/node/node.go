// Package node wires the Custodia components into a running message
// node: identity, tenant wallets, inbound listeners and the response
// correlator.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/custodia-mesh/custodia/internal/config"
	"github.com/custodia-mesh/custodia/internal/envelope"
	"github.com/custodia-mesh/custodia/internal/health"
	"github.com/custodia-mesh/custodia/internal/identity"
	"github.com/custodia-mesh/custodia/internal/logging"
	"github.com/custodia-mesh/custodia/internal/metrics"
	"github.com/custodia-mesh/custodia/internal/profile"
	"github.com/custodia-mesh/custodia/internal/session"
	"github.com/custodia-mesh/custodia/internal/transport"
	"github.com/custodia-mesh/custodia/internal/wallet"
)

// ErrTooManySessions means the concurrent session limit was reached.
var ErrTooManySessions = errors.New("too many concurrent sessions")

// Node is a running Custodia message node.
type Node struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	id      identity.NodeID
	keypair *identity.Keypair

	baseProfile *profile.Profile
	store       *wallet.FileStore
	wallets     *wallet.Handler
	resolver    wallet.Resolver
	codec       *envelope.SealedCodec
	correlator  *session.Correlator

	dispatcher transport.Dispatcher
	inbounds   []transport.Inbound
	health     *health.Server

	active  atomic.Int64
	running atomic.Bool
}

// New creates a node from configuration. Identity material is loaded
// from the data directory, or created on first run.
func New(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := metrics.Default()

	id, _, err := identity.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load node identity: %w", err)
	}
	kp, _, err := identity.LoadOrCreateKeypair(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load node keypair: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "node"),
		metrics: m,
		id:      id,
		keypair: kp,
		baseProfile: profile.New(cfg.Node.Label, []*identity.Keypair{kp}, map[string]string{
			"label": cfg.Node.Label,
		}),
		codec:      envelope.NewCodec(cfg.Limits.MaxRecipients),
		correlator: session.NewCorrelator(logger, m),
		dispatcher: &dropDispatcher{logger: logger},
	}

	if cfg.Multitenant.Enabled {
		store, err := wallet.NewFileStore(cfg.Wallets.StoragePath, cfg.Wallets.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("open wallet store: %w", err)
		}
		n.store = store
		n.wallets = wallet.NewHandler(store, logger, m)
		n.resolver = wallet.NewKeyResolver(store)
	}

	return n, nil
}

// ID returns the node identity.
func (n *Node) ID() identity.NodeID {
	return n.id
}

// PublicKey returns the node's base public key.
func (n *Node) PublicKey() identity.Key {
	return n.keypair.PublicKey
}

// Correlator returns the response correlator. Message processors use
// it to deliver direct responses by session ID.
func (n *Node) Correlator() *session.Correlator {
	return n.correlator
}

// WalletStore returns the tenant wallet store, nil when multitenancy
// is disabled.
func (n *Node) WalletStore() *wallet.FileStore {
	return n.store
}

// SetDispatcher replaces the message dispatcher. Must be called before
// Start; the default dispatcher drops messages.
func (n *Node) SetDispatcher(d transport.Dispatcher) {
	if d != nil {
		n.dispatcher = d
	}
}

// DeliverResponse hands a direct response to the session waiting on
// sessionID. It reports whether a waiter accepted it.
func (n *Node) DeliverResponse(sessionID string, p *session.Payload) bool {
	return n.correlator.Deliver(sessionID, p)
}

// newSession opens an exchange session for one inbound message. It is
// the transport layer's session factory.
func (n *Node) newSession(transportName, remoteAddr string) (*session.Session, error) {
	if max := n.cfg.Limits.MaxSessions; max > 0 {
		if n.active.Add(1) > int64(max) {
			n.active.Add(-1)
			return nil, ErrTooManySessions
		}
	} else {
		n.active.Add(1)
	}

	s, err := session.New(session.Options{
		Transport:         transportName,
		RemoteAddr:        remoteAddr,
		ResponseTimeout:   n.cfg.Sessions.ResponseTimeout,
		AcceptUndelivered: n.cfg.Sessions.AcceptUndelivered,
		Multitenant:       n.cfg.Multitenant,
		Profile:           n.baseProfile,
		Codec:             n.codec,
		Wallets:           n.wallets,
		Resolver:          n.resolver,
		Correlator:        n.correlator,
		Logger:            n.logger,
		Metrics:           n.metrics,
		OnClose:           func() { n.active.Add(-1) },
	})
	if err != nil {
		n.active.Add(-1)
		return nil, err
	}
	return s, nil
}

// Start brings up all configured listeners. A listener that cannot
// bind fails the whole start; partially started listeners are torn
// down.
func (n *Node) Start() error {
	if n.running.Swap(true) {
		return errors.New("node already started")
	}

	opts := transport.Options{
		Factory:         n.newSession,
		Dispatcher:      n.dispatcher,
		Logger:          n.logger,
		Metrics:         n.metrics,
		MaxMessageBytes: n.cfg.Sessions.MaxMessageBytes(),
		MessageRate:     n.cfg.Limits.MessageRate,
		MessageBurst:    n.cfg.Limits.MessageBurst,
		InvitationLabel: n.cfg.Node.Label,
	}

	for _, in := range n.cfg.Inbound {
		var listener transport.Inbound
		switch in.Transport {
		case transport.NameWS:
			listener = transport.NewWSInbound(in.Address, in.Path, opts)
		default:
			listener = transport.NewHTTPInbound(in.Address, in.Path, in.H2C, opts)
		}

		if err := listener.Start(); err != nil {
			n.stopListeners(context.Background())
			n.running.Store(false)
			return err
		}
		n.inbounds = append(n.inbounds, listener)
	}

	if n.cfg.Health.Enabled {
		n.health = health.NewServer(health.ServerConfig{
			Address:      n.cfg.Health.Address,
			ReadTimeout:  n.cfg.Health.ReadTimeout,
			WriteTimeout: n.cfg.Health.WriteTimeout,
		}, n)
		if err := n.health.Start(); err != nil {
			n.stopListeners(context.Background())
			n.running.Store(false)
			return fmt.Errorf("start health server: %w", err)
		}
	}

	n.logger.Info("node started",
		"node_id", n.id.String(),
		logging.KeyCount, len(n.inbounds),
		"multitenant", n.cfg.Multitenant.Enabled)

	return nil
}

// Stop shuts the node down, waiting for in-flight exchanges up to the
// context deadline.
func (n *Node) Stop(ctx context.Context) error {
	if !n.running.Swap(false) {
		return nil
	}

	err := n.stopListeners(ctx)

	if n.health != nil {
		n.health.Stop()
	}
	if n.wallets != nil {
		n.wallets.Close()
	}

	n.logger.Info("node stopped")
	return err
}

func (n *Node) stopListeners(ctx context.Context) error {
	var lastErr error
	for _, in := range n.inbounds {
		if err := in.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	n.inbounds = nil
	return lastErr
}

// IsRunning implements health.StatsProvider.
func (n *Node) IsRunning() bool {
	return n.running.Load()
}

// Stats implements health.StatsProvider.
func (n *Node) Stats() health.Stats {
	walletsOpen := 0
	if n.wallets != nil {
		walletsOpen = n.wallets.OpenCount()
	}
	return health.Stats{
		ListenerCount:    len(n.inbounds),
		SessionsActive:   int(n.active.Load()),
		PendingResponses: n.correlator.PendingCount(),
		WalletsOpen:      walletsOpen,
		Multitenant:      n.cfg.Multitenant.Enabled,
	}
}

// Addrs returns the bound listener addresses.
func (n *Node) Addrs() []string {
	addrs := make([]string, 0, len(n.inbounds))
	for _, in := range n.inbounds {
		if a := in.Addr(); a != nil {
			addrs = append(addrs, in.Name()+"://"+a.String())
		}
	}
	return addrs
}

// dropDispatcher is the default dispatcher: it logs and drops every
// message. Embedders replace it with a real message processor.
type dropDispatcher struct {
	logger *slog.Logger
}

func (d *dropDispatcher) Dispatch(ctx context.Context, sessionID string, msg *envelope.Message, canRespond bool) error {
	d.logger.Debug("dropping message with no dispatcher",
		logging.KeySessionID, sessionID,
		"message_type", msg.Type)
	return nil
}
