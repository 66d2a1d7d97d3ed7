// Package wallet manages tenant wallets for a custodial messaging node.
// Each wallet is an isolated identity and key-material scope; inbound
// messages are routed to a wallet before any unpacking occurs.
package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/custodia-mesh/custodia/internal/identity"
)

var (
	// ErrWalletNotFound is returned when no wallet record exists for an ID.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrKeyNotFound is returned when a recipient key maps to no wallet.
	ErrKeyNotFound = errors.New("recipient key not found")

	// ErrHandlerClosed is returned after the handler has shut down.
	ErrHandlerClosed = errors.New("wallet handler closed")

	// ErrStoreLocked is returned when a sealed wallet record cannot be
	// unlocked with the configured storage key.
	ErrStoreLocked = errors.New("wallet store locked")
)

// ResolutionError is a server-side fault: the tenant for an inbound
// message is known to the routing layer but its wallet cannot be used
// (unknown ID, locked store, missing credentials). The sender cannot
// correct it.
type ResolutionError struct {
	WalletID string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.WalletID != "" {
		return fmt.Sprintf("tenant resolution failed for wallet %s: %v", e.WalletID, e.Err)
	}
	return fmt.Sprintf("tenant resolution failed: %v", e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// IsResolutionError reports whether err is a tenant resolution fault.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// Record is the persisted form of a tenant wallet.
type Record struct {
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Keys  []string `json:"keys"` // hex-encoded X25519 private keys
}

// Wallet is an opened tenant wallet. It is owned and cached by the
// Handler; sessions borrow a reference for their own lifetime only.
type Wallet struct {
	ID       string
	Label    string
	Keypairs []*identity.Keypair
	OpenedAt time.Time
}

// newWallet derives an opened wallet from its record.
func newWallet(rec *Record) (*Wallet, error) {
	w := &Wallet{
		ID:       rec.ID,
		Label:    rec.Label,
		OpenedAt: time.Now(),
	}

	for _, keyHex := range rec.Keys {
		priv, err := identity.ParseKey(keyHex)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: invalid key material: %w", rec.ID, err)
		}
		kp, err := identity.KeypairFromPrivate(priv)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: %w", rec.ID, err)
		}
		w.Keypairs = append(w.Keypairs, kp)
	}

	return w, nil
}

// HasKey reports whether the wallet holds the private key for a key ID.
func (w *Wallet) HasKey(kid string) bool {
	for _, kp := range w.Keypairs {
		if kp.PublicKey.String() == kid {
			return true
		}
	}
	return false
}
