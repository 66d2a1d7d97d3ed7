package wallet

import (
	"context"
	"errors"

	"github.com/custodia-mesh/custodia/internal/envelope"
)

// Resolver maps raw inbound bytes to candidate wallet IDs. Resolution
// happens before any cryptographic unpacking.
type Resolver interface {
	// Resolve returns the wallet IDs that may own the message. An empty
	// result means no handled tenant matched; the caller decides whether
	// that is a fault.
	Resolve(ctx context.Context, raw []byte) ([]string, error)
}

// KeyResolver resolves tenants by the recipient key IDs in the sealed
// envelope's protected header.
type KeyResolver struct {
	store Store
}

// NewKeyResolver creates a KeyResolver over a store's key index.
func NewKeyResolver(store Store) *KeyResolver {
	return &KeyResolver{store: store}
}

// Resolve implements Resolver. Recipient keys that map to no handled
// wallet are skipped; duplicate wallet IDs are collapsed preserving
// first-seen order.
func (r *KeyResolver) Resolve(ctx context.Context, raw []byte) ([]string, error) {
	kids, err := envelope.RecipientKIDs(raw)
	if err != nil {
		return nil, err
	}

	var ids []string
	seen := make(map[string]bool)
	for _, kid := range kids {
		id, err := r.store.FindByKID(ctx, kid)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			return nil, &ResolutionError{Err: err}
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	return ids, nil
}
