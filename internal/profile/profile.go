// Package profile provides the processing context bound to an inbound
// session. A profile is an immutable value: tenant binding substitutes a
// new profile rather than mutating the shared base, so concurrent
// sessions never race on context state.
package profile

import (
	"github.com/custodia-mesh/custodia/internal/identity"
	"github.com/custodia-mesh/custodia/internal/wallet"
)

// Profile is a processing context: configuration settings plus the key
// material messages are unpacked with. The zero tenant binding means the
// node's own base keys are in effect.
type Profile struct {
	label    string
	settings map[string]string
	baseKeys []*identity.Keypair
	wallet   *wallet.Wallet
}

// New creates a base profile with the node's label, keys and settings.
// The settings map is copied; callers may reuse theirs.
func New(label string, keys []*identity.Keypair, settings map[string]string) *Profile {
	p := &Profile{
		label:    label,
		settings: make(map[string]string, len(settings)),
		baseKeys: keys,
	}
	for k, v := range settings {
		p.settings[k] = v
	}
	return p
}

// Label returns the profile's label: the wallet label when a tenant is
// bound, the node label otherwise.
func (p *Profile) Label() string {
	if p.wallet != nil && p.wallet.Label != "" {
		return p.wallet.Label
	}
	return p.label
}

// Setting returns a configuration setting.
func (p *Profile) Setting(key string) (string, bool) {
	v, ok := p.settings[key]
	return v, ok
}

// Wallet returns the bound tenant wallet, or nil for the base profile.
func (p *Profile) Wallet() *wallet.Wallet {
	return p.wallet
}

// Keys returns the keypairs for unpacking messages under this profile:
// the tenant wallet's keys when bound, the node's base keys otherwise.
func (p *Profile) Keys() []*identity.Keypair {
	if p.wallet != nil {
		return p.wallet.Keypairs
	}
	return p.baseKeys
}

// fork returns a shallow copy with its own settings map.
func (p *Profile) fork() *Profile {
	c := &Profile{
		label:    p.label,
		settings: make(map[string]string, len(p.settings)),
		baseKeys: p.baseKeys,
		wallet:   p.wallet,
	}
	for k, v := range p.settings {
		c.settings[k] = v
	}
	return c
}

// WithWallet returns a copy of the profile bound to a tenant wallet.
// The receiver is unchanged.
func (p *Profile) WithWallet(w *wallet.Wallet) *Profile {
	c := p.fork()
	c.wallet = w
	return c
}

// WithSetting returns a copy of the profile with one setting replaced.
// The receiver is unchanged.
func (p *Profile) WithSetting(key, value string) *Profile {
	c := p.fork()
	c.settings[key] = value
	return c
}
