package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/custodia-mesh/custodia/internal/identity"
)

const (
	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "custodia-envelope-v1"

	envEncAlg = "chacha20poly1305_ietf"
	envTyp    = "CSTD/1.0"
	envAlg    = "Anoncrypt"
)

// deriveKey computes the symmetric key for a (private, public) X25519 pair.
func deriveKey(priv, pub identity.Key) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// Seal packs a payload for the given recipient public keys. Each recipient
// entry carries the content key sealed with a fresh ephemeral X25519 key.
// Options set routing decorations on the inner message.
type SealOptions struct {
	Type          string
	ThreadID      string
	RequestReturn bool
}

// Seal produces a sealed envelope for the recipients.
func Seal(payload []byte, recipients []identity.Key, opts SealOptions) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	inner := innerMessage{
		Type: opts.Type,
		Body: json.RawMessage(payload),
	}
	if opts.ThreadID != "" {
		inner.Thread = &threadBlock{ThreadID: opts.ThreadID}
	}
	if opts.RequestReturn {
		inner.Transport = &transportBlock{ReturnRoute: ReturnRouteAll}
	}
	plaintext, err := json.Marshal(&inner)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inner message: %w", err)
	}

	// Content encryption key, fresh per envelope.
	cek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, cek); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}

	hdr := protectedHeader{
		Enc: envEncAlg,
		Typ: envTyp,
		Alg: envAlg,
	}

	for _, recip := range recipients {
		eph, err := identity.NewKeypair()
		if err != nil {
			return nil, err
		}

		kek, err := deriveKey(eph.PrivateKey, recip)
		if err != nil {
			return nil, err
		}

		aead, err := chacha20poly1305.New(kek)
		if err != nil {
			return nil, err
		}

		nonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}

		sealedKey := aead.Seal(nil, nonce, cek, nil)

		hdr.Recipients = append(hdr.Recipients, rawRecipient{
			EncryptedKey: base64.RawURLEncoding.EncodeToString(sealedKey),
			Header: kidHeader{
				KID:    recip.String(),
				IV:     base64.RawURLEncoding.EncodeToString(nonce),
				Sender: eph.PublicKey.String(),
			},
		})
	}

	hdrBytes, err := json.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode protected header: %w", err)
	}

	aead, err := chacha20poly1305.New(cek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-chacha20poly1305.Overhead]
	tag := sealed[len(sealed)-chacha20poly1305.Overhead:]

	env := rawEnvelope{
		Protected:  base64.RawURLEncoding.EncodeToString(hdrBytes),
		IV:         base64.RawURLEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawURLEncoding.EncodeToString(ct),
		Tag:        base64.RawURLEncoding.EncodeToString(tag),
	}

	return json.Marshal(&env)
}

// openSealed recovers the plaintext for a matched recipient entry.
func openSealed(env *rawEnvelope, recip *rawRecipient, kp *identity.Keypair) ([]byte, error) {
	senderPub, err := identity.ParseKey(recip.Header.Sender)
	if err != nil {
		return nil, &ParseError{Reason: "invalid sender key", Err: err}
	}

	kek, err := deriveKey(kp.PrivateKey, senderPub)
	if err != nil {
		return nil, &ParseError{Reason: "key agreement failed", Err: err}
	}

	keyNonce, err := base64.RawURLEncoding.DecodeString(recip.Header.IV)
	if err != nil || len(keyNonce) != chacha20poly1305.NonceSize {
		return nil, &ParseError{Reason: "invalid recipient nonce", Err: err}
	}

	sealedKey, err := base64.RawURLEncoding.DecodeString(recip.EncryptedKey)
	if err != nil {
		return nil, &ParseError{Reason: "invalid encrypted key encoding", Err: err}
	}

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, &ParseError{Reason: "cipher setup failed", Err: err}
	}

	cek, err := aead.Open(nil, keyNonce, sealedKey, nil)
	if err != nil {
		return nil, &ParseError{Reason: "content key authentication failed", Err: err}
	}

	nonce, err := base64.RawURLEncoding.DecodeString(env.IV)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, &ParseError{Reason: "invalid envelope nonce", Err: err}
	}

	ct, err := base64.RawURLEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, &ParseError{Reason: "invalid ciphertext encoding", Err: err}
	}

	tag, err := base64.RawURLEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, &ParseError{Reason: "invalid tag encoding", Err: err}
	}

	payloadAEAD, err := chacha20poly1305.New(cek)
	if err != nil {
		return nil, &ParseError{Reason: "cipher setup failed", Err: err}
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := payloadAEAD.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &ParseError{Reason: "payload authentication failed", Err: err}
	}

	return plaintext, nil
}
