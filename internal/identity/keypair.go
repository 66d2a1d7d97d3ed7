package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys in bytes.
	KeySize = 32

	// keypairFileName is the name of the file storing the private key.
	keypairFileName = "node_key"
)

// Key is an X25519 key (public or private).
type Key [KeySize]byte

// ZeroKey is an uninitialized key.
var ZeroKey = Key{}

// IsZeroKey returns true if the key is all zeros.
func IsZeroKey(k Key) bool {
	return k == ZeroKey
}

// ParseKey parses a Key from a hex string.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != KeySize*2 {
		return ZeroKey, fmt.Errorf("invalid key length: got %d hex chars, expected %d", len(s), KeySize*2)
	}

	bytes, err := hex.DecodeString(s)
	if err != nil {
		return ZeroKey, fmt.Errorf("invalid hex string for key: %w", err)
	}

	var k Key
	copy(k[:], bytes)
	return k, nil
}

// String returns the hex representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Keypair is an X25519 keypair used for envelope encryption.
type Keypair struct {
	PrivateKey Key
	PublicKey  Key
}

// NewKeypair generates a new X25519 keypair using crypto/rand.
func NewKeypair() (*Keypair, error) {
	var priv Key
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &Keypair{PrivateKey: priv}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// KeypairFromPrivate derives the full keypair from a private key.
func KeypairFromPrivate(priv Key) (*Keypair, error) {
	if IsZeroKey(priv) {
		return nil, errors.New("private key is zero")
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &Keypair{PrivateKey: priv}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// Store persists the private key to the data directory with 0600 permissions.
// The public key is derivable and not stored.
func (kp *Keypair) Store(dataDir string) error {
	if IsZeroKey(kp.PrivateKey) {
		return errors.New("cannot store zero private key")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, keypairFileName)

	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(kp.PrivateKey.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist private key: %w", err)
	}

	return nil
}

// LoadKeypair reads the private key from the data directory and derives
// the public key.
func LoadKeypair(dataDir string) (*Keypair, error) {
	filePath := filepath.Join(dataDir, keypairFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("node key not found at %s", filePath)
		}
		return nil, fmt.Errorf("failed to read node key: %w", err)
	}

	priv, err := ParseKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}

	return KeypairFromPrivate(priv)
}

// LoadOrCreateKeypair loads an existing keypair from the data directory,
// or creates and persists a new one if none exists.
func LoadOrCreateKeypair(dataDir string) (*Keypair, bool, error) {
	kp, err := LoadKeypair(dataDir)
	if err == nil {
		return kp, false, nil
	}

	if !strings.Contains(err.Error(), "not found") {
		return nil, false, err
	}

	kp, err = NewKeypair()
	if err != nil {
		return nil, false, err
	}

	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}

	return kp, true, nil
}
