package wallet

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Store provides access to persisted wallet records. Open is invoked only
// after tenant resolution has succeeded; implementations must not grant
// access to key material before then.
type Store interface {
	// Open loads and unlocks the record for a wallet ID.
	// Returns ErrWalletNotFound when no record exists and ErrStoreLocked
	// when the record cannot be unlocked with the store's key.
	Open(ctx context.Context, id string) (*Record, error)

	// FindByKID returns the wallet ID owning a recipient key ID without
	// opening the wallet. Returns ErrKeyNotFound when unmapped.
	FindByKID(ctx context.Context, kid string) (string, error)
}

const (
	kidIndexFile = "kid_index.json"

	// storeKeyInfo is the context string for storage key derivation.
	storeKeyInfo = "custodia-wallet-store-v1"

	storeSaltSize = 16
)

// FileStore is a Store backed by JSON record files under a base directory.
// When a storage key is configured, record files are sealed with a key
// derived from it and a per-record salt; key material never touches disk
// in the clear. The kid_index.json file maps recipient key IDs to wallet
// IDs so routing can happen without unlocking any wallet; it holds public
// key IDs only and stays plaintext.
type FileStore struct {
	path string
	key  []byte // storage key, nil for plaintext stores

	mu    sync.RWMutex
	index map[string]string // kid -> wallet ID
}

// sealedRecord is the on-disk form of a wallet record under a storage key.
type sealedRecord struct {
	Sealed     bool   `json:"sealed"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// NewFileStore creates a FileStore rooted at path, loading the key index
// if one exists. An empty storageKey leaves records plaintext.
func NewFileStore(path, storageKey string) (*FileStore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create wallet storage: %w", err)
	}

	s := &FileStore{
		path:  path,
		index: make(map[string]string),
	}
	if storageKey != "" {
		s.key = []byte(storageKey)
	}

	data, err := os.ReadFile(filepath.Join(path, kidIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read key index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return nil, fmt.Errorf("failed to parse key index: %w", err)
	}

	return s, nil
}

// Open implements Store.
func (s *FileStore) Open(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("wallet %s: %w", id, ErrWalletNotFound)
		}
		return nil, fmt.Errorf("failed to read wallet %s: %w", id, err)
	}

	data, err = s.openRecord(data)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse wallet %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}

	return &rec, nil
}

// FindByKID implements Store.
func (s *FileStore) FindByKID(ctx context.Context, kid string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	id, ok := s.index[kid]
	s.mu.RUnlock()

	if !ok {
		return "", ErrKeyNotFound
	}
	return id, nil
}

// Put persists a wallet record and indexes its public keys. Records are
// sealed when the store holds a storage key.
func (s *FileStore) Put(rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("wallet record has no ID")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode wallet %s: %w", rec.ID, err)
	}

	if len(s.key) > 0 {
		data, err = s.sealRecord(data)
		if err != nil {
			return fmt.Errorf("failed to seal wallet %s: %w", rec.ID, err)
		}
	}

	if err := os.WriteFile(s.recordPath(rec.ID), data, 0600); err != nil {
		return fmt.Errorf("failed to write wallet %s: %w", rec.ID, err)
	}

	// Index the wallet's public keys for routing.
	w, err := newWallet(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, kp := range w.Keypairs {
		s.index[kp.PublicKey.String()] = rec.ID
	}
	s.mu.Unlock()

	return s.saveIndex()
}

// AddMapping indexes an additional recipient key ID for a wallet.
func (s *FileStore) AddMapping(kid, walletID string) error {
	s.mu.Lock()
	s.index[kid] = walletID
	s.mu.Unlock()
	return s.saveIndex()
}

// sealRecord encrypts encoded record bytes under the storage key.
func (s *FileStore) sealRecord(data []byte) ([]byte, error) {
	salt := make([]byte, storeSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := s.recordAEAD(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, data, nil)
	return json.MarshalIndent(&sealedRecord{
		Sealed:     true,
		Salt:       base64.RawURLEncoding.EncodeToString(salt),
		Nonce:      base64.RawURLEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawURLEncoding.EncodeToString(sealed),
	}, "", "  ")
}

// openRecord returns the plaintext record bytes for whatever form is on
// disk. Plaintext records pass through, also under a keyed store, so
// stores created before a key was configured keep working.
func (s *FileStore) openRecord(data []byte) ([]byte, error) {
	var sr sealedRecord
	if err := json.Unmarshal(data, &sr); err != nil || !sr.Sealed {
		return data, nil
	}

	if len(s.key) == 0 {
		return nil, fmt.Errorf("record is sealed and no storage key is configured: %w", ErrStoreLocked)
	}

	salt, err := base64.RawURLEncoding.DecodeString(sr.Salt)
	if err != nil || len(salt) != storeSaltSize {
		return nil, fmt.Errorf("invalid record salt: %w", ErrStoreLocked)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(sr.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("invalid record nonce: %w", ErrStoreLocked)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(sr.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid record ciphertext: %w", ErrStoreLocked)
	}

	aead, err := s.recordAEAD(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("record authentication failed: %w", ErrStoreLocked)
	}
	return plaintext, nil
}

// recordAEAD builds the cipher for a record from the storage key and its salt.
func (s *FileStore) recordAEAD(salt []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, s.key, salt, []byte(storeKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("storage key derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cipher setup failed: %w", err)
	}
	return aead, nil
}

func (s *FileStore) saveIndex() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.index, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode key index: %w", err)
	}

	tempPath := filepath.Join(s.path, kidIndexFile+".tmp")
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write key index: %w", err)
	}
	if err := os.Rename(tempPath, filepath.Join(s.path, kidIndexFile)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist key index: %w", err)
	}
	return nil
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.path, id+".json")
}
