// Package keystore persists pool keys for one funding account in a single
// encrypted JSON file. Local seeds are sealed with XChaCha20-Poly1305 under a
// scrypt-derived key; remote keys store only their KMS reference.
package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/canopy-network/relayx/pkg/kms"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/signer"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	fileVersion = 1
	kindLocal   = "local"
	kindRemote  = "remote"
	saltSize    = 32
	keySize     = 32
)

var (
	ErrNoPassphrase  = errors.New("keystore passphrase required for local keys")
	ErrDecrypt       = errors.New("keystore: cannot decrypt entry (wrong passphrase?)")
	ErrNoProvider    = errors.New("keystore: remote entry without kms provider")
	ErrUnknownSigner = errors.New("keystore: unsupported signer type")
)

// scrypt cost; tests lower it.
var scryptN = 1 << 15

type kdfParams struct {
	Salt []byte `json:"salt"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

type entry struct {
	PublicKey  near.PublicKey `json:"public_key"`
	Kind       string         `json:"kind"`
	Nonce      []byte         `json:"nonce,omitempty"`
	Ciphertext []byte         `json:"ciphertext,omitempty"`
	Reference  string         `json:"reference,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type document struct {
	Version int       `json:"version"`
	Account string    `json:"account"`
	KDF     kdfParams `json:"kdf"`
	Keys    []entry   `json:"keys"`
}

type Options struct {
	Dir        string
	Account    string
	Passphrase string
	// Provider rebuilds remote signers on Load. Optional for local-only stores.
	Provider kms.Provider
	Logger   *zap.Logger
}

type Store struct {
	mu       sync.Mutex
	path     string
	doc      document
	aeadKey  []byte
	provider kms.Provider
	logger   *zap.Logger
}

// Open reads the account's key file, creating an empty one in memory when it
// does not exist yet. Nothing is written until the first change.
func Open(o Options) (*Store, error) {
	if err := near.ValidateAccountID(o.Account); err != nil {
		return nil, err
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(o.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create dir: %w", err)
	}

	s := &Store{
		path:     filepath.Join(o.Dir, o.Account+".json"),
		provider: o.Provider,
		logger:   o.Logger.With(zap.String("component", "keystore"), zap.String("account", o.Account)),
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("keystore: salt: %w", err)
		}
		s.doc = document{Version: fileVersion, Account: o.Account, KDF: kdfParams{Salt: salt, N: scryptN, R: 8, P: 1}}
	case err != nil:
		return nil, fmt.Errorf("keystore: read %s: %w", s.path, err)
	default:
		if err := json.Unmarshal(raw, &s.doc); err != nil {
			return nil, fmt.Errorf("keystore: parse %s: %w", s.path, err)
		}
		if s.doc.Account != o.Account {
			return nil, fmt.Errorf("keystore: %s belongs to %q", s.path, s.doc.Account)
		}
	}

	if o.Passphrase != "" {
		k := s.doc.KDF
		s.aeadKey, err = scrypt.Key([]byte(o.Passphrase), k.Salt, k.N, k.R, k.P, keySize)
		if err != nil {
			return nil, fmt.Errorf("keystore: derive key: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Persist records a pool key. Local keys hand their seed over through
// SealTo; remote keys store only the reference.
func (s *Store) Persist(sig signer.Signer) error {
	switch v := sig.(type) {
	case *signer.Local:
		return v.SealTo(s)
	case *signer.Remote:
		return s.upsert(entry{PublicKey: v.PublicKey(), Kind: kindRemote, Reference: v.Reference(), CreatedAt: time.Now().UTC()})
	default:
		return fmt.Errorf("%w: %T", ErrUnknownSigner, sig)
	}
}

// StoreSecret implements signer.SecretSink.
func (s *Store) StoreSecret(pk near.PublicKey, seed []byte) error {
	if s.aeadKey == nil {
		return ErrNoPassphrase
	}
	aead, err := chacha20poly1305.NewX(s.aeadKey)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keystore: nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, seed, pk[:])
	return s.upsert(entry{PublicKey: pk, Kind: kindLocal, Nonce: nonce, Ciphertext: ct, CreatedAt: time.Now().UTC()})
}

// Remove drops a key. Removing an unknown key is a no-op.
func (s *Store) Remove(pk near.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.doc.Keys[:0:0]
	found := false
	for _, e := range s.doc.Keys {
		if e.PublicKey == pk {
			found = true
			continue
		}
		keys = append(keys, e)
	}
	if !found {
		return nil
	}
	s.doc.Keys = keys
	return s.writeLocked()
}

// Load rebuilds a signer for every stored key.
func (s *Store) Load() ([]signer.Signer, error) {
	s.mu.Lock()
	entries := append([]entry(nil), s.doc.Keys...)
	s.mu.Unlock()

	out := make([]signer.Signer, 0, len(entries))
	for _, e := range entries {
		sig, err := s.open(e)
		if err != nil {
			return nil, fmt.Errorf("keystore: %s: %w", e.PublicKey, err)
		}
		out = append(out, sig)
	}
	return out, nil
}

func (s *Store) open(e entry) (signer.Signer, error) {
	switch e.Kind {
	case kindLocal:
		if s.aeadKey == nil {
			return nil, ErrNoPassphrase
		}
		aead, err := chacha20poly1305.NewX(s.aeadKey)
		if err != nil {
			return nil, err
		}
		seed, err := aead.Open(nil, e.Nonce, e.Ciphertext, e.PublicKey[:])
		if err != nil {
			return nil, ErrDecrypt
		}
		defer wipe(seed)
		l, err := signer.LocalFromSeed(seed)
		if err != nil {
			return nil, err
		}
		if l.PublicKey() != e.PublicKey {
			return nil, ErrDecrypt
		}
		return l, nil
	case kindRemote:
		if s.provider == nil {
			return nil, ErrNoProvider
		}
		return signer.NewRemote(s.provider, e.Reference, e.PublicKey), nil
	default:
		return nil, fmt.Errorf("unknown entry kind %q", e.Kind)
	}
}

func (s *Store) upsert(e entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Keys {
		if s.doc.Keys[i].PublicKey == e.PublicKey {
			e.CreatedAt = s.doc.Keys[i].CreatedAt
			s.doc.Keys[i] = e
			return s.writeLocked()
		}
	}
	s.doc.Keys = append(s.doc.Keys, e)
	return s.writeLocked()
}

// writeLocked replaces the file atomically: temp file in the same directory,
// fsync, rename.
func (s *Store) writeLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".keystore-*")
	if err != nil {
		return fmt.Errorf("keystore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("keystore: replace %s: %w", s.path, err)
	}
	s.logger.Debug("keystore written", zap.Int("keys", len(s.doc.Keys)))
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var _ signer.SecretSink = (*Store)(nil)
