package near

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// KeyTypeED25519 is the only key type the relayer manages.
const KeyTypeED25519 uint8 = 0

const ed25519Prefix = "ed25519:"

var (
	ErrInvalidKey  = errors.New("invalid key encoding")
	ErrInvalidHash = errors.New("invalid hash encoding")
)

// PublicKey is an ed25519 access key as stored on chain.
type PublicKey [ed25519.PublicKeySize]byte

// ParsePublicKey accepts "ed25519:<base58>" or a bare base58 string.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := decodePrefixed(s, ed25519.PublicKeySize)
	if err != nil {
		return pk, fmt.Errorf("public key %q: %w", s, err)
	}
	copy(pk[:], raw)
	return pk, nil
}

// PublicKeyFromBytes copies an ed25519 public key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != ed25519.PublicKeySize {
		return pk, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string {
	return ed25519Prefix + base58.Encode(pk[:])
}

// Ed25519 returns the key in crypto/ed25519 form for verification.
func (pk PublicKey) Ed25519() ed25519.PublicKey {
	out := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(out, pk[:])
	return out
}

func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Signature is a raw ed25519 signature.
type Signature [ed25519.SignatureSize]byte

func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != ed25519.SignatureSize {
		return sig, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidKey, ed25519.SignatureSize, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

func (s Signature) String() string {
	return ed25519Prefix + base58.Encode(s[:])
}

// Hash is a 32-byte block or transaction hash, base58 encoded on the wire.
type Hash [32]byte

func ParseHash(s string) (Hash, error) {
	var h Hash
	raw := base58.Decode(s)
	if len(raw) != len(h) {
		return h, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string {
	return base58.Encode(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// DecodeSecretKey parses "ed25519:<base58>" holding either the 64-byte
// expanded private key or the 32-byte seed, and returns the 32-byte seed.
// Callers own the returned slice and should zero it after use.
func DecodeSecretKey(s string) ([]byte, error) {
	body := strings.TrimPrefix(strings.TrimSpace(s), ed25519Prefix)
	raw := base58.Decode(body)
	switch len(raw) {
	case ed25519.PrivateKeySize:
		seed := make([]byte, ed25519.SeedSize)
		copy(seed, raw[:ed25519.SeedSize])
		wipe(raw)
		return seed, nil
	case ed25519.SeedSize:
		return raw, nil
	default:
		wipe(raw)
		return nil, fmt.Errorf("%w: secret key has unexpected length", ErrInvalidKey)
	}
}

func decodePrefixed(s string, size int) ([]byte, error) {
	body := strings.TrimSpace(s)
	if i := strings.IndexByte(body, ':'); i >= 0 {
		if body[:i+1] != ed25519Prefix {
			return nil, fmt.Errorf("%w: unsupported key type %q", ErrInvalidKey, body[:i])
		}
		body = body[i+1:]
	}
	raw := base58.Decode(body)
	if len(raw) != size {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, size, len(raw))
	}
	return raw, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
