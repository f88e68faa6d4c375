// Package signature implements detached module signatures.
//
// A signature file is a small envelope around an ed25519 signature:
//
//	magic "BMSG" | version u8 | algorithm u8 | key id (u8 length) | signature (u16 length)
//
// The key id is the first eight bytes of the SHA-256 of the public key and
// selects among trusted keys.
package signature

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

const (
	Version          = 1
	AlgorithmEd25519 = 1
)

var magic = []byte("BMSG")

var (
	ErrMalformed  = errors.New("malformed signature")
	ErrUnknownKey = errors.New("signature key is not trusted")
	ErrBadKey     = errors.New("malformed key")
)

// Verifier checks a detached signature over a module image.
type Verifier interface {
	Verify(data, sig []byte) error
}

// Signature is a decoded envelope.
type Signature struct {
	Algorithm uint8
	KeyID     []byte
	Value     []byte
}

// KeyID derives the identifier stored in envelopes made with pub.
func KeyID(pub ed25519.PublicKey) []byte {
	sum := sha256.Sum256(pub)
	return sum[:8]
}

// Sign produces an envelope for data.
func Sign(priv ed25519.PrivateKey, data []byte) ([]byte, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrBadKey
	}
	return Marshal(Signature{
		Algorithm: AlgorithmEd25519,
		KeyID:     KeyID(pub),
		Value:     ed25519.Sign(priv, data),
	})
}

func Marshal(sig Signature) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddBytes(magic)
	b.AddUint8(Version)
	b.AddUint8(sig.Algorithm)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(sig.KeyID)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(sig.Value)
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode signature: %w", err)
	}
	return out, nil
}

func Parse(raw []byte) (Signature, error) {
	s := cryptobyte.String(raw)
	var (
		head      []byte
		version   uint8
		sig       Signature
		keyID     cryptobyte.String
		signature cryptobyte.String
	)
	if !s.ReadBytes(&head, len(magic)) || !bytes.Equal(head, magic) {
		return Signature{}, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if !s.ReadUint8(&version) || version != Version {
		return Signature{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}
	if !s.ReadUint8(&sig.Algorithm) ||
		!s.ReadUint8LengthPrefixed(&keyID) ||
		!s.ReadUint16LengthPrefixed(&signature) {
		return Signature{}, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	if !s.Empty() {
		return Signature{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(s))
	}
	sig.KeyID = []byte(keyID)
	sig.Value = []byte(signature)
	return sig, nil
}

// Keyring verifies envelopes against a set of trusted ed25519 keys.
type Keyring struct {
	keys map[string]ed25519.PublicKey
}

func NewKeyring(keys ...ed25519.PublicKey) *Keyring {
	ring := &Keyring{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for _, key := range keys {
		ring.Add(key)
	}
	return ring
}

func (ring *Keyring) Add(key ed25519.PublicKey) {
	ring.keys[string(KeyID(key))] = key
}

func (ring *Keyring) Len() int {
	return len(ring.keys)
}

func (ring *Keyring) Verify(data, raw []byte) error {
	sig, err := Parse(raw)
	if err != nil {
		return err
	}
	if sig.Algorithm != AlgorithmEd25519 {
		return fmt.Errorf("%w: algorithm %d", ErrMalformed, sig.Algorithm)
	}
	key, ok := ring.keys[string(sig.KeyID)]
	if !ok {
		return fmt.Errorf("%w: key id %x", ErrUnknownKey, sig.KeyID)
	}
	if !ed25519.Verify(key, data, sig.Value) {
		return fmt.Errorf("signature by key %x does not match", sig.KeyID)
	}
	return nil
}

// ParsePublicKey decodes a base64 ed25519 public key.
func ParsePublicKey(text string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrBadKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a base64 ed25519 seed.
func ParsePrivateKey(text string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrBadKey, len(raw))
	}
	return ed25519.NewKeyFromSeed(raw), nil
}
