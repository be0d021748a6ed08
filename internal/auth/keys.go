// Package auth signs and verifies participant and authority requests.
// Identities are hex-encoded compressed secp256k1 public keys.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

var (
	ErrMalformedKey       = errors.New("malformed key")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrStaleRequest       = errors.New("request outside allowed clock skew")
	ErrReplayedRequest    = errors.New("request already used")
)

// KeyPair holds a secp256k1 private key.
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

func GenerateKey() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyFromHex parses a 32-byte hex private key, with or without 0x.
func KeyFromHex(s string) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: private key must be %d hex bytes", ErrMalformedKey, secp256k1.PrivKeyBytesLen)
	}
	return &KeyPair{priv: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// ID is the signer identity: the hex compressed public key.
func (k *KeyPair) ID() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

func (k *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// Sign returns the hex compact signature of req's digest.
func (k *KeyPair) Sign(req Request) (string, error) {
	digest, err := req.Digest()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ecdsa.SignCompact(k.priv, digest[:], true)), nil
}

// ParseID validates a signer identity and returns its public key.
func ParseID(id string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(id, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return pub, nil
}

// CanonicalID returns the compressed hex form of a signer identity, so every
// encoding of one key names the same account.
func CanonicalID(id string) (string, error) {
	pub, err := ParseID(id)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}
