// Package keyexchange derives the symmetric channel key shared by a requester and a
// provider application, and seals request/response payloads under it.
//
// Keys are secp256k1. The shared secret is the ECDH point serialized in compressed
// form with its one-byte prefix removed, which leaves the 32-byte X coordinate used as
// an AES-256-GCM key. Providers derive the key the same way, so the truncation is part
// of the wire contract.
package keyexchange

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/errors"
)

const (
	PrivateKeySize   = 32
	PublicKeySize    = 33
	SharedSecretSize = 32
)

var (
	ErrInvalidKey           = errors.New("invalid key")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMalformedInput       = errors.New("malformed input")
)

// KeyPair is an ephemeral requester key pair. PublicKey is a compressed point.
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

func (k KeyPair) PrivateKeyHex() string { return hex.EncodeToString(k.PrivateKey) }
func (k KeyPair) PublicKeyHex() string  { return hex.EncodeToString(k.PublicKey) }

// Wipe zeroes the private half.
func (k *KeyPair) Wipe() {
	Wipe(k.PrivateKey)
	k.PrivateKey = nil
}

// SharedSecret is the AES-256 key both sides derive independently.
type SharedSecret []byte

func (s SharedSecret) Hex() string { return hex.EncodeToString(s) }

// SharedSecretFromHex parses a persisted secret.
func SharedSecretFromHex(s string) (SharedSecret, error) {
	b, err := decodeHex(s)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "shared secret: %v", err)
	}
	if len(b) != SharedSecretSize {
		return nil, errors.Wrapf(ErrMalformedInput, "shared secret length %d", len(b))
	}
	return b, nil
}

// GenerateKeyPair draws a fresh private scalar and computes its public point.
// A failing randomness source is fatal.
func GenerateKeyPair() KeyPair {
	raw := make([]byte, PrivateKeySize)
	for {
		if _, err := rand.Read(raw); err != nil {
			panic("keyexchange: randomness source failed: " + err.Error())
		}
		var scalar btcec.ModNScalar
		overflow := scalar.SetByteSlice(raw)
		zero := scalar.IsZero()
		scalar.Zero()
		if !overflow && !zero {
			break
		}
	}

	priv, pub := btcec.PrivKeyFromBytes(raw)
	priv.Zero()

	return KeyPair{
		PrivateKey: raw,
		PublicKey:  pub.SerializeCompressed(),
	}
}

// DeriveSharedSecret computes the ECDH secret between privateKey and the
// counterparty's public key.
func DeriveSharedSecret(privateKey, counterpartyPublicKey []byte) (SharedSecret, error) {
	if len(privateKey) != PrivateKeySize {
		return nil, errors.Wrapf(ErrInvalidKey, "private key length %d", len(privateKey))
	}
	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(privateKey); overflow || scalar.IsZero() {
		scalar.Zero()
		return nil, errors.Wrap(ErrInvalidKey, "private key out of range")
	}
	defer scalar.Zero()

	pub, err := btcec.ParsePubKey(counterpartyPublicKey)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "counterparty public key: %v", err)
	}

	var point, product btcec.JacobianPoint
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&scalar, &point, &product)
	product.ToAffine()

	compressed := btcec.NewPublicKey(&product.X, &product.Y).SerializeCompressed()
	// drop the 0x02/0x03 prefix byte
	secret := make([]byte, SharedSecretSize)
	copy(secret, compressed[1:])
	Wipe(compressed)

	return secret, nil
}

// DeriveSharedSecretHex is DeriveSharedSecret over hex-encoded keys.
func DeriveSharedSecretHex(privateKeyHex, counterpartyPublicKeyHex string) (SharedSecret, error) {
	priv, err := decodeHex(privateKeyHex)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "private key hex: %v", err)
	}
	defer Wipe(priv)

	pub, err := decodeHex(counterpartyPublicKeyHex)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "public key hex: %v", err)
	}
	return DeriveSharedSecret(priv, pub)
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return hex.DecodeString(s)
}
