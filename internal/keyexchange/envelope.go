package keyexchange

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

const IVSize = 12

// Envelope is one sealed payload. Ciphertext carries the 16-byte GCM tag at its end.
type Envelope struct {
	IV         []byte
	Ciphertext []byte
}

func (e Envelope) IVHex() string         { return hex.EncodeToString(e.IV) }
func (e Envelope) CiphertextHex() string { return hex.EncodeToString(e.Ciphertext) }

// Encrypt serializes payload as JSON and seals it under secret with a fresh IV.
// A string payload is encoded as a JSON string, same as any other value.
func Encrypt(payload any, secret SharedSecret) (Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal payload")
	}

	aead, err := newGCM(secret)
	if err != nil {
		return Envelope{}, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, errors.Wrap(err, "draw iv")
	}

	return Envelope{
		IV:         iv,
		Ciphertext: aead.Seal(nil, iv, plaintext, nil),
	}, nil
}

// Decrypt opens a hex-encoded ciphertext (tag appended) and returns the plaintext bytes.
func Decrypt(ciphertextHex, ivHex string, secret SharedSecret) ([]byte, error) {
	ciphertext, err := decodeHex(ciphertextHex)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "ciphertext hex: %v", err)
	}
	iv, err := decodeHex(ivHex)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "iv hex: %v", err)
	}
	if len(iv) != IVSize {
		return nil, errors.Wrapf(ErrMalformedInput, "iv length %d", len(iv))
	}

	aead, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, errors.Wrapf(ErrMalformedInput, "ciphertext length %d", len(ciphertext))
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// DecryptString decrypts and returns the plaintext as a string.
func DecryptString(ciphertextHex, ivHex string, secret SharedSecret) (string, error) {
	b, err := Decrypt(ciphertextHex, ivHex, secret)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newGCM(secret SharedSecret) (cipher.AEAD, error) {
	if len(secret) != SharedSecretSize {
		return nil, errors.Wrapf(ErrInvalidKey, "shared secret length %d", len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}
	return aead, nil
}
