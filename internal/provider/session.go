package provider

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/crossapp"
	"github.com/quantumauth-io/crossapp-wallet/internal/keyexchange"
	"github.com/quantumauth-io/crossapp-wallet/internal/store"
)

// Session is the persisted result of a handshake with one provider app.
// PublicKey and PrivateKey are the requester's half.
type Session struct {
	Address           string `json:"address"`
	ProviderPublicKey string `json:"providerPublicKey"`
	SharedSecret      string `json:"sharedSecret"`
	PublicKey         string `json:"publicKey"`
	PrivateKey        string `json:"privateKey"`
}

func SessionKey(providerAppID string) string {
	return constants.SessionKeyPrefix + providerAppID
}

// sessionFromConnection takes ownership of the connection's key material.
func sessionFromConnection(conn crossapp.Connection) Session {
	s := Session{
		Address:           conn.Address,
		ProviderPublicKey: conn.ProviderPublicKey,
		SharedSecret:      conn.SharedSecret.Hex(),
		PublicKey:         conn.KeyPair.PublicKeyHex(),
		PrivateKey:        conn.KeyPair.PrivateKeyHex(),
	}
	keyexchange.Wipe(conn.SharedSecret)
	conn.KeyPair.Wipe()
	return s
}

func (s Session) validate() error {
	if s.Address == "" {
		return errors.New("session has no address")
	}
	if _, err := keyexchange.SharedSecretFromHex(s.SharedSecret); err != nil {
		return err
	}
	if s.PublicKey == "" {
		return errors.New("session has no requester public key")
	}
	return nil
}

func (s Session) credentials(providerAppID string) (crossapp.Credentials, error) {
	secret, err := keyexchange.SharedSecretFromHex(s.SharedSecret)
	if err != nil {
		return crossapp.Credentials{}, err
	}
	return crossapp.Credentials{
		ProviderAppID:      providerAppID,
		RequesterPublicKey: s.PublicKey,
		SharedSecret:       secret,
	}, nil
}

func loadSession(ctx context.Context, kv store.KV, providerAppID string) (*Session, error) {
	raw, err := kv.Get(ctx, SessionKey(providerAppID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load session")
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode session"), keyexchange.ErrMalformedInput)
	}
	if err := s.validate(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "stored session"), keyexchange.ErrMalformedInput)
	}
	return &s, nil
}

func saveSession(ctx context.Context, kv store.KV, providerAppID string, s Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	return errors.Wrap(kv.Put(ctx, SessionKey(providerAppID), raw), "save session")
}

// checksum renders an address in EIP-55 form, leaving non-addresses untouched.
func checksum(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

func checksumAll(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, checksum(a))
	}
	return out
}
