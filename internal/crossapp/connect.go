package crossapp

import (
	"net/url"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/keyexchange"
	"github.com/quantumauth-io/crossapp-wallet/internal/popup"
)

// Connection is the result of a successful handshake. The caller owns the key
// material from here on and is expected to persist it as a session.
type Connection struct {
	Address           string
	ProviderPublicKey string
	SharedSecret      keyexchange.SharedSecret
	KeyPair           keyexchange.KeyPair
}

type connectResponse struct {
	Type              string `json:"type"`
	Address           string `json:"address"`
	ProviderPublicKey string `json:"providerPublicKey"`
}

func (c *Client) connectMatcher() popup.Matcher {
	return popup.Matcher{
		Success: constants.MessageConnectResponse,
		Complete: func(m popup.Message) bool {
			return m.Field("address") != "" && m.Field("providerPublicKey") != ""
		},
		Failure:   constants.MessageOAuthError,
		Broadcast: c.cfg.BroadcastChannel,
	}
}

// ConnectURL builds the authorization URL for a requester public key.
func (c *Client) ConnectURL(providerAppID, providerURL, requesterPublicKeyHex string) (string, error) {
	q := url.Values{}
	q.Set(constants.QueryRequesterPublicKey, requesterPublicKeyHex)
	q.Set(constants.QueryConnect, "true")
	q.Set(constants.QueryProviderAppID, providerAppID)
	q.Set(constants.QueryRequesterOrigin, c.origin)
	return buildURL(providerURL, constants.ConnectPath, q)
}

// Connect runs the handshake against a provider app and derives the shared secret.
// Popup and provider errors are returned unchanged.
func (c *Client) Connect(providerAppID, providerURL string) (Connection, error) {
	if providerAppID == "" {
		return Connection{}, errors.New("provider app id is empty")
	}

	kp := keyexchange.GenerateKeyPair()

	target, err := c.ConnectURL(providerAppID, providerURL, kp.PublicKeyHex())
	if err != nil {
		kp.Wipe()
		return Connection{}, err
	}

	msg, err := popup.Run(c.host, target, ConnectDimensions, c.connectMatcher(), c.exchangeOptions("connect")...)
	if err != nil {
		kp.Wipe()
		return Connection{}, err
	}

	var resp connectResponse
	if err := msg.Decode(&resp); err != nil {
		kp.Wipe()
		return Connection{}, errors.Mark(errors.Wrap(err, "decode connect response"), keyexchange.ErrMalformedInput)
	}

	secret, err := keyexchange.DeriveSharedSecretHex(kp.PrivateKeyHex(), resp.ProviderPublicKey)
	if err != nil {
		kp.Wipe()
		return Connection{}, errors.Wrap(err, "derive shared secret")
	}

	log.Info("cross-app connection established", "providerAppId", providerAppID, "address", resp.Address)

	return Connection{
		Address:           resp.Address,
		ProviderPublicKey: resp.ProviderPublicKey,
		SharedSecret:      secret,
		KeyPair:           kp,
	}, nil
}
