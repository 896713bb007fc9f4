package crossapp

import (
	"net/url"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/keyexchange"
	"github.com/quantumauth-io/crossapp-wallet/internal/popup"
)

// Request is the plaintext call sealed into encrypted_request.
type Request struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Credentials identify an established session for relaying.
type Credentials struct {
	ProviderAppID      string
	RequesterPublicKey string
	SharedSecret       keyexchange.SharedSecret
}

type actionResponse struct {
	Type            string `json:"type"`
	EncryptedResult string `json:"encryptedResult"`
	IV              string `json:"iv"`
}

var relayMatcher = popup.Matcher{
	Success: constants.MessageActionResponse,
	Complete: func(m popup.Message) bool {
		return m.Field("encryptedResult") != "" && m.Field("iv") != ""
	},
	Failure: constants.MessageActionError,
}

// TransactURL seals req and builds the approval URL carrying it.
func (c *Client) TransactURL(req Request, apiURL string, creds Credentials) (string, error) {
	if req.Params == nil {
		req.Params = []any{}
	}
	env, err := keyexchange.Encrypt(req, creds.SharedSecret)
	if err != nil {
		return "", errors.Wrap(err, "encrypt request")
	}

	q := url.Values{}
	q.Set(constants.QueryRequesterPublicKey, creds.RequesterPublicKey)
	q.Set(constants.QueryEncryptedRequest, env.CiphertextHex())
	q.Set(constants.QueryRequesterOrigin, c.origin)
	q.Set(constants.QueryIV, env.IVHex())
	q.Set(constants.QueryProviderAppID, creds.ProviderAppID)
	return buildURL(apiURL, constants.TransactPath, q)
}

// Relay sends one call to the provider for approval and returns the decrypted result
// exactly as the provider produced it.
func (c *Client) Relay(req Request, apiURL string, creds Credentials) (string, error) {
	if req.Method == "" {
		return "", errors.New("relay request has no method")
	}

	target, err := c.TransactURL(req, apiURL, creds)
	if err != nil {
		return "", err
	}

	msg, err := popup.Run(c.host, target, TransactDimensions, relayMatcher, c.exchangeOptions("transact")...)
	if err != nil {
		return "", err
	}

	var resp actionResponse
	if err := msg.Decode(&resp); err != nil {
		return "", errors.Mark(errors.Wrap(err, "decode action response"), keyexchange.ErrMalformedInput)
	}

	return keyexchange.DecryptString(resp.EncryptedResult, resp.IV, creds.SharedSecret)
}
