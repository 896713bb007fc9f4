package constants

import "time"

const (
	AppName        = "crossapp-wallet"
	ConfigFileName = "config.yaml"
	SessionsFile   = "sessions.json"

	FilePerm      = 0o600
	DirectoryPerm = 0o700

	// Prefix of the key/value entry holding a provider session.
	SessionKeyPrefix = "connection:"

	// AAD for the encrypted session file (must match on decrypt).
	SessionFileAAD = "crossapp:sessions:v1"
)

// Provider popup paths
const (
	ConnectPath  = "/cross-app/connect"
	TransactPath = "/cross-app/transact"
)

// Outbound query parameters
const (
	QueryRequesterPublicKey = "requester_public_key"
	QueryConnect            = "connect"
	QueryProviderAppID      = "provider_app_id"
	QueryRequesterOrigin    = "requester_origin"
	QueryEncryptedRequest   = "encrypted_request"
	QueryIV                 = "iv"
)

// Inbound message types
const (
	MessageConnectResponse = "cross-app-connect-response"
	MessageOAuthError      = "oauth-error"
	MessageUseBroadcast    = "oauth-use-broadcast-channel"
	MessageActionResponse  = "cross-app-action-response"
	MessageActionError     = "cross-app-action-error"

	// Default secondary channel joined after a MessageUseBroadcast signal. The
	// provider's redirect page posts on this name.
	BroadcastChannelName = "popup-privy-oauth"
)

// Provider metadata lookup
const (
	ProviderDetailsPathFmt = "/api/v1/apps/%s/cross-app/details"
	AppIDHeader            = "app-id"
)

const (
	ExchangeTimeout      = 2 * time.Minute
	ExchangePollInterval = 300 * time.Millisecond
)

const DefaultChainID uint64 = 1
