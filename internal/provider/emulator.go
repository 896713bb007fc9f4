// Package provider exposes an EIP-1193 style request/event surface backed by a
// cross-app session with a provider application.
package provider

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/crossapp-wallet/internal/chains"
	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/crossapp"
	"github.com/quantumauth-io/crossapp-wallet/internal/keyexchange"
	"github.com/quantumauth-io/crossapp-wallet/internal/store"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connector runs the handshake popup.
type Connector interface {
	Connect(providerAppID, providerURL string) (crossapp.Connection, error)
}

// Relayer runs one encrypted approval popup.
type Relayer interface {
	Relay(req crossapp.Request, apiURL string, creds crossapp.Credentials) (string, error)
}

// ChainSource resolves configured chains and their read clients.
type ChainSource interface {
	Lookup(chainID uint64) (chains.Chain, error)
	Client(ctx context.Context, chainID uint64) (chains.ReadClient, error)
}

// DetailsSource resolves the provider URL when none is configured.
type DetailsSource interface {
	Fetch(ctx context.Context, appID string) (crossapp.ProviderDetails, error)
}

// Recorder counts dispatched requests.
type Recorder interface {
	Dispatched(route string, err error)
}

type Config struct {
	ProviderAppID string
	// ProviderURL skips the details lookup when set.
	ProviderURL string
	ChainID     uint64
}

type Deps struct {
	Store     store.KV
	Chains    ChainSource
	Connector Connector
	Relayer   Relayer
	Details   DetailsSource
	Recorder  Recorder
}

// Permission is one entry of a wallet_requestPermissions answer.
type Permission struct {
	ParentCapability string `json:"parentCapability"`
}

// Emulator is a per-provider-app state machine. Its lock is never held across a
// popup wait, so concurrent calls run independent exchanges.
type Emulator struct {
	cfg  Config
	deps Deps

	listeners listeners

	mu          sync.Mutex
	state       State
	chainID     uint64
	readClient  chains.ReadClient
	session     *Session
	providerURL string
}

// New builds an emulator and restores a persisted session if one exists.
func New(ctx context.Context, cfg Config, deps Deps) (*Emulator, error) {
	if strings.TrimSpace(cfg.ProviderAppID) == "" {
		return nil, errors.New("provider app id is empty")
	}
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}
	if deps.Chains == nil {
		return nil, errors.New("chain source is nil")
	}
	if deps.Connector == nil || deps.Relayer == nil {
		return nil, errors.New("connector and relayer are required")
	}
	if cfg.ProviderURL == "" && deps.Details == nil {
		return nil, errors.New("either a provider url or a details source is required")
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = constants.DefaultChainID
	}
	if _, err := deps.Chains.Lookup(cfg.ChainID); err != nil {
		return nil, errors.Mark(err, ErrChainNotConfigured)
	}

	e := &Emulator{
		cfg:         cfg,
		deps:        deps,
		state:       Disconnected,
		chainID:     cfg.ChainID,
		providerURL: strings.TrimSpace(cfg.ProviderURL),
	}

	sess, err := loadSession(ctx, deps.Store, cfg.ProviderAppID)
	switch {
	case errors.Is(err, keyexchange.ErrMalformedInput):
		log.Warn("ignoring unreadable stored session", "providerAppId", cfg.ProviderAppID, "error", err)
	case err != nil:
		return nil, err
	case sess != nil:
		e.session = sess
		e.state = Connected
		log.Info("restored cross-app session", "providerAppId", cfg.ProviderAppID, "address", checksum(sess.Address))
	}
	return e, nil
}

func (e *Emulator) On(ev Event, fn Listener) ListenerID { return e.listeners.add(ev, fn) }

func (e *Emulator) RemoveListener(ev Event, id ListenerID) bool {
	return e.listeners.remove(ev, id)
}

func (e *Emulator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Emulator) IsAuthorized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

func (e *Emulator) ChainID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chainID
}

// Accounts returns the checksummed session address, or an empty list.
func (e *Emulator) Accounts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return []string{}
	}
	return []string{checksum(e.session.Address)}
}

func (e *Emulator) ProviderAppID() string { return e.cfg.ProviderAppID }

// Request dispatches one call. Popup and relay failures are returned unchanged.
func (e *Emulator) Request(ctx context.Context, method string, params []any) (any, error) {
	route, result, err := e.dispatch(ctx, method, params)
	if e.deps.Recorder != nil {
		e.deps.Recorder.Dispatched(route, err)
	}
	return result, err
}

func (e *Emulator) dispatch(ctx context.Context, method string, params []any) (string, any, error) {
	switch {
	case method == MethodRequestPermissions,
		method == MethodRequestAccounts && e.State() != Connected:
		accounts, err := e.connect(ctx)
		if err != nil {
			return routeConnect, nil, err
		}
		if method == MethodRequestPermissions {
			return routeConnect, []Permission{{ParentCapability: MethodAccounts}}, nil
		}
		return routeConnect, accounts, nil

	case method == MethodChainID:
		return routeChainID, hexutil.EncodeUint64(e.ChainID()), nil

	case IsPublicMethod(method):
		res, err := e.forward(ctx, method, params)
		return routePublic, res, err

	case method == MethodAccounts, method == MethodRequestAccounts:
		return routeAccounts, e.Accounts(), nil

	case method == MethodSwitchChain:
		res, err := e.switchChain(ctx, params)
		return routeSwitch, res, err

	case method == MethodRevokePermissions:
		return routeRevoke, nil, e.revoke(ctx)

	case IsSigningMethod(method):
		res, err := e.relay(ctx, method, params)
		return routeRelay, res, err

	default:
		return routeUnknown, nil, errors.Wrapf(ErrUnsupportedMethod, "%q", method)
	}
}

func (e *Emulator) resolveProviderURL(ctx context.Context) (string, error) {
	e.mu.Lock()
	cached := e.providerURL
	e.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	details, err := e.deps.Details.Fetch(ctx, e.cfg.ProviderAppID)
	if err != nil {
		return "", errors.Wrap(err, "resolve provider url")
	}

	e.mu.Lock()
	e.providerURL = details.CustomAPIURL
	e.mu.Unlock()
	return details.CustomAPIURL, nil
}

func (e *Emulator) connect(ctx context.Context) ([]string, error) {
	providerURL, err := e.resolveProviderURL(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.state == Disconnected {
		e.state = Connecting
	}
	e.mu.Unlock()

	conn, err := e.deps.Connector.Connect(e.cfg.ProviderAppID, providerURL)
	if err != nil {
		e.settleState()
		return nil, err
	}

	sess := sessionFromConnection(conn)
	if err := saveSession(ctx, e.deps.Store, e.cfg.ProviderAppID, sess); err != nil {
		e.settleState()
		return nil, err
	}

	e.mu.Lock()
	e.session = &sess
	e.state = Connected
	chainHex := hexutil.EncodeUint64(e.chainID)
	e.mu.Unlock()

	accounts := []string{checksum(sess.Address)}
	e.listeners.emit(AccountsChanged, accounts)
	e.listeners.emit(Connect, ConnectInfo{ChainID: chainHex})
	return accounts, nil
}

// settleState undoes Connecting after a failed handshake.
func (e *Emulator) settleState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.state = Connected
	} else {
		e.state = Disconnected
	}
}

func (e *Emulator) readClientFor(ctx context.Context) (chains.ReadClient, error) {
	e.mu.Lock()
	client, chainID := e.readClient, e.chainID
	e.mu.Unlock()
	if client != nil {
		return client, nil
	}

	client, err := e.deps.Chains.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// a switch may have landed while dialing
	if e.chainID != chainID {
		return client, nil
	}
	if e.readClient == nil {
		e.readClient = client
	}
	return e.readClient, nil
}

func (e *Emulator) forward(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	client, err := e.readClientFor(ctx)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = []any{}
	}
	return client.Request(ctx, method, params)
}

type switchChainParam struct {
	ChainID json.RawMessage `json:"chainId"`
}

// ParseChainID accepts a 0x hex quantity (leading zeros allowed) or a decimal
// string. Zero is rejected.
func ParseChainID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	var (
		id  uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		id, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		id, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidParams, "chain id %q", s)
	}
	if id == 0 {
		return 0, errors.Wrap(ErrInvalidParams, "chain id must be non-zero")
	}
	return id, nil
}

// chainIDParam reads chainId given as a JSON string or number.
func chainIDParam(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseChainID(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, errors.Wrapf(ErrInvalidParams, "chainId %s", raw)
	}
	return ParseChainID(n.String())
}

func (e *Emulator) switchChain(ctx context.Context, params []any) (chains.Descriptor, error) {
	if len(params) == 0 {
		return chains.Descriptor{}, errors.Wrap(ErrInvalidParams, "missing chain parameter")
	}
	raw, err := json.Marshal(params[0])
	if err != nil {
		return chains.Descriptor{}, errors.Wrapf(ErrInvalidParams, "chain parameter: %v", err)
	}
	var p switchChainParam
	if err := json.Unmarshal(raw, &p); err != nil {
		return chains.Descriptor{}, errors.Wrapf(ErrInvalidParams, "chain parameter: %v", err)
	}
	if len(p.ChainID) == 0 {
		return chains.Descriptor{}, errors.Wrap(ErrInvalidParams, "missing chainId")
	}
	want, err := chainIDParam(p.ChainID)
	if err != nil {
		return chains.Descriptor{}, err
	}

	chain, err := e.deps.Chains.Lookup(want)
	if err != nil {
		return chains.Descriptor{}, errors.Mark(err, ErrChainNotConfigured)
	}

	// no-op if already active
	if e.ChainID() == want {
		return chain.Descriptor(), nil
	}

	client, err := e.deps.Chains.Client(ctx, want)
	if err != nil {
		return chains.Descriptor{}, err
	}

	e.mu.Lock()
	if e.chainID == want {
		e.mu.Unlock()
		return chain.Descriptor(), nil
	}
	e.chainID = want
	e.readClient = client
	e.mu.Unlock()

	log.Info("switching chain", "chain", want, "network", chain.NetworkName)
	e.listeners.emit(ChainChanged, chain.ChainIDHex())
	return chain.Descriptor(), nil
}

func (e *Emulator) revoke(ctx context.Context) error {
	if err := e.deps.Store.Delete(ctx, SessionKey(e.cfg.ProviderAppID)); err != nil {
		return errors.Wrap(err, "delete session")
	}

	e.mu.Lock()
	had := e.session != nil
	e.session = nil
	e.state = Disconnected
	e.mu.Unlock()

	log.Info("cross-app session revoked", "providerAppId", e.cfg.ProviderAppID)
	if had {
		e.listeners.emit(Disconnect, DisconnectInfo{Code: CodeDisconnected, Message: "permissions revoked"})
	}
	return nil
}

func (e *Emulator) relay(ctx context.Context, method string, params []any) (string, error) {
	e.mu.Lock()
	var sess Session
	hasSession := e.session != nil
	if hasSession {
		sess = *e.session
	}
	e.mu.Unlock()
	if !hasSession {
		return "", errors.Wrapf(ErrSessionRequired, "%s", method)
	}

	creds, err := sess.credentials(e.cfg.ProviderAppID)
	if err != nil {
		return "", err
	}
	defer keyexchange.Wipe(creds.SharedSecret)

	apiURL, err := e.resolveProviderURL(ctx)
	if err != nil {
		return "", err
	}
	if params == nil {
		params = []any{}
	}
	return e.deps.Relayer.Relay(crossapp.Request{Method: method, Params: params}, apiURL, creds)
}

// NotifyAccounts applies an account set reported by the provider. An empty set
// ends the session.
func (e *Emulator) NotifyAccounts(ctx context.Context, accounts []string) error {
	if len(accounts) == 0 {
		if err := e.deps.Store.Delete(ctx, SessionKey(e.cfg.ProviderAppID)); err != nil {
			return errors.Wrap(err, "delete session")
		}
		e.mu.Lock()
		e.session = nil
		e.state = Disconnected
		e.mu.Unlock()

		e.listeners.emit(AccountsChanged, []string{})
		e.listeners.emit(Disconnect, DisconnectInfo{Code: CodeDisconnected, Message: "no accounts"})
		return nil
	}

	e.mu.Lock()
	var updated *Session
	if e.session != nil && !strings.EqualFold(e.session.Address, accounts[0]) {
		s := *e.session
		s.Address = accounts[0]
		updated = &s
	}
	e.mu.Unlock()

	if updated != nil {
		if err := saveSession(ctx, e.deps.Store, e.cfg.ProviderAppID, *updated); err != nil {
			return err
		}
		e.mu.Lock()
		e.session = updated
		e.mu.Unlock()
	}

	e.listeners.emit(AccountsChanged, checksumAll(accounts))
	return nil
}
