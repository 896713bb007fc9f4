package provider_test

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/crossapp-wallet/internal/chains"
	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/crossapp"
	"github.com/quantumauth-io/crossapp-wallet/internal/keyexchange"
	"github.com/quantumauth-io/crossapp-wallet/internal/popup/popuptest"
	"github.com/quantumauth-io/crossapp-wallet/internal/provider"
	"github.com/quantumauth-io/crossapp-wallet/internal/store"
)

const (
	appID        = "provider-app"
	providerURL  = "https://provider.example"
	lowerAddress = "0x52908400098527886e0f7030069857d2e4169ee7"
	checksummed  = "0x52908400098527886E0F7030069857D2E4169EE7"
)

// walletApp plays the provider side of every popup it sees.
type walletApp struct {
	keys keyexchange.KeyPair

	mu       sync.Mutex
	requests []crossapp.Request
	reply    func(req crossapp.Request) any
}

func (w *walletApp) onOpen(_ *popuptest.Host, win *popuptest.Window) {
	u, err := url.Parse(win.Target)
	if err != nil {
		panic(err)
	}
	q := u.Query()

	switch u.Path {
	case constants.ConnectPath:
		win.Post(map[string]string{
			"type":              constants.MessageConnectResponse,
			"address":           lowerAddress,
			"providerPublicKey": w.keys.PublicKeyHex(),
		})

	case constants.TransactPath:
		secret, err := keyexchange.DeriveSharedSecretHex(w.keys.PrivateKeyHex(), q.Get(constants.QueryRequesterPublicKey))
		if err != nil {
			panic(err)
		}
		plain, err := keyexchange.Decrypt(q.Get(constants.QueryEncryptedRequest), q.Get(constants.QueryIV), secret)
		if err != nil {
			win.Post(map[string]string{"type": constants.MessageActionError, "error": err.Error()})
			return
		}
		var req crossapp.Request
		if err := json.Unmarshal(plain, &req); err != nil {
			panic(err)
		}
		w.mu.Lock()
		w.requests = append(w.requests, req)
		reply := w.reply
		w.mu.Unlock()

		var result any = "0xsigned"
		if reply != nil {
			result = reply(req)
		}
		env, err := keyexchange.Encrypt(result, secret)
		if err != nil {
			panic(err)
		}
		win.Post(map[string]string{
			"type":            constants.MessageActionResponse,
			"encryptedResult": env.CiphertextHex(),
			"iv":              env.IVHex(),
		})
	}
}

func (w *walletApp) seen() []crossapp.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]crossapp.Request(nil), w.requests...)
}

type fakeReadClient struct {
	chainID uint64
	calls   atomic.Int32
	methods chan string
}

func (c *fakeReadClient) Request(_ context.Context, method string, params []any) (json.RawMessage, error) {
	c.calls.Add(1)
	select {
	case c.methods <- method:
	default:
	}
	out, _ := json.Marshal(map[string]any{"chain": c.chainID, "method": method, "params": params})
	return out, nil
}

type fakeChains struct {
	svc     *chains.Service
	mu      sync.Mutex
	clients map[uint64]*fakeReadClient
}

func newFakeChains(t *testing.T) *fakeChains {
	t.Helper()
	svc, err := chains.NewService(chains.ChainConfig{Chains: &chains.AllChainsConfig{Networks: map[string]chains.NetworkConfig{
		"mainnet": {ChainID: 1, RPCs: []chains.RPC{{URL: "http://mainnet.invalid"}}},
		"sepolia": {ChainID: 11155111, RPCs: []chains.RPC{{URL: "http://sepolia.invalid"}}},
	}}})
	require.NoError(t, err)
	return &fakeChains{svc: svc, clients: make(map[uint64]*fakeReadClient)}
}

func (f *fakeChains) Lookup(id uint64) (chains.Chain, error) { return f.svc.Lookup(id) }

func (f *fakeChains) Client(_ context.Context, id uint64) (chains.ReadClient, error) {
	if _, err := f.svc.Lookup(id); err != nil {
		return nil, err
	}
	return f.client(id), nil
}

func (f *fakeChains) client(id uint64) *fakeReadClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		c = &fakeReadClient{chainID: id, methods: make(chan string, 16)}
		f.clients[id] = c
	}
	return c
}

type recordedEvent struct {
	event   provider.Event
	payload any
}

type harness struct {
	t      *testing.T
	host   *popuptest.Host
	wallet *walletApp
	kv     *store.Memory
	chains *fakeChains
	client *crossapp.Client

	mu     sync.Mutex
	events []recordedEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		host:   popuptest.New(),
		wallet: &walletApp{keys: keyexchange.GenerateKeyPair()},
		kv:     store.NewMemory(),
		chains: newFakeChains(t),
	}
	h.host.OnOpen = h.wallet.onOpen

	client, err := crossapp.NewClient(h.host, crossapp.Config{
		RequesterOrigin: "http://127.0.0.1:7777",
		ExchangeTimeout: 2 * time.Second,
		PollInterval:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	h.client = client
	return h
}

func (h *harness) emulator(cfg provider.Config, opts ...func(*provider.Deps)) *provider.Emulator {
	h.t.Helper()
	if cfg.ProviderAppID == "" {
		cfg.ProviderAppID = appID
	}
	deps := provider.Deps{
		Store:     h.kv,
		Chains:    h.chains,
		Connector: h.client,
		Relayer:   h.client,
	}
	if cfg.ProviderURL == "" {
		cfg.ProviderURL = providerURL
	}
	for _, o := range opts {
		o(&deps)
	}
	e, err := provider.New(context.Background(), cfg, deps)
	require.NoError(h.t, err)

	for ev := provider.AccountsChanged; ev <= provider.Message; ev++ {
		ev := ev
		e.On(ev, func(p any) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, recordedEvent{event: ev, payload: p})
		})
	}
	return e
}

func (h *harness) recorded() []recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedEvent(nil), h.events...)
}
