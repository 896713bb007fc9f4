package bridge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/crossapp-wallet/internal/bridge"
	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/crossapp"
	"github.com/quantumauth-io/crossapp-wallet/internal/keyexchange"
	"github.com/quantumauth-io/crossapp-wallet/internal/metrics"
	"github.com/quantumauth-io/crossapp-wallet/internal/popup"
)

const (
	token       = "test-token"
	providerURL = "https://wallet.example"
)

var confirmCode = regexp.MustCompile(`<strong id="code">[A-HJ-NP-Z2-9]{6}</strong>`)

// page drives the bridge endpoints the way the embedded page does in a browser.
type page struct {
	t     *testing.T
	base  string
	id    string
	popup *url.URL
}

func (p *page) do(method, path string, body any) (*http.Response, []byte) {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, p.base+path, rd)
	if err != nil {
		p.t.Errorf("new request: %v", err)
		return nil, nil
	}
	req.Header.Set(bridge.TokenHeader, token)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		p.t.Errorf("%s %s: %v", method, path, err)
		return nil, nil
	}
	defer res.Body.Close()
	out, _ := io.ReadAll(res.Body)
	return res, out
}

func (p *page) setState(state string) {
	if res, _ := p.do(http.MethodPost, "/bridge/windows/"+p.id+"/state", map[string]string{"state": state}); res != nil && res.StatusCode != http.StatusNoContent {
		p.t.Errorf("set state %s: %d", state, res.StatusCode)
	}
}

func (p *page) postMessage(body any) {
	p.do(http.MethodPost, "/bridge/messages", map[string]any{
		"windowId": p.id,
		"origin":   p.popup.Scheme + "://" + p.popup.Host,
		"data":     body,
	})
}

// waitForClose polls the window state until the exchange asks for a close.
func (p *page) waitForClose() {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, body := p.do(http.MethodGet, "/bridge/windows/"+p.id+"/state", nil)
		if res == nil || res.StatusCode != http.StatusOK {
			return
		}
		var st struct{ Close bool }
		_ = json.Unmarshal(body, &st)
		if st.Close {
			p.setState("closed")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.t.Errorf("window %s was never closed", p.id)
}

type fixture struct {
	srv *bridge.Server
	ts  *httptest.Server
	reg *prometheus.Registry
}

func newFixture(t *testing.T, script func(p *page), mutate ...func(*bridge.Config)) *fixture {
	t.Helper()
	ts := httptest.NewUnstartedServer(nil)
	base := "http://" + ts.Listener.Addr().String()
	var pages sync.WaitGroup

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	cfg := bridge.Config{
		BaseURL:     base,
		Token:       token,
		OpenTimeout: 2 * time.Second,
		Metrics:     m,
		Gatherer:    reg,
		Launcher: func(pageURL string) error {
			pages.Add(1)
			go func() {
				defer pages.Done()
				p := &page{t: t, base: base, id: pageURL[strings.LastIndex(pageURL, "/")+1:]}

				res, err := http.Get(pageURL)
				if err != nil {
					t.Errorf("load page: %v", err)
					return
				}
				html, _ := io.ReadAll(res.Body)
				res.Body.Close()
				if !strings.Contains(string(html), p.id) {
					t.Errorf("page does not carry its window id")
				}
				if !confirmCode.Match(html) {
					t.Errorf("page does not show a confirmation code")
				}

				res, body := p.do(http.MethodGet, "/bridge/windows/"+p.id+"/target?left=0&top=0&width=1280&height=800", nil)
				if res == nil || res.StatusCode != http.StatusOK {
					// window already given up on
					return
				}
				var target struct{ Target, Origin, Features string }
				if err := json.Unmarshal(body, &target); err != nil {
					t.Errorf("decode target: %v", err)
					return
				}
				p.popup, _ = url.Parse(target.Target)
				script(p)
			}()
			return nil
		},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	srv, err := bridge.NewServer(cfg)
	require.NoError(t, err)
	ts.Config.Handler = srv
	ts.Start()
	t.Cleanup(ts.Close)
	t.Cleanup(pages.Wait)

	return &fixture{srv: srv, ts: ts, reg: reg}
}

func (f *fixture) client(t *testing.T) *crossapp.Client {
	t.Helper()
	c, err := crossapp.NewClient(f.srv, crossapp.Config{
		RequesterOrigin: f.srv.BaseURL(),
		ExchangeTimeout: 3 * time.Second,
		PollInterval:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestConnectThroughBridge(t *testing.T) {
	provider := keyexchange.GenerateKeyPair()

	f := newFixture(t, func(p *page) {
		p.setState("opened")
		if p.popup.Path != constants.ConnectPath {
			t.Errorf("unexpected popup path %q", p.popup.Path)
		}
		// untyped messages are dropped
		p.postMessage(map[string]any{"hello": "world"})
		p.postMessage(map[string]string{
			"type":              constants.MessageConnectResponse,
			"address":           "0x52908400098527886e0f7030069857d2e4169ee7",
			"providerPublicKey": provider.PublicKeyHex(),
		})
		p.waitForClose()
	})

	conn, err := f.client(t).Connect("app-1", providerURL)
	require.NoError(t, err)
	require.Equal(t, "0x52908400098527886e0f7030069857d2e4169ee7", conn.Address)

	want, err := keyexchange.DeriveSharedSecretHex(provider.PrivateKeyHex(), conn.KeyPair.PublicKeyHex())
	require.NoError(t, err)
	require.Equal(t, want.Hex(), conn.SharedSecret.Hex())
}

func TestRelayThroughBridge(t *testing.T) {
	provider := keyexchange.GenerateKeyPair()
	requester := keyexchange.GenerateKeyPair()
	secret, err := keyexchange.DeriveSharedSecret(requester.PrivateKey, provider.PublicKey)
	require.NoError(t, err)

	f := newFixture(t, func(p *page) {
		p.setState("opened")
		q := p.popup.Query()
		plain, err := keyexchange.Decrypt(q.Get(constants.QueryEncryptedRequest), q.Get(constants.QueryIV), secret)
		if err != nil {
			t.Errorf("decrypt request: %v", err)
			return
		}
		var req crossapp.Request
		_ = json.Unmarshal(plain, &req)

		env, _ := keyexchange.Encrypt("signed:"+req.Method, secret)
		p.postMessage(map[string]string{
			"type":            constants.MessageActionResponse,
			"encryptedResult": env.CiphertextHex(),
			"iv":              env.IVHex(),
		})
		p.waitForClose()
	})

	res, err := f.client(t).Relay(crossapp.Request{Method: "personal_sign", Params: []any{"0x00"}}, providerURL, crossapp.Credentials{
		ProviderAppID:      "app-1",
		RequesterPublicKey: requester.PublicKeyHex(),
		SharedSecret:       secret,
	})
	require.NoError(t, err)
	require.Equal(t, `"signed:personal_sign"`, res)
}

func TestConcurrentRelaysGetTheirOwnAnswers(t *testing.T) {
	provider := keyexchange.GenerateKeyPair()
	requester := keyexchange.GenerateKeyPair()
	secret, err := keyexchange.DeriveSharedSecret(requester.PrivateKey, provider.PublicKey)
	require.NoError(t, err)

	// personal_sign is only answered after eth_sign has already resolved
	ethSignDone := make(chan struct{})

	f := newFixture(t, func(p *page) {
		p.setState("opened")
		q := p.popup.Query()
		plain, err := keyexchange.Decrypt(q.Get(constants.QueryEncryptedRequest), q.Get(constants.QueryIV), secret)
		if err != nil {
			t.Errorf("decrypt request: %v", err)
			return
		}
		var req crossapp.Request
		_ = json.Unmarshal(plain, &req)

		if req.Method == "personal_sign" {
			select {
			case <-ethSignDone:
			case <-time.After(5 * time.Second):
				t.Errorf("eth_sign never resolved")
				return
			}
		}
		env, _ := keyexchange.Encrypt("signed:"+req.Method, secret)
		p.postMessage(map[string]string{
			"type":            constants.MessageActionResponse,
			"encryptedResult": env.CiphertextHex(),
			"iv":              env.IVHex(),
		})
		p.waitForClose()
	})
	client := f.client(t)
	creds := crossapp.Credentials{
		ProviderAppID:      "app-1",
		RequesterPublicKey: requester.PublicKeyHex(),
		SharedSecret:       secret,
	}

	methods := []string{"eth_sign", "personal_sign"}
	results := make([]string, len(methods))
	errs := make([]error, len(methods))
	var wg sync.WaitGroup
	for i, method := range methods {
		wg.Add(1)
		go func(i int, method string) {
			defer wg.Done()
			results[i], errs[i] = client.Relay(crossapp.Request{Method: method, Params: []any{"0x00"}}, providerURL, creds)
			if method == "eth_sign" {
				close(ethSignDone)
			}
		}(i, method)
	}
	wg.Wait()

	for i, method := range methods {
		require.NoError(t, errs[i], method)
		require.Equal(t, `"signed:`+method+`"`, results[i], method)
	}
}

func TestClosedWindowIsForgotten(t *testing.T) {
	provider := keyexchange.GenerateKeyPair()
	ids := make(chan string, 1)

	f := newFixture(t, func(p *page) {
		p.setState("opened")
		ids <- p.id
		p.postMessage(map[string]string{
			"type":              constants.MessageConnectResponse,
			"address":           "0x52908400098527886e0f7030069857d2e4169ee7",
			"providerPublicKey": provider.PublicKeyHex(),
		})
		// the page goes away without confirming the close
	}, func(c *bridge.Config) { c.CloseGrace = 20 * time.Millisecond })

	_, err := f.client(t).Connect("app-1", providerURL)
	require.NoError(t, err)

	id := <-ids
	p := &page{t: t, base: f.ts.URL, id: id}
	require.Eventually(t, func() bool {
		res, _ := p.do(http.MethodGet, "/bridge/windows/"+id+"/state", nil)
		return res != nil && res.StatusCode == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectUpgradesToBroadcast(t *testing.T) {
	provider := keyexchange.GenerateKeyPair()

	f := newFixture(t, func(p *page) {
		p.setState("opened")
		p.postMessage(map[string]string{"type": constants.MessageUseBroadcast})

		// the exchange joins the channel asynchronously
		for i := 0; i < 200; i++ {
			_, body := p.do(http.MethodPost, "/bridge/broadcast/"+constants.BroadcastChannelName, map[string]any{
				"windowId": p.id,
				"data": map[string]string{
					"type":              constants.MessageConnectResponse,
					"address":           "0x52908400098527886e0f7030069857d2e4169ee7",
					"providerPublicKey": provider.PublicKeyHex(),
				},
			})
			if strings.Contains(string(body), `"delivered":1`) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		p.waitForClose()
	})

	conn, err := f.client(t).Connect("app-1", providerURL)
	require.NoError(t, err)
	require.Equal(t, provider.PublicKeyHex(), conn.ProviderPublicKey)
}

func TestPageJoinsConfiguredChannel(t *testing.T) {
	pages := make(chan string, 1)
	f := newFixture(t, nil, func(cfg *bridge.Config) {
		cfg.BroadcastChannel = "wallet-oauth"
		cfg.OpenTimeout = 200 * time.Millisecond
		cfg.Launcher = func(pageURL string) error {
			res, err := http.Get(pageURL)
			if err != nil {
				return err
			}
			defer res.Body.Close()
			html, err := io.ReadAll(res.Body)
			pages <- string(html)
			return err
		}
	})

	// the page never asks for its target, so the open times out
	_, err := f.srv.Open(providerURL, crossapp.ConnectDimensions)
	require.Error(t, err)

	html := <-pages
	require.Contains(t, html, "wallet-oauth")
	require.NotContains(t, html, constants.BroadcastChannelName)
}

func TestBlockedPopup(t *testing.T) {
	f := newFixture(t, func(p *page) { p.setState("blocked") })

	_, err := f.client(t).Connect("app-1", providerURL)
	require.True(t, errors.Is(err, popup.ErrPopupBlocked), "got %v", err)
}

func TestPageNeverReports(t *testing.T) {
	f := newFixture(t, func(*page) {}, func(c *bridge.Config) { c.OpenTimeout = 50 * time.Millisecond })

	_, err := f.client(t).Connect("app-1", providerURL)
	require.True(t, errors.Is(err, popup.ErrPopupBlocked), "got %v", err)
}

func TestLauncherFailure(t *testing.T) {
	f := newFixture(t, nil, func(c *bridge.Config) {
		c.Launcher = func(string) error { return errors.New("no browser") }
	})

	_, err := f.client(t).Connect("app-1", providerURL)
	require.True(t, errors.Is(err, popup.ErrPopupBlocked), "got %v", err)
}

func TestUserClosesPopup(t *testing.T) {
	f := newFixture(t, func(p *page) {
		p.setState("opened")
		p.setState("closed")
	})

	_, err := f.client(t).Connect("app-1", providerURL)
	require.ErrorIs(t, err, popup.ErrUserRejected)
}

func TestMessageFromForeignOrigin(t *testing.T) {
	got := make(chan int, 1)
	f := newFixture(t, func(p *page) {
		p.setState("opened")
		res, _ := p.do(http.MethodPost, "/bridge/messages", map[string]any{
			"windowId": p.id,
			"origin":   "https://evil.example",
			"data":     map[string]string{"type": constants.MessageOAuthError, "error": "nope"},
		})
		got <- res.StatusCode
		p.setState("closed")
	})

	_, err := f.client(t).Connect("app-1", providerURL)
	require.ErrorIs(t, err, popup.ErrUserRejected)
	require.Equal(t, http.StatusForbidden, <-got)
}

func TestGuards(t *testing.T) {
	f := newFixture(t, nil, func(c *bridge.Config) { c.AllowedOrigins = []string{"https://dapp.example"} })

	call := func(method, path, tok, origin string) *http.Response {
		req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(`{}`))
		require.NoError(t, err)
		if tok != "" {
			req.Header.Set(bridge.TokenHeader, tok)
		}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res
	}

	require.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "/bridge/messages", "", "").StatusCode)
	require.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "/bridge/messages", "wrong", "").StatusCode)
	require.Equal(t, http.StatusForbidden, call(http.MethodPost, "/rpc", token, "https://evil.example").StatusCode)

	pre := call(http.MethodOptions, "/rpc", "", "https://dapp.example")
	require.Equal(t, http.StatusNoContent, pre.StatusCode)
	require.Equal(t, "https://dapp.example", pre.Header.Get("Access-Control-Allow-Origin"))

	require.Equal(t, http.StatusNotFound, call(http.MethodGet, "/bridge/windows/unknown", "", "").StatusCode)
	require.Equal(t, http.StatusOK, call(http.MethodGet, "/healthz", "", "").StatusCode)

	// non-loopback callers never reach the handlers
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	f.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Host = "attacker.example"
	f.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, nil, func(c *bridge.Config) {
		c.RateLimit = 0.001
		c.RateBurst = 2
	})
	f.srv.SetRequester(requesterFunc(func(context.Context, string, []any) (any, error) { return "ok", nil }))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, rpcCall(t, f, `{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`).status)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	res, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	require.Contains(t, string(body), "crossapp_bridge_rate_limited_total 1")
}

type requesterFunc func(ctx context.Context, method string, params []any) (any, error)

func (f requesterFunc) Request(ctx context.Context, method string, params []any) (any, error) {
	return f(ctx, method, params)
}

type rpcResult struct {
	status int
	body   struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
}

func rpcCall(t *testing.T, f *fixture, body string) rpcResult {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/rpc", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(bridge.TokenHeader, token)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out rpcResult
	out.status = res.StatusCode
	if res.StatusCode != http.StatusTooManyRequests {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out.body))
	}
	return out
}

func TestRPCFacade(t *testing.T) {
	f := newFixture(t, nil)

	res := rpcCall(t, f, `{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`)
	require.Equal(t, http.StatusServiceUnavailable, res.status)

	f.srv.SetRequester(requesterFunc(func(_ context.Context, method string, params []any) (any, error) {
		switch method {
		case "eth_chainId":
			return "0x1", nil
		case "wallet_revokePermissions":
			if len(params) != 1 {
				return nil, errors.Newf("want one param, got %d", len(params))
			}
			return nil, nil
		case "personal_sign":
			return nil, errors.Wrap(popup.ErrUserRejected, "relay")
		default:
			return nil, errors.New("boom")
		}
	}))

	res = rpcCall(t, f, `{"jsonrpc":"2.0","id":7,"method":"eth_chainId","params":[]}`)
	require.Equal(t, http.StatusOK, res.status)
	require.JSONEq(t, `7`, string(res.body.ID))
	require.JSONEq(t, `"0x1"`, string(res.body.Result))
	require.Nil(t, res.body.Error)

	res = rpcCall(t, f, `{"jsonrpc":"2.0","id":"a","method":"wallet_revokePermissions","params":[{"eth_accounts":{}}]}`)
	require.Nil(t, res.body.Error)
	require.JSONEq(t, `null`, string(res.body.Result))

	res = rpcCall(t, f, `{"jsonrpc":"2.0","id":2,"method":"personal_sign","params":["0x00"]}`)
	require.NotNil(t, res.body.Error)
	require.Equal(t, 4001, res.body.Error.Code)

	res = rpcCall(t, f, `{"jsonrpc":"2.0","id":3,"method":"eth_mystery"}`)
	require.Equal(t, -32603, res.body.Error.Code)

	res = rpcCall(t, f, `{"jsonrpc":"2.0","id":4,"method":"eth_call","params":{"to":"0x0"}}`)
	require.Equal(t, http.StatusBadRequest, res.status)
	require.Equal(t, -32600, res.body.Error.Code)

	res = rpcCall(t, f, `{"jsonrpc":"2.0","id":5}`)
	require.Equal(t, http.StatusBadRequest, res.status)

	res = rpcCall(t, f, `not json`)
	require.Equal(t, -32700, res.body.Error.Code)
	require.JSONEq(t, `null`, string(res.body.ID))
}

type accountsRequester struct {
	requesterFunc
	got chan []string
}

func (a accountsRequester) NotifyAccounts(_ context.Context, accounts []string) error {
	a.got <- accounts
	return nil
}

func TestAccountsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	post := func(body string) int {
		req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/accounts", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(bridge.TokenHeader, token)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}

	const account = "0x52908400098527886e0f7030069857d2e4169ee7"

	// requesters without NotifyAccounts cannot take pushed accounts
	f.srv.SetRequester(requesterFunc(func(context.Context, string, []any) (any, error) { return nil, nil }))
	require.Equal(t, http.StatusServiceUnavailable, post(`{"accounts":["`+account+`"]}`))

	r := accountsRequester{got: make(chan []string, 2)}
	f.srv.SetRequester(r)

	require.Equal(t, http.StatusNoContent, post(`{"accounts":["`+account+`"]}`))
	require.Equal(t, []string{account}, <-r.got)

	require.Equal(t, http.StatusNoContent, post(`{"accounts":[]}`))
	require.Empty(t, <-r.got)

	require.Equal(t, http.StatusBadRequest, post(`{"accounts":["bob"]}`))
	require.Equal(t, http.StatusBadRequest, post(`nope`))
	require.Empty(t, r.got)

	// guarded like the other endpoints
	res, err := http.Post(f.ts.URL+"/accounts", "application/json", strings.NewReader(`{"accounts":[]}`))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestNewServer_Validation(t *testing.T) {
	launch := func(string) error { return nil }

	_, err := bridge.NewServer(bridge.Config{BaseURL: "not a url", Token: token, Launcher: launch})
	require.Error(t, err)
	_, err = bridge.NewServer(bridge.Config{BaseURL: "http://127.0.0.1:1", Launcher: launch})
	require.Error(t, err)
	_, err = bridge.NewServer(bridge.Config{BaseURL: "http://127.0.0.1:1", Token: token})
	require.Error(t, err)

	tok, err := bridge.NewToken()
	require.NoError(t, err)
	require.Len(t, tok, 43)
}
