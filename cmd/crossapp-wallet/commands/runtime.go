package commands

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quantumauth-io/quantum-go-utils/log"

	walletconfig "github.com/quantumauth-io/crossapp-wallet/cmd/crossapp-wallet/config"
	"github.com/quantumauth-io/crossapp-wallet/internal/bridge"
	"github.com/quantumauth-io/crossapp-wallet/internal/chains"
	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/crossapp"
	"github.com/quantumauth-io/crossapp-wallet/internal/metrics"
	"github.com/quantumauth-io/crossapp-wallet/internal/provider"
	"github.com/quantumauth-io/crossapp-wallet/internal/store"
)

// runtime wires one emulator behind a listening bridge.
type runtime struct {
	cfg      *walletconfig.Config
	server   *http.Server
	bridge   *bridge.Server
	emulator *provider.Emulator
	chains   *chains.Service
	store    io.Closer
	served   chan error
	token    string
}

func newRuntime(ctx context.Context, cfg *walletconfig.Config) (*runtime, error) {
	if cfg.Provider.AppID == "" {
		return nil, errors.New("provider app id is not configured (provider.appId or --provider-app-id)")
	}

	token := cfg.Bridge.Token
	if token == "" {
		var err error
		if token, err = bridge.NewToken(); err != nil {
			return nil, errors.Wrap(err, "generate bridge token")
		}
	}

	var (
		reg *prometheus.Registry
		m   *metrics.Metrics
		err error
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if m, err = metrics.New(reg); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Bridge.Host, strconv.Itoa(cfg.Bridge.Port)))
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	baseURL := "http://" + ln.Addr().String()

	launcher := printLauncher
	if cfg.Bridge.OpenBrowser {
		launcher = openBrowser
	}
	bcfg := bridge.Config{
		BaseURL:          baseURL,
		Token:            token,
		AllowedOrigins:   cfg.Bridge.AllowedOrigins,
		OpenTimeout:      cfg.Bridge.OpenTimeout,
		BroadcastChannel: cfg.Exchange.BroadcastChannel,
		RateLimit:        cfg.Bridge.RateLimit,
		RateBurst:        cfg.Bridge.RateBurst,
		Launcher:         launcher,
		Metrics:          m,
	}
	if reg != nil {
		bcfg.Gatherer = reg
	}
	br, err := bridge.NewServer(bcfg)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	rt := &runtime{cfg: cfg, bridge: br, served: make(chan error, 1), token: token}
	if err := rt.build(ctx, m); err != nil {
		_ = ln.Close()
		rt.closeResources()
		return nil, err
	}
	br.SetRequester(rt.emulator)

	rt.server = &http.Server{
		Handler:           br,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := rt.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("bridge server error", "error", err)
		}
		rt.served <- err
	}()

	log.Info("bridge listening", "url", baseURL, "provider_app_id", cfg.Provider.AppID)
	return rt, nil
}

func (rt *runtime) build(ctx context.Context, m *metrics.Metrics) error {
	cfg := rt.cfg

	origin := cfg.Requester.Origin
	if origin == "" {
		origin = rt.bridge.BaseURL()
	}
	ccfg := crossapp.Config{
		RequesterOrigin:  origin,
		ExchangeTimeout:  cfg.Exchange.Timeout,
		PollInterval:     cfg.Exchange.PollInterval,
		BroadcastChannel: cfg.Exchange.BroadcastChannel,
	}
	if m != nil {
		ccfg.Observer = m
	}
	client, err := crossapp.NewClient(rt.bridge, ccfg)
	if err != nil {
		return err
	}

	svc, err := chains.NewService(chains.ChainConfig{
		Chains:           cfg.Ethereum,
		PreferredRPCName: cfg.Chain.PreferredRPC,
	})
	if err != nil {
		return err
	}
	rt.chains = svc

	kv, closer, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	rt.store = closer

	deps := provider.Deps{
		Store:     kv,
		Chains:    svc,
		Connector: client,
		Relayer:   client,
	}
	if m != nil {
		deps.Recorder = m
	}
	if cfg.Provider.URL == "" {
		details, err := crossapp.NewDetailsClient(cfg.Provider.AuthURL, cfg.Requester.AppID, nil)
		if err != nil {
			return err
		}
		deps.Details = details
	}

	rt.emulator, err = provider.New(ctx, provider.Config{
		ProviderAppID: cfg.Provider.AppID,
		ProviderURL:   cfg.Provider.URL,
		ChainID:       cfg.Chain.DefaultChainID,
	}, deps)
	return err
}

func openStore(ctx context.Context, s walletconfig.StoreSettings) (store.KV, io.Closer, error) {
	scfg := store.Config{Backend: s.Backend, Path: s.Path}

	switch s.Backend {
	case store.BackendFile:
		if err := os.MkdirAll(filepath.Dir(s.Path), constants.DirectoryPerm); err != nil {
			return nil, nil, errors.Wrap(err, "create store directory")
		}
		pw := []byte(s.Password)
		if len(pw) == 0 {
			var err error
			if pw, err = promptPassword("Session store password: "); err != nil {
				return nil, nil, err
			}
		}
		scfg.Password = pw
	case store.BackendSQLite:
		if path := strings.TrimPrefix(strings.SplitN(s.Path, "?", 2)[0], "file:"); path != "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), constants.DirectoryPerm); err != nil {
				return nil, nil, errors.Wrap(err, "create store directory")
			}
		}
	}

	kv, closer, err := store.Open(ctx, scfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open session store")
	}
	return kv, closer, nil
}

func (rt *runtime) closeResources() {
	if rt.chains != nil {
		if err := rt.chains.Close(); err != nil {
			log.Error("chain clients close failed", "error", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			log.Error("session store close failed", "error", err)
		}
	}
}

func (rt *runtime) bridgeToken() string { return rt.token }

// Shutdown stops the bridge and releases chain clients and the store.
func (rt *runtime) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rt.server.Shutdown(shutdownCtx); err != nil {
		log.Error("bridge shutdown failed", "error", err)
	} else {
		log.Info("bridge gracefully stopped")
	}
	rt.closeResources()
}
