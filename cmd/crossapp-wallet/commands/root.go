package commands

import (
	"context"

	"github.com/spf13/cobra"

	walletconfig "github.com/quantumauth-io/crossapp-wallet/cmd/crossapp-wallet/config"
	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
)

var (
	configFile    string
	providerAppID string
	providerURL   string
	chainID       string
	storeBackend  string
	noBrowser     bool
)

func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:          constants.AppName,
		Short:        "Connect to a wallet app through its popup and relay wallet requests to it",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default: search ~/.config/"+constants.AppName+", ~/config, .)")
	pf.StringVar(&providerAppID, "provider-app-id", "", "provider app id")
	pf.StringVar(&providerURL, "provider-url", "", "provider URL, skips the metadata lookup")
	pf.StringVar(&chainID, "chain-id", "", "initial chain id (decimal or 0x hex)")
	pf.StringVar(&storeBackend, "store", "", "session store backend: memory, file or sqlite")
	pf.BoolVar(&noBrowser, "no-browser", false, "print bridge URLs instead of opening a browser")

	root.AddCommand(
		serveCmd(),
		connectCmd(),
		accountsCmd(),
		chainIDCmd(),
		signCmd(),
		signTypedDataCmd(),
		sendCmd(),
		switchChainCmd(),
		revokeCmd(),
		callCmd(),
		chainsCmd(),
		configCmd(),
	)
	return root.ExecuteContext(ctx)
}

// loadConfig applies the persistent flags the user actually set on top of the
// file and environment layers.
func loadConfig(cmd *cobra.Command) (*walletconfig.Config, error) {
	opts := []walletconfig.Option{walletconfig.WithFile(configFile)}
	flags := cmd.Flags()

	if flags.Changed("provider-app-id") {
		opts = append(opts, walletconfig.WithOverride("provider.appId", providerAppID))
	}
	if flags.Changed("provider-url") {
		opts = append(opts, walletconfig.WithOverride("provider.url", providerURL))
	}
	if flags.Changed("chain-id") {
		id, err := parseChainID(chainID)
		if err != nil {
			return nil, err
		}
		opts = append(opts, walletconfig.WithOverride("chain.defaultChainId", id))
	}
	if flags.Changed("store") {
		opts = append(opts, walletconfig.WithOverride("store.backend", storeBackend))
	}
	if noBrowser {
		opts = append(opts, walletconfig.WithOverride("bridge.openBrowser", false))
	}
	return walletconfig.Load(opts...)
}

// withRuntime runs fn against a started bridge and emulator, then shuts both down.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Shutdown()
	return fn(cmd.Context(), rt)
}

// request runs one emulator call and prints its result.
func request(cmd *cobra.Command, method string, params func(rt *runtime) ([]any, error)) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		var p []any
		if params != nil {
			var err error
			if p, err = params(rt); err != nil {
				return err
			}
		}
		res, err := rt.emulator.Request(ctx, method, p)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	})
}
