package commands

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	walletconfig "github.com/quantumauth-io/crossapp-wallet/cmd/crossapp-wallet/config"
	"github.com/quantumauth-io/crossapp-wallet/internal/bridge"
	"github.com/quantumauth-io/crossapp-wallet/internal/chains"
	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/provider"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and its JSON-RPC endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				for ev := provider.AccountsChanged; ev <= provider.Message; ev++ {
					name := ev.String()
					rt.emulator.On(ev, func(payload any) {
						log.Info("provider event", "event", name, "payload", payload)
					})
				}

				log.Info("json-rpc endpoint ready",
					"url", rt.bridge.BaseURL()+"/rpc",
					"accounts_url", rt.bridge.BaseURL()+"/accounts",
					"header", bridge.TokenHeader,
					"token", rt.bridgeToken(),
					"state", rt.emulator.State().String(),
				)

				select {
				case <-ctx.Done():
					log.Info("shutdown signal received")
					return nil
				case err := <-rt.served:
					return err
				}
			})
		},
	}
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open the provider's authorization popup and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return request(cmd, provider.MethodRequestAccounts, nil)
		},
	}
}

func accountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "Print the connected account, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return request(cmd, provider.MethodAccounts, nil)
		},
	}
}

func chainIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain-id",
		Short: "Print the active chain id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return request(cmd, provider.MethodChainID, nil)
		},
	}
}

func signCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <message>",
		Short: "Ask the wallet to personal_sign a message (text or 0x hex)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return request(cmd, "personal_sign", func(rt *runtime) ([]any, error) {
				from, err := activeAccount(rt)
				if err != nil {
					return nil, err
				}
				return []any{messageHex(args[0]), from}, nil
			})
		},
	}
}

func signTypedDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign-typed <typed-data-json>",
		Short: "Ask the wallet to sign EIP-712 typed data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[0])) {
				return errors.New("typed data must be valid JSON")
			}
			return request(cmd, "eth_signTypedData_v4", func(rt *runtime) ([]any, error) {
				from, err := activeAccount(rt)
				if err != nil {
					return nil, err
				}
				return []any{from, args[0]}, nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	var to, value, data string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Ask the wallet to send a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return request(cmd, "eth_sendTransaction", func(rt *runtime) ([]any, error) {
				from, err := activeAccount(rt)
				if err != nil {
					return nil, err
				}
				tx, err := buildTransaction(from, to, value, data)
				if err != nil {
					return nil, err
				}
				return []any{tx}, nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&value, "value", "0", "value in wei (decimal or 0x hex)")
	cmd.Flags().StringVar(&data, "data", "", "0x call data")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func switchChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch-chain <chain-id>",
		Short: "Switch the active chain to a configured one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChainID(args[0])
			if err != nil {
				return err
			}
			return request(cmd, provider.MethodSwitchChain, func(*runtime) ([]any, error) {
				return []any{map[string]string{"chainId": hexutil.EncodeUint64(id)}}, nil
			})
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Forget the stored session for the provider app",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return request(cmd, provider.MethodRevokePermissions, func(*runtime) ([]any, error) {
				return []any{map[string]any{provider.MethodAccounts: map[string]any{}}}, nil
			})
		},
	}
}

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [params-json-array]",
		Short: "Send any EIP-1193 request",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params []any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return errors.Wrap(err, "params must be a JSON array")
				}
			}
			return request(cmd, args[0], func(*runtime) ([]any, error) { return params, nil })
		},
	}
}

func chainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List configured chains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			svc, err := chains.NewService(chains.ChainConfig{Chains: cfg.Ethereum, PreferredRPCName: cfg.Chain.PreferredRPC})
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			out := make([]chains.Descriptor, 0)
			for _, c := range svc.Chains() {
				out = append(out, c.Descriptor())
			}
			return printResult(cmd.OutOrStdout(), out)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	var force bool
	var path string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective config to a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				dir, err := walletconfig.Dir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, constants.ConfigFileName)
			}
			if err := cfg.WriteFile(path, force); err != nil {
				return err
			}
			log.Info("config written", "path", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	initCmd.Flags().StringVar(&path, "path", "", "destination (default: ~/.config/"+constants.AppName+"/"+constants.ConfigFileName+")")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func activeAccount(rt *runtime) (string, error) {
	accounts := rt.emulator.Accounts()
	if len(accounts) == 0 {
		return "", errors.Wrap(provider.ErrSessionRequired, "run connect first")
	}
	return accounts[0], nil
}
