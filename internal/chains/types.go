package chains

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type AllChainsConfig struct {
	Networks map[string]NetworkConfig `json:"networks" yaml:"networks" mapstructure:"networks"`
}

// NetworkConfig describes a network and its RPC endpoints.
type NetworkConfig struct {
	Name           string         `json:"name" yaml:"name" mapstructure:"name"`
	ChainID        uint64         `json:"chainId" yaml:"chainId" mapstructure:"chainId"`
	RPCs           []RPC          `json:"rpcs" yaml:"rpcs" mapstructure:"rpcs"`
	Explorer       string         `json:"explorer" yaml:"explorer" mapstructure:"explorer"`
	NativeCurrency NativeCurrency `json:"nativeCurrency" yaml:"nativeCurrency" mapstructure:"nativeCurrency"`
}

type RPC struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	URL  string `json:"url" yaml:"url" mapstructure:"url"`
}

type NativeCurrency struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name"`
	Symbol   string `json:"symbol" yaml:"symbol" mapstructure:"symbol"`
	Decimals int    `json:"decimals" yaml:"decimals" mapstructure:"decimals"`
}

func (mc *AllChainsConfig) Normalize() {
	if mc == nil {
		return
	}
	for name, n := range mc.Networks {
		if strings.TrimSpace(n.Name) == "" {
			n.Name = name
		}
		if n.NativeCurrency.Decimals == 0 {
			n.NativeCurrency.Decimals = 18
		}
		if strings.TrimSpace(n.Explorer) == "" {
			n.Explorer, _ = KnownExplorer(n.ChainID)
		}
		mc.Networks[name] = n
	}
}

// Chain is a resolved network with its selected RPC endpoint.
type Chain struct {
	NetworkName    string
	ChainID        uint64
	Name           string
	RPCName        string
	URL            string
	Explorer       string
	NativeCurrency NativeCurrency
}

// ChainIDHex is the 0x-prefixed quantity form used on the wallet API.
func (c Chain) ChainIDHex() string { return hexutil.EncodeUint64(c.ChainID) }

// Descriptor is the chain as returned by wallet_switchEthereumChain.
type Descriptor struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
}

func (c Chain) Descriptor() Descriptor {
	d := Descriptor{
		ChainID:        c.ChainIDHex(),
		ChainName:      c.Name,
		RPCURLs:        []string{c.URL},
		NativeCurrency: c.NativeCurrency,
	}
	if c.Explorer != "" {
		d.BlockExplorerURLs = []string{c.Explorer}
	}
	return d
}
