// Package chains resolves configured networks by chain id and hands out cached
// read-only JSON-RPC clients for them.
package chains

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/rpc"
)

var ErrUnknownChain = errors.New("chain not configured")

// ReadClient forwards a JSON-RPC call and returns the raw result unmodified.
type ReadClient interface {
	Request(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Dialer opens a ReadClient for an RPC URL.
type Dialer func(ctx context.Context, url string) (ReadClient, error)

type ChainConfig struct {
	Chains           *AllChainsConfig
	PreferredRPCName string
}

type Service struct {
	cfg    ChainConfig
	dial   Dialer
	byID   map[uint64]string
	mu     sync.Mutex
	cached map[uint64]ReadClient
}

type Option func(*Service)

// WithDialer replaces the go-ethereum rpc dialer.
func WithDialer(d Dialer) Option {
	return func(s *Service) { s.dial = d }
}

func NewService(cfg ChainConfig, opts ...Option) (*Service, error) {
	if cfg.Chains == nil || len(cfg.Chains.Networks) == 0 {
		return nil, errors.New("chains config is empty")
	}
	cfg.Chains.Normalize()

	s := &Service{
		cfg:    cfg,
		dial:   DialRPC,
		byID:   make(map[uint64]string, len(cfg.Chains.Networks)),
		cached: make(map[uint64]ReadClient),
	}
	for name, n := range cfg.Chains.Networks {
		if n.ChainID == 0 {
			return nil, errors.Newf("network %q has no chainId", name)
		}
		if other, dup := s.byID[n.ChainID]; dup {
			return nil, errors.Newf("networks %q and %q share chainId %d", other, name, n.ChainID)
		}
		s.byID[n.ChainID] = name
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lookup reports whether chainID is configured.
func (s *Service) Lookup(chainID uint64) (Chain, error) {
	name, ok := s.byID[chainID]
	if !ok {
		return Chain{}, errors.Wrapf(ErrUnknownChain, "chainId %d", chainID)
	}
	return s.resolve(name, s.cfg.Chains.Networks[name])
}

// Chains lists configured chains ordered by chain id.
func (s *Service) Chains() []Chain {
	ids := make([]uint64, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Chain, 0, len(ids))
	for _, id := range ids {
		if c, err := s.Lookup(id); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Client returns (and caches) the read client for chainID.
func (s *Service) Client(ctx context.Context, chainID uint64) (ReadClient, error) {
	s.mu.Lock()
	if existing := s.cached[chainID]; existing != nil {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	chain, err := s.Lookup(chainID)
	if err != nil {
		return nil, err
	}

	// dial outside the lock
	dialed, err := s.dial(ctx, chain.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s (%s)", chain.NetworkName, chain.RPCName)
	}

	s.mu.Lock()
	if existing := s.cached[chainID]; existing != nil {
		s.mu.Unlock()
		safeClose(dialed)
		return existing, nil
	}
	s.cached[chainID] = dialed
	s.mu.Unlock()

	return dialed, nil
}

// Close closes all cached clients.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.cached {
		safeClose(c)
		delete(s.cached, id)
	}
	return nil
}

func (s *Service) resolve(networkName string, network NetworkConfig) (Chain, error) {
	var selected *RPC
	if preferred := strings.TrimSpace(s.cfg.PreferredRPCName); preferred != "" {
		for i := range network.RPCs {
			if strings.EqualFold(strings.TrimSpace(network.RPCs[i].Name), preferred) {
				selected = &network.RPCs[i]
				break
			}
		}
	}
	if selected == nil {
		if len(network.RPCs) == 0 {
			return Chain{}, fmt.Errorf("network %q has no RPCs configured", networkName)
		}
		selected = &network.RPCs[0]
	}
	if strings.TrimSpace(selected.URL) == "" {
		return Chain{}, fmt.Errorf("network %q rpc %q url is empty", networkName, selected.Name)
	}

	return Chain{
		NetworkName:    networkName,
		ChainID:        network.ChainID,
		Name:           network.Name,
		RPCName:        selected.Name,
		URL:            selected.URL,
		Explorer:       network.Explorer,
		NativeCurrency: network.NativeCurrency,
	}, nil
}

type rpcReadClient struct {
	c *rpc.Client
}

// DialRPC connects a go-ethereum rpc client (http, ws or ipc by URL scheme).
func DialRPC(ctx context.Context, url string) (ReadClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &rpcReadClient{c: c}, nil
}

func (r *rpcReadClient) Request(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.c.CallContext(ctx, &raw, method, params...); err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *rpcReadClient) Close() { r.c.Close() }

func safeClose(c ReadClient) {
	if closer, ok := c.(interface{ Close() }); ok {
		closer.Close()
	}
}
