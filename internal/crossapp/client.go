// Package crossapp runs the two popup round trips of the cross-app protocol: the
// initial connect handshake and the per-request encrypted relay.
package crossapp

import (
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/popup"
)

var (
	// ConnectDimensions sizes the authorization prompt.
	ConnectDimensions = popup.Dimensions{Width: 440, Height: 680}
	// TransactDimensions sizes the approval prompt, larger than the connect prompt.
	TransactDimensions = popup.Dimensions{Width: 460, Height: 720}
)

type Config struct {
	// RequesterOrigin is sent to the provider as requester_origin.
	RequesterOrigin string

	ExchangeTimeout time.Duration
	PollInterval    time.Duration
	Observer        popup.Observer
	// BroadcastChannel overrides constants.BroadcastChannelName.
	BroadcastChannel string
}

// Client drives connect and relay exchanges through a popup host.
type Client struct {
	host   popup.Host
	origin string
	cfg    Config
}

func NewClient(host popup.Host, cfg Config) (*Client, error) {
	if host == nil {
		return nil, errors.New("popup host is nil")
	}
	origin := strings.TrimRight(strings.TrimSpace(cfg.RequesterOrigin), "/")
	if origin == "" {
		return nil, errors.New("requester origin is empty")
	}
	if cfg.BroadcastChannel == "" {
		cfg.BroadcastChannel = constants.BroadcastChannelName
	}
	return &Client{host: host, origin: origin, cfg: cfg}, nil
}

func (c *Client) Origin() string { return c.origin }

func (c *Client) exchangeOptions(label string) []popup.Option {
	opts := []popup.Option{
		popup.WithLabel(label),
		popup.WithTimeout(c.cfg.ExchangeTimeout),
		popup.WithPollInterval(c.cfg.PollInterval),
	}
	if c.cfg.Observer != nil {
		opts = append(opts, popup.WithObserver(c.cfg.Observer))
	}
	return opts
}

func buildURL(base, path string, q url.Values) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("provider url is empty")
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", errors.Wrapf(err, "parse provider url %q", base)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errors.Newf("provider url %q must be http(s)", base)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
