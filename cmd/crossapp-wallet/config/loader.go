package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/quantumauth-io/crossapp-wallet/internal/chains"
	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/store"
)

//go:embed config.yaml
var EmbeddedConfigYAML []byte

const envPrefix = "CROSSAPP"

type RequesterSettings struct {
	AppID  string `mapstructure:"appId" yaml:"appId"`
	Origin string `mapstructure:"origin" yaml:"origin"`
}

type ProviderSettings struct {
	AppID   string `mapstructure:"appId" yaml:"appId"`
	URL     string `mapstructure:"url" yaml:"url"`
	AuthURL string `mapstructure:"authUrl" yaml:"authUrl"`
}

type ExchangeSettings struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"pollInterval" yaml:"pollInterval"`
	// BroadcastChannel must match the name the provider's redirect page posts on.
	BroadcastChannel string `mapstructure:"broadcastChannel" yaml:"broadcastChannel"`
}

type BridgeSettings struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Token          string        `mapstructure:"token" yaml:"token"`
	AllowedOrigins []string      `mapstructure:"allowedOrigins" yaml:"allowedOrigins"`
	OpenTimeout    time.Duration `mapstructure:"openTimeout" yaml:"openTimeout"`
	RateLimit      float64       `mapstructure:"rateLimit" yaml:"rateLimit"`
	RateBurst      int           `mapstructure:"rateBurst" yaml:"rateBurst"`
	OpenBrowser    bool          `mapstructure:"openBrowser" yaml:"openBrowser"`
}

type StoreSettings struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the sealed file or the sqlite DSN.
	Path string `mapstructure:"path" yaml:"path"`
	// Password unlocks the file backend; prompted for when empty.
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

type ChainSettings struct {
	DefaultChainID uint64 `mapstructure:"defaultChainId" yaml:"defaultChainId"`
	PreferredRPC   string `mapstructure:"preferredRpc" yaml:"preferredRpc"`
}

type MetricsSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type Config struct {
	Requester RequesterSettings       `mapstructure:"requester" yaml:"requester"`
	Provider  ProviderSettings        `mapstructure:"provider" yaml:"provider"`
	Exchange  ExchangeSettings        `mapstructure:"exchange" yaml:"exchange"`
	Bridge    BridgeSettings          `mapstructure:"bridge" yaml:"bridge"`
	Store     StoreSettings           `mapstructure:"store" yaml:"store"`
	Chain     ChainSettings           `mapstructure:"chain" yaml:"chain"`
	Metrics   MetricsSettings         `mapstructure:"metrics" yaml:"metrics"`
	Ethereum  *chains.AllChainsConfig `mapstructure:"ethereum" yaml:"ethereum"`
}

// Option adjusts the viper instance after files and env are read.
type Option func(v *viper.Viper)

// WithFile reads exactly this file instead of searching the default paths.
func WithFile(path string) Option {
	return func(v *viper.Viper) {
		if path != "" {
			v.SetConfigFile(path)
		}
	}
}

// WithOverride sets one key, taking precedence over files and env.
func WithOverride(key string, value any) Option {
	return func(v *viper.Viper) { v.Set(key, value) }
}

// Dir returns the directory holding config and session files.
//
// Priority:
//  1. SNAP_REAL_HOME (snap installs)
//  2. HOME
//  3. os.UserConfigDir() fallback
func Dir() (string, error) {
	if realHome := os.Getenv("SNAP_REAL_HOME"); realHome != "" {
		return filepath.Join(realHome, ".config", constants.AppName), nil
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", constants.AppName), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("UserConfigDir: %w", err)
	}
	return filepath.Join(dir, constants.AppName), nil
}

func searchPaths() []string {
	home, _ := os.UserHomeDir()
	paths := make([]string, 0, 3)
	if dir, err := Dir(); err == nil {
		paths = append(paths, dir)
	}
	return append(paths, filepath.Join(home, "config"), ".")
}

// Load layers the embedded defaults, the first config.yaml found on the search
// paths, CROSSAPP_* environment variables and finally opts.
func Load(opts ...Option) (*Config, error) {
	return LoadFrom(searchPaths(), opts...)
}

func LoadFrom(paths []string, opts ...Option) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(EmbeddedConfigYAML)); err != nil {
		return nil, errors.Wrap(err, "read embedded config")
	}

	v.SetConfigName(strings.TrimSuffix(constants.ConfigFileName, filepath.Ext(constants.ConfigFileName)))
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, o := range opts {
		o(v)
	}

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.Provider.AppID = strings.TrimSpace(c.Provider.AppID)
	c.Provider.URL = strings.TrimRight(strings.TrimSpace(c.Provider.URL), "/")
	c.Provider.AuthURL = strings.TrimRight(strings.TrimSpace(c.Provider.AuthURL), "/")
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))

	if c.Ethereum == nil {
		c.Ethereum = &chains.AllChainsConfig{}
	}
	c.Ethereum.Normalize()

	if c.Store.Path == "" && c.Store.Backend != store.BackendMemory {
		dir, err := Dir()
		if err != nil {
			return err
		}
		switch c.Store.Backend {
		case store.BackendSQLite:
			c.Store.Path = "file:" + filepath.Join(dir, "sessions.db")
		default:
			c.Store.Path = filepath.Join(dir, constants.SessionsFile)
		}
	}
	return nil
}

// Validate checks settings that every command depends on. The provider app id
// is checked by the commands that need it.
func (c *Config) Validate() error {
	if c.Exchange.Timeout <= 0 {
		return errors.New("exchange.timeout must be positive")
	}
	if c.Exchange.PollInterval <= 0 || c.Exchange.PollInterval >= c.Exchange.Timeout {
		return errors.New("exchange.pollInterval must be positive and below exchange.timeout")
	}
	if strings.TrimSpace(c.Exchange.BroadcastChannel) == "" {
		return errors.New("exchange.broadcastChannel is empty")
	}
	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		return errors.Newf("bridge.port %d out of range", c.Bridge.Port)
	}
	if strings.TrimSpace(c.Bridge.Host) == "" {
		return errors.New("bridge.host is empty")
	}
	switch c.Store.Backend {
	case store.BackendMemory, store.BackendFile, store.BackendSQLite:
	default:
		return errors.Newf("store.backend %q is not one of memory, file, sqlite", c.Store.Backend)
	}
	if len(c.Ethereum.Networks) == 0 {
		return errors.New("no ethereum networks configured")
	}
	if c.Chain.DefaultChainID == 0 {
		return errors.New("chain.defaultChainId is zero")
	}
	if c.Provider.URL == "" && c.Provider.AuthURL == "" {
		return errors.New("either provider.url or provider.authUrl is required")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	if out.Bridge.Token != "" {
		out.Bridge.Token = "********"
	}
	if out.Store.Password != "" {
		out.Store.Password = "********"
	}
	return out
}

// WriteFile renders c as YAML at path, refusing to overwrite unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return errors.Newf("%s already exists", path)
		}
	}
	out := *c
	out.Store.Password = ""

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "encode config")
	}

	if err := os.MkdirAll(filepath.Dir(path), constants.DirectoryPerm); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	return errors.Wrap(os.WriteFile(path, buf.Bytes(), constants.FilePerm), "write config")
}
