// Package config loads the atlas-server configuration file
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlasworld/atlasnet/pkg/api"
	"github.com/atlasworld/atlasnet/pkg/logging"
	"github.com/atlasworld/atlasnet/pkg/network"
	"github.com/atlasworld/atlasnet/pkg/protocol"
	"github.com/atlasworld/atlasnet/pkg/ratelimit"
)

// Config holds the atlas-server configuration
type Config struct {
	Listen     ListenConfig      `yaml:"listen"`
	Key        KeyConfig         `yaml:"key"`
	KeyStore   KeyStoreConfig    `yaml:"keystore"`
	Network    NetworkConfig     `yaml:"network"`
	Properties map[string]string `yaml:"properties"`
	API        APIConfig         `yaml:"api"`
	Log        logging.Config    `yaml:"log"`
}

type ListenConfig struct {
	Addr string `yaml:"addr"`
}

type KeyConfig struct {
	Path string `yaml:"path"` // PEM private key, generated when missing
	Bits int    `yaml:"bits"`
}

type KeyStoreConfig struct {
	Path string `yaml:"path"`
}

// NetworkConfig mirrors network.Options
type NetworkConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst"`
	RatePolicy       string        `yaml:"rate_policy"`
	MaxFrameSize     uint32        `yaml:"max_frame_size"`
}

type APIConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Addr      string   `yaml:"addr"`
	CORS      bool     `yaml:"cors"`
	RateLimit int      `yaml:"rate_limit"` // per minute per client IP
	APIKeys   []string `yaml:"api_keys"`
}

// DefaultPath returns ~/.atlas/server.yaml
func DefaultPath() string {
	return filepath.Join(defaultDir(), "server.yaml")
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atlas"
	}
	return filepath.Join(home, ".atlas")
}

// Default returns the configuration used when no file exists
func Default() *Config {
	dir := defaultDir()
	apiDefaults := api.DefaultConfig()

	return &Config{
		Listen: ListenConfig{
			Addr: fmt.Sprintf("0.0.0.0:%d", protocol.DefaultPort),
		},
		Key: KeyConfig{
			Path: filepath.Join(dir, "server.pem"),
			Bits: 2048,
		},
		KeyStore: KeyStoreConfig{
			Path: filepath.Join(dir, "keys.db"),
		},
		Network: NetworkConfig{
			RequestTimeout:   protocol.DefaultRequestTimeout,
			AckTimeout:       protocol.DefaultAckTimeout,
			HandshakeTimeout: protocol.DefaultHandshakeTimeout,
			RateLimit:        ratelimit.DefaultPerSecond,
			RateBurst:        ratelimit.DefaultBurst,
			RatePolicy:       ratelimit.PolicyDrop.String(),
			MaxFrameSize:     protocol.DefaultMaxFrameSize,
		},
		API: APIConfig{
			Addr:      apiDefaults.Addr,
			RateLimit: apiDefaults.RateLimit,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen.Addr); err != nil {
		return fmt.Errorf("listen.addr: %w", err)
	}
	if c.Key.Path == "" {
		return errors.New("key.path is required")
	}
	if c.Key.Bits < 1024 {
		return fmt.Errorf("key.bits: %d is too small", c.Key.Bits)
	}
	if c.KeyStore.Path == "" {
		return errors.New("keystore.path is required")
	}

	n := c.Network
	if n.RequestTimeout < 0 || n.AckTimeout < 0 || n.HandshakeTimeout < 0 {
		return errors.New("network timeouts must not be negative")
	}
	if n.AckTimeout > protocol.MaxAckTimeout {
		return fmt.Errorf("network.ack_timeout: above %v", protocol.MaxAckTimeout)
	}
	if n.RateLimit > 0 && n.RateBurst < 1 {
		return errors.New("network.rate_burst must be positive when rate_limit is set")
	}
	if _, err := ratelimit.ParsePolicy(n.RatePolicy); err != nil {
		return fmt.Errorf("network.rate_policy: %w", err)
	}
	if n.MaxFrameSize != 0 && n.MaxFrameSize < protocol.MaxHeaderSize+protocol.HeaderLengthSize {
		return fmt.Errorf("network.max_frame_size: %d is too small", n.MaxFrameSize)
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
			return fmt.Errorf("api.addr: %w", err)
		}
		if c.API.RateLimit < 0 {
			return errors.New("api.rate_limit must not be negative")
		}
	}

	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Options converts the network section
func (n NetworkConfig) Options() (network.Options, error) {
	policy, err := ratelimit.ParsePolicy(n.RatePolicy)
	if err != nil {
		return network.Options{}, err
	}

	opts := network.DefaultOptions()
	opts.RequestTimeout = n.RequestTimeout
	opts.AckTimeout = n.AckTimeout
	opts.HandshakeTimeout = n.HandshakeTimeout
	opts.RateLimit = n.RateLimit
	opts.RateBurst = n.RateBurst
	opts.RatePolicy = policy
	opts.MaxFrameSize = n.MaxFrameSize
	return opts, nil
}

// ServerConfig builds the protocol server settings around auth
func (c *Config) ServerConfig(auth network.Authenticator) (network.ServerConfig, error) {
	opts, err := c.Network.Options()
	if err != nil {
		return network.ServerConfig{}, err
	}
	return network.ServerConfig{
		Options:       opts,
		Authenticator: auth,
		Properties:    c.Properties,
	}, nil
}

// APIServerConfig builds the HTTP API settings
func (c *Config) APIServerConfig(version string) *api.Config {
	cfg := api.DefaultConfig()
	cfg.Addr = c.API.Addr
	cfg.Version = version
	cfg.EnableCORS = c.API.CORS
	cfg.RateLimit = c.API.RateLimit
	cfg.APIKeys = c.API.APIKeys
	return cfg
}
