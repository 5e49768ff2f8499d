// Package config loads and validates the relay configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ember-pool/ember-relay/internal/router"
)

// Developer-fee defaults. These are ordinary configuration values; operators
// who want a different split set dev_wallet / dev_rate explicitly.
const (
	DefaultDevWallet = "0x3602b50d3086edefcd9318bcceb6389004fb14ee"
	DefaultDevRate   = 0.01
)

// Config is the validated configuration record consumed by the core. The
// core never reads files or flags itself.
type Config struct {
	Name string `yaml:"name"`

	TCPPort     int `yaml:"tcp_port"`
	SSLPort     int `yaml:"ssl_port"`
	EncryptPort int `yaml:"encrypt_port"`

	PoolTCPAddress  []string `yaml:"pool_tcp_address"`
	PoolSSLAddress  []string `yaml:"pool_ssl_address"`
	ShareTCPAddress []string `yaml:"share_tcp_address"`
	ShareSSLAddress []string `yaml:"share_ssl_address"`

	ShareWallet string  `yaml:"share_wallet"`
	ShareName   string  `yaml:"share_name"`
	Share       int     `yaml:"share"`
	ShareAlg    int     `yaml:"share_alg"`
	ShareRate   float64 `yaml:"share_rate"`

	DevWallet string  `yaml:"dev_wallet"`
	DevRate   float64 `yaml:"dev_rate"`

	Key string `yaml:"key"`
	IV  string `yaml:"iv"`

	P12Path string `yaml:"p12_path"`
	P12Pass string `yaml:"p12_pass"`

	LogLevel int    `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`

	WebPort       int    `yaml:"web_port"`
	WebSecret     string `yaml:"web_secret"`
	AdminPassword string `yaml:"admin_password"`
	MetricsPort   int    `yaml:"metrics_port"`
	RedisURL      string `yaml:"redis_url"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Name = getEnv("RELAY_NAME", c.Name)
	c.TCPPort = getEnvInt("RELAY_TCP_PORT", c.TCPPort)
	c.SSLPort = getEnvInt("RELAY_SSL_PORT", c.SSLPort)
	c.EncryptPort = getEnvInt("RELAY_ENCRYPT_PORT", c.EncryptPort)
	c.ShareWallet = getEnv("RELAY_SHARE_WALLET", c.ShareWallet)
	c.ShareRate = getEnvFloat("RELAY_SHARE_RATE", c.ShareRate)
	c.RedisURL = getEnv("RELAY_REDIS_URL", c.RedisURL)
	c.WebSecret = getEnv("RELAY_WEB_SECRET", c.WebSecret)
	c.AdminPassword = getEnv("RELAY_ADMIN_PASSWORD", c.AdminPassword)
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "ember-relay"
	}
	if c.DevWallet == "" {
		c.DevWallet = DefaultDevWallet
	}
	if c.DevRate == 0 {
		c.DevRate = DefaultDevRate
	}
}

// Validate enforces the startup rules. A failure here aborts the process with
// exit code 1.
func (c *Config) Validate() error {
	if c.TCPPort == 0 && c.SSLPort == 0 && c.EncryptPort == 0 {
		return fmt.Errorf("config invalid: all listener ports are disabled")
	}
	if len(c.PoolTCPAddress) == 0 && len(c.PoolSSLAddress) == 0 {
		return fmt.Errorf("config invalid: neither pool_tcp_address nor pool_ssl_address is configured")
	}
	if c.Share != int(router.ModeOff) {
		if c.ShareWallet == "" {
			return fmt.Errorf("config invalid: share mode %d requires share_wallet", c.Share)
		}
		if len(c.ShareTCPAddress) == 0 && len(c.ShareSSLAddress) == 0 {
			return fmt.Errorf("config invalid: share mode %d requires a share pool address", c.Share)
		}
	}
	if c.ShareRate < 0 || c.ShareRate > 1 {
		return fmt.Errorf("config invalid: share_rate %v outside [0,1]", c.ShareRate)
	}
	if c.DevRate < 0 || c.DevRate > 1 {
		return fmt.Errorf("config invalid: dev_rate %v outside [0,1]", c.DevRate)
	}
	if c.SSLPort != 0 && c.P12Path == "" {
		return fmt.Errorf("config invalid: ssl_port requires p12_path")
	}
	if c.EncryptPort != 0 {
		if _, _, err := c.Cipher(); err != nil {
			return err
		}
	}
	return nil
}

// Cipher decodes the hex key and IV for the encrypted listener.
func (c *Config) Cipher() (key, iv []byte, err error) {
	key, err = hex.DecodeString(c.Key)
	if err != nil || len(key) != 32 {
		return nil, nil, fmt.Errorf("config invalid: key must be 64 hex chars")
	}
	iv, err = hex.DecodeString(c.IV)
	if err != nil || len(iv) != 16 {
		return nil, nil, fmt.Errorf("config invalid: iv must be 32 hex chars")
	}
	return key, iv, nil
}

// Router maps the share fields onto the scheduler configuration.
func (c *Config) Router() router.Config {
	return router.Config{
		Mode:    router.Mode(c.Share),
		Alg:     router.Algorithm(c.ShareAlg),
		Rate:    c.ShareRate,
		DevRate: c.DevRate,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
