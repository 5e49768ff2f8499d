package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-pool/ember-relay/internal/router"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
name: test-relay
tcp_port: 34567
pool_tcp_address:
  - "eu1.ethermine.org:4444"
  - "us1.ethermine.org:4444"
share_tcp_address:
  - "eu1.ethermine.org:4444"
share_wallet: "0x1111111111111111111111111111111111111111"
share: 1
share_rate: 0.1
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "test-relay", cfg.Name)
	assert.Equal(t, 34567, cfg.TCPPort)
	assert.Len(t, cfg.PoolTCPAddress, 2)
	assert.Equal(t, 0.1, cfg.ShareRate)

	// Developer fee defaults are filled in and visible.
	assert.Equal(t, DefaultDevWallet, cfg.DevWallet)
	assert.Equal(t, DefaultDevRate, cfg.DevRate)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_NAME", "from-env")
	t.Setenv("RELAY_SHARE_RATE", "0.25")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 0.25, cfg.ShareRate)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			TCPPort:         30000,
			PoolTCPAddress:  []string{"pool:4444"},
			ShareTCPAddress: []string{"pool:4444"},
			ShareWallet:     "0xabc",
			Share:           1,
			ShareRate:       0.1,
			DevRate:         0.01,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no listeners", func(c *Config) { c.TCPPort = 0 }, "listener ports"},
		{"no pools", func(c *Config) { c.PoolTCPAddress = nil }, "pool_tcp_address"},
		{"fee mode without wallet", func(c *Config) { c.ShareWallet = "" }, "share_wallet"},
		{"fee mode without share pool", func(c *Config) { c.ShareTCPAddress = nil }, "share pool address"},
		{"share rate above one", func(c *Config) { c.ShareRate = 1.5 }, "share_rate"},
		{"negative dev rate", func(c *Config) { c.DevRate = -0.1 }, "dev_rate"},
		{"ssl without p12", func(c *Config) { c.SSLPort = 443 }, "p12_path"},
		{"encrypt without key", func(c *Config) { c.EncryptPort = 30001 }, "key"},
		{"off mode needs no wallet", func(c *Config) { c.Share = 0; c.ShareWallet = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCipherDecoding(t *testing.T) {
	cfg := &Config{
		Key: "0000000000000000000000000000000000000000000000000000000000000000",
		IV:  "00000000000000000000000000000000",
	}
	key, iv, err := cfg.Cipher()
	require.NoError(t, err)
	assert.Len(t, key, 32)
	assert.Len(t, iv, 16)

	cfg.Key = "zz"
	_, _, err = cfg.Cipher()
	assert.Error(t, err)
}

func TestRouterMapping(t *testing.T) {
	cfg := &Config{Share: 1, ShareAlg: 99, ShareRate: 0.2, DevRate: 0.01}
	rc := cfg.Router()
	assert.Equal(t, router.ModeFixedRate, rc.Mode)
	assert.Equal(t, router.AlgRandom, rc.Alg)
	assert.Equal(t, 0.2, rc.Rate)
	assert.Equal(t, 0.01, rc.DevRate)
}
