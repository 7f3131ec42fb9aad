package config

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstRunWritesDefaultWithToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "votifier", DefaultFile)
	cfg, created, err := Load(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-v]{1,26}$`), cfg.Tokens["default"])
	assert.Equal(t, DefaultPort, cfg.Port)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, created, err := Load(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg, again)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
host: 127.0.0.1
port: 9000
tokens:
  SiteB: s3cr3t
disable-v1-protocol: true
handshake-timeout: 2s
replay-window: 0
forwarding:
  method: quic
  secret: relay
  quic:
    listen: 0.0.0.0:9100
  upstreams:
    - method: websocket
      addr: ws://hub.example:8194/relay
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
	assert.Equal(t, "s3cr3t", cfg.Tokens["SiteB"])
	assert.True(t, cfg.DisableV1Protocol)
	assert.True(t, cfg.Challenge, "unset keys keep their defaults")
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout.Std())
	assert.Zero(t, cfg.ReplayWindow)
	assert.True(t, cfg.ForwardingEnabled())
	assert.Equal(t, "0.0.0.0:9100", cfg.Forwarding.QUIC.Listen)
	assert.Equal(t, "/relay", cfg.Forwarding.WebSocket.Path)
	require.Len(t, cfg.Forwarding.Upstreams, 1)
}

func TestParseRejectsUnknownKeysAndBadDurations(t *testing.T) {
	_, err := Parse([]byte("prot: 1\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("handshake-timeout: soon\n"))
	assert.Error(t, err)
}

func TestParseEmptyIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	withUpstream := func(method, secret string) func(*Config) {
		return func(c *Config) {
			c.Forwarding.Secret = secret
			c.Forwarding.Upstreams = []Upstream{{Method: method, Addr: "a"}}
		}
	}
	cases := map[string]func(*Config){
		"port":             func(c *Config) { c.Port = 70000 },
		"empty token":      func(c *Config) { c.Tokens["SiteB"] = "" },
		"method":           func(c *Config) { c.Forwarding.Method = "carrier-pigeon" },
		"missing secret":   func(c *Config) { c.Forwarding.Method = ForwardWebSocket },
		"upstream method":  withUpstream("tcp", "x"),
		"upstream secret":  withUpstream(ForwardQUIC, ""),
		"nothing to serve": func(c *Config) { c.EnableExternal = false },
		"small key":        func(c *Config) { c.KeyBits = 512 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOTIFIER_PORT", "9999")
	t.Setenv("VOTIFIER_HANDSHAKE_TIMEOUT_MS", "250")
	t.Setenv("VOTIFIER_DEBUG", "1")
	t.Setenv("VOTIFIER_ADMIN_ADDR", "127.0.0.1:6060")
	cfg, _, err := Load(filepath.Join(t.TempDir(), DefaultFile))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.HandshakeTimeout.Std())
	assert.True(t, cfg.Debug)
	assert.Equal(t, "127.0.0.1:6060", cfg.Admin.Addr)
}
