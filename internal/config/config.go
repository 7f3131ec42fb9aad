package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"govotifier/internal/crypto"
)

const (
	DefaultFile = "config.yml"
	DefaultPort = 8192

	ForwardNone      = "none"
	ForwardQUIC      = "quic"
	ForwardWebSocket = "websocket"
)

// Duration reads "5s" style strings and writes them back the same way.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	if raw == "" || raw == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Host                 string            `yaml:"host"`
	Port                 int               `yaml:"port"`
	EnableExternal       bool              `yaml:"enable-external"`
	Debug                bool              `yaml:"debug"`
	Tokens               map[string]string `yaml:"tokens"`
	DisableV1Protocol    bool              `yaml:"disable-v1-protocol"`
	Challenge            bool              `yaml:"challenge"`
	DefaultTokenFallback bool              `yaml:"default-token-fallback"`
	HandshakeTimeout     Duration          `yaml:"handshake-timeout"`
	ReplayWindow         Duration          `yaml:"replay-window"`
	ReplayCacheSize      int               `yaml:"replay-cache-size"`
	CryptoWorkers        int               `yaml:"crypto-workers"`
	KeyBits              int               `yaml:"key-bits"`
	Admin                Admin             `yaml:"admin"`
	Forwarding           Forwarding        `yaml:"forwarding"`
}

type Admin struct {
	Addr        string `yaml:"addr"`
	AllowPublic bool   `yaml:"allow-public"`
}

type Forwarding struct {
	Method    string     `yaml:"method"`
	Secret    string     `yaml:"secret"`
	Channel   string     `yaml:"channel"`
	QUIC      QUIC       `yaml:"quic"`
	WebSocket WebSocket  `yaml:"websocket"`
	Upstreams []Upstream `yaml:"upstreams,omitempty"`
}

type QUIC struct {
	Listen string `yaml:"listen"`
}

type WebSocket struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// Upstream is another server this one relays accepted votes to.
type Upstream struct {
	Method string `yaml:"method"`
	Addr   string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             DefaultPort,
		EnableExternal:   true,
		Tokens:           map[string]string{},
		Challenge:        true,
		HandshakeTimeout: Duration(5 * time.Second),
		ReplayWindow:     Duration(5 * time.Minute),
		ReplayCacheSize:  4096,
		KeyBits:          crypto.DefaultKeyBits,
		Forwarding: Forwarding{
			Method:    ForwardNone,
			Channel:   "votifier",
			QUIC:      QUIC{Listen: "127.0.0.1:8193"},
			WebSocket: WebSocket{Listen: "127.0.0.1:8194", Path: "/relay"},
		},
	}
}

// Load reads path, or writes a fresh default there (with a generated
// "default" token) when it does not exist yet. created reports the latter.
func Load(path string) (cfg Config, created bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = firstRun(path)
		if err != nil {
			return Config{}, false, err
		}
		applyEnv(&cfg)
		return cfg, true, cfg.Validate()
	}
	if err != nil {
		return Config{}, false, err
	}
	cfg, err = Parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%s: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, false, cfg.Validate()
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and means all defaults.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if cfg.Tokens == nil {
		cfg.Tokens = map[string]string{}
	}
	return cfg, nil
}

func firstRun(path string) (Config, error) {
	tok, err := crypto.NewToken()
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	cfg.Tokens["default"] = tok
	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

const header = `# Votifier configuration.
# tokens maps a voting site's service name to the secret it signs v2 votes
# with. Give every site its own token; "default" is only used for unknown
# sites when default-token-fallback is on.
`

func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0600)
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.HandshakeTimeout < 0 || c.ReplayWindow < 0 {
		return errors.New("durations must not be negative")
	}
	if c.KeyBits != 0 && c.KeyBits < crypto.MinKeyBits {
		return fmt.Errorf("key-bits %d below %d", c.KeyBits, crypto.MinKeyBits)
	}
	for site, tok := range c.Tokens {
		if site == "" || tok == "" {
			return fmt.Errorf("token for %q is empty", site)
		}
	}
	switch c.Forwarding.Method {
	case "", ForwardNone:
	case ForwardQUIC, ForwardWebSocket:
		if c.Forwarding.Secret == "" {
			return fmt.Errorf("forwarding method %s needs a secret", c.Forwarding.Method)
		}
	default:
		return fmt.Errorf("unknown forwarding method %q", c.Forwarding.Method)
	}
	for _, up := range c.Forwarding.Upstreams {
		if up.Method != ForwardQUIC && up.Method != ForwardWebSocket {
			return fmt.Errorf("upstream %s: unknown method %q", up.Addr, up.Method)
		}
		if up.Addr == "" {
			return errors.New("upstream without addr")
		}
		if c.Forwarding.Secret == "" {
			return errors.New("upstreams need a forwarding secret")
		}
	}
	if !c.EnableExternal && !c.ForwardingEnabled() {
		return errors.New("enable-external is off and no forwarding method is set: nothing to receive votes")
	}
	return nil
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) ForwardingEnabled() bool {
	return c.Forwarding.Method == ForwardQUIC || c.Forwarding.Method == ForwardWebSocket
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func applyEnv(c *Config) {
	if v := strings.TrimSpace(os.Getenv("VOTIFIER_HOST")); v != "" {
		c.Host = v
	}
	if v, ok := envInt("VOTIFIER_PORT"); ok {
		c.Port = v
	}
	if v, ok := envInt("VOTIFIER_HANDSHAKE_TIMEOUT_MS"); ok && v > 0 {
		c.HandshakeTimeout = Duration(time.Duration(v) * time.Millisecond)
	}
	if v, ok := envInt("VOTIFIER_CRYPTO_WORKERS"); ok && v > 0 {
		c.CryptoWorkers = v
	}
	if v, ok := envInt("VOTIFIER_REPLAY_WINDOW_SEC"); ok && v >= 0 {
		c.ReplayWindow = Duration(time.Duration(v) * time.Second)
	}
	if os.Getenv("VOTIFIER_DEBUG") == "1" {
		c.Debug = true
	}
	if v := strings.TrimSpace(os.Getenv("VOTIFIER_ADMIN_ADDR")); v != "" {
		c.Admin.Addr = v
	}
}
