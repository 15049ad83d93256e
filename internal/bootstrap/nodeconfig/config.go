package nodeconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fusionlink/go-backend/internal/identity"
	"fusionlink/go-backend/internal/transport"
)

const (
	EnvNodeID           = "FUSION_NODE_ID"
	EnvTransportBackend = "FUSION_TRANSPORT_BACKEND"
	EnvVaultPath        = "FUSION_VAULT_PATH"
	EnvVaultPassphrase  = "FUSION_VAULT_PASSPHRASE"
	EnvHistoryPath      = "FUSION_HISTORY_PATH"
	EnvSessionsPath     = "FUSION_SESSIONS_PATH"
	EnvLogLevel         = "FUSION_LOG_LEVEL"
	EnvMetricsAddr      = "FUSION_METRICS_ADDR"
	EnvRPCAddr          = "FUSION_RPC_ADDR"
	EnvRPCToken         = "FUSION_RPC_TOKEN"
)

var ErrInvalidConfig = errors.New("invalid node config")

// Config is the resolved node configuration.
type Config struct {
	NodeID          string
	MinNodeIDLength int
	LogLevel        slog.Level
	MetricsAddr     string
	// RPCAddr enables the local JSON-RPC server when set.
	RPCAddr string
	// RPCToken is read from the environment only.
	RPCToken string

	VaultPath   string
	HistoryPath string
	// SessionsPath holds the per-session sequence counters. It defaults to sessions.enc next to the vault,
	// because a persisted key pair needs persisted counters.
	SessionsPath string
	// Passphrase protects the vault, the history and the session file. It is read from the environment only.
	Passphrase string

	Transport transport.Config
	Session   SessionConfig
	Nodes     []transport.ConnectionRecord
}

type SessionConfig struct {
	MaxConnectAttempts int           `yaml:"maxConnectAttempts"`
	RetryBaseDelay     time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay      time.Duration `yaml:"retryMaxDelay"`
	AutoReconnect      *bool         `yaml:"autoReconnect"`
}

type FileConfig struct {
	Node      NodeSection       `yaml:"node"`
	Vault     PathSection       `yaml:"vault"`
	History   PathSection       `yaml:"history"`
	Sessions  PathSection       `yaml:"sessions"`
	Transport transport.Config  `yaml:"transport"`
	Session   SessionConfig     `yaml:"session"`
	Nodes     []KnownNodeConfig `yaml:"nodes"`
}

type NodeSection struct {
	ID          string `yaml:"id"`
	MinIDLength int    `yaml:"minIdLength"`
	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`
	RPCAddr     string `yaml:"rpcAddr"`
}

type PathSection struct {
	Path string `yaml:"path"`
}

type KnownNodeConfig struct {
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Signal  int    `yaml:"signal"`
}

func Default() Config {
	autoReconnect := true
	return Config{
		MinNodeIDLength: identity.DefaultMinNodeIDLength,
		LogLevel:        slog.LevelInfo,
		Transport:       transport.DefaultConfig(),
		Session: SessionConfig{
			MaxConnectAttempts: 5,
			RetryBaseDelay:     500 * time.Millisecond,
			RetryMaxDelay:      15 * time.Second,
			AutoReconnect:      &autoReconnect,
		},
	}
}

// Load reads configPath (or the first default location that exists), applies environment overrides
// and normalizes the result. An explicit path that cannot be read is an error; missing default files are not.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	explicit := strings.TrimSpace(configPath) != ""
	if !explicit {
		candidates = []string{"go-backend/configs/fusion-node.yaml", "configs/fusion-node.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
		if err := Merge(&cfg, parsed); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	return Normalize(cfg), nil
}

func Merge(dst *Config, src FileConfig) error {
	if src.Node.ID != "" {
		dst.NodeID = src.Node.ID
	}
	if src.Node.MinIDLength != 0 {
		dst.MinNodeIDLength = src.Node.MinIDLength
	}
	if src.Node.LogLevel != "" {
		level, err := parseLevel(src.Node.LogLevel)
		if err != nil {
			return err
		}
		dst.LogLevel = level
	}
	if src.Node.MetricsAddr != "" {
		dst.MetricsAddr = src.Node.MetricsAddr
	}
	if src.Node.RPCAddr != "" {
		dst.RPCAddr = src.Node.RPCAddr
	}
	if src.Vault.Path != "" {
		dst.VaultPath = src.Vault.Path
	}
	if src.History.Path != "" {
		dst.HistoryPath = src.History.Path
	}
	if src.Sessions.Path != "" {
		dst.SessionsPath = src.Sessions.Path
	}
	mergeTransport(&dst.Transport, src.Transport)

	if src.Session.MaxConnectAttempts != 0 {
		dst.Session.MaxConnectAttempts = src.Session.MaxConnectAttempts
	}
	if src.Session.RetryBaseDelay != 0 {
		dst.Session.RetryBaseDelay = src.Session.RetryBaseDelay
	}
	if src.Session.RetryMaxDelay != 0 {
		dst.Session.RetryMaxDelay = src.Session.RetryMaxDelay
	}
	if src.Session.AutoReconnect != nil {
		v := *src.Session.AutoReconnect
		dst.Session.AutoReconnect = &v
	}

	if src.Nodes != nil {
		nodes := make([]transport.ConnectionRecord, 0, len(src.Nodes))
		for i, n := range src.Nodes {
			kind, err := transport.ParseKind(n.Kind)
			if err != nil {
				return fmt.Errorf("%w: nodes[%d]: %v", ErrInvalidConfig, i, err)
			}
			nodes = append(nodes, transport.ConnectionRecord{Kind: kind, Address: n.Address, Name: n.Name, Signal: n.Signal})
		}
		dst.Nodes = nodes
	}
	return nil
}

func mergeTransport(dst *transport.Config, src transport.Config) {
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.ConnectTimeout != 0 {
		dst.ConnectTimeout = src.ConnectTimeout
	}
	if src.HelloTimeout != 0 {
		dst.HelloTimeout = src.HelloTimeout
	}
	if src.InboundRatePerSecond != 0 {
		dst.InboundRatePerSecond = src.InboundRatePerSecond
	}
	if src.InboundBurst != 0 {
		dst.InboundBurst = src.InboundBurst
	}
	if src.Waku.Port != 0 {
		dst.Waku.Port = src.Waku.Port
	}
	if src.Waku.BootstrapNodes != nil {
		dst.Waku.BootstrapNodes = append([]string(nil), src.Waku.BootstrapNodes...)
	}
	if src.Waku.MinPeers != 0 {
		dst.Waku.MinPeers = src.Waku.MinPeers
	}
	if src.Waku.ReconnectInterval != 0 {
		dst.Waku.ReconnectInterval = src.Waku.ReconnectInterval
	}
	if src.Waku.ReconnectBackoffMax != 0 {
		dst.Waku.ReconnectBackoffMax = src.Waku.ReconnectBackoffMax
	}
}

// ApplyEnvOverrides applies FUSION_* variables read through getenv.
func ApplyEnvOverrides(cfg *Config, getenv func(string) string) error {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }
	if v := get(EnvNodeID); v != "" {
		cfg.NodeID = v
	}
	if v := get(EnvTransportBackend); v != "" {
		cfg.Transport.Backend = v
	}
	if v := get(EnvVaultPath); v != "" {
		cfg.VaultPath = v
	}
	if v := getenv(EnvVaultPassphrase); v != "" {
		cfg.Passphrase = v
	}
	if v := get(EnvHistoryPath); v != "" {
		cfg.HistoryPath = v
	}
	if v := get(EnvSessionsPath); v != "" {
		cfg.SessionsPath = v
	}
	if v := get(EnvLogLevel); v != "" {
		level, err := parseLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if v := get(EnvMetricsAddr); v != "" {
		cfg.MetricsAddr = v
	}
	if v := get(EnvRPCAddr); v != "" {
		cfg.RPCAddr = v
	}
	if v := get(EnvRPCToken); v != "" {
		cfg.RPCToken = v
	}
	return nil
}

func Normalize(cfg Config) Config {
	def := Default()
	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	if cfg.SessionsPath == "" && strings.TrimSpace(cfg.VaultPath) != "" {
		cfg.SessionsPath = filepath.Join(filepath.Dir(cfg.VaultPath), "sessions.enc")
	}
	if cfg.MinNodeIDLength <= 0 {
		cfg.MinNodeIDLength = def.MinNodeIDLength
	}
	cfg.Transport = transport.NormalizeConfig(cfg.Transport)
	if cfg.Session.MaxConnectAttempts <= 0 {
		cfg.Session.MaxConnectAttempts = def.Session.MaxConnectAttempts
	}
	if cfg.Session.MaxConnectAttempts > 20 {
		cfg.Session.MaxConnectAttempts = 20
	}
	if cfg.Session.RetryBaseDelay <= 0 {
		cfg.Session.RetryBaseDelay = def.Session.RetryBaseDelay
	}
	if cfg.Session.RetryMaxDelay < cfg.Session.RetryBaseDelay {
		cfg.Session.RetryMaxDelay = cfg.Session.RetryBaseDelay
	}
	if cfg.Session.AutoReconnect == nil {
		cfg.Session.AutoReconnect = def.Session.AutoReconnect
	}
	return cfg
}

// AutoReconnect reports the effective reconnect setting.
func (c Config) AutoReconnect() bool {
	return c.Session.AutoReconnect == nil || *c.Session.AutoReconnect
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, raw)
	}
	return level, nil
}
