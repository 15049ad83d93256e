package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the radio path used to reach a fusion node.
type Kind string

const (
	KindBLE  Kind = "ble"
	KindWiFi Kind = "wifi"
)

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ble", "bluetooth":
		return KindBLE, nil
	case "wifi", "wi-fi", "wlan":
		return KindWiFi, nil
	default:
		return "", fmt.Errorf("%w: unknown transport kind %q", ErrInvalidAddress, raw)
	}
}

// State of a transport session.
type State string

const (
	StateDisconnected        State = "disconnected"
	StateConnecting          State = "connecting"
	StateConnected           State = "connected"
	StateConnectedWithPeerID State = "connected_with_peer_id"
	StateFailed              State = "failed"
)

// IsOpen reports whether bytes can be sent in this state.
func (s State) IsOpen() bool {
	return s == StateConnected || s == StateConnectedWithPeerID
}

const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
	ReasonClosed    = "closed"
)

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrTransport          = errors.New("transport error")
	ErrTimeout            = errors.New("transport timeout")
	ErrInvalidAddress     = errors.New("invalid transport address")
	ErrAlreadyConnected   = errors.New("transport already connected")
	ErrBackendUnavailable = errors.New("transport backend unavailable")
)

type Status struct {
	State      State
	Kind       Kind
	Address    string
	HandleID   string
	PeerNodeID string
	Reason     string
	Since      time.Time
}

// Handle identifies one connect attempt.
type Handle struct {
	ID        string
	Kind      Kind
	Address   string
	StartedAt time.Time
}

// ConnectionRecord is one entry of a discovery scan.
type ConnectionRecord struct {
	Kind    Kind
	Address string
	Name    string
	Signal  int
	SeenAt  time.Time
}

// Link is a live message-oriented byte pipe to a fusion node.
// Done is closed when the link ends; Err is nil after Close and non-nil after abnormal loss.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens links. The context bounds only the dial, not the lifetime of the returned link.
type Dialer interface {
	Dial(ctx context.Context, kind Kind, address string) (Link, error)
}

// Scanner is the platform discovery primitive.
type Scanner interface {
	Scan(ctx context.Context) ([]ConnectionRecord, error)
}

const (
	BackendMemory = "memory"
	BackendGoWaku = "go-waku"
)

type Config struct {
	Backend              string        `yaml:"backend"`
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
	HelloTimeout         time.Duration `yaml:"helloTimeout"`
	InboundRatePerSecond float64       `yaml:"inboundRatePerSecond"`
	InboundBurst         int           `yaml:"inboundBurst"`
	Waku                 WakuConfig    `yaml:"waku"`
}

type WakuConfig struct {
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

func DefaultConfig() Config {
	return Config{
		Backend:              BackendMemory,
		ConnectTimeout:       10 * time.Second,
		HelloTimeout:         5 * time.Second,
		InboundRatePerSecond: 50,
		InboundBurst:         100,
		Waku: WakuConfig{
			Port:                60000,
			MinPeers:            1,
			ReconnectInterval:   time.Second,
			ReconnectBackoffMax: 30 * time.Second,
		},
	}
}

func NormalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" || cfg.Backend == "mock" {
		cfg.Backend = def.Backend
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = def.HelloTimeout
	}
	if cfg.InboundRatePerSecond < 0 {
		cfg.InboundRatePerSecond = 0
	}
	if cfg.InboundBurst < 0 {
		cfg.InboundBurst = 0
	}
	if cfg.Waku.Port < 0 {
		cfg.Waku.Port = 0
	}
	if cfg.Waku.MinPeers < 0 {
		cfg.Waku.MinPeers = 0
	}
	if cfg.Waku.ReconnectInterval <= 0 {
		cfg.Waku.ReconnectInterval = def.Waku.ReconnectInterval
	}
	if cfg.Waku.ReconnectBackoffMax < cfg.Waku.ReconnectInterval {
		cfg.Waku.ReconnectBackoffMax = cfg.Waku.ReconnectInterval
	}
	return cfg
}
