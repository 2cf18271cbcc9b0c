// Package config holds the proxy and forwarder configuration: defaults, an
// optional YAML file and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/wsrelay/internal/client"
	"github.com/1ureka/wsrelay/internal/transport"
	"github.com/1ureka/wsrelay/internal/tunnel"
)

// Role is the mode the binary runs in.
type Role string

const (
	RoleServe   Role = "serve"   // accept tunnels and dial targets
	RoleForward Role = "forward" // expose a remote target on a local port
)

// Transport variants a forwarder can use.
const (
	TransportWebSocket = "websocket"
	TransportWebRTC    = "webrtc"
)

// Config stores all runtime parameters.
type Config struct {
	// Listen is the proxy's HTTP address.
	Listen string `yaml:"listen"`

	// MetricsListen serves /metrics on a separate address. Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`

	// StatsInterval is the period of the traffic summary log line. Zero
	// disables it.
	StatsInterval time.Duration `yaml:"stats_interval"`

	Log     LogConfig     `yaml:"log"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	WebRTC  WebRTCConfig  `yaml:"webrtc"`
	Forward ForwardConfig `yaml:"forward"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TunnelConfig bounds the work a single session may do.
type TunnelConfig struct {
	ResolveTimeout  time.Duration `yaml:"resolve_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxPendingBytes int           `yaml:"max_pending_bytes"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendQueue       int           `yaml:"send_queue"`
}

type WebRTCConfig struct {
	// Enabled serves the DataChannel variant on /rtc.
	Enabled         bool          `yaml:"enabled"`
	ICEServers      []string      `yaml:"ice_servers"`
	IncludeLoopback bool          `yaml:"include_loopback"`
	SignalTimeout   time.Duration `yaml:"signal_timeout"`
}

// ForwardConfig configures the forward role.
type ForwardConfig struct {
	Proxy     string `yaml:"proxy"`     // ws:// or wss:// URL of the proxy
	Target    string `yaml:"target"`    // host:port reached through the proxy
	Listen    string `yaml:"listen"`    // local address accepting connections
	Transport string `yaml:"transport"` // websocket or webrtc
	NoDelay   bool   `yaml:"nodelay"`
	KeepAlive bool   `yaml:"keepalive"`

	// HalfCloseGrace keeps a tunnel open after the local side sent EOF.
	HalfCloseGrace time.Duration `yaml:"half_close_grace"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		StatsInterval: 10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tunnel: TunnelConfig{
			ResolveTimeout:  tunnel.DefaultResolveTimeout,
			ConnectTimeout:  tunnel.DefaultConnectTimeout,
			MaxPendingBytes: tunnel.DefaultMaxPendingBytes,
			MaxMessageSize:  transport.DefaultMaxMessageSize,
			SendQueue:       transport.DefaultSendQueue,
		},
		WebRTC: WebRTCConfig{
			ICEServers:    append([]string(nil), transport.DefaultICEServers...),
			SignalTimeout: 15 * time.Second,
		},
		Forward: ForwardConfig{
			Listen:         "127.0.0.1:0",
			Transport:      TransportWebSocket,
			HalfCloseGrace: client.DefaultHalfCloseGrace,
		},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// BindFlags registers the flags of role on fs, each defaulting to the
// current value in c so that a parsed flag overrides the file.
func (c *Config) BindFlags(fs *pflag.FlagSet, role Role) {
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn, error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format: text, json")
	fs.DurationVar(&c.StatsInterval, "stats-interval", c.StatsInterval, "period of the traffic summary (0 disables)")

	switch role {
	case RoleServe:
		fs.StringVar(&c.Listen, "listen", c.Listen, "address to accept tunnels on")
		fs.StringVar(&c.MetricsListen, "metrics-listen", c.MetricsListen, "address serving /metrics (empty disables)")
		fs.DurationVar(&c.Tunnel.ResolveTimeout, "resolve-timeout", c.Tunnel.ResolveTimeout, "bound on target name resolution")
		fs.DurationVar(&c.Tunnel.ConnectTimeout, "connect-timeout", c.Tunnel.ConnectTimeout, "bound on the target TCP connect")
		fs.IntVar(&c.Tunnel.MaxPendingBytes, "max-pending-bytes", c.Tunnel.MaxPendingBytes, "payload buffered per tunnel before the target connects")
		fs.Int64Var(&c.Tunnel.MaxMessageSize, "max-message-size", c.Tunnel.MaxMessageSize, "largest accepted inbound message")
		fs.BoolVar(&c.WebRTC.Enabled, "webrtc", c.WebRTC.Enabled, "serve the WebRTC DataChannel variant on /rtc")
		fs.BoolVar(&c.WebRTC.IncludeLoopback, "webrtc-loopback", c.WebRTC.IncludeLoopback, "offer loopback ICE candidates")
		fs.StringSliceVar(&c.WebRTC.ICEServers, "ice-server", c.WebRTC.ICEServers, "STUN/TURN server URL (repeatable)")

	case RoleForward:
		fs.StringVar(&c.Forward.Proxy, "proxy", c.Forward.Proxy, "proxy URL (ws:// or wss://)")
		fs.StringVar(&c.Forward.Target, "target", c.Forward.Target, "host:port to reach through the proxy")
		fs.StringVar(&c.Forward.Listen, "listen", c.Forward.Listen, "local address to accept connections on")
		fs.StringVar(&c.Forward.Transport, "transport", c.Forward.Transport, "transport variant: websocket, webrtc")
		fs.BoolVar(&c.Forward.NoDelay, "nodelay", c.Forward.NoDelay, "ask the proxy to set TCP_NODELAY on the target connection")
		fs.BoolVar(&c.Forward.KeepAlive, "keepalive", c.Forward.KeepAlive, "ask the proxy to set SO_KEEPALIVE on the target connection")
		fs.DurationVar(&c.Forward.HalfCloseGrace, "half-close-grace", c.Forward.HalfCloseGrace, "how long to wait for the target after the local side finished sending")
		fs.BoolVar(&c.WebRTC.IncludeLoopback, "webrtc-loopback", c.WebRTC.IncludeLoopback, "offer loopback ICE candidates")
		fs.StringSliceVar(&c.WebRTC.ICEServers, "ice-server", c.WebRTC.ICEServers, "STUN/TURN server URL (repeatable)")
	}
}

// FromArgs builds the configuration for role from command-line arguments.
// A --config file is applied first; explicit flags win over it.
func FromArgs(role Role, args []string) (*Config, error) {
	var path string
	probe := pflag.NewFlagSet(string(role), pflag.ContinueOnError)
	probe.StringVar(&path, "config", "", "YAML configuration file")
	Default().BindFlags(probe, role)
	if err := probe.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs := pflag.NewFlagSet(string(role), pflag.ContinueOnError)
	fs.String("config", "", "YAML configuration file")
	cfg.BindFlags(fs, role)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable for role.
func (c *Config) Validate(role Role) error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q (supported: debug, info, warn, error)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q (supported: text, json)", c.Log.Format)
	}
	if c.StatsInterval < 0 {
		return errors.New("stats_interval must not be negative")
	}

	switch role {
	case RoleServe:
		return c.validateServe()
	case RoleForward:
		return c.validateForward()
	default:
		return fmt.Errorf("unknown role %q", role)
	}
}

func (c *Config) validateServe() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	if c.MetricsListen != "" && c.MetricsListen == c.Listen {
		return errors.New("metrics_listen must differ from listen")
	}

	t := c.Tunnel
	if t.ResolveTimeout <= 0 {
		return errors.New("tunnel.resolve_timeout must be positive")
	}
	if t.ConnectTimeout <= 0 {
		return errors.New("tunnel.connect_timeout must be positive")
	}
	if t.MaxPendingBytes <= 0 {
		return errors.New("tunnel.max_pending_bytes must be positive")
	}
	if t.MaxMessageSize <= 0 {
		return errors.New("tunnel.max_message_size must be positive")
	}
	if t.SendQueue <= 0 {
		return errors.New("tunnel.send_queue must be positive")
	}

	if c.WebRTC.Enabled && c.WebRTC.SignalTimeout <= 0 {
		return errors.New("webrtc.signal_timeout must be positive")
	}
	return nil
}

func (c *Config) validateForward() error {
	f := c.Forward
	if f.Proxy == "" {
		return errors.New("forward.proxy is required")
	}
	if !strings.HasPrefix(f.Proxy, "ws://") && !strings.HasPrefix(f.Proxy, "wss://") {
		return fmt.Errorf("forward.proxy: %q is not a ws:// or wss:// URL", f.Proxy)
	}
	if _, _, err := SplitTarget(f.Target); err != nil {
		return fmt.Errorf("forward.target: %w", err)
	}
	if f.Listen == "" {
		return errors.New("forward.listen is required")
	}
	if f.HalfCloseGrace < 0 {
		return errors.New("forward.half_close_grace must not be negative")
	}
	switch f.Transport {
	case TransportWebSocket, TransportWebRTC:
	default:
		return fmt.Errorf("forward.transport: unknown variant %q (supported: websocket, webrtc)", f.Transport)
	}
	return nil
}

// SplitTarget parses host:port into its parts.
func SplitTarget(target string) (string, uint16, error) {
	host, rawPort, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", target)
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port %q (must be 1~65535)", rawPort)
	}
	return host, uint16(port), nil
}

// SessionConfig returns the per-session limits.
func (c *Config) SessionConfig() tunnel.Config {
	return tunnel.Config{
		ResolveTimeout:  c.Tunnel.ResolveTimeout,
		ConnectTimeout:  c.Tunnel.ConnectTimeout,
		MaxPendingBytes: c.Tunnel.MaxPendingBytes,
	}
}

// TransportOptions returns the options for client-facing connections.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		SendQueue:      c.Tunnel.SendQueue,
		MaxMessageSize: c.Tunnel.MaxMessageSize,
	}
}

// WebRTCOptions returns the PeerConnection settings.
func (c *Config) WebRTCOptions() transport.WebRTCOptions {
	return transport.WebRTCOptions{
		ICEServers:      c.WebRTC.ICEServers,
		IncludeLoopback: c.WebRTC.IncludeLoopback,
	}
}
