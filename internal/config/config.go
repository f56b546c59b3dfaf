// Package config provides the configuration schema, loader, and validation
// for the USRP ↔ Zello bridge.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML duration strings such as "5s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a standard [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogLevel controls log verbosity for the bridge.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AuthMode selects how the bridge authenticates to the channel server.
// The two modes are mutually exclusive: a session never mixes them.
type AuthMode string

const (
	// AuthPassword authenticates with a username/password pair.
	AuthPassword AuthMode = "password"

	// AuthToken authenticates with an RS256-signed token built from a
	// private key and issuer id.
	AuthToken AuthMode = "token"
)

// IsValid reports whether m is a recognised auth mode.
func (m AuthMode) IsValid() bool {
	return m == AuthPassword || m == AuthToken
}

// Config is the root configuration structure for the bridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// with credentials optionally overridden from the environment.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Radio   RadioConfig   `yaml:"radio"`
	Channel ChannelConfig `yaml:"channel"`
	Bridge  BridgeConfig  `yaml:"bridge"`
}

// ServerConfig holds logging and diagnostics settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving /metrics, /healthz and
	// /readyz (e.g. ":9090"). Empty disables the diagnostics server.
	MetricsAddr string `yaml:"metrics_addr"`
}

// RadioConfig describes the USRP side of the bridge.
type RadioConfig struct {
	// BindAddr is the local UDP address frames are received on.
	BindAddr string `yaml:"bind_addr"`

	// PeerAddr is the radio software's UDP receive address.
	PeerAddr string `yaml:"peer_addr"`

	// TalkGroup is stamped into outbound USRP headers. Usually zero.
	TalkGroup uint32 `yaml:"talk_group"`

	// GainRxDB is applied to audio received from the radio before it is
	// encoded for the channel (radio → channel direction).
	GainRxDB float64 `yaml:"gain_rx_db"`

	// GainTxDB is applied to audio decoded from the channel before it is
	// transmitted to the radio (channel → radio direction).
	GainTxDB float64 `yaml:"gain_tx_db"`
}

// ChannelConfig describes the Zello-side connection.
type ChannelConfig struct {
	// Endpoint is the WebSocket URL of the channel server,
	// e.g. "wss://zello.io/ws".
	Endpoint string `yaml:"endpoint"`

	// Name is the channel to join.
	Name string `yaml:"name"`

	// Auth selects and parameterises the authentication mode.
	Auth AuthConfig `yaml:"auth"`

	// OpusSampleRate is the Opus codec sample rate advertised in the
	// stream codec header. Defaults to 8000 to match the radio side.
	OpusSampleRate int `yaml:"opus_sample_rate"`

	// InboundSilenceTimeout closes a stuck incoming stream when no audio
	// arrives for this long. Defaults to 5s.
	InboundSilenceTimeout Duration `yaml:"inbound_silence_timeout"`

	// ReconnectBackoff is the initial delay between reconnection attempts.
	// Doubles each failure up to ReconnectBackoffMax. Defaults to 1s.
	ReconnectBackoff Duration `yaml:"reconnect_backoff"`

	// ReconnectBackoffMax caps the reconnection delay. Defaults to 60s.
	ReconnectBackoffMax Duration `yaml:"reconnect_backoff_max"`
}

// AuthConfig holds channel credentials. Exactly one mode's fields may be set.
type AuthConfig struct {
	// Mode selects password or token authentication. When empty it is
	// inferred: a private key implies token mode, otherwise password.
	Mode AuthMode `yaml:"mode"`

	// Username and Password authenticate password mode. Username is also
	// sent in token mode when the server requires an account name.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// PrivateKeyFile is the path to a PEM-encoded RSA private key used to
	// sign auth tokens (token mode).
	PrivateKeyFile string `yaml:"private_key_file"`

	// Issuer is the token issuer id registered with the channel service
	// (token mode).
	Issuer string `yaml:"issuer"`
}

// BridgeConfig tunes the relay pipelines.
type BridgeConfig struct {
	// QueueFrames bounds each direction's backpressure buffer, in frames.
	// Oldest frames are dropped beyond this. Defaults to 32 (640 ms).
	QueueFrames int `yaml:"queue_frames"`

	// PrebufferFrames bounds the audio buffered between a local key event
	// and the server assigning a stream id. Defaults to 25 (500 ms).
	PrebufferFrames int `yaml:"prebuffer_frames"`
}

// applyDefaults fills unset fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Channel.OpusSampleRate == 0 {
		c.Channel.OpusSampleRate = 8000
	}
	if c.Channel.InboundSilenceTimeout <= 0 {
		c.Channel.InboundSilenceTimeout = Duration(5 * time.Second)
	}
	if c.Channel.ReconnectBackoff <= 0 {
		c.Channel.ReconnectBackoff = Duration(time.Second)
	}
	if c.Channel.ReconnectBackoffMax <= 0 {
		c.Channel.ReconnectBackoffMax = Duration(60 * time.Second)
	}
	if c.Bridge.QueueFrames <= 0 {
		c.Bridge.QueueFrames = 32
	}
	if c.Bridge.PrebufferFrames <= 0 {
		c.Bridge.PrebufferFrames = 25
	}
	if c.Channel.Auth.Mode == "" {
		if c.Channel.Auth.PrivateKeyFile != "" {
			c.Channel.Auth.Mode = AuthToken
		} else {
			c.Channel.Auth.Mode = AuthPassword
		}
	}
}
