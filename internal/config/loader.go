package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// validOpusRates lists the sample rates the Opus codec accepts.
var validOpusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides copies recognised environment variables over the file
// values. The variable names match the original bridge deployments so
// existing unit files keep working.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	setString(&cfg.Channel.Endpoint, "ZELLO_WS_ENDPOINT")
	setString(&cfg.Channel.Name, "ZELLO_CHANNEL")
	setString(&cfg.Channel.Auth.Username, "ZELLO_USERNAME")
	setString(&cfg.Channel.Auth.Password, "ZELLO_PASSWORD")
	setString(&cfg.Channel.Auth.PrivateKeyFile, "ZELLO_PRIVATE_KEY")
	setString(&cfg.Channel.Auth.Issuer, "ZELLO_ISSUER")
	setString(&cfg.Radio.BindAddr, "USRP_BIND")
	setString(&cfg.Radio.PeerAddr, "USRP_HOST")

	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv("USRP_GAIN_RX_DB"); ok {
		if db, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Radio.GainRxDB = db
		}
	}
	if v, ok := os.LookupEnv("USRP_GAIN_TX_DB"); ok {
		if db, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Radio.GainTxDB = db
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Radio.BindAddr == "" {
		errs = append(errs, errors.New("radio.bind_addr is required"))
	}
	if cfg.Radio.PeerAddr == "" {
		errs = append(errs, errors.New("radio.peer_addr is required"))
	}

	if cfg.Channel.Endpoint == "" {
		errs = append(errs, errors.New("channel.endpoint is required"))
	}
	if cfg.Channel.Name == "" {
		errs = append(errs, errors.New("channel.name is required"))
	}
	if !slices.Contains(validOpusRates, cfg.Channel.OpusSampleRate) {
		errs = append(errs, fmt.Errorf("channel.opus_sample_rate %d is not a valid Opus rate (8000, 12000, 16000, 24000, 48000)", cfg.Channel.OpusSampleRate))
	}

	errs = append(errs, validateAuth(cfg.Channel.Auth)...)

	return errors.Join(errs...)
}

// validateAuth enforces the mutual exclusivity of the two auth modes.
func validateAuth(a AuthConfig) []error {
	var errs []error

	switch a.Mode {
	case AuthPassword:
		if a.Username == "" || a.Password == "" {
			errs = append(errs, errors.New("channel.auth: password mode requires username and password"))
		}
		if a.PrivateKeyFile != "" || a.Issuer != "" {
			errs = append(errs, errors.New("channel.auth: password mode must not set private_key_file or issuer"))
		}
	case AuthToken:
		if a.PrivateKeyFile == "" || a.Issuer == "" {
			errs = append(errs, errors.New("channel.auth: token mode requires private_key_file and issuer"))
		}
		if a.Password != "" {
			errs = append(errs, errors.New("channel.auth: token mode must not set password"))
		}
	default:
		errs = append(errs, fmt.Errorf("channel.auth.mode %q is invalid; valid values: password, token", a.Mode))
	}

	return errs
}
