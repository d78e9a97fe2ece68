// Package config loads and validates the configuration surface for both
// the host and client roles of the session core (spec §6.4).
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the full recognized configuration surface. Every field has a
// safe default from Default(); Load overlays a YAML file and EXPANDSCREEN_*
// environment variables on top of those defaults.
type Config struct {
	ListenTCPPort uint16 `mapstructure:"listen_tcp_port"`
	ListenUDPPort uint16 `mapstructure:"listen_udp_port"`

	TLSEnabled         bool `mapstructure:"tls_enabled"`
	RequirePairingCode bool `mapstructure:"require_pairing_code"`
	AutoReconnect      bool `mapstructure:"auto_reconnect"`

	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `mapstructure:"heartbeat_timeout_ms"`
	HandshakeTimeoutMs  int `mapstructure:"handshake_timeout_ms"`
	ConnectTimeoutMs    int `mapstructure:"connect_timeout_ms"`

	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`

	SchedulerCriticalCapacity   int `mapstructure:"scheduler_critical_capacity"`
	SchedulerMediaCapacity      int `mapstructure:"scheduler_media_capacity"`
	SchedulerCriticalByteBudget int `mapstructure:"scheduler_critical_byte_budget"`
	SchedulerMediaByteBudget    int `mapstructure:"scheduler_media_byte_budget"`

	AbrMinBps int `mapstructure:"abr_min_bps"`
	AbrMaxBps int `mapstructure:"abr_max_bps"`

	FecEnabled      bool `mapstructure:"fec_enabled"`
	FecDataShards   int  `mapstructure:"fec_data_shards"`
	FecParityShards int  `mapstructure:"fec_parity_shards"`
	FecWindowGroups int  `mapstructure:"fec_window_groups"`

	DiscoveryDeadlineMs int `mapstructure:"discovery_deadline_ms"`

	// Logging configuration.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the configuration defaults named throughout spec.md
// (§3, §4.5, §4.6, §5, §6.4).
func Default() *Config {
	return &Config{
		ListenTCPPort: 15555,
		ListenUDPPort: 15556,

		TLSEnabled:         false,
		RequirePairingCode: false,
		AutoReconnect:      true,

		HeartbeatIntervalMs: 5000,
		HeartbeatTimeoutMs:  15000,
		HandshakeTimeoutMs:  5000,
		ConnectTimeoutMs:    5000,

		MaxPayloadBytes: 10 * 1024 * 1024,

		SchedulerCriticalCapacity:   256,
		SchedulerMediaCapacity:      64,
		SchedulerCriticalByteBudget: 1 * 1024 * 1024,
		SchedulerMediaByteBudget:    16 * 1024 * 1024,

		AbrMinBps: 500_000,
		AbrMaxBps: 20_000_000,

		FecEnabled:      true,
		FecDataShards:   8,
		FecParityShards: 2,
		FecWindowGroups: 4,

		DiscoveryDeadlineMs: 1200,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads cfgFile (or the platform default config path if empty),
// overlays EXPANDSCREEN_* environment variables, and validates the result.
// Fatal validation errors block startup; warnings are logged and the
// offending field is clamped to a safe value.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("expandscreen")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("EXPANDSCREEN")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "config: read config file")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", "error", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("config validation fatal", "error", f)
		}
		return nil, errors.Wrapf(result.Fatals[0], "config: fatal validation error")
	}

	return cfg, nil
}

// GetDataDir returns the platform-specific data directory used to persist
// the host's self-signed TLS certificate (spec §4.9).
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ExpandScreen", "data")
	case "darwin":
		return "/Library/Application Support/ExpandScreen/data"
	default:
		return "/var/lib/expandscreen"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ExpandScreen")
	case "darwin":
		return "/Library/Application Support/ExpandScreen"
	default:
		return "/etc/expandscreen"
	}
}
