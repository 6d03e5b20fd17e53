package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/dmall00/opendarts-autoscore/internal/autoscore"
	"github.com/dmall00/opendarts-autoscore/internal/logger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOSCORE_"

// Config holds all autoscore service configuration.
type Config struct {
	HTTPAddr    string          `toml:"http_addr" env:"HTTP_ADDR"`
	MetricsAddr string          `toml:"metrics_addr" env:"METRICS_ADDR"`
	PprofAddr   string          `toml:"pprof_addr" env:"PPROF_ADDR"`
	LogLevel    logger.LogLevel `toml:"log_level" env:"LOG_LEVEL"`
	LogColor    bool            `toml:"log_color" env:"LOG_COLOR"`

	Pipeline   PipelineConfig       `toml:"pipeline" envPrefix:"PIPELINE_"`
	MQTT       MQTTConfig           `toml:"mqtt" envPrefix:"MQTT_"`
	WebRTC     WebRTCConfig         `toml:"webrtc" envPrefix:"WEBRTC_"`
	Recorder   RecorderConfig       `toml:"recorder" envPrefix:"RECORDER_"`
	Thresholds autoscore.Thresholds `toml:"thresholds" envPrefix:"THRESHOLDS_"`
}

// PipelineConfig points at the vision pipeline websocket. An empty URL
// disables the client; frames can still be POSTed to the HTTP API.
type PipelineConfig struct {
	URL          string        `toml:"url" env:"URL"`
	ReconnectMin time.Duration `toml:"reconnect_min" env:"RECONNECT_MIN"`
	ReconnectMax time.Duration `toml:"reconnect_max" env:"RECONNECT_MAX"`
	ReadTimeout  time.Duration `toml:"read_timeout" env:"READ_TIMEOUT"`
}

type MQTTConfig struct {
	Broker      string `toml:"broker" env:"BROKER"`
	TopicPrefix string `toml:"topic_prefix" env:"TOPIC_PREFIX"`
	ClientID    string `toml:"client_id" env:"CLIENT_ID"`
	Username    string `toml:"username" env:"USERNAME"`
	Password    string `toml:"password" env:"PASSWORD"`
	QoS         byte   `toml:"qos" env:"QOS"`
}

type WebRTCConfig struct {
	STUNServers []string `toml:"stun_servers" env:"STUN_SERVERS" envSeparator:","`
	MaxClients  int      `toml:"max_clients" env:"MAX_CLIENTS"`
}

type RecorderConfig struct {
	Path      string `toml:"path" env:"PATH"`
	AutoStart bool   `toml:"autostart" env:"AUTOSTART"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8090",
		MetricsAddr: ":9090",
		LogLevel:    logger.INFO,
		LogColor:    true,
		Pipeline: PipelineConfig{
			ReconnectMin: time.Second,
			ReconnectMax: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "opendarts/autoscore",
			ClientID:    "autoscore",
			QoS:         1,
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		Recorder: RecorderConfig{
			Path: "./recordings",
		},
		Thresholds: autoscore.DefaultThresholds(),
	}
}

// Load layers the TOML file at path (optional) and AUTOSCORE_* environment
// variables over the defaults.
func Load(path string) (Config, error) {
	return load(path, env.Options{Prefix: EnvPrefix})
}

// LoadWithEnv is Load with an explicit environment instead of os.Environ.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	return load(path, env.Options{Prefix: EnvPrefix, Environment: environ})
}

func load(path string, opts env.Options) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logger.Warn("Config", "Ignoring unknown keys in %s: %v", path, undecoded)
	}
	return nil
}

// Validate checks the settings that would otherwise fail late.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr must be set")
	}
	if c.Pipeline.ReconnectMin <= 0 || c.Pipeline.ReconnectMax < c.Pipeline.ReconnectMin {
		return fmt.Errorf("invalid pipeline reconnect bounds %s..%s", c.Pipeline.ReconnectMin, c.Pipeline.ReconnectMax)
	}
	if c.Pipeline.ReadTimeout <= 0 {
		return fmt.Errorf("pipeline read_timeout must be positive, got %s", c.Pipeline.ReadTimeout)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.WebRTC.MaxClients < 0 {
		return fmt.Errorf("webrtc max_clients must not be negative, got %d", c.WebRTC.MaxClients)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	return nil
}
