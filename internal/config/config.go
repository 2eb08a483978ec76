// Package config loads the gpslink YAML configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gpslink/internal/gps"
	"github.com/shaunagostinho/gpslink/internal/pmtk"
)

// GPS bring-up modes.
const (
	ModeGlobal   = "global"
	ModeExplicit = "explicit"
	ModeDemo     = "demo"
)

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/gpslink/config.yaml"

// Config holds all daemon configuration. It is read-only once loaded.
type Config struct {
	GPS       GPSConfig       `yaml:"gps" json:"gps"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Recorder  RecorderConfig  `yaml:"recorder" json:"recorder"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Server    ServerConfig    `yaml:"server" json:"server"`

	path string
}

type GPSConfig struct {
	Mode                string         `yaml:"mode" json:"mode"` // "global", "explicit" or "demo"
	UART                gps.UARTConfig `yaml:"uart" json:"uart"`
	TargetBaud          int            `yaml:"target_baud" json:"targetBaud"`
	DisconnectTimeoutMs int            `yaml:"disconnect_timeout_ms" json:"disconnectTimeoutMs"`
	FixRateHz           int            `yaml:"fix_rate_hz" json:"fixRateHz"`
	BaudCycle           bool           `yaml:"baud_cycle" json:"baudCycle"`
	FallbackBauds       []int          `yaml:"fallback_bauds" json:"fallbackBauds"`
}

// DisconnectTimeout is the silence after which the device reports TIMEDOUT.
func (g GPSConfig) DisconnectTimeout() time.Duration {
	return time.Duration(g.DisconnectTimeoutMs) * time.Millisecond
}

// FixRate is the catalog intent sent on connect.
func (g GPSConfig) FixRate() pmtk.Intent {
	return pmtk.FixRate(pmtk.Hz(g.FixRateHz))
}

// Fallbacks returns the host baud cycle, or nil when cycling is off.
func (g GPSConfig) Fallbacks() []int {
	if !g.BaudCycle {
		return nil
	}
	return g.FallbackBauds
}

type HeartbeatConfig struct {
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	LEDPin     string `yaml:"led_pin" json:"ledPin"` // periph pin name, e.g. "GPIO17"; empty disables
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "text" or "json"
}

type RecorderConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"` // ms between rows
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Topic    string `yaml:"topic" json:"topic"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"` // empty disables the HTTP server
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Mode:                ModeGlobal,
			UART:                gps.DefaultUARTConfig("/dev/ttyS2"),
			TargetBaud:          57600,
			DisconnectTimeoutMs: 1000,
			FixRateHz:           5,
			BaudCycle:           true,
			FallbackBauds:       []int{9600, 57600, 115200},
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Recorder: RecorderConfig{
			Enabled:    false,
			Path:       "/var/log/gpslink",
			IntervalMs: 1000,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "tcp://localhost:1883",
			ClientID: "gpslink",
			Topic:    "gpslink/fix",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is missing or bad.
func LoadConfig(path string, log logrus.FieldLogger) *Config {
	log = log.WithField("module", "config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.WithError(err).Warnf("error parsing %s, using defaults", path)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log logrus.FieldLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_MODE, GPS_PORT, GPS_BAUD, GPS_TARGET_BAUD, GPS_TIMEOUT_MS,
// LED_PIN, LOG_LEVEL, LOG_FORMAT, RECORDER_ENABLED, RECORDER_PATH,
// MQTT_ENABLED, MQTT_BROKER, MQTT_TOPIC, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_MODE"); v != "" {
		c.GPS.Mode = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.UART.Port = v
	}
	envInt("GPS_BAUD", &c.GPS.UART.Baud)
	envInt("GPS_TARGET_BAUD", &c.GPS.TargetBaud)
	envInt("GPS_TIMEOUT_MS", &c.GPS.DisconnectTimeoutMs)
	if v := os.Getenv("LED_PIN"); v != "" {
		c.Heartbeat.LEDPin = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	envBool("RECORDER_ENABLED", &c.Recorder.Enabled)
	if v := os.Getenv("RECORDER_PATH"); v != "" {
		c.Recorder.Path = v
	}
	envBool("MQTT_ENABLED", &c.MQTT.Enabled)
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		c.MQTT.Topic = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

// Validate reports the first setting the daemon cannot run with.
func (c *Config) Validate() error {
	g := c.GPS
	switch g.Mode {
	case ModeGlobal, ModeExplicit, ModeDemo:
	default:
		return fmt.Errorf("config: unknown gps.mode %q", g.Mode)
	}
	if g.Mode != ModeDemo && g.UART.Port == "" {
		return errors.New("config: gps.uart.port is required")
	}
	if g.UART.Baud <= 0 {
		return fmt.Errorf("config: invalid gps.uart.baud %d", g.UART.Baud)
	}
	if g.DisconnectTimeoutMs <= 0 {
		return fmt.Errorf("config: gps.disconnect_timeout_ms must be positive, got %d", g.DisconnectTimeoutMs)
	}
	if _, ok := pmtk.Lookup(pmtk.Baud(g.TargetBaud)); !ok {
		return fmt.Errorf("config: unsupported gps.target_baud %d (supported: %v)", g.TargetBaud, pmtk.Bauds())
	}
	if _, ok := pmtk.Lookup(g.FixRate()); !ok {
		return fmt.Errorf("config: unsupported gps.fix_rate_hz %d", g.FixRateHz)
	}
	if g.BaudCycle && len(g.FallbackBauds) == 0 {
		return errors.New("config: gps.baud_cycle needs gps.fallback_bauds")
	}
	for _, b := range g.FallbackBauds {
		if b <= 0 {
			return fmt.Errorf("config: invalid fallback baud %d", b)
		}
	}
	if c.Heartbeat.IntervalMs <= 0 {
		return fmt.Errorf("config: heartbeat.interval_ms must be positive, got %d", c.Heartbeat.IntervalMs)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	if c.MQTT.Enabled && (c.MQTT.Broker == "" || c.MQTT.Topic == "") {
		return errors.New("config: mqtt needs broker and topic")
	}
	if c.Recorder.Enabled && c.Recorder.Path == "" {
		return errors.New("config: recorder.path is required")
	}
	return nil
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}
