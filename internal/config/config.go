// Package config loads obdsec settings from YAML, a .env file and
// environment variables, in that order of increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Save writes when no path was loaded.
const DefaultPath = "/etc/obdsec/config.yaml"

// Config holds all obdsec configuration.
type Config struct {
	mu sync.RWMutex

	Adapter  AdapterConfig  `yaml:"adapter" json:"adapter"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
	CAN      CANConfig      `yaml:"can" json:"can"`
	Security SecurityConfig `yaml:"security" json:"security"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Influx   InfluxConfig   `yaml:"influx" json:"influx"`
	Archive  ArchiveConfig  `yaml:"archive" json:"archive"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Devices  DevicesConfig  `yaml:"devices" json:"devices"`

	path string
}

type AdapterConfig struct {
	Kind      string `yaml:"kind" json:"kind"` // "elm327", "socketcan", "pcsc" or "sim"
	Port      string `yaml:"port" json:"port"` // serial path, CAN interface or reader name
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"` // 0 uses the adapter default
}

type MonitorConfig struct {
	IntervalMs int      `yaml:"interval_ms" json:"intervalMs"`
	PIDs       []string `yaml:"pids" json:"pids"`
}

type CANConfig struct {
	Interface  string `yaml:"interface" json:"interface"`
	FuzzLo     uint32 `yaml:"fuzz_lo" json:"fuzzLo"`
	FuzzHi     uint32 `yaml:"fuzz_hi" json:"fuzzHi"`
	FuzzRateHz int    `yaml:"fuzz_rate_hz" json:"fuzzRateHz"`
}

type SecurityConfig struct {
	BruteforceBound int      `yaml:"bruteforce_bound" json:"bruteforceBound"`
	FaultSeed       uint64   `yaml:"fault_seed" json:"faultSeed"`
	Dictionary      []string `yaml:"dictionary" json:"dictionary"` // extra hex keys tried before the built-in list
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	MaxBytes int64  `yaml:"max_bytes" json:"maxBytes"` // rotate the CSV past this size
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	QoS      byte   `yaml:"qos" json:"qos"`
}

type InfluxConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	URL      string `yaml:"url" json:"url"`
	Token    string `yaml:"token" json:"-"`
	Database string `yaml:"database" json:"database"`
	Batch    int    `yaml:"batch" json:"batch"`
}

type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Batch    int    `yaml:"batch" json:"batch"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type DevicesConfig struct {
	Allowed []string `yaml:"allowed" json:"allowed"` // tool prefixes the executor may run
}

// DefaultConfig returns a config that runs against the simulated adapter.
func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Kind:     "sim",
			Port:     "/dev/ttyUSB0",
			BaudRate: 38400,
		},
		Monitor: MonitorConfig{
			IntervalMs: 1000,
			PIDs:       []string{"rpm", "speed", "coolant_temp", "throttle"},
		},
		CAN: CANConfig{
			Interface:  "can0",
			FuzzLo:     0x000,
			FuzzHi:     0x7FF,
			FuzzRateHz: 100,
		},
		Security: SecurityConfig{
			BruteforceBound: 100_000,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/obdsec",
			MaxBytes: 10 << 20,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "obdsec",
			Prefix:   "obdsec/readings",
		},
		Influx: InfluxConfig{
			URL:      "http://localhost:8181",
			Database: "obdsec",
			Batch:    50,
		},
		Archive: ArchiveConfig{
			Addr:     "localhost:9000",
			Database: "default",
			Username: "default",
			Batch:    1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Devices: DevicesConfig{
			Allowed: []string{"hackrf_", "rtl_", "pm3", "nfc-"},
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. A missing or unparsable file falls back
// to defaults.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a KEY=VALUE .env file. Variables already set in the
// real environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
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
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides supports OBD_ADAPTER, OBD_PORT, OBD_BAUD,
// OBD_TIMEOUT_MS, MONITOR_INTERVAL_MS, MONITOR_PIDS, CAN_IFACE,
// LOG_ENABLED, LOG_PATH, MQTT_BROKER, MQTT_USERNAME, MQTT_PASSWORD,
// INFLUX_URL, INFLUX_TOKEN, INFLUX_DATABASE, CLICKHOUSE_ADDR,
// CLICKHOUSE_PASSWORD and LISTEN_ADDR.
func (c *Config) applyEnvOverrides() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true" || v == "yes"
		}
	}

	str("OBD_ADAPTER", &c.Adapter.Kind)
	str("OBD_PORT", &c.Adapter.Port)
	num("OBD_BAUD", &c.Adapter.BaudRate)
	num("OBD_TIMEOUT_MS", &c.Adapter.TimeoutMs)
	num("MONITOR_INTERVAL_MS", &c.Monitor.IntervalMs)
	if v := os.Getenv("MONITOR_PIDS"); v != "" {
		c.Monitor.PIDs = strings.Split(v, ",")
	}
	str("CAN_IFACE", &c.CAN.Interface)

	flag("LOG_ENABLED", &c.Logging.Enabled)
	str("LOG_PATH", &c.Logging.Path)

	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)

	if v := os.Getenv("INFLUX_URL"); v != "" {
		c.Influx.URL = v
		c.Influx.Enabled = true
	}
	str("INFLUX_TOKEN", &c.Influx.Token)
	str("INFLUX_DATABASE", &c.Influx.Database)

	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		c.Archive.Addr = v
		c.Archive.Enabled = true
	}
	str("CLICKHOUSE_PASSWORD", &c.Archive.Password)

	str("LISTEN_ADDR", &c.Server.ListenAddr)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ToJSON serializes config for the API. Secrets are omitted.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON deep-merges a partial JSON update into the config.
// Fields absent from the update, including secrets, are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps merge; anything
// else in src overwrites dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
