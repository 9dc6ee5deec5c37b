package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const DefaultBus = 10

type Bus struct {
	ID        int `json:"id"`
	Retries   int `json:"retries"`
	TimeoutMS int `json:"timeout_ms"`
}

type Device struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Bus       int            `json:"bus"`
	Address   uint16         `json:"address"`
	TimeoutMS int            `json:"timeout_ms"`
	Params    map[string]any `json:"params"`

	// Optional devices are skipped rather than registered when they fail to build.
	Optional bool `json:"optional"`
}

type Monitoring struct {
	Autostart        bool     `json:"autostart"`
	IntervalSeconds  float64  `json:"interval_seconds"`
	Devices          []string `json:"devices"`
	BufferSize       int      `json:"buffer_size"`
	Concurrency      int      `json:"concurrency"`
	PollTimeoutMS    int      `json:"poll_timeout_ms"`
	StopTimeoutMS    int      `json:"stop_timeout_ms"`
	SubscriberBuffer int      `json:"subscriber_buffer"`
}

type Datadog struct {
	Enabled   bool     `json:"enabled"`
	AgentAddr string   `json:"agent_addr"`
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
}

type MQTT struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
}

type Notifications struct {
	NtfyURL      string `json:"ntfy_url"`
	NtfyTopic    string `json:"ntfy_topic"`
	OfflineAfter int    `json:"offline_after"`
}

type History struct {
	DBPath               string `json:"db_path"`
	RetentionHours       int    `json:"retention_hours"`
	PruneIntervalMinutes int    `json:"prune_interval_minutes"`
}

type Config struct {
	ConfigFile   string        `json:"-"`
	SettingsFile string        `json:"-"`
	EnvFile      string        `json:"-"`
	LogFile      string        `json:"-"`
	LogLevel     zerolog.Level `json:"-"`

	// Simulate serves every I2C device from an in-memory register file.
	Simulate bool `json:"simulate"`

	HTTPAddr         string   `json:"http_addr"`
	CORSOrigins      []string `json:"cors_origins"`
	RequestTimeoutMS int      `json:"request_timeout_ms"`

	Buses   []Bus    `json:"buses"`
	Devices []Device `json:"devices"`

	Monitoring    Monitoring    `json:"monitoring"`
	Datadog       Datadog       `json:"datadog"`
	MQTT          MQTT          `json:"mqtt"`
	Notifications Notifications `json:"notifications"`
	History       History       `json:"history"`
}

func Load() Config {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses flags from args, then the config file, then the env
// overlay. A missing config file yields the default board layout; an
// unreadable or invalid one panics.
func LoadArgs(args []string) Config {
	var cfg Config
	var logLevel string

	fset := flag.NewFlagSet("hmi-server", flag.ExitOnError)
	fset.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to device service config file")
	fset.StringVar(&cfg.SettingsFile, "settings-file", "data/settings.json", "Path to persisted driver settings")
	fset.StringVar(&cfg.EnvFile, "env-file", ".env", "Path to env overlay file")
	fset.StringVar(&cfg.LogFile, "log-file", "/var/log/hmi-server.log", "Path to log file (empty for stderr only)")
	fset.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	simulate := fset.Bool("simulate", false, "Run against simulated I2C devices")
	_ = fset.Parse(args)

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		panic("Failed to load config file: " + err.Error())
	default:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			panic("Failed to parse config file: " + err.Error())
		}
	}

	if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic("Failed to load env file: " + err.Error())
	}
	cfg.applyEnv()
	if *simulate {
		cfg.Simulate = true
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.HTTPAddr, "HMI_HTTP_ADDR")
	set(&cfg.Notifications.NtfyTopic, "HMI_NTFY_TOPIC")
	set(&cfg.MQTT.Broker, "HMI_MQTT_BROKER")
	set(&cfg.MQTT.Username, "HMI_MQTT_USERNAME")
	set(&cfg.MQTT.Password, "HMI_MQTT_PASSWORD")
	set(&cfg.History.DBPath, "HMI_DB_PATH")
	if host := os.Getenv("DD_AGENT_HOST"); host != "" {
		cfg.Datadog.AgentAddr = host + ":8125"
		cfg.Datadog.Enabled = true
	}
}

// DefaultDevices is the maker desk board layout.
func DefaultDevices() []Device {
	return []Device{
		{ID: "adc", Type: "ads7828", Bus: DefaultBus, Address: 0x48, Params: map[string]any{"vref": 3.3}},
		{ID: "io", Type: "pcal9555a", Bus: DefaultBus, Address: 0x24},
		{ID: "rtc", Type: "pcf85063a", Bus: DefaultBus, Address: 0x51},
		{ID: "fan", Type: "emc2301", Bus: DefaultBus, Address: 0x2F},
		{ID: "eeprom", Type: "at24cm01", Bus: DefaultBus, Address: 0x56},
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "0.0.0.0:8081"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.RequestTimeoutMS == 0 {
		cfg.RequestTimeoutMS = 5000
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultDevices()
	}

	known := map[int]bool{}
	for _, b := range cfg.Buses {
		known[b.ID] = true
	}
	for _, d := range cfg.Devices {
		if d.Bus >= 0 && !known[d.Bus] {
			cfg.Buses = append(cfg.Buses, Bus{ID: d.Bus})
			known[d.Bus] = true
		}
	}
	for i := range cfg.Buses {
		if cfg.Buses[i].Retries == 0 {
			cfg.Buses[i].Retries = 3
		}
		if cfg.Buses[i].TimeoutMS == 0 {
			cfg.Buses[i].TimeoutMS = 100
		}
	}

	m := &cfg.Monitoring
	if m.IntervalSeconds == 0 {
		m.IntervalSeconds = 1
	}
	if m.BufferSize == 0 {
		m.BufferSize = 1000
	}
	if m.Concurrency == 0 {
		m.Concurrency = 4
	}
	if m.PollTimeoutMS == 0 {
		m.PollTimeoutMS = 2000
	}
	if m.StopTimeoutMS == 0 {
		m.StopTimeoutMS = 5000
	}
	if m.SubscriberBuffer == 0 {
		m.SubscriberBuffer = 64
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "cm5-hmi"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "hmi-server"
	}
	if cfg.Notifications.NtfyURL == "" {
		cfg.Notifications.NtfyURL = "https://ntfy.sh"
	}
	if cfg.Notifications.OfflineAfter == 0 {
		cfg.Notifications.OfflineAfter = 3
	}
	if cfg.History.RetentionHours == 0 {
		cfg.History.RetentionHours = 24
	}
	if cfg.History.PruneIntervalMinutes == 0 {
		cfg.History.PruneIntervalMinutes = 10
	}
	if cfg.Datadog.AgentAddr == "" {
		cfg.Datadog.AgentAddr = "127.0.0.1:8125"
	}
	if cfg.Datadog.Namespace == "" {
		cfg.Datadog.Namespace = "hmi."
	}
}

func (cfg *Config) validate() {
	var problems []string

	ids := map[string]bool{}
	addrs := map[string]string{}
	for i, d := range cfg.Devices {
		if d.ID == "" {
			problems = append(problems, fmt.Sprintf("devices[%d] has no id", i))
			continue
		}
		if ids[d.ID] {
			problems = append(problems, fmt.Sprintf("device id %q is used twice", d.ID))
		}
		ids[d.ID] = true
		if d.Type == "" {
			problems = append(problems, fmt.Sprintf("device %q has no type", d.ID))
		}
		if d.Bus >= 0 {
			if d.Address > 0x7F {
				problems = append(problems, fmt.Sprintf("device %q address 0x%X is not a 7-bit I2C address", d.ID, d.Address))
			}
			key := fmt.Sprintf("%d/0x%02X", d.Bus, d.Address)
			if other, exists := addrs[key]; exists {
				problems = append(problems, fmt.Sprintf("devices %q and %q both use bus %d address 0x%02X", d.ID, other, d.Bus, d.Address))
			} else {
				addrs[key] = d.ID
			}
		}
	}

	for _, id := range cfg.Monitoring.Devices {
		if !ids[id] {
			problems = append(problems, fmt.Sprintf("monitoring device %q is not configured", id))
		}
	}
	if cfg.Monitoring.IntervalSeconds < 0 {
		problems = append(problems, "monitoring.interval_seconds must be positive")
	}
	if cfg.MQTT.QoS > 2 {
		problems = append(problems, "mqtt.qos must be 0, 1 or 2")
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (cfg Config) RequestTimeout() time.Duration { return ms(cfg.RequestTimeoutMS) }

func (b Bus) Timeout() time.Duration { return ms(b.TimeoutMS) }

func (d Device) Timeout() time.Duration { return ms(d.TimeoutMS) }

func (m Monitoring) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds * float64(time.Second))
}

func (m Monitoring) PollTimeout() time.Duration { return ms(m.PollTimeoutMS) }

func (m Monitoring) StopTimeout() time.Duration { return ms(m.StopTimeoutMS) }

func (h History) Retention() time.Duration { return time.Duration(h.RetentionHours) * time.Hour }

func (h History) PruneInterval() time.Duration {
	return time.Duration(h.PruneIntervalMinutes) * time.Minute
}
