// Package config loads dcn configuration files.
//
// TOML is the primary format; files ending in .yaml or .yml are read as
// YAML. ${VAR} references are replaced with environment values before
// parsing. Unset keys keep the values from Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/dcn/directory"
)

// Duration is a time.Duration written as a string ("10s", "1m30s").
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration {
	return Duration{d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config is the full configuration of every dcn binary. Each binary reads
// the sections it needs.
type Config struct {
	Dispatcher DispatcherConfig `toml:"dispatcher" yaml:"dispatcher"`
	Control    ControlConfig    `toml:"control" yaml:"control"`
	Broker     BrokerConfig     `toml:"broker" yaml:"broker"`
	Agent      AgentConfig      `toml:"agent" yaml:"agent"`
	Client     ClientConfig     `toml:"client" yaml:"client"`
	Directory  DirectoryConfig  `toml:"directory" yaml:"directory"`
	Metrics    MetricsConfig    `toml:"metrics" yaml:"metrics"`
	Telemetry  TelemetryConfig  `toml:"telemetry" yaml:"telemetry"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
}

// DispatcherConfig is the [dispatcher] section.
type DispatcherConfig struct {
	FirstAgentID      int      `toml:"first_agent_id" yaml:"first_agent_id"`
	PollInterval      Duration `toml:"poll_interval" yaml:"poll_interval"`
	LivenessInterval  Duration `toml:"liveness_interval" yaml:"liveness_interval"`
	BrokerHost        string   `toml:"broker_host" yaml:"broker_host"`
	ReconnectAttempts int      `toml:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectDelay    Duration `toml:"reconnect_delay" yaml:"reconnect_delay"`
}

// Control transports.
const (
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
)

// ControlConfig is the [control] section.
type ControlConfig struct {
	// Transport is "nats" or "websocket".
	Transport string `toml:"transport" yaml:"transport"`

	// URL is where requesters reach the dispatcher: a NATS server URL or a
	// ws:// URL.
	URL string `toml:"url" yaml:"url"`

	// Subject carries requests over NATS.
	Subject string `toml:"subject" yaml:"subject"`

	// Listen is the websocket listen address on the dispatcher.
	Listen string `toml:"listen" yaml:"listen"`

	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout"`

	// Credentials names a credentials file holding the NATS login.
	Credentials string `toml:"credentials" yaml:"credentials"`
}

// BrokerConfig is the [broker] section.
type BrokerConfig struct {
	Exchange          string   `toml:"exchange" yaml:"exchange"`
	ConnectAttempts   int      `toml:"connect_attempts" yaml:"connect_attempts"`
	ReconnectDelay    Duration `toml:"reconnect_delay" yaml:"reconnect_delay"`
	ConnectTimeout    Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	InactivityTimeout Duration `toml:"inactivity_timeout" yaml:"inactivity_timeout"`
	AckWait           Duration `toml:"ack_wait" yaml:"ack_wait"`
}

// AgentConfig is the [agent] section.
type AgentConfig struct {
	Name   string   `toml:"name" yaml:"name"`
	Token  string   `toml:"token" yaml:"token"`
	Period Duration `toml:"period" yaml:"period"`

	// TaskTimeout bounds one task function call. Zero means unbounded.
	TaskTimeout Duration `toml:"task_timeout" yaml:"task_timeout"`

	// Require lists "module.function" entries the agent refuses to start
	// without.
	Require []string `toml:"require" yaml:"require"`
}

// ClientConfig is the [client] section.
type ClientConfig struct {
	Name  string `toml:"name" yaml:"name"`
	Token string `toml:"token" yaml:"token"`
}

// Directory backends.
const (
	DirectoryStatic = "static"
	DirectoryKV     = "kv"
	DirectorySQLite = "sqlite"
)

// DirectoryConfig is the [directory] section. Agents and Clients seed the
// chosen backend.
type DirectoryConfig struct {
	Backend string                     `toml:"backend" yaml:"backend"`
	Path    string                     `toml:"path" yaml:"path"`
	Bucket  string                     `toml:"bucket" yaml:"bucket"`
	Agents  map[string]directory.Entry `toml:"agents" yaml:"agents"`
	Clients map[string]directory.Entry `toml:"clients" yaml:"clients"`
}

// Table returns the seed entries.
func (c DirectoryConfig) Table() directory.Table {
	t := directory.Table{directory.KindAgent: {}, directory.KindClient: {}}
	for token, e := range c.Agents {
		t[directory.KindAgent][token] = e
	}
	for token, e := range c.Clients {
		t[directory.KindClient][token] = e
	}
	return t
}

// MetricsConfig is the [metrics] section.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
}

// TelemetryConfig is the [telemetry] section.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled"`
	ServiceName string  `toml:"service_name" yaml:"service_name"`
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	Protocol    string  `toml:"protocol" yaml:"protocol"`
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	Debug       bool    `toml:"debug" yaml:"debug"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"` // 0 records every trace
}

// LoggingConfig is the [logging] section.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
	File  string `toml:"file" yaml:"file"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	dirDefaults := directory.DefaultTable()
	return &Config{
		Dispatcher: DispatcherConfig{
			FirstAgentID:      1001,
			PollInterval:      D(time.Second),
			LivenessInterval:  D(60 * time.Second),
			BrokerHost:        "localhost",
			ReconnectAttempts: 12,
			ReconnectDelay:    D(5 * time.Second),
		},
		Control: ControlConfig{
			Transport:      TransportNATS,
			URL:            "nats://localhost:4222",
			Subject:        "dcn.dispatcher",
			Listen:         ":9999",
			RequestTimeout: D(30 * time.Second),
		},
		Broker: BrokerConfig{
			Exchange:          "default",
			ConnectAttempts:   5,
			ReconnectDelay:    D(5 * time.Second),
			ConnectTimeout:    D(5 * time.Second),
			InactivityTimeout: D(60 * time.Second),
			AckWait:           D(5 * time.Minute),
		},
		Agent: AgentConfig{
			Token:  "localhost",
			Period: D(10 * time.Second),
		},
		Client: ClientConfig{
			Token: "localhost",
		},
		Directory: DirectoryConfig{
			Backend: DirectoryStatic,
			Bucket:  "dcn-directory",
			Agents:  dirDefaults[directory.KindAgent],
			Clients: dirDefaults[directory.KindClient],
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "dcn",
			Protocol:    "grpc",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or nothing when
// it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Formats accepted by Parse.
const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatTOML
}

// Parse decodes data in the given format over Default and validates it.
func Parse(data []byte, format string) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))
	cfg := Default()

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(expanded), cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing config: unknown key %q", undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration. It reports the first problem found.
func (c *Config) Validate() error {
	switch c.Control.Transport {
	case TransportNATS, TransportWebSocket:
	default:
		return fmt.Errorf("control.transport must be %q or %q, got %q",
			TransportNATS, TransportWebSocket, c.Control.Transport)
	}
	if c.Control.URL == "" {
		return fmt.Errorf("control.url is required")
	}
	if c.Control.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("control.request_timeout must be positive")
	}
	if c.Dispatcher.FirstAgentID <= 0 {
		return fmt.Errorf("dispatcher.first_agent_id must be positive")
	}
	if c.Broker.Exchange == "" {
		return fmt.Errorf("broker.exchange is required")
	}
	if c.Agent.Period.Duration <= 0 {
		return fmt.Errorf("agent.period must be positive")
	}
	for _, r := range c.Agent.Require {
		if !strings.Contains(r, ".") {
			return fmt.Errorf("agent.require entry %q must be module.function", r)
		}
	}
	switch c.Directory.Backend {
	case DirectoryStatic, DirectoryKV:
	case DirectorySQLite:
		if c.Directory.Path == "" {
			return fmt.Errorf("directory.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("directory.backend must be static, kv or sqlite, got %q", c.Directory.Backend)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be within [0, 1], got %v", c.Telemetry.SampleRatio)
		}
	}
	return nil
}
