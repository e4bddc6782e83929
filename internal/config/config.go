package config

import (
	"fmt"
	"os"
	"time"

	"NetScope/internal/model"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("1s", "5m") in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig holds the bbolt database location.
type StoreConfig struct {
	Path    string   `yaml:"path"`
	Timeout Duration `yaml:"timeout"`
}

// SyntheticSourceConfig bounds the random batch size of the synthetic generator.
type SyntheticSourceConfig struct {
	MinBatch int `yaml:"min_batch"`
	MaxBatch int `yaml:"max_batch"`
}

// PcapSourceConfig configures replay of a pcap file as a traffic source.
type PcapSourceConfig struct {
	Path      string `yaml:"path"`
	BatchSize int    `yaml:"batch_size"`
	Loop      bool   `yaml:"loop"`
}

// CaptureConfig holds capture session manager settings.
type CaptureConfig struct {
	MaxSessions   int                   `yaml:"max_sessions"`
	CycleInterval Duration              `yaml:"cycle_interval"`
	EvaluateEvery int                   `yaml:"evaluate_every"`
	OrphanGrace   Duration              `yaml:"orphan_grace"`
	Source        string                `yaml:"source"`
	Synthetic     SyntheticSourceConfig `yaml:"synthetic"`
	Pcap          PcapSourceConfig      `yaml:"pcap"`
}

// MetricsConfig holds the trailing windows used by the aggregator.
type MetricsConfig struct {
	PeerWindow     Duration `yaml:"peer_window"`
	ProtocolWindow Duration `yaml:"protocol_window"`
}

// AlertingConfig holds alert engine settings.
type AlertingConfig struct {
	DedupWindow             Duration `yaml:"dedup_window"`
	EscalationCheckInterval Duration `yaml:"escalation_check_interval"`
	EscalationRepeat        *bool    `yaml:"escalation_repeat"`
	LookbackDays            int      `yaml:"lookback_days"`
	RulesFile               string   `yaml:"rules_file"`
	WatchRules              bool     `yaml:"watch_rules"`
}

// RepeatEscalations reports whether every escalation check re-notifies.
func (c AlertingConfig) RepeatEscalations() bool {
	return c.EscalationRepeat == nil || *c.EscalationRepeat
}

// NotifierConfig sizes the per-subscriber buffers of the realtime hub.
type NotifierConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// NATSConfig enables relaying realtime events to NATS.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SMTPConfig holds the configuration for the email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// ClickHouseConfig holds the configuration for the ClickHouse record mirror.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TextWriterConfig holds the configuration for the text record mirror.
type TextWriterConfig struct {
	RootPath string `yaml:"root_path"`
}

// WriterDef defines a single record mirror.
type WriterDef struct {
	Type       string           `yaml:"type"`
	Enabled    bool             `yaml:"enabled"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Text       TextWriterConfig `yaml:"text"`
}

// ArchiveConfig lists the record mirrors.
type ArchiveConfig struct {
	Writers []WriterDef `yaml:"writers"`
}

// APIConfig holds listen addresses for the HTTP and gRPC servers.
type APIConfig struct {
	HTTPListenAddr  string   `yaml:"http_listen_addr"`
	GRPCListenAddr  string   `yaml:"grpc_listen_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Log        LogConfig         `yaml:"log"`
	Store      StoreConfig       `yaml:"store"`
	Capture    CaptureConfig     `yaml:"capture"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Alerting   AlertingConfig    `yaml:"alerting"`
	Notifier   NotifierConfig    `yaml:"notifier"`
	NATS       NATSConfig        `yaml:"nats"`
	SMTP       SMTPConfig        `yaml:"smtp"`
	Archive    ArchiveConfig     `yaml:"archive"`
	API        APIConfig         `yaml:"api"`
	Interfaces []model.Interface `yaml:"interfaces"`
}

// LoadConfig reads the configuration from a YAML file, applies defaults and validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults. Settings present in the
// document, zero values included, replace their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued setting. Parse decodes over these
// defaults, so explicit zeros in a file are kept.
func (c *Config) ApplyDefaults() {
	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "text")

	setString(&c.Store.Path, "data/netscope.db")
	setDuration(&c.Store.Timeout, time.Second)

	setInt(&c.Capture.MaxSessions, 10)
	setDuration(&c.Capture.CycleInterval, time.Second)
	setInt(&c.Capture.EvaluateEvery, 30)
	setDuration(&c.Capture.OrphanGrace, 5*time.Minute)
	setString(&c.Capture.Source, "synthetic")
	setInt(&c.Capture.Synthetic.MinBatch, 20)
	setInt(&c.Capture.Synthetic.MaxBatch, 50)
	setInt(&c.Capture.Pcap.BatchSize, 50)

	setDuration(&c.Metrics.PeerWindow, 5*time.Minute)
	setDuration(&c.Metrics.ProtocolWindow, 5*time.Second)

	setDuration(&c.Alerting.DedupWindow, 5*time.Minute)
	setDuration(&c.Alerting.EscalationCheckInterval, time.Minute)
	setInt(&c.Alerting.LookbackDays, 7)

	setInt(&c.Notifier.BufferSize, 256)

	setString(&c.NATS.URL, "nats://127.0.0.1:4222")
	setString(&c.NATS.SubjectPrefix, "netscope.events")

	setInt(&c.SMTP.Port, 587)

	setString(&c.API.HTTPListenAddr, ":8080")
	setString(&c.API.GRPCListenAddr, ":9090")
	setDuration(&c.API.ShutdownTimeout, 5*time.Second)
}

// Validate rejects settings the capture core cannot run with.
func (c *Config) Validate() error {
	if c.Capture.MaxSessions < 1 {
		return fmt.Errorf("capture.max_sessions must be positive, got %d", c.Capture.MaxSessions)
	}
	if c.Capture.EvaluateEvery < 1 {
		return fmt.Errorf("capture.evaluate_every must be positive, got %d", c.Capture.EvaluateEvery)
	}
	positive := []struct {
		name string
		d    Duration
	}{
		{"capture.cycle_interval", c.Capture.CycleInterval},
		{"metrics.peer_window", c.Metrics.PeerWindow},
		{"metrics.protocol_window", c.Metrics.ProtocolWindow},
		{"alerting.escalation_check_interval", c.Alerting.EscalationCheckInterval},
		{"api.shutdown_timeout", c.API.ShutdownTimeout},
	}
	for _, p := range positive {
		if p.d.Duration <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}
	nonNegative := []struct {
		name string
		d    Duration
	}{
		{"store.timeout", c.Store.Timeout},
		{"capture.orphan_grace", c.Capture.OrphanGrace},
		{"alerting.dedup_window", c.Alerting.DedupWindow},
	}
	for _, p := range nonNegative {
		if p.d.Duration < 0 {
			return fmt.Errorf("%s must not be negative, got %s", p.name, p.d)
		}
	}
	if c.Alerting.LookbackDays < 1 {
		return fmt.Errorf("alerting.lookback_days must be positive, got %d", c.Alerting.LookbackDays)
	}
	if c.Notifier.BufferSize < 1 {
		return fmt.Errorf("notifier.buffer_size must be positive, got %d", c.Notifier.BufferSize)
	}
	if c.Capture.Synthetic.MinBatch < 0 || c.Capture.Synthetic.MinBatch > c.Capture.Synthetic.MaxBatch {
		return fmt.Errorf("capture.synthetic batch range [%d, %d] is invalid",
			c.Capture.Synthetic.MinBatch, c.Capture.Synthetic.MaxBatch)
	}
	if c.Capture.Source == "pcap" && c.Capture.Pcap.Path == "" {
		return fmt.Errorf("capture.pcap.path is required when capture.source is pcap")
	}
	if c.Capture.Pcap.BatchSize < 1 {
		return fmt.Errorf("capture.pcap.batch_size must be positive, got %d", c.Capture.Pcap.BatchSize)
	}
	seen := make(map[string]bool, len(c.Interfaces))
	for _, iface := range c.Interfaces {
		if iface.ID == "" {
			return fmt.Errorf("interface %q has no id", iface.Name)
		}
		if seen[iface.ID] {
			return fmt.Errorf("duplicate interface id %q", iface.ID)
		}
		seen[iface.ID] = true
	}
	for _, w := range c.Archive.Writers {
		switch w.Type {
		case "clickhouse", "text":
		default:
			return fmt.Errorf("unknown archive writer type %q", w.Type)
		}
	}
	return nil
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *Duration, def time.Duration) {
	if dst.Duration == 0 {
		dst.Duration = def
	}
}
