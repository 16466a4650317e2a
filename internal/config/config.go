// Package config loads the daemon configuration for signalforged.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP dashboard and embedded NATS transport settings.
type ServerConfig struct {
	Port     int `yaml:"port" json:"port"`
	NATSPort int `yaml:"nats_port" json:"nats_port"`
}

// StoreConfig controls the K/V store and the pattern store layered on it.
type StoreConfig struct {
	DataDir    string `yaml:"data_dir" json:"data_dir"`
	StoreTable string `yaml:"store_table" json:"store_table"`
}

// BusConfig controls the message bus.
type BusConfig struct {
	DBFile           string `yaml:"db_file" json:"db_file"`
	SubscriberBuffer int    `yaml:"subscriber_buffer" json:"subscriber_buffer"`
}

// DetectorConfig controls the pattern detector used by WITNESS.
type DetectorConfig struct {
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
}

// WitnessConfig controls the WITNESS agent.
type WitnessConfig struct {
	TelemetryQueue string `yaml:"telemetry_queue" json:"telemetry_queue"`
	ContextQueue   string `yaml:"context_queue" json:"context_queue"`
	OutputQueue    string `yaml:"output_queue" json:"output_queue"`
}

// ArchitectConfig controls the ARCHITECT agent.
type ArchitectConfig struct {
	InputQueue    string  `yaml:"input_queue" json:"input_queue"`
	OutputQueue   string  `yaml:"output_queue" json:"output_queue"`
	WorkspaceDir  string  `yaml:"workspace_dir" json:"workspace_dir"`
	MinComplexity float64 `yaml:"min_complexity" json:"min_complexity"`
}

// RouterConfig controls the event router and healing trigger.
type RouterConfig struct {
	CooldownSeconds    int     `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	MinPatternScore    float64 `yaml:"min_pattern_score" json:"min_pattern_score"`
	HealingExecutorCmd string  `yaml:"healing_executor_cmd" json:"healing_executor_cmd"`
}

// HITLConfig controls the human-in-the-loop protocol.
type HITLConfig struct {
	DBFile               string `yaml:"db_file" json:"db_file"`
	QueueName            string `yaml:"queue_name" json:"queue_name"`
	DefaultTimeoutSecs   int    `yaml:"default_timeout_seconds" json:"default_timeout_seconds"`
	MaxQuestionsPerHour  int    `yaml:"max_questions_per_hour" json:"max_questions_per_hour"`
	QuietHoursStart      int    `yaml:"quiet_hours_start" json:"quiet_hours_start"`
	QuietHoursEnd        int    `yaml:"quiet_hours_end" json:"quiet_hours_end"`
	QuietHoursConfigured bool   `yaml:"-" json:"-"`
}

// Config is the root configuration for signalforged.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Bus       BusConfig       `yaml:"bus" json:"bus"`
	Detector  DetectorConfig  `yaml:"detector" json:"detector"`
	Witness   WitnessConfig   `yaml:"witness" json:"witness"`
	Architect ArchitectConfig `yaml:"architect" json:"architect"`
	Router    RouterConfig    `yaml:"router" json:"router"`
	HITL      HITLConfig      `yaml:"hitl" json:"hitl"`
}

// DefaultConfig returns sensible defaults for signalforged.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8088,
			NATSPort: 4225,
		},
		Store: StoreConfig{
			DataDir:    "data",
			StoreTable: "store",
		},
		Bus: BusConfig{
			DBFile:           "data/messages.db",
			SubscriberBuffer: 100,
		},
		Detector: DetectorConfig{
			MinConfidence: 0.7,
		},
		Witness: WitnessConfig{
			TelemetryQueue: "telemetry_stream",
			ContextQueue:   "personal_context_stream",
			OutputQueue:    "improvement_queue",
		},
		Architect: ArchitectConfig{
			InputQueue:    "improvement_queue",
			OutputQueue:   "execution_queue",
			WorkspaceDir:  "data/plan_workspace",
			MinComplexity: 0.7,
		},
		Router: RouterConfig{
			CooldownSeconds: 300,
			MinPatternScore: 0.3,
		},
		HITL: HITLConfig{
			DBFile:              "data/hitl.db",
			QueueName:           "hitl_questions",
			DefaultTimeoutSecs:  300,
			MaxQuestionsPerHour: 10,
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults for anything the file does not set.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.NATSPort <= 0 || c.Server.NATSPort > 65535 {
		return fmt.Errorf("invalid NATS port: %d", c.Server.NATSPort)
	}
	if c.Store.StoreTable == "" {
		return fmt.Errorf("store table name is required")
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return fmt.Errorf("detector min_confidence must be in [0,1]")
	}
	if c.Router.CooldownSeconds <= 0 {
		return fmt.Errorf("router cooldown_seconds must be positive")
	}
	if c.HITL.DefaultTimeoutSecs <= 0 {
		return fmt.Errorf("hitl default_timeout_seconds must be positive")
	}
	return nil
}
