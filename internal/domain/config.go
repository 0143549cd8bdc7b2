package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" yaml:"tier"`

	// Analysis decision and rule settings
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`
	Archive    ArchiveConfig    `json:"archive" yaml:"archive"`
	Retention  RetentionConfig  `json:"retention" yaml:"retention"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	ReadTimeout    int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout   int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
	MaxUploadBytes int64  `json:"maxUploadBytes" yaml:"max_upload_bytes"`
}

// AnalysisConfig tunes the decision processor and custom checks.
type AnalysisConfig struct {
	// Scores at or above ReviewBelow are GENUINE, at or above AlertBelow REVIEW,
	// anything lower SUSPICIOUS.
	ReviewBelow int `json:"reviewBelow" yaml:"review_below"`
	AlertBelow  int `json:"alertBelow" yaml:"alert_below"`

	// RuleWorkers bounds concurrent custom check evaluation
	RuleWorkers int `json:"ruleWorkers" yaml:"rule_workers"`

	// VelocityWindow is the lookback for submissions of the same account
	VelocityWindow time.Duration `json:"velocityWindow" yaml:"velocity_window"`

	// Async worker toggle (always on for Pro tier)
	AsyncWorker bool     `json:"asyncWorker" yaml:"async_worker"`
	Tenants     []string `json:"tenants" yaml:"tenants"`
}

// ArchiveConfig controls raw document archiving.
type ArchiveConfig struct {
	// Dir must exist when set; empty disables archiving
	Dir string `json:"dir" yaml:"dir"`
}

// RetentionConfig controls the analysis purge job.
type RetentionConfig struct {
	Days     int    `json:"days" yaml:"days"` // 0 disables
	Schedule string `json:"schedule" yaml:"schedule"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"service_name"`
	ExporterType string `json:"exporterType" yaml:"exporter_type"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			MaxUploadBytes: 20 << 20,
		},
		Tier: TierCommunity,
		Analysis: AnalysisConfig{
			ReviewBelow:    80,
			AlertBelow:     50,
			RuleWorkers:    10,
			VelocityWindow: 30 * 24 * time.Hour,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Retention: RetentionConfig{
			Schedule: "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Analysis.AsyncWorker = true
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		ResultTTL:      24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
