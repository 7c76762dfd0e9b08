// Package config loads the application configuration from YAML, applies
// environment and flag overrides, and validates the result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Registry   RegistryConfig   `yaml:"registry"`
	Fetcher    FetcherConfig    `yaml:"fetcher"`
	Feed       FeedConfig       `yaml:"feed"`
	Diff       DiffConfig       `yaml:"diff"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains the ops HTTP server settings.
type ServerConfig struct {
	Addr         string `yaml:"addr" validate:"required"`
	ReadTimeout  int    `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout int    `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout  int    `yaml:"idle_timeout" validate:"gt=0"`
}

// RegistryConfig contains subscription storage settings.
type RegistryConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

// FetcherConfig contains realtime forecast settings.
type FetcherConfig struct {
	ForecastURL    string `yaml:"forecast_url" validate:"required,url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gt=0"`
}

// FeedConfig contains static GTFS feed settings.
type FeedConfig struct {
	FeedURL                string `yaml:"feed_url" validate:"required,url"`
	RefreshIntervalHours   int    `yaml:"refresh_interval_hours" validate:"gte=0"`
	DownloadTimeoutSeconds int    `yaml:"download_timeout_seconds" validate:"gt=0"`
	NameCacheSize          int    `yaml:"name_cache_size" validate:"gt=0"`
}

// DiffConfig contains snapshot comparison settings.
type DiffConfig struct {
	MatchToleranceSeconds int `yaml:"match_tolerance_seconds" validate:"gt=0"`
	DelayThresholdSeconds int `yaml:"delay_threshold_seconds" validate:"gt=0"`
}

// SchedulerConfig contains poll loop settings.
type SchedulerConfig struct {
	PollIntervalSeconds    int `yaml:"poll_interval_seconds" validate:"gt=0"`
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds" validate:"gt=0"`
	DegradedThreshold      int `yaml:"degraded_threshold" validate:"gt=0"`
	InitialBackoffSeconds  int `yaml:"initial_backoff_seconds" validate:"gt=0"`
	MaxBackoffSeconds      int `yaml:"max_backoff_seconds" validate:"gt=0"`
}

// DispatcherConfig contains notification delivery settings.
type DispatcherConfig struct {
	SendsPerSecond        float64 `yaml:"sends_per_second" validate:"gt=0"`
	Burst                 int     `yaml:"burst" validate:"gt=0"`
	MaxAttempts           int     `yaml:"max_attempts" validate:"gt=0"`
	InitialBackoffSeconds int     `yaml:"initial_backoff_seconds" validate:"gt=0"`
	MaxBackoffSeconds     int     `yaml:"max_backoff_seconds" validate:"gt=0"`
	QueueSize             int     `yaml:"queue_size" validate:"gt=0"`
	IdleTimeoutSeconds    int     `yaml:"idle_timeout_seconds" validate:"gt=0"`
}

// TelegramConfig contains Bot API settings. The token is usually supplied
// through the environment rather than the file.
type TelegramConfig struct {
	Token          string `yaml:"token" validate:"required"`
	APIURL         string `yaml:"api_url" validate:"required,url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gt=0"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level         string            `yaml:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format        string            `yaml:"format" validate:"oneof=json console"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ServiceName   string  `yaml:"service_name"`
	Endpoint      string  `yaml:"endpoint"`
	SamplingRatio float64 `yaml:"sampling_ratio" validate:"gte=0,lte=1"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
		},
		Registry: RegistryConfig{
			DataDir: "./data",
		},
		Fetcher: FetcherConfig{
			ForecastURL:    "https://transport.orgp.spb.ru/Portal/transport/internalapi/gtfs/realtime/stopforecast",
			TimeoutSeconds: 10,
		},
		Feed: FeedConfig{
			FeedURL:                "https://transport.orgp.spb.ru/Portal/transport/internalapi/gtfs/feed.zip",
			RefreshIntervalHours:   24,
			DownloadTimeoutSeconds: 120,
			NameCacheSize:          4096,
		},
		Diff: DiffConfig{
			MatchToleranceSeconds: 30,
			DelayThresholdSeconds: 120,
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds:    30,
			RefreshIntervalSeconds: 60,
			DegradedThreshold:      5,
			InitialBackoffSeconds:  2,
			MaxBackoffSeconds:      300,
		},
		Dispatcher: DispatcherConfig{
			SendsPerSecond:        25,
			Burst:                 5,
			MaxAttempts:           5,
			InitialBackoffSeconds: 1,
			MaxBackoffSeconds:     60,
			QueueSize:             64,
			IdleTimeoutSeconds:    300,
		},
		Telegram: TelegramConfig{
			APIURL:         "https://api.telegram.org",
			TimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "arrival-bot",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file on top of the
// defaults. A missing file is not an error.
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and
// flags, in that priority order.
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		config.Registry.DataDir = absDataDir
	}
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("ARRIVALBOT_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if dataDir := os.Getenv("ARRIVALBOT_DATA_DIR"); dataDir != "" {
		config.Registry.DataDir = dataDir
	}
	if url := os.Getenv("ARRIVALBOT_FORECAST_URL"); url != "" {
		config.Fetcher.ForecastURL = url
	}
	if url := os.Getenv("ARRIVALBOT_FEED_URL"); url != "" {
		config.Feed.FeedURL = url
	}
	if interval := os.Getenv("ARRIVALBOT_POLL_INTERVAL_SECONDS"); interval != "" {
		if val, err := strconv.Atoi(interval); err == nil {
			config.Scheduler.PollIntervalSeconds = val
		}
	}

	// The bot token never belongs in a config file on disk. TELOXIDE_TOKEN
	// is accepted for compatibility with existing deployments.
	if token := os.Getenv("ARRIVALBOT_TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	} else if token := os.Getenv("TELOXIDE_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if level := os.Getenv("ARRIVALBOT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("ARRIVALBOT_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}

// Validate checks the configuration against the struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
