package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Automation AutomationConfig `yaml:"automation"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AutomationConfig tunes the rule engine and its collaborators.
type AutomationConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	Survey  SurveyConfig  `yaml:"survey"`
	// MaxLogLimit caps the page size of the audit log listing endpoint.
	MaxLogLimit int `yaml:"max_log_limit"`
	// DefaultTimezone is used by business_hours conditions without an
	// explicit timezone.
	DefaultTimezone string `yaml:"default_timezone"`
}

type WebhookConfig struct {
	// DefaultTimeout applies when an action carries no timeoutMs.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	UserAgent      string        `yaml:"user_agent"`
}

type SurveyConfig struct {
	// DispatchTimeout bounds the fire-and-forget survey scheduling call.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxAge     int    `yaml:"max_age"`  // days
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC endpoint, e.g. http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"` // 0.0~1.0
	ServiceName string  `yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// GetDefaultConfig returns the built-in defaults, overridable via config.yml
// and environment variables.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "convodesk",
			SSLMode:         "disable",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Automation: AutomationConfig{
			Webhook: WebhookConfig{
				DefaultTimeout: 5 * time.Second,
				MaxBodyBytes:   64 * 1024,
				UserAgent:      "Convodesk-Webhook/1.0",
			},
			Survey: SurveyConfig{
				DispatchTimeout: 5 * time.Second,
			},
			MaxLogLimit:     500,
			DefaultTimezone: "UTC",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/convodesk.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "convodesk",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
	}
}
