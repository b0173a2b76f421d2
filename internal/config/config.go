// Package config
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	CORS     CORSConfig     `yaml:"cors"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Runner   RunnerConfig   `yaml:"runner"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type DatabaseConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	User                   string `yaml:"user"`
	Password               string `yaml:"password"`
	DBName                 string `yaml:"dbname"`
	SSLMode                string `yaml:"ssl_mode"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
	EncryptionKey  string `yaml:"encryption_key"`
}

type RunnerConfig struct {
	WorkerPoolSize          int     `yaml:"worker_pool_size"`
	DefaultCommandTimeoutMS int     `yaml:"default_command_timeout_ms"`
	SuccessRateDecay        float64 `yaml:"success_rate_decay"`
	JobQueueSize            int     `yaml:"job_queue_size"`
}

type ArchiveConfig struct {
	RepoPath    string `yaml:"repo_path"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("CV_AUTH_JWT_SECRET is required (minimum 32 characters)")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 characters")
	}

	if c.Auth.EncryptionKey == "" {
		return fmt.Errorf("CV_AUTH_ENCRYPTION_KEY is required (32 bytes for AES-256)")
	}
	if len(c.Auth.EncryptionKey) != 32 {
		return fmt.Errorf("encryption_key must be exactly 32 bytes")
	}

	if c.Auth.AdminPassword == "" || c.Auth.AdminPassword == "changeme" {
		return fmt.Errorf("CV_AUTH_ADMIN_PASSWORD must be set to a strong password")
	}

	if c.Database.Host == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host and dbname are required")
	}

	if c.Runner.SuccessRateDecay <= 0 || c.Runner.SuccessRateDecay >= 1 {
		return fmt.Errorf("runner success_rate_decay must be in (0,1)")
	}

	if c.Archive.RepoPath == "" {
		return fmt.Errorf("archive repo_path is required")
	}

	return nil
}

// applyEnvOverrides checks for environment variables with CV_ prefix
func applyEnvOverrides(cfg *Config) {
	// Database overrides
	if v := os.Getenv("CV_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("CV_DATABASE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.Port)
	}
	if v := os.Getenv("CV_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	// Auth overrides
	if v := os.Getenv("CV_AUTH_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("CV_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CV_AUTH_ENCRYPTION_KEY"); v != "" {
		cfg.Auth.EncryptionKey = v
	}

	// Archive overrides
	if v := os.Getenv("CV_ARCHIVE_REPO_PATH"); v != "" {
		cfg.Archive.RepoPath = v
	}
}

// applyDefaults fills zero values with sane runtime defaults
func applyDefaults(cfg *Config) {
	if cfg.Runner.WorkerPoolSize <= 0 {
		cfg.Runner.WorkerPoolSize = 5
	}
	if cfg.Runner.DefaultCommandTimeoutMS <= 0 {
		cfg.Runner.DefaultCommandTimeoutMS = 30000
	}
	if cfg.Runner.SuccessRateDecay == 0 {
		cfg.Runner.SuccessRateDecay = 0.9
	}
	if cfg.Runner.JobQueueSize <= 0 {
		cfg.Runner.JobQueueSize = 50
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
}

// GetReadTimeout returns the read timeout as a duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// GetDSN returns the PostgreSQL connection string
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// GetJWTExpiry returns JWT expiry as duration
func (a *AuthConfig) GetJWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

// GetDefaultCommandTimeout returns the fallback per-command timeout
func (r *RunnerConfig) GetDefaultCommandTimeout() time.Duration {
	return time.Duration(r.DefaultCommandTimeoutMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
