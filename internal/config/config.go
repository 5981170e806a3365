// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`

	// File paths
	DatabasePath string `mapstructure:"storagepath"`
	DatabaseName string `mapstructure:"-"` // Derived from other settings

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Sync scheduling settings
	SyncIntervalSeconds     int `mapstructure:"syncintervalseconds"`
	FinalizeIntervalSeconds int `mapstructure:"finalizeintervalseconds"`
	SyncLookbackDays        int `mapstructure:"synclookbackdays"`

	// Pull tuning
	StatBatchSize              int `mapstructure:"statbatchsize"`
	SyncWorkerCount            int `mapstructure:"syncworkercount"`
	ProviderHTTPTimeoutSeconds int `mapstructure:"providerhttptimeoutseconds"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		// Set defaults
		v.SetDefault("appname", "mediasync")
		v.SetDefault("appport", "3100")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("syncintervalseconds", 3600)
		v.SetDefault("finalizeintervalseconds", 86400)
		v.SetDefault("synclookbackdays", 3)
		v.SetDefault("statbatchsize", 100)
		v.SetDefault("syncworkercount", 4)
		v.SetDefault("providerhttptimeoutseconds", 60)

		// Bind environment variables
		v.BindEnv("appname", "MEDIASYNC_APP_NAME")
		v.BindEnv("appport", "MEDIASYNC_APP_PORT")
		v.BindEnv("environment", "MEDIASYNC_ENV")
		v.BindEnv("loglevel", "MEDIASYNC_LOG_LEVEL")
		v.BindEnv("privatekey", "MEDIASYNC_PRIVATE_KEY")
		v.BindEnv("storagepath", "MEDIASYNC_STORAGE_PATH")
		v.BindEnv("logsdir", "MEDIASYNC_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "MEDIASYNC_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "MEDIASYNC_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "MEDIASYNC_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "MEDIASYNC_DB_TYPE")
		v.BindEnv("dbmaxopenconns", "MEDIASYNC_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "MEDIASYNC_DB_MAX_IDLE_CONNS")
		v.BindEnv("syncintervalseconds", "MEDIASYNC_SYNC_INTERVAL_SECONDS")
		v.BindEnv("finalizeintervalseconds", "MEDIASYNC_FINALIZE_INTERVAL_SECONDS")
		v.BindEnv("synclookbackdays", "MEDIASYNC_SYNC_LOOKBACK_DAYS")
		v.BindEnv("statbatchsize", "MEDIASYNC_STAT_BATCH_SIZE")
		v.BindEnv("syncworkercount", "MEDIASYNC_SYNC_WORKER_COUNT")
		v.BindEnv("providerhttptimeoutseconds", "MEDIASYNC_PROVIDER_HTTP_TIMEOUT_SECONDS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		// Validate
		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		// Set derived values
		cfg.DatabaseName = cfg.GetDatabasePath()
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	if c.StatBatchSize <= 0 {
		return fmt.Errorf("invalid stat batch size: %d", c.StatBatchSize)
	}
	if c.SyncWorkerCount <= 0 {
		return fmt.Errorf("invalid sync worker count: %d", c.SyncWorkerCount)
	}
	if c.SyncLookbackDays <= 0 {
		return fmt.Errorf("invalid sync lookback days: %d", c.SyncLookbackDays)
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return ""
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return "/"
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1 (required for test stability)
// - Development/Production: 10 (concurrent account workers share the pool)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
