// Package config loads SDK settings from environment variables and an optional config file.
// It uses viper for flexible configuration management with sensible defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/TimurManjosov/appconfig/internal/apperr"
)

// EnvPrefix is prepended to every environment variable, e.g. APPCONFIG_REGION.
const EnvPrefix = "APPCONFIG"

// Config holds all SDK settings.
// Configuration priority: environment variables > config file > defaults.
type Config struct {
	Region          string // Service region, e.g. us-south
	GUID            string // Service instance id
	APIKey          string // IAM API key
	CollectionID    string // Collection to evaluate
	EnvironmentID   string // Environment to evaluate
	ServiceURL      string // Overrides the regional host (staging, local testing)
	IAMURL          string // Overrides the IAM token host
	PrivateEndpoint bool   // Reach the service over private endpoints

	BootstrapFile      string // Configuration document loaded at startup
	PersistentCacheDir string // Directory holding appconfiguration.json
	LiveUpdates        bool   // Fetch from the service and follow the push channel

	FetchRetryInterval time.Duration // Constant delay between failed fetch retries
	SocketRetryDelay   time.Duration // Delay before reopening a dropped push channel
	ProbeAddr          string        // TCP address used to check reachability
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	HTTPTimeout        time.Duration

	MeteringInterval   time.Duration // How often usage is flushed
	MeteringRetryDelay time.Duration // Delay before the single retry of a failed batch
	MeteringBatchLimit int           // Max usage entries per request

	RolloutSalt string // Salt for percentage rollout bucketing
	LogLevel    string
	LogFormat   string
	MetricsAddr string // Address of the CLI metrics endpoint; empty disables it
}

// Load reads configuration from environment variables and the config file at path (if present).
// An empty path tries ".env" in the working directory. Environment variables take precedence.
//
// Load does not validate; call Validate before using the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = ".env"
	}
	v.SetConfigFile(path)
	_ = v.ReadInConfig() // the file is optional
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	setConfigDefaults(v)

	return &Config{
		Region:             v.GetString("REGION"),
		GUID:               v.GetString("GUID"),
		APIKey:             v.GetString("APIKEY"),
		CollectionID:       v.GetString("COLLECTION_ID"),
		EnvironmentID:      v.GetString("ENVIRONMENT_ID"),
		ServiceURL:         v.GetString("SERVICE_URL"),
		IAMURL:             v.GetString("IAM_URL"),
		PrivateEndpoint:    v.GetBool("PRIVATE_ENDPOINT"),
		BootstrapFile:      v.GetString("BOOTSTRAP_FILE"),
		PersistentCacheDir: v.GetString("PERSISTENT_CACHE_DIR"),
		LiveUpdates:        v.GetBool("LIVE_UPDATES"),
		FetchRetryInterval: v.GetDuration("FETCH_RETRY_INTERVAL"),
		SocketRetryDelay:   v.GetDuration("SOCKET_RETRY_DELAY"),
		ProbeAddr:          v.GetString("PROBE_ADDR"),
		ProbeInterval:      v.GetDuration("PROBE_INTERVAL"),
		ProbeTimeout:       v.GetDuration("PROBE_TIMEOUT"),
		HTTPTimeout:        v.GetDuration("HTTP_TIMEOUT"),
		MeteringInterval:   v.GetDuration("METERING_INTERVAL"),
		MeteringRetryDelay: v.GetDuration("METERING_RETRY_DELAY"),
		MeteringBatchLimit: v.GetInt("METERING_BATCH_LIMIT"),
		RolloutSalt:        v.GetString("ROLLOUT_SALT"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),
		MetricsAddr:        v.GetString("METRICS_ADDR"),
	}, nil
}

// setConfigDefaults sets default values for all configuration options.
func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("LIVE_UPDATES", true)
	v.SetDefault("FETCH_RETRY_INTERVAL", 10*time.Minute)
	v.SetDefault("SOCKET_RETRY_DELAY", 5*time.Second)
	v.SetDefault("PROBE_ADDR", "cloud.ibm.com:80")
	v.SetDefault("PROBE_INTERVAL", 30*time.Second)
	v.SetDefault("PROBE_TIMEOUT", 5*time.Second)
	v.SetDefault("HTTP_TIMEOUT", 30*time.Second)
	v.SetDefault("METERING_INTERVAL", 10*time.Minute)
	v.SetDefault("METERING_RETRY_DELAY", time.Minute)
	v.SetDefault("METERING_BATCH_LIMIT", 25)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// ValidationError represents a configuration validation error with details about what failed.
type ValidationError struct {
	Field   string // Name of the configuration field
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Unwrap makes every ValidationError match apperr.ErrConfiguration.
func (e ValidationError) Unwrap() error {
	return apperr.ErrConfiguration
}

// ValidateInstance checks the settings needed to reach a service instance.
//
// Validation Rules:
//  1. Region must be set unless ServiceURL overrides it
//  2. GUID must be set
//  3. APIKey must be set
func (c *Config) ValidateInstance() error {
	if c.Region == "" && c.ServiceURL == "" {
		return ValidationError{Field: "REGION", Message: "region is required"}
	}
	if c.GUID == "" {
		return ValidationError{Field: "GUID", Message: "guid is required"}
	}
	if c.APIKey == "" {
		return ValidationError{Field: "APIKEY", Message: "apikey is required"}
	}
	return nil
}

// Validate checks that the configuration can start the SDK.
//
// Validation Rules:
//  1. The instance settings pass ValidateInstance
//  2. CollectionID and EnvironmentID must be set
//  3. With LiveUpdates disabled, BootstrapFile must be set
//  4. Intervals, delays and timeouts must be positive
//  5. MeteringBatchLimit must be positive
//
// Returns nil or the first ValidationError found.
func (c *Config) Validate() error {
	if err := c.ValidateInstance(); err != nil {
		return err
	}
	if c.CollectionID == "" {
		return ValidationError{Field: "COLLECTION_ID", Message: "collection id is required"}
	}
	if c.EnvironmentID == "" {
		return ValidationError{Field: "ENVIRONMENT_ID", Message: "environment id is required"}
	}
	if !c.LiveUpdates && c.BootstrapFile == "" {
		return ValidationError{
			Field:   "BOOTSTRAP_FILE",
			Message: "a bootstrap file is required when LIVE_UPDATES is false",
		}
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"FETCH_RETRY_INTERVAL", c.FetchRetryInterval},
		{"SOCKET_RETRY_DELAY", c.SocketRetryDelay},
		{"PROBE_INTERVAL", c.ProbeInterval},
		{"PROBE_TIMEOUT", c.ProbeTimeout},
		{"HTTP_TIMEOUT", c.HTTPTimeout},
		{"METERING_INTERVAL", c.MeteringInterval},
		{"METERING_RETRY_DELAY", c.MeteringRetryDelay},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return ValidationError{Field: d.field, Message: fmt.Sprintf("must be positive, got %s", d.value)}
		}
	}

	if c.MeteringBatchLimit <= 0 {
		return ValidationError{
			Field:   "METERING_BATCH_LIMIT",
			Message: fmt.Sprintf("must be positive, got %d", c.MeteringBatchLimit),
		}
	}
	return nil
}
