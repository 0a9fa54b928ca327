// Package config provides configuration loading, validation, and defaults
// for the taskline service. Values come from config.yaml and TASKLINE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines all runtime settings.
type Config struct {
	Logger       LoggerConfig        `mapstructure:"logger"`
	Server       ServerConfig        `mapstructure:"server"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Platform     PlatformConfig      `mapstructure:"platform"`
	Extract      ExtractConfig       `mapstructure:"extract"`
	Queue        QueueConfig         `mapstructure:"queue"`
	Notify       NotifyConfig        `mapstructure:"notify"`
	Scheduler    SchedulerConfig     `mapstructure:"scheduler"`
	Integrations []IntegrationConfig `mapstructure:"integrations" validate:"dive"`
}

// IntegrationConfig declares one chat platform integration to provision at
// startup. Quiet-hours bounds must be zero-padded "HH:MM" strings; the
// window comparison depends on their lexicographic ordering.
type IntegrationConfig struct {
	ChannelID         string `mapstructure:"channel_id" validate:"required"`
	ChannelSecret     string `mapstructure:"channel_secret" validate:"required"`
	ChannelToken      string `mapstructure:"channel_token" validate:"required"`
	QuietHoursEnabled bool   `mapstructure:"quiet_hours_enabled"`
	QuietStart        string `mapstructure:"quiet_start" validate:"omitempty,hhmm"`
	QuietEnd          string `mapstructure:"quiet_end" validate:"omitempty,hhmm"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// ServerConfig controls the inbound webhook HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// PublicBaseURL is the externally reachable base used to build the
	// callback URL handed to the platform at registration time.
	PublicBaseURL   string        `mapstructure:"public_base_url" validate:"required,url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// PlatformConfig configures the outbound chat platform API client.
type PlatformConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1s,max=2m"`
}

// ExtractConfig configures the Gemini-backed task extraction client.
type ExtractConfig struct {
	APIKey            string        `mapstructure:"api_key" validate:"required"`
	Model             string        `mapstructure:"model" validate:"required"`
	Temperature       float32       `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelaySeconds int           `mapstructure:"retry_delay_seconds" validate:"min=1,max=120"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"min=1s,max=10m"`
}

// QueueConfig tunes the durable background work queue.
type QueueConfig struct {
	Workers           int           `mapstructure:"workers" validate:"min=1,max=64"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"min=100ms,max=1m"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"min=1,max=20"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" validate:"min=1s,max=10m"`
	JobTimeout        time.Duration `mapstructure:"job_timeout" validate:"min=1s,max=30m"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"min=1m,max=2h"`
}

// NotifyConfig tunes outbound notification dispatch.
type NotifyConfig struct {
	// SendsPerMinute and Burst bound the per-integration outbound rate.
	SendsPerMinute int `mapstructure:"sends_per_minute" validate:"min=1,max=600"`
	Burst          int `mapstructure:"burst" validate:"min=1,max=100"`
	// StaleWebhookAfter is how long without an inbound webhook before a send
	// failure escalates the integration to error status.
	StaleWebhookAfter time.Duration `mapstructure:"stale_webhook_after" validate:"min=1m"`
	// SendFailureWindow is how recent a send failure must be for the
	// scheduled health check to count it toward escalation.
	SendFailureWindow time.Duration `mapstructure:"send_failure_window" validate:"min=1m"`
}

// TaskConfig enables one scheduled task and sets its cron schedule.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig maps task names to their schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ValidQuietHour reports whether s is a zero-padded "HH:MM" string. The
// quiet-hours window comparison relies on lexicographic ordering of this
// exact format, so it is enforced at configuration/setup time.
func ValidQuietHour(s string) bool {
	return hhmmPattern.MatchString(s)
}

// LoadConfig reads configuration from the given YAML file plus TASKLINE_*
// environment variables, applies defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("TASKLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults plus env cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	validate := validator.New()
	if err := validate.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return ValidQuietHour(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register hhmm validator: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("server.addr", ":8080")
	// Registered empty so AutomaticEnv can bind env-only values.
	v.SetDefault("server.public_base_url", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.path", "taskline.db")

	v.SetDefault("platform.base_url", "https://api.line.me")
	v.SetDefault("platform.timeout", 15*time.Second)

	v.SetDefault("extract.api_key", "")
	v.SetDefault("extract.model", "gemini-2.0-flash")
	v.SetDefault("extract.temperature", 0.2)
	v.SetDefault("extract.max_retries", 2)
	v.SetDefault("extract.retry_delay_seconds", 5)
	v.SetDefault("extract.timeout", 2*time.Minute)

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", 10*time.Second)
	v.SetDefault("queue.job_timeout", 5*time.Minute)
	v.SetDefault("queue.visibility_timeout", 15*time.Minute)

	v.SetDefault("notify.sends_per_minute", 60)
	v.SetDefault("notify.burst", 10)
	v.SetDefault("notify.stale_webhook_after", time.Hour)
	v.SetDefault("notify.send_failure_window", 30*time.Minute)

	v.SetDefault("scheduler.tasks.integration_health_check.enabled", true)
	v.SetDefault("scheduler.tasks.integration_health_check.schedule", "0 */10 * * * *")
	v.SetDefault("scheduler.tasks.queue_maintenance.enabled", true)
	v.SetDefault("scheduler.tasks.queue_maintenance.schedule", "30 */5 * * * *")
}
