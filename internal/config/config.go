package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string `validate:"required"`
	AuthToken string
	// Mode selects the served surfaces: http, mcp or both.
	Mode string `validate:"oneof=http mcp both"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn warning error"`
	Format string `validate:"oneof=text json"`
}

// SchedulerConfig holds the task manager settings.
type SchedulerConfig struct {
	MaxConcurrent     int           `validate:"min=1,max=1024"`
	PollInterval      time.Duration `validate:"gt=0"`
	ErrorBackoff      time.Duration `validate:"gt=0"`
	DefaultMaxRetries int           `validate:"min=0,max=100"`
	// DefaultTimeout is in seconds; zero disables the deadline.
	DefaultTimeout int           `validate:"min=0"`
	RecentWindow   time.Duration `validate:"gt=0"`
	AllowCommands  bool
}

// MaintenanceConfig controls the periodic cleanup of finished tasks.
type MaintenanceConfig struct {
	CleanupCron   string `validate:"required"`
	RetentionDays int    `validate:"min=1"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `validate:"omitempty,url"`
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Scheduler    SchedulerConfig
	Maintenance  MaintenanceConfig
	Notification NotificationConfig

	StateDir      string
	ShutdownGrace time.Duration `validate:"gt=0"`
}

const (
	defaultAddr          = "127.0.0.1:7070"
	defaultMode          = "http"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultMaxConcurrent = 5
	defaultPollInterval  = time.Second
	defaultErrorBackoff  = 5 * time.Second
	defaultMaxRetries    = 3
	defaultTimeout       = 3600
	defaultRecentWindow  = 24 * time.Hour
	defaultCleanupCron   = "0 3 * * *"
	defaultRetentionDays = 30
	defaultShutdownGrace = 10 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads the process flags and environment into Config.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskmgr", ".env"))
	}
	loadEnvFiles(envFiles...)
	return Load(os.Args[1:])
}

// loadEnvFiles loads the files that exist. Variables already set win.
func loadEnvFiles(files ...string) {
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// Load builds the config from the environment and args.
// Priority: CLI flags > environment variables > .env file > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("TASKMGR_ADDR", defaultAddr),
			AuthToken: getEnvString("TASKMGR_AUTH_TOKEN", ""),
			Mode:      getEnvString("TASKMGR_MODE", defaultMode),
		},
		Log: LogConfig{
			Level:  getEnvString("TASKMGR_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("TASKMGR_LOG_FORMAT", defaultLogFormat),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:     getEnvInt("TASKMGR_MAX_CONCURRENT", defaultMaxConcurrent),
			PollInterval:      getEnvDuration("TASKMGR_POLL_INTERVAL", defaultPollInterval),
			ErrorBackoff:      getEnvDuration("TASKMGR_ERROR_BACKOFF", defaultErrorBackoff),
			DefaultMaxRetries: getEnvInt("TASKMGR_DEFAULT_MAX_RETRIES", defaultMaxRetries),
			DefaultTimeout:    getEnvInt("TASKMGR_DEFAULT_TIMEOUT", defaultTimeout),
			RecentWindow:      getEnvDuration("TASKMGR_RECENT_WINDOW", defaultRecentWindow),
			AllowCommands:     getEnvBool("TASKMGR_ALLOW_COMMANDS", false),
		},
		Maintenance: MaintenanceConfig{
			CleanupCron:   getEnvString("TASKMGR_CLEANUP_CRON", defaultCleanupCron),
			RetentionDays: getEnvInt("TASKMGR_RETENTION_DAYS", defaultRetentionDays),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("TASKMGR_BARK_URL", ""),
				Enabled: getEnvBool("TASKMGR_BARK_ENABLED", false),
			},
		},
		StateDir:      getEnvString("TASKMGR_STATE_DIR", ""),
		ShutdownGrace: getEnvDuration("TASKMGR_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("taskmgrd", flag.ContinueOnError)
	var (
		addr, mode, logLevel, logFormat, stateDir, cleanupCron string
		maxConcurrent, retentionDays                          int
		pollInterval, shutdownGrace                           time.Duration
		allowCommands                                         bool
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Served surfaces: http, mcp or both")
	fs.StringVar(&stateDir, "state-dir", "", "Directory holding the task database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.IntVar(&maxConcurrent, "max-concurrent", 0, "Maximum tasks running at once")
	fs.DurationVar(&pollInterval, "poll-interval", 0, "Scheduler poll interval")
	fs.StringVar(&cleanupCron, "cleanup-cron", "", "5-field cron expression for the cleanup of finished tasks")
	fs.IntVar(&retentionDays, "retention-days", 0, "Days finished tasks are kept")
	fs.BoolVar(&allowCommands, "allow-commands", false, "Register the shell command handler")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if cleanupCron != "" {
		cfg.Maintenance.CleanupCron = cleanupCron
	}
	// Zero-valued and bool flags only apply when set explicitly.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-concurrent":
			cfg.Scheduler.MaxConcurrent = maxConcurrent
		case "poll-interval":
			cfg.Scheduler.PollInterval = pollInterval
		case "retention-days":
			cfg.Maintenance.RetentionDays = retentionDays
		case "allow-commands":
			cfg.Scheduler.AllowCommands = allowCommands
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and reports the first offending field.
func (c *Config) Validate() error {
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return errors.New("invalid config: bark is enabled but TASKMGR_BARK_URL is empty")
	}
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("invalid config: %w", err)
}

// Retention is the maintenance retention as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Maintenance.RetentionDays) * 24 * time.Hour
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "taskmgr"), nil
}
