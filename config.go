package filequeue

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

// Config represents task queue, work-item queue and worker pool configuration.
type Config struct {
	// Action is the processing stage whose status the queue tracks.
	Action string

	// Batch size for loader (default: 10).
	// Maximum number of rows requested from the backing store per load.
	BatchSize int

	// Maximum number of records current at once (default: 4).
	MaxCurrent int

	// Number of recently finished ids retained (default: 100).
	// Zero disables retention limiting.
	MaxStoredRecords int

	// Poll backoff between empty loads (default: 2s growing to 5s in 10 steps).
	MinSleep   time.Duration
	MaxSleep   time.Duration
	SleepSteps int

	// Loader filters passed to the backing store.
	IncludeSkipped bool
	MinPriority    Priority
	UserScope      string
	RandomOrder    bool

	// Batch size for the work-item loader (default: 10).
	WorkItemBatchSize int

	// AllowRestartableProcessing resets in-flight work items to pending on discard.
	AllowRestartableProcessing bool

	// Buffered transitions awaiting the notification sink (default: 256).
	NotificationBuffer int

	// Number of worker goroutines in a WorkerPool (default: 4).
	Workers int

	// How often a WorkerPool re-reads settings from the backing store (default: 1 minute).
	// Zero disables refreshing after start.
	SettingsRefresh time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Action:             "default",
		BatchSize:          10,
		MaxCurrent:         4,
		MaxStoredRecords:   100,
		MinSleep:           DefaultMinSleep,
		MaxSleep:           DefaultMaxSleep,
		SleepSteps:         DefaultSleepSteps,
		WorkItemBatchSize:  10,
		NotificationBuffer: 256,
		Workers:            4,
		SettingsRefresh:    time.Minute,
	}
}

// LoadConfig loads configuration from environment variables on top of DefaultConfig.
// It reads the following environment variables:
//   - FILEQUEUE_ACTION: Action whose status is tracked (default: "default")
//   - FILEQUEUE_BATCH_SIZE: Rows per backing store load (default: 10)
//   - FILEQUEUE_MAX_CURRENT: Records current at once (default: 4)
//   - FILEQUEUE_MAX_STORED: Finished ids retained, 0 = unlimited (default: 100)
//   - FILEQUEUE_MIN_SLEEP: Minimum poll sleep (default: 2s)
//   - FILEQUEUE_MAX_SLEEP: Maximum poll sleep (default: 5s)
//   - FILEQUEUE_SLEEP_STEPS: Steps between min and max (default: 10)
//   - FILEQUEUE_WORK_ITEM_BATCH_SIZE: Work items per load (default: 10)
//   - FILEQUEUE_RESTARTABLE: Reset in-flight work items on discard (default: false)
//   - FILEQUEUE_WORKERS: Worker goroutines (default: 4)
//   - FILEQUEUE_SETTINGS_REFRESH: Store settings refresh period (default: 1m)
//
// Sleep values can be specified as:
//   - Integer number of milliseconds (e.g., "2000" = 2s)
//   - Duration string (e.g., "2s", "1m30s")
func LoadConfig() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Action = getEnvString("FILEQUEUE_ACTION", cfg.Action)
	cfg.BatchSize = getEnvInt("FILEQUEUE_BATCH_SIZE", cfg.BatchSize)
	cfg.MaxCurrent = getEnvInt("FILEQUEUE_MAX_CURRENT", cfg.MaxCurrent)
	cfg.MaxStoredRecords = getEnvInt("FILEQUEUE_MAX_STORED", cfg.MaxStoredRecords)
	cfg.MinSleep = getEnvDuration("FILEQUEUE_MIN_SLEEP", cfg.MinSleep, time.Millisecond)
	cfg.MaxSleep = getEnvDuration("FILEQUEUE_MAX_SLEEP", cfg.MaxSleep, time.Millisecond)
	cfg.SleepSteps = getEnvInt("FILEQUEUE_SLEEP_STEPS", cfg.SleepSteps)
	cfg.WorkItemBatchSize = getEnvInt("FILEQUEUE_WORK_ITEM_BATCH_SIZE", cfg.WorkItemBatchSize)
	cfg.AllowRestartableProcessing = getEnvBool("FILEQUEUE_RESTARTABLE", cfg.AllowRestartableProcessing)
	cfg.Workers = getEnvInt("FILEQUEUE_WORKERS", cfg.Workers)
	cfg.SettingsRefresh = getEnvDuration("FILEQUEUE_SETTINGS_REFRESH", cfg.SettingsRefresh, time.Millisecond)
}

// fileConfig is the on-disk TOML layout. Durations are integer milliseconds.
type fileConfig struct {
	Action                     string `toml:"action"`
	BatchSize                  int    `toml:"batch_size"`
	MaxCurrent                 int    `toml:"max_current"`
	MaxStoredRecords           int    `toml:"max_stored_records"`
	MinSleepMillis             int64  `toml:"min_sleep_ms"`
	MaxSleepMillis             int64  `toml:"max_sleep_ms"`
	SleepSteps                 int    `toml:"sleep_steps"`
	IncludeSkipped             bool   `toml:"include_skipped"`
	MinPriority                int    `toml:"min_priority"`
	UserScope                  string `toml:"user_scope"`
	RandomOrder                bool   `toml:"random_order"`
	WorkItemBatchSize          int    `toml:"work_item_batch_size"`
	AllowRestartableProcessing bool   `toml:"allow_restartable_processing"`
	NotificationBuffer         int    `toml:"notification_buffer"`
	Workers                    int    `toml:"workers"`
	SettingsRefreshMillis      int64  `toml:"settings_refresh_ms"`
}

// LoadConfigFile reads a TOML configuration file, then applies environment overrides.
// Keys absent from the file keep their defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	fc := fileConfig{
		Action:                     cfg.Action,
		BatchSize:                  cfg.BatchSize,
		MaxCurrent:                 cfg.MaxCurrent,
		MaxStoredRecords:           cfg.MaxStoredRecords,
		MinSleepMillis:             cfg.MinSleep.Milliseconds(),
		MaxSleepMillis:             cfg.MaxSleep.Milliseconds(),
		SleepSteps:                 cfg.SleepSteps,
		WorkItemBatchSize:          cfg.WorkItemBatchSize,
		AllowRestartableProcessing: cfg.AllowRestartableProcessing,
		NotificationBuffer:         cfg.NotificationBuffer,
		Workers:                    cfg.Workers,
		SettingsRefreshMillis:      cfg.SettingsRefresh.Milliseconds(),
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Decode(&fc); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "parse config"), "durations are integer milliseconds, e.g. min_sleep_ms = 2000")
	}

	cfg.Action = fc.Action
	cfg.BatchSize = fc.BatchSize
	cfg.MaxCurrent = fc.MaxCurrent
	cfg.MaxStoredRecords = fc.MaxStoredRecords
	cfg.MinSleep = time.Duration(fc.MinSleepMillis) * time.Millisecond
	cfg.MaxSleep = time.Duration(fc.MaxSleepMillis) * time.Millisecond
	cfg.SleepSteps = fc.SleepSteps
	cfg.IncludeSkipped = fc.IncludeSkipped
	cfg.MinPriority = Priority(fc.MinPriority)
	cfg.UserScope = fc.UserScope
	cfg.RandomOrder = fc.RandomOrder
	cfg.WorkItemBatchSize = fc.WorkItemBatchSize
	cfg.AllowRestartableProcessing = fc.AllowRestartableProcessing
	cfg.NotificationBuffer = fc.NotificationBuffer
	cfg.Workers = fc.Workers
	cfg.SettingsRefresh = time.Duration(fc.SettingsRefreshMillis) * time.Millisecond

	applyEnv(cfg)
	return cfg, nil
}

// ApplyStoreSettings overrides sleep bounds and the restartable-processing flag with
// values stored in the backing store. Unset keys keep the current value; unparseable
// values are logged as configuration errors and ignored.
func ApplyStoreSettings(ctx context.Context, store BackingStore, cfg *Config, logger *slog.Logger) error {
	if logger == nil {
		logger = discardLogger()
	}

	read := func(key string) (string, error) {
		value, err := store.ConfigSetting(ctx, key)
		if err != nil {
			return "", storeUnavailable(err, "read setting %s", key)
		}
		return strings.TrimSpace(value), nil
	}

	for _, setting := range []struct {
		key    string
		target *time.Duration
	}{
		{SettingMinSleepMillis, &cfg.MinSleep},
		{SettingMaxSleepMillis, &cfg.MaxSleep},
	} {
		value, err := read(setting.key)
		if err != nil {
			return err
		}
		if value == "" {
			continue
		}
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			logConfigurationError(logger, &ConfigurationError{
				Setting: setting.key,
				Value:   value,
				Applied: setting.target.String(),
				Reason:  "is not an integer",
			})
			continue
		}
		*setting.target = time.Duration(ms) * time.Millisecond
	}

	value, err := read(SettingAllowRestartableProcess)
	if err != nil {
		return err
	}
	if value != "" {
		flag, err := strconv.ParseBool(value)
		if err != nil {
			logConfigurationError(logger, &ConfigurationError{
				Setting: SettingAllowRestartableProcess,
				Value:   value,
				Applied: strconv.FormatBool(cfg.AllowRestartableProcessing),
				Reason:  "is not a boolean",
			})
		} else {
			cfg.AllowRestartableProcessing = flag
		}
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts a bare integer in unit, or a duration string.
func getEnvDuration(key string, defaultValue, unit time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(n) * unit
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (c *Config) normalized() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	cp := *c
	if cp.BatchSize <= 0 {
		cp.BatchSize = def.BatchSize
	}
	if cp.MaxCurrent <= 0 {
		cp.MaxCurrent = def.MaxCurrent
	}
	if cp.MaxStoredRecords < 0 {
		cp.MaxStoredRecords = 0
	}
	if cp.SleepSteps <= 0 {
		cp.SleepSteps = def.SleepSteps
	}
	if cp.WorkItemBatchSize <= 0 {
		cp.WorkItemBatchSize = def.WorkItemBatchSize
	}
	if cp.NotificationBuffer <= 0 {
		cp.NotificationBuffer = def.NotificationBuffer
	}
	if cp.Workers <= 0 {
		cp.Workers = def.Workers
	}
	return &cp
}
