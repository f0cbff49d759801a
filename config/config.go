package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every startup knob for the inference core. Scalar settings come
// from environment variables; the static tables (model limits, fallback chains,
// budget windows) can be overlaid from a YAML file via Load or LoadFile.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Models maps a model name to its local quota limits. Zero means
	// unlimited for that dimension.
	Models map[string]ModelLimits `yaml:"models"`

	// Chains maps a task type to its ordered fallback chain of model names.
	Chains map[string][]string `yaml:"chains"`

	Selector SelectorConfig `yaml:"selector"`
	Executor ExecutorConfig `yaml:"executor"`
	Queue    QueueConfig    `yaml:"queue"`
	Cache    CacheConfig    `yaml:"cache"`
	Budget   BudgetConfig   `yaml:"budget"`
	Verify   VerifyConfig   `yaml:"verify"`
	Alerts   AlertConfig    `yaml:"alerts"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// PersistFlushInterval is how often in-memory state (cache entries,
	// metric aggregates) is pushed to the persistence store.
	PersistFlushInterval time.Duration `yaml:"persist_flush_interval"`
}

// ModelLimits holds the locally tracked quota for one model.
type ModelLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerDay    int `yaml:"requests_per_day"`
	TokensPerMinute   int `yaml:"tokens_per_minute"`
	TokensPerDay      int `yaml:"tokens_per_day"`
}

// SelectorConfig holds fallback-selection settings.
type SelectorConfig struct {
	// Optimize switches chain walking to metric-weighted scoring.
	Optimize    bool          `yaml:"optimize"`
	Cooldown    time.Duration `yaml:"cooldown"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// ExecutorConfig holds retry settings.
type ExecutorConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BackoffCap time.Duration `yaml:"backoff_cap"`
}

// QueueConfig holds request-queue settings.
type QueueConfig struct {
	Capacity      int           `yaml:"capacity"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Retention     time.Duration `yaml:"retention"`
}

// CacheConfig holds response-cache settings.
type CacheConfig struct {
	Capacity            int           `yaml:"capacity"`
	DefaultTTL          time.Duration `yaml:"default_ttl"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
}

// BudgetConfig holds the time-of-day budget windows.
type BudgetConfig struct {
	Windows []BudgetWindow `yaml:"windows"`
	// ExceedAction is one of "allow", "queue", "reject".
	ExceedAction string `yaml:"exceed_action"`
}

// BudgetWindow is a named UTC hour range holding a percentage of the daily
// request quota. EndHour is exclusive; ranges may wrap midnight.
type BudgetWindow struct {
	Name      string  `yaml:"name"`
	StartHour int     `yaml:"start_hour"`
	EndHour   int     `yaml:"end_hour"`
	Percent   float64 `yaml:"percent"`
	Peak      bool    `yaml:"peak"`
}

// VerifyConfig holds dual-model verification settings.
type VerifyConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PrimaryModel   string `yaml:"primary_model"`
	SecondaryModel string `yaml:"secondary_model"`
}

// AlertConfig holds the quota-alert loop settings.
type AlertConfig struct {
	// UsageThreshold is the fraction of a daily quota that triggers a
	// warning log, e.g. 0.8.
	UsageThreshold float64       `yaml:"usage_threshold"`
	CheckInterval  time.Duration `yaml:"check_interval"`
}

// RedisConfig holds Redis connection settings for the snapshot store.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
	SnapshotTTL  time.Duration `yaml:"snapshot_ttl"`
}

// DatabaseConfig holds Postgres settings for the metric archive. An empty URL
// disables archival.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// SnapshotConfig holds S3 settings for the daily usage snapshot.
type SnapshotConfig struct {
	Enabled       bool          `yaml:"enabled"`
	S3Bucket      string        `yaml:"s3_bucket"`
	S3Region      string        `yaml:"s3_region"`
	S3Prefix      string        `yaml:"s3_prefix"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}

	return floatVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// Default returns the built-in configuration: three Gemini-tier models, one
// chain per task type, and four budget windows covering the UTC day.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Models: map[string]ModelLimits{
			"gemini-2.5-pro": {
				RequestsPerMinute: 5,
				RequestsPerDay:    100,
				TokensPerMinute:   250_000,
			},
			"gemini-2.5-flash": {
				RequestsPerMinute: 10,
				RequestsPerDay:    250,
				TokensPerMinute:   250_000,
			},
			"gemini-2.5-flash-lite": {
				RequestsPerMinute: 15,
				RequestsPerDay:    1000,
				TokensPerMinute:   250_000,
			},
		},
		Chains: map[string][]string{
			"chat":           {"gemini-2.5-flash", "gemini-2.5-flash-lite"},
			"classification": {"gemini-2.5-flash-lite", "gemini-2.5-flash"},
			"extraction":     {"gemini-2.5-pro", "gemini-2.5-flash"},
			"summarization":  {"gemini-2.5-flash-lite", "gemini-2.5-flash"},
		},
		Selector: SelectorConfig{
			Optimize:    false,
			Cooldown:    60 * time.Second,
			WaitTimeout: 5 * time.Second,
		},
		Executor: ExecutorConfig{
			MaxRetries: 3,
			BackoffCap: 30 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:      200,
			DrainInterval: 3 * time.Second,
			BatchSize:     5,
			Retention:     5 * time.Minute,
		},
		Cache: CacheConfig{
			Capacity:            1000,
			DefaultTTL:          time.Hour,
			SimilarityThreshold: 0.93,
		},
		Budget: BudgetConfig{
			Windows: []BudgetWindow{
				{Name: "night", StartHour: 0, EndHour: 6, Percent: 10},
				{Name: "morning", StartHour: 6, EndHour: 12, Percent: 25},
				{Name: "afternoon", StartHour: 12, EndHour: 18, Percent: 35, Peak: true},
				{Name: "evening", StartHour: 18, EndHour: 24, Percent: 30, Peak: true},
			},
			ExceedAction: "queue",
		},
		Verify: VerifyConfig{
			Enabled:        false,
			PrimaryModel:   "gemini-2.5-pro",
			SecondaryModel: "gemini-2.5-flash",
		},
		Alerts: AlertConfig{
			UsageThreshold: 0.8,
			CheckInterval:  5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Address:      "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyPrefix:    "inference:",
			SnapshotTTL:  48 * time.Hour,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 1 * time.Minute,
			BatchSize:       100,
			FlushInterval:   30 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Enabled:       false,
			S3Region:      "us-east-1",
			S3Prefix:      "inference/",
			UploadTimeout: 60 * time.Second,
		},
		PersistFlushInterval: 5 * time.Minute,
	}
}

// Load builds the configuration from defaults, environment variables, and the
// optional YAML file named by INFERENCE_CONFIG_FILE. A missing file is not an
// error; an unreadable or malformed one is.
func Load() (*Config, error) {
	cfg := Default()

	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)

	cfg.Selector.Optimize = getEnvString("SELECTOR_OPTIMIZE", "false") == "true"
	cfg.Selector.Cooldown = getEnvDuration("SELECTOR_COOLDOWN", cfg.Selector.Cooldown)
	cfg.Selector.WaitTimeout = getEnvDuration("SELECTOR_WAIT_TIMEOUT", cfg.Selector.WaitTimeout)

	cfg.Executor.MaxRetries = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.Executor.MaxRetries)
	cfg.Executor.BackoffCap = getEnvDuration("RETRY_BACKOFF_CAP", cfg.Executor.BackoffCap)

	cfg.Queue.Capacity = getEnvInt("QUEUE_CAPACITY", cfg.Queue.Capacity)
	cfg.Queue.DrainInterval = getEnvDuration("QUEUE_DRAIN_INTERVAL", cfg.Queue.DrainInterval)
	cfg.Queue.BatchSize = getEnvInt("QUEUE_BATCH_SIZE", cfg.Queue.BatchSize)
	cfg.Queue.Retention = getEnvDuration("QUEUE_RETENTION", cfg.Queue.Retention)

	cfg.Cache.Capacity = getEnvInt("CACHE_CAPACITY", cfg.Cache.Capacity)
	cfg.Cache.DefaultTTL = getEnvDuration("CACHE_TTL", cfg.Cache.DefaultTTL)
	cfg.Cache.SimilarityThreshold = getEnvFloat("CACHE_SIMILARITY_THRESHOLD", cfg.Cache.SimilarityThreshold)

	cfg.Budget.ExceedAction = getEnvString("BUDGET_EXCEED_ACTION", cfg.Budget.ExceedAction)

	cfg.Verify.Enabled = getEnvString("VERIFY_ENABLED", "false") == "true"
	cfg.Verify.PrimaryModel = getEnvString("VERIFY_PRIMARY_MODEL", cfg.Verify.PrimaryModel)
	cfg.Verify.SecondaryModel = getEnvString("VERIFY_SECONDARY_MODEL", cfg.Verify.SecondaryModel)

	cfg.Alerts.UsageThreshold = getEnvFloat("ALERT_USAGE_THRESHOLD", cfg.Alerts.UsageThreshold)
	cfg.Alerts.CheckInterval = getEnvDuration("ALERT_CHECK_INTERVAL", cfg.Alerts.CheckInterval)

	cfg.Redis.Enabled = getEnvString("REDIS_ENABLED", "false") == "true"
	cfg.Redis.Address = getEnvString("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.MinIdleConns = getEnvInt("REDIS_MIN_IDLE_CONNS", cfg.Redis.MinIdleConns)
	cfg.Redis.DialTimeout = getEnvDuration("REDIS_DIAL_TIMEOUT", cfg.Redis.DialTimeout)
	cfg.Redis.ReadTimeout = getEnvDuration("REDIS_READ_TIMEOUT", cfg.Redis.ReadTimeout)
	cfg.Redis.WriteTimeout = getEnvDuration("REDIS_WRITE_TIMEOUT", cfg.Redis.WriteTimeout)
	cfg.Redis.KeyPrefix = getEnvString("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)
	cfg.Redis.SnapshotTTL = getEnvDuration("REDIS_SNAPSHOT_TTL", cfg.Redis.SnapshotTTL)

	cfg.Database.URL = getEnvString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)
	cfg.Database.ConnMaxIdleTime = getEnvDuration("DB_CONN_MAX_IDLE_TIME", cfg.Database.ConnMaxIdleTime)
	cfg.Database.BatchSize = getEnvInt("ARCHIVE_BATCH_SIZE", cfg.Database.BatchSize)
	cfg.Database.FlushInterval = getEnvDuration("ARCHIVE_FLUSH_INTERVAL", cfg.Database.FlushInterval)

	cfg.Snapshot.Enabled = getEnvString("SNAPSHOT_ENABLED", "false") == "true"
	cfg.Snapshot.S3Bucket = getEnvString("SNAPSHOT_S3_BUCKET", cfg.Snapshot.S3Bucket)
	cfg.Snapshot.S3Region = getEnvString("SNAPSHOT_S3_REGION", cfg.Snapshot.S3Region)
	cfg.Snapshot.S3Prefix = getEnvString("SNAPSHOT_S3_PREFIX", cfg.Snapshot.S3Prefix)
	cfg.Snapshot.UploadTimeout = getEnvDuration("SNAPSHOT_UPLOAD_TIMEOUT", cfg.Snapshot.UploadTimeout)

	cfg.PersistFlushInterval = getEnvDuration("PERSIST_FLUSH_INTERVAL", cfg.PersistFlushInterval)

	if path := os.Getenv("INFERENCE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path, true); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoadFile is Load with an explicit YAML file path; the file must exist.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.applyFile(path, false); err != nil {
		return nil, err
	}
	return cfg, nil
}
