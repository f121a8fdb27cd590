package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultSyncInterval    = 5 * time.Minute
	DefaultBatchSize       = 50
	DefaultMaxAttempts     = 3
	DefaultRetryDelay      = 250 * time.Millisecond
	DefaultRetryBackoff    = time.Second
	DefaultRetryBackoffMax = 30 * time.Second
	DefaultHistorySize     = 1000
	DefaultQueueCapacity   = 1024
	DefaultDataDir         = ".relaysync"
)

// Config is the full runtime configuration of a relaysync process.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	MappingsFile string        `yaml:"mappings_file"`
	Sync         SyncConfig    `yaml:"sync"`
	Storage      StorageConfig `yaml:"storage"`
	Stores       StoresConfig  `yaml:"stores"`
	HTTP         HTTPConfig    `yaml:"http"`
	NATS         NATSConfig    `yaml:"nats"`
	Logging      LoggingConfig `yaml:"logging"`
}

type SyncConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Realtime        bool          `yaml:"realtime"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	HistorySize     int           `yaml:"history_size"`
}

// StorageConfig selects the ledger and retry queue backends. Explicit DSNs win over the
// defaults implied by Profile.
type StorageConfig struct {
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	LedgerDSN     string `yaml:"ledger_dsn"`
	RetryQueueDSN string `yaml:"retry_queue_dsn"`
	ProductionDSN string `yaml:"production_dsn"`
}

type StoresConfig struct {
	// Memory backs every store kind without a configured connection by an in-process
	// adapter. Useful for demos and local development.
	Memory   bool           `yaml:"memory"`
	Postgres PostgresConfig `yaml:"postgres"`
	Notion   NotionConfig   `yaml:"notion"`
	Neo4j    Neo4jConfig    `yaml:"neo4j"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

type NotionConfig struct {
	Token      string        `yaml:"token"`
	BaseURL    string        `yaml:"base_url"`
	APIVersion string        `yaml:"api_version"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

type Neo4jConfig struct {
	URI          string `yaml:"uri"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

type HTTPConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	WebhookMaxSkew  time.Duration `yaml:"webhook_max_skew"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when neither a file nor the environment
// says otherwise.
func Default() Config {
	return Config{
		ListenAddr:   DefaultListenAddr,
		MappingsFile: "mappings.yaml",
		Sync: SyncConfig{
			Interval:        DefaultSyncInterval,
			BatchSize:       DefaultBatchSize,
			MaxAttempts:     DefaultMaxAttempts,
			Realtime:        true,
			RetryDelay:      DefaultRetryDelay,
			RetryBackoff:    DefaultRetryBackoff,
			RetryBackoffMax: DefaultRetryBackoffMax,
			QueueCapacity:   DefaultQueueCapacity,
			HistorySize:     DefaultHistorySize,
		},
		Storage: StorageConfig{DataDir: DefaultDataDir},
		Stores: StoresConfig{
			Notion: NotionConfig{MaxRetries: 3, Timeout: 15 * time.Second},
		},
		HTTP: HTTPConfig{
			WebhookMaxSkew:  5 * time.Minute,
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: "relaysync.events",
			MaxReconnect:  -1,
			ReconnectWait: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies RELAYSYNC_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string, logger logrus.FieldLogger) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg, logger)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg from RELAYSYNC_* variables. Unparseable values are logged and
// the current value is kept.
func ApplyEnv(cfg *Config, logger logrus.FieldLogger) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	env := envReader{logger: logger}

	cfg.ListenAddr = env.str("RELAYSYNC_ADDR", cfg.ListenAddr)
	cfg.MappingsFile = env.str("RELAYSYNC_MAPPINGS", cfg.MappingsFile)

	cfg.Sync.Interval = env.duration("RELAYSYNC_SYNC_INTERVAL", cfg.Sync.Interval)
	cfg.Sync.BatchSize = env.integer("RELAYSYNC_BATCH_SIZE", cfg.Sync.BatchSize)
	cfg.Sync.MaxAttempts = env.integer("RELAYSYNC_MAX_ATTEMPTS", cfg.Sync.MaxAttempts)
	cfg.Sync.Realtime = env.boolean("RELAYSYNC_REALTIME", cfg.Sync.Realtime)
	cfg.Sync.RetryDelay = env.duration("RELAYSYNC_RETRY_DELAY", cfg.Sync.RetryDelay)
	cfg.Sync.RetryBackoff = env.duration("RELAYSYNC_RETRY_BACKOFF", cfg.Sync.RetryBackoff)
	cfg.Sync.RetryBackoffMax = env.duration("RELAYSYNC_RETRY_BACKOFF_MAX", cfg.Sync.RetryBackoffMax)
	cfg.Sync.QueueCapacity = env.integer("RELAYSYNC_RETRY_QUEUE_CAPACITY", cfg.Sync.QueueCapacity)
	cfg.Sync.HistorySize = env.integer("RELAYSYNC_HISTORY_SIZE", cfg.Sync.HistorySize)

	cfg.Storage.Profile = env.str("RELAYSYNC_BACKEND_PROFILE", cfg.Storage.Profile)
	cfg.Storage.DataDir = env.str("RELAYSYNC_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.LedgerDSN = env.str("RELAYSYNC_LEDGER_DSN", cfg.Storage.LedgerDSN)
	cfg.Storage.RetryQueueDSN = env.str("RELAYSYNC_RETRY_QUEUE_DSN", cfg.Storage.RetryQueueDSN)
	cfg.Storage.ProductionDSN = env.str("RELAYSYNC_PRODUCTION_DSN", cfg.Storage.ProductionDSN)

	cfg.Stores.Memory = env.boolean("RELAYSYNC_MEMORY_STORES", cfg.Stores.Memory)
	cfg.Stores.Postgres.DSN = env.str("RELAYSYNC_POSTGRES_DSN", cfg.Stores.Postgres.DSN)
	cfg.Stores.Notion.Token = env.str("RELAYSYNC_NOTION_TOKEN", cfg.Stores.Notion.Token)
	cfg.Stores.Notion.BaseURL = env.str("RELAYSYNC_NOTION_BASE_URL", cfg.Stores.Notion.BaseURL)
	cfg.Stores.Neo4j.URI = env.str("RELAYSYNC_NEO4J_URI", cfg.Stores.Neo4j.URI)
	cfg.Stores.Neo4j.Username = env.str("RELAYSYNC_NEO4J_USER", cfg.Stores.Neo4j.Username)
	cfg.Stores.Neo4j.Password = env.str("RELAYSYNC_NEO4J_PASSWORD", cfg.Stores.Neo4j.Password)
	cfg.Stores.Neo4j.Database = env.str("RELAYSYNC_NEO4J_DATABASE", cfg.Stores.Neo4j.Database)

	cfg.HTTP.JWTSecret = env.str("RELAYSYNC_JWT_SECRET", cfg.HTTP.JWTSecret)
	cfg.HTTP.WebhookSecret = env.str("RELAYSYNC_WEBHOOK_SECRET", cfg.HTTP.WebhookSecret)
	cfg.HTTP.RateLimitMax = env.integer("RELAYSYNC_RATE_LIMIT_MAX", cfg.HTTP.RateLimitMax)
	cfg.HTTP.RateLimitWindow = env.duration("RELAYSYNC_RATE_LIMIT_WINDOW", cfg.HTTP.RateLimitWindow)
	cfg.HTTP.MaxBodyBytes = env.int64("RELAYSYNC_MAX_BODY_BYTES", cfg.HTTP.MaxBodyBytes)

	cfg.NATS.URL = env.str("RELAYSYNC_NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = env.str("RELAYSYNC_NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)

	cfg.Logging.Level = env.str("RELAYSYNC_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = env.str("RELAYSYNC_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.File = env.str("RELAYSYNC_LOG_FILE", cfg.Logging.File)
}

type envReader struct {
	logger logrus.FieldLogger
}

func (e envReader) str(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func (e envReader) integer(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) int64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e envReader) boolean(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) invalid(name, raw string, fallback any) {
	e.logger.WithFields(logrus.Fields{
		"variable": name,
		"value":    raw,
		"fallback": fallback,
	}).Warn("invalid environment override, using fallback")
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.ListenAddr) == "" {
		problems = append(problems, "listen_addr is required")
	}
	if strings.TrimSpace(c.MappingsFile) == "" {
		problems = append(problems, "mappings_file is required")
	}
	if c.Sync.Interval < 0 {
		problems = append(problems, "sync.interval must not be negative")
	}
	if c.Sync.BatchSize <= 0 {
		problems = append(problems, "sync.batch_size must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		problems = append(problems, "sync.max_attempts must be positive")
	}
	if c.Sync.RetryBackoff < 0 || c.Sync.RetryBackoffMax < 0 || c.Sync.RetryDelay < 0 {
		problems = append(problems, "sync retry durations must not be negative")
	}
	if c.Sync.QueueCapacity <= 0 {
		problems = append(problems, "sync.queue_capacity must be positive")
	}
	if c.Sync.HistorySize <= 0 {
		problems = append(problems, "sync.history_size must be positive")
	}
	if _, _, err := c.StorageDSNs(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("logging.level: %v", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}
	if count := c.Stores.Configured(); count < 2 {
		problems = append(problems, fmt.Sprintf("at least two stores must be configured, found %d", count))
	}
	if c.HTTP.RateLimitMax < 0 {
		problems = append(problems, "http.rate_limit_max must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Configured counts the store kinds that will get an adapter.
func (s StoresConfig) Configured() int {
	if s.Memory {
		return 3
	}
	count := 0
	if strings.TrimSpace(s.Postgres.DSN) != "" {
		count++
	}
	if strings.TrimSpace(s.Notion.Token) != "" {
		count++
	}
	if strings.TrimSpace(s.Neo4j.URI) != "" {
		count++
	}
	return count
}

// StorageDSNs resolves the ledger and retry queue DSNs. The production profile falls
// back to the relational store's DSN when no dedicated one is set.
func (c Config) StorageDSNs() (ledgerDSN, retryQueueDSN string, err error) {
	storage := c.Storage
	if strings.TrimSpace(storage.ProductionDSN) == "" {
		storage.ProductionDSN = c.Stores.Postgres.DSN
	}
	return storage.DSNs()
}

// DSNs resolves the ledger and retry queue DSNs. Explicit DSNs take precedence over the
// profile defaults.
func (s StorageConfig) DSNs() (ledgerDSN, retryQueueDSN string, err error) {
	profileLedger, profileQueue, err := s.profileDefaults()
	if err != nil {
		return "", "", err
	}
	ledgerDSN = strings.TrimSpace(s.LedgerDSN)
	if ledgerDSN == "" {
		ledgerDSN = profileLedger
	}
	retryQueueDSN = strings.TrimSpace(s.RetryQueueDSN)
	if retryQueueDSN == "" {
		retryQueueDSN = profileQueue
	}
	return ledgerDSN, retryQueueDSN, nil
}

func (s StorageConfig) profileDefaults() (ledgerDSN, retryQueueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(s.Profile))
	dataDir := strings.TrimSpace(s.DataDir)
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(s.ProductionDSN)
		if productionDSN == "" {
			return "", "", fmt.Errorf("storage.production_dsn or stores.postgres.dsn is required when storage.profile=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "ledger.db"),
			"file://" + filepath.Join(dataDir, "retry-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported storage.profile: %s", profile)
	}
}
