package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-incidents/internal/cache"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/sla"
)

const envPrefix = "MIRADOR_INCIDENTS_"

// Config captures every setting needed to boot the incident engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Incidents IncidentsConfig `yaml:"incidents"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Locks     LocksConfig     `yaml:"locks"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	// MaxRecvMsgBytes must fit a full ingest batch.
	MaxRecvMsgBytes int `yaml:"maxRecvMsgBytes"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// IncidentsConfig tunes correlation, SLA and auto-resolution.
type IncidentsConfig struct {
	SLAThreshold     time.Duration            `yaml:"slaThreshold"`
	SLABySeverity    map[string]time.Duration `yaml:"slaBySeverity,omitempty"`
	AutoResolveAfter time.Duration            `yaml:"autoResolveAfter"`
	SweepInterval    time.Duration            `yaml:"sweepInterval"`
	MaxMergeRetries  int                      `yaml:"maxMergeRetries"`
	MaxAffected      int                      `yaml:"maxAffected"`
	RulesPath        string                   `yaml:"rulesPath"`
}

// AnalyticsConfig tunes aggregation queries.
type AnalyticsConfig struct {
	DefaultGranularity string        `yaml:"defaultGranularity"`
	Timezone           string        `yaml:"timezone"`
	CacheTTL           time.Duration `yaml:"cacheTTL"`
}

// StoreConfig bounds the in-memory stores.
type StoreConfig struct {
	MaxLogs          int           `yaml:"maxLogs"`
	OperationTimeout time.Duration `yaml:"operationTimeout"`
	SnapshotPath     string        `yaml:"snapshotPath"`
	Retention        time.Duration `yaml:"retention"`
}

// CacheConfig controls the Valkey connection shared by analytics caching and
// distributed locks.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// LocksConfig enables cross-replica correlation-key locks via the cache.
type LocksConfig struct {
	Distributed   bool          `yaml:"distributed"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retryInterval"`
}

// IngestConfig configures asynchronous event sources.
type IngestConfig struct {
	Kafka KafkaConsumerConfig `yaml:"kafka"`
}

// KafkaConsumerConfig configures the log topic consumer.
type KafkaConsumerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupID"`
}

// NotifyConfig configures incident lifecycle notification sinks.
type NotifyConfig struct {
	Timeout time.Duration       `yaml:"timeout"`
	Kafka   KafkaNotifierConfig `yaml:"kafka"`
	NATS    NATSConfig          `yaml:"nats"`
	Webhook WebhookConfig       `yaml:"webhook"`
}

type KafkaNotifierConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

type WebhookConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			MaxRecvMsgBytes: 64 << 20,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Incidents: IncidentsConfig{
			SLAThreshold:     sla.DefaultThreshold,
			AutoResolveAfter: 60 * time.Minute,
			SweepInterval:    time.Minute,
			MaxMergeRetries:  5,
			MaxAffected:      1000,
		},
		Analytics: AnalyticsConfig{
			DefaultGranularity: string(models.GranularityHour),
			Timezone:           "UTC",
			CacheTTL:           30 * time.Second,
		},
		Store: StoreConfig{
			MaxLogs:          100000,
			OperationTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:      false,
			KeyPrefix:    "mirador:incidents:",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Locks: LocksConfig{
			Prefix:        "lock:",
			TTL:           30 * time.Second,
			RetryInterval: 25 * time.Millisecond,
		},
		Ingest: IngestConfig{
			Kafka: KafkaConsumerConfig{Topic: "mirador.logs", GroupID: "mirador-incidents"},
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
			Kafka:   KafkaNotifierConfig{Topic: "mirador.incidents"},
			NATS:    NATSConfig{SubjectPrefix: "incidents"},
			Webhook: WebhookConfig{Timeout: 5 * time.Second},
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"incidents.slaThreshold":     c.Incidents.SLAThreshold,
		"incidents.autoResolveAfter": c.Incidents.AutoResolveAfter,
		"incidents.sweepInterval":    c.Incidents.SweepInterval,
		"store.operationTimeout":     c.Store.OperationTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Server.MaxRecvMsgBytes <= 0 {
		errs = append(errs, errors.New("server.maxRecvMsgBytes must be positive"))
	}
	if c.Incidents.MaxMergeRetries <= 0 {
		errs = append(errs, errors.New("incidents.maxMergeRetries must be positive"))
	}
	if _, err := c.Incidents.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Analytics.Granularity(); err != nil {
		errs = append(errs, fmt.Errorf("analytics.defaultGranularity: %w", err))
	}
	if _, err := c.Analytics.Location(); err != nil {
		errs = append(errs, fmt.Errorf("analytics.timezone: %w", err))
	}
	if c.Analytics.CacheTTL < 0 || c.Store.Retention < 0 {
		errs = append(errs, errors.New("analytics.cacheTTL and store.retention must not be negative"))
	}
	if c.Locks.Distributed && !c.Cache.Enabled {
		errs = append(errs, errors.New("locks.distributed requires cache.enabled"))
	}
	if c.Ingest.Kafka.Enabled && (len(c.Ingest.Kafka.Brokers) == 0 || c.Ingest.Kafka.Topic == "") {
		errs = append(errs, errors.New("ingest.kafka requires brokers and topic"))
	}
	if c.Notify.Kafka.Enabled && (len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "") {
		errs = append(errs, errors.New("notify.kafka requires brokers and topic"))
	}
	if c.Notify.NATS.Enabled && c.Notify.NATS.URL == "" {
		errs = append(errs, errors.New("notify.nats requires url"))
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		errs = append(errs, errors.New("notify.webhook requires url"))
	}
	return errors.Join(errs...)
}

// Policy converts the SLA settings into an sla.Policy.
func (c IncidentsConfig) Policy() (sla.Policy, error) {
	policy := sla.Policy{Default: c.SLAThreshold}
	if len(c.SLABySeverity) == 0 {
		return policy, nil
	}
	policy.BySeverity = make(map[models.Severity]time.Duration, len(c.SLABySeverity))
	for name, d := range c.SLABySeverity {
		sev, err := models.ParseSeverity(name)
		if err != nil {
			return sla.Policy{}, fmt.Errorf("incidents.slaBySeverity: %w", err)
		}
		if d <= 0 {
			return sla.Policy{}, fmt.Errorf("incidents.slaBySeverity.%s must be positive", name)
		}
		policy.BySeverity[sev] = d
	}
	return policy, nil
}

// Granularity parses the default trend granularity.
func (c AnalyticsConfig) Granularity() (models.Granularity, error) {
	return models.ParseGranularity(c.DefaultGranularity)
}

// Location loads the bucketing timezone.
func (c AnalyticsConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Valkey converts the cache settings for cache.NewValkeyProvider.
func (c CacheConfig) Valkey() cache.ValkeyConfig {
	return cache.ValkeyConfig{
		Addr:         c.Addr,
		KeyPrefix:    c.KeyPrefix,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		MaxRetries:   c.MaxRetries,
		TLS:          c.TLS,
	}
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Cache.Password != "" {
		c.Cache.Password = "********"
	}
	if len(c.Notify.Webhook.Headers) > 0 {
		headers := make(map[string]string, len(c.Notify.Webhook.Headers))
		for k := range c.Notify.Webhook.Headers {
			headers[k] = "********"
		}
		c.Notify.Webhook.Headers = headers
	}
	return c
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Address, "SERVER_ADDRESS")
	setString(&cfg.Server.MetricsAddress, "METRICS_ADDRESS")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}

	setDuration(&cfg.Incidents.SLAThreshold, "SLA_THRESHOLD")
	setDuration(&cfg.Incidents.AutoResolveAfter, "AUTO_RESOLVE_AFTER")
	setDuration(&cfg.Incidents.SweepInterval, "SWEEP_INTERVAL")
	setInt(&cfg.Incidents.MaxMergeRetries, "MAX_MERGE_RETRIES")
	setInt(&cfg.Incidents.MaxAffected, "MAX_AFFECTED")
	setString(&cfg.Incidents.RulesPath, "RULES_PATH")

	setString(&cfg.Analytics.DefaultGranularity, "TREND_GRANULARITY")
	setString(&cfg.Analytics.Timezone, "TIMEZONE")
	setDuration(&cfg.Analytics.CacheTTL, "ANALYTICS_CACHE_TTL")

	setInt(&cfg.Store.MaxLogs, "MAX_LOGS")
	setDuration(&cfg.Store.OperationTimeout, "STORE_TIMEOUT")
	setString(&cfg.Store.SnapshotPath, "SNAPSHOT_PATH")
	setDuration(&cfg.Store.Retention, "LOG_RETENTION")

	setBool(&cfg.Cache.Enabled, "CACHE_ENABLED")
	setString(&cfg.Cache.Addr, "CACHE_ADDR")
	setString(&cfg.Cache.Username, "CACHE_USERNAME")
	setString(&cfg.Cache.Password, "CACHE_PASSWORD")
	setInt(&cfg.Cache.DB, "CACHE_DB")
	setBool(&cfg.Cache.TLS, "CACHE_TLS")
	setDuration(&cfg.Cache.DialTimeout, "CACHE_DIAL_TIMEOUT")
	setDuration(&cfg.Cache.ReadTimeout, "CACHE_READ_TIMEOUT")
	setDuration(&cfg.Cache.WriteTimeout, "CACHE_WRITE_TIMEOUT")
	setInt(&cfg.Cache.MaxRetries, "CACHE_MAX_RETRIES")

	setBool(&cfg.Locks.Distributed, "DISTRIBUTED_LOCKS")

	setBool(&cfg.Ingest.Kafka.Enabled, "KAFKA_INGEST_ENABLED")
	setList(&cfg.Ingest.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&cfg.Ingest.Kafka.Topic, "KAFKA_INGEST_TOPIC")
	setString(&cfg.Ingest.Kafka.GroupID, "KAFKA_GROUP_ID")

	setBool(&cfg.Notify.Kafka.Enabled, "KAFKA_NOTIFY_ENABLED")
	setList(&cfg.Notify.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&cfg.Notify.Kafka.Topic, "KAFKA_NOTIFY_TOPIC")
	setBool(&cfg.Notify.NATS.Enabled, "NATS_ENABLED")
	setString(&cfg.Notify.NATS.URL, "NATS_URL")
	setBool(&cfg.Notify.Webhook.Enabled, "WEBHOOK_ENABLED")
	setString(&cfg.Notify.Webhook.URL, "WEBHOOK_URL")
}

func setString(dst *string, name string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, name string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, name string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setList(dst *[]string, name string) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
