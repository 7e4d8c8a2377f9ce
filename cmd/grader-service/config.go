package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/common/mq"
	"codegrader/internal/common/storage"
	"codegrader/internal/grader/execution"
	"codegrader/internal/grader/queue"
	"codegrader/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultStatusTTL       = 300 * time.Second
	defaultTestCaseTTL     = 4 * time.Hour

	backendKafka = "kafka"
	backendRedis = "redis"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	AllowOrigins []string      `yaml:"allowOrigins"`
}

// Judge0Config holds sandbox client settings.
type Judge0Config struct {
	BaseURL         string                                `yaml:"baseUrl"`
	APIKey          string                                `yaml:"apiKey"`
	APIHost         string                                `yaml:"apiHost"`
	AuthHeader      string                                `yaml:"authHeader"`
	Timeout         time.Duration                         `yaml:"timeout"`
	PollInitial     time.Duration                         `yaml:"pollInitial"`
	PollMax         time.Duration                         `yaml:"pollMax"`
	MinPollAttempts int                                   `yaml:"minPollAttempts"`
	Limits          map[execution.Family]execution.Limits `yaml:"limits"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
	MaxWait      time.Duration `yaml:"maxWait"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
}

// StreamConfig holds Redis Streams settings.
type StreamConfig struct {
	Consumer  string        `yaml:"consumer"`
	Block     time.Duration `yaml:"block"`
	ClaimIdle time.Duration `yaml:"claimIdle"`
	MaxLen    int64         `yaml:"maxLen"`
}

// ConcurrencyConfig holds worker slots per queue.
type ConcurrencyConfig struct {
	Run         int `yaml:"run"`
	Submission  int `yaml:"submission"`
	Persistence int `yaml:"persistence"`
}

// QueueConfig selects the queue backend and per-queue job policies.
type QueueConfig struct {
	Backend       string                      `yaml:"backend"`
	Kafka         KafkaConfig                 `yaml:"kafka"`
	Stream        StreamConfig                `yaml:"stream"`
	MaxRetryDelay time.Duration               `yaml:"maxRetryDelay"`
	Options       map[string]queue.JobOptions `yaml:"options"`
	Concurrency   ConcurrencyConfig           `yaml:"concurrency"`
}

// TestCaseConfig holds test case bundle settings.
type TestCaseConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	EmptyTTL       time.Duration `yaml:"emptyTTL"`
	FetchWorkers   int           `yaml:"fetchWorkers"`
	MaxObjectBytes int64         `yaml:"maxObjectBytes"`
}

// GraderConfig holds worker tuning.
type GraderConfig struct {
	StatusTTL      time.Duration `yaml:"statusTTL"`
	BatchSize      int           `yaml:"batchSize"`
	BatchesPerWave int           `yaml:"batchesPerWave"`
	PersistRetries int           `yaml:"persistRetries"`
	PersistBackoff time.Duration `yaml:"persistBackoff"`
}

// AppConfig holds grader-service config.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Judge0    Judge0Config        `yaml:"judge0"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	Database  db.Config           `yaml:"database"`
	Queue     QueueConfig         `yaml:"queue"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	TestCases TestCaseConfig      `yaml:"testCases"`
	Grader    GraderConfig        `yaml:"grader"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Judge0.BaseURL == "" {
		return nil, fmt.Errorf("judge0 baseUrl is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	applyRedisDefaults(&cfg.Redis)
	cfg.Database.ApplyDefaults()
	if err := applyQueueDefaults(&cfg.Queue); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Grader.StatusTTL == 0 {
		cfg.Grader.StatusTTL = defaultStatusTTL
	}
	if cfg.TestCases.TTL == 0 {
		cfg.TestCases.TTL = defaultTestCaseTTL
	}
	return &cfg, nil
}

func applyQueueDefaults(cfg *QueueConfig) error {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = backendRedis
	}
	switch cfg.Backend {
	case backendRedis:
	case backendKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue kafka brokers are required")
		}
	default:
		return fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
	if cfg.Concurrency.Run <= 0 {
		cfg.Concurrency.Run = 5
	}
	if cfg.Concurrency.Submission <= 0 {
		cfg.Concurrency.Submission = 5
	}
	if cfg.Concurrency.Persistence <= 0 {
		cfg.Concurrency.Persistence = 3
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = time.Minute
	}
	return nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
}

func (s StreamConfig) toMQConfig() mq.RedisStreamConfig {
	return mq.RedisStreamConfig{
		Consumer:  s.Consumer,
		Block:     s.Block,
		ClaimIdle: s.ClaimIdle,
		MaxLen:    s.MaxLen,
	}
}

func (j Judge0Config) toClientConfig() execution.Config {
	return execution.Config{
		BaseURL:         j.BaseURL,
		APIKey:          j.APIKey,
		APIHost:         j.APIHost,
		AuthHeader:      j.AuthHeader,
		Timeout:         j.Timeout,
		PollInitial:     j.PollInitial,
		PollMax:         j.PollMax,
		MinPollAttempts: j.MinPollAttempts,
		Limits:          execution.LimitTable{Families: j.Limits},
	}
}
