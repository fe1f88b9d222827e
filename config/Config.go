package config

import (
	"fmt"
	"time"

	"github.com/mohitkumar/chatflow/analytics"
)

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"
const STORAGE_TYPE_POSTGRES StorageType = "postgres"

type EncoderDecoderType string

const JSON_ENCODER_DECODER EncoderDecoderType = "JSON"

type Config struct {
	RedisConfig        RedisStorageConfig
	PostgresConfig     PostgresStorageConfig
	HttpPort           int
	StorageType        StorageType
	EncoderDecoderType EncoderDecoderType
	Partitions         int
	BatchSize          int
	LockStripes        int
	TimeoutConfig      TimeoutConfig
	FlowCacheTTL       time.Duration
	ConnectorConfig    ConnectorConfig
	AnalyticsConfig    analytics.DataCollectorConfig
	LogLevel           string
	Development        bool
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
	Password  string
	PoolSize  int
}

type PostgresStorageConfig struct {
	DSN          string
	EnsureSchema bool
}

type TimeoutConfig struct {
	// applied to waits whose node sets no timeoutSeconds
	WaitTimeout   time.Duration
	PollInterval  time.Duration
	Parallel      int
	ScriptTimeout time.Duration
}

type ConnectorConfig struct {
	MessageServiceURL string
	FormServiceURL    string
	Timeout           time.Duration
	MaxRetries        int
	RetryInterval     time.Duration
}

func (c Config) Validate() error {
	switch c.StorageType {
	case STORAGE_TYPE_REDIS:
		if len(c.RedisConfig.Addrs) == 0 || c.RedisConfig.Addrs[0] == "" {
			return fmt.Errorf("redis storage needs at least one address")
		}
	case STORAGE_TYPE_POSTGRES:
		if c.PostgresConfig.DSN == "" {
			return fmt.Errorf("postgres storage needs a dsn")
		}
	case STORAGE_TYPE_INMEM:
	default:
		return fmt.Errorf("unsupported storage implementation %q", c.StorageType)
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.HttpPort < 0 {
		return fmt.Errorf("invalid http port %d", c.HttpPort)
	}
	return nil
}
