package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	BusBox   BusBoxConfig   `yaml:"busbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (c DatabaseConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

type KafkaConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	StateChangedTopicName string `yaml:"state_changed_topic_name"`
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type BusBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	StorageDriver      string `yaml:"storage_driver"` // "postgres" | "memory"
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	ConflictBufferMinutes   int `yaml:"conflict_buffer_minutes"`
	MinLeadMinutes          int `yaml:"min_lead_minutes"`
	CurrentStateTTLSeconds  int `yaml:"current_state_ttl_seconds"`
	ActorRateLimitPerMinute int `yaml:"actor_rate_limit_per_minute"`

	RelayPollIntervalSeconds int `yaml:"relay_poll_interval_seconds"`
	RelayBatchSize           int `yaml:"relay_batch_size"`
	RelayConcurrency         int `yaml:"relay_concurrency"`
	RelayLeaseSeconds        int `yaml:"relay_lease_seconds"`
	RelayRateLimitPerMinute  int `yaml:"relay_rate_limit_per_minute"`

	RelayHTTPAddr string `yaml:"relay_http_addr"`

	// Retry schedule for failed publishes. Unset values fall back to 5/15/30/60 minutes.
	RelayBackoff1Seconds int `yaml:"relay_backoff_1_seconds"`
	RelayBackoff2Seconds int `yaml:"relay_backoff_2_seconds"`
	RelayBackoff3Seconds int `yaml:"relay_backoff_3_seconds"`
	RelayBackoff4Seconds int `yaml:"relay_backoff_4_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
