package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	metadataTimeout = 10 * time.Second
	messageMaxBytes = 2097152 // 2MB; one message carries one transport frame (a full 50k-header batch would be ~8MB hex)
)

// KafkaConfig holds the producer-side Kafka configuration.
type KafkaConfig struct {
	Brokers           string `env:"KAFKA_BROKERS"            envDefault:"localhost:9092"`
	Topic             string `env:"KAFKA_TOPIC"              envDefault:"dash-headers"`
	ClientID          string `env:"KAFKA_CLIENT_ID"          envDefault:"headersync"`
	NumPartitions     int    `env:"KAFKA_NUM_PARTITIONS"     envDefault:"1"`
	ReplicationFactor int    `env:"KAFKA_REPLICATION_FACTOR" envDefault:"1"`

	SASLUsername     string `env:"KAFKA_SASL_USERNAME"`
	SASLPassword     string `env:"KAFKA_SASL_PASSWORD"`
	SASLMechanism    string `env:"KAFKA_SASL_MECHANISM"`
	SecurityProtocol string `env:"KAFKA_SECURITY_PROTOCOL"`
}

// LoadKafkaConfig loads the Kafka configuration from environment variables.
func LoadKafkaConfig() (KafkaConfig, error) {
	var cfg KafkaConfig
	if err := env.Parse(&cfg); err != nil {
		return KafkaConfig{}, fmt.Errorf("failed to parse kafka config: %w", err)
	}
	return cfg, nil
}

// ProducerConfigMap builds the confluent producer configuration.
func (c KafkaConfig) ProducerConfigMap() *kafka.ConfigMap {
	cfg := &kafka.ConfigMap{
		"bootstrap.servers": c.Brokers,
		"client.id":         c.ClientID,

		// Wait for all replicas to acknowledge.
		"acks": "all",

		"linger.ms":        5,
		"batch.size":       16384,
		"compression.type": "lz4",

		"enable.idempotence": true,
		"message.max.bytes":  messageMaxBytes,
	}
	c.applySASL(cfg)
	return cfg
}

// AdminConfigMap builds the admin-client configuration used to ensure the
// topic exists.
func (c KafkaConfig) AdminConfigMap() *kafka.ConfigMap {
	cfg := &kafka.ConfigMap{"bootstrap.servers": c.Brokers}
	c.applySASL(cfg)
	return cfg
}

func (c KafkaConfig) applySASL(cfg *kafka.ConfigMap) {
	if c.SASLMechanism == "" {
		return
	}
	_ = cfg.SetKey("sasl.mechanism", c.SASLMechanism)
	_ = cfg.SetKey("sasl.username", c.SASLUsername)
	_ = cfg.SetKey("sasl.password", c.SASLPassword)
	if c.SecurityProtocol != "" {
		_ = cfg.SetKey("security.protocol", c.SecurityProtocol)
	}
}

// EnsureTopic creates the topic when it does not exist yet. An existing topic
// is left untouched regardless of its partition layout.
func EnsureTopic(ctx context.Context, admin *kafka.AdminClient, cfg KafkaConfig, log *zap.SugaredLogger) error {
	if cfg.Topic == "" {
		return errors.New("topic name cannot be empty")
	}

	metadata, err := admin.GetMetadata(&cfg.Topic, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to get metadata for topic %q: %w", cfg.Topic, err)
	}
	if tm, exists := metadata.Topics[cfg.Topic]; exists && tm.Error.Code() == kafka.ErrNoError {
		log.Infow("topic exists", "topic", cfg.Topic, "partitions", len(tm.Partitions))
		return nil
	}

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             cfg.Topic,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", cfg.Topic, err)
	}
	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %q: %w", result.Topic, result.Error)
		}
	}
	log.Infow("created topic",
		"topic", cfg.Topic,
		"partitions", cfg.NumPartitions,
		"replicationFactor", cfg.ReplicationFactor,
	)
	return nil
}
