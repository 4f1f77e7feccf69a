package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/vkaxevo/headersync/pkg/clickhouse"
	"github.com/vkaxevo/headersync/pkg/queue"
)

// Config holds all configuration for the headersyncd application.
type Config struct {
	// Application settings
	Verbose bool

	// Sync settings
	Network      string
	CoreGRPCAddr string
	Start        uint32
	End          uint32
	Follow       bool

	// Reader tuning
	MaxRetries         uint32
	MaxParallelStreams uint32
	TargetBatchSize    uint32
	RetryBackoff       time.Duration

	// Sink settings
	Kafka              queue.KafkaConfig
	ClickHouse         clickhouse.Config
	HeadersTable       string
	CheckpointTable    string
	CheckpointInterval time.Duration

	// Metrics settings
	MetricsHost string
	MetricsPort int
	Environment string
	Region      string
}

// MetricsAddr returns the formatted metrics address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// buildConfig builds a Config from CLI flags and the environment. A local
// .env file is honored when present.
func buildConfig(c *cli.Context) (*Config, error) {
	_ = godotenv.Load()

	kafkaCfg, err := queue.LoadKafkaConfig()
	if err != nil {
		return nil, err
	}
	chCfg, err := clickhouse.Load()
	if err != nil {
		return nil, err
	}

	return &Config{
		Verbose:            c.Bool("verbose"),
		Network:            c.String("network"),
		CoreGRPCAddr:       c.String("core-grpc-addr"),
		Start:              uint32(c.Uint64("start-height")),
		End:                uint32(c.Uint64("end-height")),
		Follow:             c.Bool("follow"),
		MaxRetries:         uint32(c.Uint64("max-retries")),
		MaxParallelStreams: uint32(c.Uint64("max-parallel-streams")),
		TargetBatchSize:    uint32(c.Uint64("target-batch-size")),
		RetryBackoff:       c.Duration("retry-backoff"),
		Kafka:              kafkaCfg,
		ClickHouse:         chCfg,
		HeadersTable:       c.String("headers-table"),
		CheckpointTable:    c.String("checkpoint-table"),
		CheckpointInterval: c.Duration("checkpoint-interval"),
		MetricsHost:        c.String("metrics-host"),
		MetricsPort:        c.Int("metrics-port"),
		Environment:        c.String("environment"),
		Region:             c.String("region"),
	}, nil
}
