package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vkaxevo/headersync/pkg/headerstream"
)

// runFlags returns all CLI flags for the run command. Sink settings (Kafka,
// ClickHouse) are environment-only and loaded through their packages.
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "network",
			Aliases: []string{"n"},
			Usage:   "The Dash network being synced (mainnet, testnet, ...)",
			EnvVars: []string{"NETWORK"},
			Value:   "mainnet",
		},
		&cli.StringFlag{
			Name:     "core-grpc-addr",
			Aliases:  []string{"a"},
			Usage:    "The Core gRPC endpoint to stream headers from",
			EnvVars:  []string{"CORE_GRPC_ADDR"},
			Required: true,
		},
		&cli.Uint64Flag{
			Name:    "start-height",
			Aliases: []string{"s"},
			Usage:   "The height to sync from. If not specified, resumes from the latest checkpoint",
			EnvVars: []string{"START_HEIGHT"},
		},
		&cli.Uint64Flag{
			Name:    "end-height",
			Aliases: []string{"e"},
			Usage:   "The height to sync to. If not specified, syncs to the best block height",
			EnvVars: []string{"END_HEIGHT"},
		},
		&cli.BoolFlag{
			Name:    "follow",
			Aliases: []string{"f"},
			Usage:   "Keep following new headers after the historical sync completes",
			EnvVars: []string{"FOLLOW"},
			Value:   true,
		},
		&cli.Uint64Flag{
			Name:    "max-retries",
			Usage:   "Replacement budget per sub-stream after transient transport errors",
			EnvVars: []string{"MAX_RETRIES"},
			Value:   headerstream.DefaultMaxRetries,
		},
		&cli.Uint64Flag{
			Name:    "max-parallel-streams",
			Usage:   "Upper bound on live historical sub-streams",
			EnvVars: []string{"MAX_PARALLEL_STREAMS"},
			Value:   headerstream.DefaultMaxParallelStreams,
		},
		&cli.Uint64Flag{
			Name:    "target-batch-size",
			Usage:   "Header count each historical sub-stream aims to cover",
			EnvVars: []string{"TARGET_BATCH_SIZE"},
			Value:   headerstream.DefaultTargetBatchSize,
		},
		&cli.DurationFlag{
			Name:    "retry-backoff",
			Usage:   "Pause before a replacement sub-stream is opened",
			EnvVars: []string{"RETRY_BACKOFF"},
			Value:   headerstream.DefaultRetryBackoff,
		},
		&cli.StringFlag{
			Name:    "headers-table",
			Usage:   "ClickHouse table receiving accepted headers",
			EnvVars: []string{"HEADERS_TABLE"},
			Value:   "block_headers",
		},
		&cli.StringFlag{
			Name:    "checkpoint-table",
			Usage:   "ClickHouse table holding the sync checkpoint",
			EnvVars: []string{"CHECKPOINT_TABLE"},
			Value:   "sync_checkpoints",
		},
		&cli.DurationFlag{
			Name:    "checkpoint-interval",
			Usage:   "Interval between checkpoint writes",
			EnvVars: []string{"CHECKPOINT_INTERVAL"},
			Value:   30 * time.Second,
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host interface for the metrics server",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Port for the metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment label for metrics",
			EnvVars: []string{"ENVIRONMENT"},
			Value:   "development",
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region label for metrics",
			EnvVars: []string{"REGION"},
		},
	}
}
