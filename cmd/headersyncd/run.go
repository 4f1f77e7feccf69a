package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/vkaxevo/headersync/internal/corerpc"
	"github.com/vkaxevo/headersync/pkg/checkpointer"
	"github.com/vkaxevo/headersync/pkg/clickhouse"
	"github.com/vkaxevo/headersync/pkg/data/clickhouse/headers"
	"github.com/vkaxevo/headersync/pkg/headerstream"
	"github.com/vkaxevo/headersync/pkg/headersync"
	"github.com/vkaxevo/headersync/pkg/metrics"
	"github.com/vkaxevo/headersync/pkg/queue"
	"github.com/vkaxevo/headersync/pkg/spvchain"
	"github.com/vkaxevo/headersync/pkg/utils"
)

const flushTimeoutOnClose = 15 * time.Second

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"network", cfg.Network,
		"coreGRPCAddr", cfg.CoreGRPCAddr,
		"start", cfg.Start,
		"end", cfg.End,
		"follow", cfg.Follow,
		"maxRetries", cfg.MaxRetries,
		"maxParallelStreams", cfg.MaxParallelStreams,
		"targetBatchSize", cfg.TargetBatchSize,
		"retryBackoff", cfg.RetryBackoff,
		"headersTable", cfg.HeadersTable,
		"checkpointTable", cfg.CheckpointTable,
		"checkpointInterval", cfg.CheckpointInterval,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
	)

	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Network:     cfg.Network,
		Environment: cfg.Environment,
		Region:      cfg.Region,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry)
	metricsErrCh := metricsServer.Start()
	sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Kafka: ensure the topic exists and build the publisher.
	admin, err := confluentKafka.NewAdminClient(cfg.Kafka.AdminConfigMap())
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer admin.Close()
	if err := queue.EnsureTopic(ctx, admin, cfg.Kafka, sugar); err != nil {
		return fmt.Errorf("failed to ensure kafka topic exists: %w", err)
	}

	publisher, err := queue.NewKafkaPublisher(ctx, cfg.Kafka.ProducerConfigMap(), sugar)
	if err != nil {
		return fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), flushTimeoutOnClose)
		defer cancel()
		publisher.Close(closeCtx)
	}()

	// ClickHouse: header store plus sync checkpoint.
	chClient, err := clickhouse.New(cfg.ClickHouse, sugar)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer chClient.Close()

	repo, err := headers.NewRepository(chClient, cfg.ClickHouse.Database, cfg.HeadersTable, cfg.CheckpointTable, nil)
	if err != nil {
		return fmt.Errorf("failed to create headers repository: %w", err)
	}

	// Core streaming transport.
	core, err := corerpc.NewClient(corerpc.Config{Addr: cfg.CoreGRPCAddr}, sugar)
	if err != nil {
		return fmt.Errorf("failed to create core rpc client: %w", err)
	}
	defer core.Close()

	// Resolve the start height from the checkpoint when not pinned.
	start := cfg.Start
	if start == 0 {
		height, exists, err := repo.Read(ctx, cfg.Network)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint: %w", err)
		}
		if exists {
			start = height + 1
			sugar.Infof("resuming from checkpoint, start height: %d", start)
		} else {
			start = 1
			sugar.Info("checkpoint not found, starting from height 1")
		}
	}

	// Sync engine: chain, provider, reader.
	chain := spvchain.NewMemChain(start, nil)

	provider, err := headersync.New(headersync.Config{Log: sugar, Metrics: m})
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	provider.SetChain(chain)
	provider.SetCoreMethods(core)

	reader, err := headerstream.New(headerstream.Config{
		Factory:            core,
		Handler:            provider,
		Log:                sugar,
		Metrics:            m,
		MaxRetries:         cfg.MaxRetries,
		MaxParallelStreams: cfg.MaxParallelStreams,
		TargetBatchSize:    cfg.TargetBatchSize,
		RetryBackoff:       cfg.RetryBackoff,
	})
	if err != nil {
		return fmt.Errorf("failed to create reader: %w", err)
	}
	provider.SetReader(reader)

	tracker := &heightTracker{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pumpEvents(gctx, sugar, cfg, provider, repo, publisher, m, tracker)
	})
	g.Go(func() error {
		checkpointCfg := checkpointer.DefaultConfig()
		checkpointCfg.Interval = cfg.CheckpointInterval
		return checkpointer.Start(gctx, tracker, repo, checkpointCfg, cfg.Network)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			return err
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-publisher.Errors():
			return err
		}
	})

	if err := provider.ReadHistorical(ctx, start, cfg.End); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("failed to start historical sync: %w", err)
	}

	err = g.Wait()
	_ = provider.Stop(context.Background())

	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		err = nil
	} else if err != nil {
		sugar.Errorw("run failed", "error", err)
	}

	sugar.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
		sugar.Warnw("metrics server shutdown error", "error", serr)
	}

	sugar.Info("shutdown complete")
	return err
}

// pumpEvents drains provider events into the sinks and drives the
// historical-to-continuous transition.
func pumpEvents(
	ctx context.Context,
	sugar *zap.SugaredLogger,
	cfg *Config,
	provider *headersync.Provider,
	repo headers.Repository,
	publisher queue.Publisher,
	m *metrics.Metrics,
	tracker *heightTracker,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-provider.Events():
			switch e := ev.(type) {
			case headersync.ChainUpdated:
				if err := repo.InsertHeaders(ctx, cfg.Network, e.HeadHeight, e.Headers); err != nil {
					m.RecordSinkWrite("clickhouse", err)
					return fmt.Errorf("failed to store headers at %d: %w", e.HeadHeight, err)
				}
				m.RecordSinkWrite("clickhouse", nil)

				msg, err := queue.NewChainUpdatedMsg(cfg.Kafka.Topic, cfg.Network, e.Headers, e.HeadHeight)
				if err != nil {
					return err
				}
				if err := publisher.Publish(ctx, msg); err != nil {
					m.RecordSinkWrite("kafka", err)
					return fmt.Errorf("failed to publish headers at %d: %w", e.HeadHeight, err)
				}
				m.RecordSinkWrite("kafka", nil)

				tracker.observe(e.HeadHeight, len(e.Headers))

			case headersync.HistoricalDataObtained:
				sugar.Infow("historical sync complete", "tipHeight", tracker.LastSyncedHeight())
				if !cfg.Follow {
					return nil
				}
				from := tracker.LastSyncedHeight() + 1
				if err := provider.StartContinuousSync(ctx, from); err != nil {
					return fmt.Errorf("failed to start continuous sync: %w", err)
				}

			case headersync.Stopped:
				sugar.Infow("sync stopped")
				return nil

			case headersync.ErrorEvent:
				return e.Err
			}
		}
	}
}

// heightTracker records the highest stored header height for the checkpoint
// loop.
type heightTracker struct {
	mu     sync.Mutex
	height uint32
}

var _ checkpointer.HeightSource = (*heightTracker)(nil)

func (t *heightTracker) observe(headHeight uint32, n int) {
	tip := headHeight + uint32(n) - 1
	t.mu.Lock()
	defer t.mu.Unlock()
	if tip > t.height {
		t.height = tip
	}
}

func (t *heightTracker) LastSyncedHeight() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.height
}
