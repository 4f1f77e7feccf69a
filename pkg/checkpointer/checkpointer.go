// Package checkpointer periodically persists the sync progress so a restart
// resumes from the last contiguous synced height instead of genesis.
package checkpointer

import (
	"context"
	"fmt"
	"time"
)

// Checkpointer abstracts checkpoint persistence across data stores. A
// checkpoint tracks the last contiguous synced header height for a network.
type Checkpointer interface {
	// Initialize ensures the underlying storage is ready (creates tables,
	// schemas, etc.). Idempotent.
	Initialize(ctx context.Context) error

	// Write atomically persists a checkpoint for the network.
	Write(ctx context.Context, network string, height uint32) error

	// Read retrieves the latest checkpoint for the network. exists is false
	// when no checkpoint was ever written.
	Read(ctx context.Context, network string) (height uint32, exists bool, err error)
}

// HeightSource exposes the current sync progress to the checkpoint loop.
type HeightSource interface {
	LastSyncedHeight() uint32
}

// Start periodically persists the sync progress to durable storage. It
// returns nil on context cancellation, or an error once a checkpoint write
// fails after all retries.
func Start(
	ctx context.Context,
	source HeightSource,
	checkpointer Checkpointer,
	cfg Config,
	network string,
) error {
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-t.C:
			height := source.LastSyncedHeight()
			if height == 0 {
				continue
			}

			var lastErr error
			for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
				if ctx.Err() != nil {
					return nil
				}

				writeCtx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
				lastErr = checkpointer.Write(writeCtx, network, height)
				cancel()

				if lastErr == nil {
					break
				}
				if ctx.Err() != nil {
					return nil
				}
				if attempt < cfg.MaxRetries {
					select {
					case <-time.After(cfg.RetryBackoff):
					case <-ctx.Done():
						return nil
					}
				}
			}

			if lastErr != nil {
				return fmt.Errorf("failed to write checkpoint (height: %d) after %d attempts: %w",
					height, cfg.MaxRetries+1, lastErr)
			}
		}
	}
}
