package headerstream

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vkaxevo/headersync/pkg/metrics"
	"github.com/vkaxevo/headersync/pkg/stream"
)

const (
	// DefaultMaxParallelStreams bounds how many historical sub-streams are
	// live at once.
	DefaultMaxParallelStreams = 8

	// DefaultTargetBatchSize is the header count each historical sub-stream
	// aims to cover.
	DefaultTargetBatchSize = 50000

	// DefaultMaxRetries bounds replacements per sub-stream, not per plan.
	DefaultMaxRetries = 10

	// DefaultRetryBackoff is the pause before a replacement sub-stream is
	// opened after a transient transport error.
	DefaultRetryBackoff = 500 * time.Millisecond

	// smallTotalFactor: ranges up to targetBatchSize*smallTotalFactor are
	// served by a single sub-stream instead of a parallel plan.
	smallTotalFactor = 1.4
)

// Batch is a contiguous run of headers delivered atomically. HeadHeight is the
// height at which Headers[0] sits.
type Batch struct {
	Headers    [][]byte
	HeadHeight uint32
}

// BatchHandler consumes batches synchronously. Returning a non-nil error is
// the reject path: the delivering stream is destroyed with that error and the
// sub-stream's retry machinery takes over. The handler is never invoked
// concurrently for frames of the same sub-stream.
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch Batch) error
}

// Config configures a Reader.
type Config struct {
	Factory stream.Factory
	Handler BatchHandler
	Log     *zap.SugaredLogger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics

	// MaxRetries is the replacement budget per sub-stream. Zero means no
	// retries; use DefaultMaxRetries for the usual budget.
	MaxRetries uint32

	MaxParallelStreams uint32
	TargetBatchSize    uint32
	RetryBackoff       time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxParallelStreams == 0 {
		out.MaxParallelStreams = DefaultMaxParallelStreams
	}
	if out.TargetBatchSize == 0 {
		out.TargetBatchSize = DefaultTargetBatchSize
	}
	return out
}

func (c *Config) validate() error {
	if c.Factory == nil {
		return errors.New("invalid factory: must not be nil")
	}
	if c.Handler == nil {
		return errors.New("invalid batch handler: must not be nil")
	}
	if c.Log == nil {
		return errors.New("invalid logger: must not be nil")
	}
	return nil
}
