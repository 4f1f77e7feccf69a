package headerstream

import (
	"math"
	"sync"

	"github.com/vkaxevo/headersync/pkg/stream"
)

// slice is one contiguous portion of a historical plan.
type slice struct {
	fromHeight uint32
	count      uint32
}

// partition splits [fromHeight, toHeight] into at most maxParallelStreams
// contiguous slices of roughly targetBatchSize headers each. Ranges up to
// targetBatchSize*1.4 stay on a single slice; the last slice absorbs the
// remainder.
func partition(fromHeight, toHeight, targetBatchSize, maxParallelStreams uint32) []slice {
	total := toHeight - fromHeight + 1

	if float64(total) <= float64(targetBatchSize)*smallTotalFactor {
		return []slice{{fromHeight: fromHeight, count: total}}
	}

	numStreams := uint32(math.Round(float64(total) / float64(targetBatchSize)))
	if numStreams > maxParallelStreams {
		numStreams = maxParallelStreams
	}
	per := uint32(math.Ceil(float64(total) / float64(numStreams)))

	slices := make([]slice, 0, numStreams)
	for i := uint32(0); i < numStreams-1; i++ {
		slices = append(slices, slice{fromHeight: fromHeight + i*per, count: per})
	}
	last := total - per*(numStreams-1)
	slices = append(slices, slice{fromHeight: fromHeight + (numStreams-1)*per, count: last})
	return slices
}

// subStream is one live descriptor of a historical plan. The consuming
// goroutine owns the progress fields; the stream handle is guarded so the run
// loop can cancel it during teardown.
type subStream struct {
	fromHeight          uint32
	remainingCount      uint32
	lastDeliveredHeight uint32
	retriesLeft         uint32

	mu sync.Mutex
	s  stream.Stream
}

func newSubStream(sl slice, s stream.Stream, retries uint32) *subStream {
	return &subStream{
		fromHeight:          sl.fromHeight,
		remainingCount:      sl.count,
		lastDeliveredHeight: sl.fromHeight - 1,
		retriesLeft:         retries,
		s:                   s,
	}
}

func (d *subStream) stream() stream.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.s
}

// replace installs the replacement stream opened on retry. The descriptor is
// reused in place; fromHeight moves to the resume point.
func (d *subStream) replace(s stream.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.s = s
	d.fromHeight = d.lastDeliveredHeight + 1
}

func (d *subStream) cancel() {
	d.mu.Lock()
	s := d.s
	d.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}
