// Package resource holds the process-wide limits shared by concurrent
// index builds: the segment-buffer memory limiter, the build worker pool
// and the background IO throttle. The controller is an explicit object
// owned by the engine runtime and passed to builders, never an ambient
// singleton.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// SegmentBufferBytes caps the bytes buffered across all concurrent
	// segment builds. 0 means a 64 MiB default.
	SegmentBufferBytes int64

	// BuildWorkers is the number of concurrent per-SSTable builds.
	// 0 defaults to 1.
	BuildWorkers int64

	// BuildIOBytesPerSec throttles background build IO. 0 is unlimited.
	BuildIOBytesPerSec int64
}

// DefaultSegmentBufferBytes bounds builder memory when unconfigured.
const DefaultSegmentBufferBytes = 64 << 20

// Controller manages the global build resources.
type Controller struct {
	cfg Config

	bufSem  *semaphore.Weighted
	bufUsed atomic.Int64

	workerSem *semaphore.Weighted

	ioLimiter *rate.Limiter

	building atomic.Int64 // columns with an initial build in flight
}

// NewController creates a controller from cfg.
func NewController(cfg Config) *Controller {
	if cfg.SegmentBufferBytes <= 0 {
		cfg.SegmentBufferBytes = DefaultSegmentBufferBytes
	}
	if cfg.BuildWorkers <= 0 {
		cfg.BuildWorkers = 1
	}
	c := &Controller{
		cfg:       cfg,
		bufSem:    semaphore.NewWeighted(cfg.SegmentBufferBytes),
		workerSem: semaphore.NewWeighted(cfg.BuildWorkers),
	}
	if cfg.BuildIOBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.BuildIOBytesPerSec), int(cfg.BuildIOBytesPerSec))
	}
	return c
}

// ReserveBuffer blocks until bytes of segment-buffer budget are free.
// Every reservation must be paired with a ReleaseBuffer of the same size;
// the counter returns to zero when no builds run.
func (c *Controller) ReserveBuffer(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if bytes > c.cfg.SegmentBufferBytes {
		bytes = c.cfg.SegmentBufferBytes
	}
	if err := c.bufSem.Acquire(ctx, bytes); err != nil {
		return err
	}
	c.bufUsed.Add(bytes)
	return nil
}

// TryReserveBuffer reserves without blocking. Builders use it to detect
// pressure: a failed reservation flushes the current segment, which
// releases that segment's reservations.
func (c *Controller) TryReserveBuffer(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	if bytes > c.cfg.SegmentBufferBytes {
		return false
	}
	if !c.bufSem.TryAcquire(bytes) {
		return false
	}
	c.bufUsed.Add(bytes)
	return true
}

// ReleaseBuffer returns previously reserved segment-buffer budget.
func (c *Controller) ReleaseBuffer(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if bytes > c.cfg.SegmentBufferBytes {
		bytes = c.cfg.SegmentBufferBytes
	}
	c.bufSem.Release(bytes)
	c.bufUsed.Add(-bytes)
}

// BufferUsage returns the bytes currently reserved.
func (c *Controller) BufferUsage() int64 {
	if c == nil {
		return 0
	}
	return c.bufUsed.Load()
}

// SegmentBufferLimit returns the configured cap.
func (c *Controller) SegmentBufferLimit() int64 {
	if c == nil {
		return DefaultSegmentBufferBytes
	}
	return c.cfg.SegmentBufferBytes
}

// AcquireWorker blocks until a build worker slot is free.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workerSem.Acquire(ctx, 1)
}

// ReleaseWorker returns a build worker slot.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.workerSem.Release(1)
}

// AcquireIO waits until the build IO throttle allows n bytes.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, n)
}

// BuildStarted records one more column index under initial build.
func (c *Controller) BuildStarted() { c.building.Add(1) }

// BuildFinished records a completed or failed initial build.
func (c *Controller) BuildFinished() { c.building.Add(-1) }

// BuildingColumns returns the number of columns being built.
func (c *Controller) BuildingColumns() int64 { return c.building.Load() }
