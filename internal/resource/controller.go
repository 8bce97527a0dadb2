// Package resource bounds the background work a vault may do: concurrent
// compactions, decrypt buffer memory, and background IO throughput.
package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a decrypt buffer reservation would
// exceed the configured limit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes caps memory reserved for decrypted segment buffers.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxCompactionWorkers is the maximum number of concurrent compaction
	// jobs across all shards. If 0, defaults to 1.
	MaxCompactionWorkers int64

	// IOLimitBytesPerSec throttles background reads and writes (compaction,
	// replay) so they do not starve foreground puts and queries.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages global resources shared by all shards.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	compactSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxCompactionWorkers <= 0 {
		cfg.MaxCompactionWorkers = 1
	}

	c := &Controller{
		cfg:        cfg,
		compactSem: semaphore.NewWeighted(cfg.MaxCompactionWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireMemory attempts to reserve decrypt buffer memory.
// Non-blocking; callers control retry policy.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return ErrMemoryLimitExceeded
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current reserved memory in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireCompaction reserves a compaction worker slot, blocking while all
// slots are busy.
func (c *Controller) AcquireCompaction(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.compactSem.Acquire(ctx, 1)
}

// TryAcquireCompaction reserves a compaction slot without blocking.
func (c *Controller) TryAcquireCompaction() bool {
	if c == nil {
		return true
	}
	return c.compactSem.TryAcquire(1)
}

// ReleaseCompaction releases a compaction worker slot.
func (c *Controller) ReleaseCompaction() {
	if c == nil {
		return
	}
	c.compactSem.Release(1)
}

// AcquireIO waits until the background IO budget allows bytes. Requests
// larger than one second of budget are paced in burst-sized pieces, so a
// single large segment waits instead of failing.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}

	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := bytes
		if n > burst {
			n = burst
		}
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}

	return nil
}

// TryAcquireIO attempts to take IO budget without blocking. Requests larger
// than the burst can never succeed immediately and report false.
func (c *Controller) TryAcquireIO(bytes int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), bytes)
}
