package replay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hupe1980/vecvault/model"
)

// Committer re-attempts one deferred write. The store implements it: sealed
// entries commit directly, seal-pending entries go through the full put path.
type Committer interface {
	Commit(ctx context.Context, e *Entry) error
}

// State is the coordinator's observable replay state.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateCommitting
	StateRequeuing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateCommitting:
		return "committing"
	case StateRequeuing:
		return "requeuing"
	default:
		return "unknown"
	}
}

// CoordinatorOptions contains configuration for the Coordinator.
type CoordinatorOptions struct {
	// PollInterval bounds how long the loop sleeps between drain attempts
	// when no readiness signal arrives.
	PollInterval time.Duration

	// RateLimit paces commit attempts, shared across repositories. Zero
	// means unpaced.
	RateLimit rate.Limit

	// Burst is the rate limiter burst size.
	Burst int

	// Logger for replay outcomes.
	Logger *slog.Logger
}

// DefaultCoordinatorOptions returns default Coordinator options.
var DefaultCoordinatorOptions = CoordinatorOptions{
	PollInterval: 5 * time.Second,
	Burst:        1,
}

// Coordinator drains the retry buffer once the backend is reachable again.
//
// Entries of one repository replay strictly in sequence order; a failure at
// position i requeues entries i through the end of the batch so no entry ever
// commits ahead of an older one. Repositories replay in parallel, each on its
// own ordered stream.
type Coordinator struct {
	buffer    *Buffer
	committer Committer

	limiter  *rate.Limiter
	interval time.Duration
	logger   *slog.Logger

	state   atomic.Int32
	started atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewCoordinator creates a coordinator over a buffer and a committer.
func NewCoordinator(buffer *Buffer, committer Committer, optFns ...func(o *CoordinatorOptions)) *Coordinator {
	opts := DefaultCoordinatorOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Coordinator{
		buffer:    buffer,
		committer: committer,
		interval:  opts.PollInterval,
		logger:    opts.Logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	return c
}

// State returns the current replay state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Start launches the replay loop. Calling it more than once is a no-op.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.loop()
	})
}

// Close stops the loop at the next batch boundary. An in-flight commit always
// runs to completion before shutdown takes effect. Closing a coordinator that
// was never started is a no-op.
func (c *Coordinator) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.started.Load() {
		<-c.doneCh
	}
	return nil
}

func (c *Coordinator) loop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.buffer.Ready():
		case <-ticker.C:
		}

		c.DrainOnce(context.Background())
	}
}

// DrainOnce performs a single drain-and-commit pass over every eligible
// entry. It is also the loop body of the background goroutine.
func (c *Coordinator) DrainOnce(ctx context.Context) {
	c.state.Store(int32(StateDraining))
	defer c.state.Store(int32(StateIdle))

	batch := c.buffer.DrainReady()
	if len(batch) == 0 {
		return
	}

	// DrainReady returns entries ascending by sequence; splitting by repo
	// keeps each repo's slice ordered.
	byRepo := make(map[model.RepoID][]*Entry)
	for _, e := range batch {
		byRepo[e.Repo] = append(byRepo[e.Repo], e)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, entries := range byRepo {
		g.Go(func() error {
			c.commitRepo(gctx, entries)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // repo failures are requeued, never returned

	c.logger.Debug("replay pass finished", "entries", len(batch), "repos", len(byRepo))
}

// commitRepo replays one repository's slice of the batch in order. The first
// failure requeues the failed entry and everything after it.
func (c *Coordinator) commitRepo(ctx context.Context, entries []*Entry) {
	for i, e := range entries {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				c.requeueFrom(entries, i, err)
				return
			}
		}

		c.state.Store(int32(StateCommitting))

		if err := c.committer.Commit(ctx, e); err != nil {
			c.requeueFrom(entries, i, err)
			return
		}

		c.buffer.Ack(e)
		c.logger.Debug("replayed deferred write", "repo", e.Repo, "sequence", e.Sequence, "attempts", e.AttemptCount)
	}
}

func (c *Coordinator) requeueFrom(entries []*Entry, i int, cause error) {
	c.state.Store(int32(StateRequeuing))

	c.logger.Warn("replay commit failed, requeueing remainder",
		"repo", entries[i].Repo,
		"sequence", entries[i].Sequence,
		"remaining", len(entries)-i,
		"error", cause,
	)

	for _, e := range entries[i:] {
		c.buffer.Requeue(e)
	}
}
