// Package sender runs outbound Telegram calls on a fixed set of workers.
// Calls for one conversation scope always land on the same worker, so a
// chat or topic sees its replies in the order handlers produced them.
package sender

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/telegram/netutil"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("telegram sender: queue closed")
	// ErrQueueFull is returned when the worker owning the job's key has no room.
	ErrQueueFull = errors.New("telegram sender: queue full")

	errNilRun = errors.New("telegram sender: nil run function")
)

const (
	defaultQueueSize    = 64
	defaultWorkers      = 4
	defaultRetryBackoff = 2 * time.Second
	defaultMaxDuration  = 12 * time.Second
)

// Options tunes the dispatcher. Zero values pick defaults.
type Options struct {
	// QueueSize is the capacity of each worker's queue.
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	// MaxDuration bounds the time spent on one job, retries included.
	MaxDuration time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	o.MaxRetries = max(o.MaxRetries, 0)
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = defaultMaxDuration
	}
	return o
}

// Job is one outbound call. Key is the conversation scope key; Run must be
// safe to call again when retries are enabled.
type Job struct {
	Key      string
	Action   string
	Endpoint string
	Run      func() error
}

type envelope struct {
	ctx context.Context
	job Job
}

// Dispatcher executes jobs asynchronously with retries.
type Dispatcher struct {
	opts  Options
	lanes []chan envelope

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewDispatcher starts the workers.
func NewDispatcher(opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{opts: opts, lanes: make([]chan envelope, opts.Workers)}
	for i := range d.lanes {
		d.lanes[i] = make(chan envelope, opts.QueueSize)
		d.wg.Add(1)
		go d.drain(d.lanes[i])
	}
	return d
}

// lane picks the worker queue for a scope key. Keyless jobs share lane 0.
func (d *Dispatcher) lane(key string) chan envelope {
	if key == "" || len(d.lanes) == 1 {
		return d.lanes[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return d.lanes[int(h.Sum32()%uint32(len(d.lanes)))]
}

// Enqueue hands j to the worker of its key without blocking.
func (d *Dispatcher) Enqueue(ctx context.Context, j Job) error {
	if j.Run == nil {
		return errNilRun
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}
	select {
	case d.lane(j.Key) <- envelope{ctx: ctx, job: j}:
		return nil
	default:
		d.dropped.Add(1)
		return ErrQueueFull
	}
}

// SentCount returns the number of delivered jobs.
func (d *Dispatcher) SentCount() uint64 { return d.sent.Load() }

// ErrorCount returns the number of jobs that failed after all attempts.
func (d *Dispatcher) ErrorCount() uint64 { return d.failed.Load() }

// DroppedCount returns the number of jobs refused because a queue was full.
func (d *Dispatcher) DroppedCount() uint64 { return d.dropped.Load() }

// Close stops accepting jobs and waits until queued ones are done.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.lanes {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) drain(lane <-chan envelope) {
	defer d.wg.Done()
	for env := range lane {
		d.process(env)
	}
}

func (d *Dispatcher) process(env envelope) {
	start := time.Now()
	attempts, err := d.deliver(env)
	attrs := jobAttrs(env,
		slog.Int("attempt", attempts),
		slog.Duration("elapsed", time.Since(start)),
	)
	switch {
	case err == nil && attempts > 1:
		d.sent.Add(1)
		logger.Info(env.ctx, "tg.sender", "send.retry.success", attrs...)
	case err == nil:
		d.sent.Add(1)
		logger.Debug(env.ctx, "tg.sender", "send.success", attrs...)
	default:
		d.failed.Add(1)
		logger.Error(env.ctx, "tg.sender", "send.fail", append(attrs,
			slog.String("error_kind", classifyError(err)),
			slog.String("err", sanitizeErrorMessage(err)),
		)...)
	}
}

// deliver runs the job until it succeeds, fails permanently, runs out of
// attempts or exceeds MaxDuration. It returns the attempts made.
func (d *Dispatcher) deliver(env envelope) (int, error) {
	ctx, cancel := context.WithTimeout(env.ctx, d.opts.MaxDuration)
	defer cancel()

	limit := d.opts.MaxRetries + 1
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		attempt++
		err := env.job.Run()
		if err == nil {
			return attempt, nil
		}
		wait, retry := netutil.Backoff(err, attempt, d.opts.RetryBackoff)
		if !retry || attempt >= limit {
			return attempt, err
		}
		logger.Debug(env.ctx, "tg.sender", "send.retry.backoff", jobAttrs(env,
			slog.Int("attempt", attempt),
			slog.Duration("delay", wait),
		)...)
		if err := sleep(ctx, wait); err != nil {
			return attempt, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func jobAttrs(env envelope, extra ...slog.Attr) []slog.Attr {
	attrs := make([]slog.Attr, 0, 4+len(extra))
	attrs = append(attrs, slog.String("action", env.job.Action))
	if env.job.Endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", env.job.Endpoint))
	}
	if env.job.Key != "" && logger.ScopeFrom(env.ctx) == "" {
		attrs = append(attrs, slog.String("ctx_key", env.job.Key))
	}
	return append(attrs, extra...)
}
