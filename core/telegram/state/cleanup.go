package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/m3rciful/policybot/core/logger"
)

const (
	// DefaultCleanupInterval is how often registered stores are swept.
	DefaultCleanupInterval = 15 * time.Minute
	// DefaultStateTimeout is the age after which swept state is removed.
	DefaultStateTimeout = 2 * time.Hour
)

var (
	// ErrInvalidProvider is returned when registering a nil provider or a blank name.
	ErrInvalidProvider = errors.New("state: invalid cleanup provider")
	// ErrDuplicateProvider is returned when a provider name is already registered.
	ErrDuplicateProvider = errors.New("state: cleanup provider already registered")
)

// Provider is a store that can drop state older than cutoff.
type Provider interface {
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, cutoff time.Time) (int, error)

// Cleanup calls f.
func (f ProviderFunc) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	return f(ctx, cutoff)
}

// Result summarises one sweep. Providers maps names to removed counts, -1 on failure.
type Result struct {
	Cutoff    time.Time
	Cleaned   int
	Providers map[string]int
	Failed    []string
	Duration  time.Duration
}

// Observer receives the result of every sweep.
type Observer interface {
	ObserveCleanup(Result)
}

// CleanupOptions configures CleanupService.
type CleanupOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    Clock
	Observer Observer
}

// CleanupStats describes the scheduler for diagnostics.
type CleanupStats struct {
	Running     bool
	Interval    time.Duration
	Timeout     time.Duration
	Providers   []string
	Runs        int
	LastRun     time.Time
	LastCleaned int
}

type namedProvider struct {
	name     string
	provider Provider
}

// CleanupService sweeps every registered store on an interval. Stores
// register themselves, so adding one needs no change here.
type CleanupService struct {
	mu        sync.Mutex
	providers []namedProvider
	interval  time.Duration
	timeout   time.Duration
	now       Clock
	observer  Observer

	scheduler gocron.Scheduler
	runs      int
	lastRun   time.Time
	lastClean int
}

// NewCleanupService constructs a stopped service.
func NewCleanupService(opts CleanupOptions) *CleanupService {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStateTimeout
	}
	return &CleanupService{
		interval: interval,
		timeout:  timeout,
		now:      clockOrNow(opts.Clock),
		observer: opts.Observer,
	}
}

// Register adds a provider under a unique name.
func (s *CleanupService) Register(name string, p Provider) error {
	name = strings.TrimSpace(name)
	if name == "" || p == nil {
		logger.Error(logger.Background(), "state.cleanup", "register.invalid",
			slog.String("provider", name),
			slog.Bool("provider_nil", p == nil),
		)
		return ErrInvalidProvider
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, np := range s.providers {
		if np.name == name {
			logger.Error(logger.Background(), "state.cleanup", "register.duplicate",
				slog.String("provider", name),
			)
			return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
		}
	}
	s.providers = append(s.providers, namedProvider{name: name, provider: p})
	logger.Debug(logger.Background(), "state.cleanup", "register",
		slog.String("provider", name),
		slog.Int("count", len(s.providers)),
	)
	return nil
}

// Unregister removes a provider by name.
func (s *CleanupService) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, np := range s.providers {
		if np.name == name {
			s.providers = append(s.providers[:i], s.providers[i+1:]...)
			return true
		}
	}
	return false
}

// SetStateTimeout changes the age used to compute the sweep cutoff.
func (s *CleanupService) SetStateTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
	logger.Info(logger.Background(), "state.cleanup", "timeout.set",
		slog.Duration("timeout", d),
	)
}

// Start schedules sweeps every interval. Zero arguments keep the configured
// values. Calling Start on a running service only logs a warning.
func (s *CleanupService) Start(ctx context.Context, interval, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		logger.Warn(ctx, "state.cleanup", "start.skip",
			slog.String("reason", "already_running"),
		)
		return nil
	}
	if interval > 0 {
		s.interval = interval
	}
	if timeout > 0 {
		s.timeout = timeout
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("state: create cleanup scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.RunCleanup(ctx) }),
		gocron.WithName("state.cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("state: schedule cleanup: %w", err)
	}
	sched.Start()
	s.scheduler = sched

	logger.Info(ctx, "state.cleanup", "start",
		slog.Duration("interval", s.interval),
		slog.Duration("timeout", s.timeout),
		slog.Int("count", len(s.providers)),
	)
	return nil
}

// Stop halts scheduling. Stored state is left untouched.
func (s *CleanupService) Stop() error {
	s.mu.Lock()
	sched := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()
	if sched == nil {
		return nil
	}
	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("state: stop cleanup scheduler: %w", err)
	}
	logger.Info(logger.Background(), "state.cleanup", "stop")
	return nil
}

// RunCleanup sweeps every provider once. A failing provider is logged and
// reported as -1 without affecting the others.
func (s *CleanupService) RunCleanup(ctx context.Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	providers := append([]namedProvider(nil), s.providers...)
	cutoff := s.now().Add(-s.timeout)
	observer := s.observer
	s.mu.Unlock()

	start := time.Now()
	res := Result{
		Cutoff:    cutoff,
		Providers: make(map[string]int, len(providers)),
	}
	for _, np := range providers {
		n, err := sweepOne(ctx, np.provider, cutoff)
		if err != nil {
			logger.Error(ctx, "state.cleanup", "provider.fail",
				slog.String("provider", np.name),
				slog.String("err", err.Error()),
			)
			res.Providers[np.name] = -1
			res.Failed = append(res.Failed, np.name)
			continue
		}
		res.Providers[np.name] = n
		res.Cleaned += n
	}
	res.Duration = time.Since(start)

	s.mu.Lock()
	s.runs++
	s.lastRun = s.now()
	s.lastClean = res.Cleaned
	s.mu.Unlock()

	status := "ok"
	if len(res.Failed) > 0 {
		status = "fail"
	}
	logger.Info(ctx, "state.cleanup", "sweep",
		slog.String("status", status),
		slog.Int("cleaned", res.Cleaned),
		slog.Int("count", len(providers)),
		slog.Duration("duration", res.Duration),
	)
	if observer != nil {
		observer.ObserveCleanup(res)
	}
	return res
}

// ForceCleanup runs a sweep immediately, outside the schedule.
func (s *CleanupService) ForceCleanup(ctx context.Context) Result {
	logger.Info(ctx, "state.cleanup", "force")
	return s.RunCleanup(ctx)
}

// Stats reports the scheduler configuration and the last sweep.
func (s *CleanupService) Stats() CleanupStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.providers))
	for _, np := range s.providers {
		names = append(names, np.name)
	}
	return CleanupStats{
		Running:     s.scheduler != nil,
		Interval:    s.interval,
		Timeout:     s.timeout,
		Providers:   names,
		Runs:        s.runs,
		LastRun:     s.lastRun,
		LastCleaned: s.lastClean,
	}
}

func sweepOne(ctx context.Context, p Provider, cutoff time.Time) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Cleanup(ctx, cutoff)
}
