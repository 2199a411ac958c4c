package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock supplies timestamps so tests can control time.
type Clock interface {
	Now() time.Time
}

// Config controls retention and instrumentation for the Broker.
//   - Retention: how long completed job states are kept before eviction
//     (default 15m).
//   - SweepInterval: how often the janitor scans for evictable states
//     (default 1m).
//   - Clock: timestamp source (defaults to UTC wall clock).
//   - Logger: optional structured logger.
type Config struct {
	Retention     time.Duration
	SweepInterval time.Duration
	Clock         Clock
	Logger        *zap.Logger
}

const (
	defaultRetention     = 15 * time.Minute
	defaultSweepInterval = time.Minute
)

// Broker tracks the latest known state of every job and fans merged updates
// out to subscribers. Publishes to the same job are serialized so every
// subscriber observes the exact publish order; subscriber callbacks are
// isolated from each other and from the publisher.
type Broker struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	clock  Clock

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	running map[string]struct{}

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

type jobEntry struct {
	// deliver serializes Apply + fan-out for one job.
	deliver sync.Mutex
	subs    map[int64]func(State)
	nextID  int64
}

// New constructs a Broker over the given store and starts the eviction
// janitor. Close must be called to release it.
func New(store Store, cfg Config) *Broker {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	b := &Broker{
		store:   store,
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		jobs:    make(map[string]*jobEntry),
		running: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.janitor()
	return b
}

// Publish merges u into the stored state for jobID and notifies every current
// subscriber with the merged state. A panicking subscriber does not prevent
// the others from being notified and never propagates to the caller.
func (b *Broker) Publish(ctx context.Context, jobID string, u Update) (State, error) {
	entry := b.entry(jobID)
	entry.deliver.Lock()
	defer entry.deliver.Unlock()

	st, err := b.store.Apply(ctx, jobID, u, b.clock.Now())
	if err != nil {
		return State{}, err
	}

	for _, fn := range b.snapshotSubs(entry) {
		b.notify(jobID, fn, st)
	}
	return st, nil
}

// Subscribe registers fn against jobID. The returned function removes exactly
// this registration; calling it more than once is a no-op after the first.
func (b *Broker) Subscribe(jobID string, fn func(State)) func() {
	entry := b.entry(jobID)

	b.mu.Lock()
	id := entry.nextID
	entry.nextID++
	entry.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(entry.subs, id)
			b.pruneLocked(jobID, entry)
		})
	}
}

// Attach registers fn and, if a state already exists for jobID, delivers one
// replay of it to fn before any later publish. The replay and the
// registration happen atomically with respect to Publish, so fn observes the
// replay followed by exactly the sequence of states published afterwards.
func (b *Broker) Attach(ctx context.Context, jobID string, fn func(State)) (func(), error) {
	entry := b.entry(jobID)
	entry.deliver.Lock()
	defer entry.deliver.Unlock()

	st, ok, err := b.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ok {
		b.notify(jobID, fn, st)
	}
	return b.Subscribe(jobID, fn), nil
}

// GetLast returns the cached merged state for jobID, if any.
func (b *Broker) GetLast(ctx context.Context, jobID string) (State, bool, error) {
	return b.store.Get(ctx, jobID)
}

// List returns known job states ordered by most recent update.
func (b *Broker) List(ctx context.Context, limit, offset int) ([]State, error) {
	return b.store.List(ctx, limit, offset)
}

// Ping reports whether the backing store is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

// TryAcquire claims the execution slot for jobID. It returns false when an
// execution is already in flight, in which case the caller should degrade to
// passive observation.
func (b *Broker) TryAcquire(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.running[jobID]; busy {
		return false
	}
	b.running[jobID] = struct{}{}
	return true
}

// Release frees the execution slot claimed by TryAcquire.
func (b *Broker) Release(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, jobID)
}

// Close stops the janitor. It is safe to call multiple times.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.doneCh
}

func (b *Broker) entry(jobID string) *jobEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.jobs[jobID]
	if !ok {
		entry = &jobEntry{subs: make(map[int64]func(State))}
		b.jobs[jobID] = entry
	}
	return entry
}

func (b *Broker) snapshotSubs(entry *jobEntry) []func(State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]func(State), 0, len(entry.subs))
	for _, fn := range entry.subs {
		out = append(out, fn)
	}
	return out
}

func (b *Broker) notify(jobID string, fn func(State), st State) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("subscriber panicked",
				zap.String("job_id", jobID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(st)
}

// pruneLocked drops the jobEntry once its subscriber set empties. The cached
// state in the store is retained; only the janitor evicts states.
func (b *Broker) pruneLocked(jobID string, entry *jobEntry) {
	if len(entry.subs) == 0 {
		if _, busy := b.running[jobID]; !busy {
			delete(b.jobs, jobID)
		}
	}
}

func (b *Broker) janitor() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broker) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SweepInterval)
	defer cancel()

	cutoff := b.clock.Now().Add(-b.cfg.Retention)
	ids, err := b.store.CompletedBefore(ctx, cutoff)
	if err != nil {
		b.logger.Warn("eviction scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := b.store.Delete(ctx, id); err != nil {
			b.logger.Warn("evict job state failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		b.logger.Debug("evicted completed job state", zap.String("job_id", id))
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
