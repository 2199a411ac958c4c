package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock supplies timestamps so tests can control time.
type Clock interface {
	Now() time.Time
}

// Config wires a Client. Transport, Topic and Key are required.
type Config struct {
	Transport Transport
	// Topic is the channel name to join.
	Topic string
	// Key identifies the local member in track payloads.
	Key string

	// HeartbeatInterval is the period between re-announcements (default 25s).
	HeartbeatInterval time.Duration
	// WatchdogInterval is the period between health evaluations (default 10s).
	WatchdogInterval time.Duration
	// StalenessThreshold is how long a channel may stay silent before the
	// watchdog declares it dead (default 30s).
	StalenessThreshold time.Duration
	// BackoffBase and BackoffMax bound the exponential recreation backoff
	// (defaults 1s and 30s).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Connectivity Connectivity
	Visibility   Visibility
	Clock        Clock
	Logger       *zap.Logger

	// OnSync, when set, receives a snapshot of the membership cache after
	// every change, including the empty snapshot on channel death.
	OnSync func(State)
	// OnStatus, when set, is called on every connection status transition.
	OnStatus func(ConnectionStatus)
}

const (
	defaultHeartbeatInterval  = 25 * time.Second
	defaultWatchdogInterval   = 10 * time.Second
	defaultStalenessThreshold = 30 * time.Second
	defaultBackoffBase        = time.Second
	defaultBackoffMax         = 30 * time.Second
)

// Client maintains one presence channel. All recovery goes through the
// watchdog: event handlers record what happened and never reconnect inline,
// so there is a single authority deciding when a new channel is created.
type Client struct {
	cfg    Config
	logger *zap.Logger
	clock  Clock

	mu        sync.Mutex
	status    ConnectionStatus
	announced bool
	cache     State
	channel   Channel
	lastEvent time.Time
	attempts  int
	nextTry   time.Time
	// gen identifies the current channel; events from superseded read loops
	// carry an older gen and are dropped.
	gen int

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewClient validates cfg and builds a Client. Call Start to bring it up.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("member key is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = defaultStalenessThreshold
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = AlwaysOnline{}
	}
	if cfg.Visibility == nil {
		cfg.Visibility = AlwaysVisible{}
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("topic", cfg.Topic)),
		clock:  cfg.Clock,
		status: StatusDisconnected,
		cache:  make(State),
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the watchdog and heartbeat loops. The first channel is
// opened by the watchdog's initial evaluation.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.watchdogLoop()
		go c.heartbeatLoop()
	})
}

// Close tears the client down: withdraws the announcement best-effort, closes
// the channel, and stops both loops. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)

		c.mu.Lock()
		ch := c.channel
		announced := c.status == StatusConnected && c.announced
		c.channel = nil
		c.gen++
		c.status = StatusDisconnected
		c.announced = false
		c.cache = make(State)
		c.mu.Unlock()

		if ch != nil {
			if announced {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := ch.Untrack(ctx); err != nil {
					c.logger.Debug("untrack on close failed", zap.Error(err))
				}
				cancel()
			}
			_ = ch.Close()
		}
	})
	c.wg.Wait()
}

// Status reports the current connection status.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Snapshot returns a copy of the membership cache.
func (c *Client) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.clone()
}

// Announced reports whether the local member's announcement is live on the
// current channel.
func (c *Client) Announced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.announced
}

func (c *Client) watchdogLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	c.watchdogTick()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.watchdogTick()
		}
	}
}

// watchdogTick is the single place channels are torn down for staleness and
// the single place new channels are created.
func (c *Client) watchdogTick() {
	now := c.clock.Now()

	if !c.cfg.Visibility.Visible() {
		c.mu.Lock()
		ch := c.channel
		gen := c.gen
		c.mu.Unlock()
		if ch != nil {
			c.logger.Debug("surface hidden, releasing channel")
			c.teardown(gen, ch, StatusDisconnected, nil)
		}
		return
	}

	c.mu.Lock()
	status := c.status
	ch := c.channel
	gen := c.gen
	silent := now.Sub(c.lastEvent)
	nextTry := c.nextTry
	c.mu.Unlock()

	if ch != nil {
		if silent > c.cfg.StalenessThreshold {
			c.logger.Warn("channel went silent, declaring it dead",
				zap.Duration("silent_for", silent),
			)
			c.teardown(gen, ch, StatusError, fmt.Errorf("no events for %s", silent))
		}
		return
	}

	if status == StatusConnecting {
		return
	}
	if !c.cfg.Connectivity.Online() {
		return
	}
	if now.Before(nextTry) {
		return
	}
	c.connect()
}

func (c *Client) connect() {
	c.mu.Lock()
	c.status = StatusConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.notifyStatus(StatusConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WatchdogInterval)
	defer cancel()

	ch, err := c.cfg.Transport.Open(ctx, c.cfg.Topic)
	if err != nil {
		c.mu.Lock()
		if gen == c.gen {
			c.status = StatusError
			c.attempts++
			c.nextTry = c.clock.Now().Add(c.backoff())
		}
		attempt := c.attempts
		c.mu.Unlock()
		c.notifyStatus(StatusError)
		c.logger.Warn("open channel failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	c.channel = ch
	c.lastEvent = c.clock.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(gen, ch)
}

func (c *Client) readLoop(gen int, ch Channel) {
	defer c.wg.Done()
	for ev := range ch.Events() {
		c.handleEvent(gen, ev, ch)
	}
	status := StatusDisconnected
	err := ch.Err()
	if err != nil {
		status = StatusError
	}
	c.teardown(gen, ch, status, err)
}

func (c *Client) handleEvent(gen int, ev Event, ch Channel) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.lastEvent = c.clock.Now()

	var snapshot State
	announce := false
	switch ev.Type {
	case EventJoined:
		c.status = StatusConnected
		c.attempts = 0
		c.nextTry = time.Time{}
		c.announced = false
		announce = true
	case EventState:
		c.cache = ev.State.clone()
		snapshot = c.cache.clone()
	case EventJoin:
		entries := make([]Entry, len(ev.Entries))
		copy(entries, ev.Entries)
		c.cache[ev.Key] = entries
		snapshot = c.cache.clone()
	case EventLeave:
		delete(c.cache, ev.Key)
		snapshot = c.cache.clone()
	}
	c.mu.Unlock()

	if announce {
		c.notifyStatus(StatusConnected)
		c.announce(gen, ch)
	}
	if snapshot != nil && c.cfg.OnSync != nil {
		c.cfg.OnSync(snapshot)
	}
}

func (c *Client) notifyStatus(status ConnectionStatus) {
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(status)
	}
}

// announce tracks the local member exactly once per successful join. When it
// fails, the flag stays down: the heartbeat never retries a failed
// announcement, only the next join acknowledgement triggers a new attempt.
func (c *Client) announce(gen int, ch Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WatchdogInterval)
	defer cancel()

	payload := TrackPayload{Key: c.cfg.Key, OnlineAt: c.clock.Now()}
	if err := ch.Track(ctx, payload); err != nil {
		c.logger.Warn("announce failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	if gen == c.gen {
		c.announced = true
	}
	c.mu.Unlock()
	c.logger.Debug("announced presence", zap.String("key", c.cfg.Key))
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.heartbeatTick()
		}
	}
}

// heartbeatTick re-announces the local member to keep the server-side entry
// fresh. It only fires when the current channel already carries a successful
// announcement. A round trip that succeeds proves the channel is alive, so it
// also counts as a health signal for the staleness watchdog; a topic with no
// inbound traffic must not look dead.
func (c *Client) heartbeatTick() {
	c.mu.Lock()
	ch := c.channel
	gen := c.gen
	ok := c.status == StatusConnected && c.announced && ch != nil
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval)
	defer cancel()

	payload := TrackPayload{Key: c.cfg.Key, OnlineAt: c.clock.Now()}
	if err := ch.Track(ctx, payload); err != nil {
		c.logger.Warn("heartbeat re-announce failed", zap.Error(err))
		c.mu.Lock()
		if gen == c.gen {
			c.announced = false
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if gen == c.gen {
		c.lastEvent = c.clock.Now()
	}
	c.mu.Unlock()
}

// teardown retires the channel identified by gen: it clears the membership
// cache and the announcement flag and records why the channel died. It never
// opens a replacement; that is the watchdog's job.
func (c *Client) teardown(gen int, ch Channel, status ConnectionStatus, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.channel = nil
	c.announced = false
	c.cache = make(State)
	c.status = status
	c.attempts++
	c.nextTry = c.clock.Now().Add(c.backoff())
	c.mu.Unlock()

	_ = ch.Close()
	c.notifyStatus(status)
	if cause != nil {
		c.logger.Warn("channel down", zap.Error(cause))
	} else {
		c.logger.Debug("channel closed")
	}
	if c.cfg.OnSync != nil {
		c.cfg.OnSync(State{})
	}
}

// backoff computes the delay before the next recreation attempt. Callers hold
// c.mu.
func (c *Client) backoff() time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < c.attempts; i++ {
		d *= 2
		if d >= c.cfg.BackoffMax {
			return c.cfg.BackoffMax
		}
	}
	if d > c.cfg.BackoffMax {
		return c.cfg.BackoffMax
	}
	return d
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
