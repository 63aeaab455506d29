package syncqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingManager = errors.New("queue manager is required")

const connectivityBufferSize = 4

// Connectivity carries the online/offline signal from the platform
// collaborator to the background sync runner.
type Connectivity struct {
	mu          sync.RWMutex
	online      bool
	subscribers map[int64]chan bool
	nextID      int64
}

// NewConnectivity constructs the signal with an initial state.
func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{
		online:      online,
		subscribers: make(map[int64]chan bool),
	}
}

// Online reports the current state.
func (c *Connectivity) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// SetOnline records a state change and notifies subscribers. Repeated calls
// with the same state are ignored.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	streams := make([]chan bool, 0, len(c.subscribers))
	for _, stream := range c.subscribers {
		streams = append(streams, stream)
	}
	c.mu.Unlock()

	for _, stream := range streams {
		select {
		case stream <- online:
		default:
		}
	}
}

// Subscribe delivers state transitions until the returned cancel func is called.
func (c *Connectivity) Subscribe() (<-chan bool, func()) {
	stream := make(chan bool, connectivityBufferSize)
	c.mu.Lock()
	c.nextID++
	subscriberID := c.nextID
	c.subscribers[subscriberID] = stream
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subscribers, subscriberID)
		c.mu.Unlock()
	}
	return stream, cancel
}

// RunnerConfig describes the background sync driver.
type RunnerConfig struct {
	Manager      *Manager
	Connectivity *Connectivity
	Interval     time.Duration
	Logger       *zap.Logger
}

// Runner drives ProcessQueue on connectivity transitions and on a timer,
// independent of any UI lifecycle. It communicates with the foreground only
// through the queue's persisted state.
type Runner struct {
	manager      *Manager
	connectivity *Connectivity
	interval     time.Duration
	logger       *zap.Logger
}

// NewRunner constructs the background driver.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Manager == nil {
		return nil, newServiceError("syncqueue.runner.new", "missing_manager", errMissingManager)
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = NewConnectivity(true)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		manager:      cfg.Manager,
		connectivity: connectivity,
		interval:     interval,
		logger:       logger,
	}, nil
}

// Start launches the background loop and returns immediately. The loop stops
// when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	transitions, cancel := r.connectivity.Subscribe()
	defer cancel()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if r.connectivity.Online() {
		r.runCycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-transitions:
			if online {
				r.logger.Info("connectivity restored, syncing")
				r.runCycle(ctx)
			}
		case <-ticker.C:
			if r.connectivity.Online() {
				r.runCycle(ctx)
			}
		}
	}
}

func (r *Runner) runCycle(ctx context.Context) {
	if err := r.manager.ProcessQueue(ctx); err != nil {
		r.logger.Error("sync cycle failed", zap.Error(err))
		return
	}
	if err := r.manager.PullChanges(ctx); err != nil {
		r.logger.Error("incremental pull failed", zap.Error(err))
	}
}
