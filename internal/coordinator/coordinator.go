// Package coordinator keeps the configuration cache fresh.
//
// After a synchronous local load it fetches the configuration, subscribes to
// the push channel and refetches whenever the service signals a change.
// Failed fetches are retried on a constant interval while the network is
// reachable; a dropped push channel is reopened after a short delay.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/internal/apperr"
	"github.com/TimurManjosov/appconfig/internal/cache"
	"github.com/TimurManjosov/appconfig/internal/connectivity"
	"github.com/TimurManjosov/appconfig/internal/store"
	"github.com/TimurManjosov/appconfig/internal/telemetry"
	"github.com/TimurManjosov/appconfig/internal/transport"
)

// State is the coordinator lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "READY"
	}
	return "UNINITIALIZED"
}

// Defaults for Options.
const (
	DefaultFetchRetryInterval = 10 * time.Minute
	DefaultSocketRetryDelay   = 5 * time.Second
	DefaultImmediateAttempts  = 3
	DefaultWatchDebounce      = 100 * time.Millisecond
)

// Options configures a Coordinator.
type Options struct {
	Cache     *cache.Cache
	Client    *transport.Client
	Endpoints transport.Endpoints

	// LiveUpdates enables network fetches and the push channel. Without it
	// the bootstrap file is watched for changes instead.
	LiveUpdates   bool
	BootstrapFile string

	FetchRetryInterval time.Duration
	SocketRetryDelay   time.Duration
	// ImmediateAttempts is how many back-to-back fetch attempts precede the
	// retry interval.
	ImmediateAttempts int
	WatchDebounce     time.Duration

	// Prober gates retries on network reachability. Nil assumes the
	// network is always reachable.
	Prober *connectivity.Prober

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

type eventKind int

const (
	evSocketOpen eventKind = iota
	evSocketMessage
	evSocketClosed
	evSocketReconnect
	evConnectivity
)

type event struct {
	kind eventKind
	// gen identifies the socket that raised the event.
	gen       uint64
	connected bool
}

// Coordinator orchestrates fetches, the push channel and connectivity.
type Coordinator struct {
	opts    Options
	logger  *zap.Logger
	metrics *telemetry.Metrics

	state atomic.Int32

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          *conc.WaitGroup
	events      chan event

	gate        fetchGate
	fetchMu     sync.Mutex
	fetchRetry  task
	socketRetry task

	// socket, socketGen and onSocketRetry are owned by the event loop.
	socket        *transport.Socket
	socketGen     uint64
	onSocketRetry bool
	connected     atomic.Bool
}

// New creates a coordinator. Zero durations use the defaults.
func New(opts Options) *Coordinator {
	if opts.FetchRetryInterval <= 0 {
		opts.FetchRetryInterval = DefaultFetchRetryInterval
	}
	if opts.SocketRetryDelay <= 0 {
		opts.SocketRetryDelay = DefaultSocketRetryDelay
	}
	if opts.ImmediateAttempts <= 0 {
		opts.ImmediateAttempts = DefaultImmediateAttempts
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = DefaultWatchDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		opts:    opts,
		logger:  logger.Named("sync"),
		metrics: opts.Metrics,
	}
	c.connected.Store(true)
	return c
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Start loads the local configuration synchronously and then starts the
// background sync. Calling Start again restarts the coordinator.
func (c *Coordinator) Start() error {
	c.Stop()

	if c.opts.Cache == nil {
		return fmt.Errorf("%w: cache is required", apperr.ErrConfiguration)
	}
	if c.opts.LiveUpdates && c.opts.Client == nil {
		return fmt.Errorf("%w: client is required for live updates", apperr.ErrConfiguration)
	}
	if err := c.opts.Cache.LoadInitial(); err != nil {
		return err
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c.ctx, c.cancel = ctx, cancel
	c.wg = conc.NewWaitGroup()
	c.events = make(chan event, 32)
	c.socket = nil
	c.socketGen = 0
	c.onSocketRetry = false
	c.connected.Store(true)

	if c.opts.LiveUpdates {
		events := c.events
		c.wg.Go(func() { c.loop(ctx, events) })
		c.wg.Go(func() {
			c.refresh(ctx)
			c.post(ctx, events, event{kind: evSocketReconnect})
		})
		if c.opts.Prober != nil {
			c.wg.Go(func() {
				c.opts.Prober.Run(ctx, func(up bool) {
					c.post(ctx, events, event{kind: evConnectivity, connected: up})
				})
			})
		}
	} else if c.opts.BootstrapFile != "" {
		w := store.NewWatcher(c.opts.BootstrapFile, c.opts.WatchDebounce, c.logger)
		c.wg.Go(func() {
			err := w.Run(ctx, func() {
				changed, err := c.opts.Cache.ReloadBootstrap()
				if err != nil {
					c.logger.Warn("bootstrap reload failed", zap.Error(err))
					return
				}
				if changed {
					c.opts.Cache.NotifyUpdate()
				}
			})
			if err != nil {
				c.logger.Warn("bootstrap watch stopped", zap.Error(err))
			}
		})
	}

	c.state.Store(int32(StateReady))
	c.logger.Info("configuration sync started", zap.Bool("live_updates", c.opts.LiveUpdates))
	return nil
}

// Stop cancels the push channel, retries, prober and watcher, and returns
// once all of them have exited. Stop is idempotent.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	c.fetchRetry.stop()
	c.socketRetry.stop()
	c.wg.Wait()
	c.fetchRetry.stop()
	c.socketRetry.stop()
	c.cancel = nil
	c.state.Store(int32(StateUninitialized))
}

// post delivers ev to the loop. Events are dropped once ctx is done.
func (c *Coordinator) post(ctx context.Context, events chan<- event, ev event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// tryPost delivers ev without blocking. Socket callbacks use it because the
// loop may be waiting for the same socket to close.
func (c *Coordinator) tryPost(ctx context.Context, events chan<- event, ev event) {
	if ctx.Err() != nil {
		return
	}
	select {
	case events <- ev:
	default:
		c.logger.Warn("sync event queue full, dropping event", zap.Int("kind", int(ev.kind)))
	}
}

func (c *Coordinator) loop(ctx context.Context, events chan event) {
	defer c.closeSocket()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.handle(ctx, events, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, events chan event, ev event) {
	switch ev.kind {
	case evSocketReconnect:
		c.startSocket(ctx, events)

	case evSocketOpen:
		if ev.gen != c.socketGen {
			return
		}
		c.socketRetry.stop()
		if c.onSocketRetry {
			// Changes may have been missed while the channel was down.
			c.onSocketRetry = false
			c.goRefresh(ctx)
		}

	case evSocketMessage:
		if ev.gen != c.socketGen {
			return
		}
		c.goRefresh(ctx)

	case evSocketClosed:
		if ev.gen != c.socketGen {
			return
		}
		c.onSocketRetry = true
		c.metrics.ObserveSocketReconnect()
		if c.connected.Load() {
			c.scheduleSocketRetry(ctx, events)
		}

	case evConnectivity:
		was := c.connected.Swap(ev.connected)
		switch {
		case ev.connected && !was:
			c.logger.Info("network reachable again, resyncing")
			c.goRefresh(ctx)
			c.startSocket(ctx, events)
		case !ev.connected && was:
			c.logger.Warn("network unreachable, suspending retries")
			c.fetchRetry.stop()
			c.socketRetry.stop()
		}
	}
}

func (c *Coordinator) goRefresh(ctx context.Context) {
	c.wg.Go(func() { c.refresh(ctx) })
}
