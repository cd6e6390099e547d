package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/internal/apperr"
	"github.com/TimurManjosov/appconfig/internal/telemetry"
)

// Refresh fetches the configuration now. A call made while a fetch is in
// flight waits for one more fetch that starts after the current one ends.
// On a retryable failure the background retry loop is armed.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.opts.LiveUpdates {
		return fmt.Errorf("%w: live updates are disabled", apperr.ErrConfiguration)
	}
	c.lifecycleMu.Lock()
	running := c.ctx
	c.lifecycleMu.Unlock()
	if running == nil || running.Err() != nil {
		return fmt.Errorf("%w: coordinator is not running", apperr.ErrConfiguration)
	}
	return c.refreshWith(ctx, running)
}

func (c *Coordinator) refresh(ctx context.Context) {
	_ = c.refreshWith(ctx, ctx)
}

// fetchGate coalesces fetch triggers. Triggers arriving during a fetch mark
// the gate dirty and are all answered by a single follow-up fetch.
type fetchGate struct {
	mu      sync.Mutex
	running bool
	dirty   bool
	waiters []chan error
}

func deliver(waiters []chan error, err error) {
	for _, ch := range waiters {
		ch <- err
	}
}

// fetchPending reports whether a follow-up fetch is queued.
func (c *Coordinator) fetchPending() bool {
	c.gate.mu.Lock()
	defer c.gate.mu.Unlock()
	return c.gate.dirty
}

// refreshWith fetches with a few immediate attempts, then keeps fetching
// while triggers arrived during the previous round. The first round runs
// under ctx, follow-ups and retry scheduling under parent so they die with
// the coordinator.
func (c *Coordinator) refreshWith(ctx, parent context.Context) error {
	g := &c.gate
	g.mu.Lock()
	if g.running {
		g.dirty = true
		ch := make(chan error, 1)
		g.waiters = append(g.waiters, ch)
		g.mu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.running = true
	g.mu.Unlock()

	var (
		err    error
		served []chan error
	)
	round := ctx
	for {
		err = c.fetchRound(round)
		deliver(served, err)

		g.mu.Lock()
		if !g.dirty || parent.Err() != nil {
			rest := g.waiters
			g.running, g.dirty, g.waiters = false, false, nil
			g.mu.Unlock()
			if len(rest) > 0 {
				deliver(rest, parent.Err())
			}
			break
		}
		served, g.waiters, g.dirty = g.waiters, nil, false
		g.mu.Unlock()
		round = parent
	}

	switch {
	case err == nil:
		c.fetchRetry.stop()
	case apperr.Retryable(err) && c.connected.Load() && parent.Err() == nil:
		c.logger.Warn("configuration fetch failed, scheduling retry",
			zap.Duration("interval", c.opts.FetchRetryInterval), zap.Error(err))
		c.scheduleFetchRetry(parent)
	default:
		c.logger.Error("configuration fetch failed", zap.Error(err))
	}
	return err
}

func (c *Coordinator) fetchRound(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, permanentUnlessRetryable(c.fetchOnce(ctx))
	},
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(c.opts.ImmediateAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

func (c *Coordinator) scheduleFetchRetry(parent context.Context) {
	if c.fetchRetry.running() {
		return
	}
	c.fetchRetry.start(parent, func(ctx context.Context) {
		select {
		case <-time.After(c.opts.FetchRetryInterval):
		case <-ctx.Done():
			return
		}
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, permanentUnlessRetryable(c.fetchOnce(ctx))
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.FetchRetryInterval)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn("configuration fetch retry failed", zap.Duration("next", next), zap.Error(err))
			}),
		)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("configuration fetch retry abandoned", zap.Error(err))
		}
	})
}

// fetchOnce performs a single fetch and applies the result to the cache.
// Fetches are serialized so results apply in request order.
func (c *Coordinator) fetchOnce(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "appconfig.fetch")
	defer span.End()

	resp, err := c.opts.Client.Get(ctx, c.opts.Endpoints.Config)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if apperr.Retryable(err) {
			c.metrics.ObserveFetch("retryable")
		} else {
			c.metrics.ObserveFetch("permanent")
		}
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	changed, err := c.opts.Cache.ApplyFetched(resp.Body)
	if err != nil {
		span.RecordError(err)
		c.metrics.ObserveFetch("permanent")
		return fmt.Errorf("apply fetched configuration: %w", err)
	}
	span.SetAttributes(attribute.Bool("appconfig.changed", changed))
	c.metrics.ObserveFetch("success")
	c.logger.Debug("configuration fetched", zap.Int("bytes", len(resp.Body)), zap.Bool("changed", changed))
	c.opts.Cache.NotifyUpdate()
	return nil
}

func permanentUnlessRetryable(err error) error {
	if err == nil || apperr.Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
