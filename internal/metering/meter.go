// Package metering aggregates evaluation counts and reports them to the
// usage endpoint in batches.
package metering

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/internal/apperr"
	"github.com/TimurManjosov/appconfig/internal/engine"
	"github.com/TimurManjosov/appconfig/internal/telemetry"
	"github.com/TimurManjosov/appconfig/internal/transport"
)

const (
	DefaultInterval   = 10 * time.Minute
	DefaultRetryDelay = time.Minute
	DefaultBatchLimit = 25

	// closeTimeout bounds the final flush on Close, on top of RetryDelay.
	closeTimeout = 30 * time.Second
	timeLayout   = "2006-01-02T15:04:05Z"
)

// Kind tells features and properties apart in a usage entry.
type Kind string

const (
	KindFeature  Kind = "feature"
	KindProperty Kind = "property"
)

// Key identifies one aggregated usage counter.
type Key struct {
	Tenant      string
	Environment string
	Collection  string
	Kind        Kind
	ItemID      string
	EntityID    string
	SegmentID   string
}

type counter struct {
	count    int
	lastEval time.Time
}

// Usage is one entry of a usage batch. EntityID and SegmentID are null when
// no entity or segment applies.
type Usage struct {
	FeatureID      string  `json:"feature_id,omitempty"`
	PropertyID     string  `json:"property_id,omitempty"`
	EntityID       *string `json:"entity_id"`
	SegmentID      *string `json:"segment_id"`
	EvaluationTime string  `json:"evaluation_time"`
	Count          int     `json:"count"`
}

// Batch is the body of one usage request.
type Batch struct {
	CollectionID  string  `json:"collection_id"`
	EnvironmentID string  `json:"environment_id"`
	Usages        []Usage `json:"usages"`
}

// Sender posts a usage batch.
type Sender interface {
	Post(ctx context.Context, url string, body any) (*transport.Response, error)
}

// Options configures a Meter.
type Options struct {
	Sender Sender
	// BaseURL is the service base; the tenant selects the usage endpoint.
	BaseURL    string
	Interval   time.Duration
	RetryDelay time.Duration
	BatchLimit int

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Meter counts evaluations and flushes them periodically. Record is safe for
// concurrent use and never blocks on the network.
type Meter struct {
	opts    Options
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending map[Key]*counter

	cancel context.CancelFunc
	wg     *conc.WaitGroup
	closed atomic.Bool
}

// New creates a meter. Zero options use the defaults; call Start to begin
// periodic flushing.
func New(opts Options) *Meter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Meter{
		opts:    opts,
		logger:  logger.Named("metering"),
		metrics: opts.Metrics,
		now:     time.Now,
		pending: make(map[Key]*counter),
		wg:      conc.NewWaitGroup(),
	}
}

// Start launches the flush timer.
func (m *Meter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Go(func() {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Flush(ctx); err != nil {
					m.logger.Warn("usage flush failed", zap.Error(err))
				}
			}
		}
	})
}

// Record counts one evaluation of key.
func (m *Meter) Record(key Key) {
	now := m.now()
	m.mu.Lock()
	c, ok := m.pending[key]
	if !ok {
		c = &counter{}
		m.pending[key] = c
	}
	c.count++
	c.lastEval = now
	n := len(m.pending)
	m.mu.Unlock()
	m.metrics.SetMeteringPending(n)
}

// Pending returns the number of distinct counters waiting to be flushed.
func (m *Meter) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush sends everything recorded so far. Records made during a flush are
// kept for the next one. Every batch is posted once; batches that failed
// with a retryable error are posted again after RetryDelay. Batches that
// still fail are dropped and reported in the returned error. When ctx ends
// first, unsent batches go back to the accumulator.
func (m *Meter) Flush(ctx context.Context) error {
	return m.flush(ctx, true)
}

func (m *Meter) flush(ctx context.Context, requeue bool) error {
	m.mu.Lock()
	taken := m.pending
	m.pending = make(map[Key]*counter)
	m.mu.Unlock()
	m.metrics.SetMeteringPending(0)

	if len(taken) == 0 {
		return nil
	}

	var errs []error
	retry := m.sendAll(ctx, m.batches(taken), &errs)
	if len(retry) > 0 && ctx.Err() == nil {
		m.logger.Warn("usage send failed, retrying",
			zap.Int("batches", len(retry)), zap.Duration("delay", m.opts.RetryDelay))
		timer := time.NewTimer(m.opts.RetryDelay)
		select {
		case <-timer.C:
			again := make([]tenantBatch, len(retry))
			for i, f := range retry {
				again[i] = f.batch
			}
			retry = m.sendAll(ctx, again, &errs)
		case <-ctx.Done():
			timer.Stop()
		}
	}
	for _, f := range retry {
		if requeue && ctx.Err() != nil {
			m.restore(f.batch.entries)
			continue
		}
		m.drop(f.batch, f.err)
		errs = append(errs, fmt.Errorf("send usage batch: %w", f.err))
	}
	return errors.Join(errs...)
}

type failedBatch struct {
	batch tenantBatch
	err   error
}

// sendAll posts each batch once. Permanent failures are dropped into errs;
// retryable ones, and those cut short by ctx, are returned.
func (m *Meter) sendAll(ctx context.Context, batches []tenantBatch, errs *[]error) []failedBatch {
	var retry []failedBatch
	for _, tb := range batches {
		if err := ctx.Err(); err != nil {
			retry = append(retry, failedBatch{batch: tb, err: err})
			continue
		}
		err := m.send(ctx, tb)
		switch {
		case err == nil:
			m.metrics.ObserveBatch("sent")
		case apperr.Retryable(err) || ctx.Err() != nil:
			retry = append(retry, failedBatch{batch: tb, err: err})
		default:
			m.drop(tb, err)
			*errs = append(*errs, fmt.Errorf("send usage batch: %w", err))
		}
	}
	return retry
}

// restore merges unsent counters back into the accumulator.
func (m *Meter) restore(entries map[Key]*counter) {
	m.mu.Lock()
	for k, c := range entries {
		cur, ok := m.pending[k]
		if !ok {
			m.pending[k] = c
			continue
		}
		cur.count += c.count
		if c.lastEval.After(cur.lastEval) {
			cur.lastEval = c.lastEval
		}
	}
	n := len(m.pending)
	m.mu.Unlock()
	m.metrics.SetMeteringPending(n)
}

func (m *Meter) drop(tb tenantBatch, err error) {
	m.metrics.ObserveBatch("dropped")
	m.logger.Error("usage batch dropped",
		zap.String("collection_id", tb.batch.CollectionID),
		zap.String("environment_id", tb.batch.EnvironmentID),
		zap.Int("usages", len(tb.batch.Usages)),
		zap.Error(err))
}

type tenantBatch struct {
	tenant  string
	batch   Batch
	entries map[Key]*counter
}

// batches groups counters by tenant, environment and collection, and splits
// each group at the batch limit. Output order is deterministic.
func (m *Meter) batches(taken map[Key]*counter) []tenantBatch {
	keys := make([]Key, 0, len(taken))
	for k := range taken {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(
			cmp.Compare(a.Tenant, b.Tenant),
			cmp.Compare(a.Environment, b.Environment),
			cmp.Compare(a.Collection, b.Collection),
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.ItemID, b.ItemID),
			cmp.Compare(a.EntityID, b.EntityID),
			cmp.Compare(a.SegmentID, b.SegmentID),
		)
	})

	var out []tenantBatch
	for i := 0; i < len(keys); {
		k := keys[i]
		j := i
		for j < len(keys) && keys[j].Tenant == k.Tenant && keys[j].Environment == k.Environment && keys[j].Collection == k.Collection {
			j++
		}
		for chunk := range slices.Chunk(keys[i:j], m.opts.BatchLimit) {
			b := Batch{CollectionID: k.Collection, EnvironmentID: k.Environment, Usages: make([]Usage, 0, len(chunk))}
			entries := make(map[Key]*counter, len(chunk))
			for _, ck := range chunk {
				b.Usages = append(b.Usages, toUsage(ck, taken[ck]))
				entries[ck] = taken[ck]
			}
			out = append(out, tenantBatch{tenant: k.Tenant, batch: b, entries: entries})
		}
		i = j
	}
	return out
}

func toUsage(k Key, c *counter) Usage {
	u := Usage{
		EntityID:       nullable(k.EntityID),
		SegmentID:      nullable(k.SegmentID),
		EvaluationTime: c.lastEval.UTC().Format(timeLayout),
		Count:          c.count,
	}
	if k.Kind == KindProperty {
		u.PropertyID = k.ItemID
	} else {
		u.FeatureID = k.ItemID
	}
	return u
}

func nullable(s string) *string {
	if s == "" || s == engine.NoSegment {
		return nil
	}
	return &s
}

// send posts one batch once.
func (m *Meter) send(ctx context.Context, tb tenantBatch) error {
	ctx, span := telemetry.Tracer().Start(ctx, "appconfig.metering.send")
	defer span.End()
	span.SetAttributes(attribute.Int("usages", len(tb.batch.Usages)))

	_, err := m.opts.Sender.Post(ctx, transport.MeteringURL(m.opts.BaseURL, tb.tenant), tb.batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Close stops the timer and flushes what is pending, including batches a
// cancelled periodic flush handed back. The final flush has room for one
// retry. Close is idempotent.
func (m *Meter) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RetryDelay+closeTimeout)
	defer cancel()
	return m.flush(ctx, false)
}
