package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimurManjosov/appconfig/internal/apperr"
	"github.com/TimurManjosov/appconfig/internal/engine"
	"github.com/TimurManjosov/appconfig/internal/testutil"
	"github.com/TimurManjosov/appconfig/internal/transport"
)

func newTestMeter(t *testing.T, s *testutil.FakeServer) *Meter {
	t.Helper()
	m := New(Options{
		Sender:     transport.NewClient(transport.StaticToken("tok"), time.Second),
		BaseURL:    s.URL,
		RetryDelay: 10 * time.Millisecond,
	})
	m.now = func() time.Time { return time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC) }
	return m
}

func decodeBatches(t *testing.T, s *testutil.FakeServer) []Batch {
	t.Helper()
	var out []Batch
	for _, body := range s.Usages() {
		var b Batch
		require.NoError(t, json.Unmarshal(body, &b))
		out = append(out, b)
	}
	return out
}

func featureKey(entity, segment string) Key {
	return Key{Tenant: "guid", Environment: "dev", Collection: "c1", Kind: KindFeature, ItemID: "f1", EntityID: entity, SegmentID: segment}
}

func TestRecord_AggregatesSameKey(t *testing.T) {
	s := testutil.NewFakeServer(t)
	m := newTestMeter(t, s)

	for i := 0; i < 7; i++ {
		m.Record(featureKey("u1", "s1"))
	}
	assert.Equal(t, 1, m.Pending())

	require.NoError(t, m.Flush(context.Background()))
	batches := decodeBatches(t, s)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Usages, 1)

	u := batches[0].Usages[0]
	assert.Equal(t, "f1", u.FeatureID)
	assert.Empty(t, u.PropertyID)
	assert.Equal(t, 7, u.Count)
	assert.Equal(t, "2024-03-01T10:30:00Z", u.EvaluationTime)
	require.NotNil(t, u.EntityID)
	assert.Equal(t, "u1", *u.EntityID)
	require.NotNil(t, u.SegmentID)
	assert.Equal(t, "s1", *u.SegmentID)
	assert.Equal(t, "c1", batches[0].CollectionID)
	assert.Equal(t, "dev", batches[0].EnvironmentID)
}

func TestFlush_ResetsAccumulator(t *testing.T) {
	s := testutil.NewFakeServer(t)
	m := newTestMeter(t, s)

	m.Record(featureKey("u1", "s1"))
	require.NoError(t, m.Flush(context.Background()))
	assert.Zero(t, m.Pending())

	require.NoError(t, m.Flush(context.Background()))
	assert.Len(t, s.Usages(), 1, "empty flush sends nothing")
}

func TestFlush_NullSentinels(t *testing.T) {
	s := testutil.NewFakeServer(t)
	m := newTestMeter(t, s)

	m.Record(featureKey(engine.NoSegment, engine.NoSegment))
	require.NoError(t, m.Flush(context.Background()))

	require.Len(t, s.Usages(), 1)
	assert.JSONEq(t, `{
		"collection_id": "c1",
		"environment_id": "dev",
		"usages": [{"feature_id": "f1", "entity_id": null, "segment_id": null, "evaluation_time": "2024-03-01T10:30:00Z", "count": 1}]
	}`, string(s.Usages()[0]))
}

func TestFlush_SplitsAtBatchLimit(t *testing.T) {
	s := testutil.NewFakeServer(t)
	m := newTestMeter(t, s)

	for i := 0; i < 60; i++ {
		m.Record(featureKey(fmt.Sprintf("user-%02d", i), "s1"))
	}
	require.NoError(t, m.Flush(context.Background()))

	batches := decodeBatches(t, s)
	require.Len(t, batches, 3)
	sizes := []int{len(batches[0].Usages), len(batches[1].Usages), len(batches[2].Usages)}
	assert.Equal(t, []int{25, 25, 10}, sizes)
	for _, b := range batches {
		assert.Equal(t, "c1", b.CollectionID)
		assert.Equal(t, "dev", b.EnvironmentID)
	}
}

func TestFlush_GroupsByCollectionAndKind(t *testing.T) {
	s := testutil.NewFakeServer(t)
	m := newTestMeter(t, s)

	m.Record(featureKey("u1", "s1"))
	m.Record(Key{Tenant: "guid", Environment: "dev", Collection: "c1", Kind: KindProperty, ItemID: "p1", EntityID: "u1", SegmentID: engine.NoSegment})
	m.Record(Key{Tenant: "guid", Environment: "prod", Collection: "c2", Kind: KindFeature, ItemID: "f1", EntityID: "u1", SegmentID: "s1"})
	require.NoError(t, m.Flush(context.Background()))

	batches := decodeBatches(t, s)
	require.Len(t, batches, 2)
	assert.Equal(t, "c1", batches[0].CollectionID)
	assert.Len(t, batches[0].Usages, 2, "features and properties share a collection batch")
	assert.Equal(t, "c2", batches[1].CollectionID)
	assert.Equal(t, "prod", batches[1].EnvironmentID)

	var property Usage
	for _, u := range batches[0].Usages {
		if u.PropertyID != "" {
			property = u
		}
	}
	assert.Equal(t, "p1", property.PropertyID)
	assert.Nil(t, property.SegmentID)
}

func TestFlush_RetryableFailureRetriedOnce(t *testing.T) {
	s := testutil.NewFakeServer(t)
	s.SetUsageStatuses(http.StatusServiceUnavailable)
	m := newTestMeter(t, s)

	m.Record(featureKey("u1", "s1"))
	require.NoError(t, m.Flush(context.Background()))
	assert.Len(t, s.Usages(), 2)
}

func TestFlush_RetryableFailureDroppedAfterRetry(t *testing.T) {
	s := testutil.NewFakeServer(t)
	s.SetUsageStatuses(http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusServiceUnavailable)
	m := newTestMeter(t, s)

	m.Record(featureKey("u1", "s1"))
	err := m.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	assert.Len(t, s.Usages(), 2, "exactly one retry")
	assert.Zero(t, m.Pending(), "dropped batches are not requeued")
}

func TestFlush_RetryDoesNotDelayOtherBatches(t *testing.T) {
	s := testutil.NewFakeServer(t)
	s.SetUsageStatuses(http.StatusServiceUnavailable)
	m := newTestMeter(t, s)

	m.Record(featureKey("u1", "s1"))
	m.Record(Key{Tenant: "guid", Environment: "dev", Collection: "c2", Kind: KindFeature, ItemID: "f1", EntityID: "u1", SegmentID: "s1"})
	require.NoError(t, m.Flush(context.Background()))

	batches := decodeBatches(t, s)
	require.Len(t, batches, 3)
	got := []string{batches[0].CollectionID, batches[1].CollectionID, batches[2].CollectionID}
	assert.Equal(t, []string{"c1", "c2", "c1"}, got, "c2 goes out before c1 is retried")
}

func TestFlush_CancelledDuringRetryRequeues(t *testing.T) {
	s := testutil.NewFakeServer(t)
	s.SetUsageStatuses(http.StatusServiceUnavailable)
	m := newTestMeter(t, s)
	m.opts.RetryDelay = time.Hour

	m.Record(featureKey("u1", "s1"))
	m.Record(featureKey("u1", "s1"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Flush(ctx) }()

	require.Eventually(t, func() bool { return len(s.Usages()) == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("flush did not return")
	}
	assert.Equal(t, 1, m.Pending(), "unsent counters restored")

	m.Record(featureKey("u1", "s1"))
	require.NoError(t, m.Flush(context.Background()))
	batches := decodeBatches(t, s)
	require.Len(t, batches, 2)
	assert.Equal(t, 3, batches[1].Usages[0].Count)
}

func TestFlush_PermanentFailureNotRetried(t *testing.T) {
	s := testutil.NewFakeServer(t)
	s.SetUsageStatuses(http.StatusBadRequest)
	m := newTestMeter(t, s)

	m.Record(featureKey("u1", "s1"))
	err := m.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPermanentRequest)
	assert.Len(t, s.Usages(), 1)
}

func TestRecord_ConcurrentWithFlush(t *testing.T) {
	s := testutil.NewFakeServer(t)
	m := newTestMeter(t, s)

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.Record(featureKey("u1", "s1"))
			}
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Flush(context.Background()))
	}
	wg.Wait()
	require.NoError(t, m.Flush(context.Background()))

	total := 0
	for _, b := range decodeBatches(t, s) {
		for _, u := range b.Usages {
			total += u.Count
		}
	}
	assert.Equal(t, workers*perWorker, total)
}

func TestStart_FlushesOnInterval(t *testing.T) {
	s := testutil.NewFakeServer(t)
	m := New(Options{
		Sender:   transport.NewClient(nil, time.Second),
		BaseURL:  s.URL,
		Interval: 20 * time.Millisecond,
	})
	m.Start()
	defer m.Close()

	m.Record(featureKey("u1", "s1"))
	require.Eventually(t, func() bool { return len(s.Usages()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestClose_FinalFlush(t *testing.T) {
	s := testutil.NewFakeServer(t)
	m := newTestMeter(t, s)
	m.Start()

	m.Record(featureKey("u1", "s1"))
	require.NoError(t, m.Close())
	assert.Len(t, s.Usages(), 1)

	require.NoError(t, m.Close())
	assert.Len(t, s.Usages(), 1)
}

func TestClose_SendsBatchesOfInterruptedFlush(t *testing.T) {
	s := testutil.NewFakeServer(t)
	s.SetUsageStatuses(http.StatusServiceUnavailable)
	m := New(Options{
		Sender:     transport.NewClient(nil, time.Second),
		BaseURL:    s.URL,
		Interval:   20 * time.Millisecond,
		RetryDelay: time.Hour,
	})
	m.Start()

	m.Record(featureKey("u1", "s1"))
	require.Eventually(t, func() bool { return len(s.Usages()) == 1 }, 3*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- m.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("close blocked on the retry delay")
	}
	batches := decodeBatches(t, s)
	require.Len(t, batches, 2)
	assert.Equal(t, 1, batches[1].Usages[0].Count)
}
