package snapshot

import (
	"sync"
	"testing"
	"time"
)

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHolder()
	updates, unsub := h.Subscribe()
	unsub()

	select {
	case _, ok := <-updates:
		if ok {
			t.Error("expected channel to be closed after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := NewHolder()
	_, unsub := h.Subscribe()
	unsub()
	unsub()
}

func TestUpdateNonBlocking(t *testing.T) {
	h := NewHolder()
	updates, unsub := h.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			h.Update(Empty())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Update blocked on slow subscriber")
	}
	if len(updates) != 1 {
		t.Errorf("expected one buffered update, got %d", len(updates))
	}
}

func TestMultipleSubscribersReceiveUpdates(t *testing.T) {
	h := NewHolder()
	const n = 5
	var chans []<-chan string
	for i := 0; i < n; i++ {
		ch, unsub := h.Subscribe()
		defer unsub()
		chans = append(chans, ch)
	}

	snap := Empty().Merge(testDocument())
	h.Update(snap)

	for i, ch := range chans {
		select {
		case etag := <-ch:
			if etag != snap.ETag {
				t.Errorf("subscriber %d: got %s, want %s", i, etag, snap.ETag)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	h := NewHolder()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			updates, unsub := h.Subscribe()
			time.Sleep(time.Millisecond)
			unsub()
			for range updates {
			}
		}()
		go func() {
			defer wg.Done()
			h.Update(Empty())
		}()
	}
	wg.Wait()
}
