package snapshot

import "sync"

type subscribers struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

// Subscribe registers a listener that receives the ETag of each published
// snapshot. Slow listeners miss intermediate updates rather than block the
// publisher. The returned func unsubscribes and closes the channel.
func (h *Holder) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	h.subs.mu.Lock()
	if h.subs.subs == nil {
		h.subs.subs = make(map[chan string]struct{})
	}
	h.subs.subs[ch] = struct{}{}
	h.subs.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.subs.mu.Lock()
			delete(h.subs.subs, ch)
			close(ch)
			h.subs.mu.Unlock()
		})
	}
	return ch, unsub
}

func (s *subscribers) publish(etag string) {
	s.mu.Lock()
	for ch := range s.subs {
		select {
		case ch <- etag:
		default: // slow subscriber, skip
		}
	}
	s.mu.Unlock()
}
