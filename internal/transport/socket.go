package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	// CloseIntentional marks a client-initiated close; peers and the read
	// loop treat it as final.
	CloseIntentional = 4001
	// Heartbeat is the keep-alive text message sent by the service.
	Heartbeat = "test message"
)

// SocketHandler receives push channel events. Callbacks run on the read
// goroutine and must not block on closing the same socket. Nil callbacks
// are skipped.
type SocketHandler struct {
	OnOpen    func()
	OnMessage func(msg string)
	// OnClose reports an unexpected close by the peer.
	OnClose func(code int, reason string)
	// OnError reports dial failures and broken connections.
	OnError func(err error)
}

// Socket is an open or opening push channel.
type Socket struct {
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn
}

// OpenSocket dials url in the background and returns immediately. Events
// are delivered to h until the connection ends or Close is called.
func OpenSocket(ctx context.Context, url string, header http.Header, h SocketHandler, logger *zap.Logger) *Socket {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Socket{cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, url, header, h, logger)
	return s
}

func (s *Socket) run(ctx context.Context, url string, header http.Header, h SocketHandler, logger *zap.Logger) {
	defer close(s.done)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if !s.stopped(ctx) && h.OnError != nil {
			h.OnError(err)
		}
		return
	}

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusCode(CloseIntentional), "client closed")
		return
	}
	s.conn = conn
	s.mu.Unlock()

	logger.Debug("push channel open")
	if h.OnOpen != nil {
		h.OnOpen()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if s.stopped(ctx) {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				if int(ce.Code) == CloseIntentional {
					return
				}
				if h.OnClose != nil {
					h.OnClose(int(ce.Code), ce.Reason)
				}
				return
			}
			_ = conn.CloseNow()
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}

		msg := string(data)
		if msg == Heartbeat {
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}
}

func (s *Socket) stopped(ctx context.Context) bool {
	return s.closing.Load() || ctx.Err() != nil
}

// Close closes the channel with code and waits for the read loop to exit.
// No handler callbacks fire after Close returns. Close is idempotent.
func (s *Socket) Close(code int, reason string) {
	if s == nil {
		return
	}
	if s.closing.CompareAndSwap(false, true) {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusCode(code), reason)
		}
		s.cancel()
	}
	<-s.done
}

// Done is closed once the read loop has exited.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}
