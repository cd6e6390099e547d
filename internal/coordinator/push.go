package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/internal/transport"
)

// startSocket replaces the push channel. Must run on the event loop.
func (c *Coordinator) startSocket(ctx context.Context, events chan event) {
	if ctx.Err() != nil {
		return
	}
	c.closeSocket()

	header, err := c.opts.Client.AuthHeader(ctx)
	if err != nil {
		c.logger.Warn("push channel authentication failed", zap.Error(err))
		c.socketGen++
		c.onSocketRetry = true
		if c.connected.Load() {
			c.scheduleSocketRetry(ctx, events)
		}
		return
	}

	c.socketGen++
	gen := c.socketGen
	h := transport.SocketHandler{
		OnOpen: func() {
			c.logger.Info("push channel connected")
			c.tryPost(ctx, events, event{kind: evSocketOpen, gen: gen})
		},
		OnMessage: func(msg string) {
			c.logger.Debug("configuration change signalled", zap.String("message", msg))
			c.tryPost(ctx, events, event{kind: evSocketMessage, gen: gen})
		},
		OnClose: func(code int, reason string) {
			c.logger.Warn("push channel closed", zap.Int("code", code), zap.String("reason", reason))
			c.tryPost(ctx, events, event{kind: evSocketClosed, gen: gen})
		},
		OnError: func(err error) {
			c.logger.Warn("push channel error", zap.Error(err))
			c.tryPost(ctx, events, event{kind: evSocketClosed, gen: gen})
		},
	}
	// The socket outlives ctx cancellation so closeSocket can send the
	// intentional close code.
	c.socket = transport.OpenSocket(context.WithoutCancel(ctx), c.opts.Endpoints.WebSocket, header, h, c.logger)
}

// closeSocket closes the current push channel with the intentional code.
func (c *Coordinator) closeSocket() {
	if c.socket == nil {
		return
	}
	c.socket.Close(transport.CloseIntentional, "client closed")
	c.socket = nil
}

func (c *Coordinator) scheduleSocketRetry(parent context.Context, events chan event) {
	if c.socketRetry.running() {
		return
	}
	delay := c.opts.SocketRetryDelay
	c.logger.Info("reconnecting push channel", zap.Duration("delay", delay))
	c.socketRetry.start(parent, func(ctx context.Context) {
		select {
		case <-time.After(delay):
			c.tryPost(ctx, events, event{kind: evSocketReconnect})
		case <-ctx.Done():
		}
	})
}
