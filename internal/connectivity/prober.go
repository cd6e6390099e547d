// Package connectivity reports whether the service network is reachable.
package connectivity

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// Defaults for the reachability probe.
const (
	DefaultAddr     = "cloud.ibm.com:80"
	DefaultTimeout  = 5 * time.Second
	DefaultInterval = 30 * time.Second
)

// Prober periodically dials a TCP address.
type Prober struct {
	addr     string
	timeout  time.Duration
	interval time.Duration
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)
	logger   *zap.Logger
}

// NewProber creates a prober. Zero values fall back to the defaults.
func NewProber(addr string, timeout, interval time.Duration, logger *zap.Logger) *Prober {
	if addr == "" {
		addr = DefaultAddr
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &net.Dialer{}
	return &Prober{
		addr:     addr,
		timeout:  timeout,
		interval: interval,
		dialer:   d.DialContext,
		logger:   logger.Named("connectivity"),
	}
}

// Check reports whether addr accepts a TCP connection within the timeout.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dialer(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Run probes every interval until ctx is done. onChange is called with the
// first result and then on every transition.
func (p *Prober) Run(ctx context.Context, onChange func(connected bool)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	first := true
	var last bool
	for {
		up := p.Check(ctx)
		if ctx.Err() != nil {
			return
		}
		if first || up != last {
			p.logger.Debug("connectivity changed", zap.Bool("connected", up))
			onChange(up)
			first, last = false, up
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
