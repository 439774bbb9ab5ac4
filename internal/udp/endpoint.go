package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/synapse-relay/internal/logging"
)

var (
	// ErrBind is returned by Bind when the socket could not be bound.
	ErrBind = errors.New("unable to bind UDP socket")

	// ErrClosed is returned by Send and Receive after Close.
	ErrClosed = errors.New("endpoint closed")
)

// aLongTimeAgo is a deadline in the past used to unblock a pending read.
var aLongTimeAgo = time.Unix(1, 0)

// Datagram is a single datagram received from a peer.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// Endpoint owns the relay's bound UDP socket. Send may be called from any
// number of goroutines; Receive must only be called from one.
type Endpoint struct {
	conn   *net.UDPConn
	logger *slog.Logger
	buf    []byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Bind binds a UDP socket on all interfaces at cfg.Port.
//
// If the bind fails the error is not returned straight away: Bind first
// waits cfg.BindCooldown (or until ctx is done) so a caller that retries in
// a loop does not spin against a port that is held elsewhere.
func Bind(ctx context.Context, cfg Config, logger *slog.Logger) (*Endpoint, error) {
	logger = logging.Component(logger, "udp")

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		logger.Warn("unable to bind UDP port",
			logging.KeyPort, cfg.Port,
			logging.KeyError, err,
			"cooldown", cfg.BindCooldown)

		if cfg.BindCooldown > 0 {
			timer := time.NewTimer(cfg.BindCooldown)
			defer timer.Stop()

			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: port %d: %w (cooldown interrupted: %w)", ErrBind, cfg.Port, err, ctx.Err())
			}
		}
		return nil, fmt.Errorf("%w: port %d: %w", ErrBind, cfg.Port, err)
	}

	size := cfg.MaxDatagramSize
	if size <= 0 {
		size = DefaultConfig().MaxDatagramSize
	}
	if err := conn.SetReadBuffer(size * 4); err != nil {
		logger.Debug("unable to grow socket read buffer", logging.KeyError, err)
	}

	e := &Endpoint{
		conn:   conn,
		logger: logger,
		buf:    make([]byte, size),
	}

	logger.Info("UDP endpoint bound", logging.KeyLocalAddr, conn.LocalAddr().String())
	return e, nil
}

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes one datagram to addr. Errors are returned for accounting only;
// UDP offers no delivery guarantee, so callers log them and move on.
func (e *Endpoint) Send(addr *net.UDPAddr, data []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}

	if _, err := e.conn.WriteToUDP(data, addr); err != nil {
		if e.closed.Load() || errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// Receive blocks until a datagram arrives, ctx is done, or the endpoint is
// closed. Cancellation returns ctx.Err() and leaves the socket usable.
// The returned data is a copy owned by the caller.
func (e *Endpoint) Receive(ctx context.Context) (Datagram, error) {
	if e.closed.Load() {
		return Datagram{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Datagram{}, err
	}

	// Clear any deadline left by an earlier cancelled receive before arming
	// the cancellation hook for this one.
	e.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		e.conn.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	n, from, err := e.conn.ReadFromUDP(e.buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Datagram{}, ctxErr
		}
		if e.closed.Load() || errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, fmt.Errorf("receive: %w", err)
	}

	data := make([]byte, n)
	copy(data, e.buf[:n])
	return Datagram{Data: data, From: from}, nil
}

// Close releases the socket. It is safe to call more than once; only the
// first call closes the socket and its result is returned every time.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.closeErr = e.conn.Close()
		e.logger.Debug("UDP endpoint closed")
	})
	return e.closeErr
}

// IsClosed reports whether Close has been called.
func (e *Endpoint) IsClosed() bool {
	return e.closed.Load()
}

// PeerAddr builds the destination address for a peer IP.
func PeerAddr(ip string, port int) (*net.UDPAddr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid peer ip %q", ip)
	}
	return &net.UDPAddr{IP: parsed, Port: port}, nil
}
