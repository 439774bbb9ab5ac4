package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postalsys/synapse-relay/internal/controlplane"
	"github.com/postalsys/synapse-relay/internal/logging"
	"github.com/postalsys/synapse-relay/internal/metrics"
	"github.com/postalsys/synapse-relay/internal/peer"
	"github.com/postalsys/synapse-relay/internal/protocol"
	"github.com/postalsys/synapse-relay/internal/recovery"
	"github.com/postalsys/synapse-relay/internal/udp"
)

var (
	// ErrStreamFailure wraps whatever ended the control plane event stream.
	ErrStreamFailure = errors.New("control plane stream failed")

	// ErrListenerFailure wraps a receive error on the UDP endpoint.
	ErrListenerFailure = errors.New("datagram listener failed")
)

const (
	DefaultDispatchLimit = 256
	DefaultForwardLimit  = 64
)

// ControlPlane is the part of the control plane client a session uses.
type ControlPlane interface {
	OpenStream(ctx context.Context) (*controlplane.Stream, error)
	Forward(ctx context.Context, data []byte, from *net.UDPAddr) error
	Close() error
}

// SessionConfig tunes a single relay session.
type SessionConfig struct {
	// PeerPort is the destination port for datagrams sent to peers.
	PeerPort int

	// DispatchLimit caps concurrent envelope dispatches.
	DispatchLimit int

	// ForwardLimit caps concurrent forward calls to the control plane.
	ForwardLimit int

	// ForwardRate limits forwarded datagrams per second. Zero disables it.
	ForwardRate  float64
	ForwardBurst int
}

// Session is one Running period of the relay: a bound endpoint, a fresh
// peer registry, a failure signal and the two loops sharing them. A session
// is never reused; the supervisor builds a new one after every failure.
type Session struct {
	id        string
	cfg       SessionConfig
	endpoint  *udp.Endpoint
	client    ControlPlane
	registry  *peer.Registry
	signal    *Signal
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	logger    *slog.Logger
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	drainOnce sync.Once

	// Totals for the teardown summary.
	envelopes    atomic.Uint64
	datagramsOut atomic.Uint64
	bytesOut     atomic.Uint64
	datagramsIn  atomic.Uint64
	bytesIn      atomic.Uint64
	forwarded    atomic.Uint64
}

// NewSession creates a session over an already bound endpoint. The session
// takes ownership of both endpoint and client and closes them in Drain.
func NewSession(cfg SessionConfig, endpoint *udp.Endpoint, client ControlPlane, m *metrics.Metrics, logger *slog.Logger) *Session {
	if cfg.DispatchLimit < 1 {
		cfg.DispatchLimit = DefaultDispatchLimit
	}
	if cfg.ForwardLimit < 1 {
		cfg.ForwardLimit = DefaultForwardLimit
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:        id,
		cfg:       cfg,
		endpoint:  endpoint,
		client:    client,
		registry:  peer.NewRegistry(),
		signal:    NewSignal(),
		metrics:   m,
		logger:    logging.Component(logger, "session").With(slog.String(logging.KeySessionID, id)),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.ForwardRate > 0 {
		burst := cfg.ForwardBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ForwardRate), burst)
	}

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Peers returns the peers probed during this session.
func (s *Session) Peers() []string {
	return s.registry.Snapshot()
}

// LocalAddr returns the session's bound UDP address.
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.endpoint.LocalAddr()
}

// Failed returns a channel closed when the session's failure signal is set.
func (s *Session) Failed() <-chan struct{} {
	return s.signal.Done()
}

// Cause returns the first failure recorded, or nil.
func (s *Session) Cause() error {
	return s.signal.Cause()
}

// Start launches the stream consumer and the datagram listener.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.consumeStream()
		go s.listen()

		s.logger.Info("relay session started",
			logging.KeyLocalAddr, s.endpoint.LocalAddr().String(),
			"peer_port", s.cfg.PeerPort)
	})
}

// Wait blocks until both loops and all their in-flight work have returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Drain cancels both loops, waits for them, then releases the control plane
// client and the UDP socket. Only the first call does anything.
func (s *Session) Drain() {
	s.drainOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		if err := s.client.Close(); err != nil {
			s.logger.Debug("closing control plane client", logging.KeyError, err)
		}
		if err := s.endpoint.Close(); err != nil {
			s.logger.Debug("closing UDP endpoint", logging.KeyError, err)
		}

		s.logger.Info("relay session drained",
			logging.KeyDuration, time.Since(s.startedAt),
			"peers", s.registry.Len(),
			"envelopes", s.envelopes.Load(),
			"datagrams_out", s.datagramsOut.Load(),
			"bytes_out", humanize.Bytes(s.bytesOut.Load()),
			"datagrams_in", s.datagramsIn.Load(),
			"bytes_in", humanize.Bytes(s.bytesIn.Load()),
			"forwarded", s.forwarded.Load())
	})
}

func (s *Session) fail(err error) {
	if s.signal.Trip(err) {
		s.logger.Debug("failure signal set", logging.KeyError, err)
	}
}

// consumeStream reads envelopes from the control plane and sends them to
// peers until the stream ends or the session is cancelled.
func (s *Session) consumeStream() {
	defer s.wg.Done()
	defer recovery.GuardWithCallback(s.logger, "stream-consumer", s.fail)

	var dispatch errgroup.Group
	dispatch.SetLimit(s.cfg.DispatchLimit)
	defer dispatch.Wait()

	stream, err := s.client.OpenStream(s.ctx)
	if err != nil {
		s.streamEnded(err)
		return
	}
	defer stream.Close()

	s.logger.Debug("event stream open")

	for {
		data, err := stream.Next()
		if errors.Is(err, controlplane.ErrLineTooLong) {
			s.metrics.RecordInvalidEnvelope()
			s.logger.Warn("dropping oversized stream event", logging.KeyError, err)
			continue
		}
		if err != nil {
			s.streamEnded(err)
			return
		}
		s.handleEnvelope(&dispatch, data)
	}
}

func (s *Session) streamEnded(err error) {
	if s.ctx.Err() != nil {
		s.logger.Debug("stream consumer cancelled")
		return
	}
	s.fail(fmt.Errorf("%w: %w", ErrStreamFailure, err))
}

// handleEnvelope probes a new peer inline, then hands the payload send to
// the dispatch group. The probe is written before the payload is queued so
// a peer never sees data ahead of its first probe.
func (s *Session) handleEnvelope(dispatch *errgroup.Group, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		s.metrics.RecordInvalidEnvelope()
		s.logger.Warn("dropping invalid envelope", logging.KeyError, err)
		return
	}

	addr, err := udp.PeerAddr(env.IP, s.cfg.PeerPort)
	if err != nil {
		s.metrics.RecordInvalidEnvelope()
		s.logger.Warn("dropping invalid envelope", logging.KeyError, err)
		return
	}

	s.metrics.RecordEnvelope()
	s.envelopes.Add(1)

	// addr.IP is parsed, so its text form is the canonical peer key.
	peerIP := addr.IP.String()
	if s.registry.EnsureKnown(peerIP) {
		if err := s.send(addr, protocol.NewPing(false).Marshal(), metrics.KindPing); err != nil {
			// Unprobed peers stay unknown so the next envelope retries.
			s.registry.Forget(peerIP)
		} else {
			s.metrics.RecordProbe(s.registry.Len())
			s.logger.Info("probed new peer",
				logging.KeyPeer, peerIP,
				logging.KeyCount, s.registry.Len())
		}
	}

	payload := env.Payload()
	dispatch.Go(func() error {
		defer recovery.GuardWithCallback(s.logger, "dispatch", s.fail)
		s.send(addr, payload, metrics.KindPayload)
		return nil
	})
}

func (s *Session) send(addr *net.UDPAddr, data []byte, kind string) error {
	if err := s.endpoint.Send(addr, data); err != nil {
		s.metrics.RecordSendError()
		if !errors.Is(err, udp.ErrClosed) {
			s.logger.Warn("failed to send datagram",
				logging.KeyPeer, addr.String(),
				logging.KeyBytes, len(data),
				logging.KeyError, err)
		}
		return err
	}

	s.metrics.RecordSent(kind, len(data))
	s.datagramsOut.Add(1)
	s.bytesOut.Add(uint64(len(data)))
	return nil
}

// listen receives datagrams from peers and relays them to the control plane
// until a receive fails, the session is cancelled, or the failure signal is
// set by the consumer.
func (s *Session) listen() {
	defer s.wg.Done()
	defer recovery.GuardWithCallback(s.logger, "datagram-listener", s.fail)

	var forwards errgroup.Group
	forwards.SetLimit(s.cfg.ForwardLimit)
	defer forwards.Wait()

	for !s.signal.IsSet() {
		dg, err := s.endpoint.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				s.logger.Debug("datagram listener cancelled")
				return
			}
			s.fail(fmt.Errorf("%w: %w", ErrListenerFailure, err))
			return
		}
		s.handleDatagram(&forwards, dg)
	}
}

func (s *Session) handleDatagram(forwards *errgroup.Group, dg udp.Datagram) {
	if len(dg.Data) == 0 {
		s.metrics.RecordReceived(metrics.KindEmpty, 0)
		return
	}

	kind := metrics.KindPayload
	if _, err := protocol.DecodePing(dg.Data); err == nil {
		kind = metrics.KindPing
	}
	s.metrics.RecordReceived(kind, len(dg.Data))
	s.datagramsIn.Add(1)
	s.bytesIn.Add(uint64(len(dg.Data)))

	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.RecordForward(metrics.ForwardRateLimited, 0)
		s.logger.Debug("forward rate exceeded, dropping datagram",
			logging.KeyRemoteAddr, dg.From.String())
		return
	}

	forwards.Go(func() error {
		defer recovery.GuardWithCallback(s.logger, "forward", s.fail)
		s.forward(dg)
		return nil
	})
}

// forward relays one datagram. Failures are logged and counted only; they
// never end the session.
func (s *Session) forward(dg udp.Datagram) {
	start := time.Now()
	err := s.client.Forward(s.ctx, dg.Data, dg.From)
	elapsed := time.Since(start).Seconds()

	var statusErr *controlplane.StatusError
	switch {
	case err == nil:
		s.metrics.RecordForward(metrics.ForwardOK, elapsed)
		s.forwarded.Add(1)
	case s.ctx.Err() != nil:
		s.logger.Debug("forward cancelled",
			logging.KeyRemoteAddr, dg.From.String())
	case controlplane.IsTimeout(err):
		s.metrics.RecordForward(metrics.ForwardTimeout, elapsed)
		s.logger.Warn("forward to control plane timed out",
			logging.KeyRemoteAddr, dg.From.String(),
			logging.KeyBytes, len(dg.Data),
			logging.KeyError, err)
	case errors.As(err, &statusErr):
		s.metrics.RecordForward(metrics.ForwardBadStatus, elapsed)
		s.logger.Warn("control plane rejected datagram",
			logging.KeyRemoteAddr, dg.From.String(),
			logging.KeyStatus, statusErr.Code,
			logging.KeyBytes, len(dg.Data))
	default:
		s.metrics.RecordForward(metrics.ForwardError, elapsed)
		s.logger.Warn("failed to forward datagram",
			logging.KeyRemoteAddr, dg.From.String(),
			logging.KeyError, err)
	}
}
