package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/synapse-relay/internal/config"
	"github.com/postalsys/synapse-relay/internal/controlplane"
	"github.com/postalsys/synapse-relay/internal/health"
	"github.com/postalsys/synapse-relay/internal/logging"
	"github.com/postalsys/synapse-relay/internal/metrics"
	"github.com/postalsys/synapse-relay/internal/recovery"
	"github.com/postalsys/synapse-relay/internal/udp"
)

// State is the supervisor's lifecycle state.
type State int

const (
	StateWaitingForControlPlane State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateWaitingForControlPlane:
		return "waiting_for_control_plane"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

var stateNames = []string{
	StateWaitingForControlPlane.String(),
	StateRunning.String(),
	StateDraining.String(),
}

// Config contains everything the supervisor needs to build sessions.
type Config struct {
	Endpoint     udp.Config
	ControlPlane controlplane.Config
	PollInterval time.Duration
	Session      SessionConfig
}

// NewConfig maps a loaded configuration file onto a supervisor Config.
func NewConfig(c *config.Config) Config {
	return Config{
		Endpoint: udp.Config{
			Port:            c.Relay.Port,
			BindCooldown:    c.Relay.BindCooldown,
			MaxDatagramSize: c.MaxDatagramBytes(),
		},
		ControlPlane: controlplane.Config{
			BaseURL:        c.ControlPlane.BaseURL,
			PingTimeout:    c.ControlPlane.PingTimeout,
			ForwardTimeout: c.ControlPlane.ForwardTimeout,
		},
		PollInterval: c.ControlPlane.PollInterval,
		Session: SessionConfig{
			PeerPort:      c.PeerPort(),
			DispatchLimit: c.Dispatch.MaxInFlight,
			ForwardLimit:  c.Forward.MaxInFlight,
			ForwardRate:   c.Forward.RateLimit,
			ForwardBurst:  c.Forward.Burst,
		},
	}
}

// Supervisor keeps the relay alive for the life of the process. It waits
// for the control plane, runs one session at a time, and tears the session
// down completely before starting the next one.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	probe   *controlplane.Client

	// newControlPlane builds the per-session client.
	newControlPlane func() ControlPlane

	mu              sync.RWMutex
	state           State
	session         *Session
	sessionsStarted uint64
	lastFailure     error
}

// NewSupervisor creates a supervisor in the WaitingForControlPlane state.
func NewSupervisor(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger = logging.Component(logger, "supervisor")

	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		probe:   controlplane.New(cfg.ControlPlane, logger),
		state:   StateWaitingForControlPlane,
	}
	s.newControlPlane = func() ControlPlane {
		return controlplane.New(cfg.ControlPlane, logger)
	}

	m.SetState(s.state.String(), stateNames)
	return s
}

// Run loops WaitingForControlPlane -> Running -> Draining until ctx is done.
// A session in progress when ctx ends is drained before Run returns.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.probe.Close()

	for {
		if err := s.WaitForControlPlane(ctx); err != nil {
			break
		}
		s.runSession(ctx)
		if ctx.Err() != nil {
			break
		}
	}

	s.logger.Info("supervisor stopped")
}

// WaitForControlPlane polls the liveness endpoint every PollInterval until
// it answers 200. The wait is logged once, however long it lasts.
func (s *Supervisor) WaitForControlPlane(ctx context.Context) error {
	s.setState(StateWaitingForControlPlane, nil)

	start := time.Now()
	waiting := false

	for {
		err := s.probe.Ping(ctx)
		if err == nil {
			if waiting {
				s.logger.Info("established connection to control plane",
					logging.KeyDuration, time.Since(start))
			}
			s.metrics.RecordControlPlaneWait(time.Since(start).Seconds())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !waiting {
			s.logger.Info("waiting for control plane to start",
				logging.KeyURL, s.probe.URL(controlplane.PathPing),
				logging.KeyError, err)
			waiting = true
		} else {
			s.logger.Debug("control plane not ready", logging.KeyError, err)
		}

		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runSession runs one Running period and drains it. A failed bind returns
// straight away, after Bind's cooldown, so the caller starts over.
func (s *Supervisor) runSession(ctx context.Context) {
	endpoint, err := udp.Bind(ctx, s.cfg.Endpoint, s.logger)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.RecordBindFailure()
			s.logger.Warn("unable to create socket, retrying", logging.KeyError, err)
		}
		return
	}

	sess := NewSession(s.cfg.Session, endpoint, s.newControlPlane(), s.metrics, s.logger)

	s.mu.Lock()
	s.sessionsStarted++
	s.mu.Unlock()
	s.metrics.RecordSessionStart()

	s.setState(StateRunning, sess)
	sess.Start()

	var cause error
	select {
	case <-sess.Failed():
		cause = sess.Cause()
		s.logger.Warn("relay session failed, restarting",
			logging.KeySessionID, sess.ID(),
			logging.KeyError, cause)
	case <-ctx.Done():
		s.logger.Info("stopping relay session", logging.KeySessionID, sess.ID())
	}

	s.setState(StateDraining, sess)
	sess.Drain()
	s.metrics.RecordSessionEnd(failureLabel(cause), time.Since(sess.StartedAt()).Seconds())

	s.mu.Lock()
	if cause != nil {
		s.lastFailure = cause
	}
	s.mu.Unlock()

	s.setState(StateWaitingForControlPlane, nil)
}

func (s *Supervisor) setState(state State, sess *Session) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.session = sess
	s.mu.Unlock()

	s.metrics.SetState(state.String(), stateNames)
	if changed {
		s.logger.Debug("supervisor state changed", logging.KeyState, state.String())
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsRunning reports whether a session is currently relaying.
func (s *Supervisor) IsRunning() bool {
	return s.State() == StateRunning
}

// Stats returns a snapshot for the health endpoints.
func (s *Supervisor) Stats() health.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := health.Stats{
		State:           s.state.String(),
		SessionsStarted: s.sessionsStarted,
	}
	if s.lastFailure != nil {
		stats.LastFailure = s.lastFailure.Error()
	}
	if s.session != nil {
		stats.SessionID = s.session.ID()
		stats.SessionStarted = s.session.StartedAt()
		stats.LocalAddr = s.session.LocalAddr().String()
		stats.Peers = s.session.Peers()
		stats.PeersKnown = len(stats.Peers)
	}
	return stats
}

// failureLabel maps a session's failure cause to a metric label.
func failureLabel(err error) string {
	var panicErr *recovery.PanicError
	switch {
	case err == nil:
		return "shutdown"
	case errors.As(err, &panicErr):
		return "panic"
	case errors.Is(err, ErrStreamFailure):
		return "stream"
	case errors.Is(err, ErrListenerFailure):
		return "listener"
	default:
		return "unknown"
	}
}
