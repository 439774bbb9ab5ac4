// Package controlplane talks HTTP to the sandboxed control plane: the
// long-lived event stream of outbound envelopes, the per-datagram relay of
// inbound traffic, and the liveness probe.
package controlplane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/synapse-relay/internal/logging"
)

// Endpoint paths relative to the base URL.
const (
	PathStream  = "/stream"
	PathMessage = "/message"
	PathPing    = "/ping"
)

// Headers carried by a relayed datagram.
const (
	HeaderRemoteIP   = "remoteIp"
	HeaderRemotePort = "remotePort"
	ContentTypeBytes = "application/octet-stream"
)

var (
	// ErrUnexpectedStatus is returned when the control plane answers with a
	// status other than 200.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrStreamClosed is returned by Stream.Next when the control plane
	// ends the event stream.
	ErrStreamClosed = errors.New("event stream closed")
)

// StatusError carries the status code of a non-200 response.
type StatusError struct {
	Path string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v: %d", e.Path, ErrUnexpectedStatus, e.Code)
}

// Unwrap returns ErrUnexpectedStatus.
func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Config contains control plane client configuration.
type Config struct {
	// BaseURL is the control plane root, e.g. http://localhost:24601/synapse.
	BaseURL string

	// PingTimeout bounds a single liveness probe.
	PingTimeout time.Duration

	// ForwardTimeout bounds a single relayed datagram.
	ForwardTimeout time.Duration
}

// Client is a control plane client. Each relay session owns its own Client
// so that closing it releases that session's connections only.
type Client struct {
	baseURL   string
	transport *http.Transport

	// streamClient has no timeout: the event stream idles legitimately.
	streamClient  *http.Client
	forwardClient *http.Client
	pingClient    *http.Client

	logger *slog.Logger
}

// New creates a new control plane client.
func New(cfg Config, logger *slog.Logger) *Client {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		transport:     transport,
		streamClient:  &http.Client{Transport: transport},
		forwardClient: &http.Client{Transport: transport, Timeout: cfg.ForwardTimeout},
		pingClient:    &http.Client{Transport: transport, Timeout: cfg.PingTimeout},
		logger:        logging.Component(logger, "controlplane"),
	}
}

// URL returns the absolute URL of a control plane path.
func (c *Client) URL(path string) string {
	return c.baseURL + path
}

// Ping probes the liveness endpoint. A nil error means the control plane is
// ready to accept a new session.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(PathPing), nil)
	if err != nil {
		return err
	}

	resp, err := c.pingClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: PathPing, Code: resp.StatusCode}
	}
	return nil
}

// OpenStream opens the event stream. The returned Stream stays open until
// the control plane ends it, ctx is cancelled, or it is closed.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(PathStream), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Path: PathStream, Code: resp.StatusCode}
	}

	c.logger.Debug("event stream opened", logging.KeyURL, c.URL(PathStream))
	return NewStream(resp.Body), nil
}

// Forward relays one datagram received from a peer. The call is bounded by
// the configured forward timeout as well as ctx.
func (c *Client) Forward(ctx context.Context, data []byte, from *net.UDPAddr) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(PathMessage), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentTypeBytes)
	req.Header.Set(HeaderRemoteIP, from.IP.String())
	req.Header.Set(HeaderRemotePort, strconv.Itoa(from.Port))

	resp, err := c.forwardClient.Do(req)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: PathMessage, Code: resp.StatusCode}
	}
	return nil
}

// Close releases idle connections held by this client. An open Stream is
// not affected; cancel its context or close it first.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// IsTimeout reports whether err is a timeout from a control plane call.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
