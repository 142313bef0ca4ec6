package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/rtrelay/internal/reliability"
	"github.com/ent0n29/rtrelay/internal/session"
)

var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Dialer opens the upstream socket for one session.
type Dialer interface {
	Dial(ctx context.Context) (session.Conn, error)
}

type UpstreamConfig struct {
	URL         string
	Model       string
	APIKey      string
	DialTimeout time.Duration
	Attempts    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// WSDialer connects to the realtime websocket endpoint, retrying handshakes
// that fail for transient reasons.
type WSDialer struct {
	cfg    UpstreamConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

func NewWSDialer(cfg UpstreamConfig, logger zerolog.Logger) *WSDialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	return &WSDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   16 << 10,
			WriteBufferSize:  16 << 10,
		},
		logger: logger.With().Str("component", "upstream_dialer").Logger(),
	}
}

func (d *WSDialer) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimSpace(d.cfg.URL))
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	if d.cfg.Model != "" {
		q := u.Query()
		q.Set("model", d.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (d *WSDialer) Dial(ctx context.Context) (session.Conn, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	var lastErr error
	for attempt := 0; attempt < d.cfg.Attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, d.cfg.BackoffBase, d.cfg.BackoffCap)
			if err := reliability.Sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
		conn, resp, err := d.dialer.DialContext(dialCtx, endpoint, headers)
		cancel()
		if err == nil {
			return conn, nil
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		lastErr = err
		retryable := reliability.IsRetryableDialError(err, status)
		d.logger.Warn().Err(err).Int("status", status).Int("attempt", attempt+1).Bool("retryable", retryable).Msg("upstream dial failed")
		if !retryable {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}
