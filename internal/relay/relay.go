// Package relay pumps frames between a client socket and its upstream
// realtime socket, recording both directions in the event log.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/rtrelay/internal/eventlog"
	"github.com/ent0n29/rtrelay/internal/observability"
	"github.com/ent0n29/rtrelay/internal/protocol"
	"github.com/ent0n29/rtrelay/internal/realtime"
	"github.com/ent0n29/rtrelay/internal/redact"
	"github.com/ent0n29/rtrelay/internal/session"
	"github.com/ent0n29/rtrelay/internal/tools"
)

var (
	ErrEmptyAudio   = errors.New("audio payload is empty")
	ErrShuttingDown = errors.New("relay is shutting down")

	errDownstreamClosed = errors.New("downstream closed")
	errUpstreamClosed   = errors.New("upstream closed")
)

// Relay owns the message pumps of every live session.
type Relay struct {
	sessions *session.Registry
	injector *realtime.Injector
	events   eventlog.Store
	dialer   Dialer
	tools    *tools.Registry
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// New wires the relay. A nil toolbox leaves every function call to the client.
func New(sessions *session.Registry, injector *realtime.Injector, events eventlog.Store, dialer Dialer, toolbox *tools.Registry, metrics *observability.Metrics, logger zerolog.Logger) *Relay {
	r := &Relay{
		sessions: sessions,
		injector: injector,
		events:   events,
		dialer:   dialer,
		tools:    toolbox,
		metrics:  metrics,
		logger:   logger.With().Str("component", "relay").Logger(),
	}
	injector.OnApply(func(id string, frame []byte) {
		r.metrics.ConfigInjections.Inc()
		r.record(context.Background(), id, eventlog.Outbound, frame)
	})
	return r
}

// Serve runs the session id over downstream until either side disconnects
// or ctx is cancelled. It returns once both loops have stopped and the
// session has been released.
func (r *Relay) Serve(ctx context.Context, id string, downstream session.Conn) error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		_ = downstream.Close()
		return ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	logger := r.logger.With().Str("session_id", id).Logger()
	s := r.sessions.Register(id, downstream)
	r.syncActive()
	r.metrics.SessionEvents.WithLabelValues("connected").Inc()
	logger.Info().Msg("session connected")

	defer func() {
		r.sessions.Release(s)
		r.syncActive()
		r.metrics.SessionEvents.WithLabelValues("closed").Inc()
		logger.Info().Dur("duration", time.Since(s.CreatedAt)).Msg("session closed")
	}()

	start := time.Now()
	up, err := r.dialer.Dial(ctx)
	r.metrics.ObserveUpstreamDial(time.Since(start))
	if err != nil {
		r.metrics.UpstreamErrors.WithLabelValues("dial").Inc()
		logger.Error().Err(err).Msg("upstream dial failed")
		r.notifyClient(s, "Upstream connection failed", "upstream_unavailable")
		return err
	}
	if err := s.AttachUpstream(up); err != nil {
		_ = up.Close()
		return fmt.Errorf("attach upstream: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		return nil
	})
	g.Go(func() error { return r.pumpDownstream(gctx, s, logger) })
	g.Go(func() error { return r.pumpUpstream(gctx, s, up, logger) })

	err = g.Wait()
	switch {
	case errors.Is(err, errUpstreamClosed):
		r.metrics.UpstreamErrors.WithLabelValues("disconnect").Inc()
		logger.Warn().Err(err).Msg("upstream ended session")
	case errors.Is(err, errDownstreamClosed), errors.Is(err, context.Canceled):
		logger.Debug().Err(err).Msg("session pump stopped")
	case err != nil:
		logger.Error().Err(err).Msg("session pump failed")
	}
	return nil
}

// pumpDownstream moves client frames upstream.
func (r *Relay) pumpDownstream(ctx context.Context, s *session.Session, logger zerolog.Logger) error {
	conn := s.Downstream()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", errDownstreamClosed, err)
		}
		s.Touch()
		if mt != websocket.TextMessage {
			continue
		}

		typ, err := protocol.ValidateClientFrame(data)
		if err != nil {
			r.metrics.DroppedFrames.WithLabelValues("invalid_json").Inc()
			frame, _ := protocol.Encode(protocol.NewErrorFrame(protocol.InvalidJSONMessage))
			if err := s.WriteDownstream(frame); err != nil {
				return fmt.Errorf("%w: %v", errDownstreamClosed, err)
			}
			continue
		}

		if err := s.WriteUpstream(data); err != nil {
			if errors.Is(err, session.ErrNoUpstream) {
				r.metrics.DroppedFrames.WithLabelValues("no_upstream").Inc()
				logger.Debug().Str("type", string(typ)).Msg("frame dropped before upstream attached")
				continue
			}
			return fmt.Errorf("%w: %v", errUpstreamClosed, err)
		}
		r.metrics.WSMessages.WithLabelValues("outbound", typeLabel(typ)).Inc()
		r.record(ctx, s.ID, eventlog.Outbound, data)
	}
}

// pumpUpstream moves upstream frames to the client and reacts to the few
// frame types the relay handles itself.
func (r *Relay) pumpUpstream(ctx context.Context, s *session.Session, up session.Conn, logger zerolog.Logger) error {
	for {
		mt, data, err := up.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				r.notifyClient(s, "Upstream connection closed", "upstream_closed")
			}
			return fmt.Errorf("%w: %v", errUpstreamClosed, err)
		}
		s.Touch()
		if mt != websocket.TextMessage {
			continue
		}
		if err := s.WriteDownstream(data); err != nil {
			return fmt.Errorf("%w: %v", errDownstreamClosed, err)
		}
		typ := protocol.TypeOf(data)
		r.metrics.WSMessages.WithLabelValues("inbound", typeLabel(typ)).Inc()
		r.record(ctx, s.ID, eventlog.Inbound, data)

		switch typ {
		case protocol.TypeSessionCreated:
			s.MarkReady()
			r.metrics.ObserveStage("session_ready", time.Since(s.CreatedAt))
			if _, err := r.injector.ApplyIfPending(s.ID, s); err != nil {
				logger.Warn().Err(err).Msg("pending config not applied")
			}
		case protocol.TypeError:
			r.metrics.UpstreamErrors.WithLabelValues("event").Inc()
			logger.Error().
				Str("upstream_error", redact.Log(protocol.ErrorMessage(data))).
				Str("error_code", protocol.ErrorCode(data)).
				Msg("upstream error event")
		case protocol.TypeFunctionCallArgumentDone:
			if r.tools != nil {
				r.runTool(ctx, s, data, logger)
			}
		}
	}
}

// runTool answers a function call the relay has a handler for. Unknown
// tools are left for the client to answer.
func (r *Relay) runTool(ctx context.Context, s *session.Session, data []byte, logger zerolog.Logger) {
	call, err := protocol.ParseFunctionCall(data)
	if err != nil {
		logger.Debug().Err(err).Msg("ignoring malformed function call")
		return
	}
	if !r.tools.Has(call.Name) {
		return
	}

	output, err := r.tools.Call(ctx, call.Name, call.Arguments)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		output = "error: " + err.Error()
	}
	r.metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
	logger.Info().Str("tool", call.Name).Str("call_id", call.CallID).Str("outcome", outcome).Msg("tool call answered")

	for _, frame := range []any{
		protocol.NewFunctionCallOutput(call.CallID, output),
		protocol.NewResponseCreate(),
	} {
		if err := r.sendUpstream(ctx, s, frame); err != nil {
			logger.Warn().Err(err).Str("tool", call.Name).Msg("tool output not delivered")
			return
		}
	}
}

// SendText injects a user message followed by response.create.
func (r *Relay) SendText(ctx context.Context, id, text string) error {
	s, err := r.liveSession(id)
	if err != nil {
		return err
	}
	for _, frame := range []any{protocol.NewUserText(text), protocol.NewResponseCreate()} {
		if err := r.sendUpstream(ctx, s, frame); err != nil {
			return err
		}
	}
	return nil
}

// SendAudio appends pcm16 audio to the input buffer, commits it and asks
// for a response.
func (r *Relay) SendAudio(ctx context.Context, id string, pcm []byte) error {
	if len(pcm) == 0 {
		return ErrEmptyAudio
	}
	s, err := r.liveSession(id)
	if err != nil {
		return err
	}
	frames := []any{
		protocol.InputAudioBufferAppend{Type: protocol.TypeInputAudioBufferAppend, Audio: base64.StdEncoding.EncodeToString(pcm)},
		protocol.InputAudioBufferCommit{Type: protocol.TypeInputAudioBufferCommit},
		protocol.NewResponseCreate(),
	}
	for _, frame := range frames {
		if err := r.sendUpstream(ctx, s, frame); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown refuses new sessions, closes every live one and waits for their
// pumps to finish.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()

	r.sessions.CloseAll()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) liveSession(id string) (*session.Session, error) {
	s, ok := r.sessions.Lookup(id)
	if !ok {
		return nil, session.ErrNotFound
	}
	if s.Upstream() == nil {
		return nil, session.ErrNoUpstream
	}
	return s, nil
}

func (r *Relay) sendUpstream(ctx context.Context, s *session.Session, v any) error {
	frame, err := protocol.Encode(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := s.WriteUpstream(frame); err != nil {
		return err
	}
	r.metrics.WSMessages.WithLabelValues("outbound", typeLabel(protocol.TypeOf(frame))).Inc()
	r.record(ctx, s.ID, eventlog.Outbound, frame)
	return nil
}

// record appends to the event log. Store failures are counted and logged but
// never end the session.
func (r *Relay) record(ctx context.Context, id string, dir eventlog.Direction, frame []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.events.Append(ctx, id, eventlog.NewRecord(dir, frame)); err != nil {
		r.metrics.StoreErrors.WithLabelValues(r.events.Backend(), "append").Inc()
		r.logger.Error().Err(err).Str("session_id", id).Str("direction", string(dir)).Msg("event log append failed")
	}
}

func (r *Relay) notifyClient(s *session.Session, message, code string) {
	frame, err := protocol.Encode(protocol.ErrorFrame{
		Type:  protocol.TypeError,
		Error: protocol.ErrorDetail{Message: message, Code: code},
	})
	if err != nil {
		return
	}
	_ = s.WriteDownstream(frame)
}

func (r *Relay) syncActive() {
	r.metrics.ActiveSessions.Set(float64(r.sessions.ActiveCount()))
}

// typeLabel bounds metric label cardinality for client-chosen type strings.
func typeLabel(t protocol.MessageType) string {
	if t == "" {
		return "unknown"
	}
	if len(t) > 64 {
		return "other"
	}
	for _, c := range t {
		if (c < 'a' || c > 'z') && c != '.' && c != '_' {
			return "other"
		}
	}
	return string(t)
}
