package realtime

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rtrelay/internal/protocol"
)

// Target is one live session's config slot and upstream socket.
type Target interface {
	// BeginConfigApply returns the pending config and blocks further
	// changes until EndConfigApply.
	BeginConfigApply() (SessionConfig, bool)
	EndConfigApply(err error)
	WriteUpstream(frame []byte) error
}

// Sessions is the slice of the session registry the injector needs.
type Sessions interface {
	// SetPendingConfig stores cfg for id. It returns the live session when
	// its upstream has already announced session.created.
	SetPendingConfig(id string, cfg SessionConfig) (Target, error)
}

// Injector holds a session's configuration until the upstream is ready for it.
type Injector struct {
	sessions Sessions
	logger   zerolog.Logger
	onApply  func(id string, frame []byte)
}

func NewInjector(sessions Sessions, logger zerolog.Logger) *Injector {
	return &Injector{
		sessions: sessions,
		logger:   logger.With().Str("component", "config_injector").Logger(),
	}
}

// OnApply registers a hook called with every session.update frame written upstream.
func (in *Injector) OnApply(fn func(id string, frame []byte)) {
	in.onApply = fn
}

// SetPending defaults cfg and queues it. A session that is already live but
// has not been configured yet gets it right away.
func (in *Injector) SetPending(id string, cfg SessionConfig) (SessionConfig, error) {
	cfg = ApplyDefaults(cfg)
	target, err := in.sessions.SetPendingConfig(id, cfg)
	if err != nil {
		return cfg, err
	}
	if target == nil {
		return cfg, nil
	}
	if _, err := in.ApplyIfPending(id, target); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyIfPending writes t's pending config as a single session.update frame.
// It reports whether a frame was sent. A failed write leaves the config
// pending.
func (in *Injector) ApplyIfPending(id string, t Target) (bool, error) {
	cfg, ok := t.BeginConfigApply()
	if !ok {
		return false, nil
	}
	frame, err := protocol.Encode(protocol.SessionUpdate{Type: protocol.TypeSessionUpdate, Session: cfg})
	if err != nil {
		err = fmt.Errorf("encode session.update: %w", err)
	} else if werr := t.WriteUpstream(frame); werr != nil {
		err = fmt.Errorf("write session.update: %w", werr)
	}
	t.EndConfigApply(err)
	if err != nil {
		in.logger.Error().Err(err).Str("session_id", id).Msg("apply session config failed")
		return false, err
	}

	in.logger.Info().Str("session_id", id).Str("voice", cfg.Voice).Msg("session config applied")
	if in.onApply != nil {
		in.onApply(id, frame)
	}
	return true, nil
}
