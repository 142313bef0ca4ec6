package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/ent0n29/rtrelay/internal/audio"
	"github.com/ent0n29/rtrelay/internal/eventlog"
	"github.com/ent0n29/rtrelay/internal/protocol"
	"github.com/ent0n29/rtrelay/internal/realtime"
	"github.com/ent0n29/rtrelay/internal/session"
)

const (
	maxEventsLimit   = 1000
	maxAudioUpload   = 25 << 20
	sessionNotFound  = "Session not found"
	codeNotFound     = "session_not_found"
	codeUpstreamFail = "upstream_write_failed"
)

type sendMessageRequest struct {
	Text string `json:"text"`
}

type eventsResponse struct {
	Events []eventlog.Record `json:"events"`
}

func sessionID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Lookup(sessionID(r))
	if !ok {
		respondError(w, http.StatusNotFound, codeNotFound, sessionNotFound)
		return
	}
	respondJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, ok := s.sessions.Lookup(id); !ok {
		respondError(w, http.StatusNotFound, codeNotFound, sessionNotFound)
		return
	}
	s.sessions.Remove(id)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("closed_by_api").Inc()
	respondSuccess(w, "Session closed")
}

// handleSetConfig stores the session configuration. It may arrive before the
// client socket opens; the relay applies it once upstream is ready. A session
// is configured once; later configs get 409.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg realtime.SessionConfig
	if err := decodeJSON(r, &cfg); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := sessionID(r)
	applied, err := s.injector.SetPending(id, cfg)
	if errors.Is(err, session.ErrConfigApplied) {
		respondError(w, http.StatusConflict, "config_already_applied", "session configuration was already applied")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("apply config failed")
		respondError(w, http.StatusBadGateway, codeUpstreamFail, "could not send configuration upstream")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Session configured",
		"config":  applied,
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	if err := s.relay.SendText(r.Context(), sessionID(r), req.Text); err != nil {
		s.respondRelayError(w, r, err)
		return
	}
	respondSuccess(w, "Message sent")
}

// handleSendAudio accepts a mono 16-bit WAV at the realtime sample rate.
func (s *Server) handleSendAudio(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioUpload))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "audio_too_large", err.Error())
		return
	}
	pcm, rate, err := audio.DecodeWAVPCM16LE(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}
	if rate != audio.RealtimeSampleRate {
		respondError(w, http.StatusBadRequest, "invalid_audio", "sample rate must be "+strconv.Itoa(audio.RealtimeSampleRate)+" Hz")
		return
	}
	if err := s.relay.SendAudio(r.Context(), sessionID(r), pcm); err != nil {
		s.respondRelayError(w, r, err)
		return
	}
	respondSuccess(w, "Audio sent")
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := eventlog.DefaultReadLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventsLimit)
	}

	records, err := s.events.Read(r.Context(), sessionID(r), limit)
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues(s.events.Backend(), "read").Inc()
		s.logger.Error().Err(err).Str("session_id", sessionID(r)).Msg("read events failed")
		respondError(w, http.StatusInternalServerError, "event_log_unavailable", "could not read events")
		return
	}
	respondJSON(w, http.StatusOK, eventsResponse{Events: records})
}

// handleAssistantAudio stitches the logged response.audio.delta frames of a
// session into a WAV file.
func (s *Server) handleAssistantAudio(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	records, err := s.events.Read(r.Context(), id, maxEventsLimit)
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues(s.events.Backend(), "read").Inc()
		respondError(w, http.StatusInternalServerError, "event_log_unavailable", "could not read events")
		return
	}

	var deltas []string
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Direction != eventlog.Inbound || protocol.TypeOf(rec.Event) != protocol.TypeResponseAudioDelta {
			continue
		}
		if d := gjson.GetBytes(rec.Event, "delta").String(); d != "" {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		respondError(w, http.StatusNotFound, "no_audio", "no assistant audio logged for this session")
		return
	}

	pcm, err := audio.JoinDeltas(deltas)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid_audio", err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(http.StatusOK)
	if err := audio.WriteWAVPCM16LETo(w, pcm, audio.RealtimeSampleRate); err != nil {
		s.logger.Debug().Err(err).Str("session_id", id).Msg("write wav response")
	}
}

func (s *Server) respondRelayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNoUpstream), errors.Is(err, session.ErrClosed):
		respondError(w, http.StatusNotFound, codeNotFound, sessionNotFound)
	default:
		s.logger.Error().Err(err).Str("session_id", sessionID(r)).Msg("relay write failed")
		respondError(w, http.StatusBadGateway, codeUpstreamFail, "could not send to upstream")
	}
}
