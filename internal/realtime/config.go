package realtime

import "strings"

// Modalities the upstream accepts.
const (
	ModalityText  = "text"
	ModalityAudio = "audio"
)

const (
	DefaultVoice        = "alloy"
	DefaultAudioFormat  = "pcm16"
	DefaultInstructions = "You are a helpful assistant. Keep answers short and clear."
)

// TurnDetection is the upstream voice-activity policy.
type TurnDetection struct {
	Type              string  `json:"type" yaml:"type" toml:"type"`
	Threshold         float64 `json:"threshold" yaml:"threshold" toml:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms" yaml:"prefix_padding_ms" toml:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms" yaml:"silence_duration_ms" toml:"silence_duration_ms"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionConfig is the body of a session.update frame.
type SessionConfig struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions"`
	Voice             string         `json:"voice"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *TurnDetection `json:"turn_detection"`
	Tools             []Tool         `json:"tools"`
}

// DefaultTurnDetection is applied when a caller leaves turn detection unset.
func DefaultTurnDetection() *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 500,
	}
}

// DefaultTools is the minimal tool list applied when a caller sends none.
func DefaultTools() []Tool {
	return []Tool{{
		Type:        "function",
		Name:        "get_current_time",
		Description: "Returns the current local date and time.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
	}}
}

// ApplyDefaults fills every unset field. It is idempotent: defaulting an
// already-defaulted config returns an equal value.
func ApplyDefaults(cfg SessionConfig) SessionConfig {
	out := cfg.Clone()
	out.Modalities = normalizeModalities(out.Modalities)
	if strings.TrimSpace(out.Instructions) == "" {
		out.Instructions = DefaultInstructions
	}
	if strings.TrimSpace(out.Voice) == "" {
		out.Voice = DefaultVoice
	}
	if strings.TrimSpace(out.InputAudioFormat) == "" {
		out.InputAudioFormat = DefaultAudioFormat
	}
	if strings.TrimSpace(out.OutputAudioFormat) == "" {
		out.OutputAudioFormat = DefaultAudioFormat
	}
	if out.TurnDetection == nil {
		out.TurnDetection = DefaultTurnDetection()
	}
	if len(out.Tools) == 0 {
		out.Tools = DefaultTools()
	}
	return out
}

// Clone returns a copy that shares no slices or pointers with cfg.
func (cfg SessionConfig) Clone() SessionConfig {
	out := cfg
	if cfg.Modalities != nil {
		out.Modalities = append([]string(nil), cfg.Modalities...)
	}
	if cfg.TurnDetection != nil {
		td := *cfg.TurnDetection
		out.TurnDetection = &td
	}
	if cfg.Tools != nil {
		out.Tools = append([]Tool(nil), cfg.Tools...)
	}
	return out
}

func normalizeModalities(in []string) []string {
	var out []string
	seen := make(map[string]bool, 2)
	for _, m := range in {
		m = strings.ToLower(strings.TrimSpace(m))
		if (m != ModalityText && m != ModalityAudio) || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	if len(out) == 0 {
		return []string{ModalityText, ModalityAudio}
	}
	return out
}
