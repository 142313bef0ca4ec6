package protocol

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

// MessageType identifies realtime frame variants by their "type" field.
type MessageType string

const (
	TypeSessionCreated           MessageType = "session.created"
	TypeSessionUpdate            MessageType = "session.update"
	TypeError                    MessageType = "error"
	TypeConversationItemCreate   MessageType = "conversation.item.create"
	TypeResponseCreate           MessageType = "response.create"
	TypeInputAudioBufferAppend   MessageType = "input_audio_buffer.append"
	TypeInputAudioBufferCommit   MessageType = "input_audio_buffer.commit"
	TypeResponseAudioDelta       MessageType = "response.audio.delta"
	TypeFunctionCallArgumentDone MessageType = "response.function_call_arguments.done"
)

// InvalidJSONMessage is the error text clients get for frames that are not JSON objects.
const InvalidJSONMessage = "Invalid JSON format"

var ErrInvalidJSON = errors.New("invalid json frame")

type ErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorFrame is what clients receive when the relay rejects or cannot serve a frame.
type ErrorFrame struct {
	Type  MessageType `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ConversationItemCreate struct {
	Type MessageType      `json:"type"`
	Item ConversationItem `json:"item"`
}

type ResponseCreate struct {
	Type MessageType `json:"type"`
}

type InputAudioBufferAppend struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type InputAudioBufferCommit struct {
	Type MessageType `json:"type"`
}

// SessionUpdate wraps a session configuration for the upstream. Session is
// kept as any so this package stays independent of the config model.
type SessionUpdate struct {
	Type    MessageType `json:"type"`
	Session any         `json:"session"`
}

// FunctionCall is the subset of response.function_call_arguments.done the relay reads.
type FunctionCall struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"call_id"`
	Name      string      `json:"name"`
	Arguments string      `json:"arguments"`
}

func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: ErrorDetail{Message: message}}
}

func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// ValidateClientFrame checks that raw is a JSON object and returns its type.
// The type may be empty; the relay forwards frames it does not understand.
func ValidateClientFrame(raw []byte) (MessageType, error) {
	if !gjson.ValidBytes(raw) {
		return "", ErrInvalidJSON
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return "", ErrInvalidJSON
	}
	return MessageType(res.Get("type").String()), nil
}

// TypeOf peeks at the "type" field without decoding the whole frame.
func TypeOf(raw []byte) MessageType {
	return MessageType(gjson.GetBytes(raw, "type").String())
}

// ErrorMessage extracts error.message from an upstream error frame.
func ErrorMessage(raw []byte) string {
	return gjson.GetBytes(raw, "error.message").String()
}

func ErrorCode(raw []byte) string {
	return gjson.GetBytes(raw, "error.code").String()
}

func ParseFunctionCall(raw []byte) (FunctionCall, error) {
	var call FunctionCall
	if err := json.Unmarshal(raw, &call); err != nil {
		return FunctionCall{}, err
	}
	if call.Name == "" || call.CallID == "" {
		return FunctionCall{}, errors.New("invalid function call frame")
	}
	return call, nil
}

// Encode marshals a frame for a websocket text write.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
