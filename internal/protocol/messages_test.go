package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateClientFrameRejectsNonJSON(t *testing.T) {
	for _, raw := range []string{"hello", "", "{", `["a"]`, `"str"`} {
		if _, err := ValidateClientFrame([]byte(raw)); !errors.Is(err, ErrInvalidJSON) {
			t.Fatalf("ValidateClientFrame(%q) error = %v, want ErrInvalidJSON", raw, err)
		}
	}
}

func TestValidateClientFrameReturnsType(t *testing.T) {
	typ, err := ValidateClientFrame([]byte(`{"type":"input_audio_buffer.append","audio":"AQID"}`))
	if err != nil {
		t.Fatalf("ValidateClientFrame() error = %v", err)
	}
	if typ != TypeInputAudioBufferAppend {
		t.Fatalf("type = %q, want %q", typ, TypeInputAudioBufferAppend)
	}

	typ, err = ValidateClientFrame([]byte(`{"foo":1}`))
	if err != nil {
		t.Fatalf("ValidateClientFrame() error = %v", err)
	}
	if typ != "" {
		t.Fatalf("type = %q, want empty", typ)
	}
}

func TestNewUserTextShape(t *testing.T) {
	raw, err := Encode(NewUserText("foo"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"foo"}]}}`
	if string(raw) != want {
		t.Fatalf("frame = %s, want %s", raw, want)
	}
}

func TestNewErrorFrameShape(t *testing.T) {
	raw, err := Encode(NewErrorFrame(InvalidJSONMessage))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"type":"error","error":{"message":"Invalid JSON format"}}`
	if string(raw) != want {
		t.Fatalf("frame = %s, want %s", raw, want)
	}
}

func TestTypeOfAndErrorMessage(t *testing.T) {
	raw := []byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad voice"}}`)
	if got := TypeOf(raw); got != TypeError {
		t.Fatalf("TypeOf() = %q, want %q", got, TypeError)
	}
	if got := ErrorMessage(raw); got != "bad voice" {
		t.Fatalf("ErrorMessage() = %q, want %q", got, "bad voice")
	}
	if got := ErrorCode([]byte(`{"type":"error","error":{"code":"invalid_value"}}`)); got != "invalid_value" {
		t.Fatalf("ErrorCode() = %q, want %q", got, "invalid_value")
	}
}

func TestParseFunctionCall(t *testing.T) {
	raw := []byte(`{"type":"response.function_call_arguments.done","call_id":"c1","name":"calculate","arguments":"{\"expression\":\"1+2\"}"}`)
	call, err := ParseFunctionCall(raw)
	if err != nil {
		t.Fatalf("ParseFunctionCall() error = %v", err)
	}
	if call.Name != "calculate" || call.CallID != "c1" {
		t.Fatalf("unexpected call: %+v", call)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %v", err)
	}
	if args["expression"] != "1+2" {
		t.Fatalf("expression = %q, want %q", args["expression"], "1+2")
	}

	if _, err := ParseFunctionCall([]byte(`{"type":"response.function_call_arguments.done"}`)); err == nil {
		t.Fatalf("expected error for call without name")
	}
}

func BenchmarkTypeOf(b *testing.B) {
	raw := []byte(`{"type":"response.audio.delta","response_id":"r1","item_id":"i1","output_index":0,"content_index":0,"delta":"AQIDBAUGBwgJCgsMDQ4P"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if TypeOf(raw) != TypeResponseAudioDelta {
			b.Fatalf("unexpected type")
		}
	}
}
