package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/rtrelay/internal/audio"
	"github.com/ent0n29/rtrelay/internal/auth"
	"github.com/ent0n29/rtrelay/internal/config"
	"github.com/ent0n29/rtrelay/internal/eventlog"
	"github.com/ent0n29/rtrelay/internal/observability"
	"github.com/ent0n29/rtrelay/internal/realtime"
	"github.com/ent0n29/rtrelay/internal/session"
	"github.com/ent0n29/rtrelay/internal/token"
)

const apiToken = "test-api-token"

type fakeRelay struct {
	mu      sync.Mutex
	texts   []string
	audio   [][]byte
	served  chan string
	sendErr error
}

func (f *fakeRelay) Serve(_ context.Context, id string, downstream session.Conn) error {
	f.served <- id
	return downstream.Close()
}

func (f *fakeRelay) SendText(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.texts = append(f.texts, id+":"+text)
	return nil
}

func (f *fakeRelay) setErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeRelay) sent() ([]string, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), append([][]byte(nil), f.audio...)
}

func (f *fakeRelay) SendAudio(_ context.Context, _ string, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.audio = append(f.audio, pcm)
	return nil
}

type fixture struct {
	ts       *httptest.Server
	relay    *fakeRelay
	sessions *session.Registry
	events   *eventlog.InMemoryStore
	tokens   *token.InMemoryStore
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Config{
		APIToken:        apiToken,
		TokenDefaultTTL: 600 * time.Second,
		AllowedOrigins:  []string{"http://localhost:3000"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	reg := prometheus.NewRegistry()
	f := &fixture{
		relay:    &fakeRelay{served: make(chan string, 4)},
		sessions: session.NewRegistry(time.Minute, time.Hour),
		events:   eventlog.NewInMemoryStore(eventlog.Options{}),
		tokens:   token.NewInMemoryStore(),
		metrics:  observability.NewMetricsWithRegistry("test_httpapi", reg, reg),
	}
	srv := New(Deps{
		Config:   cfg,
		Sessions: f.sessions,
		Relay:    f.relay,
		Injector: realtime.NewInjector(f.sessions, zerolog.Nop()),
		Events:   f.events,
		Tokens:   f.tokens,
		Auth:     auth.StaticToken{Token: cfg.APIToken},
		Metrics:  f.metrics,
		Logger:   zerolog.Nop(),
	})
	f.ts = httptest.NewServer(srv.Router())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiToken)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return res, out
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, nil)
	res, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["active_sessions"] != float64(0) {
		t.Fatalf("health = %v", body)
	}
}

func TestAPIRequiresBearer(t *testing.T) {
	f := newFixture(t, nil)
	for _, header := range []string{"", "Bearer wrong", "Basic " + apiToken} {
		req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/api/token", strings.NewReader(`{"session_id":"s1"}`))
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("Authorization %q status = %d, want 401", header, res.StatusCode)
		}
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	f := newFixture(t, nil)
	res, body := f.do(t, http.MethodPost, "/api/token", map[string]any{"session_id": "s1", "ttl_seconds": 600})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue status = %d, body %v", res.StatusCode, body)
	}
	tok, _ := body["token"].(string)
	if !strings.HasPrefix(tok, "sess_") {
		t.Fatalf("token = %q, want sess_ prefix", tok)
	}
	expires, err := time.Parse(time.RFC3339Nano, body["expires_at"].(string))
	if err != nil {
		t.Fatalf("expires_at not RFC3339: %v", err)
	}
	if d := time.Until(expires); d < 590*time.Second || d > 601*time.Second {
		t.Fatalf("expires in %v, want about 600s", d)
	}

	res, body = f.do(t, http.MethodPost, "/api/token/validate", map[string]string{"token": tok})
	if res.StatusCode != http.StatusOK || body["session_id"] != "s1" {
		t.Fatalf("validate = %d %v", res.StatusCode, body)
	}
	res, _ = f.do(t, http.MethodPost, "/api/token/validate", map[string]string{"token": "sess_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus validate status = %d, want 401", res.StatusCode)
	}
	res, _ = f.do(t, http.MethodPost, "/api/token", map[string]any{"ttl_seconds": 60})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing session_id status = %d, want 400", res.StatusCode)
	}
}

func TestSetConfigBeforeSocketAppliesDefaults(t *testing.T) {
	f := newFixture(t, nil)
	res, body := f.do(t, http.MethodPost, "/api/sessions/s1/config", map[string]any{"voice": "verse"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", res.StatusCode, body)
	}
	if body["message"] != "Session configured" {
		t.Fatalf("message = %v", body["message"])
	}
	cfg := body["config"].(map[string]any)
	td := cfg["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || cfg["voice"] != "verse" {
		t.Fatalf("config = %v", cfg)
	}

	sess := f.sessions.Register("s1", &nopConn{})
	staged, ok := sess.BeginConfigApply()
	if !ok || staged.Voice != "verse" {
		t.Fatalf("staged config = %+v, %v", staged, ok)
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, nil)
	res, body := f.do(t, http.MethodPost, "/api/sessions/s1/message", map[string]string{"text": "hello"})
	if res.StatusCode != http.StatusOK || body["message"] != "Message sent" {
		t.Fatalf("send = %d %v", res.StatusCode, body)
	}
	if texts, _ := f.relay.sent(); len(texts) != 1 || texts[0] != "s1:hello" {
		t.Fatalf("relay texts = %v", texts)
	}

	res, _ = f.do(t, http.MethodPost, "/api/sessions/s1/message", map[string]string{"text": "  "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank text status = %d, want 400", res.StatusCode)
	}

	f.relay.setErr(session.ErrNotFound)
	res, body = f.do(t, http.MethodPost, "/api/sessions/s2/message", map[string]string{"text": "hi"})
	if res.StatusCode != http.StatusNotFound || body["error"] != "Session not found" {
		t.Fatalf("unknown session = %d %v", res.StatusCode, body)
	}

	f.relay.setErr(errors.New("broken pipe"))
	res, _ = f.do(t, http.MethodPost, "/api/sessions/s1/message", map[string]string{"text": "hi"})
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("write failure status = %d, want 502", res.StatusCode)
	}
}

func TestSendAudioDecodesWAV(t *testing.T) {
	f := newFixture(t, nil)
	pcm := []byte{1, 0, 2, 0}
	wav, _ := audio.EncodeWAVPCM16LE(pcm, audio.RealtimeSampleRate)

	res, body := f.do(t, http.MethodPost, "/api/sessions/s1/audio", wav)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", res.StatusCode, body)
	}
	if _, sent := f.relay.sent(); len(sent) != 1 || !bytes.Equal(sent[0], pcm) {
		t.Fatalf("relay audio = %v", sent)
	}

	slow, _ := audio.EncodeWAVPCM16LE(pcm, 16000)
	if res, _ := f.do(t, http.MethodPost, "/api/sessions/s1/audio", slow); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("16kHz status = %d, want 400", res.StatusCode)
	}
	if res, _ := f.do(t, http.MethodPost, "/api/sessions/s1/audio", []byte("nope")); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage status = %d, want 400", res.StatusCode)
	}
}

func TestListEventsHonoursLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = f.events.Append(ctx, "s1", eventlog.NewRecord(eventlog.Inbound, []byte(`{"type":"response.text.delta"}`)))
	}

	res, body := f.do(t, http.MethodGet, "/api/sessions/s1/events?limit=3", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if events := body["events"].([]any); len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}

	_, body = f.do(t, http.MethodGet, "/api/sessions/unknown/events", nil)
	if events, ok := body["events"].([]any); !ok || len(events) != 0 {
		t.Fatalf("unknown session events = %v, want empty list", body["events"])
	}

	if res, _ := f.do(t, http.MethodGet, "/api/sessions/s1/events?limit=abc", nil); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", res.StatusCode)
	}
}

func TestAssistantAudioFromLog(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, chunk := range [][]byte{{1, 0}, {2, 0}} {
		frame := `{"type":"response.audio.delta","delta":"` + base64.StdEncoding.EncodeToString(chunk) + `"}`
		_ = f.events.Append(ctx, "s1", eventlog.NewRecord(eventlog.Inbound, []byte(frame)))
	}
	_ = f.events.Append(ctx, "s1", eventlog.NewRecord(eventlog.Outbound, []byte(`{"type":"response.create"}`)))

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/sessions/s1/audio.wav", nil)
	req.Header.Set("Authorization", "Bearer "+apiToken)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "audio/wav" {
		t.Fatalf("status = %d, content-type %q", res.StatusCode, res.Header.Get("Content-Type"))
	}
	wav, _ := io.ReadAll(res.Body)
	pcm, rate, err := audio.DecodeWAVPCM16LE(wav)
	if err != nil {
		t.Fatalf("response not a wav: %v", err)
	}
	if rate != audio.RealtimeSampleRate || !bytes.Equal(pcm, []byte{1, 0, 2, 0}) {
		t.Fatalf("pcm = %v @ %d, want chunks in arrival order", pcm, rate)
	}

	if res, _ := f.do(t, http.MethodGet, "/api/sessions/empty/audio.wav", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("no audio status = %d, want 404", res.StatusCode)
	}
}

func TestSessionInfoAndClose(t *testing.T) {
	f := newFixture(t, nil)
	conn := &nopConn{}
	f.sessions.Register("s1", conn)

	res, body := f.do(t, http.MethodGet, "/api/sessions/s1", nil)
	if res.StatusCode != http.StatusOK || body["session_id"] != "s1" {
		t.Fatalf("info = %d %v", res.StatusCode, body)
	}
	res, _ = f.do(t, http.MethodDelete, "/api/sessions/s1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", res.StatusCode)
	}
	if !conn.isClosed() {
		t.Fatalf("socket not closed by delete")
	}
	res, _ = f.do(t, http.MethodDelete, "/api/sessions/s1", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", res.StatusCode)
	}
}

func TestSocketTokenRequired(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.RequireSocketToken = true })
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/s1"

	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v res=%v, want 401", err, res)
	}

	other, _ := f.tokens.Issue(context.Background(), "s2", time.Minute)
	_, res, err = websocket.DefaultDialer.Dial(wsURL+"?token="+other.Value, nil)
	if err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial with token for another session should be rejected")
	}

	tok, _ := f.tokens.Issue(context.Background(), "s1", time.Minute)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+tok.Value, nil)
	if err != nil {
		t.Fatalf("dial with token error = %v", err)
	}
	defer conn.Close()
	select {
	case id := <-f.relay.served:
		if id != "s1" {
			t.Fatalf("served id = %q, want s1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay never served the socket")
	}
}

func TestSocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, nil)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/s1"

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("foreign origin should be rejected")
	}

	header.Set("Origin", "http://localhost:3000")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("allowed origin dial error = %v", err)
	}
	conn.Close()
	<-f.relay.served
}

type nopConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *nopConn) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }
func (c *nopConn) WriteMessage(int, []byte) error   { return nil }
func (c *nopConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *nopConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestLatencyStats(t *testing.T) {
	f := newFixture(t, nil)
	f.metrics.ObserveUpstreamDial(40 * time.Millisecond)
	f.metrics.ObserveStage("session_ready", 120*time.Millisecond)

	res, body := f.do(t, http.MethodGet, "/api/stats/latency", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	stages, ok := body["stages"].([]any)
	if !ok || len(stages) != 2 {
		t.Fatalf("stages = %v, want two entries", body["stages"])
	}
}

func TestSetConfigRejectedOnceApplied(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.sessions.Register("s1", &nopConn{})
	if res, body := f.do(t, http.MethodPost, "/api/sessions/s1/config", map[string]any{"voice": "verse"}); res.StatusCode != http.StatusOK {
		t.Fatalf("first config status = %d, body %v", res.StatusCode, body)
	}
	if _, ok := sess.BeginConfigApply(); !ok {
		t.Fatalf("config not pending on the live session")
	}
	sess.EndConfigApply(nil)

	res, body := f.do(t, http.MethodPost, "/api/sessions/s1/config", map[string]any{"voice": "echo"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second config status = %d, want 409", res.StatusCode)
	}
	if body["code"] != "config_already_applied" {
		t.Fatalf("code = %v, want config_already_applied", body["code"])
	}
}
