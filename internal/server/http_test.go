package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicepipe/speech-segment-service/internal/config"
	"github.com/voicepipe/speech-segment-service/internal/metrics"
	"github.com/voicepipe/speech-segment-service/internal/protocol"
	"github.com/voicepipe/speech-segment-service/internal/segmenter"
	"github.com/voicepipe/speech-segment-service/internal/session"
	"github.com/voicepipe/speech-segment-service/internal/vad"
)

type stubClassifier struct{}

func (stubClassifier) Classify(ctx context.Context, frame []float32) ([]vad.SpeechInterval, error) {
	if len(frame) > 0 && frame[0] != 0 {
		return []vad.SpeechInterval{{Start: 0, End: len(frame)}}, nil
	}
	return nil, nil
}

type stubTranscriber struct {
	text    string
	failing bool
	lastLen int
}

func (tr *stubTranscriber) Transcribe(ctx context.Context, audioData []byte, filename string) (string, error) {
	tr.lastLen = len(audioData)
	if tr.failing {
		return "", errors.New("upstream down")
	}
	return tr.text, nil
}

func testConfig() *config.Config {
	return &config.Config{
		HTTP: config.HTTPConfig{
			Port:          8000,
			Address:       "127.0.0.1",
			MaxChunkBytes: 1 << 20,
			ReadTimeout:   5,
			WriteTimeout:  5,
		},
		Audio: config.AudioConfig{
			SampleRate:      16000,
			InputSampleRate: 16000,
			FrameDuration:   0.00025, // 4 samples, keeps test payloads tiny
			Gain:            1.0,
		},
		Segmenter: config.SegmenterConfig{
			SilenceEndThreshold:     3,
			SessionAbandonThreshold: 10,
		},
		VAD:     config.VADConfig{Threshold: 0.2},
		Session: config.SessionConfig{IdleTimeout: 3600, SweepInterval: 3600},
		Logging: config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"},
	}
}

func newTestServer(t *testing.T, transcriber session.Transcriber) (*httptest.Server, *session.Registry) {
	t.Helper()

	if transcriber == nil {
		transcriber = &stubTranscriber{text: "hello world"}
	}

	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetricsWith(prometheus.NewRegistry())

	registry, err := session.NewRegistry(session.Config{
		Segmenter: segmenter.Config{
			SilenceEndThreshold:     cfg.Segmenter.SilenceEndThreshold,
			SessionAbandonThreshold: cfg.Segmenter.SessionAbandonThreshold,
			FrameSamples:            cfg.Audio.FrameSamples(),
		},
		SampleRate:    cfg.Audio.SampleRate,
		IdleTimeout:   time.Hour,
		SweepInterval: time.Hour,
	}, stubClassifier{}, transcriber, m, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(registry.Stop)

	h := NewHTTPServer(cfg, logger, registry, nil, m)
	ts := httptest.NewServer(h.server.Handler)
	t.Cleanup(ts.Close)

	return ts, registry
}

// speechPCM encodes n samples of constant 0.5 amplitude as 16-bit PCM
func speechPCM(n int) []byte {
	raw := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(16384)))
	}
	return raw
}

func silencePCM(n int) []byte {
	return make([]byte, n*2)
}

func postChunk(t *testing.T, url, sessionID, mode string, payload []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if sessionID != "" {
		w.WriteField("sessionId", sessionID)
	}
	if mode != "" {
		w.WriteField("mode", mode)
	}
	if payload != nil {
		fw, err := w.CreateFormFile("chunk", "chunk.pcm")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(payload)
	}
	w.Close()

	resp, err := http.Post(url+"/ingest-chunk", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /ingest-chunk: %v", err)
	}
	return resp
}

func startSession(t *testing.T, url string) string {
	t.Helper()

	resp, err := http.Post(url+"/start", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /start: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/start status = %d, want 200", resp.StatusCode)
	}

	var body protocol.StartResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /start response: %v", err)
	}
	if body.SessionID == "" {
		t.Fatal("empty sessionId from /start")
	}
	return body.SessionID
}

func decodeChunkResponse(t *testing.T, resp *http.Response) protocol.ChunkResponse {
	t.Helper()
	defer resp.Body.Close()

	var body protocol.ChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode chunk response: %v", err)
	}
	return body
}

func TestStartCreatesSession(t *testing.T) {
	ts, registry := newTestServer(t, nil)

	id := startSession(t, ts.URL)

	if _, err := registry.Get(id); err != nil {
		t.Errorf("session %s not registered: %v", id, err)
	}
}

func TestIngestUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postChunk(t, ts.URL, "ghost", "segment", silencePCM(4))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	// Rejection body never carries a segmentation status.
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if _, ok := body["status"]; ok {
		t.Error("protocol rejection carries a status field")
	}
	if body["error"] == "" {
		t.Error("protocol rejection missing error field")
	}
}

func TestIngestValidationErrors(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	id := startSession(t, ts.URL)

	tests := []struct {
		name    string
		session string
		mode    string
		payload []byte
	}{
		{"missing session id", "", "segment", silencePCM(4)},
		{"missing chunk file", id, "segment", nil},
		{"empty payload", id, "segment", []byte{}},
		{"unknown mode", id, "stream", silencePCM(4)},
		{"odd byte count", id, "segment", []byte{0x01, 0x02, 0x03}},
		{"wrong frame size", id, "segment", silencePCM(7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postChunk(t, ts.URL, tt.session, tt.mode, tt.payload)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	// None of the rejected chunks advanced the session.
	resp := postChunk(t, ts.URL, id, "segment", speechPCM(4))
	body := decodeChunkResponse(t, resp)
	if body.Status != segmenter.StatusSpeech {
		t.Errorf("status after rejected chunks = %q, want %q", body.Status, segmenter.StatusSpeech)
	}
}

func TestIngestFullUtterance(t *testing.T) {
	ts, registry := newTestServer(t, nil)
	id := startSession(t, ts.URL)

	// Speech frames keep the Speech status and a null text.
	for i := 0; i < 2; i++ {
		resp := postChunk(t, ts.URL, id, "segment", speechPCM(4))
		body := decodeChunkResponse(t, resp)
		if body.Status != segmenter.StatusSpeech {
			t.Fatalf("speech frame %d: status = %q, want %q", i+1, body.Status, segmenter.StatusSpeech)
		}
		if body.Text != nil {
			t.Fatalf("speech frame %d: text = %q, want null", i+1, *body.Text)
		}
	}

	// Trailing silence below the threshold still reports Speech.
	for i := 0; i < 2; i++ {
		resp := postChunk(t, ts.URL, id, "segment", silencePCM(4))
		body := decodeChunkResponse(t, resp)
		if body.Status != segmenter.StatusSpeech {
			t.Fatalf("silent frame %d: status = %q, want %q", i+1, body.Status, segmenter.StatusSpeech)
		}
	}

	// The third silent frame finishes and transcribes the utterance.
	resp := postChunk(t, ts.URL, id, "segment", silencePCM(4))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("final frame: status code = %d, want 200", resp.StatusCode)
	}
	body := decodeChunkResponse(t, resp)
	if body.Status != segmenter.StatusFinished {
		t.Fatalf("final frame: status = %q, want %q", body.Status, segmenter.StatusFinished)
	}
	if body.Text == nil || *body.Text != "hello world" {
		t.Fatalf("final frame: text = %v, want %q", body.Text, "hello world")
	}

	// The session survives and is idle again.
	if _, err := registry.Get(id); err != nil {
		t.Fatalf("session evicted after Finished: %v", err)
	}
	resp = postChunk(t, ts.URL, id, "segment", silencePCM(4))
	if got := decodeChunkResponse(t, resp).Status; got != segmenter.StatusSilent {
		t.Errorf("first frame after Finished: status = %q, want %q", got, segmenter.StatusSilent)
	}
}

func TestIngestIdleSilence(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	id := startSession(t, ts.URL)

	resp := postChunk(t, ts.URL, id, "segment", silencePCM(4))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	body := decodeChunkResponse(t, resp)
	if body.Status != segmenter.StatusSilent {
		t.Errorf("status = %q, want %q", body.Status, segmenter.StatusSilent)
	}
	if body.Text != nil {
		t.Errorf("text = %q, want null", *body.Text)
	}
}

func TestIngestAbandonment(t *testing.T) {
	ts, registry := newTestServer(t, nil)
	id := startSession(t, ts.URL)

	var resp *http.Response
	for i := 0; i < 10; i++ {
		resp = postChunk(t, ts.URL, id, "segment", silencePCM(4))
		if i < 9 {
			resp.Body.Close()
		}
	}

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("10th idle frame: status code = %d, want 500", resp.StatusCode)
	}
	body := decodeChunkResponse(t, resp)
	if body.Status != segmenter.StatusError {
		t.Errorf("10th idle frame: status = %q, want %q", body.Status, segmenter.StatusError)
	}

	// The abandoned session is gone; further chunks need a new /start.
	if _, err := registry.Get(id); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("abandoned session still registered: %v", err)
	}

	resp = postChunk(t, ts.URL, id, "segment", silencePCM(4))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("chunk after abandonment: status code = %d, want 404", resp.StatusCode)
	}
}

func TestIngestDirectMode(t *testing.T) {
	tr := &stubTranscriber{text: "direct text"}
	ts, _ := newTestServer(t, tr)
	id := startSession(t, ts.URL)

	payload := []byte("complete wav recording")
	resp := postChunk(t, ts.URL, id, "direct", payload)
	body := decodeChunkResponse(t, resp)

	if body.Status != segmenter.StatusFinished {
		t.Errorf("status = %q, want %q", body.Status, segmenter.StatusFinished)
	}
	if body.Text == nil || *body.Text != "direct text" {
		t.Errorf("text = %v, want %q", body.Text, "direct text")
	}
	if tr.lastLen != len(payload) {
		t.Errorf("payload forwarded = %d bytes, want %d", tr.lastLen, len(payload))
	}
}

func TestIngestLegacyModeAliases(t *testing.T) {
	tr := &stubTranscriber{text: "aliased"}
	ts, _ := newTestServer(t, tr)
	id := startSession(t, ts.URL)

	// "chunk" drives segmentation.
	resp := postChunk(t, ts.URL, id, "chunk", silencePCM(4))
	if got := decodeChunkResponse(t, resp).Status; got != segmenter.StatusSilent {
		t.Errorf("chunk alias: status = %q, want %q", got, segmenter.StatusSilent)
	}

	// "file" goes straight to transcription.
	resp = postChunk(t, ts.URL, id, "file", []byte("recording"))
	body := decodeChunkResponse(t, resp)
	if body.Status != segmenter.StatusFinished {
		t.Errorf("file alias: status = %q, want %q", body.Status, segmenter.StatusFinished)
	}
}

func TestIngestTranscriptionFailure(t *testing.T) {
	tr := &stubTranscriber{failing: true}
	ts, registry := newTestServer(t, tr)
	id := startSession(t, ts.URL)

	postChunk(t, ts.URL, id, "segment", speechPCM(4)).Body.Close()

	var resp *http.Response
	for i := 0; i < 3; i++ {
		resp = postChunk(t, ts.URL, id, "segment", silencePCM(4))
		if i < 2 {
			resp.Body.Close()
		}
	}

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", resp.StatusCode)
	}
	body := decodeChunkResponse(t, resp)
	if body.Status != segmenter.StatusError {
		t.Errorf("status = %q, want %q", body.Status, segmenter.StatusError)
	}

	// Segment discarded, session still live.
	if _, err := registry.Get(id); err != nil {
		t.Errorf("session evicted on transcription failure: %v", err)
	}
}

func TestResetEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	id := startSession(t, ts.URL)

	postChunk(t, ts.URL, id, "segment", speechPCM(4)).Body.Close()

	resp, err := http.PostForm(ts.URL+"/reset", map[string][]string{"sessionId": {id}})
	if err != nil {
		t.Fatalf("POST /reset: %v", err)
	}
	body := decodeChunkResponse(t, resp)
	if body.Status != segmenter.StatusReset {
		t.Errorf("status = %q, want %q", body.Status, segmenter.StatusReset)
	}

	// State is back to idle: silence is Silent, not an utterance end.
	resp2 := postChunk(t, ts.URL, id, "segment", silencePCM(4))
	if got := decodeChunkResponse(t, resp2).Status; got != segmenter.StatusSilent {
		t.Errorf("after reset: status = %q, want %q", got, segmenter.StatusSilent)
	}
}

func TestResetUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.PostForm(ts.URL+"/reset", map[string][]string{"sessionId": {"ghost"}})
	if err != nil {
		t.Fatalf("POST /reset: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("health status = %v, want healthy", body["status"])
	}
}

func TestConfigEndpointOmitsAPIKey(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if bytes.Contains(raw, []byte("api_key")) || bytes.Contains(raw, []byte("apiKey")) {
		t.Error("/config response leaks the API key field")
	}
}

func TestSessionsEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	id := startSession(t, ts.URL)

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	var listing map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&listing)
	resp.Body.Close()

	if listing["total_sessions"] != float64(1) {
		t.Errorf("total_sessions = %v, want 1", listing["total_sessions"])
	}

	resp, err = http.Get(ts.URL + "/sessions/" + id)
	if err != nil {
		t.Fatalf("GET /sessions/{id}: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("session detail status = %d, want 200", resp.StatusCode)
	}

	var info session.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode session info: %v", err)
	}
	if info.ID != id {
		t.Errorf("info id = %q, want %q", info.ID, id)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/start")
	if err != nil {
		t.Fatalf("GET /start: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
