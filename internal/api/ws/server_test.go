package ws

import (
	"encoding/binary"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"april-stream-engine/internal/asr"
	"april-stream-engine/internal/asr/mock"
	"april-stream-engine/internal/model"
	"april-stream-engine/internal/models"
)

const (
	testSamplesPerFrame = 160
	testStrideMS        = 10
)

func testFactory(script map[int]int) SessionFactory {
	return func(log zerolog.Logger, handler asr.Handler) (*asr.Feeder, *asr.Session, error) {
		cfg := asr.Config{
			ModelName: "test-model",
			Language:  "en-us",
			ModelType: model.TypeLSTMTransducerStateless,
			Tokens:    []string{"<blk>", " HELLO", " WORLD"},
			BlankID:   0,
			Shape: asr.NetworkShape{
				FrameLen:       4,
				HiddenSize:     2,
				CellSize:       2,
				EncoderOutSize: 2,
				DecoderOutSize: 2,
				ContextSize:    2,
			},
		}
		backend := mock.NewBackend(len(cfg.Tokens), cfg.BlankID, script)
		fx := mock.NewExtractor(cfg.Shape.FrameLen, testSamplesPerFrame, testStrideMS)
		s, err := asr.NewSession(cfg, backend, fx, handler, log)
		if err != nil {
			return nil, nil, err
		}
		f := asr.NewFeeder(s, asr.FeederConfig{}, log, nil)
		return f, s, nil
	}
}

func newTestServer(t *testing.T, script map[int]int, limits Limits) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	s := NewServer("", testFactory(script), nil, nil, limits, zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return ts, conn
}

// pcmFrames encodes n feature frames of silence as PCM16LE bytes.
func pcmFrames(n int) []byte {
	buf := make([]byte, n*testSamplesPerFrame*2)
	return buf
}

type envelope struct {
	EventType string `json:"eventType"`
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return env.EventType, data
}

func TestStreamRecognition(t *testing.T) {
	_, conn := newTestServer(t, map[int]int{12: 1, 48: 2}, DefaultLimits())

	// Frames 0..48 cover both scripted tokens.
	if err := conn.WriteMessage(websocket.BinaryMessage, pcmFrames(49)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	// The silence span between the two words produces a silence event
	// during stepping, then the partial is delivered.
	kind, _ := readEvent(t, conn)
	if kind != models.EventTypeSilence {
		t.Fatalf("first event = %s, want silence", kind)
	}
	kind, data := readEvent(t, conn)
	if kind != models.EventTypePartial {
		t.Fatalf("second event = %s, want partial", kind)
	}
	var partial models.TranscriptPartial
	if err := json.Unmarshal(data, &partial); err != nil {
		t.Fatalf("unmarshal partial: %v", err)
	}
	if partial.Text != " HELLO WORLD" {
		t.Errorf("partial text = %q, want \" HELLO WORLD\"", partial.Text)
	}
	if len(partial.Tokens) != 2 || partial.Tokens[0].TimeMS != 120 || partial.Tokens[1].TimeMS != 480 {
		t.Errorf("partial tokens = %+v, want timestamps 120/480", partial.Tokens)
	}
	if partial.SessionID == "" {
		t.Error("partial carries no session id")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`)); err != nil {
		t.Fatalf("write flush: %v", err)
	}
	kind, data = readEvent(t, conn)
	if kind != models.EventTypeFinal {
		t.Fatalf("event after flush = %s, want final", kind)
	}
	var final models.TranscriptFinal
	if err := json.Unmarshal(data, &final); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if len(final.Tokens) != 0 {
		t.Errorf("final tokens = %+v, want none left undelivered", final.Tokens)
	}
	if final.AudioMS != 490 {
		t.Errorf("final audioMs = %d, want 490", final.AudioMS)
	}
}

func TestStreamSilenceEvent(t *testing.T) {
	_, conn := newTestServer(t, map[int]int{0: 1}, DefaultLimits())

	// A token on frame 0 followed by silence frames.
	if err := conn.WriteMessage(websocket.BinaryMessage, pcmFrames(3)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	var kinds []string
	for i := 0; i < 2; i++ {
		kind, _ := readEvent(t, conn)
		kinds = append(kinds, kind)
	}
	want := []string{models.EventTypeSilence, models.EventTypePartial}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event sequence = %v, want %v", kinds, want)
		}
	}
}

func TestStreamRejectsUnalignedAudio(t *testing.T) {
	_, conn := newTestServer(t, nil, DefaultLimits())

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	kind, _ := readEvent(t, conn)
	if kind != "session.error" {
		t.Fatalf("event = %s, want session.error", kind)
	}
}

func TestStreamRejectsOversizedAudio(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxAudioBytes = 1024
	_, conn := newTestServer(t, nil, limits)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2048)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	kind, _ := readEvent(t, conn)
	if kind != "session.error" {
		t.Fatalf("event = %s, want session.error", kind)
	}
}

func TestStreamCloseCommandFlushes(t *testing.T) {
	_, conn := newTestServer(t, map[int]int{0: 1}, DefaultLimits())

	samples := make([]byte, testSamplesPerFrame*2)
	binary.LittleEndian.PutUint16(samples, 1)
	if err := conn.WriteMessage(websocket.BinaryMessage, samples); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	kind, _ := readEvent(t, conn)
	if kind != models.EventTypePartial {
		t.Fatalf("event = %s, want partial", kind)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"close"}`)); err != nil {
		t.Fatalf("write close: %v", err)
	}
	// Teardown flushes, so the final still arrives before the server
	// closes the socket.
	kind, _ = readEvent(t, conn)
	if kind != models.EventTypeFinal {
		t.Fatalf("event after close = %s, want final", kind)
	}
}
