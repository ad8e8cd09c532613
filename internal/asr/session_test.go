package asr

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"april-stream-engine/internal/asr/mock"
	"april-stream-engine/internal/model"
)

const (
	testSamplesPerFrame = 160 // 10ms at 16kHz
	testStrideMS        = 10
)

func testConfig() Config {
	return Config{
		ModelName: "test-model",
		Language:  "en-us",
		ModelType: model.TypeLSTMTransducerStateless,
		Tokens:    []string{"<blk>", " HELLO", " WORLD", "!"},
		BlankID:   0,
		Shape: NetworkShape{
			FrameLen:       4,
			HiddenSize:     2,
			CellSize:       2,
			EncoderOutSize: 2,
			DecoderOutSize: 2,
			ContextSize:    2,
		},
	}
}

// resultLog collects handler deliveries in order.
type resultLog struct {
	results []Result
}

func (l *resultLog) handler(r Result) { l.results = append(l.results, r) }

func (l *resultLog) ofKind(kind ResultKind) []Result {
	var out []Result
	for _, r := range l.results {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func newTestSession(t *testing.T, script map[int]int, log *resultLog) (*Session, *mock.Backend) {
	t.Helper()
	cfg := testConfig()
	backend := mock.NewBackend(len(cfg.Tokens), cfg.BlankID, script)
	fx := mock.NewExtractor(cfg.Shape.FrameLen, testSamplesPerFrame, testStrideMS)
	s, err := NewSession(cfg, backend, fx, log.handler, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s, backend
}

// audioFrames returns PCM covering exactly n feature frames.
func audioFrames(n int) []int16 {
	return make([]int16, n*testSamplesPerFrame)
}

func TestNewSessionValidation(t *testing.T) {
	valid := testConfig()
	backend := mock.NewBackend(len(valid.Tokens), valid.BlankID, nil)
	fx := mock.NewExtractor(valid.Shape.FrameLen, testSamplesPerFrame, testStrideMS)

	tests := []struct {
		name   string
		mutate func(*Config)
		net    NetworkInference
		fx     FeatureExtractor
	}{
		{name: "nil backend", mutate: func(c *Config) {}, net: nil, fx: fx},
		{name: "nil extractor", mutate: func(c *Config) {}, net: backend, fx: nil},
		{
			name:   "empty token table",
			mutate: func(c *Config) { c.Tokens = nil },
			net:    backend, fx: fx,
		},
		{
			name:   "blank id outside table",
			mutate: func(c *Config) { c.BlankID = 99 },
			net:    backend, fx: fx,
		},
		{
			name:   "zero context size",
			mutate: func(c *Config) { c.Shape.ContextSize = 0 },
			net:    backend, fx: fx,
		},
		{
			name:   "frame length mismatch",
			mutate: func(c *Config) { c.Shape.FrameLen = 7 },
			net:    backend, fx: fx,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := NewSession(cfg, tt.net, tt.fx, nil, zerolog.Nop()); err == nil {
				t.Fatal("NewSession accepted an invalid configuration")
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	var log resultLog
	cfg := testConfig()
	backend := mock.NewBackend(len(cfg.Tokens), cfg.BlankID, nil)
	fx := mock.NewExtractor(cfg.Shape.FrameLen, testSamplesPerFrame, testStrideMS)
	s, err := NewSession(cfg, backend, fx, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	// Driving without a handler is refused and does not advance state.
	if _, err := s.FeedAudio(audioFrames(1)); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("FeedAudio without handler: err = %v, want ErrNoHandler", err)
	}
	if s.State() != StateCreated {
		t.Fatalf("state after refused feed = %v, want CREATED", s.State())
	}

	if err := s.RegisterHandler(log.handler); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if _, err := s.FeedAudio(audioFrames(1)); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}
	if s.State() != StateStreaming {
		t.Fatalf("state = %v, want STREAMING", s.State())
	}
	if err := s.RegisterHandler(log.handler); err == nil {
		t.Fatal("RegisterHandler accepted while streaming")
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if s.State() != StateFlushed {
		t.Fatalf("state = %v, want FLUSHED", s.State())
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("second Flush: %v, want nil", err)
	}
	if _, err := s.FeedAudio(audioFrames(1)); !errors.Is(err, ErrAlreadyFlushed) {
		t.Fatalf("FeedAudio after flush: err = %v, want ErrAlreadyFlushed", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.FeedAudio(audioFrames(1)); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("FeedAudio after close: err = %v, want ErrNotStreaming", err)
	}
	if err := s.Flush(); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("Flush after close: err = %v, want ErrNotStreaming", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v, want nil", err)
	}
}

func TestSessionRecognizesScript(t *testing.T) {
	var log resultLog
	s, backend := newTestSession(t, map[int]int{12: 1, 48: 2}, &log)

	// Frames 0..12: the scripted token lands on frame 12.
	if _, err := s.FeedAudio(audioFrames(13)); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}
	partials := log.ofKind(ResultPartial)
	if len(partials) != 1 {
		t.Fatalf("got %d partials after first chunk, want 1", len(partials))
	}
	if got := partials[0].Tokens; len(got) != 1 || got[0].Text != " HELLO" || got[0].TimeMS != 120 {
		t.Fatalf("first partial tokens = %+v, want [ HELLO @120ms]", got)
	}

	// Frames 13..48: silence after the first word, then the second.
	if _, err := s.FeedAudio(audioFrames(36)); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}
	silences := log.ofKind(ResultSilence)
	if len(silences) != 1 || silences[0].TimeMS != 130 {
		t.Fatalf("silences = %+v, want exactly one at 130ms", silences)
	}
	partials = log.ofKind(ResultPartial)
	if len(partials) != 2 {
		t.Fatalf("got %d partials, want 2", len(partials))
	}
	if got := partials[1].Tokens; len(got) != 1 || got[0].Text != " WORLD" || got[0].TimeMS != 480 {
		t.Fatalf("second partial tokens = %+v, want [ WORLD @480ms]", got)
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	finals := log.ofKind(ResultFinal)
	if len(finals) != 1 {
		t.Fatalf("got %d finals, want 1", len(finals))
	}
	if len(finals[0].Tokens) != 0 {
		t.Fatalf("final tokens = %+v, want none left undelivered", finals[0].Tokens)
	}
	if got := s.CurrentTimeMS(); got != 490 {
		t.Errorf("CurrentTimeMS() = %d, want 490", got)
	}

	// The recurrent state must thread through unbroken: each step reads
	// the value the previous step wrote.
	seen := backend.HiddenSeen()
	if len(seen) != 49 {
		t.Fatalf("encoder ran %d steps, want 49", len(seen))
	}
	for i, v := range seen {
		if v != float32(i) {
			t.Fatalf("encoder step %d read recurrent state %v, want %d", i, v, i)
		}
	}
}

func TestSessionLeadingSilenceSuppressed(t *testing.T) {
	var log resultLog
	s, _ := newTestSession(t, nil, &log)

	if _, err := s.FeedAudio(audioFrames(5)); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}
	if len(log.results) != 0 {
		t.Fatalf("got %d deliveries on pure leading silence, want 0", len(log.results))
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if finals := log.ofKind(ResultFinal); len(finals) != 1 || len(finals[0].Tokens) != 0 {
		t.Fatalf("finals = %+v, want exactly one empty final", finals)
	}
}

func TestSessionSilenceEmittedOncePerSpan(t *testing.T) {
	var log resultLog
	s, _ := newTestSession(t, map[int]int{0: 1}, &log)

	if _, err := s.FeedAudio(audioFrames(6)); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}
	silences := log.ofKind(ResultSilence)
	if len(silences) != 1 {
		t.Fatalf("got %d silence events over a 5-frame silence span, want 1", len(silences))
	}
	if silences[0].TimeMS != 10 {
		t.Errorf("silence at %dms, want 10ms", silences[0].TimeMS)
	}
}

func TestSessionFlushDrainsPartialWindow(t *testing.T) {
	var log resultLog
	s, _ := newTestSession(t, map[int]int{0: 1}, &log)

	// Less than one full window: nothing decodes until the flush pads
	// the tail.
	if _, err := s.FeedAudio(make([]int16, testSamplesPerFrame-1)); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}
	if len(log.results) != 0 {
		t.Fatalf("got %d deliveries before any full frame, want 0", len(log.results))
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	finals := log.ofKind(ResultFinal)
	if len(finals) != 1 {
		t.Fatalf("got %d finals, want 1", len(finals))
	}
	if got := finals[0].Tokens; len(got) != 1 || got[0].Text != " HELLO" {
		t.Fatalf("final tokens = %+v, want the padded tail decoded to [ HELLO]", got)
	}
}

func TestSessionBackendFailureTearsDown(t *testing.T) {
	stages := []string{"encoder", "decoder", "joiner"}

	for _, stage := range stages {
		t.Run(stage, func(t *testing.T) {
			var log resultLog
			// The decoder only steps mid-frame when a token is emitted.
			s, backend := newTestSession(t, map[int]int{0: 1}, &log)
			backend.FailStage = stage
			backend.FailFrame = 0

			_, err := s.FeedAudio(audioFrames(1))
			if err == nil {
				t.Fatal("FeedAudio succeeded with a failing backend")
			}
			var be *BackendError
			if !errors.As(err, &be) {
				t.Fatalf("err = %v, want *BackendError", err)
			}
			if be.Stage != stage {
				t.Errorf("BackendError.Stage = %q, want %q", be.Stage, stage)
			}
			if !errors.Is(err, mock.ErrSimulated) {
				t.Errorf("err does not unwrap to the backend cause: %v", err)
			}

			// The session stays torn down; the original error persists.
			if _, err2 := s.FeedAudio(audioFrames(1)); !errors.Is(err2, mock.ErrSimulated) {
				t.Errorf("FeedAudio after teardown: err = %v, want original cause", err2)
			}
			if err2 := s.Flush(); !errors.Is(err2, mock.ErrSimulated) {
				t.Errorf("Flush after teardown: err = %v, want original cause", err2)
			}
			if err2 := s.Close(); err2 != nil {
				t.Errorf("Close after teardown: %v, want nil", err2)
			}
		})
	}
}

func TestSessionCloseFlushesUndelivered(t *testing.T) {
	var log resultLog
	s, _ := newTestSession(t, map[int]int{2: 3}, &log)

	if _, err := s.FeedAudio(audioFrames(3)); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", s.State())
	}
	if finals := log.ofKind(ResultFinal); len(finals) != 1 {
		t.Fatalf("Close without Flush delivered %d finals, want 1", len(finals))
	}
}
