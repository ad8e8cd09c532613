package asr

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a recognition session.
//
// State transitions:
//
//	CREATED → STREAMING → FLUSHED → CLOSED
//
// FeedAudio is legal in CREATED and STREAMING only; Flush moves the
// session to FLUSHED and is idempotent there; Close flushes first if
// needed so no recognized token is ever lost at teardown.
type State int

const (
	StateCreated State = iota
	StateStreaming
	StateFlushed
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStreaming:
		return "STREAMING"
	case StateFlushed:
		return "FLUSHED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Status is the per-call health report of FeedAudio.
type Status int

const (
	// StatusOK means the engine is keeping pace with the audio clock.
	StatusOK Status = iota
	// StatusDegraded means the monitored real-time factor shows the
	// engine falling behind. Nothing has been dropped; the policy
	// response belongs to the caller.
	StatusDegraded
)

// String returns the string representation of the status.
func (s Status) String() string {
	if s == StatusDegraded {
		return "DEGRADED"
	}
	return "OK"
}

// Session is the streaming recognition state machine. All mutable
// state is exclusively owned by whichever goroutine is currently
// stepping the session: concurrent calls into one session are a
// programming error, not a recoverable condition. Multi-producer
// callers must funnel through a Feeder in async mode.
type Session struct {
	cfg     Config
	net     NetworkInference
	fx      FeatureExtractor
	handler Handler
	log     zerolog.Logger

	state  State
	failed error

	// Inference buffers, allocated once and reused every step.
	frame  []float32
	h, c   [2][]float32 // ping-ponged recurrent state
	hcUse0 bool         // selects which slot step n reads
	encOut []float32
	decOut []float32
	logits []float32

	context  []int64 // decoder context window, oldest first
	doutInit bool    // decOut holds a valid decoder pass

	ring           tokenRing
	emittedSilence bool
	timeMS         int64 // audio clock, milliseconds

	speed *speedTracker
}

// NewSession binds a recognition config to an inference backend and a
// feature extractor. The handler may be nil here and registered later
// with RegisterHandler, but the session cannot be driven without one.
func NewSession(cfg Config, net NetworkInference, fx FeatureExtractor, handler Handler, logger zerolog.Logger) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if net == nil {
		return nil, errors.New("asr: nil inference backend")
	}
	if fx == nil {
		return nil, errors.New("asr: nil feature extractor")
	}
	if fx.FrameLen() != cfg.Shape.FrameLen {
		return nil, fmt.Errorf("asr: extractor frame length %d does not match model frame length %d",
			fx.FrameLen(), cfg.Shape.FrameLen)
	}

	s := &Session{
		cfg:     cfg,
		net:     net,
		fx:      fx,
		handler: handler,
		log:     logger.With().Str("component", "session").Str("model", cfg.ModelName).Logger(),

		frame:  make([]float32, cfg.Shape.FrameLen),
		encOut: make([]float32, cfg.Shape.EncoderOutSize),
		decOut: make([]float32, cfg.Shape.DecoderOutSize),
		logits: make([]float32, len(cfg.Tokens)),

		context: make([]int64, cfg.Shape.ContextSize),

		// The engine starts in silence; the first silence frame must
		// not produce a redundant silence event.
		emittedSilence: true,

		speed: newSpeedTracker(cfg.SpeedInterval),
	}
	for i := 0; i < 2; i++ {
		s.h[i] = make([]float32, cfg.Shape.HiddenSize)
		s.c[i] = make([]float32, cfg.Shape.CellSize)
	}
	return s, nil
}

// RegisterHandler sets the result handler. Legal only before the
// first FeedAudio call.
func (s *Session) RegisterHandler(h Handler) error {
	if s.state != StateCreated {
		return fmt.Errorf("asr: cannot register handler in state %v", s.state)
	}
	s.handler = h
	return nil
}

// ModelName returns the name of the bound model.
func (s *Session) ModelName() string { return s.cfg.ModelName }

// Language returns the language tag of the bound model.
func (s *Session) Language() string { return s.cfg.Language }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// CurrentTimeMS returns the audio clock: milliseconds of audio
// processed so far.
func (s *Session) CurrentTimeMS() int64 { return s.timeMS }

// RealTimeFactor returns the last evaluated ratio of audio time
// processed to wall time elapsed.
func (s *Session) RealTimeFactor() float64 { return s.speed.realTimeFactor() }

// FeedAudio pushes PCM samples into the session and steps the
// decoding loop over every feature frame that becomes available. Any
// newly recognized tokens are delivered to the handler before the
// call returns. A Degraded status reports that the engine is not
// keeping pace; audio and tokens are never silently dropped.
func (s *Session) FeedAudio(samples []int16) (Status, error) {
	switch s.state {
	case StateCreated:
		if s.handler == nil {
			return StatusOK, ErrNoHandler
		}
		s.state = StateStreaming
		s.log.Debug().Msg("session streaming")
	case StateStreaming:
	case StateFlushed:
		return StatusOK, ErrAlreadyFlushed
	default:
		return StatusOK, ErrNotStreaming
	}
	if s.failed != nil {
		return StatusOK, s.failed
	}

	s.fx.Accept(samples)
	if err := s.stepPending(); err != nil {
		return StatusOK, s.fail(err)
	}
	s.deliverPending(false)

	if !s.cfg.ForceRealtime && s.speed.isDegraded() {
		return StatusDegraded, nil
	}
	return StatusOK, nil
}

// Flush drains the feature extractor, runs one additional decode pass
// to drain trailing decoder state and delivers the final result,
// even with an empty token slice, to signal end-of-utterance. After
// Flush, FeedAudio always fails with ErrAlreadyFlushed. Re-flushing
// is a no-op.
func (s *Session) Flush() error {
	switch s.state {
	case StateFlushed:
		return nil
	case StateClosed:
		return ErrNotStreaming
	}
	if s.failed != nil {
		return s.failed
	}
	if s.handler == nil {
		return ErrNoHandler
	}

	for s.fx.Drain() {
		if err := s.stepPending(); err != nil {
			return s.fail(err)
		}
	}
	if err := s.clearContext(); err != nil {
		return s.fail(err)
	}

	s.deliverPending(true)
	s.emittedSilence = true
	s.state = StateFlushed
	s.log.Info().Int64("audioMs", s.timeMS).Msg("session flushed")
	return nil
}

// Close tears the session down, flushing any undelivered tokens
// first. Idempotent.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	var err error
	if s.state != StateFlushed && s.failed == nil && s.handler != nil {
		err = s.Flush()
	}
	s.state = StateClosed
	s.log.Debug().Msg("session closed")
	return err
}

// fail marks the session torn down by a backend failure. Subsequent
// calls keep returning the original error.
func (s *Session) fail(err error) error {
	s.failed = err
	s.log.Error().Err(err).Msg("session torn down by backend failure")
	return err
}

// stepPending runs the decoding loop over every frame the extractor
// has ready.
func (s *Session) stepPending() error {
	for s.fx.Pull(s.frame) {
		start := s.speed.now()

		if err := s.ensureDecoder(); err != nil {
			return err
		}
		if err := s.runEncoder(); err != nil {
			return err
		}
		if err := s.net.Joiner(s.encOut, s.decOut, s.logits); err != nil {
			return &BackendError{Stage: "joiner", Err: err}
		}
		if err := s.processLogits(); err != nil {
			return err
		}

		stride := s.fx.StrideMS()
		s.timeMS += stride
		s.speed.observe(stride, s.speed.now().Sub(start))
	}
	return nil
}

// runEncoder runs one encoder step, reading the recurrent state slot
// written on the previous step and writing the other, then flipping
// the selector. The two slots are never both a write target; the
// ping-pong avoids copying recurrent state and read/write aliasing.
func (s *Session) runEncoder() error {
	s.hcUse0 = !s.hcUse0
	in, out := 1, 0
	if s.hcUse0 {
		in, out = 0, 1
	}
	if err := s.net.EncoderStep(s.frame, s.h[in], s.c[in], s.encOut, s.h[out], s.c[out]); err != nil {
		return &BackendError{Stage: "encoder", Err: err}
	}
	return nil
}

// ensureDecoder primes the decoder-output cache: the context window
// is filled with the start token and one decoder step runs. Until
// this completes, decOut holds no valid pass.
func (s *Session) ensureDecoder() error {
	if s.doutInit {
		return nil
	}
	for i := range s.context {
		s.context[i] = int64(s.cfg.BlankID)
	}
	if err := s.net.DecoderStep(s.context, s.decOut); err != nil {
		return &BackendError{Stage: "decoder", Err: err}
	}
	s.doutInit = true
	return nil
}

// advanceContext shifts the context window left, appends the token
// and refreshes the decoder-output cache.
func (s *Session) advanceContext(token int64) error {
	copy(s.context, s.context[1:])
	s.context[len(s.context)-1] = token
	if err := s.net.DecoderStep(s.context, s.decOut); err != nil {
		return &BackendError{Stage: "decoder", Err: err}
	}
	return nil
}

// clearContext rewinds the context window back to the start token,
// stepping the decoder along the way so trailing decoder state is
// drained.
func (s *Session) clearContext() error {
	if !s.doutInit || s.context[0] == int64(s.cfg.BlankID) {
		return nil
	}
	for range s.context {
		if err := s.advanceContext(int64(s.cfg.BlankID)); err != nil {
			return err
		}
	}
	return nil
}

// processLogits selects the emitted token by greedy arg-max. Scanning
// ascending ids with a strict comparison makes the lowest id win
// ties. An arg-max landing on the blank id is the silence path: the
// silence state is entered once and no token is stored.
func (s *Session) processLogits() error {
	maxID := 0
	maxVal := s.logits[0]
	for i := 1; i < len(s.logits); i++ {
		if s.logits[i] > maxVal {
			maxID, maxVal = i, s.logits[i]
		}
	}

	if maxID == s.cfg.BlankID {
		if !s.emittedSilence {
			s.emittedSilence = true
			s.handler(Result{Kind: ResultSilence, TimeMS: s.timeMS})
		}
		return nil
	}

	if err := s.advanceContext(int64(maxID)); err != nil {
		return err
	}
	s.ring.push(Token{
		ID:      int32(maxID),
		Text:    s.cfg.Tokens[maxID],
		LogProb: maxVal,
		TimeMS:  s.timeMS,
	})
	s.emittedSilence = false
	return nil
}

// deliverPending hands newly available tokens to the handler. Partial
// deliveries are skipped when nothing is pending; the final delivery
// always fires, empty or not, and empties the ring.
func (s *Session) deliverPending(final bool) {
	pending := s.ring.undelivered()
	if !final && len(pending) == 0 {
		return
	}
	kind := ResultPartial
	if final {
		kind = ResultFinal
	}
	s.handler(Result{Kind: kind, Tokens: pending, TimeMS: s.timeMS})
	s.ring.markDelivered()
	if final {
		s.ring.reset()
	}
}
