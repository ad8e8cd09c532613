// Package asr implements the streaming recognition session engine: an
// incremental state machine that ingests raw PCM16 audio, drives an
// autoregressive transducer decoding loop against an external
// inference backend and delivers timed token hypotheses through a
// registered handler.
//
// The tensor math and the filterbank algorithm live behind the
// NetworkInference and FeatureExtractor interfaces; this package owns
// the decoding loop, the hypothesis ring and the real-time pacing.
package asr

import (
	"fmt"
	"time"

	"april-stream-engine/internal/model"
)

// Token is one recognized unit of text with its timestamp on the
// audio clock.
type Token struct {
	ID      int32   `json:"id"`
	Text    string  `json:"text"`
	LogProb float32 `json:"logProb"`
	TimeMS  int64   `json:"timeMs"`
}

// ResultKind classifies a handler delivery.
type ResultKind int

const (
	// ResultPartial carries tokens recognized since the previous
	// delivery; the hypothesis may still grow.
	ResultPartial ResultKind = iota
	// ResultFinal carries the remaining undelivered tokens of the
	// utterance. It is emitted exactly once per flush, even with an
	// empty token slice, to signal end-of-utterance.
	ResultFinal
	// ResultSilence signals that decoding entered silence. It is
	// emitted once per silence span, not re-triggered every frame.
	ResultSilence
)

// String returns the string representation of the result kind.
func (k ResultKind) String() string {
	switch k {
	case ResultPartial:
		return "partial"
	case ResultFinal:
		return "final"
	case ResultSilence:
		return "silence"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Result is one handler delivery.
type Result struct {
	Kind   ResultKind
	Tokens []Token
	TimeMS int64
}

// Handler receives recognition results. It runs inline on whichever
// goroutine is stepping the session (the calling goroutine in sync
// mode, the feeder worker in async mode) and must not block
// materially: time spent in the handler counts directly against the
// session's real-time budget.
type Handler func(Result)

// FeatureExtractor converts PCM samples into feature frames. It may
// buffer internally: a short Accept can yield no frames.
type FeatureExtractor interface {
	// Accept buffers PCM samples for feature extraction.
	Accept(samples []int16)
	// Pull copies the next pending feature frame into frame and
	// reports whether one was available. frame must have FrameLen
	// elements.
	Pull(frame []float32) bool
	// Drain pads the buffered tail with silence so the last partial
	// window can be pulled, reporting whether new frames became
	// available.
	Drain() bool
	// StrideMS is the hop duration of one frame in milliseconds.
	StrideMS() int64
	// FrameLen is the number of values in one feature frame.
	FrameLen() int
}

// NetworkInference runs the three transducer networks. Output slices
// are preallocated by the session and overwritten on every step.
type NetworkInference interface {
	// EncoderStep runs one encoder pass over a feature frame with the
	// given recurrent state, writing the encoder output and the next
	// recurrent state.
	EncoderStep(frame, hIn, cIn, encOut, hOut, cOut []float32) error
	// DecoderStep runs the decoder over the token context window.
	DecoderStep(context []int64, decOut []float32) error
	// Joiner combines encoder and decoder outputs into emission
	// logits, one per token id.
	Joiner(encOut, decOut, logits []float32) error
}

// NetworkShape carries the tensor dimensions of a loaded model, as
// decoded from its parameter blob by whoever initialized the backend.
type NetworkShape struct {
	FrameLen       int
	HiddenSize     int
	CellSize       int
	EncoderOutSize int
	DecoderOutSize int
	ContextSize    int
}

// Config is the recognition configuration bound to a session. It is
// derived from a parsed model container and immutable for the
// session's lifetime.
type Config struct {
	ModelName string
	Language  string
	ModelType model.Type

	// Tokens maps token id to text; len(Tokens) is the logit count.
	Tokens []string
	// BlankID is the silence marker and the decoder start token.
	BlankID int

	Shape NetworkShape

	// ForceRealtime suppresses the Degraded status; the caller has
	// promised to keep the session fed at real time regardless.
	ForceRealtime bool
	// SpeedInterval is the wall-clock interval between real-time
	// factor evaluations. Zero means the default.
	SpeedInterval time.Duration
}

// NewConfig derives a session config from a parsed model container.
// The token table and network shape come from the container's
// parameter blob, which the inference backend decodes during weight
// initialization.
func NewConfig(mc *model.Container, shape NetworkShape, tokens []string, blankID int) Config {
	return Config{
		ModelName: mc.Name(),
		Language:  mc.Language(),
		ModelType: mc.ModelType(),
		Tokens:    tokens,
		BlankID:   blankID,
		Shape:     shape,
	}
}

func (c *Config) validate() error {
	if len(c.Tokens) == 0 {
		return fmt.Errorf("asr: config has no token table")
	}
	if c.BlankID < 0 || c.BlankID >= len(c.Tokens) {
		return fmt.Errorf("asr: blank id %d outside token table of %d", c.BlankID, len(c.Tokens))
	}
	s := c.Shape
	if s.FrameLen <= 0 || s.HiddenSize <= 0 || s.CellSize <= 0 ||
		s.EncoderOutSize <= 0 || s.DecoderOutSize <= 0 {
		return fmt.Errorf("asr: config has non-positive network dimensions: %+v", s)
	}
	if s.ContextSize < 1 {
		return fmt.Errorf("asr: context size %d, need at least 1", s.ContextSize)
	}
	return nil
}
