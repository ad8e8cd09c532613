// Package mock provides an in-process inference backend and feature
// extractor for tests and for running the engine without a real
// model. The backend emits tokens from a fixed per-frame script, so
// recognition output is fully deterministic.
package mock

import (
	"errors"
	"fmt"
)

// ErrSimulated is the failure injected by a scripted backend fault.
var ErrSimulated = errors.New("mock: simulated backend failure")

// Extractor is a trivial feature extractor: it slices the PCM stream
// into fixed-size windows and scales samples into [-1, 1). One window
// of samplesPerFrame samples yields one feature frame.
type Extractor struct {
	frameLen        int
	samplesPerFrame int
	strideMS        int64

	buf []int16
}

// NewExtractor builds an extractor producing frames of frameLen
// features from windows of samplesPerFrame samples, each frame
// covering strideMS of audio.
func NewExtractor(frameLen, samplesPerFrame int, strideMS int64) *Extractor {
	return &Extractor{
		frameLen:        frameLen,
		samplesPerFrame: samplesPerFrame,
		strideMS:        strideMS,
	}
}

// Accept buffers PCM samples.
func (e *Extractor) Accept(samples []int16) {
	e.buf = append(e.buf, samples...)
}

// Pull fills frame from the next complete window and reports whether
// one was available.
func (e *Extractor) Pull(frame []float32) bool {
	if len(e.buf) < e.samplesPerFrame {
		return false
	}
	for i := range frame {
		if i < e.samplesPerFrame {
			frame[i] = float32(e.buf[i]) / 32768.0
		} else {
			frame[i] = 0
		}
	}
	e.buf = e.buf[e.samplesPerFrame:]
	return true
}

// Drain zero-pads any residual samples up to a full window and
// reports whether a frame became available.
func (e *Extractor) Drain() bool {
	if len(e.buf) == 0 {
		return false
	}
	for len(e.buf) < e.samplesPerFrame {
		e.buf = append(e.buf, 0)
	}
	return true
}

// StrideMS returns the audio duration covered by one frame.
func (e *Extractor) StrideMS() int64 { return e.strideMS }

// FrameLen returns the feature frame length.
func (e *Extractor) FrameLen() int { return e.frameLen }

// Backend is a scripted inference backend. Script maps an encoder
// frame index (0-based) to the token id the joiner favors on that
// frame; unscripted frames favor the blank id.
//
// To make recurrent-state handling observable, every encoder step
// writes hIn[0]+1 into hOut[0] and records the hIn[0] value it read.
type Backend struct {
	tokenCount int
	blankID    int
	script     map[int]int

	// FailStage, when non-empty, makes the named stage ("encoder",
	// "decoder" or "joiner") return ErrSimulated once the encoder has
	// run FailFrame+1 times.
	FailStage string
	FailFrame int

	frames      int
	hSeen       []float32
	lastContext int64
}

// NewBackend builds a scripted backend over a vocabulary of
// tokenCount ids.
func NewBackend(tokenCount, blankID int, script map[int]int) *Backend {
	return &Backend{
		tokenCount: tokenCount,
		blankID:    blankID,
		script:     script,
	}
}

// EncoderSteps returns how many encoder steps have run.
func (b *Backend) EncoderSteps() int { return b.frames }

// HiddenSeen returns the hIn[0] value read on each encoder step.
func (b *Backend) HiddenSeen() []float32 { return b.hSeen }

// LastContextToken returns the newest context token of the most
// recent decoder step.
func (b *Backend) LastContextToken() int64 { return b.lastContext }

func (b *Backend) failAt(stage string) error {
	if b.FailStage == stage && b.frames == b.FailFrame+1 {
		return ErrSimulated
	}
	return nil
}

// EncoderStep advances the scripted encoder by one frame.
func (b *Backend) EncoderStep(frame, hIn, cIn, encOut, hOut, cOut []float32) error {
	b.frames++
	if err := b.failAt("encoder"); err != nil {
		return err
	}
	b.hSeen = append(b.hSeen, hIn[0])
	copy(hOut, hIn)
	copy(cOut, cIn)
	if len(hOut) > 0 {
		hOut[0] = hIn[0] + 1
	}
	if len(encOut) > 0 {
		encOut[0] = float32(b.frames - 1)
	}
	return nil
}

// DecoderStep records the context it was handed.
func (b *Backend) DecoderStep(context []int64, decOut []float32) error {
	if err := b.failAt("decoder"); err != nil {
		return err
	}
	if len(context) == 0 {
		return fmt.Errorf("mock: empty decoder context")
	}
	b.lastContext = context[len(context)-1]
	if len(decOut) > 0 {
		decOut[0] = float32(b.lastContext)
	}
	return nil
}

// Joiner favors the scripted token for the current frame, or the
// blank id when the frame is unscripted.
func (b *Backend) Joiner(encOut, decOut, logits []float32) error {
	if err := b.failAt("joiner"); err != nil {
		return err
	}
	for i := range logits {
		logits[i] = -10
	}
	frame := b.frames - 1
	if id, ok := b.script[frame]; ok && id >= 0 && id < b.tokenCount {
		logits[id] = 5
	} else {
		logits[b.blankID] = 5
	}
	return nil
}
