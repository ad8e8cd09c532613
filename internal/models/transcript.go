// Package models defines the data structures for transcript events.
package models

import "april-stream-engine/internal/asr"

// Event types carried in the eventType field.
const (
	EventTypePartial = "session.transcript.partial"
	EventTypeFinal   = "session.transcript.final"
	EventTypeSilence = "session.silence"
)

// TokenEvent is one recognized token inside a transcript event.
type TokenEvent struct {
	ID      int32   `json:"id"`
	Text    string  `json:"text"`
	LogProb float32 `json:"logProb"`
	TimeMS  int64   `json:"timeMs"`
}

// TranscriptPartial represents an interim transcript result: tokens
// recognized since the previous delivery, while the hypothesis may
// still grow.
type TranscriptPartial struct {
	EventType string       `json:"eventType"`
	SessionID string       `json:"sessionId"`
	Model     string       `json:"model"`
	Language  string       `json:"language"`
	Timestamp int64        `json:"timestamp"`
	AudioMS   int64        `json:"audioMs"`
	Text      string       `json:"text"`
	Tokens    []TokenEvent `json:"tokens"`
}

// TranscriptFinal represents the end-of-utterance result emitted by a
// flush.
type TranscriptFinal struct {
	EventType      string       `json:"eventType"`
	SessionID      string       `json:"sessionId"`
	Model          string       `json:"model"`
	Language       string       `json:"language"`
	Timestamp      int64        `json:"timestamp"`
	AudioMS        int64        `json:"audioMs"`
	Text           string       `json:"text"`
	Tokens         []TokenEvent `json:"tokens"`
	RealTimeFactor float64      `json:"realTimeFactor"`
}

// SilenceEvent signals that decoding entered a silence span.
type SilenceEvent struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	AudioMS   int64  `json:"audioMs"`
}

// Tokens converts recognized tokens to their event form.
func Tokens(in []asr.Token) []TokenEvent {
	if len(in) == 0 {
		return nil
	}
	out := make([]TokenEvent, len(in))
	for i, t := range in {
		out[i] = TokenEvent{ID: t.ID, Text: t.Text, LogProb: t.LogProb, TimeMS: t.TimeMS}
	}
	return out
}

// Text concatenates token texts into the display hypothesis.
func Text(in []asr.Token) string {
	var n int
	for _, t := range in {
		n += len(t.Text)
	}
	b := make([]byte, 0, n)
	for _, t := range in {
		b = append(b, t.Text...)
	}
	return string(b)
}
