// Package ws exposes the streaming recognition API over WebSocket.
//
// A client opens /v1/stream, sends PCM16 little-endian audio as
// binary messages and control commands as JSON text messages, and
// receives transcript events as JSON. One connection owns exactly one
// recognition session.
package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"april-stream-engine/internal/asr"
	"april-stream-engine/internal/events"
	"april-stream-engine/internal/models"
	"april-stream-engine/internal/observability/logging"
	"april-stream-engine/internal/observability/metrics"
)

// Limits defines safety guardrails for one streaming connection.
// These prevent unbounded resource usage per client.
type Limits struct {
	MaxAudioBytes int64         // Max audio accepted per connection
	MaxDuration   time.Duration // Max connection duration
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 64 * 1024 * 1024, // ~34 minutes at 16kHz 16-bit mono
		MaxDuration:   30 * time.Minute,
	}
}

// SessionFactory builds a recognition session and its feeder for one
// connection. The handler receives that session's results.
type SessionFactory func(log zerolog.Logger, handler asr.Handler) (*asr.Feeder, *asr.Session, error)

// command is a JSON control message from the client.
type command struct {
	Type string `json:"type"`
}

// errorEvent is sent to the client before an abnormal close.
type errorEvent struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// Server is the WebSocket API server.
type Server struct {
	factory   SessionFactory
	publisher *events.Publisher
	metrics   *metrics.Metrics
	limits    Limits
	log       zerolog.Logger

	server *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates the API server. The publisher may be nil to skip
// event publishing; the metrics may be nil.
func NewServer(addr string, factory SessionFactory, publisher *events.Publisher, m *metrics.Metrics, limits Limits, log zerolog.Logger) *Server {
	s := &Server{
		factory:   factory,
		publisher: publisher,
		metrics:   m,
		limits:    limits,
		log:       logging.WithComponent(log, "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/v1/stream", s.handleStream)

	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting streaming API server")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sessionID := uuid.NewString()
	log := s.log.With().Str("sessionId", sessionID).Logger()

	stream := &streamConn{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		log:       log,
		events:    make(chan any, 64),
		started:   time.Now(),
	}
	stream.run(r.Context())
}

// streamConn is the per-connection state: one WebSocket, one
// recognition session, one writer goroutine.
type streamConn struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
	log       zerolog.Logger

	session *asr.Session
	feeder  *asr.Feeder

	// events carries outbound JSON to the writer goroutine; the
	// recognition handler must not block on the socket.
	events chan any

	started    time.Time
	audioBytes int64
}

func (c *streamConn) run(ctx context.Context) {
	defer c.conn.Close()

	feeder, session, err := c.server.factory(c.log, c.onResult)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to create recognition session")
		_ = c.conn.WriteJSON(errorEvent{
			EventType: "session.error",
			SessionID: c.sessionID,
			Message:   "failed to create recognition session",
		})
		return
	}
	c.feeder = feeder
	c.session = session

	if m := c.server.metrics; m != nil {
		m.RecordSessionStart()
		defer func() {
			m.RecordSessionEnd(time.Since(c.started).Seconds())
		}()
	}
	c.log.Info().
		Str("model", session.ModelName()).
		Str("language", session.Language()).
		Msg("Streaming session opened")

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	readErr := c.readLoop(ctx)

	// Feeder close drains queued audio and flushes; every handler
	// call lands before Close returns, so closing the event channel
	// here is safe.
	if err := c.feeder.Close(); err != nil {
		c.log.Error().Err(err).Msg("Session teardown reported an error")
	}
	close(c.events)
	<-writerDone

	if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Debug().Err(readErr).Msg("Streaming session ended")
	}
	c.log.Info().
		Int64("audioBytes", c.audioBytes).
		Int64("audioMs", c.session.CurrentTimeMS()).
		Msg("Streaming session closed")
}

// readLoop consumes client messages until the connection drops, a
// limit trips or the context ends.
func (c *streamConn) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.server.limits.MaxDuration > 0 && time.Since(c.started) > c.server.limits.MaxDuration {
			c.reject("connection exceeded maximum duration")
			return nil
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := c.onAudio(ctx, data); err != nil {
				return err
			}
		case websocket.TextMessage:
			var cmd command
			if err := json.Unmarshal(data, &cmd); err != nil {
				c.reject("malformed control message")
				return nil
			}
			switch cmd.Type {
			case "flush":
				if err := c.feeder.Flush(ctx); err != nil {
					c.log.Warn().Err(err).Msg("Flush command failed")
				}
			case "close":
				return nil
			default:
				c.log.Warn().Str("type", cmd.Type).Msg("Unknown control command")
			}
		}
	}
}

func (c *streamConn) onAudio(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data)%2 != 0 {
		// PCM16 frames are 2 bytes; an odd payload means a corrupt
		// client.
		c.reject("audio payload is not 16-bit aligned")
		return nil
	}

	c.audioBytes += int64(len(data))
	if c.server.limits.MaxAudioBytes > 0 && c.audioBytes > c.server.limits.MaxAudioBytes {
		c.reject("connection exceeded maximum audio volume")
		return nil
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}

	if m := c.server.metrics; m != nil {
		m.RecordAudio(len(samples))
	}

	status, err := c.feeder.Feed(ctx, samples)
	if err != nil {
		c.log.Error().Err(err).Msg("Audio rejected by session")
		c.reject("recognition session failed")
		return nil
	}
	if status == asr.StatusDegraded {
		c.log.Warn().
			Float64("realTimeFactor", c.session.RealTimeFactor()).
			Msg("Session degraded, engine not keeping pace")
	}
	return nil
}

// onResult is the session handler: it converts recognition results to
// transcript events, queues them to the writer and publishes them.
func (c *streamConn) onResult(res asr.Result) {
	now := time.Now().UnixMilli()
	ctx := context.Background()

	switch res.Kind {
	case asr.ResultPartial:
		ev := models.TranscriptPartial{
			EventType: models.EventTypePartial,
			SessionID: c.sessionID,
			Model:     c.session.ModelName(),
			Language:  c.session.Language(),
			Timestamp: now,
			AudioMS:   res.TimeMS,
			Text:      models.Text(res.Tokens),
			Tokens:    models.Tokens(res.Tokens),
		}
		c.send(ev)
		if c.server.publisher != nil {
			_ = c.server.publisher.PublishPartial(ctx, c.sessionID, ev)
		}
		c.record("partial", len(res.Tokens))

	case asr.ResultFinal:
		rtf := c.session.RealTimeFactor()
		ev := models.TranscriptFinal{
			EventType:      models.EventTypeFinal,
			SessionID:      c.sessionID,
			Model:          c.session.ModelName(),
			Language:       c.session.Language(),
			Timestamp:      now,
			AudioMS:        res.TimeMS,
			Text:           models.Text(res.Tokens),
			Tokens:         models.Tokens(res.Tokens),
			RealTimeFactor: rtf,
		}
		c.send(ev)
		if c.server.publisher != nil {
			_ = c.server.publisher.PublishFinal(ctx, c.sessionID, ev)
		}
		c.record("final", len(res.Tokens))
		if m := c.server.metrics; m != nil {
			m.RecordRealTimeFactor(rtf)
		}

	case asr.ResultSilence:
		c.send(models.SilenceEvent{
			EventType: models.EventTypeSilence,
			SessionID: c.sessionID,
			Timestamp: now,
			AudioMS:   res.TimeMS,
		})
		c.record("silence", 0)
	}
}

func (c *streamConn) record(kind string, tokens int) {
	if m := c.server.metrics; m != nil {
		m.RecordResult(kind, tokens)
	}
}

func (c *streamConn) send(ev any) {
	c.events <- ev
}

// writeLoop owns all writes to the socket.
func (c *streamConn) writeLoop(done chan struct{}) {
	defer close(done)
	for ev := range c.events {
		if err := c.conn.WriteJSON(ev); err != nil {
			c.log.Debug().Err(err).Msg("Client write failed")
			// Keep draining so the handler side never blocks.
			for range c.events {
			}
			return
		}
	}
}

// reject queues an error event for the client; the caller then ends
// the read loop and the normal teardown path closes the connection.
func (c *streamConn) reject(msg string) {
	c.log.Warn().Str("reason", msg).Msg("Rejecting stream")
	c.send(errorEvent{
		EventType: "session.error",
		SessionID: c.sessionID,
		Message:   msg,
	})
}
