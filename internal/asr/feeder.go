package asr

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"april-stream-engine/internal/observability/metrics"
)

// defaultQueueDepth bounds the async submission queue, in chunks.
const defaultQueueDepth = 32

// FeederConfig configures an audio feeder.
type FeederConfig struct {
	// Async moves session stepping onto a dedicated worker goroutine
	// behind a bounded queue. In sync mode Feed steps the session
	// inline and returns once the chunk is fully processed.
	Async bool
	// QueueDepth is the async queue bound in chunks. Zero means the
	// default.
	QueueDepth int
}

// Feeder decouples audio producers from session stepping.
//
// In async mode one worker goroutine dequeues chunks in submission
// order and drives the session; the handler callback runs on that
// worker. The queue is bounded: a full queue blocks Feed and rejects
// TryFeed with ErrQueueFull. Audio is never silently discarded,
// since a gap in the input corrupts timing and decoding
// irrecoverably.
//
// Close drains: every chunk enqueued before Close is processed, the
// session flushes (delivering the final result) and the worker joins.
// No handler invocation happens after Close returns. Feed and TryFeed
// may race Close; a submission that reports success is processed by
// the drain, any other outcome fails with ErrNotStreaming.
type Feeder struct {
	session *Session
	log     zerolog.Logger
	metrics *metrics.Metrics

	async bool
	queue chan []int16
	stop  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	closeErr  error
	failed    atomic.Pointer[error]
	status    atomic.Int32
}

// NewFeeder wraps a session. The metrics may be nil. In async mode
// the worker goroutine starts immediately.
func NewFeeder(session *Session, cfg FeederConfig, logger zerolog.Logger, m *metrics.Metrics) *Feeder {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	f := &Feeder{
		session: session,
		log:     logger.With().Str("component", "feeder").Logger(),
		metrics: m,
		async:   cfg.Async,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if f.async {
		f.queue = make(chan []int16, depth)
		go f.run()
	} else {
		close(f.done)
	}
	return f
}

// Feed submits one chunk of PCM samples. Sync mode processes it
// inline and returns the session's status. Async mode blocks while
// the queue is full (or until ctx is done) and returns the status
// observed on the most recently processed chunk.
func (f *Feeder) Feed(ctx context.Context, samples []int16) (Status, error) {
	if !f.async {
		st, err := f.session.FeedAudio(samples)
		f.record(st, err)
		return st, err
	}

	select {
	case <-f.stop:
		return StatusOK, ErrNotStreaming
	default:
	}
	if errp := f.failed.Load(); errp != nil {
		return StatusOK, *errp
	}

	chunk := make([]int16, len(samples))
	copy(chunk, samples)

	select {
	case f.queue <- chunk:
		return f.committed()
	case <-f.stop:
		return StatusOK, ErrNotStreaming
	case <-ctx.Done():
		return StatusOK, ctx.Err()
	}
}

// committed finalizes a successful enqueue. A send that lands after
// the worker's final drain pass would be silently lost; stop is
// closed before that pass, so re-checking it here guarantees every
// nil return was (or will be) processed.
func (f *Feeder) committed() (Status, error) {
	select {
	case <-f.stop:
		return StatusOK, ErrNotStreaming
	default:
	}
	if f.metrics != nil {
		f.metrics.QueueDepth.Set(float64(len(f.queue)))
	}
	return Status(f.status.Load()), nil
}

// TryFeed is the non-blocking submission API: a full queue returns
// ErrQueueFull and leaves the drop decision to the application.
func (f *Feeder) TryFeed(samples []int16) (Status, error) {
	if !f.async {
		return f.Feed(context.Background(), samples)
	}

	select {
	case <-f.stop:
		return StatusOK, ErrNotStreaming
	default:
	}
	if errp := f.failed.Load(); errp != nil {
		return StatusOK, *errp
	}

	chunk := make([]int16, len(samples))
	copy(chunk, samples)

	select {
	case f.queue <- chunk:
		return f.committed()
	default:
		if f.metrics != nil {
			f.metrics.QueueRejections.Inc()
		}
		return StatusOK, ErrQueueFull
	}
}

// Flush requests an end-of-utterance flush. Sync mode flushes inline;
// async mode enqueues the flush behind any pending audio so it runs
// in submission order.
func (f *Feeder) Flush(ctx context.Context) error {
	if !f.async {
		return f.session.Flush()
	}

	select {
	case <-f.stop:
		return ErrNotStreaming
	default:
	}
	if errp := f.failed.Load(); errp != nil {
		return *errp
	}

	select {
	case f.queue <- nil: // nil chunk marks a flush request
		return nil
	case <-f.stop:
		return ErrNotStreaming
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLen reports the chunks currently queued. Always zero in sync
// mode.
func (f *Feeder) QueueLen() int {
	if !f.async {
		return 0
	}
	return len(f.queue)
}

// Close stops intake, drains every chunk already queued, flushes the
// session and joins the worker: drain-then-stop, never
// discard-and-stop. By contract no handler invocation occurs after
// Close returns. Idempotent; returns the first processing error
// encountered, if any.
func (f *Feeder) Close() error {
	f.closeOnce.Do(func() {
		close(f.stop)
		<-f.done
		if !f.async {
			f.closeErr = f.session.Close()
		} else if errp := f.failed.Load(); errp != nil {
			f.closeErr = *errp
		}
	})
	return f.closeErr
}

func (f *Feeder) run() {
	defer close(f.done)

	for {
		select {
		case chunk := <-f.queue:
			f.process(chunk)
		case <-f.stop:
			// Drain everything enqueued before the stop, then flush.
			for {
				select {
				case chunk := <-f.queue:
					f.process(chunk)
				default:
					if err := f.session.Close(); err != nil && f.failed.Load() == nil {
						f.failed.Store(&err)
					}
					return
				}
			}
		}
	}
}

func (f *Feeder) process(chunk []int16) {
	if f.metrics != nil {
		f.metrics.QueueDepth.Set(float64(len(f.queue)))
	}
	// Once the session is torn down the remaining queue cannot be
	// decoded; the error has already been surfaced, so later chunks
	// are dropped loudly below, not silently.
	if f.failed.Load() != nil {
		f.log.Warn().Int("samples", len(chunk)).Msg("discarding chunk after session failure")
		return
	}

	if chunk == nil {
		if err := f.session.Flush(); err != nil {
			f.fail(err)
		}
		return
	}

	st, err := f.session.FeedAudio(chunk)
	if err != nil {
		f.fail(err)
		return
	}
	f.record(st, nil)
}

func (f *Feeder) fail(err error) {
	f.failed.Store(&err)
	f.log.Error().Err(err).Msg("session processing failed")
}

func (f *Feeder) record(st Status, err error) {
	if err != nil {
		return
	}
	f.status.Store(int32(st))
	if st == StatusDegraded {
		if f.metrics != nil {
			f.metrics.RecordDegraded()
		}
		f.log.Warn().
			Float64("realTimeFactor", f.session.RealTimeFactor()).
			Msg("engine not keeping pace with audio")
	}
}
