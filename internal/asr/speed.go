package asr

import "time"

// defaultSpeedInterval is how often the real-time factor is
// re-evaluated against wall time.
const defaultSpeedInterval = 2 * time.Second

// speedTracker measures audio time processed against wall time spent
// processing it. Per-frame cost is smoothed with a 9:1 moving average
// and the real-time factor is re-evaluated on a fixed wall interval;
// the thresholds are deliberately coarse, the contract is only the
// monitored ratio plus an observable degraded signal.
type speedTracker struct {
	now      func() time.Time
	interval time.Duration

	costRatio float64 // smoothed processing-cost per unit of audio

	windowStart time.Time
	audioMS     int64 // audio processed in the current window

	factor   float64 // last evaluated real-time factor
	degraded bool
}

func newSpeedTracker(interval time.Duration) *speedTracker {
	if interval <= 0 {
		interval = defaultSpeedInterval
	}
	return &speedTracker{
		now:       time.Now,
		interval:  interval,
		costRatio: 1.0,
		factor:    1.0,
	}
}

// observe records one inference pass that consumed strideMS of audio
// and took cost of wall time, then re-evaluates the real-time factor
// once the evaluation interval has elapsed.
func (s *speedTracker) observe(strideMS int64, cost time.Duration) {
	if strideMS <= 0 {
		return
	}
	// 10% headroom so the tracker flags trouble slightly before the
	// engine actually falls behind.
	per := cost.Seconds() * 1000 * 1.1 / float64(strideMS)
	s.costRatio = (s.costRatio*9 + per) / 10

	if s.windowStart.IsZero() {
		s.windowStart = s.now()
	}
	s.audioMS += strideMS

	elapsed := s.now().Sub(s.windowStart)
	if elapsed < s.interval {
		return
	}
	s.factor = float64(s.audioMS) / float64(elapsed.Milliseconds())
	s.degraded = s.factor < 1.0 && s.costRatio > 1.0
	s.audioMS = 0
	s.windowStart = s.now()
}

// realTimeFactor reports the last evaluated ratio of audio time
// processed to wall time elapsed. Above 1 the engine keeps pace.
func (s *speedTracker) realTimeFactor() float64 { return s.factor }

// isDegraded reports whether the last evaluation found the engine
// unable to keep pace.
func (s *speedTracker) isDegraded() bool { return s.degraded }
