// Package adapt watches per-call quality samples and recommends media
// upgrades or downgrades. It only recommends; renegotiation is the
// caller's job.
//
// Hysteresis prevents oscillation: a downgrade fires at most once per
// cooldown, and an upgrade fires only after a full window of good samples
// and a cooldown since the last change in either direction.
package adapt

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Direction is the recommended media quality change.
type Direction int

const (
	// Down recommends reducing media quality.
	Down Direction = iota
	// Up recommends restoring media quality.
	Up
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// Sample is one quality observation for a call.
type Sample struct {
	RTT         time.Duration
	LossPercent float64
	Jitter      time.Duration
	Bandwidth   uint64 // bits per second
	Timestamp   time.Time
}

// Recommendation is the engine's advice for one call.
type Recommendation struct {
	CallID    uuid.UUID
	Direction Direction
	Reason    string
	// Samples is the window size the decision was based on.
	Samples int
}

// Defaults for Config fields left zero.
const (
	DefaultWindowSize      = 5
	DefaultWindowSpan      = 10 * time.Second
	DefaultMinSamples      = 3
	DefaultCooldown        = 15 * time.Second
	DefaultDownLossPercent = 10.0
	DefaultUpLossPercent   = 1.0
)

// Config tunes an Engine.
type Config struct {
	// WindowSize caps samples per call window.
	WindowSize int
	// WindowSpan expires samples by age.
	WindowSpan time.Duration
	// MinSamples is the fewest samples that can justify a downgrade.
	MinSamples int
	// Cooldown is the minimum spacing between recommendations.
	Cooldown time.Duration
	// DownLossPercent triggers a downgrade when the window average loss
	// reaches it.
	DownLossPercent float64
	// DownBandwidth triggers a downgrade when the window average bandwidth
	// falls below it. Zero disables the bandwidth trigger.
	DownBandwidth uint64
	// UpLossPercent is the loss ceiling for an upgrade.
	UpLossPercent float64
	// UpBandwidth is the bandwidth floor for an upgrade. Zero disables the
	// bandwidth requirement.
	UpBandwidth uint64
}

func (c *Config) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.WindowSpan <= 0 {
		c.WindowSpan = DefaultWindowSpan
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.DownLossPercent <= 0 {
		c.DownLossPercent = DefaultDownLossPercent
	}
	if c.UpLossPercent <= 0 {
		c.UpLossPercent = DefaultUpLossPercent
	}
}

// TimeProvider abstracts time for deterministic hysteresis tests.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the real clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}

type callWindow struct {
	samples    []Sample
	lastDown   time.Time
	lastChange time.Time
}

// Engine keeps a sliding window of samples per call and decides when
// sustained degradation or improvement warrants a recommendation.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	calls map[uuid.UUID]*callWindow

	timeProvider TimeProvider
}

// NewEngine creates an adaptation engine.
func NewEngine(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:          cfg,
		calls:        make(map[uuid.UUID]*callWindow),
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider overrides the clock.
func (e *Engine) SetTimeProvider(tp TimeProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	e.timeProvider = tp
}

// Observe feeds one sample for the call and returns a recommendation when
// the window justifies one. Most observations return ok=false.
func (e *Engine) Observe(callID uuid.UUID, s Sample) (Recommendation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.timeProvider.Now()
	w := e.calls[callID]
	if w == nil {
		w = &callWindow{}
		e.calls[callID] = w
	}

	w.samples = append(w.samples, s)
	e.prune(w, now)

	if rec, ok := e.checkDown(callID, w, now); ok {
		return rec, true
	}
	return e.checkUp(callID, w, now)
}

// Forget discards the call's window; called on teardown.
func (e *Engine) Forget(callID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.calls, callID)
}

// WindowSize reports how many samples the call's window currently holds.
func (e *Engine) WindowSize(callID uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w := e.calls[callID]; w != nil {
		return len(w.samples)
	}
	return 0
}

// prune drops samples past the window span, then trims to the size cap.
func (e *Engine) prune(w *callWindow, now time.Time) {
	cutoff := now.Add(-e.cfg.WindowSpan)
	i := 0
	for i < len(w.samples) && w.samples[i].Timestamp.Before(cutoff) && !w.samples[i].Timestamp.IsZero() {
		i++
	}
	w.samples = w.samples[i:]

	if excess := len(w.samples) - e.cfg.WindowSize; excess > 0 {
		w.samples = w.samples[excess:]
	}
}

func (e *Engine) checkDown(callID uuid.UUID, w *callWindow, now time.Time) (Recommendation, bool) {
	if len(w.samples) < e.cfg.MinSamples {
		return Recommendation{}, false
	}
	if now.Sub(w.lastDown) < e.cfg.Cooldown {
		return Recommendation{}, false
	}

	avgLoss, avgBandwidth := windowAverages(w.samples)

	var reason string
	switch {
	case avgLoss >= e.cfg.DownLossPercent:
		reason = "sustained packet loss"
	case e.cfg.DownBandwidth > 0 && avgBandwidth < float64(e.cfg.DownBandwidth):
		reason = "sustained low bandwidth"
	default:
		return Recommendation{}, false
	}

	w.lastDown = now
	w.lastChange = now

	logrus.WithFields(logrus.Fields{
		"function": "Engine.checkDown",
		"call_id":  callID.String(),
		"avg_loss": avgLoss,
		"reason":   reason,
	}).Info("Recommending media downgrade")

	return Recommendation{
		CallID:    callID,
		Direction: Down,
		Reason:    reason,
		Samples:   len(w.samples),
	}, true
}

func (e *Engine) checkUp(callID uuid.UUID, w *callWindow, now time.Time) (Recommendation, bool) {
	// Upgrades need something to restore, a full window of good samples
	// and a quiet cooldown since the last change in either direction.
	if w.lastDown.IsZero() {
		return Recommendation{}, false
	}
	if len(w.samples) < e.cfg.WindowSize {
		return Recommendation{}, false
	}
	if now.Sub(w.lastChange) < e.cfg.Cooldown {
		return Recommendation{}, false
	}

	for _, s := range w.samples {
		if s.LossPercent > e.cfg.UpLossPercent {
			return Recommendation{}, false
		}
		if e.cfg.UpBandwidth > 0 && s.Bandwidth < e.cfg.UpBandwidth {
			return Recommendation{}, false
		}
	}

	w.lastChange = now

	logrus.WithFields(logrus.Fields{
		"function": "Engine.checkUp",
		"call_id":  callID.String(),
	}).Info("Recommending media upgrade")

	return Recommendation{
		CallID:    callID,
		Direction: Up,
		Reason:    "sustained good quality",
		Samples:   len(w.samples),
	}, true
}

func windowAverages(samples []Sample) (loss, bandwidth float64) {
	for _, s := range samples {
		loss += s.LossPercent
		bandwidth += float64(s.Bandwidth)
	}
	n := float64(len(samples))
	return loss / n, bandwidth / n
}
