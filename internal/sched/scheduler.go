// Package sched provides one-shot and daily wall-clock scheduling on top of the
// clock abstraction. Every armed callback is identified by a CancelToken whose
// Cancel method is idempotent: cancelling an already-fired or already-cancelled
// callback is a no-op.
package sched

import (
	"errors"
	"sync"
	"time"

	"roomcontrol/internal/clock"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPastTime is returned by At when the requested wall-clock time has already
// passed. Callers scheduling daily transitions treat this as expected and skip.
var ErrPastTime = errors.New("scheduled time is in the past")

// Scheduler arms callbacks against a Clock. It is safe for concurrent use.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]clock.Timer
	stopped bool
}

// CancelToken identifies a single armed callback.
type CancelToken struct {
	id        string
	scheduler *Scheduler
}

// ID returns the unique identifier of the armed callback.
func (t *CancelToken) ID() string {
	return t.id
}

// Cancel stops the pending callback. Cancelling twice, or cancelling after the
// callback has fired, is a no-op.
func (t *CancelToken) Cancel() {
	if t == nil || t.scheduler == nil {
		return
	}
	t.scheduler.cancel(t.id)
}

// New creates a Scheduler backed by the given clock.
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:   clk,
		logger:  logger.Named("sched"),
		pending: make(map[string]clock.Timer),
	}
}

// After arms fn to run once after duration d.
func (s *Scheduler) After(d time.Duration, fn func()) *CancelToken {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return &CancelToken{id: id}
	}

	s.pending[id] = s.clock.AfterFunc(d, func() {
		s.forget(id)
		fn()
	})

	s.logger.Debug("Armed one-shot timer",
		zap.String("id", id),
		zap.Duration("after", d))

	return &CancelToken{id: id, scheduler: s}
}

// At arms fn to run once at the given wall-clock time. Times that are not in
// the future return ErrPastTime without arming anything.
func (s *Scheduler) At(t time.Time, fn func()) (*CancelToken, error) {
	d := t.Sub(s.clock.Now())
	if d <= 0 {
		return nil, ErrPastTime
	}

	token := s.After(d, fn)
	s.logger.Debug("Armed wall-clock timer",
		zap.String("id", token.id),
		zap.Time("at", t))
	return token, nil
}

// Daily arms fn to run every day at the given local time of day, starting with
// the next occurrence. The returned token cancels the whole series.
func (s *Scheduler) Daily(hour, minute, second int, fn func()) *CancelToken {
	id := uuid.NewString()
	s.armDaily(id, hour, minute, second, fn)

	s.logger.Debug("Armed daily timer",
		zap.String("id", id),
		zap.Int("hour", hour),
		zap.Int("minute", minute))

	return &CancelToken{id: id, scheduler: s}
}

func (s *Scheduler) armDaily(id string, hour, minute, second int, fn func()) {
	now := s.clock.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, second, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.pending[id] = s.clock.AfterFunc(next.Sub(now), func() {
		s.forget(id)
		fn()
		// Same token id covers the whole series so one Cancel stops it.
		s.armDaily(id, hour, minute, second, fn)
	})
}

// Stop cancels every pending callback. The scheduler arms nothing afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, timer := range s.pending {
		timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Scheduler) cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.pending[id]; ok {
		timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}
