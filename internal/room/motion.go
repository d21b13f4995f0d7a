package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"roomcontrol/internal/ha"
	"roomcontrol/internal/sched"
	"roomcontrol/internal/schedule"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"
)

const (
	watcherStateIdle   = "idle"   // light off, waiting for motion-on
	watcherStateActive = "active" // light on, waiting for motion-off-for-duration

	triggerLightOn  = "light_on"
	triggerLightOff = "light_off"
)

// MotionWatcher couples the motion sensor to the room's driven light. A
// light-on edge arms a debounced "motion cleared for off-duration" timer; a
// light-off edge arms a one-shot "motion detected" watch. Arming always
// cancels the stale callback for the same (sensor, edge) pair first.
type MotionWatcher struct {
	engine    *Engine
	scheduler *sched.Scheduler
	haClient  ha.HAClient
	registry  *timerRegistry
	logger    *zap.Logger
	sensor    string

	sm *stateless.StateMachine

	lightSub  ha.Subscription
	sensorSub ha.Subscription

	mu          sync.Mutex
	onArmed     bool
	offArmed    bool
	offDuration time.Duration
	offTimer    *sched.CancelToken
}

// NewMotionWatcher creates the watcher for one room's motion sensor.
func NewMotionWatcher(engine *Engine, scheduler *sched.Scheduler, haClient ha.HAClient, sensor string, logger *zap.Logger) *MotionWatcher {
	named := logger.Named("motion").With(zap.String("sensor", sensor))
	return &MotionWatcher{
		engine:    engine,
		scheduler: scheduler,
		haClient:  haClient,
		registry:  newTimerRegistry(named),
		logger:    named,
		sensor:    sensor,
	}
}

// Start reads the light's current state, builds the state machine in the
// matching state and subscribes to light and sensor changes. The initial arm
// mimics the edge callback the light's current level would have produced.
func (w *MotionWatcher) Start() error {
	lightOn := false
	if state, err := w.haClient.GetState(w.engine.Entity()); err != nil {
		w.logger.Warn("Failed to read light state at startup, assuming off",
			zap.String("entity", w.engine.Entity()),
			zap.Error(err))
	} else {
		lightOn = state.IsOn()
	}

	initial := watcherStateIdle
	if lightOn {
		initial = watcherStateActive
	}

	sm := stateless.NewStateMachine(initial)

	sm.Configure(watcherStateActive).
		OnEntry(w.onActiveEntry).
		PermitReentry(triggerLightOn).
		Permit(triggerLightOff, watcherStateIdle)

	sm.Configure(watcherStateIdle).
		OnEntry(w.onIdleEntry).
		PermitReentry(triggerLightOff).
		Permit(triggerLightOn, watcherStateActive)

	w.sm = sm

	// Activation on an empty scene behaves like a light-off edge so the
	// motion-on watch re-arms instead of going dead.
	w.engine.SetEmptySceneHook(func() {
		w.fire(triggerLightOff)
	})

	lightSub, err := w.haClient.SubscribeStateChanges(w.engine.Entity(), w.handleLightChange)
	if err != nil {
		return err
	}
	w.lightSub = lightSub

	sensorSub, err := w.haClient.SubscribeStateChanges(w.sensor, w.handleSensorChange)
	if err != nil {
		w.lightSub.Unsubscribe()
		return err
	}
	w.sensorSub = sensorSub

	// Synchronize callbacks with the light's current state; no prior edge
	// event can be assumed at startup.
	if lightOn {
		w.onActiveEntry(context.Background())
	} else {
		w.onIdleEntry(context.Background())
	}

	w.logger.Info("Motion watcher started", zap.String("state", initial))
	return nil
}

// Stop unsubscribes and releases every pending callback.
func (w *MotionWatcher) Stop() {
	if w.lightSub != nil {
		w.lightSub.Unsubscribe()
		w.lightSub = nil
	}
	if w.sensorSub != nil {
		w.sensorSub.Unsubscribe()
		w.sensorSub = nil
	}
	w.registry.clear()

	w.mu.Lock()
	if w.offTimer != nil {
		w.offTimer.Cancel()
		w.offTimer = nil
	}
	w.mu.Unlock()
}

// State returns the watcher's current state machine state.
func (w *MotionWatcher) State() string {
	if w.sm == nil {
		return watcherStateIdle
	}
	return w.sm.MustState().(string)
}

func (w *MotionWatcher) fire(trigger string) {
	if w.sm == nil {
		return
	}
	if err := w.sm.Fire(trigger); err != nil {
		w.logger.Error("State machine rejected trigger",
			zap.String("trigger", trigger),
			zap.Error(err))
	}
}

// handleLightChange translates light state changes into FSM triggers.
func (w *MotionWatcher) handleLightChange(entityID string, oldState, newState *ha.State) {
	if newState == nil {
		w.logger.Warn("Dropped malformed light state change",
			zap.String("entity", entityID))
		return
	}
	if oldState != nil && oldState.State == newState.State {
		return // attribute-only update, not an edge
	}

	switch newState.State {
	case "on":
		w.fire(triggerLightOn)
	case "off":
		w.fire(triggerLightOff)
	default:
		w.logger.Debug("Ignoring unknown light state",
			zap.String("entity", entityID),
			zap.String("state", newState.State))
	}
}

// handleSensorChange feeds motion edges from the host's state stream.
func (w *MotionWatcher) handleSensorChange(entityID string, oldState, newState *ha.State) {
	if newState == nil {
		w.logger.Warn("Dropped malformed sensor state change",
			zap.String("entity", entityID))
		return
	}
	if oldState != nil && oldState.State == newState.State {
		return // attribute-only update, not an edge
	}
	w.HandleMotion(newState.IsOn())
}

// HandleMotion processes a motion edge: true on motion detected, false on
// motion cleared. Exported so a message-bus occupancy bridge can feed the same
// path as the host's state stream.
func (w *MotionWatcher) HandleMotion(on bool) {
	if on {
		consume := false
		w.mu.Lock()
		if w.offArmed {
			// Motion while active restarts the debounce countdown.
			w.restartOffTimerLocked()
		}
		if w.onArmed {
			w.onArmed = false
			consume = true
		}
		w.mu.Unlock()

		if consume {
			w.registry.release(w.sensor, EdgeOn)
			w.engine.ActivateIfAllOff("motion detected")
		}
		return
	}

	w.mu.Lock()
	if w.offArmed {
		// Count the off duration from the moment motion cleared.
		w.restartOffTimerLocked()
	}
	w.mu.Unlock()
}

func (w *MotionWatcher) restartOffTimerLocked() {
	if w.offTimer != nil {
		w.offTimer.Cancel()
	}
	w.offTimer = w.scheduler.After(w.offDuration, w.offTimerFired)
}

func (w *MotionWatcher) offTimerFired() {
	// A continuously occupied sensor emits no further edges, so check the
	// level before deciding the room is clear. While motion is still present
	// no timer is pending; the next cleared edge restarts the countdown.
	// Re-arming from here would spin when the off duration is zero.
	if state, err := w.haClient.GetState(w.sensor); err == nil && state.IsOn() {
		w.mu.Lock()
		w.offTimer = nil
		w.mu.Unlock()
		w.logger.Debug("Motion still present, waiting for the cleared edge")
		return
	}

	w.mu.Lock()
	w.offArmed = false
	w.offTimer = nil
	w.mu.Unlock()

	w.registry.release(w.sensor, EdgeOff)
	w.engine.Deactivate("motion cleared")
}

// onActiveEntry runs on every light-on edge: drop any motion-on watch and arm
// the debounced off watch at the schedule's off duration.
func (w *MotionWatcher) onActiveEntry(_ context.Context, _ ...interface{}) error {
	w.registry.cancelAll(w.sensor, EdgeOn)

	duration, err := w.engine.OffDuration()
	if err != nil {
		if errors.Is(err, schedule.ErrNoOffDuration) {
			w.logger.Info("No off duration configured, room will not auto-deactivate")
		} else {
			w.logger.Warn("Failed to determine off duration", zap.Error(err))
		}
		return nil
	}

	w.armOffWatch(duration)
	return nil
}

// onIdleEntry runs on every light-off edge: drop the off watch and arm the
// one-shot motion-on watch.
func (w *MotionWatcher) onIdleEntry(_ context.Context, _ ...interface{}) error {
	w.registry.cancelAll(w.sensor, EdgeOff)
	w.armMotionOnWatch()
	return nil
}

func (w *MotionWatcher) armOffWatch(duration time.Duration) {
	w.registry.arm(w.sensor, EdgeOff, func() {
		w.mu.Lock()
		w.offArmed = false
		if w.offTimer != nil {
			w.offTimer.Cancel()
			w.offTimer = nil
		}
		w.mu.Unlock()
	})

	w.mu.Lock()
	w.offArmed = true
	w.offDuration = duration
	w.restartOffTimerLocked()
	w.mu.Unlock()

	w.logger.Debug("Waiting for motion to stop",
		zap.Duration("off_duration", duration))
}

func (w *MotionWatcher) armMotionOnWatch() {
	w.registry.arm(w.sensor, EdgeOn, func() {
		w.mu.Lock()
		w.onArmed = false
		w.mu.Unlock()
	})

	w.mu.Lock()
	w.onArmed = true
	w.mu.Unlock()

	w.logger.Debug("Waiting for motion")
}

// RearmOff replaces the pending off watch with one at the given duration.
// Used by the button hold behavior to extend the room's active period.
func (w *MotionWatcher) RearmOff(duration time.Duration) {
	w.registry.cancelAll(w.sensor, EdgeOff)
	w.armOffWatch(duration)
}
