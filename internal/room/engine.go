// Package room implements the per-room scheduling and activation engine: a
// debounced state machine that couples motion, button and door signals to the
// decision of whether the room's entities should be driven to the scheduled
// scene or turned off.
package room

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"roomcontrol/internal/clock"
	"roomcontrol/internal/ha"
	"roomcontrol/internal/schedule"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"
)

// Engine owns a single room's activation decisions. All state is guarded by a
// room-scoped mutex; watcher callbacks may arrive on any goroutine.
type Engine struct {
	name        string
	entity      string
	sleepEntity string
	haClient    ha.HAClient
	clock       clock.Clock
	logger      *zap.Logger
	readOnly    bool

	mu       sync.Mutex
	schedule *schedule.Schedule

	// Called when Activate resolves an empty scene. The motion watcher hooks
	// this to re-arm its motion-on watch, mirroring a light-off edge.
	emptySceneHook func()

	activations   *metrics.Counter
	deactivations *metrics.Counter
}

// NewEngine creates the activation engine for one room. sleepEntity is the
// input_boolean holding the room's sleep flag, or empty when the room has no
// sleep mode.
func NewEngine(name, entity, sleepEntity string, haClient ha.HAClient, clk clock.Clock, logger *zap.Logger, readOnly bool) *Engine {
	return &Engine{
		name:        name,
		entity:      entity,
		sleepEntity: sleepEntity,
		haClient:    haClient,
		clock:       clk,
		logger:      logger.Named("engine").With(zap.String("room", name)),
		readOnly:    readOnly,
		activations: metrics.GetOrCreateCounter(
			fmt.Sprintf(`room_activations_total{room=%q}`, name)),
		deactivations: metrics.GetOrCreateCounter(
			fmt.Sprintf(`room_deactivations_total{room=%q}`, name)),
	}
}

// Name returns the room's configured name.
func (e *Engine) Name() string {
	return e.name
}

// Entity returns the room's driven light entity.
func (e *Engine) Entity() string {
	return e.entity
}

// SetSchedule swaps in a freshly built schedule. The old value is discarded
// whole, never mutated, so concurrent readers see either day consistently.
func (e *Engine) SetSchedule(s *schedule.Schedule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schedule = s
}

// Schedule returns the current schedule. Nil before the first build succeeds.
func (e *Engine) Schedule() *schedule.Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.schedule
}

// SetEmptySceneHook registers the callback invoked when an activation resolves
// an empty scene.
func (e *Engine) SetEmptySceneHook(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emptySceneHook = fn
}

// SleepActive reads the room's sleep flag. Rooms without a sleep entity are
// never asleep.
func (e *Engine) SleepActive() bool {
	if e.sleepEntity == "" {
		return false
	}

	state, err := e.haClient.GetState(e.sleepEntity)
	if err != nil {
		e.logger.Warn("Failed to read sleep flag, assuming off",
			zap.String("entity", e.sleepEntity),
			zap.Error(err))
		return false
	}
	return state.IsOn()
}

// SetSleep writes the room's sleep flag.
func (e *Engine) SetSleep(value bool) error {
	if e.sleepEntity == "" {
		return fmt.Errorf("room %s has no sleep entity configured", e.name)
	}

	name := strings.TrimPrefix(e.sleepEntity, "input_boolean.")
	if err := e.haClient.SetInputBoolean(name, value); err != nil {
		return fmt.Errorf("failed to set sleep flag: %w", err)
	}

	e.logger.Info("Sleep flag changed", zap.Bool("sleep", value))
	return nil
}

// ToggleSleep flips the sleep flag and returns the new value.
func (e *Engine) ToggleSleep() (bool, error) {
	next := !e.SleepActive()
	if err := e.SetSleep(next); err != nil {
		return false, err
	}
	return next, nil
}

// OffDuration returns the debounce interval currently in effect. Sleep mode
// yields zero; schedule.ErrNoOffDuration surfaces when nothing is configured.
func (e *Engine) OffDuration() (time.Duration, error) {
	sched := e.Schedule()
	if sched == nil {
		return 0, fmt.Errorf("schedule not built yet")
	}
	return sched.OffDuration(e.clock.Now(), e.SleepActive())
}

// AnyOn reports whether at least one of the room's entities is on.
func (e *Engine) AnyOn() bool {
	sched := e.Schedule()
	if sched == nil {
		return false
	}

	for _, entity := range sched.Entities() {
		state, err := e.haClient.GetState(entity)
		if err != nil {
			continue
		}
		if state.IsOn() {
			return true
		}
	}
	return false
}

// AllOff is the logical opposite of AnyOn.
func (e *Engine) AllOff() bool {
	return !e.AnyOn()
}

// Activate applies the currently resolved scene. An empty scene is an
// explicitly logged no-op that behaves like a light-off edge, so the motion
// watch re-arms instead of going dead.
func (e *Engine) Activate(cause string) {
	sched := e.Schedule()
	if sched == nil {
		e.logger.Warn("Activation before schedule built, ignoring",
			zap.String("cause", cause))
		return
	}

	state := sched.Resolve(e.clock.Now(), e.SleepActive())
	if len(state.Scene) == 0 {
		e.logger.Info("Resolved scene is empty, nothing to apply",
			zap.String("cause", cause))
		e.mu.Lock()
		hook := e.emptySceneHook
		e.mu.Unlock()
		if hook != nil {
			hook()
		}
		return
	}

	entities := make(map[string]map[string]interface{}, len(state.Scene))
	for entity, setting := range state.Scene {
		entities[entity] = setting.SceneValues()
	}

	if e.readOnly {
		e.logger.Info("READ-ONLY: Would apply scene",
			zap.String("cause", cause),
			zap.Any("entities", entities))
		return
	}

	e.logger.Info("Activating",
		zap.String("cause", cause),
		zap.Int("entities", len(entities)))

	if err := e.haClient.ApplyScene(entities, 0); err != nil {
		e.logger.Error("Failed to apply scene",
			zap.String("cause", cause),
			zap.Any("entities", entities),
			zap.Error(err))
		return
	}

	e.activations.Inc()
}

// Deactivate turns off every entity the room's schedule references, not just
// the current scene's, guaranteeing a full reset regardless of which scene was
// last active.
func (e *Engine) Deactivate(cause string) {
	sched := e.Schedule()
	if sched == nil {
		return
	}

	if e.readOnly {
		e.logger.Info("READ-ONLY: Would turn off entities",
			zap.String("cause", cause),
			zap.Strings("entities", sched.Entities()))
		return
	}

	e.logger.Info("Deactivating", zap.String("cause", cause))

	for _, entity := range sched.Entities() {
		if err := e.haClient.TurnOff(entity); err != nil {
			e.logger.Error("Failed to turn off entity",
				zap.String("entity", entity),
				zap.Error(err))
			continue
		}
		e.logger.Debug("Turned off entity", zap.String("entity", entity))
	}

	e.deactivations.Inc()
}

// ActivateIfAllOff activates only when every entity reports off, so scheduled
// and motion-onset triggers never clobber a manual override.
func (e *Engine) ActivateIfAllOff(cause string) {
	if !e.AllOff() {
		e.logger.Debug("Skipped activating - not everything is off",
			zap.String("cause", cause))
		return
	}
	e.Activate(cause)
}

// ActivateIfAnyOn activates only when at least one entity is on, so a room
// that is fully off stays off across a scene boundary.
func (e *Engine) ActivateIfAnyOn(cause string) {
	if !e.AnyOn() {
		e.logger.Debug("Skipped activating - everything is off",
			zap.String("cause", cause))
		return
	}
	e.Activate(cause)
}

// Toggle deactivates when anything is on, otherwise activates.
func (e *Engine) Toggle(cause string) {
	if e.AnyOn() {
		e.Deactivate(cause)
	} else {
		e.Activate(cause)
	}
}

// BoostBrightness drives the room's main entity to full brightness. Used by
// the button hold behavior.
func (e *Engine) BoostBrightness(cause string) {
	if e.readOnly {
		e.logger.Info("READ-ONLY: Would boost brightness",
			zap.String("cause", cause),
			zap.String("entity", e.entity))
		return
	}

	if err := e.haClient.TurnOn(e.entity, map[string]interface{}{"brightness_pct": 100}); err != nil {
		e.logger.Error("Failed to boost brightness",
			zap.String("entity", e.entity),
			zap.Error(err))
		return
	}

	e.logger.Info("Boosted brightness",
		zap.String("cause", cause),
		zap.String("entity", e.entity))
}
