package room

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomcontrol/internal/clock"
	"roomcontrol/internal/ha"
	"roomcontrol/internal/sched"
	"roomcontrol/internal/schedule"
)

const testSensor = "binary_sensor.kitchen_motion"

type motionFixture struct {
	engine    *Engine
	watcher   *MotionWatcher
	scheduler *sched.Scheduler
	mockHA    *ha.MockClient
	mockClock *clock.MockClock
}

func newMotionFixture(t *testing.T, cfg schedule.Config) *motionFixture {
	t.Helper()

	mockClock := clock.NewMockClock(testStart())
	mockHA := ha.NewMockClient()
	logger := zap.NewNop()

	scheduler := sched.New(mockClock, logger)
	engine := NewEngine("kitchen", "light.kitchen", "input_boolean.kitchen_sleep", mockHA, mockClock, logger, false)

	built, err := schedule.Build(cfg, nil, mockClock.Now())
	require.NoError(t, err)
	engine.SetSchedule(built)

	mockHA.SetState("light.kitchen", "off", nil)
	mockHA.SetState(testSensor, "off", nil)
	mockHA.ClearServiceCalls()

	watcher := NewMotionWatcher(engine, scheduler, mockHA, testSensor, logger)
	require.NoError(t, watcher.Start())
	t.Cleanup(func() {
		watcher.Stop()
		scheduler.Stop()
	})

	return &motionFixture{
		engine:    engine,
		watcher:   watcher,
		scheduler: scheduler,
		mockHA:    mockHA,
		mockClock: mockClock,
	}
}

func (f *motionFixture) lightOn(t *testing.T) bool {
	t.Helper()
	state, err := f.mockHA.GetState("light.kitchen")
	require.NoError(t, err)
	return state.IsOn()
}

func (f *motionFixture) motion(on bool) {
	value := "off"
	if on {
		value = "on"
	}
	f.mockHA.SetState(testSensor, value, nil)
}

func TestMotionActivatesDarkRoom(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	require.Equal(t, watcherStateIdle, f.watcher.State())

	f.motion(true)

	assert.True(t, f.lightOn(t))
	assert.Equal(t, watcherStateActive, f.watcher.State())
}

func TestMotionIsOneShotWhileActive(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	f.motion(true)
	require.True(t, f.lightOn(t))
	f.mockHA.ClearServiceCalls()

	// Further motion while the light is on must not re-apply the scene.
	f.motion(false)
	f.motion(true)

	assert.Empty(t, sceneApplyCalls(f.mockHA.GetServiceCalls()))
}

func TestRoomDeactivatesAfterMotionClears(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	f.motion(true)
	require.True(t, f.lightOn(t))

	f.motion(false)
	f.mockClock.Advance(10 * time.Minute)

	assert.False(t, f.lightOn(t))
	assert.Equal(t, watcherStateIdle, f.watcher.State())
}

func TestMotionEdgeRestartsOffCountdown(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	f.motion(true)
	f.motion(false)

	f.mockClock.Advance(9 * time.Minute)
	require.True(t, f.lightOn(t))

	// A fresh edge restarts the countdown from zero.
	f.motion(true)
	f.motion(false)

	f.mockClock.Advance(9 * time.Minute)
	assert.True(t, f.lightOn(t))

	f.mockClock.Advance(1 * time.Minute)
	assert.False(t, f.lightOn(t))
}

func TestContinuousOccupancyKeepsRoomActive(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	// Motion turns on and never clears: the sensor emits no further edges but
	// the level stays on.
	f.motion(true)
	require.True(t, f.lightOn(t))

	f.mockClock.Advance(10 * time.Minute)
	assert.True(t, f.lightOn(t), "occupied room must not deactivate")

	// Once the sensor clears, the next full countdown deactivates.
	f.motion(false)
	f.mockClock.Advance(10 * time.Minute)
	assert.False(t, f.lightOn(t))
}

func TestManualLightOffCancelsOffTimerAndRearmsMotion(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	f.motion(true)
	f.motion(false)
	require.True(t, f.lightOn(t))

	// Someone turns the light off by hand: idle immediately, timer dropped.
	f.mockHA.SetState("light.kitchen", "off", nil)
	require.Equal(t, watcherStateIdle, f.watcher.State())
	f.mockHA.ClearServiceCalls()

	f.mockClock.Advance(time.Hour)
	assert.Empty(t, f.mockHA.GetServiceCalls(), "stale off timer must not fire")

	// The motion-on watch re-armed: the next motion activates again.
	f.motion(true)
	assert.True(t, f.lightOn(t))
}

func TestManualLightOnArmsOffTimer(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	// Light turned on by hand, no motion at all: the off countdown still runs.
	f.mockHA.SetState("light.kitchen", "on", nil)
	require.Equal(t, watcherStateActive, f.watcher.State())

	f.mockClock.Advance(10 * time.Minute)
	assert.False(t, f.lightOn(t))
}

func TestMotionDoesNotClobberManualScene(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	// The shelf light is on from a manual override; the main light is off.
	f.mockHA.SetState("light.kitchen_shelf", "on", nil)
	f.mockHA.ClearServiceCalls()

	f.motion(true)

	assert.Empty(t, sceneApplyCalls(f.mockHA.GetServiceCalls()))
}

func TestNoOffDurationMeansNoAutoOff(t *testing.T) {
	cfg := kitchenConfig()
	cfg.OffDuration = ""
	cfg.States[0].OffDuration = ""
	cfg.States[1].OffDuration = ""

	f := newMotionFixture(t, cfg)

	f.motion(true)
	require.True(t, f.lightOn(t))

	f.motion(false)
	f.mockClock.Advance(24 * time.Hour)
	assert.True(t, f.lightOn(t), "without an off duration the room never auto-deactivates")
}

func TestSleepModeDeactivatesImmediately(t *testing.T) {
	cfg := kitchenConfig()
	cfg.SleepState = &schedule.StateConfig{
		Scene: map[string]schedule.EntitySetting{
			"light.kitchen": {State: "on"},
		},
	}
	f := newMotionFixture(t, cfg)

	f.mockHA.SetState("input_boolean.kitchen_sleep", "on", nil)

	f.motion(true)
	require.True(t, f.lightOn(t))

	// Sleep mode suppresses the debounce: the first cleared edge turns the
	// room off with no grace period.
	f.motion(false)
	f.mockClock.Advance(time.Millisecond)
	assert.False(t, f.lightOn(t))
}

// sensorReadCounter counts motion sensor level reads on top of the mock
// client.
type sensorReadCounter struct {
	*ha.MockClient
	reads atomic.Int64
}

func (c *sensorReadCounter) GetState(entityID string) (*ha.State, error) {
	if entityID == testSensor {
		c.reads.Add(1)
	}
	return c.MockClient.GetState(entityID)
}

func TestSleepModeOccupiedRoomDoesNotPollSensor(t *testing.T) {
	cfg := kitchenConfig()
	cfg.SleepState = &schedule.StateConfig{
		Scene: map[string]schedule.EntitySetting{
			"light.kitchen": {State: "on"},
		},
	}

	mockClock := clock.NewMockClock(testStart())
	counter := &sensorReadCounter{MockClient: ha.NewMockClient()}
	logger := zap.NewNop()

	scheduler := sched.New(mockClock, logger)
	engine := NewEngine("kitchen", "light.kitchen", "input_boolean.kitchen_sleep", counter, mockClock, logger, false)

	built, err := schedule.Build(cfg, nil, mockClock.Now())
	require.NoError(t, err)
	engine.SetSchedule(built)

	counter.SetState("light.kitchen", "off", nil)
	counter.SetState(testSensor, "off", nil)
	counter.SetState("input_boolean.kitchen_sleep", "on", nil)

	watcher := NewMotionWatcher(engine, scheduler, counter, testSensor, logger)
	require.NoError(t, watcher.Start())
	defer func() {
		watcher.Stop()
		scheduler.Stop()
	}()

	// Sleep mode means a zero off duration; the watch fires straight away and
	// finds the room still occupied.
	counter.SetState(testSensor, "on", nil)
	mockClock.Advance(time.Millisecond)

	state, err := counter.GetState("light.kitchen")
	require.NoError(t, err)
	require.True(t, state.IsOn())
	readsAfterFire := counter.reads.Load()

	// No timer may be pending while the sensor stays on: occupancy is resolved
	// by the next cleared edge, not by polling the level.
	mockClock.Advance(time.Hour)
	assert.Equal(t, readsAfterFire, counter.reads.Load(),
		"occupied room must not poll the sensor")
	state, err = counter.GetState("light.kitchen")
	require.NoError(t, err)
	assert.True(t, state.IsOn())

	counter.SetState(testSensor, "off", nil)
	mockClock.Advance(time.Millisecond)
	state, err = counter.GetState("light.kitchen")
	require.NoError(t, err)
	assert.False(t, state.IsOn())
}

func TestStartWithLightAlreadyOnArmsOffTimer(t *testing.T) {
	mockClock := clock.NewMockClock(testStart())
	mockHA := ha.NewMockClient()
	logger := zap.NewNop()

	scheduler := sched.New(mockClock, logger)
	engine := NewEngine("kitchen", "light.kitchen", "", mockHA, mockClock, logger, false)

	built, err := schedule.Build(kitchenConfig(), nil, mockClock.Now())
	require.NoError(t, err)
	engine.SetSchedule(built)

	mockHA.SetState("light.kitchen", "on", nil)
	mockHA.SetState(testSensor, "off", nil)

	watcher := NewMotionWatcher(engine, scheduler, mockHA, testSensor, logger)
	require.NoError(t, watcher.Start())
	defer func() {
		watcher.Stop()
		scheduler.Stop()
	}()

	require.Equal(t, watcherStateActive, watcher.State())

	mockClock.Advance(10 * time.Minute)
	state, err := mockHA.GetState("light.kitchen")
	require.NoError(t, err)
	assert.False(t, state.IsOn(), "a light found on at startup still times out")
}

func TestRearmOffExtendsActivePeriod(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	f.motion(true)
	f.motion(false)
	require.True(t, f.lightOn(t))

	f.watcher.RearmOff(time.Hour)

	f.mockClock.Advance(30 * time.Minute)
	assert.True(t, f.lightOn(t), "extended period outlives the schedule's off duration")

	f.mockClock.Advance(30 * time.Minute)
	assert.False(t, f.lightOn(t))
}

func TestStopDropsSubscriptionsAndTimers(t *testing.T) {
	f := newMotionFixture(t, kitchenConfig())

	f.motion(true)
	f.motion(false)
	require.True(t, f.lightOn(t))

	f.watcher.Stop()
	f.mockHA.ClearServiceCalls()

	f.mockClock.Advance(time.Hour)
	assert.Empty(t, f.mockHA.GetServiceCalls())

	f.motion(true)
	assert.Empty(t, f.mockHA.GetServiceCalls())
}
