package room

import (
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

type reschedulerFixture struct {
	engine      *Engine
	rescheduler *DailyRescheduler
	scheduler   *sched.Scheduler
	mockHA      *ha.MockClient
	mockClock   *clock.MockClock
}

func newReschedulerFixture(t *testing.T, cfg schedule.Config) *reschedulerFixture {
	t.Helper()

	mockClock := clock.NewMockClock(testStart())
	mockHA := ha.NewMockClient()
	logger := zap.NewNop()

	scheduler := sched.New(mockClock, logger)
	engine := NewEngine("kitchen", "light.kitchen", "", mockHA, mockClock, logger, false)
	rescheduler := NewDailyRescheduler(engine, scheduler, mockClock, nil, cfg, logger)

	t.Cleanup(func() {
		rescheduler.Stop()
		scheduler.Stop()
	})

	return &reschedulerFixture{
		engine:      engine,
		rescheduler: rescheduler,
		scheduler:   scheduler,
		mockHA:      mockHA,
		mockClock:   mockClock,
	}
}

func TestStartBuildsTodaysSchedule(t *testing.T) {
	f := newReschedulerFixture(t, kitchenConfig())

	require.NoError(t, f.rescheduler.Start())

	sched := f.engine.Schedule()
	require.NotNil(t, sched)
	assert.Equal(t, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), sched.Day())
}

func TestStartFailsOnInvalidConfig(t *testing.T) {
	f := newReschedulerFixture(t, schedule.Config{})

	assert.Error(t, f.rescheduler.Start())
	assert.Nil(t, f.engine.Schedule())
}

func TestTransitionRestylesActiveRoom(t *testing.T) {
	f := newReschedulerFixture(t, kitchenConfig())
	require.NoError(t, f.rescheduler.Start())

	// The room is on in the morning scene when the 18:00 boundary passes.
	f.mockHA.SetState("light.kitchen", "on", nil)
	f.mockHA.ClearServiceCalls()

	f.mockClock.Advance(6 * time.Hour) // 12:00 -> 18:00

	applies := sceneApplyCalls(f.mockHA.GetServiceCalls())
	require.Len(t, applies, 1)

	entities := applies[0].Data["entities"].(map[string]map[string]interface{})
	assert.Equal(t, 80, entities["light.kitchen"]["brightness"], "evening scene applied at the boundary")
}

func TestTransitionLeavesDarkRoomDark(t *testing.T) {
	f := newReschedulerFixture(t, kitchenConfig())
	require.NoError(t, f.rescheduler.Start())
	f.mockHA.ClearServiceCalls()

	f.mockClock.Advance(6 * time.Hour)

	assert.Empty(t, sceneApplyCalls(f.mockHA.GetServiceCalls()))
}

func TestPastTransitionsAreSkippedAtStart(t *testing.T) {
	f := newReschedulerFixture(t, kitchenConfig())
	require.NoError(t, f.rescheduler.Start())

	// 08:00 already passed when we started at 12:00: advancing within the day
	// must fire only the 18:00 boundary.
	f.mockHA.SetState("light.kitchen", "on", nil)
	f.mockHA.ClearServiceCalls()

	f.mockClock.Advance(11 * time.Hour) // 12:00 -> 23:00

	assert.Len(t, sceneApplyCalls(f.mockHA.GetServiceCalls()), 1)
}

func TestMidnightRebuildArmsNextDay(t *testing.T) {
	f := newReschedulerFixture(t, kitchenConfig())
	require.NoError(t, f.rescheduler.Start())

	f.mockClock.Advance(12 * time.Hour) // midnight: rebuild runs

	sched := f.engine.Schedule()
	require.NotNil(t, sched)
	assert.Equal(t, time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC), sched.Day())

	// Both boundaries of the new day are armed.
	f.mockHA.SetState("light.kitchen", "on", nil)
	f.mockHA.ClearServiceCalls()

	f.mockClock.Advance(8 * time.Hour) // 00:00 -> 08:00
	assert.Len(t, sceneApplyCalls(f.mockHA.GetServiceCalls()), 1)

	f.mockClock.Advance(10 * time.Hour) // 08:00 -> 18:00
	assert.Len(t, sceneApplyCalls(f.mockHA.GetServiceCalls()), 2)
}

func TestStopCancelsArmedTransitions(t *testing.T) {
	f := newReschedulerFixture(t, kitchenConfig())
	require.NoError(t, f.rescheduler.Start())

	f.mockHA.SetState("light.kitchen", "on", nil)
	f.mockHA.ClearServiceCalls()

	f.rescheduler.Stop()
	f.mockClock.Advance(48 * time.Hour)

	assert.Empty(t, sceneApplyCalls(f.mockHA.GetServiceCalls()))
}
