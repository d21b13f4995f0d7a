package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDoor = "binary_sensor.kitchen_door"

func newDoorFixture(t *testing.T) (*DoorWatcher, *motionFixture) {
	t.Helper()
	f := newMotionFixture(t, kitchenConfig())

	f.mockHA.SetState(testDoor, "off", nil)
	f.mockHA.ClearServiceCalls()

	watcher := NewDoorWatcher(f.engine, f.mockHA, testDoor, zap.NewNop())
	require.NoError(t, watcher.Start())
	t.Cleanup(watcher.Stop)

	return watcher, f
}

func TestDoorOpeningActivatesDarkRoom(t *testing.T) {
	_, f := newDoorFixture(t)

	f.mockHA.SetState(testDoor, "on", nil)
	assert.True(t, f.lightOn(t))
}

func TestDoorClosingDoesNothing(t *testing.T) {
	_, f := newDoorFixture(t)

	f.mockHA.SetState(testDoor, "on", nil)
	require.True(t, f.lightOn(t))
	f.mockHA.ClearServiceCalls()

	f.mockHA.SetState(testDoor, "off", nil)
	assert.Empty(t, sceneApplyCalls(f.mockHA.GetServiceCalls()))
}

func TestDoorOpenWhileRoomActiveDoesNotReapply(t *testing.T) {
	_, f := newDoorFixture(t)

	f.motion(true)
	require.True(t, f.lightOn(t))
	f.mockHA.ClearServiceCalls()

	f.mockHA.SetState(testDoor, "on", nil)
	assert.Empty(t, sceneApplyCalls(f.mockHA.GetServiceCalls()))
}

func TestDoorStopUnsubscribes(t *testing.T) {
	watcher, f := newDoorFixture(t)

	watcher.Stop()
	f.mockHA.SetState(testDoor, "on", nil)
	assert.False(t, f.lightOn(t))
}
