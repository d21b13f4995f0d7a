package ha

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateIsOn(t *testing.T) {
	assert.True(t, (&State{State: "on"}).IsOn())
	assert.False(t, (&State{State: "off"}).IsOn())
	assert.False(t, (&State{State: "unavailable"}).IsOn())

	var nilState *State
	assert.False(t, nilState.IsOn())
}

func TestMockSceneApplyMirrorsEntityStates(t *testing.T) {
	mock := NewMockClient()

	err := mock.ApplyScene(map[string]map[string]interface{}{
		"light.a": {"state": "on", "brightness": 200},
		"light.b": {"state": "off"},
	}, 0)
	require.NoError(t, err)

	a, err := mock.GetState("light.a")
	require.NoError(t, err)
	assert.True(t, a.IsOn())
	assert.Equal(t, 200, a.Attributes["brightness"])

	b, err := mock.GetState("light.b")
	require.NoError(t, err)
	assert.False(t, b.IsOn())
}

func TestMockSubscriptionDeliversEdges(t *testing.T) {
	mock := NewMockClient()

	var gotOld, gotNew string
	sub, err := mock.SubscribeStateChanges("light.a", func(entityID string, oldState, newState *State) {
		if oldState != nil {
			gotOld = oldState.State
		}
		gotNew = newState.State
	})
	require.NoError(t, err)

	mock.SetState("light.a", "on", nil)
	assert.Equal(t, "on", gotNew)

	mock.SetState("light.a", "off", nil)
	assert.Equal(t, "on", gotOld)
	assert.Equal(t, "off", gotNew)

	require.NoError(t, sub.Unsubscribe())
	mock.SetState("light.a", "on", nil)
	assert.Equal(t, "off", gotNew, "no delivery after unsubscribe")
}

func TestMockTurnOnOffRecordsCalls(t *testing.T) {
	mock := NewMockClient()

	require.NoError(t, mock.TurnOn("light.a", map[string]interface{}{"brightness_pct": 100}))
	require.NoError(t, mock.TurnOff("light.a"))

	calls := mock.GetServiceCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "homeassistant", calls[0].Domain)
	assert.Equal(t, "turn_on", calls[0].Service)
	assert.Equal(t, 100, calls[0].Data["brightness_pct"])
	assert.Equal(t, "turn_off", calls[1].Service)

	state, err := mock.GetState("light.a")
	require.NoError(t, err)
	assert.False(t, state.IsOn())
}

func TestMockSetInputBoolean(t *testing.T) {
	mock := NewMockClient()

	require.NoError(t, mock.SetInputBoolean("kitchen_sleep", true))

	state, err := mock.GetState("input_boolean.kitchen_sleep")
	require.NoError(t, err)
	assert.True(t, state.IsOn())

	require.NoError(t, mock.SetInputBoolean("kitchen_sleep", false))
	state, err = mock.GetState("input_boolean.kitchen_sleep")
	require.NoError(t, err)
	assert.False(t, state.IsOn())
}
