package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomcontrol/internal/clock"
	"roomcontrol/internal/config"
	"roomcontrol/internal/ha"
	"roomcontrol/internal/mqtt"
)

// fakeBus records subscriptions and lets tests inject messages.
type fakeBus struct {
	handlers map[string]mqtt.MessageHandler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) Subscribe(topic string, handler mqtt.MessageHandler) error {
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) publish(topic string, payload string) {
	if handler, ok := b.handlers[topic]; ok {
		handler(topic, []byte(payload))
	}
}

func testRoomConfig() config.Room {
	return config.Room{
		Sensor:         testSensor,
		Entity:         "light.kitchen",
		Door:           testDoor,
		Buttons:        config.StringList{"kitchen_button"},
		OccupancyTopic: "zigbee2mqtt/kitchen_occupancy",
		Sleep:          "input_boolean.kitchen_sleep",
		Delay:          "01:00:00",
		Schedule:       kitchenConfig(),
	}
}

type controllerFixture struct {
	controller *Controller
	bus        *fakeBus
	mockHA     *ha.MockClient
	mockClock  *clock.MockClock
}

func newControllerFixture(t *testing.T, cfg config.Room) *controllerFixture {
	t.Helper()

	mockClock := clock.NewMockClock(testStart())
	mockHA := ha.NewMockClient()
	bus := newFakeBus()

	mockHA.SetState("light.kitchen", "off", nil)
	mockHA.SetState(testSensor, "off", nil)
	mockHA.SetState(testDoor, "off", nil)
	mockHA.ClearServiceCalls()

	controller, err := NewController("kitchen", cfg, mockHA, mockClock, nil, bus, false, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, controller.Start())
	t.Cleanup(controller.Stop)

	return &controllerFixture{
		controller: controller,
		bus:        bus,
		mockHA:     mockHA,
		mockClock:  mockClock,
	}
}

func (f *controllerFixture) lightOn(t *testing.T) bool {
	t.Helper()
	state, err := f.mockHA.GetState("light.kitchen")
	require.NoError(t, err)
	return state.IsOn()
}

func TestControllerWiresButtonTopic(t *testing.T) {
	f := newControllerFixture(t, testRoomConfig())

	require.Contains(t, f.bus.handlers, "zigbee2mqtt/kitchen_button")

	f.bus.publish("zigbee2mqtt/kitchen_button", `{"action": "single"}`)
	assert.True(t, f.lightOn(t))
}

func TestControllerBridgesOccupancyTopic(t *testing.T) {
	f := newControllerFixture(t, testRoomConfig())

	f.bus.publish("zigbee2mqtt/kitchen_occupancy", `{"occupancy": true}`)
	assert.True(t, f.lightOn(t))

	// Clearing via the bus drives the same debounce as the sensor entity.
	f.bus.publish("zigbee2mqtt/kitchen_occupancy", `{"occupancy": false}`)
	f.mockClock.Advance(10 * time.Minute)
	assert.False(t, f.lightOn(t))
}

func TestControllerDropsMalformedOccupancyPayload(t *testing.T) {
	f := newControllerFixture(t, testRoomConfig())
	f.mockHA.ClearServiceCalls()

	f.bus.publish("zigbee2mqtt/kitchen_occupancy", `not json`)
	f.bus.publish("zigbee2mqtt/kitchen_occupancy", `{"battery": 97}`)

	assert.Empty(t, f.mockHA.GetServiceCalls())
}

func TestControllerEndToEndMotionCycle(t *testing.T) {
	f := newControllerFixture(t, testRoomConfig())

	// Motion activates, clears, and the room times out.
	f.mockHA.SetState(testSensor, "on", nil)
	require.True(t, f.lightOn(t))

	f.mockHA.SetState(testSensor, "off", nil)
	f.mockClock.Advance(10 * time.Minute)
	require.False(t, f.lightOn(t))

	// The cycle repeats without restarting anything.
	f.mockHA.SetState(testSensor, "on", nil)
	assert.True(t, f.lightOn(t))
}

func TestControllerRejectsBadHoldDelay(t *testing.T) {
	cfg := testRoomConfig()
	cfg.Delay = "soon"

	_, err := NewController("kitchen", cfg, ha.NewMockClient(), clock.NewMockClock(testStart()), nil, newFakeBus(), false, zap.NewNop())
	assert.Error(t, err)
}

func TestControllerWithoutBusSkipsBindings(t *testing.T) {
	mockClock := clock.NewMockClock(testStart())
	mockHA := ha.NewMockClient()
	mockHA.SetState("light.kitchen", "off", nil)
	mockHA.SetState(testSensor, "off", nil)
	mockHA.SetState(testDoor, "off", nil)

	controller, err := NewController("kitchen", testRoomConfig(), mockHA, mockClock, nil, nil, false, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, controller.Start())
	controller.Stop()
}

func TestControllerStopSilencesEverything(t *testing.T) {
	f := newControllerFixture(t, testRoomConfig())

	f.mockHA.SetState(testSensor, "on", nil)
	require.True(t, f.lightOn(t))

	f.controller.Stop()
	f.mockHA.ClearServiceCalls()

	f.mockHA.SetState(testSensor, "off", nil)
	f.mockClock.Advance(24 * time.Hour)

	assert.Empty(t, f.mockHA.GetServiceCalls(), "no timer or subscription survives Stop")
}
