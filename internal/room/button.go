package room

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// ActionKind is the closed set of recognized button actions.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionSingle
	ActionDouble
	ActionHold
	ActionRelease
)

// ParseAction maps a payload action string to its ActionKind.
func ParseAction(action string) ActionKind {
	switch action {
	case "single":
		return ActionSingle
	case "double":
		return ActionDouble
	case "hold":
		return ActionHold
	case "release":
		return ActionRelease
	default:
		return ActionUnknown
	}
}

// buttonPayload is the JSON body published by the button hardware.
type buttonPayload struct {
	Action string `json:"action"`
}

// ButtonDispatcher decodes button payloads from the message bus and maps each
// action onto an engine call through an explicit dispatch table. Decode
// failures and unknown actions are logged and dropped; they never reach the
// engine and never unwind into the bus client.
type ButtonDispatcher struct {
	engine    *Engine
	motion    *MotionWatcher
	logger    *zap.Logger
	holdDelay *time.Duration

	handlers map[ActionKind]func()
}

// NewButtonDispatcher creates the dispatcher. holdDelay is nil when the room
// has no hold behavior configured.
func NewButtonDispatcher(engine *Engine, motion *MotionWatcher, holdDelay *time.Duration, logger *zap.Logger) *ButtonDispatcher {
	d := &ButtonDispatcher{
		engine:    engine,
		motion:    motion,
		logger:    logger.Named("button"),
		holdDelay: holdDelay,
	}

	d.handlers = map[ActionKind]func(){
		ActionSingle:  d.handleSingle,
		ActionDouble:  d.handleDouble,
		ActionHold:    d.handleHold,
		ActionRelease: func() {},
	}

	return d
}

// HandleMessage decodes one button message from the bus.
func (d *ButtonDispatcher) HandleMessage(topic string, payload []byte) {
	var body buttonPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		d.logger.Error("Failed to decode button payload",
			zap.String("topic", topic),
			zap.ByteString("payload", payload),
			zap.Error(err))
		return
	}

	if body.Action == "" {
		d.logger.Warn("Dropped button payload with empty action",
			zap.String("topic", topic))
		return
	}

	kind := ParseAction(body.Action)
	handler, ok := d.handlers[kind]
	if !ok {
		d.logger.Info("Ignoring unrecognized button action",
			zap.String("topic", topic),
			zap.String("action", body.Action))
		return
	}

	d.logger.Info("Button action",
		zap.String("topic", topic),
		zap.String("action", body.Action))
	handler()
}

// handleSingle toggles the room.
func (d *ButtonDispatcher) handleSingle() {
	d.engine.Toggle("button single click")
}

// handleDouble flips sleep mode and re-activates so the sleep scene takes
// effect immediately.
func (d *ButtonDispatcher) handleDouble() {
	sleeping, err := d.engine.ToggleSleep()
	if err != nil {
		d.logger.Warn("Sleep toggle unavailable", zap.Error(err))
		return
	}

	d.logger.Info("Sleep mode toggled", zap.Bool("sleep", sleeping))
	d.engine.Activate("button double click")
}

// handleHold extends the active period at the configured hold delay and
// drives the light to full brightness. No-op without a hold delay or when the
// room is not active.
func (d *ButtonDispatcher) handleHold() {
	if d.holdDelay == nil {
		d.logger.Debug("No hold delay configured, ignoring hold")
		return
	}
	if !d.engine.AnyOn() {
		d.logger.Debug("Room is not active, ignoring hold")
		return
	}

	d.motion.RearmOff(*d.holdDelay)
	d.engine.BoostBrightness("button hold")
}
