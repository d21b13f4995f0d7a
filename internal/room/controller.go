package room

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"roomcontrol/internal/clock"
	"roomcontrol/internal/config"
	"roomcontrol/internal/ha"
	"roomcontrol/internal/mqtt"
	"roomcontrol/internal/sched"
	"roomcontrol/internal/schedule"
)

// Controller wires one room's engine, watchers and rescheduler together and
// owns their lifecycle.
type Controller struct {
	name   string
	cfg    config.Room
	bus    mqtt.Subscriber
	logger *zap.Logger

	engine      *Engine
	motion      *MotionWatcher
	button      *ButtonDispatcher
	door        *DoorWatcher
	rescheduler *DailyRescheduler
	scheduler   *sched.Scheduler
}

// NewController builds the full controller stack for one room. bus may be nil
// when no broker is configured; button and occupancy-topic bindings are then
// skipped.
func NewController(name string, cfg config.Room, haClient ha.HAClient, clk clock.Clock, solar schedule.Solar, bus mqtt.Subscriber, readOnly bool, logger *zap.Logger) (*Controller, error) {
	roomLogger := logger.Named("room").With(zap.String("room", name))

	holdDelay, err := cfg.HoldDelay()
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", name, err)
	}

	scheduler := sched.New(clk, roomLogger)
	engine := NewEngine(name, cfg.Entity, cfg.Sleep, haClient, clk, roomLogger, readOnly)
	motion := NewMotionWatcher(engine, scheduler, haClient, cfg.Sensor, roomLogger)

	c := &Controller{
		name:        name,
		cfg:         cfg,
		bus:         bus,
		logger:      roomLogger,
		engine:      engine,
		motion:      motion,
		button:      NewButtonDispatcher(engine, motion, holdDelay, roomLogger),
		rescheduler: NewDailyRescheduler(engine, scheduler, clk, solar, cfg.Schedule, roomLogger),
		scheduler:   scheduler,
	}

	if cfg.Door != "" {
		c.door = NewDoorWatcher(engine, haClient, cfg.Door, roomLogger)
	}

	return c, nil
}

// Engine exposes the room's engine, mainly for tests and diagnostics.
func (c *Controller) Engine() *Engine {
	return c.engine
}

// Start resolves today's schedule and attaches every watcher. A failure
// leaves the controller stopped.
func (c *Controller) Start() error {
	if err := c.rescheduler.Start(); err != nil {
		return fmt.Errorf("room %s: %w", c.name, err)
	}

	if err := c.motion.Start(); err != nil {
		c.Stop()
		return fmt.Errorf("room %s: %w", c.name, err)
	}

	if c.door != nil {
		if err := c.door.Start(); err != nil {
			c.Stop()
			return fmt.Errorf("room %s: %w", c.name, err)
		}
	}

	if err := c.bindBus(); err != nil {
		c.Stop()
		return fmt.Errorf("room %s: %w", c.name, err)
	}

	c.logger.Info("Room controller started")
	return nil
}

func (c *Controller) bindBus() error {
	if c.bus == nil {
		if len(c.cfg.Buttons) > 0 || c.cfg.OccupancyTopic != "" {
			c.logger.Warn("No message bus configured, skipping button and occupancy bindings")
		}
		return nil
	}

	for _, button := range c.cfg.Buttons {
		topic := "zigbee2mqtt/" + button
		if err := c.bus.Subscribe(topic, c.button.HandleMessage); err != nil {
			return err
		}
	}

	if c.cfg.OccupancyTopic != "" {
		if err := c.bus.Subscribe(c.cfg.OccupancyTopic, c.handleOccupancyMessage); err != nil {
			return err
		}
	}

	return nil
}

// handleOccupancyMessage bridges a bus occupancy feed into the same path the
// sensor entity drives.
func (c *Controller) handleOccupancyMessage(topic string, payload []byte) {
	var body struct {
		Occupancy *bool `json:"occupancy"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		c.logger.Error("Failed to decode occupancy payload",
			zap.String("topic", topic),
			zap.ByteString("payload", payload),
			zap.Error(err))
		return
	}
	if body.Occupancy == nil {
		c.logger.Debug("Ignoring occupancy message without occupancy field", zap.String("topic", topic))
		return
	}

	c.motion.HandleMotion(*body.Occupancy)
}

// Stop detaches watchers and cancels every pending timer.
func (c *Controller) Stop() {
	if c.door != nil {
		c.door.Stop()
	}
	c.motion.Stop()
	c.rescheduler.Stop()
	c.scheduler.Stop()

	c.logger.Info("Room controller stopped")
}
