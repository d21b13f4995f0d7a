package room

import (
	"go.uber.org/zap"

	"roomcontrol/internal/ha"
)

// DoorWatcher activates the room on a door opening edge. Only the off-to-on
// transition counts; a door left open produces a single activation.
type DoorWatcher struct {
	engine   *Engine
	haClient ha.HAClient
	logger   *zap.Logger
	entity   string

	sub ha.Subscription
}

func NewDoorWatcher(engine *Engine, haClient ha.HAClient, entity string, logger *zap.Logger) *DoorWatcher {
	return &DoorWatcher{
		engine:   engine,
		haClient: haClient,
		logger:   logger.Named("door").With(zap.String("entity", entity)),
		entity:   entity,
	}
}

func (w *DoorWatcher) Start() error {
	sub, err := w.haClient.SubscribeStateChanges(w.entity, w.handleChange)
	if err != nil {
		return err
	}
	w.sub = sub

	w.logger.Info("Door watcher started")
	return nil
}

func (w *DoorWatcher) Stop() {
	if w.sub != nil {
		w.sub.Unsubscribe()
		w.sub = nil
	}
}

func (w *DoorWatcher) handleChange(entityID string, oldState, newState *ha.State) {
	if newState == nil {
		w.logger.Warn("Dropping door event with no new state")
		return
	}

	if !newState.IsOn() || oldState.IsOn() {
		return
	}

	w.logger.Debug("Door opened")
	w.engine.ActivateIfAllOff("door open")
}
