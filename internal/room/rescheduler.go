package room

import (
	"errors"

	"go.uber.org/zap"

	"roomcontrol/internal/clock"
	"roomcontrol/internal/sched"
	"roomcontrol/internal/schedule"
)

// DailyRescheduler rebuilds the room's schedule each midnight and arms a
// timer per state transition. Transitions only restyle a room that is already
// active; they never turn a dark room on.
type DailyRescheduler struct {
	engine    *Engine
	scheduler *sched.Scheduler
	clock     clock.Clock
	solar     schedule.Solar
	cfg       schedule.Config
	logger    *zap.Logger

	dailyToken  *sched.CancelToken
	transitions []*sched.CancelToken
}

func NewDailyRescheduler(engine *Engine, scheduler *sched.Scheduler, clk clock.Clock, solar schedule.Solar, cfg schedule.Config, logger *zap.Logger) *DailyRescheduler {
	return &DailyRescheduler{
		engine:    engine,
		scheduler: scheduler,
		clock:     clk,
		solar:     solar,
		cfg:       cfg,
		logger:    logger.Named("rescheduler"),
	}
}

// Start performs the initial build and arms the midnight refresh. The initial
// build failing is fatal; later rebuild failures keep the previous day's
// schedule in place.
func (r *DailyRescheduler) Start() error {
	if err := r.rebuild(); err != nil {
		return err
	}

	r.dailyToken = r.scheduler.Daily(0, 0, 0, func() {
		if err := r.rebuild(); err != nil {
			r.logger.Error("Daily rebuild failed, keeping previous schedule", zap.Error(err))
		}
	})

	r.logger.Info("Daily rescheduler started")
	return nil
}

func (r *DailyRescheduler) Stop() {
	if r.dailyToken != nil {
		r.dailyToken.Cancel()
		r.dailyToken = nil
	}
	r.cancelTransitions()
}

// Rebuild forces an immediate re-resolution, used after reconnects.
func (r *DailyRescheduler) Rebuild() error {
	return r.rebuild()
}

func (r *DailyRescheduler) rebuild() error {
	now := r.clock.Now()

	sch, err := schedule.Build(r.cfg, r.solar, now)
	if err != nil {
		return err
	}

	r.engine.SetSchedule(sch)
	r.cancelTransitions()

	armed := 0
	for _, st := range sch.States() {
		at := st.At
		token, err := r.scheduler.At(at, func() {
			r.engine.ActivateIfAnyOn("scheduled transition")
		})
		if err != nil {
			if errors.Is(err, sched.ErrPastTime) {
				continue
			}
			return err
		}
		r.transitions = append(r.transitions, token)
		armed++
	}

	r.logger.Info("Schedule rebuilt",
		zap.Time("day", sch.Day()),
		zap.Int("states", len(sch.States())),
		zap.Int("armed_transitions", armed))
	return nil
}

func (r *DailyRescheduler) cancelTransitions() {
	for _, token := range r.transitions {
		token.Cancel()
	}
	r.transitions = nil
}
