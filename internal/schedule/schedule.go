package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoOffDuration is returned when neither the resolved state nor the room
// declares an off duration. The caller decides whether that means "never
// auto-off" or an aborted activation.
var ErrNoOffDuration = errors.New("no off duration configured")

// State is a schedule entry with its time resolved for a concrete day.
type State struct {
	// At is the transition time on the resolved day.
	At time.Time

	// Scene maps entity to desired settings. May be empty.
	Scene map[string]EntitySetting

	// OffDuration is the per-state override, nil when the room default applies.
	OffDuration *time.Duration

	// order preserves declaration position for the last-write-wins tie-break.
	order int
}

// Schedule is a room's fully resolved schedule for one calendar day. It is
// immutable after Build: the daily rebuild produces a fresh value and the old
// one is discarded, so in-flight timer callbacks never see a torn update.
type Schedule struct {
	states     []State // sorted descending by time-of-day
	sleepState *State
	defaultOff *time.Duration
	entities   []string
	day        time.Time
}

// Build validates cfg and resolves every entry to a concrete time on day,
// using solar for elevation-based and sunrise/sunset entries. Elevation times
// are recomputed on every call; nothing is cached across days.
func Build(cfg Config, solar Solar, day time.Time) (*Schedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())

	states := make([]State, 0, len(cfg.States))
	for i, raw := range cfg.States {
		at, err := resolveTime(raw, solar, midnight)
		if err != nil {
			return nil, &ConfigError{Fields: []FieldError{{
				Field:   fmt.Sprintf("states[%d].time", i),
				Message: err.Error(),
			}}}
		}

		states = append(states, State{
			At:          at,
			Scene:       raw.Scene,
			OffDuration: stateOffDuration(raw),
			order:       i,
		})
	}

	// Descending by time-of-day; later declaration order wins on equal times.
	sortStatesDescending(states)

	var sleepState *State
	if cfg.SleepState != nil {
		sleepState = &State{
			Scene:       cfg.SleepState.Scene,
			OffDuration: stateOffDuration(*cfg.SleepState),
		}
	}

	var defaultOff *time.Duration
	if cfg.OffDuration != "" {
		d, _ := ParseDuration(cfg.OffDuration) // validated above
		defaultOff = &d
	}

	return &Schedule{
		states:     states,
		sleepState: sleepState,
		defaultOff: defaultOff,
		entities:   entityUnion(cfg.States),
		day:        midnight,
	}, nil
}

func resolveTime(raw StateConfig, solar Solar, midnight time.Time) (time.Time, error) {
	if raw.Elevation != nil {
		return solar.TimeAtElevation(midnight, *raw.Elevation, raw.Direction == "rising")
	}

	if keyword, ok := solarKeyword(raw.Time); ok {
		if keyword == "sunrise" {
			return solar.Sunrise(midnight)
		}
		return solar.Sunset(midnight)
	}

	offset, err := ParseTimeOfDay(raw.Time)
	if err != nil {
		return time.Time{}, err
	}
	return midnight.Add(offset), nil
}

func stateOffDuration(raw StateConfig) *time.Duration {
	if raw.OffDuration == "" {
		return nil
	}
	d, _ := ParseDuration(raw.OffDuration) // validated by Config.Validate
	return &d
}

func sortStatesDescending(states []State) {
	// Insertion sort keeps this dependency-free on sort.Slice ordering quirks:
	// descending by time-of-day, and for equal times the later-declared entry
	// sorts first so it wins the <= now scan.
	for i := 1; i < len(states); i++ {
		for j := i; j > 0; j-- {
			a, b := timeOfDay(states[j-1].At), timeOfDay(states[j].At)
			if a > b || (a == b && states[j-1].order > states[j].order) {
				break
			}
			states[j-1], states[j] = states[j], states[j-1]
		}
	}
}

// timeOfDay returns the offset of t from its local midnight.
func timeOfDay(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

// Resolve returns the active state for now. With sleepActive and a configured
// sleep state, the sleep state wins unconditionally. Otherwise the schedule is
// a 24-hour cycle: the state with the greatest time-of-day <= now is active,
// and if now is earlier than every entry the latest entry is still active from
// the previous day.
func (s *Schedule) Resolve(now time.Time, sleepActive bool) *State {
	if sleepActive && s.sleepState != nil {
		return s.sleepState
	}

	nowOffset := timeOfDay(now)
	for i := range s.states {
		if timeOfDay(s.states[i].At) <= nowOffset {
			return &s.states[i]
		}
	}

	// Wrap-around: the latest entry carries over from yesterday.
	return &s.states[0]
}

// OffDuration returns the debounce interval for now. Sleep mode suppresses the
// debounce unless the sleep state declares its own off duration. Outside
// sleep, the resolved state's override beats the room default; with neither,
// ErrNoOffDuration.
func (s *Schedule) OffDuration(now time.Time, sleepActive bool) (time.Duration, error) {
	if sleepActive {
		if s.sleepState != nil && s.sleepState.OffDuration != nil {
			return *s.sleepState.OffDuration, nil
		}
		return 0, nil
	}

	state := s.Resolve(now, false)
	if state.OffDuration != nil {
		return *state.OffDuration, nil
	}
	if s.defaultOff != nil {
		return *s.defaultOff, nil
	}
	return 0, ErrNoOffDuration
}

// Entities returns the de-duplicated union of entities referenced by any
// state's scene, in sorted order.
func (s *Schedule) Entities() []string {
	return s.entities
}

// States returns the resolved states sorted descending by time-of-day.
func (s *Schedule) States() []State {
	return s.states
}

// Day returns the local midnight the schedule was resolved for.
func (s *Schedule) Day() time.Time {
	return s.day
}
