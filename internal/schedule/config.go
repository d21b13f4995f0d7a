// Package schedule owns the room's time-or-elevation-keyed scene schedule:
// parsing and validating the configured states, resolving elevation-based
// entries into concrete times once per calendar day, and looking up the active
// state for a given clock time.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntitySetting is one entity's desired settings within a scene.
type EntitySetting struct {
	State      string `yaml:"state"`      // "on" or "off"; empty means on
	Brightness *int   `yaml:"brightness"` // 1-255
	ColorTemp  *int   `yaml:"color_temp"` // 200-650 mireds
	RGBColor   []int  `yaml:"rgb_color"`  // exactly 3 values
}

// IsOn reports whether the setting asks for the entity to be on.
func (s EntitySetting) IsOn() bool {
	return s.State != "off"
}

// Attributes returns the turn_on service attributes for the setting.
func (s EntitySetting) Attributes() map[string]interface{} {
	attrs := make(map[string]interface{})
	if s.Brightness != nil {
		attrs["brightness"] = *s.Brightness
	}
	if s.ColorTemp != nil {
		attrs["color_temp"] = *s.ColorTemp
	}
	if len(s.RGBColor) == 3 {
		attrs["rgb_color"] = s.RGBColor
	}
	return attrs
}

// SceneValues returns the scene.apply representation of the setting, with the
// implicit "on" made explicit.
func (s EntitySetting) SceneValues() map[string]interface{} {
	values := s.Attributes()
	if s.IsOn() {
		values["state"] = "on"
	} else {
		values["state"] = "off"
	}
	return values
}

// StateConfig is one raw schedule entry as it appears in the rooms file.
// Exactly one of Time or Elevation must be set; Elevation requires Direction.
type StateConfig struct {
	Time        string                   `yaml:"time"`      // "HH:MM[:SS]", "sunrise" or "sunset"
	Elevation   *float64                 `yaml:"elevation"` // degrees above horizon
	Direction   string                   `yaml:"direction"` // "rising" or "setting"
	OffDuration string                   `yaml:"off_duration"`
	Scene       map[string]EntitySetting `yaml:"scene"`
}

// Config is the schedule portion of a room's configuration.
type Config struct {
	States      []StateConfig `yaml:"states"`
	OffDuration string        `yaml:"off_duration"`
	SleepState  *StateConfig  `yaml:"sleep_state"`
}

// FieldError is a single validation failure tied to a config field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConfigError aggregates every validation failure found in a schedule config.
// A non-nil ConfigError rejects the whole rebuild; the caller keeps whatever
// schedule was previously in effect.
type ConfigError struct {
	Fields []FieldError
}

func (e *ConfigError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("invalid schedule config: %s", strings.Join(msgs, "; "))
}

func (e *ConfigError) add(field, format string, args ...interface{}) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ConfigError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validate checks every state entry eagerly. It returns a *ConfigError listing
// all field-level failures, or nil.
func (c Config) Validate() error {
	cerr := &ConfigError{}

	if len(c.States) == 0 {
		cerr.add("states", "at least one state is required")
	}

	for i, state := range c.States {
		validateState(cerr, fmt.Sprintf("states[%d]", i), state, true)
	}
	if c.SleepState != nil {
		// The sleep state is applied verbatim, never looked up by time.
		validateState(cerr, "sleep_state", *c.SleepState, false)
	}

	if c.OffDuration != "" {
		if _, err := ParseDuration(c.OffDuration); err != nil {
			cerr.add("off_duration", "%v", err)
		}
	}

	return cerr.orNil()
}

func validateState(cerr *ConfigError, field string, state StateConfig, needsTime bool) {
	hasTime := state.Time != ""
	hasElevation := state.Elevation != nil

	switch {
	case hasTime && hasElevation:
		cerr.add(field, "only one of time or elevation can be set")
	case !hasTime && !hasElevation && needsTime:
		cerr.add(field+".time", "missing time or elevation")
	}

	if hasTime && !hasElevation {
		if _, keyword := solarKeyword(state.Time); !keyword {
			if _, err := ParseTimeOfDay(state.Time); err != nil {
				cerr.add(field+".time", "%v", err)
			}
		}
	}

	if hasElevation {
		switch state.Direction {
		case "rising", "setting":
		case "":
			cerr.add(field+".direction", "direction is required with elevation")
		default:
			cerr.add(field+".direction", "invalid sun direction %q", state.Direction)
		}
	} else if state.Direction != "" {
		cerr.add(field+".direction", "direction is only valid with elevation")
	}

	if state.OffDuration != "" {
		if _, err := ParseDuration(state.OffDuration); err != nil {
			cerr.add(field+".off_duration", "%v", err)
		}
	}

	for entity, setting := range state.Scene {
		sceneField := fmt.Sprintf("%s.scene.%s", field, entity)
		if setting.State != "" && setting.State != "on" && setting.State != "off" {
			cerr.add(sceneField+".state", "must be \"on\" or \"off\", got %q", setting.State)
		}
		if setting.Brightness != nil && (*setting.Brightness < 1 || *setting.Brightness > 255) {
			cerr.add(sceneField+".brightness", "must be between 1 and 255, got %d", *setting.Brightness)
		}
		if setting.ColorTemp != nil && (*setting.ColorTemp < 200 || *setting.ColorTemp > 650) {
			cerr.add(sceneField+".color_temp", "must be between 200 and 650 mireds, got %d", *setting.ColorTemp)
		}
		if setting.RGBColor != nil && len(setting.RGBColor) != 3 {
			cerr.add(sceneField+".rgb_color", "must have exactly 3 values, got %d", len(setting.RGBColor))
		}
	}
}

// solarKeyword maps the sunrise/sunset time shortcuts.
func solarKeyword(value string) (string, bool) {
	switch value {
	case "sunrise", "sunset":
		return value, true
	default:
		return "", false
	}
}

// ParseDuration parses an "HH:MM:SS" duration string.
func ParseDuration(value string) (time.Duration, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration %q: want HH:MM:SS", value)
	}

	var hours, minutes, seconds int
	if _, err := fmt.Sscanf(value, "%d:%d:%d", &hours, &minutes, &seconds); err != nil {
		return 0, fmt.Errorf("invalid duration %q: want HH:MM:SS", value)
	}
	if hours < 0 || minutes < 0 || minutes > 59 || seconds < 0 || seconds > 59 {
		return 0, fmt.Errorf("invalid duration %q: component out of range", value)
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second, nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseTimeOfDay(value string) (time.Duration, error) {
	layout := "15:04"
	if strings.Count(value, ":") == 2 {
		layout = "15:04:05"
	}

	t, err := time.Parse(layout, value)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: want HH:MM or HH:MM:SS", value)
	}

	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

// entityUnion returns the sorted, de-duplicated set of entities referenced by
// any state's scene.
func entityUnion(states []StateConfig) []string {
	seen := make(map[string]struct{})
	for _, state := range states {
		for entity := range state.Scene {
			seen[entity] = struct{}{}
		}
	}

	entities := make([]string, 0, len(seen))
	for entity := range seen {
		entities = append(entities, entity)
	}
	sort.Strings(entities)
	return entities
}
