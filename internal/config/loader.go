// Package config loads the rooms file: per-room entity bindings plus the
// inline schedule each room follows.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"roomcontrol/internal/schedule"
)

// StringList accepts either a single YAML string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*l = StringList{single}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*l = StringList(many)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}

// Room binds one room's sensors and actuators to its schedule.
type Room struct {
	// Sensor is the occupancy sensor entity, e.g. binary_sensor.kitchen_motion.
	Sensor string `yaml:"sensor"`
	// Entity is the room's primary light, used for toggle and brightness boost.
	Entity string `yaml:"entity"`
	// Door is an optional contact sensor whose opening edge activates the room.
	Door string `yaml:"door"`
	// Buttons are zigbee2mqtt device names whose action topics control the room.
	Buttons StringList `yaml:"button"`
	// OccupancyTopic optionally bridges an MQTT occupancy feed into the same
	// path as the sensor entity.
	OccupancyTopic string `yaml:"occupancy_topic"`
	// Sleep is the input_boolean entity holding the room's sleep flag.
	Sleep string `yaml:"sleep"`
	// Delay is the button-hold extension as HH:MM:SS.
	Delay string `yaml:"delay"`

	Schedule schedule.Config `yaml:",inline"`
}

// HoldDelay returns the parsed hold extension, or nil when not configured.
func (r Room) HoldDelay() (*time.Duration, error) {
	if r.Delay == "" {
		return nil, nil
	}
	d, err := schedule.ParseDuration(r.Delay)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// File is the full rooms file.
type File struct {
	Latitude  float64         `yaml:"latitude"`
	Longitude float64         `yaml:"longitude"`
	Rooms     map[string]Room `yaml:"rooms"`
}

// Load reads and validates the rooms file at path. Any room failing
// validation rejects the whole file; a partially valid config never starts.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates rooms file content.
func Parse(raw []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks every room eagerly and aggregates all failures.
func (f *File) Validate() error {
	cerr := &schedule.ConfigError{}

	if f.Latitude < -90 || f.Latitude > 90 {
		cerr.Fields = append(cerr.Fields, schedule.FieldError{
			Field: "latitude", Message: fmt.Sprintf("must be between -90 and 90, got %v", f.Latitude)})
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		cerr.Fields = append(cerr.Fields, schedule.FieldError{
			Field: "longitude", Message: fmt.Sprintf("must be between -180 and 180, got %v", f.Longitude)})
	}
	if len(f.Rooms) == 0 {
		cerr.Fields = append(cerr.Fields, schedule.FieldError{
			Field: "rooms", Message: "at least one room is required"})
	}

	for name, room := range f.Rooms {
		field := "rooms." + name

		if room.Sensor == "" {
			cerr.Fields = append(cerr.Fields, schedule.FieldError{
				Field: field + ".sensor", Message: "occupancy sensor is required"})
		}
		if room.Entity == "" {
			cerr.Fields = append(cerr.Fields, schedule.FieldError{
				Field: field + ".entity", Message: "primary entity is required"})
		}
		if room.Delay != "" {
			if _, err := schedule.ParseDuration(room.Delay); err != nil {
				cerr.Fields = append(cerr.Fields, schedule.FieldError{
					Field: field + ".delay", Message: err.Error()})
			}
		}

		if err := room.Schedule.Validate(); err != nil {
			if scherr, ok := err.(*schedule.ConfigError); ok {
				for _, f := range scherr.Fields {
					cerr.Fields = append(cerr.Fields, schedule.FieldError{
						Field: field + "." + f.Field, Message: f.Message})
				}
			} else {
				cerr.Fields = append(cerr.Fields, schedule.FieldError{
					Field: field, Message: err.Error()})
			}
		}
	}

	if len(cerr.Fields) == 0 {
		return nil
	}
	return cerr
}
