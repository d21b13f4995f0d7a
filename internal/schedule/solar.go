package schedule

import (
	"fmt"
	"time"

	gosunrise "github.com/nathan-osman/go-sunrise"
	"github.com/sj14/astral/pkg/astral"
)

// Solar resolves sun-position questions into wall-clock times for a calendar
// day. It is a pure collaborator: implementations hold only coordinates.
type Solar interface {
	// TimeAtElevation returns the time on day at which the sun crosses the
	// given elevation in the given direction.
	TimeAtElevation(day time.Time, elevation float64, rising bool) (time.Time, error)

	// Sunrise returns the local sunrise time for day.
	Sunrise(day time.Time) (time.Time, error)

	// Sunset returns the local sunset time for day.
	Sunset(day time.Time) (time.Time, error)
}

// Observer is the astral-backed Solar implementation for a fixed location.
type Observer struct {
	latitude  float64
	longitude float64
	observer  astral.Observer
}

// NewObserver creates a Solar for the given coordinates.
func NewObserver(latitude, longitude float64) *Observer {
	return &Observer{
		latitude:  latitude,
		longitude: longitude,
		observer: astral.Observer{
			Latitude:  latitude,
			Longitude: longitude,
			Elevation: 0.0,
		},
	}
}

// TimeAtElevation resolves an elevation/direction pair for the given day.
func (o *Observer) TimeAtElevation(day time.Time, elevation float64, rising bool) (time.Time, error) {
	direction := astral.SunDirectionSetting
	if rising {
		direction = astral.SunDirectionRising
	}

	t, err := astral.TimeAtElevation(o.observer, elevation, day, direction)
	if err != nil {
		return time.Time{}, fmt.Errorf("sun never reaches elevation %.1f on %s: %w",
			elevation, day.Format("2006-01-02"), err)
	}
	return t.In(day.Location()), nil
}

// Sunrise returns the sunrise time for day in day's location.
func (o *Observer) Sunrise(day time.Time) (time.Time, error) {
	rise, _ := gosunrise.SunriseSunset(o.latitude, o.longitude, day.Year(), day.Month(), day.Day())
	if rise.IsZero() {
		return time.Time{}, fmt.Errorf("no sunrise on %s", day.Format("2006-01-02"))
	}
	return rise.In(day.Location()), nil
}

// Sunset returns the sunset time for day in day's location.
func (o *Observer) Sunset(day time.Time) (time.Time, error) {
	_, set := gosunrise.SunriseSunset(o.latitude, o.longitude, day.Year(), day.Month(), day.Day())
	if set.IsZero() {
		return time.Time{}, fmt.Errorf("no sunset on %s", day.Format("2006-01-02"))
	}
	return set.In(day.Location()), nil
}
