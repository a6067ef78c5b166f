package astro

import (
	"math"
	"time"
)

// NoCrossing is displayed in place of a rise or set time that does not occur.
const NoCrossing = "--:--"

// TransitionKind names the event returned by NextTransition.
type TransitionKind string

const (
	Sunrise      TransitionKind = "sunrise"
	Sunset       TransitionKind = "sunset"
	Meridian     TransitionKind = "meridian"
	Antimeridian TransitionKind = "antimeridian"
)

// Transition is the next forced day/night boundary.
type Transition struct {
	Time time.Time
	Kind TransitionKind
}

// Clock answers day/night questions for one observer.
type Clock struct {
	Observer      Observer
	NightSunAlt   float64
	MoonModeAlt   float64
	MoonModePhase float64
}

// State is the full geometry snapshot for one instant.
type State struct {
	Time      time.Time
	Sun       Position
	Moon      Position
	MoonPhase float64 // percent illuminated
	Night     bool
	MoonMode  bool
}

// At computes every value the scheduler and pipeline need for t.
func (c Clock) At(t time.Time) State {
	s := State{
		Time:      t,
		Sun:       Sun(c.Observer, t),
		Moon:      Moon(c.Observer, t),
		MoonPhase: MoonIllumination(t) * 100,
	}
	s.Night = s.Sun.Altitude < c.NightSunAlt
	s.MoonMode = s.Night && s.Moon.Altitude >= c.MoonModeAlt && s.MoonPhase >= c.MoonModePhase
	return s
}

func (c Clock) SunAltitude(t time.Time) float64  { return Sun(c.Observer, t).Altitude }
func (c Clock) MoonAltitude(t time.Time) float64 { return Moon(c.Observer, t).Altitude }
func (c Clock) MoonPhase(t time.Time) float64    { return MoonIllumination(t) * 100 }

func (c Clock) IsNight(t time.Time) bool {
	return c.SunAltitude(t) < c.NightSunAlt
}

func (c Clock) IsMoonMode(t time.Time) bool {
	return c.At(t).MoonMode
}

// Detect returns (is_night, is_moonmode) for t.
func (c Clock) Detect(t time.Time) (night, moonmode bool) {
	s := c.At(t)
	return s.Night, s.MoonMode
}

// Meridian returns the local solar noon for the local mean solar date containing t.
func (c Clock) Meridian(t time.Time) time.Time {
	d := localSolarDate(c.Observer, t)
	approx := d.Add(12*time.Hour - lonOffset(c.Observer))
	return SolarTransit(c.Observer, approx)
}

// DayDate returns the observation date of an exposure at t. An observation day runs
// from local solar noon to the next local solar noon, except that daylight frames
// after the antimeridian already belong to the new date.
func (c Clock) DayDate(t time.Time) time.Time {
	today := localSolarDate(c.Observer, t)
	yesterday := today.AddDate(0, 0, -1)

	meridian := c.Meridian(t)
	antimeridian := meridian.Add(-12 * time.Hour)

	switch {
	case t.Before(antimeridian):
		return yesterday
	case t.Before(meridian):
		if c.IsNight(t) {
			return yesterday
		}
		return today
	default:
		return today
	}
}

// NextTransition returns the next sun crossing of NightSunAlt within 36 hours, or the
// next meridian/antimeridian when the sun never crosses (polar day or night).
func (c Clock) NextTransition(t time.Time) Transition {
	if tr, ok := c.nextCrossing(t, 36*time.Hour); ok {
		return tr
	}

	meridian := c.Meridian(t)
	for _, cand := range []time.Time{
		meridian.Add(-12 * time.Hour),
		meridian,
		meridian.Add(12 * time.Hour),
		meridian.Add(24 * time.Hour),
	} {
		if cand.After(t) {
			kind := Meridian
			if !cand.Equal(meridian) && cand.Sub(meridian)%(24*time.Hour) != 0 {
				kind = Antimeridian
			}
			return Transition{Time: cand, Kind: kind}
		}
	}
	return Transition{Time: meridian.Add(36 * time.Hour), Kind: Antimeridian}
}

// NextRiseSet formats the next sunrise and sunset (crossing NightSunAlt) within 24 hours
// in loc, using NoCrossing when the sun is always up or never up.
func (c Clock) NextRiseSet(t time.Time, loc *time.Location) (rise, set string) {
	rise, set = NoCrossing, NoCrossing
	cursor := t
	end := t.Add(24 * time.Hour)
	for cursor.Before(end) {
		tr, ok := c.nextCrossing(cursor, end.Sub(cursor))
		if !ok {
			break
		}
		switch tr.Kind {
		case Sunrise:
			if rise == NoCrossing {
				rise = tr.Time.In(loc).Format("15:04")
			}
		case Sunset:
			if set == NoCrossing {
				set = tr.Time.In(loc).Format("15:04")
			}
		}
		cursor = tr.Time.Add(time.Minute)
	}
	return rise, set
}

const scanStep = 5 * time.Minute

func (c Clock) nextCrossing(t time.Time, horizon time.Duration) (Transition, bool) {
	f := func(at time.Time) float64 { return c.SunAltitude(at) - c.NightSunAlt }

	prevT := t
	prev := f(t)
	for step := scanStep; step <= horizon; step += scanStep {
		at := t.Add(step)
		cur := f(at)
		if (prev < 0) != (cur < 0) {
			lo, hi := prevT, at
			for hi.Sub(lo) > time.Second {
				mid := lo.Add(hi.Sub(lo) / 2)
				if (f(mid) < 0) == (prev < 0) {
					lo = mid
				} else {
					hi = mid
				}
			}
			kind := Sunset
			if prev < 0 {
				kind = Sunrise
			}
			return Transition{Time: hi, Kind: kind}, true
		}
		prevT, prev = at, cur
	}
	return Transition{}, false
}

func lonOffset(o Observer) time.Duration {
	return time.Duration(o.Lon / 15 * float64(time.Hour))
}

// localSolarDate is the calendar date of local mean solar time at t, as UTC midnight.
func localSolarDate(o Observer, t time.Time) time.Time {
	local := t.UTC().Add(lonOffset(o))
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// HoursUntil is a convenience for labels.
func HoursUntil(from, to time.Time) float64 {
	return math.Max(0, to.Sub(from).Hours())
}
