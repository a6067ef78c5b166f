// Package astro computes the solar and lunar geometry that drives day/night
// scheduling. Positions are low precision (arc-minute level) and refraction free.
package astro

import (
	"math"
	"time"
)

const (
	rad       = math.Pi / 180
	obliquity = rad * 23.4397
	j1970     = 2440588.0
	j2000     = 2451545.0
	dayS      = 86400.0
	j0        = 0.0009
	sunDistKm = 149598000.0
)

// Observer is a position on the ground. Elevation is carried for headers and labels; the
// altitude model ignores horizon dip.
type Observer struct {
	Lat  float64
	Lon  float64
	Elev float64
}

type equatorial struct {
	ra, dec, dist float64
}

func toJulian(t time.Time) float64 {
	return float64(t.UnixNano())/1e9/dayS - 0.5 + j1970
}

func fromJulian(j float64) time.Time {
	s := (j + 0.5 - j1970) * dayS
	sec := math.Floor(s)
	return time.Unix(int64(sec), int64((s-sec)*1e9)).UTC()
}

func toDays(t time.Time) float64 {
	return toJulian(t) - j2000
}

func rightAscension(l, b float64) float64 {
	return math.Atan2(math.Sin(l)*math.Cos(obliquity)-math.Tan(b)*math.Sin(obliquity), math.Cos(l))
}

func declination(l, b float64) float64 {
	return math.Asin(math.Sin(b)*math.Cos(obliquity) + math.Cos(b)*math.Sin(obliquity)*math.Sin(l))
}

func siderealTime(d, lw float64) float64 {
	return rad*(280.16+360.9856235*d) - lw
}

func altitude(h, phi, dec float64) float64 {
	return math.Asin(math.Sin(phi)*math.Sin(dec) + math.Cos(phi)*math.Cos(dec)*math.Cos(h))
}

// azimuth measured from north through east.
func azimuth(h, phi, dec float64) float64 {
	return math.Atan2(math.Sin(h), math.Cos(h)*math.Sin(phi)-math.Tan(dec)*math.Cos(phi)) + math.Pi
}

func solarMeanAnomaly(d float64) float64 {
	return rad * (357.5291 + 0.98560028*d)
}

func eclipticLongitude(m float64) float64 {
	c := rad * (1.9148*math.Sin(m) + 0.02*math.Sin(2*m) + 0.0003*math.Sin(3*m))
	p := rad * 102.9372
	return m + c + p + math.Pi
}

func sunCoords(d float64) equatorial {
	l := eclipticLongitude(solarMeanAnomaly(d))
	return equatorial{ra: rightAscension(l, 0), dec: declination(l, 0), dist: sunDistKm}
}

func moonCoords(d float64) equatorial {
	lng := rad * (218.316 + 13.176396*d)
	m := rad * (134.963 + 13.064993*d)
	f := rad * (93.272 + 13.229350*d)

	l := lng + rad*6.289*math.Sin(m)
	b := rad * 5.128 * math.Sin(f)
	return equatorial{
		ra:   rightAscension(l, b),
		dec:  declination(l, b),
		dist: 385001 - 20905*math.Cos(m),
	}
}

// Position is an altitude/azimuth pair in degrees plus the local hour angle.
type Position struct {
	Altitude  float64
	Azimuth   float64
	HourAngle float64 // degrees, -180..180, negative east of the meridian
}

func horizontal(o Observer, t time.Time, c equatorial) Position {
	lw := rad * -o.Lon
	phi := rad * o.Lat
	d := toDays(t)
	h := siderealTime(d, lw) - c.ra
	ha := math.Remainder(h/rad, 360)
	return Position{
		Altitude:  altitude(h, phi, c.dec) / rad,
		Azimuth:   math.Mod(azimuth(h, phi, c.dec)/rad+360, 360),
		HourAngle: ha,
	}
}

// Sun returns the apparent position of the sun without refraction.
func Sun(o Observer, t time.Time) Position {
	return horizontal(o, t, sunCoords(toDays(t)))
}

// Moon returns the position of the moon without refraction or parallax.
func Moon(o Observer, t time.Time) Position {
	return horizontal(o, t, moonCoords(toDays(t)))
}

// MoonIllumination returns the illuminated fraction of the moon's disk, 0..1.
func MoonIllumination(t time.Time) float64 {
	d := toDays(t)
	s := sunCoords(d)
	m := moonCoords(d)

	phi := math.Acos(math.Sin(s.dec)*math.Sin(m.dec) + math.Cos(s.dec)*math.Cos(m.dec)*math.Cos(s.ra-m.ra))
	inc := math.Atan2(s.dist*math.Sin(phi), m.dist-s.dist*math.Cos(phi))
	return (1 + math.Cos(inc)) / 2
}

// SolarTransit returns the local solar noon closest to t.
func SolarTransit(o Observer, t time.Time) time.Time {
	lw := rad * -o.Lon
	d := toDays(t)
	n := math.Round(d - j0 - lw/(2*math.Pi))
	ds := j0 + lw/(2*math.Pi) + n
	m := solarMeanAnomaly(ds)
	l := eclipticLongitude(m)
	return fromJulian(j2000 + ds + 0.0053*math.Sin(m) - 0.0069*math.Sin(2*l))
}
