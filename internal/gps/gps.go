// Package gps converts between the LoRaWAN network time (time since the GPS
// epoch) and UTC.
package gps

import (
	"time"
)

var epoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// leapSeconds holds the moments at which a leap second was inserted.
var leapSeconds = []time.Time{
	time.Date(1981, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1982, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1983, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1985, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1987, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1989, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1990, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1992, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1993, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1994, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1995, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1997, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1998, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2005, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2008, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2012, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2015, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2016, time.December, 31, 23, 59, 59, 0, time.UTC),
}

// Time is a UTC time which can be expressed as time since GPS epoch.
type Time time.Time

// NewFromTimeSinceGPSEpoch returns the UTC time for the given time since GPS
// epoch (leap seconds removed).
func NewFromTimeSinceGPSEpoch(d time.Duration) Time {
	t := epoch.Add(d)
	for _, ls := range leapSeconds {
		if ls.Before(t) {
			t = t.Add(-time.Second)
		}
	}
	return Time(t)
}

// TimeSinceGPSEpoch returns the time since GPS epoch (leap seconds added).
func (t Time) TimeSinceGPSEpoch() time.Duration {
	d := time.Time(t).Sub(epoch)
	for _, ls := range leapSeconds {
		if ls.Before(time.Time(t)) {
			d += time.Second
		}
	}
	return d
}

// Time returns the UTC time.
func (t Time) Time() time.Time {
	return time.Time(t).UTC()
}

// Now returns the current time.
func Now() Time {
	return Time(time.Now())
}
