package gateway

import (
	"sync"
	"time"

	"github.com/brocaar/lorawan/gps"
)

// Tref anchors UTC to the concentrator counter: a linear model good for a
// few seconds around its sample point.
type Tref struct {
	SystemTime time.Time // UTC at the reference point
	CountUs    uint32    // concentrator counter at the reference point
}

// Coords are the gateway's geographic coordinates.
type Coords struct {
	Latitude  float64
	Longitude float64
	Altitude  int32
}

// TimeSource provides the GPS time reference the downlink path and the
// beacon generator consume. The real NMEA/PPS plumbing lives outside the
// core; a source only has to keep a Tref fresh.
type TimeSource interface {
	// Tref returns the current reference; ok is false while unusable.
	Tref() (Tref, bool)

	// Coords returns the gateway position; ok is false without a fix.
	Coords() (Coords, bool)
}

// FakeGPS is the fake_gps mode: it fabricates a reference from the local
// clock and configured coordinates, good enough for beaconing on the
// bench.
type FakeGPS struct {
	mu    sync.Mutex
	ref   Tref
	coord Coords
	set   bool
}

// NewFakeGPS builds a fake source at the configured position.
func NewFakeGPS(coord Coords) *FakeGPS {
	return &FakeGPS{coord: coord}
}

// Update anchors the reference; the timer-sync loop calls it with fresh
// counter samples.
func (f *FakeGPS) Update(countUs uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ref = Tref{SystemTime: time.Now().UTC(), CountUs: countUs}
	f.set = true
}

// Tref implements TimeSource.
func (f *FakeGPS) Tref() (Tref, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ref, f.set
}

// Coords implements TimeSource.
func (f *FakeGPS) Coords() (Coords, bool) {
	return f.coord, true
}

// tmmsToCount translates GPS time (milliseconds since the GPS epoch) into
// a concentrator counter value through a reference.
func tmmsToCount(ref Tref, tmms uint64) uint32 {
	target := time.Time(gps.NewTimeFromTimeSinceGPSEpoch(time.Duration(tmms) * time.Millisecond))
	delta := target.Sub(ref.SystemTime)
	return ref.CountUs + uint32(delta.Microseconds())
}

// gpsTimeOf returns the GPS-epoch duration of a UTC instant.
func gpsTimeOf(t time.Time) time.Duration {
	return gps.Time(t).TimeSinceGPSEpoch()
}
