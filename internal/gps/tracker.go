// Package gps maintains the single current best-known position/time fix for
// the acquisition session and owns the serial NMEA reader that feeds it.
//
// The tracker is the only shared mutable state between the GPS path and the
// image path; everything it hands out is a value copy taken under one
// short-held lock.
package gps

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/nmea"
)

// Snapshot is a point-in-time copy of the merged fix.
//
// Presence is always explicit: HasPosition/HasTime gate the corresponding
// fields, and a 0,0 position with HasPosition=true is a real equatorial fix.
type Snapshot struct {
	Enabled bool `json:"enabled"`

	// Valid is true only while a position is present and its age is below
	// the staleness ceiling.
	Valid bool `json:"valid"`

	LatDeg      float64 `json:"lat_deg"`
	LonDeg      float64 `json:"lon_deg"`
	HasPosition bool    `json:"has_position"`

	AltitudeM  *float64 `json:"altitude_m,omitempty"`
	Quality    string   `json:"fix_quality"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`

	// Time is GPS UTC as of TimeObservedAt (local wall clock). The pair lets
	// consumers project GPS time forward without re-reading the tracker.
	Time           time.Time `json:"gps_time_utc,omitempty"`
	HasTime        bool      `json:"has_time"`
	TimeObservedAt time.Time `json:"-"`

	// ObservedAt is the local wall time the position was last updated;
	// Age is relative to the moment the snapshot was taken.
	ObservedAt time.Time     `json:"-"`
	Age        time.Duration `json:"-"`
	AgeSec     float64       `json:"fix_age_sec"`

	SentencesParsed   uint64 `json:"sentences_parsed"`
	SentencesRejected uint64 `json:"sentences_rejected"`

	Device    string `json:"device,omitempty"`
	Baud      int    `json:"baud,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// FixQuality returns the typed quality carried by the snapshot.
func (s Snapshot) FixQuality() nmea.FixQuality {
	switch s.Quality {
	case "gps":
		return nmea.QualityGPS
	case "dgps":
		return nmea.QualityDGPS
	default:
		return nmea.QualityNone
	}
}

// Tracker merges decoded GGA/RMC sentences into the current fix.
type Tracker struct {
	clk       clock.Clock
	staleness time.Duration

	mu sync.Mutex

	lat, lon      float64
	hasPos        bool
	posObservedAt time.Time

	altM   float64
	hasAlt bool

	quality    nmea.FixQuality
	hasQuality bool

	sats    int
	hasSats bool

	hdop    float64
	hasHDOP bool

	utc            time.Time
	hasUTC         bool
	utcObservedAt  time.Time
	lastDate       time.Time // midnight UTC from the most recent RMC
	hasDate        bool
	lastErr        string
	parsed         uint64
	rejected       uint64
	device         string
	baud           int
	enabled        bool
}

// NewTracker builds a tracker with the given staleness ceiling. A nil clk
// uses the wall clock.
func NewTracker(staleness time.Duration, clk clock.Clock) *Tracker {
	if staleness <= 0 {
		staleness = 10 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{clk: clk, staleness: staleness}
}

// Update merges one decoded sentence.
//
// Latitude/longitude move together and only on sentences reporting a usable
// fix (RMC active, GGA quality > 0). Time merges independently: RMC carries
// the date, GGA only a time-of-day, and the two may arrive on different
// sentences.
func (t *Tracker) Update(s nmea.Sentence) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.parsed++
	now := t.clk.Now()

	switch {
	case s.GGA != nil:
		t.applyGGA(now, s.GGA)
	case s.RMC != nil:
		t.applyRMC(now, s.RMC)
	}
}

func (t *Tracker) applyGGA(now time.Time, g *nmea.GGA) {
	if g.HasQuality {
		t.quality = g.Quality
		t.hasQuality = true
	}
	if g.HasSatellites {
		t.sats = g.Satellites
		t.hasSats = true
	}
	if g.HasHDOP {
		t.hdop = g.HDOP
		t.hasHDOP = true
	}

	usable := g.HasQuality && g.Quality != nmea.QualityNone
	if usable && g.HasPosition {
		t.lat = g.Position.LatDeg
		t.lon = g.Position.LonDeg
		t.hasPos = true
		t.posObservedAt = now
		if g.HasAltitude {
			t.altM = g.AltitudeM
			t.hasAlt = true
		}
	}

	// GGA carries only a time-of-day; it needs an RMC-provided date to become
	// a full timestamp.
	if g.HasTime && t.hasDate {
		composed := t.lastDate.Add(g.TimeOfDay)
		if t.hasUTC && composed.Before(t.utc) {
			// A time-of-day far behind the last known time means the UTC day
			// rolled over between sentences; advance rather than regress.
			if t.utc.Sub(composed) > 12*time.Hour {
				t.lastDate = t.lastDate.AddDate(0, 0, 1)
				composed = t.lastDate.Add(g.TimeOfDay)
			} else {
				return
			}
		}
		t.utc = composed
		t.hasUTC = true
		t.utcObservedAt = now
	}
}

func (t *Tracker) applyRMC(now time.Time, r *nmea.RMC) {
	if r.HasTime {
		t.utc = r.Time
		t.hasUTC = true
		t.utcObservedAt = now
		t.lastDate = time.Date(r.Time.Year(), r.Time.Month(), r.Time.Day(), 0, 0, 0, 0, time.UTC)
		t.hasDate = true
	}

	if r.Active && r.HasPosition {
		t.lat = r.Position.LatDeg
		t.lon = r.Position.LonDeg
		t.hasPos = true
		t.posObservedAt = now
	}
}

// RecordRejected counts a sentence the decoder refused. Rejected input never
// touches fix state.
func (t *Tracker) RecordRejected(err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejected++
	if err != nil {
		t.lastErr = err.Error()
	}
}

func (t *Tracker) setMeta(enabled bool, device string, baud int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	t.device = device
	t.baud = baud
}

func (t *Tracker) setError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Transient read/parse issues don't flip validity; staleness handles that.
	t.lastErr = msg
}

// Snapshot returns an immutable copy of the current fix with computed age
// and validity.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	out := Snapshot{
		Enabled:           t.enabled,
		LatDeg:            t.lat,
		LonDeg:            t.lon,
		HasPosition:       t.hasPos,
		HasTime:           t.hasUTC,
		SentencesParsed:   t.parsed,
		SentencesRejected: t.rejected,
		Device:            t.device,
		Baud:              t.baud,
		LastError:         t.lastErr,
	}
	if t.hasQuality {
		out.Quality = t.quality.String()
	} else {
		out.Quality = nmea.QualityNone.String()
	}
	if t.hasAlt {
		v := t.altM
		out.AltitudeM = &v
	}
	if t.hasSats {
		v := t.sats
		out.Satellites = &v
	}
	if t.hasHDOP {
		v := t.hdop
		out.HDOP = &v
	}
	if t.hasUTC {
		out.Time = t.utc
		out.TimeObservedAt = t.utcObservedAt
	}
	if t.hasPos {
		out.ObservedAt = t.posObservedAt
		out.Age = now.Sub(t.posObservedAt)
		out.AgeSec = out.Age.Seconds()
		out.Valid = out.Age <= t.staleness
	}
	return out
}
