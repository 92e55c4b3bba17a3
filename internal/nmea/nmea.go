// Package nmea parses the NMEA 0183 sentences the acquisition pipeline
// consumes: GGA (fix data) and RMC (recommended minimum data).
//
// Every decoded field is carried with an explicit presence flag. An empty
// field in a sentence decodes to "absent", never to zero: 0.0 degrees is a
// legitimate equatorial/prime-meridian coordinate and must not be confused
// with a missing one.
package nmea

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FixQuality classifies a GGA fix.
type FixQuality int

const (
	QualityNone FixQuality = iota
	QualityGPS
	QualityDGPS
)

func (q FixQuality) String() string {
	switch q {
	case QualityGPS:
		return "gps"
	case QualityDGPS:
		return "dgps"
	default:
		return "none"
	}
}

// ChecksumError reports a sentence whose trailing checksum does not match
// the XOR of its payload. The sentence is discarded entirely.
type ChecksumError struct {
	Want byte
	Got  byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("nmea: checksum mismatch want=%02X got=%02X", e.Want, e.Got)
}

// MalformedSentenceError reports input that is not a well-formed NMEA
// sentence (missing framing, short payload, unparsable checksum field).
type MalformedSentenceError struct {
	Reason string
}

func (e *MalformedSentenceError) Error() string {
	return "nmea: malformed sentence: " + e.Reason
}

// LatLon is a decoded position in signed decimal degrees.
type LatLon struct {
	LatDeg float64
	LonDeg float64
}

// GGA is Global Positioning System Fix Data.
//
// HasPosition is set only when both latitude and longitude decoded; the two
// never appear independently.
type GGA struct {
	TimeOfDay time.Duration // offset from 00:00:00 UTC
	HasTime   bool

	Position    LatLon
	HasPosition bool

	Quality    FixQuality
	HasQuality bool

	Satellites    int
	HasSatellites bool

	HDOP    float64
	HasHDOP bool

	AltitudeM   float64
	HasAltitude bool
}

// RMC is Recommended Minimum Specific GNSS Data.
//
// Active reflects the A/V status flag: a void sentence is a valid decode
// with Active=false, not malformed input.
type RMC struct {
	Time    time.Time // full UTC date+time
	HasTime bool

	Active bool

	Position    LatLon
	HasPosition bool

	SpeedKt  float64
	HasSpeed bool

	CourseDeg float64
	HasCourse bool
}

// Sentence is one decoded NMEA line. Exactly one of GGA/RMC is non-nil for
// the consumed types; both are nil for an unrecognized (but well-formed and
// checksum-valid) sentence type.
type Sentence struct {
	// Type is the talker-stripped sentence type, e.g. "GGA", "RMC".
	Type string

	GGA *GGA
	RMC *RMC
}

// Parse decodes one line of serial text.
//
// It returns *ChecksumError or *MalformedSentenceError on rejected input;
// rejected input never produces a partially filled Sentence.
func Parse(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, &MalformedSentenceError{Reason: "missing '$'"}
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return Sentence{}, &MalformedSentenceError{Reason: "missing checksum"}
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return Sentence{}, &MalformedSentenceError{Reason: "short checksum"}
	}
	// Trailing hex checksum is case-insensitive.
	want, err := hex.DecodeString(strings.ToUpper(ck[:2]))
	if err != nil || len(want) != 1 {
		return Sentence{}, &MalformedSentenceError{Reason: "unparsable checksum"}
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return Sentence{}, &ChecksumError{Want: want[0], Got: got}
	}

	fields := strings.Split(payload, ",")
	typeField := fields[0]
	if len(typeField) < 3 {
		return Sentence{}, &MalformedSentenceError{Reason: "short type field"}
	}
	// Accept any talker prefix (GP, GN, GL, ...); normalize to the last 3 chars.
	t := strings.ToUpper(typeField[len(typeField)-3:])

	switch t {
	case "GGA":
		g, err := parseGGA(fields)
		if err != nil {
			return Sentence{}, err
		}
		return Sentence{Type: t, GGA: &g}, nil
	case "RMC":
		r, err := parseRMC(fields)
		if err != nil {
			return Sentence{}, err
		}
		return Sentence{Type: t, RMC: &r}, nil
	default:
		return Sentence{Type: t}, nil
	}
}

// GGA fields:
//
//	0: talker+type
//	1: time (hhmmss.sss)
//	2: latitude (ddmm.mmmm)
//	3: N/S
//	4: longitude (dddmm.mmmm)
//	5: E/W
//	6: fix quality (0=invalid, 1=GPS, 2=DGPS)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters)
func parseGGA(f []string) (GGA, error) {
	if len(f) < 10 {
		return GGA{}, &MalformedSentenceError{Reason: fmt.Sprintf("GGA has %d fields", len(f))}
	}
	var g GGA

	if tod, ok := parseTimeOfDay(f[1]); ok {
		g.TimeOfDay = tod
		g.HasTime = true
	}

	lat, latOK := parseLatLon(f[2], f[3])
	lon, lonOK := parseLatLon(f[4], f[5])
	// Position is both-or-neither; a lone coordinate stays absent.
	if latOK && lonOK {
		g.Position = LatLon{LatDeg: lat, LonDeg: lon}
		g.HasPosition = true
	}

	if q, ok := parseInt(f[6]); ok {
		g.Quality = quality(q)
		g.HasQuality = true
	}
	if sats, ok := parseInt(f[7]); ok {
		g.Satellites = sats
		g.HasSatellites = true
	}
	if hdop, ok := parseFloat(f[8]); ok {
		g.HDOP = hdop
		g.HasHDOP = true
	}
	if alt, ok := parseFloat(f[9]); ok {
		g.AltitudeM = alt
		g.HasAltitude = true
	}
	return g, nil
}

// RMC fields:
//
//	0: talker+type
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func parseRMC(f []string) (RMC, error) {
	if len(f) < 10 {
		return RMC{}, &MalformedSentenceError{Reason: fmt.Sprintf("RMC has %d fields", len(f))}
	}
	var r RMC

	r.Active = strings.TrimSpace(f[2]) == "A"

	if ts, ok := parseDateTime(f[9], f[1]); ok {
		r.Time = ts
		r.HasTime = true
	}

	lat, latOK := parseLatLon(f[3], f[4])
	lon, lonOK := parseLatLon(f[5], f[6])
	if latOK && lonOK {
		r.Position = LatLon{LatDeg: lat, LonDeg: lon}
		r.HasPosition = true
	}

	if gs, ok := parseFloat(f[7]); ok {
		r.SpeedKt = gs
		r.HasSpeed = true
	}
	if crs, ok := parseFloat(f[8]); ok {
		r.CourseDeg = crs
		r.HasCourse = true
	}
	return r, nil
}

func quality(q int) FixQuality {
	switch {
	case q <= 0:
		return QualityNone
	case q == 1:
		return QualityGPS
	default:
		return QualityDGPS
	}
}

func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseTimeOfDay parses hhmmss or hhmmss.sss into an offset from midnight UTC.
func parseTimeOfDay(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return 0, false
	}
	hh, err1 := strconv.Atoi(s[0:2])
	mm, err2 := strconv.Atoi(s[2:4])
	ss, err3 := strconv.ParseFloat(s[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	if hh > 23 || mm > 59 || ss >= 61 {
		return 0, false
	}
	d := time.Duration(hh)*time.Hour +
		time.Duration(mm)*time.Minute +
		time.Duration(ss*float64(time.Second))
	return d, true
}

// parseDateTime combines an RMC ddmmyy date with an hhmmss.sss time into a
// full UTC timestamp with sub-second precision.
func parseDateTime(date, tod string) (time.Time, bool) {
	date = strings.TrimSpace(date)
	if len(date) != 6 {
		return time.Time{}, false
	}
	dd, err1 := strconv.Atoi(date[0:2])
	mo, err2 := strconv.Atoi(date[2:4])
	yy, err3 := strconv.Atoi(date[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	if dd < 1 || dd > 31 || mo < 1 || mo > 12 {
		return time.Time{}, false
	}
	off, ok := parseTimeOfDay(tod)
	if !ok {
		return time.Time{}, false
	}
	// NMEA dates are two-digit years; the constellation epoch makes 20xx safe
	// for this system's service life.
	base := time.Date(2000+yy, time.Month(mo), dd, 0, 0, 0, 0, time.UTC)
	return base.Add(off), true
}

// parseLatLon parses NMEA ddmm.mmmm / dddmm.mmmm plus hemisphere into signed
// decimal degrees. An empty value or hemisphere decodes to absent.
func parseLatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	degPart := intPart[:len(intPart)-2]
	minPart := v[len(intPart)-2:]

	deg, err := strconv.Atoi(degPart)
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(minPart, 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
