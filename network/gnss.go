package network

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/breakout-sdk-go/atengine"
)

// GNSSFix is the supplemented getGNSSData surface SPEC_FULL.md item 1
// describes: the raw NMEA sentence string plus the handful of fields this
// SDK decodes with strings.Split, never a full NMEA parser (GNSS NMEA
// parsing is out of scope per spec.md §1).
type GNSSFix struct {
	Raw       string // the full "+UGGGA: ..." URC line as received
	Valid     bool
	TimeUTC   string // hhmmss.sss, verbatim from the sentence
	Latitude  float64
	Longitude float64
}

// GNSSHandler observes a new fix.
type GNSSHandler func(GNSSFix)

// GNSSReceiver is a thin AT wrapper around +UGPS/+UGGGA, built on the same
// AT Engine primitives network.Registration uses. Grounded on
// original_source/.../modem/OwlModemGNSS.h.
type GNSSReceiver struct {
	at  *atengine.Engine
	Log Logger

	lastFix GNSSFix
	onFix   GNSSHandler
}

// NewGNSSReceiver creates a GNSSReceiver driving AT commands through at,
// subscribing to the +UGGGA URC immediately.
func NewGNSSReceiver(at *atengine.Engine) *GNSSReceiver {
	g := &GNSSReceiver{at: at}
	at.RegisterURCHandler("gnss-uggga", "+UGGGA", g.onUGGGA)
	return g
}

func (g *GNSSReceiver) log(format string, v ...interface{}) {
	if g.Log == nil {
		return
	}
	g.Log.Printf(format, v...)
}

// SetFixHandler installs the callback fired whenever a new fix is decoded.
func (g *GNSSReceiver) SetFixHandler(h GNSSHandler) { g.onFix = h }

// Enable issues AT+UGPS=1,0,1 (GNSS on, auto start, GPS-only) to begin
// receiving +UGGGA URCs.
func (g *GNSSReceiver) Enable() error {
	_, _, err := g.at.DoCommandBlocking("+UGPS=1,0,1", 10*time.Second, nil, 0)
	return err
}

// Disable issues AT+UGPS=0 to power down the GNSS receiver.
func (g *GNSSReceiver) Disable() error {
	_, _, err := g.at.DoCommandBlocking("+UGPS=0", 10*time.Second, nil, 0)
	return err
}

// LastFix returns the most recently decoded fix, or the zero value if none
// has arrived yet.
func (g *GNSSReceiver) LastFix() GNSSFix { return g.lastFix }

// onUGGGA decodes "+UGGGA: <time>,<lat>,<N/S>,<lon>,<E/W>,<quality>,..." —
// the comma-separated fields the modem already splits out, per
// SPEC_FULL.md's explicit non-goal of NMEA parsing: this is field
// extraction over an already-tokenized URC, not a checksum-validating NMEA
// sentence parser.
func (g *GNSSReceiver) onUGGGA(_, data string) {
	fields := splitFields(data)
	if len(fields) < 6 {
		g.log("network: malformed +UGGGA: %q", data)
		return
	}
	quality, _ := strconv.Atoi(strings.TrimSpace(fields[5]))
	fix := GNSSFix{
		Raw:     "+UGGGA: " + data,
		Valid:   quality > 0,
		TimeUTC: strings.TrimSpace(fields[0]),
	}
	if lat, err := parseNMEACoord(fields[1], fields[2]); err == nil {
		fix.Latitude = lat
	}
	if lon, err := parseNMEACoord(fields[3], fields[4]); err == nil {
		fix.Longitude = lon
	}
	g.lastFix = fix
	if g.onFix != nil {
		g.onFix(fix)
	}
}

// parseNMEACoord converts an NMEA ddmm.mmmm (or dddmm.mmmm) coordinate plus
// its hemisphere letter into signed decimal degrees.
func parseNMEACoord(raw, hemisphere string) (float64, error) {
	raw = strings.TrimSpace(raw)
	dotIdx := strings.IndexByte(raw, '.')
	if dotIdx < 2 {
		return 0, errors.New("network: malformed NMEA coordinate " + raw)
	}
	degDigits := dotIdx - 2
	deg, err := strconv.Atoi(raw[:degDigits])
	if err != nil {
		return 0, err
	}
	min, err := strconv.ParseFloat(raw[degDigits:], 64)
	if err != nil {
		return 0, err
	}
	val := float64(deg) + min/60
	if h := strings.TrimSpace(hemisphere); h == "S" || h == "W" {
		val = -val
	}
	return val, nil
}
