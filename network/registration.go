// Package network is the thin supporting wrapper spec.md §4.6 describes,
// over the AT Engine: +CEREG/+COPS/+CSQ here, +UMNOPROF/+URAT/+UBANDMASK and
// the +CFUN reset in provision.go, +UGPS/+UGGGA in gnss.go, and the SIM
// queries in sim.go. +CREG and +CGREG are not wrapped. It owns
// the last-known registration state the URC handlers refresh so the façade
// can compute its derived connection status (spec.md §4.7) without
// re-querying the modem.
//
// Grounded on original_source/.../modem/OwlModemNetwork.{h,cpp}.
package network

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/breakout-sdk-go/atengine"
)

// Logger is the logging capability this package needs.
type Logger interface {
	Printf(format string, v ...interface{})
}

// EPSStat is the EPS (4G/LTE attach) registration status reported by
// +CEREG (spec.md GLOSSARY "EPS registration").
type EPSStat int

const (
	EPSNotRegistered EPSStat = iota
	EPSHome
	EPSSearching
	EPSDenied
	EPSUnknown
	EPSRoaming
)

func (s EPSStat) String() string {
	switch s {
	case EPSNotRegistered:
		return "not-registered"
	case EPSHome:
		return "home"
	case EPSSearching:
		return "searching"
	case EPSDenied:
		return "denied"
	case EPSRoaming:
		return "roaming"
	default:
		return "unknown"
	}
}

// IsRegistered reports whether stat is Home or Roaming, the two states
// spec.md §4.7's connection-status table treats as "registered".
func (s EPSStat) IsRegistered() bool { return s == EPSHome || s == EPSRoaming }

// EPSState is the last-known EPS registration report.
type EPSState struct {
	Stat EPSStat
	LAC  uint16
	CI   uint32
	AcT  int
}

// EPSHandler observes EPS registration changes.
type EPSHandler func(EPSState)

// Registration wraps the modem's network-registration command set.
type Registration struct {
	at  *atengine.Engine
	Log Logger

	eps     EPSState
	onEPS   EPSHandler
}

// New creates a Registration driving AT commands through at, subscribing to
// the +CEREG URC immediately.
func New(at *atengine.Engine) *Registration {
	r := &Registration{at: at}
	at.RegisterURCHandler("network-cereg", "+CEREG", r.onCEREG)
	return r
}

func (r *Registration) log(format string, v ...interface{}) {
	if r.Log == nil {
		return
	}
	r.Log.Printf(format, v...)
}

// SetEPSRegistrationHandler installs the callback fired whenever a +CEREG
// URC refreshes the cached state.
func (r *Registration) SetEPSRegistrationHandler(h EPSHandler) { r.onEPS = h }

// EPSRegistrationStatus returns the last-known EPS state.
func (r *Registration) EPSRegistrationStatus() EPSState { return r.eps }

// EnableEPSURC issues AT+CEREG=2 (URC plus location info) so onCEREG keeps
// EPSRegistrationStatus current without polling.
func (r *Registration) EnableEPSURC() error {
	_, _, err := r.at.DoCommandBlocking("+CEREG=2", 5*time.Second, nil, 0)
	return err
}

// onCEREG parses "+CEREG: <n>,<stat>[,<lac>,<ci>[,<act>]]" (the URC form
// omits <n>: "+CEREG: <stat>[,<lac>,<ci>[,<act>]]"). Both shapes are
// accepted since the modem emits the shorter one unsolicited and the longer
// one in response to a read.
func (r *Registration) onCEREG(_, data string) {
	fields := splitFields(data)
	if len(fields) == 0 {
		r.log("network: malformed +CEREG: %q", data)
		return
	}
	statIdx := 0
	if len(fields) >= 2 && !strings.HasPrefix(strings.TrimSpace(fields[1]), `"`) {
		// The read form's second field is the unquoted <stat>; the URC
		// form's second field, when present, is the quoted <lac>.
		statIdx = 1
	}
	stat, err := strconv.Atoi(strings.TrimSpace(fields[statIdx]))
	if err != nil {
		r.log("network: malformed +CEREG stat: %q", data)
		return
	}
	state := EPSState{Stat: mapEPSStat(stat)}
	if len(fields) > statIdx+1 {
		state.LAC = parseHexUint16(fields[statIdx+1])
	}
	if len(fields) > statIdx+2 {
		state.CI = parseHexUint32(fields[statIdx+2])
	}
	if len(fields) > statIdx+3 {
		act, _ := strconv.Atoi(strings.TrimSpace(fields[statIdx+3]))
		state.AcT = act
	}
	r.eps = state
	if r.onEPS != nil {
		r.onEPS(state)
	}
}

func mapEPSStat(n int) EPSStat {
	switch n {
	case 0:
		return EPSNotRegistered
	case 1:
		return EPSHome
	case 2:
		return EPSSearching
	case 3:
		return EPSDenied
	case 5:
		return EPSRoaming
	default:
		return EPSUnknown
	}
}

func parseHexUint16(s string) uint16 {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	v, _ := strconv.ParseUint(s, 16, 16)
	return uint16(v)
}

func parseHexUint32(s string) uint32 {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	v, _ := strconv.ParseUint(s, 16, 32)
	return uint32(v)
}

func splitFields(s string) []string {
	return strings.Split(strings.TrimSpace(s), ",")
}

// SetOperatorSelection issues AT+COPS=<mode>[,<format>,<oper>] for a forced
// operator selection (spec.md §4.7 power-up step 3's "optionally with a
// forced operator selection").
func (r *Registration) SetOperatorSelection(mode int, format int, oper string) error {
	cmd := fmt.Sprintf("+COPS=%d", mode)
	if oper != "" {
		cmd += fmt.Sprintf(`,%d,"%s"`, format, oper)
	}
	_, _, err := r.at.DoCommandBlocking(cmd, 3*60*time.Second, nil, 0)
	return err
}

// GetSignalQuality issues AT+CSQ and returns (rssi, qual).
func (r *Registration) GetSignalQuality() (rssi, qual int, err error) {
	result, resp, derr := r.at.DoCommandBlocking("+CSQ", 5*time.Second, nil, 0)
	if derr != nil {
		return 0, 0, derr
	}
	if result != atengine.ResultOK {
		return 0, 0, fmt.Errorf("network: +CSQ failed: %s", result)
	}
	fields := splitFields(strings.TrimPrefix(strings.TrimSpace(resp), "+CSQ:"))
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("network: malformed +CSQ response: %q", resp)
	}
	rssi, _ = strconv.Atoi(strings.TrimSpace(fields[0]))
	qual, _ = strconv.Atoi(strings.TrimSpace(fields[1]))
	return rssi, qual, nil
}
