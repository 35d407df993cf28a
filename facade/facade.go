// Package facade implements the Application Façade (C7): the process-wide
// SDK entry point that owns the CoAP Peer, the command queue, the polling
// (Heartbeats) loop, and derived connection-status reporting.
//
// Grounded on original_source/.../Breakout.{h,cpp}. spec.md §9's design note
// ("Global mutable state -> configured singleton") steers this SDK away from
// the original's process-wide `Breakout::getInstance()` singleton: Facade is
// an ordinary value owned by main and threaded through wherever it's needed,
// satisfying the note's "expose the façade as a value owned by main" option.
package facade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twilio/breakout-sdk-go/atengine"
	"github.com/twilio/breakout-sdk-go/coappeer"
	"github.com/twilio/breakout-sdk-go/dtlssession"
	"github.com/twilio/breakout-sdk-go/network"
	"github.com/twilio/breakout-sdk-go/serial"
	"github.com/twilio/breakout-sdk-go/socket"
)

// Tunables from spec.md §4.7's power-up/polling sequence, named after the
// original's #define constants.
const (
	MaxPendingCommands                = 100
	PollingIntervalMinimum            = 5 * time.Second
	InitConnectionTimeout             = 60 * time.Second
	InitConnectionRetries             = 2
	ReinitConnectionInterval          = 600 * time.Second
	defaultPollingInterval            = 600 * time.Second
	maxCommandPayload                 = 140
	maxPurposeLen                     = 32
	pskKeyHexLen                      = 32 // 32 hex digits -> 16 bytes
)

var (
	ErrAlreadyInitialized = errors.New("facade: can only set this before powering on the module")
	ErrEmptyPurpose       = errors.New("facade: empty purpose is not supported")
	ErrBadPSKHex          = errors.New("facade: PSK key must be exactly 32 hex digits")
	ErrNoModem            = errors.New("facade: no modem instance created yet")
)

// Logger is the logging capability this package needs.
type Logger interface {
	Printf(format string, v ...interface{})
}

// ConnectionStatus is the derived connection status spec.md §4.7 defines.
type ConnectionStatus int

const (
	StatusOffline ConnectionStatus = iota
	StatusNetworkRegistrationDenied
	StatusRegisteredNotConnected
	StatusRegisteredAndConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusNetworkRegistrationDenied:
		return "network-registration-denied"
	case StatusRegisteredNotConnected:
		return "registered-not-connected"
	case StatusRegisteredAndConnected:
		return "registered-and-connected"
	default:
		return "unknown"
	}
}

// ConnectionStatusHandler observes connection-status transitions.
type ConnectionStatusHandler func(ConnectionStatus)

// CommandHandler observes an inbound to-SIM Command, bypassing the queue.
type CommandHandler func(data []byte, isBinary bool)

// TransportFactory builds (or rebuilds) the Peer's Transport. It is supplied
// once at configuration time; production code points it at a DTLS- or
// socket-backed transport (transport.go), tests point it at an in-memory
// fake (spec.md §4.5 "Transport selection").
type TransportFactory func(ctx context.Context) (coappeer.Transport, error)

// Facade is the SDK's single public entry point (spec.md §6). Not safe for
// concurrent use: like every other component, it runs on one cooperative
// thread (spec.md §5).
type Facade struct {
	Log Logger

	now func() time.Time

	purpose   string
	pskKey    []byte
	iccid     string
	uriQuery  string // "Sim=<iccid>"

	hostDeviceID      string
	hostDeviceIDShort string
	board             string
	modemMfgr         string
	modemModel        string
	modemVersion      string

	pollingInterval time.Duration
	lastPolling     time.Time
	nextPolling     time.Time
	pollingArmed    bool

	connHandler ConnectionStatusHandler
	cmdHandler  CommandHandler
	queue       *commandQueue

	transportFactory TransportFactory
	peer             *coappeer.Peer

	epsRegistered     bool
	epsDenied         bool
	coapReady         bool
	lastCoAPConnected time.Time

	inCommandExecution bool

	queuedCommandCount uint64

	// Modem-backed components, created by PowerModuleOn. nil until then
	// (or for good, in a transport-only test harness that sets a transport
	// with SetTransportFactory and calls buildPeer directly).
	port         serial.Port
	at           *atengine.Engine
	registration *network.Registration
	provisioner  *network.Provisioner
	sim          *network.SIM
	socketSvc    *socket.Service
	gnss         *network.GNSSReceiver
	dtlsSession  *dtlssession.Session

	useDTLS    bool
	serverIP   string
	serverPort int
}

// New creates a Facade. now defaults to time.Now if nil.
func New(now func() time.Time) *Facade {
	if now == nil {
		now = time.Now
	}
	return &Facade{
		now:             now,
		purpose:         "Dev-Kit",
		pollingInterval: defaultPollingInterval,
		nextPolling:     now().Add(time.Millisecond), // "first time - do it soon"
		pollingArmed:    true,
		queue:           newCommandQueue(MaxPendingCommands),
		hostDeviceID:    "unknown",
		board:           "unknown",
		modemMfgr:       "unknown",
		modemModel:      "unknown",
		modemVersion:    "unknown",
	}
}

func (f *Facade) log(format string, v ...interface{}) {
	if f.Log == nil {
		return
	}
	f.Log.Printf(format, v...)
}

// SetPurpose sets the informational purpose string (<=32 bytes). Must be
// called before PowerModuleOn.
func (f *Facade) SetPurpose(purpose string) error {
	if f.peer != nil {
		return ErrAlreadyInitialized
	}
	if purpose == "" {
		return ErrEmptyPurpose
	}
	if len(purpose) > maxPurposeLen {
		purpose = purpose[:maxPurposeLen]
	}
	f.purpose = purpose
	return nil
}

// SetPSKKey sets the PSK key from a 32-hex-digit string (16 bytes). Must be
// called before PowerModuleOn.
func (f *Facade) SetPSKKey(hexKey string) error {
	if f.peer != nil {
		return ErrAlreadyInitialized
	}
	if len(hexKey) != pskKeyHexLen {
		return ErrBadPSKHex
	}
	key := make([]byte, pskKeyHexLen/2)
	if _, err := fmt.Sscanf(hexKey, "%x", &key); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPSKHex, err)
	}
	f.pskKey = key
	return nil
}

// SetPollingInterval sets the Heartbeats polling interval. Values below
// PollingIntervalMinimum (but nonzero) are clamped up to the minimum; 0
// disables polling entirely (spec.md §4.7 "Polling loop").
func (f *Facade) SetPollingInterval(interval time.Duration) {
	old := f.pollingInterval
	switch {
	case interval == 0:
		f.pollingInterval = 0
	case interval >= PollingIntervalMinimum:
		f.pollingInterval = interval
	default:
		f.log("facade: interval %s below minimum %s, using the minimum", interval, PollingIntervalMinimum)
		f.pollingInterval = PollingIntervalMinimum
	}

	if f.pollingInterval == 0 {
		f.pollingArmed = false
		return
	}
	if old != f.pollingInterval {
		if f.lastPolling.IsZero() {
			f.nextPolling = f.now().Add(time.Millisecond)
		} else {
			f.nextPolling = f.lastPolling.Add(f.pollingInterval)
		}
		f.pollingArmed = true
	}
}

// SetTransportFactory overrides how PowerModuleOn builds its CoAP
// transport, bypassing the modem-backed DTLS/socket construction entirely.
// Intended for test harnesses and a plain-loopback simulator; must be
// called before PowerModuleOn.
func (f *Facade) SetTransportFactory(tf TransportFactory) error {
	if f.peer != nil {
		return ErrAlreadyInitialized
	}
	f.transportFactory = tf
	return nil
}

// SetConnectionStatusHandler installs the connection-status observer.
func (f *Facade) SetConnectionStatusHandler(h ConnectionStatusHandler) { f.connHandler = h }

// SetCommandHandler installs the to-SIM Command observer. When set, inbound
// Commands bypass the queue entirely (spec.md §4.7 "Receive command path").
func (f *Facade) SetCommandHandler(h CommandHandler) { f.cmdHandler = h }

// IsPowered reports whether the CoAP peer has been created.
func (f *Facade) IsPowered() bool { return f.peer != nil }

// Spin drives one tick of every component: the polling timer, the CoAP
// peer's retransmission/de-dup machinery, and (in the full modem-backed
// configuration) the AT engine, socket service and DTLS session. It must be called
// periodically (spec.md §4.7 "spin()"); it is not reentrant except for the
// documented CLI-shell guard this flag also serves (SPEC_FULL.md supplement
// 4): a reentrant call while already inside Spin is a silent no-op, never a
// panic.
func (f *Facade) Spin(ctx context.Context) {
	if f.inCommandExecution {
		return
	}
	f.inCommandExecution = true
	defer func() { f.inCommandExecution = false }()

	if f.at != nil {
		f.at.Spin()
	}
	if f.socketSvc != nil {
		f.socketSvc.HandleWaitingData()
	}
	if f.dtlsSession != nil {
		f.dtlsSession.PeriodicRetransmit()
	}

	if f.pollingArmed && !f.nextPolling.After(f.now()) {
		f.checkForCommands(ctx, false)
	}
	coappeer.TriggerPeriodicRetransmit()
}
