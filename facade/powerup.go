package facade

import (
	"context"
	"fmt"
	"time"

	"github.com/twilio/breakout-sdk-go/atengine"
	"github.com/twilio/breakout-sdk-go/coappeer"
	"github.com/twilio/breakout-sdk-go/dtlssession"
	"github.com/twilio/breakout-sdk-go/network"
	"github.com/twilio/breakout-sdk-go/serial"
	"github.com/twilio/breakout-sdk-go/socket"
)

// Default CoAP server ports (spec.md §6): plaintext 5683, DTLS 5684.
const (
	DefaultPlainPort = 5683
	DefaultDTLSPort  = 5684
)

// PowerUpOptions configures PowerModuleOn's modem bring-up sequence
// (spec.md §4.7 "Power-up sequence").
type PowerUpOptions struct {
	// ServerIP is the CoAP server's IPv4 literal (spec.md §6: "Server host
	// is provisioned at compile time as an IPv4 literal" — here it is a
	// runtime option instead, since this SDK is a library, not a single
	// firmware image).
	ServerIP string
	// ServerPort overrides the default port for the selected transport. 0
	// selects DefaultDTLSPort or DefaultPlainPort depending on UseDTLS.
	ServerPort int
	// UseDTLS selects DTLS over plaintext CoAP. Its zero value (false)
	// selects plaintext.
	UseDTLS bool
	// Provision is applied before network attach (step 2).
	Provision network.Plan
	// OperatorMode, if nonzero, forces AT+COPS during attach.
	OperatorMode   int
	OperatorFormat int
	Operator       string
	// SkipRegistrationWait bypasses blocking for EPS registration,
	// spec.md §4.7 step 3's "subject to a testing-bypass bit". Intended for
	// test harnesses driving a simulated modem.
	SkipRegistrationWait bool
	// RegistrationWaitTimeout bounds how long step 3 busy-waits for Home or
	// Roaming before giving up. Zero means no bound (wait indefinitely).
	RegistrationWaitTimeout time.Duration
}

// PowerModuleOn runs the power-up sequence (spec.md §4.7): bring up the AT
// terminal, optionally re-provision the modem, attach to the network, read
// the ICCID, and establish the CoAP transport. It busy-waits via
// spin+delay(50ms) exactly as spec.md §5 prescribes for suspension points,
// never blocking on OS-level synchronization primitives.
func (f *Facade) PowerModuleOn(ctx context.Context, port serial.Port, opts PowerUpOptions) error {
	if f.peer != nil {
		return ErrAlreadyInitialized
	}

	f.port = port
	f.at = atengine.New(port, f.now)
	if f.Log != nil {
		f.at.Log = f.Log
	}
	if err := f.initATTerminal(); err != nil {
		return fmt.Errorf("facade: AT terminal init: %w", err)
	}

	f.registration = network.New(f.at)
	f.registration.SetEPSRegistrationHandler(f.onEPSRegistrationChanged)
	f.provisioner = network.NewProvisioner(f.at)
	f.sim = network.NewSIM(f.at)
	f.socketSvc = socket.New(f.at, socket.ModelDefault)
	f.gnss = network.NewGNSSReceiver(f.at)
	if f.Log != nil {
		f.registration.Log = f.Log
		f.provisioner.Log = f.Log
		f.sim.Log = f.Log
		f.socketSvc.Log = f.Log
		f.gnss.Log = f.Log
	}

	if reset, err := f.provisioner.Apply(opts.Provision); err != nil {
		return fmt.Errorf("facade: provisioning: %w", err)
	} else if reset {
		f.log("facade: modem re-provisioned, reset issued")
	}

	if err := f.registration.EnableEPSURC(); err != nil {
		return fmt.Errorf("facade: enabling EPS registration URC: %w", err)
	}
	if opts.OperatorMode != 0 {
		if err := f.registration.SetOperatorSelection(opts.OperatorMode, opts.OperatorFormat, opts.Operator); err != nil {
			return fmt.Errorf("facade: forcing operator selection: %w", err)
		}
	}
	if !opts.SkipRegistrationWait {
		if err := f.waitForRegistration(opts.RegistrationWaitTimeout); err != nil {
			return err
		}
	}

	iccid, err := f.sim.GetICCID()
	if err != nil {
		return fmt.Errorf("facade: reading ICCID: %w", err)
	}
	f.iccid = iccid
	f.uriQuery = "Sim=" + iccid

	f.useDTLS = opts.UseDTLS
	f.serverIP = opts.ServerIP
	f.serverPort = opts.ServerPort
	if f.serverPort == 0 {
		if f.useDTLS {
			f.serverPort = DefaultDTLSPort
		} else {
			f.serverPort = DefaultPlainPort
		}
	}

	return f.initCoAPPeerWithRetry(ctx)
}

// initATTerminal issues the AT setup commands every power-up needs (spec.md
// §6 "Downward (to modem)"): verbose result codes, verbose CME errors,
// command echo off, quiet mode off, HEX socket data mode, and the GSM
// character set.
func (f *Facade) initATTerminal() error {
	for _, cmd := range []string{"V1", "E0", "Q0", "+CMEE=2", `+CSCS="GSM"`, "+UDCONF=1,1"} {
		if _, _, err := f.at.DoCommandBlocking(cmd, 5*time.Second, nil, 0); err != nil {
			return fmt.Errorf("AT%s: %w", cmd, err)
		}
	}
	return nil
}

// waitForRegistration busy-waits (spin+delay(50ms), spec.md §5) for the EPS
// registration state to reach Home or Roaming, or for timeout (0 means
// unbounded) to elapse.
func (f *Facade) waitForRegistration(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = f.now().Add(timeout)
	}
	for {
		f.at.Spin()
		state := f.registration.EPSRegistrationStatus()
		if state.Stat.IsRegistered() {
			f.epsRegistered = true
			return nil
		}
		if state.Stat == network.EPSDenied {
			return fmt.Errorf("facade: network registration denied")
		}
		if !deadline.IsZero() && !f.now().Before(deadline) {
			return fmt.Errorf("facade: timed out waiting for network registration")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// initCoAPPeerWithRetry creates the CoAP peer (if not already created) and
// retries Reinitialize up to InitConnectionRetries times, each bounded by
// InitConnectionTimeout, per spec.md §4.7 step 5.
func (f *Facade) initCoAPPeerWithRetry(ctx context.Context) error {
	if f.peer == nil {
		if err := f.buildPeer(ctx); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= InitConnectionRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, InitConnectionTimeout)
		lastErr = f.reinitializeTransport(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		f.log("facade: CoAP transport init attempt %d/%d failed: %v", attempt+1, InitConnectionRetries+1, lastErr)
	}
	return fmt.Errorf("facade: CoAP transport init failed after %d attempts: %w", InitConnectionRetries+1, lastErr)
}

// buildPeer constructs the transport (DTLS or plaintext socket, or
// f.transportFactory when one is set) and the CoAP Peer atop it, wiring its
// observers to the façade (spec.md §4.5.4).
func (f *Facade) buildPeer(ctx context.Context) error {
	var transport coappeer.Transport

	if f.transportFactory != nil {
		t, err := f.transportFactory(ctx)
		if err != nil {
			return fmt.Errorf("facade: building transport: %w", err)
		}
		transport = t
	} else if f.useDTLS {
		remoteIP, err := dtlssession.ParseIP(f.serverIP)
		if err != nil {
			return fmt.Errorf("facade: parsing server IP: %w", err)
		}
		session, err := dtlssession.New(remoteIP, f.serverPort, 0, []byte(f.iccid), f.pskKey, f.now)
		if err != nil {
			return fmt.Errorf("facade: creating DTLS session: %w", err)
		}
		if f.Log != nil {
			session.Log = f.Log
		}
		f.dtlsSession = session
		dt := newDTLSTransport(session)
		transport = dt
		session.SetEventHandler(func(level dtlssession.AlertLevel, description string) {
			if f.peer != nil {
				f.peer.OnDTLSEvent(coappeer.AlertLevel(level), description)
			}
			if level == dtlssession.AlertLevelFatal {
				f.setCoAPReady(false)
			}
		})
	} else {
		st := newSocketTransport(f.socketSvc, f.serverIP, f.serverPort, 0)
		transport = st
	}

	peer, err := coappeer.New(transport, f.now)
	if err != nil {
		return fmt.Errorf("facade: creating CoAP peer: %w", err)
	}
	f.peer = peer
	if f.Log != nil {
		peer.Log = f.Log
	}
	peer.SetRequestHandler(f.onCoAPRequest)

	// onData wiring needs f.peer, which only exists after coappeer.New
	// returns, so it's finished here rather than inside the branches above.
	// A transport built by f.transportFactory is responsible for its own
	// data delivery (typically by calling f.peer.Receive directly, or by
	// some other means the test harness controls) and is left alone.
	switch t := transport.(type) {
	case *dtlsTransport:
		t.onData = func(data []byte) {
			if err := f.peer.Receive(data); err != nil {
				f.log("facade: decoding received CoAP datagram: %v", err)
			}
		}
	case *socketTransport:
		t.onData = func(data []byte) {
			if err := f.peer.Receive(data); err != nil {
				f.log("facade: decoding received CoAP datagram: %v", err)
			}
		}
	}
	return nil
}

// reinitializeTransport re-establishes the CoAP transport (spec.md §4.5
// "reinitialize"), updating derived connection status on success or
// failure.
func (f *Facade) reinitializeTransport(ctx context.Context) error {
	if f.peer == nil {
		return ErrNoModem
	}
	if err := f.peer.Reinitialize(ctx); err != nil {
		f.setCoAPReady(false)
		return err
	}
	f.setCoAPReady(f.peer.TransportIsReady())
	return nil
}

// ReinitializeTransport is the public surface for spec.md §6's
// reinitializeTransport operation: forces a fresh handshake/reconnect
// attempt outside of the automatic retry paths in checkForCommands.
func (f *Facade) ReinitializeTransport(ctx context.Context) error {
	return f.reinitializeTransport(ctx)
}

// PowerModuleOff tears down the DTLS session (if any) and the CoAP peer,
// returning the façade to its pre-PowerModuleOn state so PowerModuleOn can
// be called again.
func (f *Facade) PowerModuleOff() error {
	if f.peer != nil {
		f.peer.Close()
		f.peer = nil
	}
	if f.dtlsSession != nil {
		err := f.dtlsSession.Close()
		f.dtlsSession = nil
		f.coapReady = false
		return err
	}
	f.coapReady = false
	return nil
}
