package facade

import (
	"github.com/twilio/breakout-sdk-go/network"
)

// GetConnectionStatus derives the connection status from the last-known EPS
// registration state and CoAP transport readiness (spec.md §4.7 table):
//
//	(Home|Roaming, ready)    -> RegisteredAndConnected
//	(Home|Roaming, !ready)   -> RegisteredNotConnected
//	RegistrationDenied       -> NetworkRegistrationDenied
//	anything else            -> Offline
func (f *Facade) GetConnectionStatus() ConnectionStatus {
	switch {
	case f.epsRegistered && f.coapReady:
		return StatusRegisteredAndConnected
	case f.epsRegistered:
		return StatusRegisteredNotConnected
	case f.epsDenied:
		return StatusNetworkRegistrationDenied
	default:
		return StatusOffline
	}
}

// notifyConnectionStatus unconditionally fires the installed handler with
// the current derived status; callers gate on "did the status change" (the
// original's handler_EPSRegistrationStatusChange does the same: the
// prev-vs-curr check lives at each mutation site, not inside a generic
// always-notify function), mirroring the transition-detection idiom
// coap_observe.go uses for CoAP Observe notifications.
func (f *Facade) notifyConnectionStatus() {
	if f.connHandler != nil {
		f.connHandler(f.GetConnectionStatus())
	}
}

// onEPSRegistrationChanged is wired to network.Registration's handler at
// power-up time. It updates the cached registration flags and only notifies
// the connection-status handler when the derived status would actually
// change.
func (f *Facade) onEPSRegistrationChanged(state network.EPSState) {
	before := f.GetConnectionStatus()

	f.epsRegistered = state.Stat.IsRegistered()
	f.epsDenied = state.Stat == network.EPSDenied

	if after := f.GetConnectionStatus(); after != before {
		f.log("facade: connection status %s -> %s", before, after)
		f.notifyConnectionStatus()
	}
}

// setCoAPReady updates transport readiness, notifying only on change. Called
// from reinitializeTransport (which initCoAPPeerWithRetry uses) after each
// attempt, and from the DTLS event handler when a fatal alert tears the
// session down.
func (f *Facade) setCoAPReady(ready bool) {
	before := f.GetConnectionStatus()
	f.coapReady = ready
	if ready {
		f.lastCoAPConnected = f.now()
	}
	if after := f.GetConnectionStatus(); after != before {
		f.log("facade: connection status %s -> %s", before, after)
		f.notifyConnectionStatus()
	}
}
