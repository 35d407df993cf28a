// Package socket is a typed wrapper over the modem's AT socket commands
// (USOCR/USOCO/USOWR/USORD/USORF/USOLI/USOCL), C3 in the device SDK core.
// It tracks per-socket outstanding-byte counters driven by the +UUSORD and
// +UUSORF URCs and drains them in ascending socket-id order.
//
// Grounded on original_source/.../modem/OwlModemSocket.{h,cpp}.
package socket

import (
	"errors"
	"fmt"
)

// MaxSockets is the modem's hard limit on simultaneous sockets (spec.md §3).
const MaxSockets = 7

// MaxDatagramSize is the wire-level UDP payload cap after enabling
// +UDCONF=1,1 hex socket data mode (spec.md §4.2).
const MaxDatagramSize = 512

// Protocol identifies a socket's transport.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

// ErrorCode enumerates the at_uso_error_e classes surfaced by +USOCTL=<n>,1
// (supplemented per SPEC_FULL.md from
// original_source/.../modem/OwlModemSocket.h's socket_error_code_e).
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorOutOfMemory
	ErrorDNSFailure
	ErrorPrevManualDisconnect
	ErrorConnectionRefused
	ErrorConnectionTimeout
	ErrorWrongProtocol
	ErrorUnknown
)

// Model selects modem-firmware-specific quirks without version sniffing
// (spec.md §9: "the selection mechanism is not prescribed" — this SDK uses
// an explicit enum per spec.md's own steer).
type Model int

const (
	// ModelDefault behaves per the general ublox SARA command set.
	ModelDefault Model = iota
	// ModelRejectsUSOLIOnFreshUDP selects the variant that rejects +USOLI
	// on freshly-opened UDP sockets (spec.md §4.2 "Model-specific quirks").
	ModelRejectsUSOLIOnFreshUDP
)

var (
	ErrNoFreeSocket  = errors.New("socket: no free socket descriptor")
	ErrInvalidSocket = errors.New("socket: invalid socket id")
	ErrNotOpen       = errors.New("socket: not open")
	ErrNotConnected  = errors.New("socket: not connected")
	ErrInvalidArg    = errors.New("socket: invalid argument")
	ErrSendOnUnconn  = errors.New("socket: send on unconnected UDP socket, use SendTo")
)

// ClosedHandler is invoked when a TCP socket is closed by the peer or the
// modem.
type ClosedHandler func(id int)

// UDPDataHandler delivers a UDP datagram once drained.
type UDPDataHandler func(id int, remoteIP string, remotePort int, data []byte)

// TCPDataHandler delivers TCP stream data once drained.
type TCPDataHandler func(id int, data []byte)

// TCPAcceptHandler delivers a newly accepted TCP connection.
type TCPAcceptHandler func(newID int, remoteIP string, remotePort int, listeningID int)

// descriptor is the per-socket state (spec.md §3 "Socket descriptor").
type descriptor struct {
	open      bool
	connected bool
	protocol  Protocol

	outstandingReceive     int
	outstandingReceiveFrom int

	lastError ErrorCode

	onUDPData UDPDataHandler
	onTCPData TCPDataHandler
	onAccept  TCPAcceptHandler
	onClosed  ClosedHandler
}

// invariant checks descriptor's "protocol=none iff open flag false"
// invariant (spec.md §3), returning a descriptive error if violated.
func (d *descriptor) invariant() error {
	if d.open == (d.protocol == ProtocolNone) {
		return fmt.Errorf("socket: invariant violated: open=%v protocol=%v", d.open, d.protocol)
	}
	return nil
}
