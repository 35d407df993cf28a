// Package coappeer implements the CoAP Peer (C6): client retransmissions,
// server-side de-duplication, request/response dispatch, message-id/token
// allocation, and pluggable transport (plaintext over the Socket Service or
// DTLS over the DTLS Session).
//
// Grounded on original_source/.../CoAP/CoAPPeer.{h,cpp}. Stdlib only, same
// reasoning as coapmsg: the peer is itself an in-scope core component this
// SDK exists to hand-implement, not a job for a CoAP library.
package coappeer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/twilio/breakout-sdk-go/coapmsg"
)

// RFC 7252 §4.8 defaults (spec.md §4.5.1, §4.5.2).
const (
	NStart          = 5 // bounded client transaction table
	NSync           = 128
	AckTimeout      = 5 * time.Second
	AckRandomFactor = 1.5
	MaxRetransmit   = 3

	ExchangeLifetime = 247 * time.Second
	NonLifetime      = 145 * time.Second
)

var (
	ErrClientTableFull = errors.New("coappeer: client transaction table full")
	ErrTransportNotSet = errors.New("coappeer: no transport configured")
)

// Logger is the logging capability this package needs.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Transport is the pluggable send path a Peer drives (spec.md §4.5
// "Transport selection"): plaintext UDP via the Socket Service, or DTLS via
// the DTLS Session. A Peer never branches on which one it has.
type Transport interface {
	// Send emits one already-encoded CoAP datagram.
	Send(data []byte) error
	// Ready reports whether the transport can currently carry traffic
	// (spec.md §4.5 "transportIsReady").
	Ready() bool
}

// Reinitializer is an optional capability a Transport may implement to
// support Peer.Reinitialize (spec.md §4.5 "reinitialize": "for DTLS, creates
// a fresh handshake or cycles the engine if it is stuck in a non-connected
// state"). Plaintext transports need not implement it.
type Reinitializer interface {
	Reinitialize(ctx context.Context) error
}

// FollowUp is the action a Peer takes after dispatching an inbound CON
// request to the request handler (spec.md §4.5.3).
type FollowUp int

const (
	FollowUpNone FollowUp = iota
	FollowUpSendACK
	FollowUpSendRST
)

// RequestHandler handles an inbound request (CON or NON carrying a request
// code). resp, when non-nil and followUp == FollowUpSendACK, is piggybacked
// into the ACK (its Code/Options/Payload/Token are copied in).
type RequestHandler func(msg *coapmsg.Message) (resp *coapmsg.Message, followUp FollowUp)

// ResponseHandler observes an inbound response (CON or NON carrying a
// response code), e.g. a Heartbeats 2.01 Created.
type ResponseHandler func(msg *coapmsg.Message)

// StatelessHandler observes every message that reaches past the early
// drop/ping rules, purely for diagnostics (spec.md §4.5.4).
type StatelessHandler func(msg *coapmsg.Message)

// AlertLevel mirrors dtlssession.AlertLevel without creating an import
// dependency on that package; the façade converts between the two when it
// wires a DTLS-backed transport's event handler to a Peer.
type AlertLevel int

const (
	AlertLevelInfo AlertLevel = iota
	AlertLevelWarning
	AlertLevelFatal
)

// DTLSEventHandler observes transport-layer alert/pseudo-events when the
// peer's transport is DTLS-backed.
type DTLSEventHandler func(level AlertLevel, description string)

// Peer is the CoAP request/response/retransmission engine (spec.md §4.5).
// Not safe for concurrent use.
type Peer struct {
	transport Transport
	now       func() time.Time
	rng       *mathrand.Rand
	Log       Logger

	nextMessageID uint16
	nextToken     uint64

	clientTxns []*clientTxn
	serverTxns []*serverTxn // kept sorted ascending by deadline

	statelessHandler StatelessHandler
	requestHandler   RequestHandler
	responseHandler  ResponseHandler
	dtlsEventHandler DTLSEventHandler
}

// registry backs the package-level TriggerPeriodicRetransmit, which spec.md
// §4.5 specifies as "static across all peers": it iterates every live peer.
var registry []*Peer

// New creates a Peer driving data through transport. The message-id and
// token counters are randomized at construction from OS entropy (spec.md
// §5 "Random source"); now defaults to time.Now.
func New(transport Transport, now func() time.Time) (*Peer, error) {
	if now == nil {
		now = time.Now
	}
	seed, err := cryptoSeed()
	if err != nil {
		return nil, fmt.Errorf("coappeer: seeding rng: %w", err)
	}
	rng := mathrand.New(mathrand.NewSource(seed))
	p := &Peer{
		transport:     transport,
		now:           now,
		rng:           rng,
		nextMessageID: uint16(rng.Intn(1 << 16)),
		nextToken:     rng.Uint64(),
	}
	registry = append(registry, p)
	return p, nil
}

func cryptoSeed() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// Close unregisters the peer from the periodic-retransmit registry.
func (p *Peer) Close() {
	for i, q := range registry {
		if q == p {
			registry = append(registry[:i], registry[i+1:]...)
			return
		}
	}
}

func (p *Peer) log(format string, v ...interface{}) {
	if p.Log == nil {
		return
	}
	p.Log.Printf(format, v...)
}

// SetStatelessHandler, SetRequestHandler, SetResponseHandler, and
// SetDTLSEventHandler install the peer's optional observers (spec.md
// §4.5.4). Missing handlers do not fail.
func (p *Peer) SetStatelessHandler(h StatelessHandler) { p.statelessHandler = h }
func (p *Peer) SetRequestHandler(h RequestHandler)     { p.requestHandler = h }
func (p *Peer) SetResponseHandler(h ResponseHandler)   { p.responseHandler = h }
func (p *Peer) SetDTLSEventHandler(h DTLSEventHandler) { p.dtlsEventHandler = h }

// OnDTLSEvent is the adapter façade wiring calls from a DTLS-backed
// transport's event callback.
func (p *Peer) OnDTLSEvent(level AlertLevel, description string) {
	if p.dtlsEventHandler != nil {
		p.dtlsEventHandler(level, description)
	}
}

// NextMessageID allocates the next message id.
func (p *Peer) NextMessageID() uint16 {
	id := p.nextMessageID
	p.nextMessageID++
	return id
}

// GetNextToken allocates the next token and returns the minimum byte-width
// needed to represent it (spec.md §4.5 "getNextToken").
func (p *Peer) GetNextToken() (uint64, int) {
	t := p.nextToken
	p.nextToken++
	return t, tokenWidth(t)
}

func tokenWidth(v uint64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 8
	}
	if n == 0 {
		n = 1
	}
	return n
}

// TransportIsReady reports spec.md §4.5's "transportIsReady()".
func (p *Peer) TransportIsReady() bool {
	return p.transport != nil && p.transport.Ready()
}

// Reinitialize (re-)establishes the transport, delegating to it if it
// implements Reinitializer (spec.md §4.5 "reinitialize()").
func (p *Peer) Reinitialize(ctx context.Context) error {
	if p.transport == nil {
		return ErrTransportNotSet
	}
	if r, ok := p.transport.(Reinitializer); ok {
		return r.Reinitialize(ctx)
	}
	return nil
}

// Receive demultiplexes one inbound datagram per spec.md §4.5.3.
func (p *Peer) Receive(data []byte) error {
	msg, err := coapmsg.Decode(data)
	if err != nil {
		p.log("coappeer: dropping undecodable datagram: %v", err)
		return err
	}

	switch {
	case msg.Type == coapmsg.CON && msg.Code.IsEmpty():
		p.sendEmpty(coapmsg.RST, msg.MessageID)
		return nil
	case msg.Type == coapmsg.NON && msg.Code.IsEmpty():
		return nil
	case msg.Type == coapmsg.ACK && isRequestCode(msg.Code):
		return nil // malformed: an ACK must never carry a request code
	case msg.Type == coapmsg.RST && !msg.Code.IsEmpty():
		return nil
	}

	if p.statelessHandler != nil {
		p.statelessHandler(msg)
	}

	switch msg.Type {
	case coapmsg.CON, coapmsg.NON:
		p.handleServerSide(msg)
	case coapmsg.ACK:
		p.handleClientTerminal(msg.MessageID, EventACK, msg)
	case coapmsg.RST:
		p.handleClientTerminal(msg.MessageID, EventRST, msg)
	}
	return nil
}

func isRequestCode(c coapmsg.Code) bool {
	return c.Class() == 0 && !c.IsEmpty()
}

func (p *Peer) sendEmpty(t coapmsg.Type, messageID uint16) {
	data, err := coapmsg.Encode(coapmsg.NewEmpty(t, messageID))
	if err != nil {
		p.log("coappeer: encoding empty %s: %v", t, err)
		return
	}
	if err := p.transport.Send(data); err != nil {
		p.log("coappeer: sending empty %s: %v", t, err)
	}
}

func (p *Peer) handleServerSide(msg *coapmsg.Message) {
	txn, isDup := p.lookupOrCreateServerTxn(msg)
	if isDup {
		if txn.cached != nil {
			if err := p.transport.Send(txn.cached); err != nil {
				p.log("coappeer: resending cached reply: %v", err)
			}
		}
		return
	}

	var resp *coapmsg.Message
	followUp := FollowUpNone
	if isRequestCode(msg.Code) {
		if p.requestHandler != nil {
			resp, followUp = p.requestHandler(msg)
		} else if msg.Type == coapmsg.CON {
			// "unhandled inbound requests receive an automatic Send RST
			// follow-up" (spec.md §4.5.4).
			followUp = FollowUpSendRST
		}
	} else if p.responseHandler != nil {
		p.responseHandler(msg)
	}

	if msg.Type != coapmsg.CON {
		return
	}
	switch followUp {
	case FollowUpSendACK:
		data := p.buildReply(coapmsg.ACK, msg.MessageID, resp)
		txn.cached = data
		if err := p.transport.Send(data); err != nil {
			p.log("coappeer: sending ACK: %v", err)
		}
	case FollowUpSendRST:
		data := p.buildReply(coapmsg.RST, msg.MessageID, nil)
		txn.cached = data
		if err := p.transport.Send(data); err != nil {
			p.log("coappeer: sending RST: %v", err)
		}
	}
}

func (p *Peer) buildReply(t coapmsg.Type, messageID uint16, resp *coapmsg.Message) []byte {
	m := &coapmsg.Message{Version: 1, Type: t, MessageID: messageID}
	if resp != nil {
		m.Code = resp.Code
		m.Token = resp.Token
		m.TokenLength = resp.TokenLength
		m.Options = resp.Options
		m.Payload = resp.Payload
	}
	data, err := coapmsg.Encode(m)
	if err != nil {
		p.log("coappeer: encoding %s reply, falling back to bare: %v", t, err)
		data, _ = coapmsg.Encode(coapmsg.NewEmpty(t, messageID))
	}
	return data
}

// TriggerPeriodicRetransmit ticks every live peer: it retransmits/expires
// client transactions and drops expired server transactions (spec.md §4.5
// "triggerPeriodicRetransmit (static across all peers)"). It does not poll a
// DTLS session; the façade's Spin does that before calling it.
func TriggerPeriodicRetransmit() {
	for _, p := range registry {
		p.tick()
	}
}
