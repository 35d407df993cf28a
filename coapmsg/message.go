// Package coapmsg implements the CoAP (RFC 7252) message model and wire
// codec (C5): the fixed 4-byte header, token, TLV options, and optional
// payload that every CoAP datagram on this SDK's transport carries.
//
// Grounded on original_source/.../CoAP/{CoAPMessage,CoAPOption}.{h,cpp} for
// the field layout and invariants, and on the teacher's bidirectional
// lookup-table idiom (matrix-org-lb/coap.go's statusCodes/responseCodes
// pair built in init()) for the option number/format table in
// options_table.go.
package coapmsg

import (
	"errors"
	"fmt"
)

// Type is one of the four CoAP message types (RFC 7252 §3).
type Type uint8

const (
	CON Type = 0
	NON Type = 1
	ACK Type = 2
	RST Type = 3
)

func (t Type) String() string {
	switch t {
	case CON:
		return "CON"
	case NON:
		return "NON"
	case ACK:
		return "ACK"
	case RST:
		return "RST"
	default:
		return "unknown"
	}
}

// Code packs a CoAP method/response code as (class: 3 bits, detail: 5
// bits), per RFC 7252 §3 ("c.dd" notation, e.g. 2.05).
type Code uint8

// NewCode builds a Code from its class (0-7) and detail (0-31) parts.
func NewCode(class, detail uint8) Code {
	return Code((class&0x7)<<5 | (detail & 0x1f))
}

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// IsEmpty reports whether this is the distinguished "empty message" code
// (class=0, detail=0). Per spec, class=0 with any other detail is an
// ordinary request code (GET=0.01, POST=0.02, PUT=0.03, DELETE=0.04); only
// the exact (0,0) conjunction is empty.
func (c Code) IsEmpty() bool { return c == 0 }

// Request method codes (RFC 7252 §12.1.1).
const (
	GET    Code = 0<<5 | 1
	POST   Code = 0<<5 | 2
	PUT    Code = 0<<5 | 3
	DELETE Code = 0<<5 | 4
)

// A handful of response codes this SDK actually emits or matches on
// (RFC 7252 §12.1.2).
const (
	Created      Code = 2<<5 | 1
	Deleted      Code = 2<<5 | 2
	Valid        Code = 2<<5 | 3
	Changed      Code = 2<<5 | 4
	Content      Code = 2<<5 | 5
	BadRequest   Code = 4<<5 | 0
	Unauthorized Code = 4<<5 | 1
	NotFound     Code = 4<<5 | 4
	InternalErr  Code = 5<<5 | 0
)

// Errors returned by Message.Validate and the codec.
var (
	ErrBadVersion     = errors.New("coapmsg: version must be 1")
	ErrTokenTooLong   = errors.New("coapmsg: token-length > 8")
	ErrCodeOutOfRange = errors.New("coapmsg: code class/detail out of range")
	ErrEmptyMustBeBare = errors.New("coapmsg: empty message (0.00) must have no token, options, or payload")
)

// Message is a fully decoded CoAP message (spec.md §4.3's "CoAP message"
// type).
type Message struct {
	Version     uint8
	Type        Type
	Code        Code
	MessageID   uint16
	Token       uint64 // interpreted as the low TokenLength significant bytes
	TokenLength uint8  // 0-8
	Options     []Option
	Payload     []byte
}

// Validate enforces the invariants spec.md §4.3 and §8 require of a
// well-formed message: version 1, type in [0,3], token length in [0,8],
// code class/detail in range, and the empty-message conjunction (class=0 &&
// detail=0 implies no token/options/payload).
func (m *Message) Validate() error {
	if m.Version != 1 {
		return ErrBadVersion
	}
	if m.Type > RST {
		return errors.New("coapmsg: type must be 0-3")
	}
	if m.TokenLength > 8 {
		return ErrTokenTooLong
	}
	if m.Code.Class() > 7 || m.Code.Detail() > 31 {
		return ErrCodeOutOfRange
	}
	if m.Code.IsEmpty() {
		if m.TokenLength != 0 || len(m.Options) != 0 || len(m.Payload) != 0 {
			return ErrEmptyMustBeBare
		}
	}
	return nil
}

// NewEmpty builds a bare empty message (ACK or RST with no content), the
// form used to acknowledge or reject a datagram without a full response.
func NewEmpty(t Type, messageID uint16) *Message {
	return &Message{Version: 1, Type: t, Code: 0, MessageID: messageID}
}
