package coapmsg

import (
	"errors"
	"sort"

	"github.com/twilio/breakout-sdk-go/bytebuf"
)

// Errors returned by Decode on structural violations (spec.md §4.3
// "Decoder policy": any structural error means the caller must drop the
// datagram, never panic or partially apply it).
var (
	ErrShortHeader      = errors.New("coapmsg: datagram shorter than 4-byte header")
	ErrShortToken       = errors.New("coapmsg: datagram truncated before token")
	ErrReservedLength   = errors.New("coapmsg: option length nibble 15 is reserved")
	ErrReservedDelta    = errors.New("coapmsg: option delta nibble 15 is reserved")
	ErrShortOption      = errors.New("coapmsg: datagram truncated inside option")
	ErrPayloadMarkerEnd = errors.New("coapmsg: payload marker present with no payload")
)

const payloadMarker = 0xFF

// Encode serializes m to its CoAP wire form. m must already satisfy
// Validate; Encode itself re-validates and returns the same error rather
// than producing malformed bytes (spec.md §8: "encode rejects: version≠1;
// type>3; token-length>8; code class>7 or detail>31; empty-code messages
// with non-empty token/options/payload").
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	c := bytebuf.NewEncodeCursor(16 + len(m.Payload))

	header := byte(m.Version&0x3)<<6 | byte(m.Type&0x3)<<4 | byte(m.TokenLength&0xf)
	c.WriteByte(header)
	c.WriteByte(byte(m.Code))
	c.WriteByte(byte(m.MessageID >> 8))
	c.WriteByte(byte(m.MessageID))

	if m.TokenLength > 0 {
		tokenBytes := encodeToken(m.Token, m.TokenLength)
		c.Write(tokenBytes)
	}

	sorted := make([]Option, len(m.Options))
	copy(sorted, m.Options)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var prevNumber uint16
	for _, opt := range sorted {
		if err := encodeOption(c, opt, prevNumber); err != nil {
			return nil, err
		}
		prevNumber = opt.Number
	}

	if len(m.Payload) > 0 {
		c.WriteByte(payloadMarker)
		c.Write(m.Payload)
	}

	return c.Bytes(), nil
}

// encodeToken packs v into the low n significant bytes, big-endian.
func encodeToken(v uint64, n uint8) []byte {
	buf := make([]byte, n)
	for i := int(n) - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

// encodeOption writes one option's delta/length header (with 13/14
// extension bytes per RFC 7252 §3.1) followed by its value bytes.
func encodeOption(c *bytebuf.Cursor, opt Option, prevNumber uint16) error {
	delta := int(opt.Number) - int(prevNumber)
	if delta < 0 {
		return errors.New("coapmsg: options must be encoded in ascending number order")
	}
	length := opt.Len()

	deltaNibble, deltaExt := splitNibbleExt(delta)
	lengthNibble, lengthExt := splitNibbleExt(length)

	c.WriteByte(byte(deltaNibble)<<4 | byte(lengthNibble))
	writeExt(c, deltaExt)
	writeExt(c, lengthExt)

	switch opt.Format {
	case FormatEmpty:
	case FormatOpaque:
		c.Write(opt.ValueBytes)
	case FormatString:
		c.Write([]byte(opt.ValueString))
	case FormatUint:
		c.Write(bytebuf.PutUintMinBytes(opt.ValueUint))
	}
	return nil
}

// splitNibbleExt implements RFC 7252 §3.1's extended-length encoding: values
// 0-12 are encoded directly in the nibble; 13-268 use nibble 13 plus a
// 1-byte extension of (value-13); 269-65804 use nibble 14 plus a 2-byte
// extension of (value-269). ext is nil when no extension byte is needed.
func splitNibbleExt(v int) (nibble int, ext []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		e := v - 269
		return 14, []byte{byte(e >> 8), byte(e)}
	}
}

func writeExt(c *bytebuf.Cursor, ext []byte) {
	if ext != nil {
		c.Write(ext)
	}
}

// Decode parses buf into a Message, or returns a structural error per
// spec.md's decoder policy. The returned error is always one of the
// sentinels in this file (or from Validate), so callers can log-and-drop
// without inspecting the error's text.
func Decode(buf []byte) (*Message, error) {
	c := bytebuf.NewCursor(buf)

	header, err := c.ReadByte()
	if err != nil {
		return nil, ErrShortHeader
	}
	codeByte, err := c.ReadByte()
	if err != nil {
		return nil, ErrShortHeader
	}
	idHi, err := c.ReadByte()
	if err != nil {
		return nil, ErrShortHeader
	}
	idLo, err := c.ReadByte()
	if err != nil {
		return nil, ErrShortHeader
	}

	m := &Message{
		Version:     header >> 6,
		Type:        Type((header >> 4) & 0x3),
		TokenLength: header & 0xf,
		Code:        Code(codeByte),
		MessageID:   uint16(idHi)<<8 | uint16(idLo),
	}

	if m.TokenLength > 8 {
		return nil, ErrTokenTooLong
	}
	if m.TokenLength > 0 {
		tokenBytes, err := c.ReadBytes(int(m.TokenLength))
		if err != nil {
			return nil, ErrShortToken
		}
		v, _ := bytebuf.ParseUintMinBytes(tokenBytes)
		m.Token = v
	}

	var prevNumber uint16
	for {
		b, ok := c.PeekByte()
		if !ok {
			break
		}
		if b == payloadMarker {
			c.ReadByte()
			if c.Remaining() == 0 {
				return nil, ErrPayloadMarkerEnd
			}
			rest, _ := c.ReadBytes(c.Remaining())
			m.Payload = append([]byte(nil), rest...)
			break
		}

		opt, newPrev, err := decodeOption(c, prevNumber)
		if err != nil {
			return nil, err
		}
		prevNumber = newPrev
		m.Options = append(m.Options, opt)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeOption(c *bytebuf.Cursor, prevNumber uint16) (Option, uint16, error) {
	first, err := c.ReadByte()
	if err != nil {
		return Option{}, 0, ErrShortOption
	}
	deltaNibble := int(first >> 4)
	lengthNibble := int(first & 0xf)

	delta, err := readExt(c, deltaNibble, ErrReservedDelta)
	if err != nil {
		return Option{}, 0, err
	}
	length, err := readExt(c, lengthNibble, ErrReservedLength)
	if err != nil {
		return Option{}, 0, err
	}

	number := prevNumber + uint16(delta)
	value, err := c.ReadBytes(length)
	if err != nil {
		return Option{}, 0, ErrShortOption
	}

	opt := buildOption(number, value)
	return opt, number, nil
}

// readExt resolves a delta/length nibble to its full value, consuming the
// 1- or 2-byte extension from c if the nibble is 13 or 14. Nibble 15 is
// reserved and always an error (spec.md §4.3).
func readExt(c *bytebuf.Cursor, nibble int, reservedErr error) (int, error) {
	switch nibble {
	case 15:
		return 0, reservedErr
	case 14:
		hi, err1 := c.ReadByte()
		lo, err2 := c.ReadByte()
		if err1 != nil || err2 != nil {
			return 0, ErrShortOption
		}
		return 269 + int(hi)<<8 + int(lo), nil
	case 13:
		b, err := c.ReadByte()
		if err != nil {
			return 0, ErrShortOption
		}
		return 13 + int(b), nil
	default:
		return nibble, nil
	}
}

func buildOption(number uint16, value []byte) Option {
	switch formatFor(number) {
	case FormatUint:
		v, _ := bytebuf.ParseUintMinBytes(value)
		return NewUintOption(number, v)
	case FormatString:
		return NewStringOption(number, string(value))
	case FormatEmpty:
		if len(value) == 0 {
			return NewEmptyOption(number)
		}
		return NewOpaqueOption(number, value)
	default:
		return NewOpaqueOption(number, append([]byte(nil), value...))
	}
}
