package coapmsg

import (
	"fmt"

	"github.com/twilio/breakout-sdk-go/bytebuf"
)

// Format is the tagged-union discriminant for an option's value, per
// spec.md's REDESIGN FLAGS note: "A CoAP option value is exactly one of
// {empty, opaque, uint, string}. Model it as a sum type with one branch
// per format."
type Format uint8

const (
	FormatEmpty Format = iota
	FormatOpaque
	FormatUint
	FormatString
)

func (f Format) String() string {
	switch f {
	case FormatEmpty:
		return "empty"
	case FormatOpaque:
		return "opaque"
	case FormatUint:
		return "uint"
	case FormatString:
		return "string"
	default:
		return "unknown"
	}
}

// Option is one CoAP option. Exactly one of the value fields is
// meaningful, selected by Format: ValueUint for FormatUint, ValueBytes for
// FormatOpaque, ValueString for FormatString; FormatEmpty carries no
// value. Use the New* constructors rather than building one by hand.
type Option struct {
	Number uint16
	Format Format

	ValueUint   uint64
	ValueBytes  []byte
	ValueString string
}

// NewEmptyOption builds a zero-length option (e.g. If-Match with no ETag).
func NewEmptyOption(number uint16) Option {
	return Option{Number: number, Format: FormatEmpty}
}

// NewOpaqueOption builds an opaque (raw byte string) option.
func NewOpaqueOption(number uint16, value []byte) Option {
	return Option{Number: number, Format: FormatOpaque, ValueBytes: value}
}

// NewUintOption builds an unsigned-integer option, encoded on the wire in
// the minimum number of big-endian bytes.
func NewUintOption(number uint16, value uint64) Option {
	return Option{Number: number, Format: FormatUint, ValueUint: value}
}

// NewStringOption builds a UTF-8 string option.
func NewStringOption(number uint16, value string) Option {
	return Option{Number: number, Format: FormatString, ValueString: value}
}

// Len returns the encoded value's byte length, used for the option header's
// length nibble/extension.
func (o Option) Len() int {
	switch o.Format {
	case FormatEmpty:
		return 0
	case FormatOpaque:
		return len(o.ValueBytes)
	case FormatString:
		return len(o.ValueString)
	case FormatUint:
		return len(bytebuf.PutUintMinBytes(o.ValueUint))
	default:
		return 0
	}
}

func (o Option) String() string {
	switch o.Format {
	case FormatEmpty:
		return fmt.Sprintf("%d(empty)", o.Number)
	case FormatOpaque:
		return fmt.Sprintf("%d(opaque,%dB)", o.Number, len(o.ValueBytes))
	case FormatUint:
		return fmt.Sprintf("%d(uint,%d)", o.Number, o.ValueUint)
	case FormatString:
		return fmt.Sprintf("%d(string,%q)", o.Number, o.ValueString)
	default:
		return fmt.Sprintf("%d(?)", o.Number)
	}
}
