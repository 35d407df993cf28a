package coapmsg

// Well-known CoAP option numbers this SDK encodes or decodes
// (RFC 7252 §5.10), plus Observe (RFC 7641), Block1/Block2/Size1/Size2
// (RFC 7959), No-Response (RFC 7967), and two vendor-specific options in the
// 50000 range this SDK's own Heartbeats/host-device exchanges use (spec.md
// §4.3 "Well-known options implemented").
const (
	OptionIfMatch       uint16 = 1
	OptionUriHost       uint16 = 3
	OptionETag          uint16 = 4
	OptionIfNoneMatch   uint16 = 5
	OptionObserve       uint16 = 6
	OptionUriPort       uint16 = 7
	OptionLocationPath  uint16 = 8
	OptionUriPath       uint16 = 11
	OptionContentFormat uint16 = 12
	OptionMaxAge        uint16 = 14
	OptionUriQuery      uint16 = 15
	OptionAccept        uint16 = 17
	OptionLocationQuery uint16 = 20
	OptionBlock2        uint16 = 23
	OptionBlock1        uint16 = 27
	OptionSize2         uint16 = 28
	OptionProxyUri      uint16 = 35
	OptionProxyScheme   uint16 = 39
	OptionSize1         uint16 = 60
	OptionNoResponse    uint16 = 258

	// OptionTwilioQueuedCommandCount carries the number of commands queued
	// server-side for this SIM, returned on a Heartbeats 2.01 Created
	// (spec.md §4.7 "checkForCommands").
	OptionTwilioQueuedCommandCount uint16 = 50001
	// OptionTwilioHostDeviceInformation carries the short host-device
	// description string (spec.md §6 "Host-device option formats").
	OptionTwilioHostDeviceInformation uint16 = 50002
)

const (
	ContentFormatTextPlain uint64 = 0
	ContentFormatOctets    uint64 = 42
	ContentFormatCBOR      uint64 = 60
)

// optionFormats maps a known option number to its wire Format. It is a
// one-way map literal; there is no reverse (format to number) table.
var optionFormats = map[uint16]Format{
	OptionIfMatch:                     FormatOpaque,
	OptionUriHost:                     FormatString,
	OptionETag:                        FormatOpaque,
	OptionIfNoneMatch:                 FormatEmpty,
	OptionObserve:                     FormatUint,
	OptionUriPort:                     FormatUint,
	OptionLocationPath:                FormatString,
	OptionUriPath:                     FormatString,
	OptionContentFormat:               FormatUint,
	OptionMaxAge:                      FormatUint,
	OptionUriQuery:                    FormatString,
	OptionAccept:                      FormatUint,
	OptionLocationQuery:               FormatString,
	OptionBlock2:                      FormatUint,
	OptionBlock1:                      FormatUint,
	OptionSize2:                       FormatUint,
	OptionProxyUri:                    FormatString,
	OptionProxyScheme:                 FormatString,
	OptionSize1:                       FormatUint,
	OptionNoResponse:                  FormatUint,
	OptionTwilioQueuedCommandCount:    FormatUint,
	OptionTwilioHostDeviceInformation: FormatOpaque,
}

// repeatableOptions lists option numbers that may legally appear more than
// once on a single message (RFC 7252 §5.4.5), e.g. multiple Uri-Path
// segments.
var repeatableOptions = map[uint16]bool{
	OptionIfMatch:      true,
	OptionETag:         true,
	OptionLocationPath: true,
	OptionUriPath:      true,
	OptionUriQuery:     true,
	OptionLocationQuery: true,
}

// formatFor returns the known wire format for number, defaulting to opaque
// for unrecognized (application- or experiment-specific) option numbers.
// The codec decodes unrecognized options, critical or elective, as opaque
// values; it does not reject them.
func formatFor(number uint16) Format {
	if f, ok := optionFormats[number]; ok {
		return f
	}
	return FormatOpaque
}

// isRepeatable reports whether number may appear more than once.
func isRepeatable(number uint16) bool {
	return repeatableOptions[number]
}

// SplitUriPath breaks a request path like "/v1/Commands" into the ordered
// Uri-Path option values the codec should emit: ["v1", "Commands"].
func SplitUriPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}

// JoinUriPath is SplitUriPath's inverse, reassembling decoded Uri-Path
// option values into a single "/"-joined path for dispatch.
func JoinUriPath(segments []string) string {
	out := ""
	for _, s := range segments {
		out += "/" + s
	}
	return out
}
