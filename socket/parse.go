package socket

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// The u-blox SARA response lines this package parses look like:
//
//	+USOCR: 0
//	+USOWR: 0,5
//	+USORD: 0,5,"68656c6c6f"
//	+USORF: 0,"192.168.1.1",7000,5,"68656c6c6f"
//
// atengine's response body is the verbatim set of non-terminal lines it
// saw, so the "+CODE: " prefix is still attached; stripPrefix removes it
// before splitting the comma-separated fields.

// stripPrefix removes a leading "+CODE:" (with or without the space u-blox
// usually sends) from a response line.
func stripPrefix(resp, code string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, code+": ")
	resp = strings.TrimPrefix(resp, code+":")
	return resp
}

func splitFields(s string) []string {
	var fields []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			depth ^= 1
		case ',':
			if depth == 0 {
				fields = append(fields, s[start:i])
				start = i + 1
			}
		}
	}
	fields = append(fields, s[start:])
	return fields
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}

func parseUSOCR(resp string) (int, error) {
	fields := splitFields(stripPrefix(resp, "+USOCR"))
	if len(fields) < 1 {
		return -1, fmt.Errorf("socket: malformed USOCR response %q", resp)
	}
	id, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return -1, fmt.Errorf("socket: malformed USOCR response %q: %w", resp, err)
	}
	return id, nil
}

func parseUSOWR(resp string) (int, error) {
	fields := splitFields(stripPrefix(resp, "+USOWR"))
	if len(fields) < 2 {
		return 0, fmt.Errorf("socket: malformed USOWR response %q", resp)
	}
	n, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return 0, fmt.Errorf("socket: malformed USOWR response %q: %w", resp, err)
	}
	return n, nil
}

func parseUSORD(resp string) (id int, data []byte, err error) {
	fields := splitFields(stripPrefix(resp, "+USORD"))
	if len(fields) < 3 {
		return 0, nil, fmt.Errorf("socket: malformed USORD response %q", resp)
	}
	id, err = strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return 0, nil, fmt.Errorf("socket: malformed USORD response %q: %w", resp, err)
	}
	data, err = hex.DecodeString(unquote(fields[2]))
	if err != nil {
		return 0, nil, fmt.Errorf("socket: malformed USORD payload %q: %w", resp, err)
	}
	return id, data, nil
}

func parseUSORF(resp string) (remoteIP string, remotePort int, data []byte, err error) {
	fields := splitFields(stripPrefix(resp, "+USORF"))
	if len(fields) < 5 {
		return "", 0, nil, fmt.Errorf("socket: malformed USORF response %q", resp)
	}
	remoteIP = unquote(fields[1])
	remotePort, err = strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return "", 0, nil, fmt.Errorf("socket: malformed USORF response %q: %w", resp, err)
	}
	data, err = hex.DecodeString(unquote(fields[4]))
	if err != nil {
		return "", 0, nil, fmt.Errorf("socket: malformed USORF payload %q: %w", resp, err)
	}
	return remoteIP, remotePort, data, nil
}

// parseTwoInts parses a "<a>,<b>" URC payload, e.g. "0,5" from +UUSORD.
func parseTwoInts(data string) (a, b int, err error) {
	fields := splitFields(strings.TrimSpace(data))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("socket: expected 2 fields, got %d in %q", len(fields), data)
	}
	a, err = strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return 0, 0, err
	}
	b, err = strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
