package facade

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/tidwall/gjson"
)

// gnssFixCBOR mirrors network.GNSSFix with the field names getGNSSData's
// optional compact encoding uses on the wire (SPEC_FULL.md Domain Stack:
// "canonical binary encoding for diagnostics/GNSS payloads").
type gnssFixCBOR struct {
	Valid     bool    `cbor:"valid"`
	TimeUTC   string  `cbor:"time_utc"`
	Latitude  float64 `cbor:"lat"`
	Longitude float64 `cbor:"lon"`
}

// GetGNSSDataCBOR canonically CBOR-encodes the most recent GNSS fix, for
// embedders that want to forward it as a Command payload instead of reading
// the decomposed float64 pair GetGNSSData returns. Uses the same canonical
// encode-mode construction the teacher's cbor_codec.go uses for determinism
// across repeated encodes of an otherwise-identical fix.
func (f *Facade) GetGNSSDataCBOR() ([]byte, error) {
	if f.gnss == nil {
		return nil, ErrNoModem
	}
	fix := f.gnss.LastFix()
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("facade: building canonical CBOR encoder: %w", err)
	}
	return mode.Marshal(gnssFixCBOR{
		Valid:     fix.Valid,
		TimeUTC:   fix.TimeUTC,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
	})
}

// summarizeJSONDiagnostic peeks a handful of well-known fields out of a
// JSON payload (the façade passes it the payload of a Heartbeats 2.01
// Created response), without requiring the payload to unmarshal into any
// particular Go struct. Defensive and read-only — the
// same read-without-a-schema use gjson gets in the teacher's
// coap_observe_sync.go (peeking `/sync` token fields off arbitrary Matrix
// JSON). Non-JSON or missing-field input yields an empty string, never an
// error: this is diagnostics, not protocol.
func summarizeJSONDiagnostic(payload []byte) string {
	if !gjson.ValidBytes(payload) {
		return ""
	}
	result := gjson.ParseBytes(payload)
	fields := []string{"purpose", "board", "iccid", "status"}
	var parts []string
	for _, field := range fields {
		if v := result.Get(field); v.Exists() {
			parts = append(parts, fmt.Sprintf("%s=%s", field, v.String()))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	summary := parts[0]
	for _, p := range parts[1:] {
		summary += " " + p
	}
	return summary
}

// logJSONDiagnosticIfPresent logs a one-line field summary when payload is
// valid JSON carrying at least one of the known fields; onHeartbeatCreated
// calls it on each Heartbeats response payload. Any other payload is
// silently ignored.
func (f *Facade) logJSONDiagnosticIfPresent(payload []byte) {
	summary := summarizeJSONDiagnostic(payload)
	if summary == "" {
		return
	}
	f.log("facade: diagnostic payload fields: %s", summary)
}
