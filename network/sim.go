// SIM wraps the handful of SIM-card AT commands the façade's power-up
// sequence needs: reading the ICCID that doubles as the DTLS PSK identity
// (spec.md §4.7 step 4).
//
// Grounded on original_source/.../modem/OwlModemSIM.{h,cpp}.
package network

import (
	"fmt"
	"strings"
	"time"

	"github.com/twilio/breakout-sdk-go/atengine"
)

// SIM issues AT+CCID/+CIMI/+CPIN against the AT Engine.
type SIM struct {
	at  *atengine.Engine
	Log Logger
}

// NewSIM creates a SIM driving AT commands through at.
func NewSIM(at *atengine.Engine) *SIM {
	return &SIM{at: at}
}

func (s *SIM) log(format string, v ...interface{}) {
	if s.Log == nil {
		return
	}
	s.Log.Printf(format, v...)
}

// GetICCID issues AT+CCID and filters the "+CCID: " prefix off the response,
// mirroring the original's filterResponse step.
func (s *SIM) GetICCID() (string, error) {
	result, resp, err := s.at.DoCommandBlocking("+CCID", time.Second, nil, 0)
	if err != nil {
		return "", err
	}
	if result != atengine.ResultOK {
		return "", fmt.Errorf("network: +CCID failed: %s", result)
	}
	return filterPrefix(resp, "+CCID:"), nil
}

// GetIMSI issues AT+CIMI.
func (s *SIM) GetIMSI() (string, error) {
	result, resp, err := s.at.DoCommandBlocking("+CIMI", time.Second, nil, 0)
	if err != nil {
		return "", err
	}
	if result != atengine.ResultOK {
		return "", fmt.Errorf("network: +CIMI failed: %s", result)
	}
	return strings.TrimSpace(resp), nil
}

// GetPINStatus issues AT+CPIN? and reports whether the SIM is ready.
func (s *SIM) GetPINStatus() (bool, error) {
	result, resp, err := s.at.DoCommandBlocking("+CPIN?", 10*time.Second, nil, 0)
	if err != nil {
		return false, err
	}
	if result != atengine.ResultOK {
		return false, fmt.Errorf("network: +CPIN? failed: %s", result)
	}
	return strings.Contains(resp, "READY"), nil
}

func filterPrefix(resp, prefix string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, prefix)
	return strings.TrimSpace(resp)
}
