package network

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/breakout-sdk-go/atengine"
)

// Provisioner implements SPEC_FULL.md supplement 3: re-provisioning the MNO
// profile, RATs, and bands only when the requested value differs from what
// the modem already has, and resetting the modem exactly once if anything
// changed. Grounded on original_source/.../modem/OwlModemNetwork.h's
// +UMNOPROF/+URAT/+UBANDMASK getters/setters.
type Provisioner struct {
	at  *atengine.Engine
	Log Logger
}

// NewProvisioner creates a Provisioner driving AT commands through at.
func NewProvisioner(at *atengine.Engine) *Provisioner {
	return &Provisioner{at: at}
}

func (p *Provisioner) log(format string, v ...interface{}) {
	if p.Log == nil {
		return
	}
	p.Log.Printf(format, v...)
}

// Plan is the set of provisioning targets the façade's power-up sequence
// may request (spec.md §4.7 step 2). A zero value field means "leave as
// is" for that setting.
type Plan struct {
	MNOProfile int    // 0 means "don't change"
	RAT        string // empty means "don't change"
	Bands      string // empty means "don't change"
}

// Apply reads the modem's current profile/RAT/bands and issues only the
// setters whose requested value differs, then resets the modem (AT+CFUN=1,1)
// iff at least one setting changed. Returns whether a reset was issued.
func (p *Provisioner) Apply(plan Plan) (reset bool, err error) {
	changed := false

	if plan.MNOProfile != 0 {
		cur, err := p.getMNOProfile()
		if err != nil {
			return false, fmt.Errorf("network: reading MNO profile: %w", err)
		}
		if cur != plan.MNOProfile {
			if err := p.setMNOProfile(plan.MNOProfile); err != nil {
				return false, fmt.Errorf("network: setting MNO profile: %w", err)
			}
			changed = true
		}
	}

	if plan.RAT != "" {
		cur, err := p.getRAT()
		if err != nil {
			return false, fmt.Errorf("network: reading RAT: %w", err)
		}
		if cur != plan.RAT {
			if err := p.setRAT(plan.RAT); err != nil {
				return false, fmt.Errorf("network: setting RAT: %w", err)
			}
			changed = true
		}
	}

	if plan.Bands != "" {
		cur, err := p.getBands()
		if err != nil {
			return false, fmt.Errorf("network: reading bands: %w", err)
		}
		if cur != plan.Bands {
			if err := p.setBands(plan.Bands); err != nil {
				return false, fmt.Errorf("network: setting bands: %w", err)
			}
			changed = true
		}
	}

	if !changed {
		return false, nil
	}
	if _, _, err := p.at.DoCommandBlocking("+CFUN=1,1", 3*time.Second, nil, 0); err != nil {
		return false, fmt.Errorf("network: resetting modem after provisioning change: %w", err)
	}
	return true, nil
}

func (p *Provisioner) getMNOProfile() (int, error) {
	result, resp, err := p.at.DoCommandBlocking("+UMNOPROF?", 5*time.Second, nil, 0)
	if err != nil {
		return 0, err
	}
	if result != atengine.ResultOK {
		return 0, fmt.Errorf("network: +UMNOPROF? failed: %s", result)
	}
	return strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(resp, "+UMNOPROF:")))
}

func (p *Provisioner) setMNOProfile(profile int) error {
	_, _, err := p.at.DoCommandBlocking(fmt.Sprintf("+UMNOPROF=%d", profile), 5*time.Second, nil, 0)
	return err
}

func (p *Provisioner) getRAT() (string, error) {
	result, resp, err := p.at.DoCommandBlocking("+URAT?", 5*time.Second, nil, 0)
	if err != nil {
		return "", err
	}
	if result != atengine.ResultOK {
		return "", fmt.Errorf("network: +URAT? failed: %s", result)
	}
	return strings.TrimSpace(strings.TrimPrefix(resp, "+URAT:")), nil
}

func (p *Provisioner) setRAT(rat string) error {
	_, _, err := p.at.DoCommandBlocking(fmt.Sprintf("+URAT=%s", rat), 5*time.Second, nil, 0)
	return err
}

func (p *Provisioner) getBands() (string, error) {
	result, resp, err := p.at.DoCommandBlocking("+UBANDMASK?", 5*time.Second, nil, 0)
	if err != nil {
		return "", err
	}
	if result != atengine.ResultOK {
		return "", fmt.Errorf("network: +UBANDMASK? failed: %s", result)
	}
	return strings.TrimSpace(strings.TrimPrefix(resp, "+UBANDMASK:")), nil
}

func (p *Provisioner) setBands(bands string) error {
	_, _, err := p.at.DoCommandBlocking(fmt.Sprintf("+UBANDMASK=%s", bands), 5*time.Second, nil, 0)
	return err
}
