package network

import (
	"testing"
	"time"

	"github.com/twilio/breakout-sdk-go/atengine"
)

// fakePort is a minimal in-memory atengine.Port that never blocks and
// discards writes, enough to drive URC dispatch in isolation (the same
// shape atengine's own tests use for a loopback pipe).
type fakePort struct{}

func (fakePort) Read(p []byte) (int, error)  { return 0, nil }
func (fakePort) Write(p []byte) (int, error) { return len(p), nil }

func TestOnCEREGUnsolicitedShortForm(t *testing.T) {
	at := atengine.New(&fakePort{}, func() time.Time { return time.Unix(0, 0) })
	r := New(at)

	var got EPSState
	r.SetEPSRegistrationHandler(func(s EPSState) { got = s })

	r.onCEREG("+CEREG", "1")
	if got.Stat != EPSHome {
		t.Fatalf("stat = %v, want home", got.Stat)
	}
	if !r.EPSRegistrationStatus().Stat.IsRegistered() {
		t.Fatalf("IsRegistered() = false, want true for Home")
	}
}

func TestOnCEREGReadFormWithLACAndCI(t *testing.T) {
	at := atengine.New(&fakePort{}, nil)
	r := New(at)

	var got EPSState
	r.SetEPSRegistrationHandler(func(s EPSState) { got = s })

	r.onCEREG("+CEREG", `2,5,"1A2B","0012ABCD",7`)
	if got.Stat != EPSRoaming {
		t.Fatalf("stat = %v, want roaming", got.Stat)
	}
	if got.LAC != 0x1A2B {
		t.Fatalf("LAC = %#x, want 0x1a2b", got.LAC)
	}
	if got.CI != 0x0012ABCD {
		t.Fatalf("CI = %#x, want 0x0012abcd", got.CI)
	}
}
