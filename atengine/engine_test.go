package atengine

import (
	"testing"
	"time"

	"github.com/twilio/breakout-sdk-go/serial"
)

func newTestEngine(t *testing.T) (*Engine, *serial.Pipe) {
	t.Helper()
	pipe := serial.NewPipe()
	fixedNow := time.Unix(0, 0)
	e := New(pipe, func() time.Time { return fixedNow })
	return e, pipe
}

func TestStartCommandBusyFromNonIdle(t *testing.T) {
	e, pipe := newTestEngine(t)
	if err := e.StartCommand("+CREG?", time.Second, nil, 0, nil); err != nil {
		t.Fatalf("first StartCommand: %v", err)
	}
	pipe.ResetWritten()
	before := append([]byte(nil), pipe.Written()...)

	if err := e.StartCommand("+CSQ", time.Second, nil, 0, nil); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if len(pipe.Written()) != len(before) {
		t.Fatalf("StartCommand while busy must not write to the port")
	}
}

func TestURCDispatchAndResponseBody(t *testing.T) {
	e, pipe := newTestEngine(t)
	var gotCode, gotData string
	var dispatches int
	if err := e.RegisterURCHandler("cpin", "+CPIN", func(code, data string) {
		gotCode, gotData = code, data
		dispatches++
	}); err != nil {
		t.Fatalf("RegisterURCHandler: %v", err)
	}

	if err := e.StartCommand("+CPIN?", time.Second, nil, 0, nil); err != nil {
		t.Fatalf("StartCommand: %v", err)
	}

	pipe.Feed([]byte("\r\nLINE0\r\n\r\n+CPIN: READY\r\n\r\nOK\r\n"))
	e.Spin()

	if dispatches != 1 {
		t.Fatalf("expected exactly one URC dispatch, got %d", dispatches)
	}
	if gotCode != "+CPIN" || gotData != "READY" {
		t.Fatalf("unexpected URC dispatch: code=%q data=%q", gotCode, gotData)
	}
	if e.State() != ResponseReady {
		t.Fatalf("expected ResponseReady, got %s", e.State())
	}
	result, resp := e.GetLastCommandResponse()
	if result != ResultOK {
		t.Fatalf("expected ResultOK, got %s", result)
	}
	if resp != "LINE0" {
		t.Fatalf("expected response body %q, got %q", "LINE0", resp)
	}
	if e.State() != Idle {
		t.Fatalf("GetLastCommandResponse must move ResponseReady -> Idle")
	}
}

func TestLeadingEmptyLineDiscarded(t *testing.T) {
	e, pipe := newTestEngine(t)
	if err := e.StartCommand("+CGMI", time.Second, nil, 0, nil); err != nil {
		t.Fatalf("StartCommand: %v", err)
	}
	cases := [][]byte{
		[]byte("\r\nu-blox\r\nOK\r\n"),
		[]byte("\nu-blox\r\nOK\r\n"),
		[]byte("\r\r\nu-blox\r\nOK\r\n"),
	}
	for i, data := range cases {
		e2, p2 := newTestEngine(t)
		if err := e2.StartCommand("+CGMI", time.Second, nil, 0, nil); err != nil {
			t.Fatalf("case %d: StartCommand: %v", i, err)
		}
		p2.Feed(data)
		e2.Spin()
		_, resp := e2.GetLastCommandResponse()
		if resp != "u-blox" {
			t.Fatalf("case %d: expected body %q, got %q", i, "u-blox", resp)
		}
	}
	_ = pipe
}

func TestCMEErrorBecomesErrorResultWithTextBody(t *testing.T) {
	e, pipe := newTestEngine(t)
	if err := e.StartCommand("+CPIN?", time.Second, nil, 0, nil); err != nil {
		t.Fatalf("StartCommand: %v", err)
	}
	pipe.Feed([]byte("+CME ERROR: SIM not inserted\r\n"))
	e.Spin()
	result, resp := e.GetLastCommandResponse()
	if result != ResultError {
		t.Fatalf("expected ResultError, got %s", result)
	}
	if resp != "SIM not inserted" {
		t.Fatalf("expected body %q, got %q", "SIM not inserted", resp)
	}
}

func TestDataPromptAndSendData(t *testing.T) {
	e, pipe := newTestEngine(t)
	payload := []byte("hello")
	if err := e.StartCommand("+USOWR=0,5", time.Second, payload, noTerminator, nil); err != nil {
		t.Fatalf("StartCommand: %v", err)
	}
	if e.State() != WaitPrompt {
		t.Fatalf("expected WaitPrompt, got %s", e.State())
	}
	pipe.Feed([]byte(">"))
	e.Spin()
	if got := pipe.Written(); string(got[len(got)-len(payload):]) != string(payload) {
		t.Fatalf("expected payload %q to be written after prompt, got %q", payload, got)
	}
	pipe.Feed([]byte("OK\r\n"))
	e.Spin()
	result, _ := e.GetLastCommandResponse()
	if result != ResultOK {
		t.Fatalf("expected ResultOK after data send, got %s", result)
	}
}

func TestTimeout(t *testing.T) {
	pipe := serial.NewPipe()
	now := time.Unix(0, 0)
	e := New(pipe, func() time.Time { return now })
	if err := e.StartCommand("+CREG?", 100*time.Millisecond, nil, 0, nil); err != nil {
		t.Fatalf("StartCommand: %v", err)
	}
	now = now.Add(200 * time.Millisecond)
	e.Spin()
	if e.State() != Idle {
		t.Fatalf("expected Idle after timeout, got %s", e.State())
	}
	if e.lastCode != ResultTimeout {
		t.Fatalf("expected ResultTimeout, got %s", e.lastCode)
	}
}
