package socket

import (
	"strings"
	"testing"
	"time"

	"github.com/twilio/breakout-sdk-go/atengine"
	"github.com/twilio/breakout-sdk-go/serial"
)

// newTestService builds a Service over a fixed-clock engine and an
// in-memory serial.Pipe. Every DoCommandBlocking call in this package polls
// spin()+sleep(50ms) on the calling goroutine, so tests must pre-feed the
// modem's reply before invoking a Service method rather than racing a
// second goroutine against the (intentionally not concurrency-safe)
// atengine.Engine.
func newTestService(t *testing.T) (*Service, *serial.Pipe) {
	t.Helper()
	pipe := serial.NewPipe()
	now := time.Unix(0, 0)
	at := atengine.New(pipe, func() time.Time { return now })
	s := New(at, ModelDefault)
	return s, pipe
}

func TestOpenParsesAssignedSocketID(t *testing.T) {
	s, pipe := newTestService(t)
	pipe.Feed([]byte("\r\n+USOCR: 3\r\n\r\nOK\r\n\r\nOK\r\n"))

	id, err := s.Open(ProtocolUDP, 7000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if id != 3 {
		t.Fatalf("expected socket id 3, got %d", id)
	}
	if !s.sockets[3].open {
		t.Fatalf("expected descriptor 3 to be marked open")
	}

	written := string(pipe.Written())
	if !strings.Contains(written, "+USOCR=17,7000\r\n") {
		t.Fatalf("expected USOCR in written bytes, got %q", written)
	}
	if !strings.Contains(written, "+USOLI=3,7000\r\n") {
		t.Fatalf("expected USOLI in written bytes, got %q", written)
	}
}

func TestOpenNoFreeSocket(t *testing.T) {
	s, _ := newTestService(t)
	for i := range s.sockets {
		s.sockets[i].open = true
		s.sockets[i].protocol = ProtocolTCP
	}
	if _, err := s.Open(ProtocolTCP, 0); err != ErrNoFreeSocket {
		t.Fatalf("expected ErrNoFreeSocket, got %v", err)
	}
}

func TestSendOnUnconnectedUDPRejected(t *testing.T) {
	s, _ := newTestService(t)
	s.sockets[0] = descriptor{open: true, protocol: ProtocolUDP}
	if _, err := s.SendUDP(0, []byte("hi")); err != ErrSendOnUnconn {
		t.Fatalf("expected ErrSendOnUnconn, got %v", err)
	}
}

func TestSendOversizeRejected(t *testing.T) {
	s, _ := newTestService(t)
	s.sockets[0] = descriptor{open: true, protocol: ProtocolTCP}
	if _, err := s.SendTCP(0, make([]byte, MaxDatagramSize+1)); err != ErrInvalidArg {
		t.Fatalf("expected ErrInvalidArg, got %v", err)
	}
}

func TestSendUDPEncodesHexPayload(t *testing.T) {
	s, pipe := newTestService(t)
	s.sockets[0] = descriptor{open: true, connected: true, protocol: ProtocolUDP}
	pipe.Feed([]byte("\r\n+USOWR: 0,5\r\n\r\nOK\r\n"))

	n, err := s.SendUDP(0, []byte("hello"))
	if err != nil {
		t.Fatalf("SendUDP: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes sent, got %d", n)
	}
	written := string(pipe.Written())
	if !strings.Contains(written, `+USOWR=0,5,"68656c6c6f"`) {
		t.Fatalf("expected hex-encoded payload in %q", written)
	}
}

func TestUUSORDURCAccumulatesOutstandingCount(t *testing.T) {
	s, pipe := newTestService(t)
	at := atengineOf(t, s)
	s.sockets[2] = descriptor{open: true, connected: true, protocol: ProtocolTCP}

	pipe.Feed([]byte("\r\n+UUSORD: 2,5\r\n"))
	at.Spin()
	if s.sockets[2].outstandingReceive != 5 {
		t.Fatalf("expected outstandingReceive=5, got %d", s.sockets[2].outstandingReceive)
	}

	// A second, smaller URC should not regress the counter below the
	// already-known queued length.
	pipe.Feed([]byte("\r\n+UUSORD: 2,3\r\n"))
	at.Spin()
	if s.sockets[2].outstandingReceive != 5 {
		t.Fatalf("expected outstandingReceive to stay at 5, got %d", s.sockets[2].outstandingReceive)
	}
}

func TestHandleWaitingDataDrainsTCPSocket(t *testing.T) {
	s, pipe := newTestService(t)
	s.sockets[1] = descriptor{open: true, connected: true, protocol: ProtocolTCP}
	s.sockets[1].outstandingReceive = 5

	var got []byte
	s.sockets[1].onTCPData = func(id int, data []byte) { got = data }

	pipe.Feed([]byte("\r\n+USORD: 1,5,\"68656c6c6f\"\r\n\r\nOK\r\n"))
	s.HandleWaitingData()

	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
	if s.sockets[1].outstandingReceive != 0 {
		t.Fatalf("expected outstandingReceive drained to 0, got %d", s.sockets[1].outstandingReceive)
	}
	written := string(pipe.Written())
	if !strings.Contains(written, "+USORD=1,5\r\n") {
		t.Fatalf("expected USORD request in %q", written)
	}
}

func TestUUSOCLClearsDescriptorAndInvokesCallback(t *testing.T) {
	s, pipe := newTestService(t)
	at := atengineOf(t, s)
	closedID := -1
	s.sockets[4] = descriptor{open: true, connected: true, protocol: ProtocolTCP,
		onClosed: func(id int) { closedID = id }}

	pipe.Feed([]byte("\r\n+UUSOCL: 4\r\n"))
	at.Spin()

	if closedID != 4 {
		t.Fatalf("expected onClosed callback with id 4, got %d", closedID)
	}
	if s.sockets[4].open {
		t.Fatalf("expected descriptor 4 to be cleared")
	}
}

func TestUUSOLIAllocatesAcceptedSocket(t *testing.T) {
	s, pipe := newTestService(t)
	at := atengineOf(t, s)
	var gotID int
	var gotIP string
	var gotPort, gotListenID int
	s.sockets[0] = descriptor{open: true, protocol: ProtocolTCP,
		onAccept: func(newID int, remoteIP string, remotePort int, listenID int) {
			gotID, gotIP, gotPort, gotListenID = newID, remoteIP, remotePort, listenID
		}}

	pipe.Feed([]byte("\r\n+UUSOLI: 0,\"203.0.113.5\",51000,5,\"10.0.0.1\",7000\r\n"))
	at.Spin()

	if gotID != 5 || gotIP != "203.0.113.5" || gotPort != 51000 || gotListenID != 0 {
		t.Fatalf("unexpected accept callback: id=%d ip=%q port=%d listen=%d", gotID, gotIP, gotPort, gotListenID)
	}
	if !s.sockets[5].open || !s.sockets[5].connected {
		t.Fatalf("expected accepted socket 5 to be open and connected")
	}
}

// atengineOf reaches into Service's unexported engine field for tests that
// need to drive Spin directly around a bare URC (no command in flight).
func atengineOf(t *testing.T, s *Service) *atengine.Engine {
	t.Helper()
	return s.at
}
