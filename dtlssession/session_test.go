package dtlssession

import (
	"context"
	"net"
	"testing"
	"time"

	piondtls "github.com/pion/dtls/v2"
)

// TestSessionHandshakeAndData exercises a real PSK handshake and one
// plaintext round-trip against a local pion/dtls/v2 server, the same library
// the teacher dials as an opaque DTLS engine in cmd/coap/main.go.
func TestSessionHandshakeAndData(t *testing.T) {
	pskKey := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	pskID := []byte("test-iccid")

	serverCfg := &piondtls.Config{
		PSK:             func(hint []byte) ([]byte, error) { return pskKey, nil },
		PSKIdentityHint: []byte("server"),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
	ln, err := piondtls.Listen("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.UDPAddr)

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil {
			serverDone <- err
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	remoteIP, err := ParseIP("127.0.0.1")
	if err != nil {
		t.Fatalf("ParseIP: %v", err)
	}
	sess, err := New(remoteIP, addr.Port, 0, pskID, pskKey, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var events []string
	sess.SetEventHandler(func(level AlertLevel, desc string) { events = append(events, desc) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	if sess.GetStatus() != StatusConnected {
		t.Fatalf("status = %v, want connected", sess.GetStatus())
	}
	if len(events) < 2 || events[0] != EventConnect || events[len(events)-1] != EventConnected {
		t.Fatalf("events = %v, want to start with %q and end with %q", events, EventConnect, EventConnected)
	}

	var got []byte
	done := make(chan struct{})
	sess.SetDataHandler(func(data []byte) {
		got = data
		close(done)
	})

	if err := sess.SendData([]byte("ping")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
waitLoop:
	for time.Now().Before(deadline) {
		sess.PeriodicRetransmit()
		select {
		case <-done:
			break waitLoop
		default:
		}
	}
	if string(got) != "ping" {
		t.Fatalf("got %q, want %q", got, "ping")
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}
}

// TestSessionSendDataBeforeConnect asserts spec.md §4.4's "sendData is
// defined only when status == connected; otherwise it logs and fails".
func TestSessionSendDataBeforeConnect(t *testing.T) {
	remoteIP, _ := ParseIP("127.0.0.1")
	sess, err := New(remoteIP, 5684, 0, []byte("id"), []byte{1, 2, 3, 4}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.SendData([]byte("x")); err != ErrNotConnected {
		t.Fatalf("SendData before connect = %v, want ErrNotConnected", err)
	}
}

// TestParseIPv6NotImplemented documents the open question from spec.md §9:
// IPv6 parsing in the DTLS session is a stub and must return failure, not a
// guessed implementation.
func TestParseIPv6NotImplemented(t *testing.T) {
	_, err := ParseIP("::1")
	if err != ErrNotImplemented {
		t.Fatalf("ParseIP(::1) = %v, want ErrNotImplemented", err)
	}
}
