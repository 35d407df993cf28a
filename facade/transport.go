package facade

import (
	"context"
	"errors"

	"github.com/twilio/breakout-sdk-go/dtlssession"
	"github.com/twilio/breakout-sdk-go/socket"
)

var errSocketNotReady = errors.New("facade: socket transport not connected")

// dtlsTransport adapts a *dtlssession.Session to coappeer.Transport plus
// Reinitializer, the DTLS-secured wire described in spec.md §4.4. Received
// application data is forwarded to onData (wired to peer.Receive by the
// caller), since dtlssession delivers decrypted payloads through a callback
// rather than an io.Reader.
type dtlsTransport struct {
	session *dtlssession.Session
	onData  func([]byte)
}

func newDTLSTransport(session *dtlssession.Session) *dtlsTransport {
	t := &dtlsTransport{session: session}
	session.SetDataHandler(func(data []byte) {
		if t.onData != nil {
			t.onData(data)
		}
	})
	return t
}

func (t *dtlsTransport) Send(data []byte) error { return t.session.SendData(data) }
func (t *dtlsTransport) Ready() bool            { return t.session.GetStatus() == dtlssession.StatusConnected }

// Reinitialize rehandshakes the DTLS session. Rehandshake already tolerates
// "never connected" (no existing conn to close) as well as "was connected,
// needs a fresh handshake", so this adapter never needs to branch on prior
// state itself.
func (t *dtlsTransport) Reinitialize(ctx context.Context) error {
	return t.session.Rehandshake(ctx)
}

// socketTransport adapts a plaintext UDP socket (socket.Service) to
// coappeer.Transport plus Reinitializer, the non-DTLS wire spec.md §4.4
// allows for lab/simulator configurations (cmd/breakoutsim selects it with
// its -plaintext flag).
type socketTransport struct {
	svc           *socket.Service
	remoteIP      string
	remotePort    int
	localPort     int
	id            int
	connected     bool
	onData        func([]byte)
}

func newSocketTransport(svc *socket.Service, remoteIP string, remotePort, localPort int) *socketTransport {
	return &socketTransport{svc: svc, remoteIP: remoteIP, remotePort: remotePort, localPort: localPort, id: -1}
}

func (t *socketTransport) Send(data []byte) error {
	if !t.connected {
		return errSocketNotReady
	}
	_, err := t.svc.SendUDP(t.id, data)
	return err
}

func (t *socketTransport) Ready() bool { return t.connected }

// Reinitialize closes any existing socket and opens a fresh connected UDP
// socket to remoteIP:remotePort, mirroring the DTLS adapter's unconditional
// rehandshake-on-reinit behavior.
func (t *socketTransport) Reinitialize(ctx context.Context) error {
	if t.id >= 0 {
		_ = t.svc.Close(t.id)
		t.connected = false
		t.id = -1
	}
	id, err := t.svc.OpenConnectUDP(t.remoteIP, t.remotePort, func(int) {
		t.connected = false
	})
	if err != nil {
		return err
	}
	t.id = id
	if err := t.svc.SetUDPDataHandler(id, func(_ int, _ string, _ int, data []byte) {
		if t.onData != nil {
			t.onData(data)
		}
	}); err != nil {
		return err
	}
	t.connected = true
	return nil
}
