package socket

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/breakout-sdk-go/atengine"
)

// Logger is the logging capability this package needs.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Service is the typed wrapper over the modem's AT socket command set. It
// owns the socket descriptor table and drains URC-driven receive queues.
type Service struct {
	at    *atengine.Engine
	model Model
	Log   Logger

	sockets [MaxSockets]descriptor
}

// New creates a Service driving AT commands through at. model selects
// firmware-specific quirks (spec.md §4.2).
func New(at *atengine.Engine, model Model) *Service {
	s := &Service{at: at, model: model}
	at.RegisterURCHandler("socket-usord", "+UUSORD", s.onUUSORD)
	at.RegisterURCHandler("socket-usorf", "+UUSORF", s.onUUSORF)
	at.RegisterURCHandler("socket-uusocl", "+UUSOCL", s.onUUSOCL)
	at.RegisterURCHandler("socket-uusoli", "+UUSOLI", s.onUUSOLI)
	return s
}

func (s *Service) log(format string, v ...interface{}) {
	if s.Log == nil {
		return
	}
	s.Log.Printf(format, v...)
}

func protocolATValue(p Protocol) int {
	switch p {
	case ProtocolTCP:
		return 6
	case ProtocolUDP:
		return 17
	default:
		return 0
	}
}

func (s *Service) doCommand(cmd string, timeout time.Duration) (atengine.Result, string, error) {
	result, resp, err := s.at.DoCommandBlocking(cmd, timeout, nil, 0)
	return result, resp, err
}

// Open allocates a free socket descriptor and issues AT+USOCR.
func (s *Service) Open(protocol Protocol, localPort int) (int, error) {
	id := -1
	for i := range s.sockets {
		if !s.sockets[i].open {
			id = i
			break
		}
	}
	if id < 0 {
		return -1, ErrNoFreeSocket
	}

	cmd := fmt.Sprintf("+USOCR=%d", protocolATValue(protocol))
	if localPort > 0 {
		cmd += fmt.Sprintf(",%d", localPort)
	}
	result, resp, err := s.doCommand(cmd, 5*time.Second)
	if err != nil {
		return -1, err
	}
	if result != atengine.ResultOK {
		return -1, fmt.Errorf("socket: USOCR failed: %s", result)
	}
	gotID, err := parseUSOCR(resp)
	if err != nil {
		return -1, err
	}

	s.sockets[gotID] = descriptor{open: true, protocol: protocol}
	if err := s.maybeListen(gotID, protocol, localPort); err != nil {
		s.log("socket: listen step for socket %d: %v", gotID, err)
	}
	return gotID, nil
}

// maybeListen issues the explicit +USOLI listen command when localPort > 0,
// except on UDP sockets under the firmware variant that rejects it on
// freshly-opened UDP sockets (spec.md §4.2). It installs no data handler;
// SetUDPDataHandler and SetTCPDataHandler do that.
func (s *Service) maybeListen(id int, protocol Protocol, localPort int) error {
	if protocol == ProtocolUDP && s.model == ModelRejectsUSOLIOnFreshUDP {
		return nil
	}
	if localPort <= 0 {
		return nil
	}
	_, _, err := s.doCommand(fmt.Sprintf("+USOLI=%d,%d", id, localPort), 5*time.Second)
	return err
}

// Close releases socket id with AT+USOCL.
func (s *Service) Close(id int) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	_, _, err := s.doCommand(fmt.Sprintf("+USOCL=%d", id), 5*time.Second)
	s.sockets[id] = descriptor{}
	return err
}

// GetError returns the socket's lastError field (spec.md §4.2's getError;
// the error-code space is supplemented per SPEC_FULL.md). Nothing in this
// package updates lastError, so it reports ErrorNone for every socket.
func (s *Service) GetError(id int) (ErrorCode, error) {
	if err := s.checkID(id); err != nil {
		return ErrorNone, err
	}
	return s.sockets[id].lastError, nil
}

// Connect associates socket id with a remote endpoint via AT+USOCO.
func (s *Service) Connect(id int, remoteIP string, remotePort int, onClosed ClosedHandler) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	if !s.sockets[id].open {
		return ErrNotOpen
	}
	_, _, err := s.doCommand(fmt.Sprintf(`+USOCO=%d,"%s",%d`, id, remoteIP, remotePort), 10*time.Second)
	if err != nil {
		return err
	}
	s.sockets[id].connected = true
	s.sockets[id].onClosed = onClosed
	return s.sockets[id].invariant()
}

// Listen puts socket id into listening mode on localPort via AT+USOLI,
// delivering accepted connections to h (spec.md §4.2's listen/accept
// surface). Not supported on UDP sockets under ModelRejectsUSOLIOnFreshUDP.
func (s *Service) Listen(id, localPort int, h TCPAcceptHandler) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	if !s.sockets[id].open {
		return ErrNotOpen
	}
	if _, _, err := s.doCommand(fmt.Sprintf("+USOLI=%d,%d", id, localPort), 5*time.Second); err != nil {
		return err
	}
	s.sockets[id].onAccept = h
	return nil
}

// OpenListenTCP is the convenience combinator that opens a TCP socket and
// immediately listens on localPort (spec.md §4.2 "convenience 'open +
// listen' combinators").
func (s *Service) OpenListenTCP(localPort int, h TCPAcceptHandler) (int, error) {
	id, err := s.Open(ProtocolTCP, localPort)
	if err != nil {
		return -1, err
	}
	if err := s.Listen(id, localPort, h); err != nil {
		return id, err
	}
	return id, nil
}

// OpenConnectUDP is the convenience combinator that opens a UDP socket and
// connects it to a remote endpoint in one call.
func (s *Service) OpenConnectUDP(remoteIP string, remotePort int, onClosed ClosedHandler) (int, error) {
	id, err := s.Open(ProtocolUDP, 0)
	if err != nil {
		return -1, err
	}
	if err := s.Connect(id, remoteIP, remotePort, onClosed); err != nil {
		return id, err
	}
	return id, nil
}

// OpenConnectTCP is the convenience combinator that opens a TCP socket and
// connects it to a remote endpoint in one call.
func (s *Service) OpenConnectTCP(remoteIP string, remotePort int, onClosed ClosedHandler) (int, error) {
	id, err := s.Open(ProtocolTCP, 0)
	if err != nil {
		return -1, err
	}
	if err := s.Connect(id, remoteIP, remotePort, onClosed); err != nil {
		return id, err
	}
	return id, nil
}

func (s *Service) checkID(id int) error {
	if id < 0 || id >= MaxSockets {
		return ErrInvalidSocket
	}
	return nil
}

// SendUDP writes data over a connected UDP socket via AT+USOWR.
func (s *Service) SendUDP(id int, data []byte) (int, error) {
	return s.send(id, ProtocolUDP, data)
}

// SendTCP writes data over a TCP socket via AT+USOWR.
func (s *Service) SendTCP(id int, data []byte) (int, error) {
	return s.send(id, ProtocolTCP, data)
}

func (s *Service) send(id int, want Protocol, data []byte) (int, error) {
	if err := s.checkID(id); err != nil {
		return 0, err
	}
	d := s.sockets[id]
	if !d.open {
		return 0, ErrNotOpen
	}
	if len(data) > MaxDatagramSize {
		return 0, ErrInvalidArg
	}
	if want == ProtocolUDP && !d.connected {
		return 0, ErrSendOnUnconn
	}
	cmd := fmt.Sprintf(`+USOWR=%d,%d,"%s"`, id, len(data), hex.EncodeToString(data))
	_, resp, err := s.doCommand(cmd, 10*time.Second)
	if err != nil {
		return 0, err
	}
	return parseUSOWR(resp)
}

// SendToUDP sends data to an explicit remote endpoint over an unconnected
// UDP socket via AT+USOST.
func (s *Service) SendToUDP(id int, remoteIP string, remotePort int, data []byte) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	if !s.sockets[id].open {
		return ErrNotOpen
	}
	if len(data) > MaxDatagramSize {
		return ErrInvalidArg
	}
	cmd := fmt.Sprintf(`+USOST=%d,"%s",%d,%d,"%s"`, id, remoteIP, remotePort, len(data), hex.EncodeToString(data))
	_, _, err := s.doCommand(cmd, 10*time.Second)
	return err
}

// ReceiveUDP reads up to length bytes queued on a connected UDP socket via
// AT+USORD.
func (s *Service) ReceiveUDP(id, length int) ([]byte, error) {
	return s.receive(id, "+USORD", length)
}

// ReceiveTCP reads up to length bytes of TCP stream data via AT+USORD.
func (s *Service) ReceiveTCP(id, length int) ([]byte, error) {
	return s.receive(id, "+USORD", length)
}

func (s *Service) receive(id int, atCmd string, length int) ([]byte, error) {
	if err := s.checkID(id); err != nil {
		return nil, err
	}
	if !s.sockets[id].open {
		return nil, ErrNotOpen
	}
	cmd := fmt.Sprintf("%s=%d,%d", atCmd, id, length)
	_, resp, err := s.doCommand(cmd, 5*time.Second)
	if err != nil {
		return nil, err
	}
	_, data, err := parseUSORD(resp)
	if err != nil {
		return nil, err
	}
	s.sockets[id].outstandingReceive = clampNonNeg(s.sockets[id].outstandingReceive - len(data))
	return data, nil
}

// ReceiveFromUDP reads queued data on an unconnected UDP socket via
// AT+USORF, also returning the originating endpoint.
func (s *Service) ReceiveFromUDP(id, length int) (remoteIP string, remotePort int, data []byte, err error) {
	if err = s.checkID(id); err != nil {
		return
	}
	if !s.sockets[id].open {
		err = ErrNotOpen
		return
	}
	cmd := fmt.Sprintf("+USORF=%d,%d", id, length)
	_, resp, derr := s.doCommand(cmd, 5*time.Second)
	if derr != nil {
		err = derr
		return
	}
	remoteIP, remotePort, data, err = parseUSORF(resp)
	if err != nil {
		return
	}
	s.sockets[id].outstandingReceiveFrom = clampNonNeg(s.sockets[id].outstandingReceiveFrom - len(data))
	return
}

// SetUDPDataHandler installs the handler invoked once HandleWaitingData
// drains a UDP socket's queue.
func (s *Service) SetUDPDataHandler(id int, h UDPDataHandler) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.sockets[id].onUDPData = h
	return nil
}

// SetTCPDataHandler installs the handler invoked once HandleWaitingData
// drains a TCP socket's queue.
func (s *Service) SetTCPDataHandler(id int, h TCPDataHandler) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.sockets[id].onTCPData = h
	return nil
}

// HandleWaitingData pumps the outstanding-byte counters, issuing receives
// for every socket with queued data in ascending socket-id order (spec.md
// §4.2); the order in which the URCs arrived is not tracked.
func (s *Service) HandleWaitingData() {
	for id := range s.sockets {
		d := &s.sockets[id]
		if !d.open {
			continue
		}
		switch d.protocol {
		case ProtocolTCP:
			if d.outstandingReceive > 0 && d.onTCPData != nil {
				data, err := s.receive(id, "+USORD", d.outstandingReceive)
				if err != nil {
					s.log("socket: draining TCP socket %d: %v", id, err)
					continue
				}
				d.onTCPData(id, data)
			}
		case ProtocolUDP:
			if d.connected {
				if d.outstandingReceive > 0 && d.onUDPData != nil {
					data, err := s.receive(id, "+USORD", d.outstandingReceive)
					if err != nil {
						s.log("socket: draining UDP socket %d: %v", id, err)
						continue
					}
					d.onUDPData(id, "", 0, data)
				}
			} else if d.outstandingReceiveFrom > 0 && d.onUDPData != nil {
				ip, port, data, err := s.ReceiveFromUDP(id, d.outstandingReceiveFrom)
				if err != nil {
					s.log("socket: draining UDP(from) socket %d: %v", id, err)
					continue
				}
				d.onUDPData(id, ip, port, data)
			}
		}
	}
}

func (s *Service) onUUSORD(_, data string) {
	id, n, err := parseTwoInts(data)
	if err != nil {
		s.log("socket: malformed +UUSORD: %v", err)
		return
	}
	if s.checkID(id) != nil {
		return
	}
	if n > s.sockets[id].outstandingReceive {
		s.sockets[id].outstandingReceive = n
	}
}

func (s *Service) onUUSORF(_, data string) {
	id, n, err := parseTwoInts(data)
	if err != nil {
		s.log("socket: malformed +UUSORF: %v", err)
		return
	}
	if s.checkID(id) != nil {
		return
	}
	if n > s.sockets[id].outstandingReceiveFrom {
		s.sockets[id].outstandingReceiveFrom = n
	}
}

func (s *Service) onUUSOCL(_, data string) {
	id, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil || s.checkID(id) != nil {
		return
	}
	d := &s.sockets[id]
	cb := d.onClosed
	*d = descriptor{}
	if cb != nil {
		cb(id)
	}
}

// onUUSOLI handles an incoming-connection notification:
// +UUSOLI: <listening_socket>,"<remote_ip>",<remote_port>,<new_socket>,"<local_ip>",<local_port>
func (s *Service) onUUSOLI(_, data string) {
	fields := splitFields(strings.TrimSpace(data))
	if len(fields) < 4 {
		s.log("socket: malformed +UUSOLI: %q", data)
		return
	}
	listenID, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || s.checkID(listenID) != nil {
		return
	}
	remoteIP := unquote(fields[1])
	remotePort, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return
	}
	newID, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil || s.checkID(newID) != nil {
		return
	}
	s.sockets[newID] = descriptor{open: true, connected: true, protocol: ProtocolTCP}
	if h := s.sockets[listenID].onAccept; h != nil {
		h(newID, remoteIP, remotePort, listenID)
	}
}

func clampNonNeg(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
