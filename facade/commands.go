package facade

import (
	"context"
	"fmt"

	"github.com/twilio/breakout-sdk-go/coapmsg"
	"github.com/twilio/breakout-sdk-go/coappeer"
)

// CommandStatus is the outcome of a sendCommandWithReceiptRequest call,
// delivered to its ReceiptHandler once known (spec.md §4.7 "Send command
// API").
type CommandStatus int

const (
	StatusConfirmedDelivery CommandStatus = iota
	StatusCanceled
	StatusTimeout
	StatusServerError
)

func (s CommandStatus) String() string {
	switch s {
	case StatusConfirmedDelivery:
		return "confirmed-delivery"
	case StatusCanceled:
		return "canceled"
	case StatusTimeout:
		return "timeout"
	default:
		return "server-error"
	}
}

// ReceiptHandler observes the delivery outcome of a command sent with a
// receipt request.
type ReceiptHandler func(status CommandStatus)

// command is one queued to-SIM Command (spec.md §3 "Received command slot").
type command struct {
	data     []byte
	isBinary bool
}

// commandQueue is the bounded FIFO spec.md §3 describes: at most capacity
// entries, oldest dropped first when full.
type commandQueue struct {
	items    []command
	capacity int
}

func newCommandQueue(capacity int) *commandQueue {
	return &commandQueue{capacity: capacity}
}

func (q *commandQueue) push(c command) {
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, c)
}

func (q *commandQueue) pop() (command, bool) {
	if len(q.items) == 0 {
		return command{}, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

func (q *commandQueue) len() int { return len(q.items) }

// HasWaitingCommand reports whether a received Command is queued.
func (f *Facade) HasWaitingCommand() bool { return f.queue.len() > 0 }

// ReceiveCommand pops the oldest queued Command into buf, returning the
// number of bytes written and whether it was binary. It returns an error if
// buf is too small for the queued command, per the original's explicit
// buffer-too-small check.
func (f *Facade) ReceiveCommand(buf []byte) (n int, isBinary bool, err error) {
	c, ok := f.queue.pop()
	if !ok {
		return 0, false, fmt.Errorf("facade: no command waiting")
	}
	if len(buf) < len(c.data) {
		return 0, false, fmt.Errorf("facade: buffer too small: need %d, have %d", len(c.data), len(buf))
	}
	n = copy(buf, c.data)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return n, c.isBinary, nil
}

// receivedCommandInternal is the single entry point for an inbound Command,
// whether delivered directly to cmdHandler (when set) or enqueued for
// ReceiveCommand to pop later (spec.md §4.7 "Receive command path").
func (f *Facade) receivedCommandInternal(data []byte, isBinary bool) {
	if f.cmdHandler != nil {
		f.cmdHandler(data, isBinary)
		return
	}
	f.queue.push(command{data: append([]byte(nil), data...), isBinary: isBinary})
}

// SendResult is the outcome of a send*Command call (spec.md §6 "Error
// codes ... for sends/receives"). A command that can't proceed never
// blocks the caller past this return.
type SendResult int

const (
	SendOK SendResult = iota
	SendError
	SendTooLong
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "OK"
	case SendTooLong:
		return "CommandTooLong"
	default:
		return "Error"
	}
}

// SendTextCommand sends a text Command unreliably (NON POST v1/Commands).
// A payload over 140 bytes returns SendTooLong without writing anything to
// the transport (spec.md §8 scenario 6).
func (f *Facade) SendTextCommand(text string) SendResult { return f.sendCommand([]byte(text), false) }

// SendBinaryCommand sends a binary Command unreliably.
func (f *Facade) SendBinaryCommand(data []byte) SendResult { return f.sendCommand(data, true) }

// SendTextCommandWithReceiptRequest sends a text Command reliably (CON POST
// v1/Commands) and reports the eventual delivery outcome through cb.
func (f *Facade) SendTextCommandWithReceiptRequest(text string, cb ReceiptHandler) SendResult {
	return f.sendCommandWithReceiptRequest([]byte(text), false, cb)
}

// SendBinaryCommandWithReceiptRequest sends a binary Command reliably.
func (f *Facade) SendBinaryCommandWithReceiptRequest(data []byte, cb ReceiptHandler) SendResult {
	return f.sendCommandWithReceiptRequest(data, true, cb)
}

// CheckForCommands issues the Heartbeats poll on demand, outside of the
// normal polling cadence (spec.md §6 "checkForCommands").
func (f *Facade) CheckForCommands(ctx context.Context) bool { return f.checkForCommands(ctx, false) }

// GetGNSSData returns the most recently decoded GNSS fix, if the façade was
// powered on with a modem that has GNSS wired (spec.md §6 "getGNSSData").
func (f *Facade) GetGNSSData() (lat, lon float64, ok bool) {
	if f.gnss == nil {
		return 0, 0, false
	}
	fix := f.gnss.LastFix()
	return fix.Latitude, fix.Longitude, fix.Valid
}

// sendCommand sends a from-the-SDK-to-cloud Command unreliably (NON POST
// v1/Commands), spec.md §4.7's "Send command API". data must not exceed
// maxCommandPayload bytes.
func (f *Facade) sendCommand(data []byte, isBinary bool) SendResult {
	if len(data) > maxCommandPayload {
		return SendTooLong
	}
	if f.peer == nil || f.GetConnectionStatus() != StatusRegisteredAndConnected {
		return SendError
	}
	msg := f.newCommandMessage(coapmsg.NON, data, isBinary)
	if err := f.peer.SendUnreliably(msg, 0, 0); err != nil {
		f.log("facade: sending command: %v", err)
		return SendError
	}
	return SendOK
}

// sendCommandWithReceiptRequest sends a Command reliably (CON POST
// v1/Commands) and reports the eventual delivery outcome through cb.
func (f *Facade) sendCommandWithReceiptRequest(data []byte, isBinary bool, cb ReceiptHandler) SendResult {
	if len(data) > maxCommandPayload {
		return SendTooLong
	}
	if f.peer == nil || f.GetConnectionStatus() != StatusRegisteredAndConnected {
		return SendError
	}
	msg := f.newCommandMessage(coapmsg.CON, data, isBinary)
	if _, err := f.peer.SendReliably(msg, f.onCommandReceipt, cb, 0, 0); err != nil {
		f.log("facade: sending command with receipt request: %v", err)
		return SendError
	}
	return SendOK
}

// onCommandReceipt is the SendReliably callback for sendCommandWithReceiptRequest,
// translating a client transaction's terminal event into a CommandStatus
// (grounded on the original's callback_commandReceipt).
func (f *Facade) onCommandReceipt(event coappeer.ClientEvent, _ *coapmsg.Message, user interface{}) {
	cb, _ := user.(ReceiptHandler)
	if cb == nil {
		return
	}
	switch event {
	case coappeer.EventACK:
		cb(StatusConfirmedDelivery)
	case coappeer.EventCanceled:
		cb(StatusCanceled)
	case coappeer.EventTimeout:
		cb(StatusTimeout)
	default:
		cb(StatusServerError)
	}
}

func (f *Facade) newCommandMessage(typ coapmsg.Type, data []byte, isBinary bool) *coapmsg.Message {
	msg := coapmsg.NewEmpty(typ, f.peer.NextMessageID())
	msg.Code = coapmsg.POST
	token, tokenLen := f.peer.GetNextToken()
	msg.Token = token
	msg.TokenLength = uint8(tokenLen)
	msg.Payload = data

	format := coapmsg.ContentFormatTextPlain
	if isBinary {
		format = coapmsg.ContentFormatOctets
	}
	msg.Options = append(msg.Options,
		coapmsg.NewStringOption(coapmsg.OptionUriPath, "v1"),
		coapmsg.NewStringOption(coapmsg.OptionUriPath, "Commands"),
		coapmsg.NewUintOption(coapmsg.OptionContentFormat, uint64(format)),
		coapmsg.NewOpaqueOption(coapmsg.OptionTwilioHostDeviceInformation, []byte(f.hostDeviceInfoShort())),
	)
	if f.uriQuery != "" {
		msg.Options = append(msg.Options, coapmsg.NewStringOption(coapmsg.OptionUriQuery, f.uriQuery))
	}
	return msg
}

// checkForCommands issues the Heartbeats poll (CON POST v1/Heartbeats),
// whose 2.01 Created ACK piggybacks the Twilio-Queued-Command-Count option
// the next tick acts on. Grounded on the original's checkForCommands /
// callback_checkForCommands pair; isRetry suppresses the
// reinit-and-retry-once behavior on a second consecutive timeout so a
// persistently broken transport can't recurse forever.
func (f *Facade) checkForCommands(ctx context.Context, isRetry bool) bool {
	f.lastPolling = f.now()
	f.nextPolling = f.lastPolling.Add(f.pollingInterval)

	if f.peer == nil {
		return false
	}

	if f.epsRegistered && !f.coapReady && !f.lastCoAPConnected.IsZero() && f.now().Sub(f.lastCoAPConnected) > ReinitConnectionInterval {
		f.log("facade: registered but not connected for over %s, reinitializing transport", ReinitConnectionInterval)
		if err := f.reinitializeTransport(ctx); err != nil {
			f.log("facade: reinitialize before poll failed: %v", err)
			return false
		}
	}

	if f.GetConnectionStatus() != StatusRegisteredAndConnected {
		return false
	}

	msg := coapmsg.NewEmpty(coapmsg.CON, f.peer.NextMessageID())
	msg.Code = coapmsg.POST
	token, tokenLen := f.peer.GetNextToken()
	msg.Token = token
	msg.TokenLength = uint8(tokenLen)
	msg.Options = append(msg.Options,
		coapmsg.NewStringOption(coapmsg.OptionUriPath, "v1"),
		coapmsg.NewStringOption(coapmsg.OptionUriPath, "Heartbeats"),
		coapmsg.NewOpaqueOption(coapmsg.OptionTwilioHostDeviceInformation, []byte(f.hostDeviceInfoShort())),
	)
	if f.uriQuery != "" {
		msg.Options = append(msg.Options, coapmsg.NewStringOption(coapmsg.OptionUriQuery, f.uriQuery))
	}

	_, err := f.peer.SendReliably(msg, f.onHeartbeatEvent(ctx, isRetry), nil, 0, 0)
	if err != nil {
		f.log("facade: sending Heartbeats poll: %v", err)
		return false
	}
	return true
}

// onHeartbeatEvent returns the SendReliably callback for a Heartbeats
// transaction, closing over ctx/isRetry so a Timeout can trigger exactly one
// reinitialize-and-retry (grounded on callback_checkForCommands).
func (f *Facade) onHeartbeatEvent(ctx context.Context, isRetry bool) coappeer.TransactionCallback {
	return func(event coappeer.ClientEvent, msg *coapmsg.Message, _ interface{}) {
		switch event {
		case coappeer.EventACK:
			if msg != nil && msg.Code == coapmsg.Created {
				f.onHeartbeatCreated(msg)
			}
		case coappeer.EventRST:
			f.log("facade: Heartbeats poll reset by peer")
		case coappeer.EventTimeout:
			if isRetry {
				f.log("facade: Heartbeats poll timed out twice in a row, giving up")
				return
			}
			f.log("facade: Heartbeats poll timed out, reinitializing transport and retrying once")
			if err := f.reinitializeTransport(ctx); err != nil {
				f.log("facade: reinitialize after Heartbeats timeout failed: %v", err)
				return
			}
			f.checkForCommands(ctx, true)
		}
	}
}

// onHeartbeatCreated reads the piggybacked Twilio-Queued-Command-Count
// option off a Heartbeats 2.01 Created response. coappeer hands the full
// decoded message to the SendReliably callback on EventACK, so this is read
// directly here rather than through a separate SetResponseHandler wiring.
func (f *Facade) onHeartbeatCreated(msg *coapmsg.Message) {
	if len(msg.Payload) > 0 {
		f.logJSONDiagnosticIfPresent(msg.Payload)
	}
	for _, opt := range msg.Options {
		if opt.Number == coapmsg.OptionTwilioQueuedCommandCount {
			f.queuedCommandCount = opt.ValueUint
			f.log("facade: %d command(s) queued server-side", f.queuedCommandCount)
			return
		}
	}
}
