// Package atengine implements the AT command engine (C2): it turns a raw
// byte stream from a half-duplex modem UART into complete lines, demuxes
// unsolicited result codes (URCs) from the one command that may be in
// flight, and drives an explicit state machine with suspension points and
// timeouts instead of blocking the caller.
//
// Grounded on original_source/.../modem/OwlModemAT.{h,cpp} (the state
// machine itself) and, for Go-specific idioms, on
// other_examples/271d09ff_warthog618-modem__at-at.go.go (sentinel errors,
// line scanning) — adapted here to the single-threaded spin() model spec.md
// §5 requires, rather than that file's goroutine pipeline.
package atengine

import (
	"errors"
	"time"
)

// State is one of the five AT engine states (spec.md §4.1).
type State int

const (
	Idle State = iota
	WaitResult
	WaitPrompt
	SendData
	ResponseReady
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitResult:
		return "WaitResult"
	case WaitPrompt:
		return "WaitPrompt"
	case SendData:
		return "SendData"
	case ResponseReady:
		return "ResponseReady"
	default:
		return "Unknown"
	}
}

// Result is the terminal outcome of a command.
type Result int

const (
	ResultNone Result = iota
	ResultOK
	ResultError
	ResultBusy
	ResultNoCarrier
	ResultNoDialtone
	ResultNoAnswer
	ResultConnect
	ResultRing
	ResultCMEError
	ResultTimeout
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultOK:
		return "OK"
	case ResultError:
		return "ERROR"
	case ResultBusy:
		return "BUSY"
	case ResultNoCarrier:
		return "NO CARRIER"
	case ResultNoDialtone:
		return "NO DIALTONE"
	case ResultNoAnswer:
		return "NO ANSWER"
	case ResultConnect:
		return "CONNECT"
	case ResultRing:
		return "RING"
	case ResultCMEError:
		return "+CME ERROR"
	case ResultTimeout:
		return "TIMEOUT"
	default:
		return "unknown"
	}
}

// Errors returned synchronously by the engine's public methods. None of
// these are fatal: every one leaves the engine in Idle (spec.md §4.1
// "Failures").
var (
	ErrBusy          = errors.New("atengine: busy (not idle)")
	ErrSerialUnavail = errors.New("atengine: serial unavailable")
	ErrFormat        = errors.New("atengine: format error")
	ErrNoDataTerm    = errors.New("atengine: data without terminator and no CONNECT/prompt seen")
)

const (
	maxURCHandlers    = 8
	maxPrefixHandlers = 8
	maxLineLen        = 256
)

// noTerminator is the sentinel meaning "no data terminator octet" (spec.md
// §3's "sentinel none" for the AT command data model).
const noTerminator = -1

// ResponseHandler is invoked when a command reaches a terminal result, with
// that result and the response body. It returns nothing: the engine has
// already moved to ResponseReady (or Idle, after a timeout) when it runs.
type ResponseHandler func(result Result, response string)

// URCHandler handles one unsolicited result code. It returns nothing: the
// first registered handler whose code matches gets the line and no later
// handler sees it (spec.md's "first handler wins" dispatch).
type URCHandler func(code, data string)

// PrefixHandler handles non-AT lines that still need dispatch (spec.md §3's
// "prefix subscriptions").
type PrefixHandler func(line string)

type urcEntry struct {
	id      string
	prefix  string // the code, e.g. "+CREG", matched against the line's "+CODE" segment
	handler URCHandler
}

type prefixEntry struct {
	prefix  string
	handler PrefixHandler
}

type pendingCommand struct {
	data       []byte
	terminator int // noTerminator if none
	deadline   time.Time
	handler    ResponseHandler
}

// Engine is the AT command state machine. It is not safe for concurrent
// use: spec.md §5 specifies a single-threaded, cooperative scheduling model.
type Engine struct {
	port Port

	state State
	now   func() time.Time

	pending  pendingCommand
	lastCode Result
	lastResp string

	// inputBuf accumulates raw bytes read from the port until a full line
	// can be extracted.
	inputBuf []byte
	// lineBuf accumulates the current in-progress line.
	lineBuf []byte
	// responseBuf accumulates non-URC, non-terminal lines for the command
	// currently in flight, newline-separated.
	responseBuf []byte

	atStartOfLine bool // true if the next byte begins a fresh line (for prompt recognition)

	urcHandlers    []urcEntry
	prefixHandlers []prefixEntry

	Log Logger
}

// Logger is the logging capability this package needs; satisfied directly
// by *logrus.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Port is the byte-level transport the engine multiplexes. It matches
// serial.Port's shape without importing that package, so atengine has no
// hard dependency on any one transport implementation.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// New creates an engine over port. now defaults to time.Now if nil.
func New(port Port, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		port:          port,
		state:         Idle,
		now:           now,
		atStartOfLine: true,
	}
}

func (e *Engine) log(format string, v ...interface{}) {
	if e.Log == nil {
		return
	}
	e.Log.Printf(format, v...)
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// StartCommand moves the engine from Idle to WaitResult (no data) or
// WaitPrompt (data != nil), emitting the request line. request is the
// command body without the leading "AT" (e.g. "+CREG?"); StartCommand
// prepends it, per ITU-T V.250 and the original's doCommandBlocking callers
// (OwlModemAT.cpp's power-up sequence passes "ATV1", "AT+CMEE=2", etc. — the
// "AT" is part of every command it issues). It fails with ErrBusy if the
// engine is not Idle, per spec.md's testable property: "Starting
// startCommand from any non-Idle state fails with busy and does not alter
// buffers."
func (e *Engine) StartCommand(request string, timeout time.Duration, data []byte, terminator int, handler ResponseHandler) error {
	if e.state != Idle {
		return ErrBusy
	}
	if terminator == 0 {
		terminator = noTerminator
	}
	deadline := time.Time{}
	if timeout > 0 {
		deadline = e.now().Add(timeout)
	}
	if _, err := e.port.Write([]byte("AT" + request + "\r\n")); err != nil {
		return ErrSerialUnavail
	}
	e.pending = pendingCommand{data: data, terminator: terminator, deadline: deadline, handler: handler}
	e.responseBuf = e.responseBuf[:0]
	if data == nil {
		e.state = WaitResult
	} else {
		e.state = WaitPrompt
	}
	return nil
}

// GetLastCommandResponse returns the last terminal result and response body,
// and acknowledges the read-out by moving ResponseReady -> Idle.
func (e *Engine) GetLastCommandResponse() (Result, string) {
	code, resp := e.lastCode, e.lastResp
	if e.state == ResponseReady {
		e.state = Idle
	}
	return code, resp
}

// RegisterURCHandler subscribes handler to URCs whose code matches prefix
// exactly (e.g. "+CREG"). It fails if the table is full (spec.md §3: bounded
// to 8 entries).
func (e *Engine) RegisterURCHandler(id, code string, handler URCHandler) error {
	if len(e.urcHandlers) >= maxURCHandlers {
		return errors.New("atengine: URC handler table full")
	}
	e.urcHandlers = append(e.urcHandlers, urcEntry{id: id, prefix: code, handler: handler})
	return nil
}

// DeregisterURCHandler removes a subscription by id.
func (e *Engine) DeregisterURCHandler(id string) {
	for i, h := range e.urcHandlers {
		if h.id == id {
			e.urcHandlers = append(e.urcHandlers[:i], e.urcHandlers[i+1:]...)
			return
		}
	}
}

// RegisterPrefixHandler subscribes handler to any non-URC line starting with
// prefix. Bounded to 8 entries, same as URC handlers.
func (e *Engine) RegisterPrefixHandler(prefix string, handler PrefixHandler) error {
	if len(e.prefixHandlers) >= maxPrefixHandlers {
		return errors.New("atengine: prefix handler table full")
	}
	e.prefixHandlers = append(e.prefixHandlers, prefixEntry{prefix: prefix, handler: handler})
	return nil
}
