package atengine

import "strings"

// Spin drains whatever bytes are currently available from the port,
// advances the state machine, and returns immediately — it never blocks
// (spec.md §5: "AT Engine spin: drains bytes, advances state, returns
// immediately").
func (e *Engine) Spin() {
	e.spinProcessTime()
	e.spinProcessInput()
}

// spinProcessTime handles the deadline-expiry transition, valid from any of
// WaitResult, WaitPrompt, SendData (spec.md §4.1).
func (e *Engine) spinProcessTime() {
	switch e.state {
	case WaitResult, WaitPrompt, SendData:
	default:
		return
	}
	if e.pending.deadline.IsZero() {
		return
	}
	if !e.now().Before(e.pending.deadline) {
		e.completeCommand(ResultTimeout, "")
	}
}

func (e *Engine) spinProcessInput() {
	var buf [256]byte
	for {
		n, err := e.port.Read(buf[:])
		if n > 0 {
			e.inputBuf = append(e.inputBuf, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	e.drainLines()
}

// drainLines extracts complete lines from inputBuf (CR, LF, or CRLF
// terminated) and feeds each to spinProcessLine, plus handles the SMS-style
// bare '>' prompt which has no line terminator of its own.
func (e *Engine) drainLines() {
	for len(e.inputBuf) > 0 {
		if e.state == ResponseReady {
			// Leave the rest buffered until the caller fetches this
			// response: it may hold the reply to the next command.
			return
		}
		if e.state == WaitPrompt && e.atStartOfLine {
			if b := e.inputBuf[0]; b == '>' {
				// A standalone '>' prompt. Per spec.md §9's strict
				// reimplementation choice, only recognized at column 0 of a
				// new line, consuming just that one byte (plus an optional
				// trailing space some modems send).
				e.inputBuf = e.inputBuf[1:]
				if len(e.inputBuf) > 0 && e.inputBuf[0] == ' ' {
					e.inputBuf = e.inputBuf[1:]
				}
				e.onPrompt()
				continue
			}
		}

		idx, sep := indexLineEnd(e.inputBuf)
		if idx < 0 {
			if len(e.lineBuf)+len(e.inputBuf) > maxLineLen {
				// Truncate but keep delivering: spec.md §4.1, "lines longer
				// than 256 bytes are truncated with an error log but still
				// delivered."
				e.log("atengine: line exceeds %d bytes, truncating", maxLineLen)
				e.inputBuf = e.inputBuf[:maxLineLen-len(e.lineBuf)]
			}
			e.lineBuf = append(e.lineBuf, e.inputBuf...)
			e.inputBuf = e.inputBuf[:0]
			e.atStartOfLine = false
			return
		}

		if idx == 0 && len(e.lineBuf) == 0 {
			// Leading empty line at a buffer boundary: discarded (spec.md
			// §4.1).
			e.inputBuf = e.inputBuf[sep:]
			continue
		}

		line := append(e.lineBuf, e.inputBuf[:idx]...)
		if len(line) > maxLineLen {
			e.log("atengine: line exceeds %d bytes, truncating", maxLineLen)
			line = line[:maxLineLen]
		}
		e.lineBuf = nil
		e.inputBuf = e.inputBuf[idx+sep:]
		e.atStartOfLine = true
		e.spinProcessLine(string(line))
	}
}

// indexLineEnd finds the first CR, LF, or CRLF in buf, returning the index
// of the line content's end and how many separator bytes to skip.
func indexLineEnd(buf []byte) (idx, sepLen int) {
	for i, b := range buf {
		switch b {
		case '\r':
			if i+1 < len(buf) && buf[i+1] == '\n' {
				return i, 2
			}
			return i, 1
		case '\n':
			return i, 1
		}
	}
	return -1, 0
}

// spinProcessLine dispatches one fully-framed line according to the current
// state.
func (e *Engine) spinProcessLine(line string) {
	if line == "" {
		return
	}

	switch e.state {
	case WaitPrompt:
		if strings.HasPrefix(line, "CONNECT") {
			e.onPrompt()
		}
		// Other lines while WaitPrompt (e.g. an ERROR before any data was
		// requested) are treated the same as WaitResult lines.
		if !strings.HasPrefix(line, "CONNECT") {
			e.processWaitResultLine(line)
		}
		return
	case WaitResult:
		e.processWaitResultLine(line)
	default:
		// Idle, SendData: stray lines (echo, leftovers) are
		// still checked for URCs so notifications are never dropped, then
		// logged and discarded.
		if e.processURC(line) {
			return
		}
		if e.processPrefix(line) {
			return
		}
		e.log("atengine: dropped line %q in state %s", line, e.state)
	}
}

func (e *Engine) processWaitResultLine(line string) {
	if e.processURC(line) {
		return
	}
	result, body, terminal := tryParseCode(line)
	if !terminal {
		if e.processPrefix(line) {
			return
		}
		e.appendLineToResponse(line)
		return
	}
	e.completeCommand(result, body)
}

// appendLineToResponse appends line to the in-flight response buffer with a
// "\n" separator, per spec.md's WaitResult self-loop.
func (e *Engine) appendLineToResponse(line string) {
	if len(e.responseBuf) > 0 {
		e.responseBuf = append(e.responseBuf, '\n')
	}
	e.responseBuf = append(e.responseBuf, line...)
}

// onPrompt handles the WaitPrompt -> SendData transition: write the pending
// data (and optional terminator octet), then move to WaitResult.
func (e *Engine) onPrompt() {
	if e.state != WaitPrompt {
		return
	}
	e.state = SendData
	data := e.pending.data
	if _, err := e.port.Write(data); err != nil {
		e.log("atengine: write failed sending data payload: %v", err)
	}
	if e.pending.terminator != noTerminator {
		if _, err := e.port.Write([]byte{byte(e.pending.terminator)}); err != nil {
			e.log("atengine: write failed sending data terminator: %v", err)
		}
	}
	e.state = WaitResult
}

// processURC reports whether line was a URC and, if so, dispatches it
// first-handler-wins and reports true (consumed). A URC line starts with
// '+' and contains ": " (spec.md §4.1).
func (e *Engine) processURC(line string) bool {
	if !strings.HasPrefix(line, "+") {
		return false
	}
	sep := strings.Index(line, ": ")
	if sep < 0 {
		return false
	}
	code := line[:sep]
	data := line[sep+2:]
	for _, h := range e.urcHandlers {
		if h.prefix == code {
			h.handler(code, data)
			return true
		}
	}
	return false
}

// processPrefix consults the prefix table for non-URC lines.
func (e *Engine) processPrefix(line string) bool {
	for _, h := range e.prefixHandlers {
		if strings.HasPrefix(line, h.prefix) {
			h.handler(line)
			return true
		}
	}
	return false
}

// completeCommand transitions WaitResult/WaitPrompt/SendData -> ResponseReady
// (or Idle+Timeout handling), invoking the pending handler.
func (e *Engine) completeCommand(result Result, cmeBody string) {
	resp := string(e.responseBuf)
	if result == ResultCMEError {
		// The "+CME ERROR:" text becomes the body; the result is ERROR.
		resp = cmeBody
		result = ResultError
	}
	e.lastCode = result
	e.lastResp = resp
	e.responseBuf = nil
	handler := e.pending.handler
	e.pending = pendingCommand{}
	if result == ResultTimeout {
		e.state = Idle
	} else {
		e.state = ResponseReady
	}
	if handler != nil {
		handler(result, resp)
	}
}

// tryParseCode matches a line against the terminal result-code grammar
// (spec.md §4.1). terminal is false for ordinary info lines, which the
// caller should append to the response buffer instead.
func tryParseCode(line string) (result Result, body string, terminal bool) {
	switch {
	case line == "OK":
		return ResultOK, "", true
	case line == "ERROR":
		return ResultError, "", true
	case line == "BUSY":
		return ResultBusy, "", true
	case line == "NO CARRIER":
		return ResultNoCarrier, "", true
	case line == "NO DIALTONE":
		return ResultNoDialtone, "", true
	case line == "NO ANSWER":
		return ResultNoAnswer, "", true
	case line == "CONNECT", line == "CONNECT 1200", strings.HasPrefix(line, "CONNECT "):
		return ResultConnect, "", true
	case line == "RING":
		return ResultRing, "", true
	case strings.HasPrefix(line, "+CME ERROR:"):
		return ResultCMEError, strings.TrimSpace(strings.TrimPrefix(line, "+CME ERROR:")), true
	default:
		return ResultNone, "", false
	}
}
