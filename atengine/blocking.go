package atengine

import (
	"time"
)

// DoCommandBlocking issues request and polls spin()+sleep until the command
// reaches ResponseReady or Timeout. It is defined purely in terms of the
// state machine (spec.md §4.1, "A blocking helper exists that polls spin()
// until ResponseReady or Timeout; it is defined purely in terms of the state
// machine, not on top of OS primitives") — the only OS primitive used is the
// sleep between polls, matching the design note in spec.md §9 ("Busy-wait
// with spin + delay(50ms) -> cooperative scheduling primitive").
//
// Callers that cannot afford to block should use StartCommand directly and
// drive Spin from their own event loop instead.
func (e *Engine) DoCommandBlocking(request string, timeout time.Duration, data []byte, terminator int) (Result, string, error) {
	if err := e.StartCommand(request, timeout, data, terminator, nil); err != nil {
		return ResultNone, "", err
	}
	const pollInterval = 50 * time.Millisecond
	for {
		e.Spin()
		switch e.state {
		case ResponseReady:
			code, resp := e.GetLastCommandResponse()
			return code, resp, nil
		case Idle:
			// Only reachable here via a Timeout transition, since
			// GetLastCommandResponse is the only other path to Idle and we
			// haven't called it yet.
			return e.lastCode, e.lastResp, nil
		}
		time.Sleep(pollInterval)
	}
}
