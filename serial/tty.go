package serial

import (
	"errors"
	"syscall"
	"time"

	goserial "github.com/daedaluz/goserial"
)

// TTY adapts github.com/daedaluz/goserial's termios-backed *Port to the
// non-blocking Port interface the AT engine drives. goserial's Read blocks
// up to its configured ReadTimeout; we use a short timeout and translate its
// "nothing arrived" outcome into ErrWouldBlock so the engine's spin() never
// stalls the caller's loop.
type TTY struct {
	port *goserial.Port
}

// pollTimeout bounds how long a single Read call may block the caller. It is
// short enough that spin() remains responsive, long enough to avoid
// busy-spinning the CPU when idle.
const pollTimeout = 5 * time.Millisecond

// OpenTTY opens the named device (e.g. "/dev/ttyUSB0"), puts it into raw
// mode (no line discipline, no echo) and configures the baud rate, the
// framing every modem this SDK targets expects.
func OpenTTY(name string, baud goserial.CFlag) (*TTY, error) {
	opts := goserial.NewOptions().SetReadTimeout(pollTimeout)
	p, err := goserial.Open(name, opts)
	if err != nil {
		return nil, err
	}
	attrs, err := p.GetAttr()
	if err != nil {
		p.Close()
		return nil, err
	}
	attrs.MakeRaw()
	attrs.SetSpeed(baud)
	if err := p.SetAttr(goserial.TCSANOW, attrs); err != nil {
		p.Close()
		return nil, err
	}
	return &TTY{port: p}, nil
}

// Read implements Port.
func (t *TTY) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ETIMEDOUT) {
			return 0, ErrWouldBlock
		}
		return n, err
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

// Write implements Port.
func (t *TTY) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

// Close releases the underlying file descriptor.
func (t *TTY) Close() error {
	return t.port.Close()
}
