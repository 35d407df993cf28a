package serial

import (
	"bytes"
	"sync"
)

// Pipe is an in-memory, non-blocking Port used by tests to simulate a modem.
// Bytes written with Feed become visible to Read; bytes written with Write
// are captured and can be inspected with Written.
type Pipe struct {
	mu      sync.Mutex
	inbound bytes.Buffer
	written bytes.Buffer
}

// NewPipe returns an empty simulated serial port.
func NewPipe() *Pipe {
	return &Pipe{}
}

// Feed appends bytes as if the modem had sent them.
func (p *Pipe) Feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound.Write(b)
}

// Read implements Port.
func (p *Pipe) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inbound.Len() == 0 {
		return 0, ErrWouldBlock
	}
	return p.inbound.Read(buf)
}

// Write implements Port, capturing bytes for inspection by tests.
func (p *Pipe) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(buf)
}

// Written returns everything written to the port so far.
func (p *Pipe) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

// ResetWritten clears the captured write log.
func (p *Pipe) ResetWritten() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Reset()
}
