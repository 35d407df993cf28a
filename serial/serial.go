// Package serial provides the byte-level, non-blocking I/O abstraction the
// AT engine multiplexes (C1 in the device SDK core). It intentionally does
// not own connection lifecycle: opening, closing and baud configuration are
// the caller's responsibility, mirroring
// original_source/.../modem/IOwlSerial.h, which only specifies read/write.
package serial

import "errors"

// ErrWouldBlock is returned by Port.Read when no bytes are currently
// available and the port is configured non-blocking. It is not a fatal
// condition: the AT engine's spin() treats it as "nothing to do this tick".
var ErrWouldBlock = errors.New("serial: would block")

// Port is the minimal non-blocking UART surface the AT engine needs. An
// implementation backed by real hardware (TTY) and one backed by an
// in-memory pipe (for tests) both satisfy it.
type Port interface {
	// Read drains whatever bytes are currently available into p, returning
	// the count read. It must never block waiting for more data; if none is
	// available it returns (0, ErrWouldBlock).
	Read(p []byte) (n int, err error)

	// Write writes p in full or returns an error; partial writes are
	// reported as an error by the implementation, since the AT engine has no
	// use for a short write.
	Write(p []byte) (n int, err error)
}
