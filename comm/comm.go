/*Package comm provides connection plumbing for communication with lab hardware.

The core of the package is Pool, which holds one or more connections to a
device and reclaims them when they go unused.  Connections are created by a
CreationFunc; BackingOffTCPConnMaker and SerialConnMaker cover the two
transports used in the lab.  NewTimeout and NewTerminator wrap a connection
with per-operation deadlines and transmission terminators.
*/
package comm

import (
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// CreationFunc is a function which returns a new "connection" to something.
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr over TCP,
// retrying with exponential backoff.  Some hardware servers do not like
// being connection thrashed, so the initial interval is short and the
// ceiling low.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      timeout,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port
// described by conf.  Read timeouts are part of the port configuration, so
// NewTimeout is a no-op for connections made this way.
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

type timeoutRW struct {
	rw io.ReadWriter
	d  time.Duration
}

func (t timeoutRW) Read(p []byte) (int, error) {
	if conn, ok := t.rw.(net.Conn); ok {
		conn.SetReadDeadline(time.Now().Add(t.d))
	}
	return t.rw.Read(p)
}

func (t timeoutRW) Write(p []byte) (int, error) {
	if conn, ok := t.rw.(net.Conn); ok {
		conn.SetWriteDeadline(time.Now().Add(t.d))
	}
	return t.rw.Write(p)
}

// NewTimeout wraps rw such that every Read and Write carries a fresh
// deadline.  Connections that cannot carry deadlines (serial ports) are
// returned unmodified; their timeouts are set when the port is opened.
func NewTimeout(rw io.ReadWriter, d time.Duration) (io.ReadWriter, error) {
	if _, ok := rw.(net.Conn); !ok {
		return rw, nil
	}
	return timeoutRW{rw: rw, d: d}, nil
}

type terminatorRW struct {
	rw io.ReadWriter
	rx byte
	tx byte
}

func (t terminatorRW) Write(p []byte) (int, error) {
	return t.rw.Write(append(p, t.tx))
}

func (t terminatorRW) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	for n > 0 && (p[n-1] == t.rx || p[n-1] == '\r') {
		n--
	}
	return n, err
}

// NewTerminator wraps rw such that writes are suffixed with tx and trailing
// rx (or carriage return) bytes are stripped from reads
func NewTerminator(rw io.ReadWriter, rx, tx byte) io.ReadWriter {
	return terminatorRW{rw: rw, rx: rx, tx: tx}
}
