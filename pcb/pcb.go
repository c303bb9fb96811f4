/*Package pcb provides a client for the stage control box.

The control box speaks a minimal textual protocol: short commands such as
"e" (axis bitmask), "l1" (axis 1 length in steps), "r1" (axis 1 position in
steps), "h"/"h1" (home), "j1a"/"j1b" (jog to a limit), "g1<steps>" (absolute
move) and "b"/"b1" (emergency stop).  Replies are newline terminated; an
empty reply is an acknowledgement, anything else is a rejection notice or a
numeric reading.  There are no push notifications, so state is learned by
polling.

The box is reachable over TCP (ethernet adapter) or RS232.
*/
package pcb

import (
	"io"
	"strings"
	"time"

	"github.com/pvlabs/stagehand/comm"

	"github.com/tarm/serial"
)

// Terminator is the command and reply terminator used by the control box
const Terminator = '\n'

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

// PCB talks to a single control box through a connection pool
type PCB struct {
	pool *comm.Pool

	timeout time.Duration
}

// New returns a PCB.  addr is a host:port for TCP boxes, or a serial device
// path when connectSerial is true.
func New(addr string, connectSerial bool) *PCB {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	pool := comm.NewPool(1, 30*time.Second, maker)
	return &PCB{pool: pool, timeout: 10 * time.Second}
}

/* Get works as follows:

get a connection and try writing to it; if the connection was reset by the
peer, trash it and retry the write on a fresh one, up to MaxTries.  Then,
reusing the connection (or a fresh one if it was junked mid-read), read one
reply.  The box sends everything in one packet, so a single read with a
decent sized buffer suffices.  Other errors are not retried; we do not know
how to handle them here and the caller decides what a dead link means.
*/

// Get issues one command and returns the reply with terminators stripped.
// An empty reply with a nil error is an acknowledgement.
func (p *PCB) Get(cmd string) (string, error) {
	const maxTries = 3
	var (
		conn io.ReadWriter
		wrap io.ReadWriter
		werr error = io.EOF
	)
	for tries := 0; werr != nil && tries < maxTries; tries++ {
		var err error
		conn, err = p.pool.Get()
		if err != nil {
			// could not even get a connection, bail completely
			return "", err
		}
		wrap, err = comm.NewTimeout(conn, p.timeout)
		if err != nil {
			return "", err
		}
		wrap = comm.NewTerminator(wrap, Terminator, Terminator)
		_, werr = io.WriteString(wrap, cmd)
		if werr != nil {
			if strings.Contains(werr.Error(), "reset") {
				p.pool.Destroy(conn)
				continue
			}
			p.pool.Destroy(conn)
			return "", werr
		}
	}
	if werr != nil {
		return "", werr
	}

	buf := make([]byte, 1500) // as big as a TCP frame
	n := 0
	werr = io.EOF
	for tries := 0; werr != nil && tries < maxTries; tries++ {
		n, werr = wrap.Read(buf)
		if werr != nil {
			if strings.Contains(werr.Error(), "reset") {
				p.pool.Destroy(conn)
				var err error
				conn, err = p.pool.Get()
				if err != nil {
					return "", err
				}
				wrap, err = comm.NewTimeout(conn, p.timeout)
				if err != nil {
					return "", err
				}
				wrap = comm.NewTerminator(wrap, Terminator, Terminator)
				continue
			}
			p.pool.Destroy(conn)
			return "", werr
		}
	}
	p.pool.ReturnWithError(conn, werr)
	if werr != nil {
		return "", werr
	}
	return string(buf[:n]), nil
}
