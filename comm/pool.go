package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a
// device.  Connections are created lazily, handed out one lease at a time,
// and closed if the whole pool sits unused for the reclaim timeout.  It is
// concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out
	timeout time.Duration           // idle time after which connections are freed
	conns   chan io.ReadWriteCloser // returned connections awaiting reuse
	freed   chan struct{}           // pulsed by Destroy so a waiting Get can retry
	cancel  chan struct{}           // pulsed by Get to stand a parked reclaimer down
	timer   *time.Timer             // fires when the idle pool should be drained
	maker   CreationFunc

	reclaiming bool
	mu         sync.Mutex
}

// NewPool creates a new Pool with room for maxSize connections, each made
// by maker, reclaimed after the pool has been fully idle for timeout.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		freed:   make(chan struct{}, 1),
		cancel:  make(chan struct{}, 1),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get retrieves a connection from the pool, blocking until one is available
// if all are leased out.  The caller has exclusive use of the returned
// ReadWriter and should not cast it to its concrete type.
//
// When done, return the connection with Put, or discard it with Destroy if
// it has gone bad (e.g. all calls error).  A non-nil error means there is
// nothing to return.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.cancelReclaim()
	for {
		p.mu.Lock()
		// a connection is waiting; hand it straight out
		if len(p.conns) > 0 {
			ret := <-p.conns
			p.onLease++
			p.mu.Unlock()
			return ret, nil
		}
		// room to grow; make a new one.  Only count the lease if the
		// maker gave us something usable.
		if p.onLease < p.maxSize {
			c, err := p.maker()
			if err == nil {
				p.onLease++
			}
			p.mu.Unlock()
			return c, err
		}
		// all leased out.  Wait without the lock; Put and Destroy both
		// need it to hand capacity back to us.
		p.mu.Unlock()
		select {
		case ret := <-p.conns:
			p.mu.Lock()
			p.onLease++
			p.mu.Unlock()
			return ret, nil
		case <-p.freed:
			// a lease was destroyed rather than returned; go around and
			// make a fresh connection in its place
		}
	}
}

// Put restores a connection to the pool for reuse.  Junk connections should
// be Destroy()'d instead.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	// send before taking the lock so a Get that is mid-wait picks the
	// connection up directly
	p.conns <- rwc
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	if len(p.conns) == p.maxSize {
		p.startReclaim()
	}
}

// Destroy closes a connection and frees its lease without returning it to
// the pool.  Any Get waiting on an exhausted pool is woken so it can make
// a replacement.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	select {
	case p.freed <- struct{}{}:
	default: // a wakeup is already pending
	}
}

// ReturnWithError either Puts or Destroys the connection based on whether
// the last operation on it errored
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections owned by the pool, idle or leased
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently leased out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// cancelReclaim stands down a parked reclaimer goroutine; the pool is
// about to be used again
func (p *Pool) cancelReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.reclaiming {
		return
	}
	p.timer.Stop()
	select {
	case p.cancel <- struct{}{}:
	default: // a cancel is already pending
	}
}

// startReclaim arms the idle timer and spawns a goroutine that drains the
// pool when it fires, unless a Get cancels it first.  Callers must hold
// p.mu.
func (p *Pool) startReclaim() {
	if p.reclaiming {
		return
	}
	// flush a cancel left over from a cycle that had already ended
	select {
	case <-p.cancel:
	default:
	}
	p.reclaiming = true
	p.timer.Reset(p.timeout)
	go func() {
		select {
		case <-p.timer.C:
			p.mu.Lock()
			for len(p.conns) > 0 {
				closer := <-p.conns
				closer.Close()
			}
			p.reclaiming = false
			p.mu.Unlock()
		case <-p.cancel:
			p.mu.Lock()
			p.reclaiming = false
			p.mu.Unlock()
		}
	}()
}
