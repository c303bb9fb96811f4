package comm_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/pvlabs/stagehand/comm"
)

// startEcho runs a TCP echo server on an OS-assigned port and returns its
// address.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln.Addr().String()
}

func dialer(addr string) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
}

func TestPoolReusesReturnedConnections(t *testing.T) {
	addr := startEcho(t)
	pool := comm.NewPool(1, time.Minute, dialer(addr))
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	pool.Put(conn)
	conn2, err := pool.Get()
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if conn2 != conn {
		t.Error("pool did not reuse the returned connection")
	}
	pool.Put(conn2)
	if pool.Size() != 1 {
		t.Errorf("pool size = %d, want 1", pool.Size())
	}
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	addr := startEcho(t)
	pool := comm.NewPool(2, time.Minute, dialer(addr))
	for i := 0; i < 2; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}
	got := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		got <- rw
	}()
	select {
	case <-got:
		t.Fatal("pool exceeded its capacity")
	case <-time.After(250 * time.Millisecond):
		// blocked, as it should
	}
}

func TestPoolDestroyUnblocksWaitingGet(t *testing.T) {
	addr := startEcho(t)
	pool := comm.NewPool(1, time.Minute, dialer(addr))
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got := make(chan io.ReadWriter, 1)
	go func() {
		rw, err := pool.Get()
		if err != nil {
			t.Error(err)
		}
		got <- rw
	}()
	// let the second Get park on the exhausted pool
	time.Sleep(50 * time.Millisecond)
	destroyed := make(chan struct{})
	go func() {
		pool.Destroy(conn)
		close(destroyed)
	}()
	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("Destroy blocked behind a waiting Get")
	}
	select {
	case rw := <-got:
		if rw == nil {
			t.Fatal("waiting Get returned no connection")
		}
	case <-time.After(time.Second):
		t.Fatal("waiting Get never resumed after Destroy")
	}
}

func TestPoolReclaimRearmsAfterInterruption(t *testing.T) {
	addr := startEcho(t)
	pool := comm.NewPool(1, 100*time.Millisecond, dialer(addr))
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pool.Put(conn)
	// take the connection back before the idle timer fires, standing the
	// reclaimer down
	conn, err = pool.Get()
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	pool.Put(conn)
	deadline := time.Now().Add(2 * time.Second)
	for pool.Size() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle pool was never reclaimed after Get interrupted the first reclaim cycle")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPoolDestroyFreesLease(t *testing.T) {
	addr := startEcho(t)
	pool := comm.NewPool(1, time.Minute, dialer(addr))
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pool.Destroy(conn)
	if pool.Active() != 0 {
		t.Errorf("active leases = %d, want 0", pool.Active())
	}
	// a fresh connection should be made without blocking
	done := make(chan struct{})
	go func() {
		if _, err := pool.Get(); err != nil {
			t.Error(err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Get after Destroy blocked")
	}
}
