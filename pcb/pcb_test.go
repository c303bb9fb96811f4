package pcb

import (
	"bufio"
	"net"
	"testing"
)

// startBox runs a TCP server that answers like the control box: "e" yields
// a bitmask, "h" an empty acknowledgement, anything else an error notice.
func startBox(t *testing.T) string {
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
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					switch sc.Text() {
					case "e":
						c.Write([]byte("3\n"))
					case "h":
						c.Write([]byte("\n"))
					default:
						c.Write([]byte("ERR unknown\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestGetReadsReply(t *testing.T) {
	addr := startBox(t)
	p := New(addr, false)
	resp, err := p.Get("e")
	if err != nil {
		t.Fatalf("Get(e): %v", err)
	}
	if resp != "3" {
		t.Errorf("Get(e) = %q, want \"3\"", resp)
	}
}

func TestGetEmptyReplyIsAck(t *testing.T) {
	addr := startBox(t)
	p := New(addr, false)
	resp, err := p.Get("h")
	if err != nil {
		t.Fatalf("Get(h): %v", err)
	}
	if resp != "" {
		t.Errorf("Get(h) = %q, want empty acknowledgement", resp)
	}
}

func TestGetReusesOneConnection(t *testing.T) {
	addr := startBox(t)
	p := New(addr, false)
	for i := 0; i < 5; i++ {
		if _, err := p.Get("e"); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}
	if p.pool.Size() != 1 {
		t.Errorf("pool size = %d, want 1", p.pool.Size())
	}
}

func TestMockGrammar(t *testing.T) {
	m := NewMock([]int{4800000, 2400000})
	if resp, _ := m.Get("e"); resp != "3" {
		t.Errorf("e = %q, want \"3\"", resp)
	}
	if resp, _ := m.Get("l1"); resp != "-1" {
		t.Errorf("l1 before homing = %q, want \"-1\"", resp)
	}
	if resp, _ := m.Get("h1"); resp != "" {
		t.Errorf("h1 = %q, want ack", resp)
	}
	if resp, _ := m.Get("l1"); resp != "4800000" {
		t.Errorf("l1 after homing = %q, want \"4800000\"", resp)
	}
	if resp, _ := m.Get("g1320000"); resp != "" {
		t.Errorf("g1 = %q, want ack", resp)
	}
	if resp, _ := m.Get("r1"); resp != "320000" {
		t.Errorf("r1 = %q, want \"320000\"", resp)
	}
	if resp, _ := m.Get("j1b"); resp != "" {
		t.Errorf("j1b = %q, want ack", resp)
	}
	if resp, _ := m.Get("l1"); resp != "0" {
		t.Errorf("l1 after jog = %q, want \"0\"", resp)
	}
	if resp, _ := m.Get("g1320000"); resp == "" {
		t.Error("goto on an unhomed axis should be rejected")
	}
	if resp, _ := m.Get("b"); resp != "" {
		t.Errorf("b = %q, want ack", resp)
	}
	if resp, _ := m.Get("x"); resp == "" {
		t.Error("unknown command should be rejected")
	}
	if m.Sent("g1") != 2 {
		t.Errorf("Sent(g1) = %d, want 2", m.Sent("g1"))
	}
}
