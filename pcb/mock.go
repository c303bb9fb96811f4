package pcb

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Mock simulates the control box firmware, for development away from the
// hardware and for tests.  Motion completes instantly: a goto lands exactly
// on target, homing measures the configured true length, and a jog runs the
// carriage to the commanded end of travel.  It implements the same Get
// contract as PCB.
type Mock struct {
	mu   sync.Mutex
	axes map[int]*mockAxis

	// Trace accumulates every command received, in order
	Trace []string
}

type mockAxis struct {
	length int // true stage length in steps
	lreg   int // length register: -1 unknown, 0 after a jog, length after homing
	pos    int
}

// NewMock returns a Mock with one axis per entry of lengths (the true axis
// lengths in steps).  All axes begin unhomed.
func NewMock(lengths []int) *Mock {
	m := &Mock{axes: map[int]*mockAxis{}}
	for i, l := range lengths {
		m.axes[i+1] = &mockAxis{length: l, lreg: -1}
	}
	return m
}

// Get answers one command the way the firmware would
func (m *Mock) Get(cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trace = append(m.Trace, cmd)
	if cmd == "" {
		return "ERR empty command", nil
	}
	switch cmd[0] {
	case 'e':
		mask := 0
		for idx := range m.axes {
			mask |= 1 << uint(idx-1)
		}
		return strconv.Itoa(mask), nil
	case 'l':
		ax, ok := m.axisOf(cmd[1:])
		if !ok {
			return "ERR bad axis", nil
		}
		return strconv.Itoa(ax.lreg), nil
	case 'r':
		ax, ok := m.axisOf(cmd[1:])
		if !ok {
			return "ERR bad axis", nil
		}
		return strconv.Itoa(ax.pos), nil
	case 'h':
		if cmd == "h" {
			for _, ax := range m.axes {
				ax.home()
			}
			return "", nil
		}
		ax, ok := m.axisOf(cmd[1:])
		if !ok {
			return "ERR bad axis", nil
		}
		ax.home()
		return "", nil
	case 'j':
		if len(cmd) < 3 {
			return "ERR malformed jog", nil
		}
		ax, ok := m.axisOf(cmd[1 : len(cmd)-1])
		if !ok {
			return "ERR bad axis", nil
		}
		switch cmd[len(cmd)-1] {
		case 'a':
			ax.pos = ax.length
		case 'b':
			ax.pos = 0
		default:
			return "ERR bad direction", nil
		}
		// running to a hard stop loses the homing reference; the length
		// register reads zero until the axis is homed again
		ax.lreg = 0
		return "", nil
	case 'g':
		// axes are single digit on this hardware; the rest is the target
		if len(cmd) < 3 {
			return "ERR malformed goto", nil
		}
		ax, ok := m.axisOf(cmd[1:2])
		if !ok {
			return "ERR bad axis", nil
		}
		target, err := strconv.Atoi(cmd[2:])
		if err != nil {
			return "ERR bad target", nil
		}
		if ax.lreg <= 0 {
			return "ERR not homed", nil
		}
		ax.pos = target
		return "", nil
	case 'b':
		if cmd == "b" {
			return "", nil
		}
		if _, ok := m.axisOf(cmd[1:]); !ok {
			return "ERR bad axis", nil
		}
		return "", nil
	}
	return fmt.Sprintf("ERR unknown command %q", cmd), nil
}

// Sent reports how many commands with the given prefix have been received
func (m *Mock) Sent(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Trace {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (m *Mock) axisOf(s string) (*mockAxis, bool) {
	idx, err := strconv.Atoi(s)
	if err != nil {
		return nil, false
	}
	ax, ok := m.axes[idx]
	return ax, ok
}

func (ax *mockAxis) home() {
	ax.lreg = ax.length
	ax.pos = 1 // parked just off the limit switch
}
