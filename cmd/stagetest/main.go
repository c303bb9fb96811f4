// Command stagetest runs a hardware checkout of a sample stage: connect,
// emergency stop, home, a move to midspan, a small relative move, and a
// final stop.  It is destructive in the sense that the stage will move;
// clear the bed before running it.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pvlabs/stagehand/pcb"
	"github.com/pvlabs/stagehand/stage"

	"github.com/theckman/yacspin"
)

func parseLengths(s string) []float64 {
	if s == "" {
		return nil
	}
	pieces := strings.Split(s, ",")
	out := make([]float64, 0, len(pieces))
	for _, p := range pieces {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			log.Fatalf("bad length %q: %v", p, err)
		}
		out = append(out, v)
	}
	return out
}

func main() {
	var (
		addr    = flag.String("addr", "/dev/ttyACM0", "address of the control box, host:port or serial device")
		serial  = flag.Bool("serial", true, "connect over serial instead of TCP")
		mock    = flag.Bool("mock", false, "use a software simulation instead of hardware")
		otter   = flag.Bool("otter", false, "stage has the otter geometry, use the safe homing order")
		lengths = flag.String("lengths", "750", "comma separated expected axis lengths, mm")
	)
	flag.Parse()

	expected := parseLengths(*lengths)
	var link stage.Link
	if *mock {
		conv := stage.Converter{StepsPerMM: stage.DefaultStepsPerMM}
		steps := make([]int, len(expected))
		for i, mm := range expected {
			steps[i] = conv.ToSteps(mm)
		}
		link = pcb.NewMock(steps)
	} else {
		link = pcb.New(*addr, *serial)
	}
	s := stage.New(link, stage.Config{
		ExpectedLengths: expected,
		Otter:           *otter})

	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	spinner, err := yacspin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	step := func(name string, fcn func() stage.Code) {
		spinner.Suffix(" " + name)
		spinner.Start()
		if c := fcn(); c != stage.OK {
			spinner.StopFailMessage(fmt.Sprintf("%s: %v (%d)", name, c, int(c)))
			spinner.StopFail()
			s.EStop(nil)
			os.Exit(1)
		}
		spinner.StopMessage(name)
		spinner.Stop()
	}

	step("connect", s.Connect)
	fmt.Println("axes:", s.Axes())
	step("estop", func() stage.Code { return s.EStop(nil) })
	var dims []float64
	step("home", func() stage.Code {
		var c stage.Code
		dims, c = s.Home(stage.AllAxes, true, stage.DefaultHomeTimeout)
		return c
	})
	fmt.Println("lengths (mm):", dims)

	mid := make([]float64, len(dims))
	for i, d := range dims {
		mid[i] = d / 2
	}
	step("goto midspan", func() stage.Code {
		return s.Goto(mid, nil, true, stage.DefaultMoveTimeout)
	})
	deltas := make([]float64, len(dims))
	for i := range deltas {
		deltas[i] = 10
	}
	step("move +10mm", func() stage.Code {
		return s.Move(deltas, nil, true, stage.DefaultMoveTimeout)
	})
	for i := range deltas {
		deltas[i] = -10
	}
	step("move -10mm", func() stage.Code {
		return s.Move(deltas, nil, true, stage.DefaultMoveTimeout)
	})
	for i, p := range s.GetPosition(nil) {
		if p == nil {
			fmt.Printf("axis %d position unknown\n", s.Axes()[i])
		} else {
			fmt.Printf("axis %d at %.3f mm\n", s.Axes()[i], *p)
		}
	}
	step("estop", func() stage.Code { return s.EStop(nil) })
	fmt.Println("stage checkout passed")
}
