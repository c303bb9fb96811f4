package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/pvlabs/stagehand/generichttp"
	"github.com/pvlabs/stagehand/pcb"
	"github.com/pvlabs/stagehand/server/middleware/locker"
	"github.com/pvlabs/stagehand/stage"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "stagesrv.yml"
	k              = koanf.New(".")
)

type stageSetup struct {
	// Addr holds the network or filesystem address of the control box,
	// e.g. 192.168.100.123:2000 for TCP or /dev/ttyACM0 for USB serial
	Addr string `yaml:"Addr"`

	// Serial determines if the connection is serial/USB (True) or TCP (False)
	Serial bool `yaml:"Serial"`

	// Mock replaces the control box with a software simulation
	Mock bool `yaml:"Mock"`

	// ExpectedLengths holds the as-built axis lengths in mm
	ExpectedLengths []float64 `yaml:"ExpectedLengths"`

	// Keepouts holds per-axis forbidden intervals in mm, empty = none
	Keepouts [][]float64 `yaml:"Keepouts"`

	// StepsPerMM overrides the conversion ratio, 0 = default screw
	StepsPerMM float64 `yaml:"StepsPerMM"`

	// EndBuffer, LengthTolerance in mm, 0 = default
	EndBuffer       float64 `yaml:"EndBuffer"`
	LengthTolerance float64 `yaml:"LengthTolerance"`

	// Otter selects the dependent two-axis homing choreography
	Otter      bool    `yaml:"Otter"`
	OtterSafeX float64 `yaml:"OtterSafeX"`
}

type config struct {
	Addr  string     `yaml:"Addr"`
	Root  string     `yaml:"Root"`
	Stage stageSetup `yaml:"Stage"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr: ":8002",
		Root: "/",
		Stage: stageSetup{
			Addr:            "/dev/ttyACM0",
			Serial:          true,
			ExpectedLengths: []float64{750}}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `stagesrv exposes control of uStepperS driven sample stages over HTTP
This enables a server-client architecture,
and the clients can leverage the excellent HTTP
libraries for any programming language,
instead of custom socket logic.

Usage:
	stagesrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `stagesrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.

ExpectedLengths must have one entry per installed axis or the server will
refuse to validate lengths and motion will be rejected until it is fixed.

Otter stages home axis 2 through a position where axis 1 can collide with
it; set Otter: true for those and homing will run the safe choreography.

Mock: true replaces the control box with a software simulation, useful for
developing orchestration code on machines without the hardware.

The server holds no lock at bootup.  POST {"bool": true} to /lock before a
motion+measurement action to keep other clients out, and unlock after.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("stagesrv version %v\n", Version)
}

func run() {
	cfg := config{}
	k.Unmarshal("", &cfg)
	var link stage.Link
	if cfg.Stage.Mock {
		lengths := make([]int, len(cfg.Stage.ExpectedLengths))
		conv := stage.Converter{StepsPerMM: cfg.Stage.StepsPerMM}
		if conv.StepsPerMM == 0 {
			conv.StepsPerMM = stage.DefaultStepsPerMM
		}
		for i, mm := range cfg.Stage.ExpectedLengths {
			lengths[i] = conv.ToSteps(mm)
		}
		link = pcb.NewMock(lengths)
		log.Println("using a mock control box, no hardware will move")
	} else {
		link = pcb.New(cfg.Stage.Addr, cfg.Stage.Serial)
	}
	s := stage.New(link, stage.Config{
		StepsPerMM:      cfg.Stage.StepsPerMM,
		ExpectedLengths: cfg.Stage.ExpectedLengths,
		Keepouts:        cfg.Stage.Keepouts,
		EndBuffer:       cfg.Stage.EndBuffer,
		LengthTolerance: cfg.Stage.LengthTolerance,
		Otter:           cfg.Stage.Otter,
		OtterSafeX:      cfg.Stage.OtterSafeX})
	if c := s.Connect(); c != stage.OK {
		log.Fatalf("connecting to the stage at %s failed: %v", cfg.Stage.Addr, c)
	}
	log.Printf("stage has axes %v, homed=%t", s.Axes(), s.Homed())

	w := stage.NewHTTPStage(s)
	lock := locker.New()
	locker.Inject(w, lock)

	hndlrS := generichttp.SubMuxSanitize(cfg.Root)
	rootMux := chi.NewRouter()
	rootMux.Use(middleware.Logger)
	mux := chi.NewRouter()
	mux.Use(lock.Check)
	rootMux.Mount(hndlrS, mux)
	w.RT().Bind(mux)
	log.Println("now listening for requests at ", cfg.Addr+hndlrS)
	log.Fatal(http.ListenAndServe(cfg.Addr, rootMux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
