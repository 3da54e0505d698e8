// Command stemsrv runs the microscope orchestration server: the TCP
// command dispatcher, the acquisition mode arbiter, the scripted engine
// synchronizer, and the read-only HTTP monitor.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/gostem/ceos"
	"github.jpl.nasa.gov/bdube/gostem/dispatch"
	"github.jpl.nasa.gov/bdube/gostem/frame"
	"github.jpl.nasa.gov/bdube/gostem/httpmon"
	"github.jpl.nasa.gov/bdube/gostem/loops"
	"github.jpl.nasa.gov/bdube/gostem/mode"
	"github.jpl.nasa.gov/bdube/gostem/scanrec"
	"github.jpl.nasa.gov/bdube/gostem/scripted"
	"github.jpl.nasa.gov/bdube/gostem/tem"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "stemsrv.yml"
	k              = koanf.New(".")
)

// CorrectorSetup configures the aberration corrector RPC gateway client.
type CorrectorSetup struct {
	// Addr is the gateway's TCP address
	Addr string `koanf:"addr" yaml:"addr"`

	// TimeoutS is the per-exchange timeout in seconds
	TimeoutS float64 `koanf:"timeoutS" yaml:"timeoutS"`

	// ConnectWaitS bounds the startup connection retry in seconds
	ConnectWaitS float64 `koanf:"connectWaitS" yaml:"connectWaitS"`
}

// RecordingSetup configures the scan recorder.
type RecordingSetup struct {
	// Root is the recording directory; empty disables recording
	Root string `koanf:"root" yaml:"root"`

	// Prefix is the recorded filename prefix
	Prefix string `koanf:"prefix" yaml:"prefix"`

	// DB is the sqlite ledger path; empty records files only
	DB string `koanf:"db" yaml:"db"`
}

// Config is the whole-server configuration tree.
type Config struct {
	// Addr is the command server's TCP address
	Addr string `koanf:"addr" yaml:"addr"`

	// MonitorAddr is the read-only HTTP monitor's address; empty disables
	MonitorAddr string `koanf:"monitorAddr" yaml:"monitorAddr"`

	// Sim runs against the simulated instrument, engine, and corrector
	Sim bool `koanf:"sim" yaml:"sim"`

	Corrector CorrectorSetup `koanf:"corrector" yaml:"corrector"`
	Recording RecordingSetup `koanf:"recording" yaml:"recording"`
}

func defaults() Config {
	return Config{
		Addr:        ":7001",
		MonitorAddr: ":8090",
		Sim:         false,
		Corrector: CorrectorSetup{
			Addr:         "localhost:7072",
			TimeoutS:     30,
			ConnectWaitS: 60,
		},
		Recording: RecordingSetup{
			Prefix: "scan_",
		},
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	scripted.SetupViper()
}

func root() {
	str := `stemsrv orchestrates a scanning transmission electron microscope:
it owns the instrument, the aberration corrector, and the external scripted
acquisition engine, and serves a one-command-at-a-time TCP protocol to
clients plus a read-only HTTP monitor.

Usage:
	stemsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `stemsrv is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

The command protocol is JSON in netstring frames over TCP; see the client,
stemcli.  One command runs at a time regardless of client count.

The scripted engine's paths and relay scripts are configured separately in
the engine config file read at startup (see the scripted package).

With sim: true the server runs against a simulated instrument, engine, and
corrector, which is enough to exercise every command end to end, including
centering and autofocus.  Without it the server expects the corrector RPC
gateway and the scripting engine executable from the config to be
reachable.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
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
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("stemsrv version %v\n", Version)
}

// simCorrector stands in for the corrector gateway when simulating.  It
// logs corrections and reports perfect measurements.
type simCorrector struct{}

func (simCorrector) CorrectAberration(name string, value [2]float64, sel string) error {
	log.Printf("sim: corrector %s += (%g, %g) [%s]", name, value[0], value[1], sel)
	return nil
}

func (simCorrector) MeasureC1A1() (map[string]float64, error) {
	return map[string]float64{"C1": 0, "A1_x": 0, "A1_y": 0}, nil
}

func (simCorrector) AcquireTableau(float64, string) (map[string]float64, error) {
	return map[string]float64{"C1": 0, "A1_x": 0, "A1_y": 0, "B2_x": 0, "B2_y": 0}, nil
}

func buildSession(c Config) *dispatch.Session {
	s := &dispatch.Session{Opt: loops.Grid{}}

	if c.Recording.Root != "" {
		rec, err := scanrec.New(c.Recording.Root, c.Recording.Prefix, c.Recording.DB)
		if err != nil {
			log.Fatalf("opening scan recorder: %v", err)
		}
		s.Rec = rec
	}

	if c.Sim {
		mock := tem.NewMock()
		s.Inst = mock
		s.Cor = simCorrector{}
		s.Arb = mode.NewArbiter(scripted.NopSwitcher(), mode.Interactive)
		sync := scripted.FromViper()
		sync.Engine = scripted.SimEngine{
			ArtifactPath: sync.ArtifactPath,
			Source: func(w, h int) (frame.Image, error) {
				return mock.AcquireImage(1e-6, w, h, [2]float64{0, 0})
			},
		}
		s.Sync = sync
		return s
	}

	inst, err := newInstrument()
	if err != nil {
		log.Fatalf("instrument driver: %v (set sim: true to simulate)", err)
	}
	s.Inst = inst
	cor, err := ceos.New(c.Corrector.Addr,
		time.Duration(c.Corrector.TimeoutS*float64(time.Second)),
		time.Duration(c.Corrector.ConnectWaitS*float64(time.Second)))
	if err != nil {
		log.Fatalf("connecting to aberration corrector: %v", err)
	}
	s.Cor = cor
	s.Arb = mode.NewArbiter(scripted.RelayFromViper(), mode.Interactive)
	s.Sync = scripted.FromViper()
	return s
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	s := buildSession(c)
	srv := dispatch.NewServer(s)

	if c.MonitorAddr != "" {
		var ledger httpmon.Ledger
		if rec, ok := s.Rec.(*scanrec.Recorder); ok {
			ledger = rec
		}
		mon := httpmon.New(s.Arb, ledger)
		go func() {
			log.Printf("monitor listening on %s", c.MonitorAddr)
			log.Fatal(http.ListenAndServe(c.MonitorAddr, mon.RT()))
		}()
	}

	log.Fatal(srv.ListenAndServe(c.Addr))
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
