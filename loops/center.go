package loops

import (
	"log"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/frame"
	"github.jpl.nasa.gov/bdube/gostem/tem"
)

// ErrNotConverged is returned when centering runs out of attempts.  Any
// column valve close requested by the config has already happened when the
// caller sees this error.
var ErrNotConverged = errors.New("loops: centering did not converge within the allowed attempts")

// CenterConfig tunes one centering run.
type CenterConfig struct {
	// Tolerance is the largest acceptable per axis offset in meters
	Tolerance float64 `json:"xymax"`

	// MaxTries bounds the number of corrective stage moves
	MaxTries int `json:"ntries"`

	// CalFactor scales the measured offset into stage motion
	CalFactor float64 `json:"cal_factor"`

	// Dwell and Size shape the search acquisitions; the scan is square
	Dwell float64 `json:"dwell_search"`
	Size  int     `json:"size_search"`

	// Settle is the pause after each stage move
	Settle time.Duration `json:"-"`

	// CloseValveOnFail closes the column valves when the run exhausts
	// its attempts, protecting the sample from an uncontrolled drift
	CloseValveOnFail bool `json:"close_valve_on_fail"`

	// Refocus, if non-nil, runs before each search acquisition
	Refocus func() error `json:"-"`

	// Sleep is swapped out in tests; time.Sleep if nil
	Sleep func(time.Duration) `json:"-"`
}

// Center drives the stage until the scanned field of view matches ref to
// within the per axis tolerance.  Each pass scans a frame, registers it
// against ref, and moves the stage by the scaled offset if either axis is
// out of tolerance.  Attempts are consumed by corrective moves, not by
// acquisitions; the pass that lands in tolerance is free.
func Center(inst tem.Instrument, ref frame.Image, cfg CenterConfig) error {
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	tries := cfg.MaxTries
	for tries > 0 {
		if cfg.Refocus != nil {
			if err := cfg.Refocus(); err != nil {
				return errors.Wrap(err, "refocusing before centering pass")
			}
		}
		im, err := inst.AcquireImage(cfg.Dwell, cfg.Size, cfg.Size, [2]float64{0, 0})
		if err != nil {
			return errors.Wrap(err, "centering acquisition")
		}
		off, err := frame.Register(ref, im, im.Cal)
		if err != nil {
			return errors.Wrap(err, "centering registration")
		}
		log.Printf("centering offset %g, %g m, %d tries left", off.X, off.Y, tries)
		if math.Abs(off.X) <= cfg.Tolerance && math.Abs(off.Y) <= cfg.Tolerance {
			return nil
		}
		tries--
		delta := tem.StagePosition{X: off.X * cfg.CalFactor, Y: off.Y * cfg.CalFactor}
		if err := inst.MoveStage(delta); err != nil {
			return errors.Wrap(err, "centering stage move")
		}
		sleep(cfg.Settle)
	}
	if cfg.CloseValveOnFail {
		log.Print("centering failed, closing column valves")
		if err := inst.SetColumnValvesOpen(false); err != nil {
			return errors.Wrap(err, "closing column valves after failed centering")
		}
	}
	return ErrNotConverged
}
