package scripted

import (
	"log"
	"time"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/mode"
)

// Relay performs the physical hand-off between the interactive and
// scripted back-ends by driving the detector relay through the engine.
// The move is slow and must never be commanded twice concurrently; the
// mode arbiter guarantees that.
type Relay struct {
	// Engine launches the relay scripts
	Engine Engine

	// InteractiveScript and ScriptedScript are the pre-staged scripts
	// that park the relay in each position
	InteractiveScript string
	ScriptedScript    string

	// SettleTime is how long the mechanism takes to finish moving after
	// the engine call returns
	SettleTime time.Duration

	// Sleep is swapped out in tests; time.Sleep if nil
	Sleep func(time.Duration)
}

// Switch implements mode.Switcher.
func (r *Relay) Switch(m mode.Mode) error {
	script := r.InteractiveScript
	if m == mode.Scripted {
		script = r.ScriptedScript
	}
	log.Printf("moving detector relay to %v position", m)
	if err := r.Engine.Run(script); err != nil {
		return errors.Wrapf(err, "relay hand-off to %v", m)
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	if r.SettleTime > 0 {
		sleep(r.SettleTime)
	}
	return nil
}

// NopSwitcher is a Switcher for simulation; it logs and succeeds.
func NopSwitcher() mode.Switcher {
	return mode.SwitcherFunc(func(m mode.Mode) error {
		log.Printf("sim: detector relay now in %v position", m)
		return nil
	})
}
