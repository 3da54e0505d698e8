/*Package mode arbitrates between the two mutually exclusive acquisition
back-ends that share the instrument: the interactive scan engine used for
live imaging and closed-loop control, and the scripted engine used for
high-throughput detector acquisition.

Switching physically reconfigures a shared mechanism and is slow.  The
Arbiter owns the current mode, serializes hand-offs, and provides the
switch/restore bracket that every mode-bound operation runs inside.
*/
package mode

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Mode identifies an acquisition back-end.
type Mode int

const (
	// Interactive is the live, low latency imaging back-end
	Interactive Mode = iota

	// Scripted is the offline, file-synchronized detector back-end
	Scripted
)

func (m Mode) String() string {
	switch m {
	case Interactive:
		return "interactive"
	case Scripted:
		return "scripted"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Parse converts a mode name to a Mode.
func Parse(s string) (Mode, error) {
	switch s {
	case "interactive":
		return Interactive, nil
	case "scripted":
		return Scripted, nil
	default:
		return 0, fmt.Errorf("mode: unknown mode %q", s)
	}
}

// A Switcher performs the physical hand-off to a back-end.  It is only
// called when the mode actually changes.
type Switcher interface {
	Switch(Mode) error
}

// SwitcherFunc adapts a function to the Switcher interface.
type SwitcherFunc func(Mode) error

// Switch implements Switcher.
func (f SwitcherFunc) Switch(m Mode) error { return f(m) }

// Arbiter tracks which back-end owns the instrument.  There is one Arbiter
// per server; hand-offs are serialized by its lock.
type Arbiter struct {
	mu  sync.Mutex
	cur Mode
	sw  Switcher
}

// NewArbiter returns an Arbiter starting in the given mode.  The initial
// mode is taken on faith; no hand-off is performed.
func NewArbiter(sw Switcher, initial Mode) *Arbiter {
	return &Arbiter{cur: initial, sw: sw}
}

// Current returns the active mode.
func (a *Arbiter) Current() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// Set switches to m.  Switching to the already active mode is a no-op
// success.  If the hand-off fails the recorded mode is unchanged.
func (a *Arbiter) Set(m Mode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == m {
		return nil
	}
	if err := a.sw.Switch(m); err != nil {
		return errors.Wrapf(err, "hand-off to %v failed", m)
	}
	a.cur = m
	return nil
}

// WithMode runs fn with mode m active.  The prior mode is captured first;
// if a switch-in was needed, the prior mode is restored afterwards whether
// or not fn succeeded.  If the switch-in itself fails, fn is not run and
// no restore is attempted.
func (a *Arbiter) WithMode(m Mode, fn func() error) error {
	prev := a.Current()
	switched := false
	if prev != m {
		if err := a.Set(m); err != nil {
			return err
		}
		switched = true
	}
	err := fn()
	if switched {
		if rerr := a.Set(prev); rerr != nil {
			if err != nil {
				return errors.Wrapf(err, "additionally, restoring %v failed: %v", prev, rerr)
			}
			return errors.Wrapf(rerr, "operation succeeded but restoring %v failed", prev)
		}
	}
	return err
}
