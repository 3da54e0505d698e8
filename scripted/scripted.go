/*Package scripted bridges to the external, file-driven acquisition engine.

The engine has no API: its sole input is a script file and its sole output
is a result artifact at a fixed path.  One acquisition is: render the
script, write it, delete any stale artifact, launch the engine, wait for
the artifact to appear, parse it.  Absence of the artifact means the scan
is still running.

A stale artifact from a previous scan is a correctness hazard, not a
performance one; it is always removed before the engine is launched.
*/
package scripted

import (
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/artifact"
	"github.jpl.nasa.gov/bdube/gostem/dmscript"
	"github.jpl.nasa.gov/bdube/gostem/frame"
	"github.jpl.nasa.gov/bdube/gostem/watch"
)

// An Engine launches the external scripting engine on a script file and
// returns once the engine has accepted the script.  Completion of the
// acquisition itself is signaled only by the artifact appearing.
type Engine interface {
	Run(scriptPath string) error
}

// ExecEngine launches the real engine executable.
type ExecEngine struct {
	// Exe is the path to the engine executable
	Exe string
}

// Run implements Engine.
func (e ExecEngine) Run(scriptPath string) error {
	cmd := exec.Command(e.Exe, "/ef", scriptPath)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "launching acquisition engine %s", e.Exe)
	}
	return nil
}

// Synchronizer performs one scripted acquisition at a time.
type Synchronizer struct {
	// ScriptPath is where rendered scripts are written
	ScriptPath string

	// ArtifactPath is where the engine drops the completion artifact
	ArtifactPath string

	// Engine launches the external engine
	Engine Engine

	// Watcher waits for the artifact
	Watcher watch.Watcher

	// Timeout bounds the artifact wait; <= 0 waits forever
	Timeout time.Duration
}

// Acquire runs one acquisition from an already rendered script and parses
// the resulting artifact.  Exactly one script render per invocation; the
// artifact is not parsed until the watcher confirms it exists.
func (s *Synchronizer) Acquire(script string) (frame.Image, error) {
	if err := os.WriteFile(s.ScriptPath, []byte(script), 0666); err != nil {
		return frame.Image{}, errors.Wrapf(err, "writing script %s", s.ScriptPath)
	}
	// a leftover artifact would satisfy the wait instantly and hand the
	// caller data from the wrong scan
	if err := os.Remove(s.ArtifactPath); err != nil && !os.IsNotExist(err) {
		return frame.Image{}, errors.Wrapf(err, "removing stale artifact %s", s.ArtifactPath)
	}
	if err := s.Engine.Run(s.ScriptPath); err != nil {
		return frame.Image{}, err
	}
	if err := s.Watcher.Wait(s.ArtifactPath, s.Timeout); err != nil {
		return frame.Image{}, errors.Wrap(err, "waiting for acquisition to finish")
	}
	return artifact.Read(s.ArtifactPath)
}

// AcquireSTEM renders and runs a dwell-clocked STEM scan.
func (s *Synchronizer) AcquireSTEM(p dmscript.ScanParams) (frame.Image, error) {
	script, err := dmscript.STEMScript(p, s.ArtifactPath)
	if err != nil {
		return frame.Image{}, err
	}
	return s.Acquire(script)
}

// AcquireCamera renders and runs a frame-clocked detector camera scan.
func (s *Synchronizer) AcquireCamera(p dmscript.ScanParams) (frame.Image, error) {
	script, err := dmscript.CameraScript(p, s.ArtifactPath)
	if err != nil {
		return frame.Image{}, err
	}
	return s.Acquire(script)
}

// MoveBeam renders and runs the parked-beam move script.  There is no
// completion artifact for a beam move; the engine call is fire and forget.
func (s *Synchronizer) MoveBeam(dx, dy float64) error {
	script, err := dmscript.MoveBeamScript(dx, dy)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.ScriptPath, []byte(script), 0666); err != nil {
		return errors.Wrapf(err, "writing script %s", s.ScriptPath)
	}
	log.Printf("moving parked beam by %g, %g px", dx, dy)
	return s.Engine.Run(s.ScriptPath)
}
