/*Package tem describes the narrow interface to the microscope driver used
by the orchestration server, and a mock implementation of it.

The real instrument is reached through a vendor COM binding which lives
outside this module; anything satisfying Instrument can be dropped in.
*/
package tem

import "github.jpl.nasa.gov/bdube/gostem/frame"

// StagePosition is the five degree of freedom stage state.  X, Y, Z are in
// meters, A and B are the tilt angles in radians.
type StagePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Add returns the elementwise sum of two positions.
func (p StagePosition) Add(d StagePosition) StagePosition {
	return StagePosition{X: p.X + d.X, Y: p.Y + d.Y, Z: p.Z + d.Z, A: p.A + d.A, B: p.B + d.B}
}

type magnifier interface {
	// Magnification gets the STEM magnification, e.g. 1.8Mx => 1800000
	Magnification() (float64, error)

	// SetMagnification sets the STEM magnification
	SetMagnification(float64) error
}

type stager interface {
	// StagePosition gets the current stage position
	StagePosition() (StagePosition, error)

	// MoveStage moves the stage by a relative amount
	MoveStage(delta StagePosition) error

	// MoveStageTo moves the stage to an absolute position
	MoveStageTo(pos StagePosition) error
}

type focuser interface {
	// Defocus gets the defocus in meters
	Defocus() (float64, error)

	// SetDefocus sets the defocus in meters
	SetDefocus(float64) error

	// ChangeDefocus changes the defocus by a relative amount in meters
	ChangeDefocus(float64) error
}

type projector interface {
	// CameraLength gets the camera length in meters
	CameraLength() (float64, error)

	// CameraLengthIndex gets the index into the camera length table
	CameraLengthIndex() (int, error)

	// SetCameraLengthIndex selects a camera length by table index
	SetCameraLengthIndex(int) error
}

type illuminator interface {
	// BeamBlanked gets whether the beam is blanked
	BeamBlanked() (bool, error)

	// SetBeamBlanked blanks or unblanks the beam
	SetBeamBlanked(bool) error

	// StemRotation gets the scan rotation in radians
	StemRotation() (float64, error)

	// SetStemRotation sets the scan rotation in radians
	SetStemRotation(float64) error

	// ConvergenceAngle gets the probe convergence semi-angle in radians
	ConvergenceAngle() (float64, error)

	// CondenserStigmator gets the condenser stigmator (x, y) in meters
	CondenserStigmator() ([2]float64, error)

	// SetCondenserStigmator sets the condenser stigmator (x, y) in meters
	SetCondenserStigmator([2]float64) error
}

type vacuum interface {
	// ColumnValvesOpen gets whether the column valves are open
	ColumnValvesOpen() (bool, error)

	// SetColumnValvesOpen opens or closes the column valves
	SetColumnValvesOpen(bool) error
}

type gun interface {
	// Voltage gets the accelerating voltage in volts
	Voltage() (float64, error)
}

type imager interface {
	// AcquireImage scans one frame on the interactive back-end.  Dwell is
	// the pixel dwell time in seconds, w/h the scan shape in pixels,
	// offset the scan center offset from the optical axis in pixels.
	AcquireImage(dwell float64, w, h int, offset [2]float64) (frame.Image, error)
}

// Instrument is the full driver interface used by the dispatcher.
type Instrument interface {
	magnifier
	stager
	focuser
	projector
	illuminator
	vacuum
	gun
	imager
}
