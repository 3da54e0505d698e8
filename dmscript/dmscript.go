/*Package dmscript renders the acquisition scripts consumed by the external
scripting engine.  The engine's sole input is a script file; these
templates bake the scan parameters for one acquisition into that file.

Scripts are fully specified by the parameters passed in; nothing is
mutated between renders.
*/
package dmscript

import (
	"fmt"
	"strings"
	"text/template"
)

// MaxDim is the largest scan dimension the detector accepts.
const MaxDim = 4096

// ScanParams are the validated parameters embedded in a generated script.
type ScanParams struct {
	// Width is the fast scan size in pixels
	Width int `json:"pwidth"`

	// Height is the slow scan size in pixels
	Height int `json:"pheight"`

	// Dwell is the per pixel dwell time in seconds (STEM scans)
	Dwell float64 `json:"dwell_time"`

	// FrameCount is the number of detector frames per probe position
	// (camera scans)
	FrameCount int `json:"nread"`

	// Rotation is the scan rotation in degrees; 0 matches the microscope
	// control software
	Rotation float64 `json:"rotation"`

	// SignalIndex selects the detector signal
	SignalIndex int `json:"signal_index"`
}

// Validate checks p for use in a STEM scan script.
func (p ScanParams) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("dmscript: scan shape %dx%d must be positive", p.Width, p.Height)
	}
	if p.Width > MaxDim || p.Height > MaxDim {
		return fmt.Errorf("dmscript: scan shape %dx%d exceeds %d", p.Width, p.Height, MaxDim)
	}
	if p.SignalIndex < 0 {
		return fmt.Errorf("dmscript: signal index %d must not be negative", p.SignalIndex)
	}
	return nil
}

// ValidateSTEM checks p for a dwell-clocked STEM scan.
func (p ScanParams) ValidateSTEM() error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Dwell <= 0 {
		return fmt.Errorf("dmscript: dwell time %g must be positive", p.Dwell)
	}
	return nil
}

// ValidateCamera checks p for a frame-clocked camera scan.
func (p ScanParams) ValidateCamera() error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.FrameCount < 1 {
		return fmt.Errorf("dmscript: frame count %d must be at least 1", p.FrameCount)
	}
	return nil
}

var stemTmpl = template.Must(template.New("stem").Parse(`// Acquire a STEM image
number width = {{.P.Width}} // pixel, fast scan
number height = {{.P.Height}} // pixel, slow scan
number rotation = {{.P.Rotation}} // degree, 0 matches microscope software
number pixelTime = {{.DwellUS}} // microseconds
number signalIndex = {{.P.SignalIndex}}
number dataType = 4 // 4 byte data
number lineSync = 0

number p = DSCreateParameters(width, height, rotation, pixelTime, 0)
DSSetParametersSignal(p, signalIndex, dataType, 1, 0)
DSStartAcquisition(p, 0, 1)

image image0 := GetFrontImage()
DSDeleteParameters(p)

// the server polls this path; saving it is the completion signal
SaveAsGatan(image0, "{{.Out}}")
result("STEM scan done\n")
`))

var cameraTmpl = template.Must(template.New("camera").Parse(`// Acquire a detector camera scan
number width = {{.P.Width}} // pixel, fast scan
number height = {{.P.Height}} // pixel, slow scan
number rotation = {{.P.Rotation}} // degree
number nread = {{.P.FrameCount}} // frames per probe position
number nskip = 0
number nflyback = 300 // frames consumed by flyback
number signalIndex = {{.P.SignalIndex}}
number dataType = 4

number scan_number
GetPersistentNumberNote("scannum", scan_number)

EMSetBeamBlanked(1)
dssetexternalpixelclock(1)

number p = DSCreateParameters(width, height, rotation, 10, 0)
DSSetParametersSignal(p, signalIndex, dataType, 1, 0)
EMSetBeamBlanked(0)
DSStartAcquisition(p, 0, 0)
DSWaitUntilFinished()
EMSetBeamBlanked(1)

image image0 := GetFrontImage()
dssetexternalpixelclock(0)
DSDeleteParameters(p)

SetName(image0, "scan" + scan_number)
SetPersistentNumberNote("scannum", scan_number + 1)

// the server polls this path; saving it is the completion signal
SaveAsGatan(image0, "{{.Out}}")
result("camera scan done\n")
`))

var moveBeamTmpl = template.Must(template.New("movebeam").Parse(`// move the parked beam
image im := GetFrontImage()
number X, Y, currX, currY
DSGetBeamDSPosition(currX, currY)
DSCalcImageCoordFromDS(im, currX, currY, X, Y)
DSPositionBeam(im, X + {{.DX}}, Y + {{.DY}})
result("beam moved by {{.DX}}, {{.DY}}\n")
`))

// STEMScript renders the script for a dwell-clocked STEM acquisition that
// saves its result to outPath.
func STEMScript(p ScanParams, outPath string) (string, error) {
	if err := p.ValidateSTEM(); err != nil {
		return "", err
	}
	var b strings.Builder
	err := stemTmpl.Execute(&b, struct {
		P       ScanParams
		DwellUS float64
		Out     string
	}{P: p, DwellUS: p.Dwell * 1e6, Out: outPath})
	return b.String(), err
}

// CameraScript renders the script for a frame-clocked camera acquisition
// that saves its result to outPath.
func CameraScript(p ScanParams, outPath string) (string, error) {
	if err := p.ValidateCamera(); err != nil {
		return "", err
	}
	var b strings.Builder
	err := cameraTmpl.Execute(&b, struct {
		P   ScanParams
		Out string
	}{P: p, Out: outPath})
	return b.String(), err
}

// MoveBeamScript renders the script that nudges the parked beam by
// (dx, dy) pixels.
func MoveBeamScript(dx, dy float64) (string, error) {
	var b strings.Builder
	err := moveBeamTmpl.Execute(&b, struct{ DX, DY float64 }{DX: dx, DY: dy})
	return b.String(), err
}
