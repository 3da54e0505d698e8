package tem

import (
	"math"
	"math/rand"
	"sync"

	"github.jpl.nasa.gov/bdube/gostem/frame"
)

const (
	// mockPixelSize is the pixel calibration of mock images, meters
	mockPixelSize = 1e-9

	// mockBlobSigma is the in-focus width of the synthetic feature, pixels
	mockBlobSigma = 3.0

	// mockDefocusBlur converts defocus (m) to extra blur width (px)
	mockDefocusBlur = 2e7
)

// Mock simulates the instrument.  It mirrors state written through the
// setters, and synthesizes images of a single Gaussian feature fixed in
// specimen coordinates, so stage moves translate the feature and defocus
// blurs it.  That is enough to close the centering and focusing loops
// without hardware.
type Mock struct {
	sync.Mutex
	mag      float64
	rot      float64
	conv     float64
	pos      StagePosition
	defocus  float64
	cl       float64
	clIndex  int
	blanked  bool
	valves   bool
	stig     [2]float64
	voltage  float64
	scene    [2]float64 // feature location in specimen coordinates, meters
	noise    float64
	rng      *rand.Rand
	scanNum  int
}

// NewMock returns a mock instrument with plausible idle state.
func NewMock() *Mock {
	return &Mock{
		mag:     320000,
		conv:    30e-3,
		cl:      0.105,
		clIndex: 6,
		blanked: true,
		valves:  true,
		voltage: 300e3,
		noise:   0.01,
		rng:     rand.New(rand.NewSource(1)),
	}
}

func (m *Mock) Magnification() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.mag, nil
}

func (m *Mock) SetMagnification(mag float64) error {
	m.Lock()
	defer m.Unlock()
	m.mag = mag
	return nil
}

func (m *Mock) StemRotation() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.rot, nil
}

func (m *Mock) SetStemRotation(rot float64) error {
	m.Lock()
	defer m.Unlock()
	m.rot = rot
	return nil
}

func (m *Mock) ConvergenceAngle() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.conv, nil
}

func (m *Mock) StagePosition() (StagePosition, error) {
	m.Lock()
	defer m.Unlock()
	return m.pos, nil
}

func (m *Mock) MoveStage(delta StagePosition) error {
	m.Lock()
	defer m.Unlock()
	m.pos = m.pos.Add(delta)
	return nil
}

func (m *Mock) MoveStageTo(pos StagePosition) error {
	m.Lock()
	defer m.Unlock()
	m.pos = pos
	return nil
}

func (m *Mock) Defocus() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.defocus, nil
}

func (m *Mock) SetDefocus(df float64) error {
	m.Lock()
	defer m.Unlock()
	m.defocus = df
	return nil
}

func (m *Mock) ChangeDefocus(d float64) error {
	m.Lock()
	defer m.Unlock()
	m.defocus += d
	return nil
}

func (m *Mock) CameraLength() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.cl, nil
}

func (m *Mock) CameraLengthIndex() (int, error) {
	m.Lock()
	defer m.Unlock()
	return m.clIndex, nil
}

func (m *Mock) SetCameraLengthIndex(idx int) error {
	m.Lock()
	defer m.Unlock()
	m.clIndex = idx
	return nil
}

func (m *Mock) BeamBlanked() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.blanked, nil
}

func (m *Mock) SetBeamBlanked(b bool) error {
	m.Lock()
	defer m.Unlock()
	m.blanked = b
	return nil
}

func (m *Mock) ColumnValvesOpen() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.valves, nil
}

func (m *Mock) SetColumnValvesOpen(open bool) error {
	m.Lock()
	defer m.Unlock()
	m.valves = open
	return nil
}

func (m *Mock) CondenserStigmator() ([2]float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.stig, nil
}

func (m *Mock) SetCondenserStigmator(stig [2]float64) error {
	m.Lock()
	defer m.Unlock()
	m.stig = stig
	return nil
}

func (m *Mock) Voltage() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.voltage, nil
}

// PlaceFeature moves the synthetic feature in specimen coordinates.
func (m *Mock) PlaceFeature(x, y float64) {
	m.Lock()
	defer m.Unlock()
	m.scene = [2]float64{x, y}
}

// AcquireImage synthesizes a frame.  The feature appears at the image
// center when the stage sits on it; moving the stage +X moves the feature
// +X in the image.
func (m *Mock) AcquireImage(dwell float64, w, h int, offset [2]float64) (frame.Image, error) {
	m.Lock()
	defer m.Unlock()
	m.scanNum++
	im := frame.New(w, h)
	im.Cal = frame.Calibration{X: mockPixelSize, Y: mockPixelSize, Unit: "m"}
	im.Tags = frame.Tags{ScanNumber: m.scanNum, Dwell: dwell, FrameCount: 1}

	cx := float64(w)/2 + (m.pos.X-m.scene[0])/mockPixelSize - offset[0]
	cy := float64(h)/2 + (m.pos.Y-m.scene[1])/mockPixelSize - offset[1]
	sigma := mockBlobSigma + math.Abs(m.defocus)*mockDefocusBlur
	twoSigSq := 2 * sigma * sigma
	// blur conserves flux: a defocused feature spreads and dims, so the
	// contrast metrics peak at zero defocus
	amp := mockBlobSigma * mockBlobSigma / (sigma * sigma)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			v := amp * math.Exp(-(dx*dx+dy*dy)/twoSigSq)
			v += m.noise * m.rng.Float64()
			im.Set(x, y, v)
		}
	}
	return im, nil
}
