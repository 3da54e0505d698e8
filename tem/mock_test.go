package tem

import (
	"testing"

	"github.jpl.nasa.gov/bdube/gostem/frame"
)

func TestMockStateMirrors(t *testing.T) {
	m := NewMock()
	if err := m.SetMagnification(1.8e6); err != nil {
		t.Fatal(err)
	}
	mag, err := m.Magnification()
	if err != nil || mag != 1.8e6 {
		t.Errorf("expected mag 1.8e6, got %g (%v)", mag, err)
	}
	if err := m.SetDefocus(50e-9); err != nil {
		t.Fatal(err)
	}
	if err := m.ChangeDefocus(-20e-9); err != nil {
		t.Fatal(err)
	}
	df, _ := m.Defocus()
	if df != 30e-9 {
		t.Errorf("expected defocus 30nm, got %g", df)
	}
}

func TestMockStageMoves(t *testing.T) {
	m := NewMock()
	if err := m.MoveStage(StagePosition{X: 1e-6, Y: -2e-6}); err != nil {
		t.Fatal(err)
	}
	if err := m.MoveStage(StagePosition{X: 1e-6}); err != nil {
		t.Fatal(err)
	}
	pos, _ := m.StagePosition()
	if pos.X != 2e-6 || pos.Y != -2e-6 {
		t.Errorf("unexpected stage position %+v", pos)
	}
	if err := m.MoveStageTo(StagePosition{}); err != nil {
		t.Fatal(err)
	}
	pos, _ = m.StagePosition()
	if pos != (StagePosition{}) {
		t.Errorf("expected origin after goto, got %+v", pos)
	}
}

func TestMockImageTracksStage(t *testing.T) {
	m := NewMock()
	ref, err := m.AcquireImage(1e-6, 64, 64, [2]float64{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	// drift the stage; the feature should move and registration should
	// report the corrective offset back towards the reference
	const drift = 5e-9
	if err := m.MoveStage(StagePosition{X: drift}); err != nil {
		t.Fatal(err)
	}
	probe, err := m.AcquireImage(1e-6, 64, 64, [2]float64{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	off, err := frame.Register(ref, probe, probe.Cal)
	if err != nil {
		t.Fatal(err)
	}
	if off.X > -4e-9 || off.X < -6e-9 {
		t.Errorf("expected corrective X offset near -5nm, got %g", off.X)
	}
}

func TestMockScanNumberIncrements(t *testing.T) {
	m := NewMock()
	a, _ := m.AcquireImage(1e-6, 8, 8, [2]float64{0, 0})
	b, _ := m.AcquireImage(1e-6, 8, 8, [2]float64{0, 0})
	if b.Tags.ScanNumber != a.Tags.ScanNumber+1 {
		t.Errorf("expected scan numbers to increment, got %d then %d", a.Tags.ScanNumber, b.Tags.ScanNumber)
	}
}
