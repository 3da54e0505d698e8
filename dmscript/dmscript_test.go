package dmscript

import (
	"strings"
	"testing"
)

func TestSTEMScriptEmbedsParameters(t *testing.T) {
	p := ScanParams{Width: 512, Height: 256, Dwell: 2e-6, Rotation: 15, SignalIndex: 3}
	s, err := STEMScript(p, "C:\\automation\\latest_scan.fits")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"number width = 512",
		"number height = 256",
		"number pixelTime = 2",
		"number rotation = 15",
		"number signalIndex = 3",
		"latest_scan.fits",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestCameraScriptEmbedsFrameCount(t *testing.T) {
	p := ScanParams{Width: 256, Height: 256, FrameCount: 4}
	s, err := CameraScript(p, "/data/latest_scan.fits")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s, "number nread = 4") {
		t.Error("script missing frame count")
	}
	if !strings.Contains(s, "/data/latest_scan.fits") {
		t.Error("script missing output path")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		p    ScanParams
		stem bool
		ok   bool
	}{
		{"good stem", ScanParams{Width: 256, Height: 256, Dwell: 1e-6}, true, true},
		{"zero width", ScanParams{Width: 0, Height: 256, Dwell: 1e-6}, true, false},
		{"negative height", ScanParams{Width: 256, Height: -1, Dwell: 1e-6}, true, false},
		{"oversize", ScanParams{Width: 8192, Height: 256, Dwell: 1e-6}, true, false},
		{"zero dwell", ScanParams{Width: 256, Height: 256}, true, false},
		{"good camera", ScanParams{Width: 256, Height: 256, FrameCount: 1}, false, true},
		{"zero frames", ScanParams{Width: 256, Height: 256}, false, false},
		{"bad signal", ScanParams{Width: 256, Height: 256, FrameCount: 1, SignalIndex: -1}, false, false},
	}
	for _, c := range cases {
		var err error
		if c.stem {
			err = c.p.ValidateSTEM()
		} else {
			err = c.p.ValidateCamera()
		}
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestMoveBeamScript(t *testing.T) {
	s, err := MoveBeamScript(3, -2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s, "X + 3") || !strings.Contains(s, "Y + -2") {
		t.Errorf("move beam script missing deltas:\n%s", s)
	}
}
