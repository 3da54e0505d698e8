package artifact

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.jpl.nasa.gov/bdube/gostem/frame"
)

func testImage() frame.Image {
	im := frame.New(8, 4)
	for i := range im.Pix {
		im.Pix[i] = float64(i) * 0.5
	}
	im.Cal = frame.Calibration{X: 2e-10, Y: 2e-10, Unit: "m"}
	im.Tags = frame.Tags{ScanNumber: 42, Dwell: 2e-6, FrameCount: 3}
	return im
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest_scan.fits")
	in := testImage()
	if err := WriteFile(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.W != in.W || out.H != in.H {
		t.Fatalf("shape mismatch: wrote %dx%d, read %dx%d", in.W, in.H, out.W, out.H)
	}
	for i := range in.Pix {
		if math.Abs(in.Pix[i]-out.Pix[i]) > 1e-12 {
			t.Fatalf("pixel %d mismatch: wrote %g read %g", i, in.Pix[i], out.Pix[i])
		}
	}
	if out.Cal != in.Cal {
		t.Errorf("calibration mismatch: wrote %+v read %+v", in.Cal, out.Cal)
	}
	if out.Tags != in.Tags {
		t.Errorf("tags mismatch: wrote %+v read %+v", in.Tags, out.Tags)
	}
}

func TestWriteFileLeavesNoPartial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest_scan.fits")
	if err := WriteFile(path, testImage()); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".partial") {
			t.Errorf("partial file %s left behind", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly the artifact in the directory, found %d entries", len(entries))
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "absent.fits")); err == nil {
		t.Error("expected error reading a missing artifact")
	}
}

func TestReadMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.fits")
	if err := os.WriteFile(path, []byte("this is not a fits file"), 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Error("expected parse error for malformed artifact")
	}
}
