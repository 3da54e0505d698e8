/*Package artifact reads and writes completion artifacts: the scientific
image container the external acquisition engine drops on durable storage
when a scan finishes.  The pixel data travels with a small metadata tag
tree (calibration, scan number, dwell, frame count) in the header.
*/
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/frame"
)

// header card names for the metadata tags
const (
	cardCalX    = "CALX"
	cardCalY    = "CALY"
	cardCalUnit = "CALUNIT"
	cardScanNum = "SCANNUM"
	cardDwell   = "DWELL"
	cardNFrames = "NFRAMES"
)

// Write streams the image to w as a FITS file with metadata cards.
func Write(w io.Writer, im frame.Image) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return errors.Wrap(err, "creating fits stream")
	}
	defer fits.Close()
	img := fitsio.NewImage(-64, []int{im.W, im.H})
	defer img.Close()
	cards := []fitsio.Card{
		{Name: cardCalX, Value: im.Cal.X, Comment: "pixel size, x"},
		{Name: cardCalY, Value: im.Cal.Y, Comment: "pixel size, y"},
		{Name: cardCalUnit, Value: im.Cal.Unit, Comment: "pixel size unit"},
		{Name: cardScanNum, Value: im.Tags.ScanNumber, Comment: "acquisition scan number"},
		{Name: cardDwell, Value: im.Tags.Dwell, Comment: "dwell time, seconds"},
		{Name: cardNFrames, Value: im.Tags.FrameCount, Comment: "frames per position"},
	}
	if err := img.Header().Append(cards...); err != nil {
		return errors.Wrap(err, "appending metadata cards")
	}
	if err := img.Write(im.Pix); err != nil {
		return errors.Wrap(err, "writing pixel data")
	}
	return fits.Write(img)
}

// WriteFile writes the image to path.  The file is written to a temporary
// name and renamed into place, so a watcher that sees path exist will
// never read a half-written artifact.
func WriteFile(path string, im frame.Image) error {
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}
	if err := Write(f, im); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Read parses an artifact from disk.
func Read(path string) (frame.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return frame.Image{}, errors.Wrapf(err, "opening artifact %s", path)
	}
	defer f.Close()
	im, err := Decode(f)
	if err != nil {
		return frame.Image{}, errors.Wrapf(err, "parsing artifact %s", filepath.Base(path))
	}
	return im, nil
}

// Decode parses an artifact from a stream.
func Decode(r io.Reader) (frame.Image, error) {
	fits, err := fitsio.Open(r)
	if err != nil {
		return frame.Image{}, err
	}
	defer fits.Close()
	hdu := fits.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return frame.Image{}, fmt.Errorf("primary HDU is not an image")
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 2 {
		return frame.Image{}, fmt.Errorf("expected 2 axes, got %d", len(axes))
	}
	w, h := axes[0], axes[1]
	var pix []float64
	if err := img.Read(&pix); err != nil {
		return frame.Image{}, errors.Wrap(err, "reading pixel data")
	}
	if len(pix) != w*h {
		return frame.Image{}, fmt.Errorf("pixel count %d does not match %dx%d", len(pix), w, h)
	}
	im := frame.Image{Pix: pix, W: w, H: h}
	im.Cal.X = cardFloat(hdr, cardCalX, 1)
	im.Cal.Y = cardFloat(hdr, cardCalY, 1)
	im.Cal.Unit = cardString(hdr, cardCalUnit, "m")
	im.Tags.ScanNumber = int(cardFloat(hdr, cardScanNum, 0))
	im.Tags.Dwell = cardFloat(hdr, cardDwell, 0)
	im.Tags.FrameCount = int(cardFloat(hdr, cardNFrames, 1))
	return im, nil
}

// cardFloat reads a numeric card, tolerating int or float storage.
func cardFloat(hdr *fitsio.Header, name string, fallback float64) float64 {
	c := hdr.Get(name)
	if c == nil {
		return fallback
	}
	switch v := c.Value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func cardString(hdr *fitsio.Header, name string, fallback string) string {
	c := hdr.Get(name)
	if c == nil {
		return fallback
	}
	if s, ok := c.Value.(string); ok {
		return s
	}
	return fallback
}
