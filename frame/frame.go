/*Package frame holds the in-memory representation of a STEM image and the
numerics performed on it: sharpness/contrast quality metrics and Fourier
cross-correlation registration.

Images are stored row-major.  W counts columns (the fast scan direction, x)
and H counts rows (the slow scan direction, y).
*/
package frame

import (
	"fmt"
	"math"
)

// Calibration is the physical size of one pixel along each axis.
type Calibration struct {
	X float64 `json:"cal_x"`
	Y float64 `json:"cal_y"`

	// Unit is the unit of X and Y, e.g. "nm" or "m"
	Unit string `json:"unit"`
}

// Tags carries the acquisition metadata embedded in a result artifact.
type Tags struct {
	ScanNumber int     `json:"scan_number"`
	Dwell      float64 `json:"dwell"`
	FrameCount int     `json:"frame_count"`
}

// Image is one acquired frame plus its calibration and acquisition tags.
type Image struct {
	Pix  []float64
	W    int
	H    int
	Cal  Calibration
	Tags Tags
}

// New allocates a zero-filled image of the given size.
func New(w, h int) Image {
	return Image{Pix: make([]float64, w*h), W: w, H: h}
}

// At returns the pixel at column x, row y.
func (im Image) At(x, y int) float64 {
	return im.Pix[y*im.W+x]
}

// Set assigns the pixel at column x, row y.
func (im Image) Set(x, y int, v float64) {
	im.Pix[y*im.W+x] = v
}

// Mean returns the average pixel value.
func (im Image) Mean() float64 {
	var sum float64
	for _, v := range im.Pix {
		sum += v
	}
	return sum / float64(len(im.Pix))
}

// MinMax returns the smallest and largest pixel values.
func (im Image) MinMax() (float64, float64) {
	min := math.Inf(1)
	max := math.Inf(-1)
	for _, v := range im.Pix {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// BlockReduce mean-pools the image by block along both axes.  The image
// dimensions must be divisible by block.
func BlockReduce(im Image, block int) (Image, error) {
	if block <= 0 {
		return Image{}, fmt.Errorf("frame: block size must be positive, got %d", block)
	}
	if block == 1 {
		return im, nil
	}
	if im.W%block != 0 || im.H%block != 0 {
		return Image{}, fmt.Errorf("frame: image %dx%d not divisible by block %d", im.W, im.H, block)
	}
	out := New(im.W/block, im.H/block)
	out.Cal = Calibration{X: im.Cal.X * float64(block), Y: im.Cal.Y * float64(block), Unit: im.Cal.Unit}
	out.Tags = im.Tags
	norm := float64(block * block)
	for y := 0; y < out.H; y++ {
		for x := 0; x < out.W; x++ {
			var sum float64
			for j := 0; j < block; j++ {
				for i := 0; i < block; i++ {
					sum += im.At(x*block+i, y*block+j)
				}
			}
			out.Set(x, y, sum/norm)
		}
	}
	return out, nil
}
