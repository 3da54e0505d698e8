package frame

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Offset is a translational offset in the calibration's physical unit.
// X is along the fast scan (column) axis, Y along the slow scan (row) axis.
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Register computes the translational offset of probe relative to ref via
// Fourier cross-correlation and scales it to physical units with cal.  The
// probe may be smaller than the reference; it is zero padded into a
// reference-shaped buffer, centered.  If multiple correlation maxima exist
// the first in row-major order wins.
func Register(ref, probe Image, cal Calibration) (Offset, error) {
	corr, err := CrossCorrelate(ref, probe)
	if err != nil {
		return Offset{}, err
	}
	row, col := argmax2(corr.Pix, corr.W)
	dy := float64(row) - float64(ref.H)/2
	dx := float64(col) - float64(ref.W)/2
	return Offset{X: dx * cal.X, Y: dy * cal.Y}, nil
}

// CrossCorrelate returns the real part of the inverse transform of
// F(ref - mean) * conj(F(probe - mean)), with the zero-frequency term
// shifted to the center.
func CrossCorrelate(ref, probe Image) (Image, error) {
	if probe.W > ref.W || probe.H > ref.H {
		return Image{}, fmt.Errorf("frame: probe %dx%d larger than reference %dx%d", probe.W, probe.H, ref.W, ref.H)
	}
	w, h := ref.W, ref.H
	refMean := ref.Mean()
	probeMean := probe.Mean()

	a := make([]complex128, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a[y*w+x] = complex(ref.At(x, y)-refMean, 0)
		}
	}
	// pad the probe into the center of a reference-shaped buffer
	b := make([]complex128, w*h)
	x0 := w/2 - probe.W/2
	y0 := h/2 - probe.H/2
	for y := 0; y < probe.H; y++ {
		for x := 0; x < probe.W; x++ {
			b[(y+y0)*w+(x+x0)] = complex(probe.At(x, y)-probeMean, 0)
		}
	}

	fft2(a, w, h, false)
	fft2(b, w, h, false)
	for i := range a {
		br := real(b[i])
		bi := imag(b[i])
		a[i] *= complex(br, -bi)
	}
	fft2(a, w, h, true)

	out := New(w, h)
	for i := range a {
		out.Pix[i] = real(a[i])
	}
	fftShift(out)
	return out, nil
}

// fft2 performs a 2D DFT (or inverse DFT) of data in place.
func fft2(data []complex128, w, h int, inverse bool) {
	rowFFT := fourier.NewCmplxFFT(w)
	rowIn := make([]complex128, w)
	rowOut := make([]complex128, w)
	for y := 0; y < h; y++ {
		copy(rowIn, data[y*w:(y+1)*w])
		if inverse {
			rowFFT.Sequence(rowOut, rowIn)
		} else {
			rowFFT.Coefficients(rowOut, rowIn)
		}
		copy(data[y*w:(y+1)*w], rowOut)
	}
	colFFT := fourier.NewCmplxFFT(h)
	colIn := make([]complex128, h)
	colOut := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			colIn[y] = data[y*w+x]
		}
		if inverse {
			colFFT.Sequence(colOut, colIn)
		} else {
			colFFT.Coefficients(colOut, colIn)
		}
		for y := 0; y < h; y++ {
			data[y*w+x] = colOut[y]
		}
	}
}

// fftShift moves the zero-frequency term to the center of the image.
func fftShift(im Image) {
	shifted := make([]float64, len(im.Pix))
	hw := im.W / 2
	hh := im.H / 2
	for y := 0; y < im.H; y++ {
		ny := (y + hh) % im.H
		for x := 0; x < im.W; x++ {
			nx := (x + hw) % im.W
			shifted[ny*im.W+nx] = im.At(x, y)
		}
	}
	copy(im.Pix, shifted)
}

// argmax2 returns the (row, col) of the largest value.  Ties break to the
// first occurrence in row-major order.
func argmax2(data []float64, w int) (int, int) {
	best := 0
	for i := 1; i < len(data); i++ {
		if data[i] > data[best] {
			best = i
		}
	}
	return best / w, best % w
}

// CorrCutout returns the region of cur that overlaps ref, located by
// cross-correlation after mean pooling both images by brm.  Both images
// must be square and the same shape.
func CorrCutout(cur, ref Image, brm int) (Image, error) {
	if cur.W != cur.H || ref.W != ref.H || cur.W != ref.W {
		return Image{}, fmt.Errorf("frame: correlation cutout requires equal square images, got %dx%d and %dx%d", cur.W, cur.H, ref.W, ref.H)
	}
	if brm < 1 {
		brm = 1
	}
	refR, err := BlockReduce(ref, brm)
	if err != nil {
		return Image{}, err
	}
	curR, err := BlockReduce(cur, brm)
	if err != nil {
		return Image{}, err
	}
	corr, err := CrossCorrelate(curR, refR)
	if err != nil {
		return Image{}, err
	}
	row, col := argmax2(corr.Pix, corr.W)
	offY := row - refR.H/2
	offX := col - refR.W/2

	yStart := (refR.H/4 + offY) * brm
	yEnd := (3*refR.H/4 + offY) * brm
	xStart := (refR.W/4 + offX) * brm
	xEnd := (3*refR.W/4 + offX) * brm
	if yStart < 0 || xStart < 0 || yEnd > cur.H || xEnd > cur.W || yEnd <= yStart || xEnd <= xStart {
		return Image{}, fmt.Errorf("frame: cutout [%d:%d, %d:%d] outside image bounds", yStart, yEnd, xStart, xEnd)
	}
	out := New(xEnd-xStart, yEnd-yStart)
	out.Cal = cur.Cal
	out.Tags = cur.Tags
	for y := yStart; y < yEnd; y++ {
		for x := xStart; x < xEnd; x++ {
			out.Set(x-xStart, y-yStart, cur.At(x, y))
		}
	}
	return out, nil
}
