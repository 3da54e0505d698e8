package frame

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// Metric names a scalar image quality function.  The metric value rises
// with sharpness/contrast, which makes it usable as an autofocus objective.
type Metric string

// The supported quality metrics.
const (
	// MetricStd is the standard deviation of the pixel values
	MetricStd Metric = "std"

	// MetricNormStd is the standard deviation divided by the mean
	MetricNormStd Metric = "normstd"

	// MetricVar is the variance of the pixel values
	MetricVar Metric = "var"

	// MetricNormVar is the variance divided by the squared mean
	MetricNormVar Metric = "normvar"

	// MetricRoughness is the second moment of the windowed power spectrum
	MetricRoughness Metric = "roughness"

	// MetricDFSlice collapses the image along its short axis and scores
	// the AC content of the resulting profile.  It is intended for 1D
	// defocus slices.
	MetricDFSlice Metric = "df_slice"
)

// Quality evaluates metric m on the image.
func Quality(im Image, m Metric) (float64, error) {
	if len(im.Pix) == 0 {
		return 0, fmt.Errorf("frame: cannot evaluate %q on empty image", m)
	}
	switch m {
	case MetricStd:
		return stat.PopStdDev(im.Pix, nil), nil
	case MetricNormStd:
		return stat.PopStdDev(im.Pix, nil) / im.Mean(), nil
	case MetricVar:
		return stat.PopVariance(im.Pix, nil), nil
	case MetricNormVar:
		mean := im.Mean()
		return stat.PopVariance(im.Pix, nil) / (mean * mean), nil
	case MetricRoughness:
		return roughness(im), nil
	case MetricDFSlice:
		return dfSlice(im), nil
	default:
		return 0, fmt.Errorf("frame: unknown quality metric %q", m)
	}
}

// roughness computes sum(|G|^2 * k^2) / sum(|G|^2) where G is the 2D
// spectrum of the Hann-windowed image and k is the spatial frequency.
func roughness(im Image) float64 {
	wx := hann(im.W)
	wy := hann(im.H)
	buf := make([]complex128, im.W*im.H)
	for y := 0; y < im.H; y++ {
		for x := 0; x < im.W; x++ {
			buf[y*im.W+x] = complex(im.At(x, y)*wx[x]*wy[y], 0)
		}
	}
	fft2(buf, im.W, im.H, false)
	kx := fftFreq(im.W)
	ky := fftFreq(im.H)
	var num, den float64
	for y := 0; y < im.H; y++ {
		for x := 0; x < im.W; x++ {
			g2 := absSq(buf[y*im.W+x])
			kr2 := kx[x]*kx[x] + ky[y]*ky[y]
			num += g2 * kr2
			den += g2
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// dfSlice sums along the shorter axis, then scores sum(|F[1:]|)/|F[0]| of
// the 1D spectrum of the profile.
func dfSlice(im Image) float64 {
	var profile []float64
	if im.W <= im.H {
		// collapse columns
		profile = make([]float64, im.H)
		for y := 0; y < im.H; y++ {
			for x := 0; x < im.W; x++ {
				profile[y] += im.At(x, y)
			}
		}
	} else {
		profile = make([]float64, im.W)
		for y := 0; y < im.H; y++ {
			for x := 0; x < im.W; x++ {
				profile[x] += im.At(x, y)
			}
		}
	}
	n := len(profile)
	fft := fourier.NewCmplxFFT(n)
	buf := make([]complex128, n)
	for i, v := range profile {
		buf[i] = complex(v, 0)
	}
	coef := fft.Coefficients(nil, buf)
	dc := cmplxAbs(coef[0])
	if dc == 0 {
		return 0
	}
	var ac float64
	for i := 1; i < n; i++ {
		ac += cmplxAbs(coef[i])
	}
	return ac / dc
}

// hann returns an n point Hann window.
func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// fftFreq returns the sample frequencies for an n point transform,
// matching the usual DFT ordering (positive then negative frequencies).
func fftFreq(n int) []float64 {
	f := make([]float64, n)
	half := (n - 1) / 2
	for i := 0; i <= half; i++ {
		f[i] = float64(i) / float64(n)
	}
	for i := half + 1; i < n; i++ {
		f[i] = float64(i-n) / float64(n)
	}
	return f
}

func absSq(c complex128) float64 {
	return real(c)*real(c) + imag(c)*imag(c)
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
