package loops

import (
	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/frame"
	"github.jpl.nasa.gov/bdube/gostem/tem"
)

// AcquireOptions describes one scoring acquisition.
type AcquireOptions struct {
	// Dwell is the per pixel dwell time in seconds
	Dwell float64 `json:"dwell"`

	// Width and Height are the scan shape in pixels
	Width  int `json:"width"`
	Height int `json:"height"`

	// Offset is the scan center offset from the optical axis in pixels
	Offset [2]float64 `json:"offset"`

	// Metric is the quality metric scored on the result
	Metric frame.Metric `json:"metric"`

	// CorrCutout registers the result against the reference image and
	// crops to the registered region before scoring.  Square scans only.
	CorrCutout bool `json:"ccorr"`

	// BlockReduce mean-pools by this factor before the cutout
	// registration; values below 2 disable pooling
	BlockReduce int `json:"brm"`
}

// AcquireWithAberrations applies the aberration set, scans one frame on the
// interactive back-end, and undoes the set.  The undo runs even when the
// scan fails.  If opt.CorrCutout is set and ref is non-nil, the frame is
// cropped to the region matching ref before the metric is evaluated.
//
// The returned image is the scored one: cropped if the cutout ran, the raw
// scan otherwise.
func AcquireWithAberrations(inst tem.Instrument, cor Corrector, set AberrationSet,
	opt AcquireOptions, ref *frame.Image) (float64, frame.Image, error) {
	if err := set.Apply(cor, inst); err != nil {
		return 0, frame.Image{}, err
	}
	im, acqErr := inst.AcquireImage(opt.Dwell, opt.Width, opt.Height, opt.Offset)
	if err := set.Undo(cor, inst); err != nil {
		return 0, frame.Image{}, err
	}
	if acqErr != nil {
		return 0, frame.Image{}, errors.Wrap(acqErr, "scoring acquisition")
	}
	if opt.CorrCutout && ref != nil && opt.Width == opt.Height {
		cropped, err := frame.CorrCutout(im, *ref, opt.BlockReduce)
		if err != nil {
			return 0, frame.Image{}, errors.Wrap(err, "correlation cutout")
		}
		im = cropped
	}
	q, err := frame.Quality(im, opt.Metric)
	if err != nil {
		return 0, frame.Image{}, err
	}
	return q, im, nil
}
