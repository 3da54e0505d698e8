package loops

import (
	"log"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/frame"
	"github.jpl.nasa.gov/bdube/gostem/tem"
	"github.jpl.nasa.gov/bdube/gostem/util"
)

// An Optimizer searches a box for the argmax of a scoring function.  It
// owns its own search strategy; seeds is the number of initial probes and
// budget the number of refinement probes thereafter.
type Optimizer interface {
	Propose(bounds [][2]float64, seeds, budget int, score func([]float64) (float64, error)) ([]float64, error)
}

// FocusConfig tunes one autofocus run.
type FocusConfig struct {
	// Range is the half width of the defocus search interval in meters,
	// centered on the current defocus
	Range float64 `json:"df_range"`

	// Seeds and Budget are passed through to the optimizer
	Seeds  int `json:"seeds"`
	Budget int `json:"budget"`

	// Acquire shapes the scoring acquisitions
	Acquire AcquireOptions `json:"acquire"`
}

// Focus searches the defocus interval [-Range, +Range] around the current
// defocus for the sharpest image and applies the winning delta.  Each
// probe applies a candidate defocus delta, scans, scores, and undoes the
// delta, so the optimizer always measures relative to the same starting
// point; only the final best estimate is applied persistently.
func Focus(inst tem.Instrument, cor Corrector, opt Optimizer, ref *frame.Image, cfg FocusConfig) (float64, error) {
	if cfg.Range <= 0 {
		return 0, errors.New("loops: focus search range must be positive")
	}
	score := func(x []float64) (float64, error) {
		set := AberrationSet{Values: map[string]float64{"C1": x[0]}, C1ViaDefocus: true}
		q, _, err := AcquireWithAberrations(inst, cor, set, cfg.Acquire, ref)
		return q, err
	}
	bounds := [][2]float64{{-cfg.Range, cfg.Range}}
	best, err := opt.Propose(bounds, cfg.Seeds, cfg.Budget, score)
	if err != nil {
		return 0, errors.Wrap(err, "focus search")
	}
	log.Printf("autofocus best defocus delta %g m", best[0])
	if err := inst.ChangeDefocus(best[0]); err != nil {
		return 0, errors.Wrap(err, "applying best focus")
	}
	return best[0], nil
}

// Grid is a coarse-to-fine grid search Optimizer.  The seed probes sample
// the box uniformly; each refinement probe halves the interval around the
// best point seen so far.  It is the stand-in for an external Bayesian
// optimization service and is what the simulator runs with.
type Grid struct{}

// Propose implements Optimizer for one dimensional bounds.
func (Grid) Propose(bounds [][2]float64, seeds, budget int, score func([]float64) (float64, error)) ([]float64, error) {
	if len(bounds) != 1 {
		return nil, errors.Errorf("grid search supports one dimension, got %d", len(bounds))
	}
	if seeds < 2 {
		seeds = 2
	}
	lo, hi := bounds[0][0], bounds[0][1]
	if hi <= lo {
		return nil, errors.Errorf("degenerate search interval [%g, %g]", lo, hi)
	}
	bestX := lo
	bestQ := 0.0
	scored := false
	probe := func(x float64) error {
		q, err := score([]float64{x})
		if err != nil {
			return err
		}
		if !scored || q > bestQ {
			bestX, bestQ = x, q
			scored = true
		}
		return nil
	}
	for i := 0; i < seeds; i++ {
		x := lo + (hi-lo)*float64(i)/float64(seeds-1)
		if err := probe(x); err != nil {
			return nil, err
		}
	}
	half := (hi - lo) / float64(seeds-1)
	for i := 0; i < budget; i++ {
		for _, x := range []float64{bestX - half, bestX + half} {
			if err := probe(util.Clamp(x, lo, hi)); err != nil {
				return nil, err
			}
		}
		half /= 2
	}
	return []float64{bestX}, nil
}
