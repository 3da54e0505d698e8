/*Package loops holds the closed-loop control routines built on top of the
instrument driver and the aberration corrector: applying and undoing
aberration delta sets, acquiring images under a temporary aberration state,
drift centering against a reference image, and autofocus.

Every routine here restores the state it perturbs.  An aberration set
applied for a measurement is undone even when the measurement fails; the
one deliberate exception is the final best-focus application at the end of
an autofocus run.
*/
package loops

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// A Corrector drives the aberration corrector.  *ceos.Client satisfies it.
type Corrector interface {
	CorrectAberration(name string, value [2]float64, sel string) error
	MeasureC1A1() (map[string]float64, error)
	AcquireTableau(angle float64, tabType string) (map[string]float64, error)
}

// A Defocuser adjusts defocus through the microscope optics instead of the
// corrector.  tem.Instrument satisfies it.
type Defocuser interface {
	ChangeDefocus(delta float64) error
}

// DefaultSelect is the coil selection used for an aberration when the set
// does not name one.  C1 and C3 have no coil selection.
func DefaultSelect(name string) string {
	if name == "C1" || name == "C3" {
		return ""
	}
	return "coarse"
}

// An AberrationSet is a group of aberration deltas, in meters, applied and
// undone as a unit.  Keys are the two character aberration names, with an
// _x or _y suffix for the two dimensional ones: C1, A1_x, A1_y, B2_x,
// B2_y, A2_x, A2_y, C3, A3_x, A3_y, S3_x, S3_y.
type AberrationSet struct {
	// Values maps aberration name to delta in meters
	Values map[string]float64 `json:"ab_values"`

	// Select maps aberration name to coil selection (coarse or fine);
	// missing names use DefaultSelect
	Select map[string]string `json:"ab_select"`

	// C1ViaDefocus routes the C1 delta through the microscope defocus
	// control rather than the corrector
	C1ViaDefocus bool `json:"c1_defocus_flag"`

	// BeamShiftComp adds a beam shift correction compensating the image
	// shift the deltas induce
	BeamShiftComp bool `json:"bscomp"`
}

// names returns the aberration names in a deterministic order.  Undo must
// replay the corrector calls in the same order apply made them.
func (s AberrationSet) names() []string {
	out := make([]string, 0, len(s.Values))
	for k := range s.Values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s AberrationSet) selection(name string) string {
	if sel, ok := s.Select[name]; ok {
		return sel
	}
	return DefaultSelect(name)
}

// Apply sends every delta in the set to the corrector (or, for C1 with
// C1ViaDefocus, to the defocuser), one call per entry.
func (s AberrationSet) Apply(cor Corrector, foc Defocuser) error {
	return s.apply(cor, foc, 1)
}

// Undo re-applies the negated deltas in the same order Apply used.
func (s AberrationSet) Undo(cor Corrector, foc Defocuser) error {
	return s.apply(cor, foc, -1)
}

func (s AberrationSet) apply(cor Corrector, foc Defocuser, sign float64) error {
	for _, name := range s.names() {
		v := sign * s.Values[name]
		var err error
		switch {
		case name == "C1" && s.C1ViaDefocus:
			err = foc.ChangeDefocus(v)
		case len(name) == 2:
			err = cor.CorrectAberration(name, [2]float64{v, 0}, s.selection(name))
		case len(name) == 4 && name[2:] == "_x":
			err = cor.CorrectAberration(name[:2], [2]float64{v, 0}, s.selection(name))
		case len(name) == 4 && name[2:] == "_y":
			err = cor.CorrectAberration(name[:2], [2]float64{0, v}, s.selection(name))
		default:
			err = fmt.Errorf("loops: unknown aberration name %q", name)
		}
		if err != nil {
			return errors.Wrapf(err, "changing aberration %s", name)
		}
	}
	if s.BeamShiftComp {
		cx, cy := s.compShift(sign)
		if err := cor.CorrectAberration("We", [2]float64{cx, cy}, ""); err != nil {
			return errors.Wrap(err, "compensating beam shift")
		}
	}
	return nil
}

// shift scaling factors, pixels of image shift per nm of aberration delta.
// Empirically measured on this instrument at 320 kx, 512x512, zero scan
// rotation; they do not transfer to other columns.
var ssf = map[string][2]float64{
	"C1":   {0, 0},
	"A1_x": {0, 0},
	"A1_y": {0, 0},
	"B2_x": {2. / 400, 0},
	"B2_y": {3. / 400, -1. / 400},
	"A2_x": {-5. / 400, -1. / 400},
	"A2_y": {-7. / 400, -7. / 400},
	"C3":   {0, 0},
	"A3_x": {-16. / 400, -4. / 400},
	"A3_y": {2. / 400, -24. / 400},
	"S3_x": {5. / 1000, 1. / 1000},
	"S3_y": {0, 5. / 1000},
}

// beam shift scaling factors; We only couples x to x and y to y
const (
	weXssf = 21. / 10
	weYssf = -21. / 10
)

// compShift computes the We delta canceling the image shift induced by the
// signed aberration deltas, so undo applies the exact opposite correction.
func (s AberrationSet) compShift(sign float64) (float64, float64) {
	var shiftX, shiftY float64
	for name, v := range s.Values {
		f := ssf[name]
		shiftX += sign * v * f[0]
		shiftY += sign * v * f[1]
	}
	return -shiftX / weXssf, -shiftY / weYssf
}
