package loops

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/frame"
	"github.jpl.nasa.gov/bdube/gostem/tem"
)

type corrCall struct {
	name  string
	value [2]float64
	sel   string
}

type fakeCorrector struct {
	calls []corrCall
	fail  bool
}

func (f *fakeCorrector) CorrectAberration(name string, value [2]float64, sel string) error {
	if f.fail {
		return errors.New("corrector unreachable")
	}
	f.calls = append(f.calls, corrCall{name, value, sel})
	return nil
}

func (f *fakeCorrector) MeasureC1A1() (map[string]float64, error) {
	return map[string]float64{"C1": 0}, nil
}

func (f *fakeCorrector) AcquireTableau(float64, string) (map[string]float64, error) {
	return map[string]float64{"C1": 0}, nil
}

type fakeFocuser struct {
	total float64
	calls int
}

func (f *fakeFocuser) ChangeDefocus(d float64) error {
	f.total += d
	f.calls++
	return nil
}

func TestApplyRoutesNames(t *testing.T) {
	cor := &fakeCorrector{}
	foc := &fakeFocuser{}
	set := AberrationSet{
		Values: map[string]float64{
			"C1":   1e-9,
			"A1_x": 2e-9,
			"A1_y": 3e-9,
			"B2_x": 4e-9,
			"C3":   5e-9,
		},
		C1ViaDefocus: true,
	}
	if err := set.Apply(cor, foc); err != nil {
		t.Fatal(err)
	}
	if foc.calls != 1 || foc.total != 1e-9 {
		t.Errorf("C1 did not route through defocus: %d calls, total %g", foc.calls, foc.total)
	}
	// name order is alphabetical; C1 went to the focuser
	want := []corrCall{
		{"A1", [2]float64{2e-9, 0}, "coarse"},
		{"A1", [2]float64{0, 3e-9}, "coarse"},
		{"B2", [2]float64{4e-9, 0}, "coarse"},
		{"C3", [2]float64{5e-9, 0}, ""},
	}
	if len(cor.calls) != len(want) {
		t.Fatalf("expected %d corrector calls, got %d: %v", len(want), len(cor.calls), cor.calls)
	}
	for i := range want {
		if cor.calls[i] != want[i] {
			t.Errorf("call %d: expected %v, got %v", i, want[i], cor.calls[i])
		}
	}
}

func TestApplyC1ViaCorrector(t *testing.T) {
	cor := &fakeCorrector{}
	foc := &fakeFocuser{}
	set := AberrationSet{Values: map[string]float64{"C1": 1e-9}}
	if err := set.Apply(cor, foc); err != nil {
		t.Fatal(err)
	}
	if foc.calls != 0 {
		t.Error("C1 touched the defocuser without the flag")
	}
	if len(cor.calls) != 1 || cor.calls[0].name != "C1" {
		t.Errorf("expected one C1 corrector call, got %v", cor.calls)
	}
}

func TestUndoNegatesInSameOrder(t *testing.T) {
	cor := &fakeCorrector{}
	foc := &fakeFocuser{}
	set := AberrationSet{Values: map[string]float64{"A1_x": 2e-9, "B2_y": -4e-9}}
	if err := set.Apply(cor, foc); err != nil {
		t.Fatal(err)
	}
	if err := set.Undo(cor, foc); err != nil {
		t.Fatal(err)
	}
	n := len(cor.calls) / 2
	for i := 0; i < n; i++ {
		a, u := cor.calls[i], cor.calls[i+n]
		if a.name != u.name || a.sel != u.sel {
			t.Errorf("undo call %d reordered: %v vs %v", i, a, u)
		}
		if u.value[0] != -a.value[0] || u.value[1] != -a.value[1] {
			t.Errorf("undo call %d not negated: %v vs %v", i, a, u)
		}
	}
}

func TestBeamShiftCompensation(t *testing.T) {
	cor := &fakeCorrector{}
	foc := &fakeFocuser{}
	set := AberrationSet{
		Values:        map[string]float64{"B2_x": 400},
		BeamShiftComp: true,
	}
	if err := set.Apply(cor, foc); err != nil {
		t.Fatal(err)
	}
	last := cor.calls[len(cor.calls)-1]
	if last.name != "We" {
		t.Fatalf("expected trailing We compensation, got %v", last)
	}
	// shift_x = 400 * 2/400 = 2 px; comp_x = -2 / (21/10)
	wantX := -2.0 / (21. / 10)
	if math.Abs(last.value[0]-wantX) > 1e-12 || last.value[1] != 0 {
		t.Errorf("compensation (%g, %g), expected (%g, 0)", last.value[0], last.value[1], wantX)
	}

	if err := set.Undo(cor, foc); err != nil {
		t.Fatal(err)
	}
	last = cor.calls[len(cor.calls)-1]
	if last.name != "We" || math.Abs(last.value[0]+wantX) > 1e-12 {
		t.Errorf("undo compensation not negated: %v", last)
	}
}

func TestApplyUnknownName(t *testing.T) {
	set := AberrationSet{Values: map[string]float64{"Q9_z": 1e-9}}
	if err := set.Apply(&fakeCorrector{}, &fakeFocuser{}); err == nil {
		t.Error("expected an error for an unknown aberration name")
	}
}

// fakeInst implements only the Instrument methods these loops exercise.
type fakeInst struct {
	tem.Instrument
	images   []frame.Image
	acquires int
	moves    []tem.StagePosition
	valve    *bool
	acqErr   error
}

func (f *fakeInst) AcquireImage(dwell float64, w, h int, offset [2]float64) (frame.Image, error) {
	if f.acqErr != nil {
		return frame.Image{}, f.acqErr
	}
	i := f.acquires
	if i >= len(f.images) {
		i = len(f.images) - 1
	}
	f.acquires++
	return f.images[i], nil
}

func (f *fakeInst) MoveStage(d tem.StagePosition) error {
	f.moves = append(f.moves, d)
	return nil
}

func (f *fakeInst) SetColumnValvesOpen(open bool) error {
	f.valve = &open
	return nil
}

func (f *fakeInst) ChangeDefocus(float64) error { return nil }

func TestAcquireWithAberrationsUndoesOnFailure(t *testing.T) {
	cor := &fakeCorrector{}
	inst := &fakeInst{acqErr: errors.New("scan aborted")}
	set := AberrationSet{Values: map[string]float64{"A1_x": 1e-9}}
	_, _, err := AcquireWithAberrations(inst, cor, set, AcquireOptions{
		Dwell: 1e-6, Width: 8, Height: 8, Metric: frame.MetricVar}, nil)
	if err == nil {
		t.Fatal("expected the scan failure to propagate")
	}
	if len(cor.calls) != 2 {
		t.Fatalf("expected apply+undo despite the failure, got %d calls", len(cor.calls))
	}
	if cor.calls[1].value[0] != -cor.calls[0].value[0] {
		t.Error("second call did not undo the first")
	}
}

func TestAcquireWithAberrationsScores(t *testing.T) {
	cor := &fakeCorrector{}
	im := frame.New(8, 8)
	for i := range im.Pix {
		im.Pix[i] = float64(i % 3)
	}
	inst := &fakeInst{images: []frame.Image{im}}
	q, got, err := AcquireWithAberrations(inst, cor, AberrationSet{}, AcquireOptions{
		Dwell: 1e-6, Width: 8, Height: 8, Metric: frame.MetricVar}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if q <= 0 {
		t.Errorf("expected a positive variance, got %g", q)
	}
	if got.W != 8 || got.H != 8 {
		t.Errorf("unexpected scored image shape %dx%d", got.W, got.H)
	}
}

// spikeImage builds a frame with a single bright pixel offset from center.
func spikeImage(n, dx, dy int, cal float64) frame.Image {
	im := frame.New(n, n)
	im.Cal = frame.Calibration{X: cal, Y: cal, Unit: "m"}
	im.Set(n/2+dx, n/2+dy, 1)
	return im
}

func TestCenterConverges(t *testing.T) {
	const cal = 1e-8
	ref := spikeImage(64, 0, 0, cal)
	inst := &fakeInst{images: []frame.Image{
		spikeImage(64, 12, 0, cal), // 120 nm off
		spikeImage(64, 8, 0, cal),  // 80 nm off
		spikeImage(64, 4, 0, cal),  // 40 nm, inside tolerance
	}}
	err := Center(inst, ref, CenterConfig{
		Tolerance: 5e-8,
		MaxTries:  4,
		CalFactor: 1,
		Dwell:     1e-6,
		Size:      64,
		Sleep:     func(time.Duration) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	if inst.acquires != 3 {
		t.Errorf("expected 3 acquisitions, got %d", inst.acquires)
	}
	if len(inst.moves) != 2 {
		t.Errorf("expected 2 corrective moves, got %d", len(inst.moves))
	}
	if math.Abs(math.Abs(inst.moves[0].X)-12e-8) > 1e-12 {
		t.Errorf("first move magnitude %g, expected 1.2e-7", inst.moves[0].X)
	}
}

func TestCenterExhaustionClosesValve(t *testing.T) {
	const cal = 1e-8
	ref := spikeImage(64, 0, 0, cal)
	inst := &fakeInst{images: []frame.Image{spikeImage(64, 12, 0, cal)}}
	err := Center(inst, ref, CenterConfig{
		Tolerance:        5e-8,
		MaxTries:         2,
		CalFactor:        1,
		Dwell:            1e-6,
		Size:             64,
		CloseValveOnFail: true,
		Sleep:            func(time.Duration) {},
	})
	if pkgerrors.Cause(err) != ErrNotConverged {
		t.Fatalf("expected ErrNotConverged, got %v", err)
	}
	if inst.valve == nil || *inst.valve {
		t.Error("column valves were not closed on failure")
	}
	if len(inst.moves) != 2 {
		t.Errorf("expected the full MaxTries moves, got %d", len(inst.moves))
	}
}

func TestCenterRefocusRunsEveryPass(t *testing.T) {
	const cal = 1e-8
	ref := spikeImage(64, 0, 0, cal)
	inst := &fakeInst{images: []frame.Image{
		spikeImage(64, 12, 0, cal),
		spikeImage(64, 8, 0, cal),
		spikeImage(64, 4, 0, cal),
	}}
	refocuses := 0
	err := Center(inst, ref, CenterConfig{
		Tolerance: 5e-8,
		MaxTries:  4,
		CalFactor: 1,
		Dwell:     1e-6,
		Size:      64,
		Sleep:     func(time.Duration) {},
		Refocus:   func() error { refocuses++; return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if refocuses != inst.acquires {
		t.Errorf("expected one refocus per search acquisition, got %d refocuses for %d acquisitions", refocuses, inst.acquires)
	}
	if refocuses != 3 {
		t.Errorf("expected 3 refocuses, got %d", refocuses)
	}
}

func TestCenterRefocusFailureAbortsRun(t *testing.T) {
	const cal = 1e-8
	ref := spikeImage(64, 0, 0, cal)
	inst := &fakeInst{images: []frame.Image{spikeImage(64, 0, 0, cal)}}
	err := Center(inst, ref, CenterConfig{
		Tolerance: 5e-8,
		MaxTries:  4,
		CalFactor: 1,
		Dwell:     1e-6,
		Size:      64,
		Sleep:     func(time.Duration) {},
		Refocus:   func() error { return errors.New("focus search diverged") },
	})
	if err == nil {
		t.Fatal("expected error from failed refocus")
	}
	if !strings.Contains(err.Error(), "refocusing") {
		t.Errorf("unexpected error %v", err)
	}
	if inst.acquires != 0 {
		t.Errorf("expected no search acquisitions after failed refocus, got %d", inst.acquires)
	}
}

func TestFocusFindsSharpDefocus(t *testing.T) {
	inst := tem.NewMock()
	if err := inst.SetDefocus(300e-9); err != nil {
		t.Fatal(err)
	}
	cor := &fakeCorrector{}
	delta, err := Focus(inst, cor, Grid{}, nil, FocusConfig{
		Range:  500e-9,
		Seeds:  5,
		Budget: 4,
		Acquire: AcquireOptions{
			Dwell: 1e-6, Width: 64, Height: 64, Metric: frame.MetricVar,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	df, err := inst.Defocus()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(df) > 100e-9 {
		t.Errorf("autofocus landed at %g m defocus (delta %g), expected near zero", df, delta)
	}
}

func TestFocusRejectsBadRange(t *testing.T) {
	if _, err := Focus(tem.NewMock(), &fakeCorrector{}, Grid{}, nil, FocusConfig{}); err == nil {
		t.Error("expected an error for a zero search range")
	}
}

func TestGridFindsQuadraticMax(t *testing.T) {
	best, err := Grid{}.Propose([][2]float64{{-1, 1}}, 5, 6, func(x []float64) (float64, error) {
		return -(x[0] - 0.3) * (x[0] - 0.3), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(best[0]-0.3) > 0.05 {
		t.Errorf("grid search found %g, expected near 0.3", best[0])
	}
}
