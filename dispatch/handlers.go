package dispatch

import (
	"encoding/json"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/dmscript"
	"github.jpl.nasa.gov/bdube/gostem/frame"
	"github.jpl.nasa.gov/bdube/gostem/loops"
	"github.jpl.nasa.gov/bdube/gostem/mode"
	"github.jpl.nasa.gov/bdube/gostem/tem"
)

// a handler runs one command; the request payload is the full flat JSON
// object, re-decoded into the command's own parameter struct
type handler func(*Session, []byte) (string, interface{}, error)

var handlers = map[string]handler{
	"ping":                    ping,
	"ref":                     setReference,
	"image":                   acquireImage,
	"ac":                      acquireWithAberrations,
	"ab_only":                 changeAberrations,
	"c1a1":                    measureC1A1,
	"tableau":                 acquireTableau,
	"move_stage":              moveStage,
	"move_stage_goto":         moveStageGoto,
	"get_mag":                 getMag,
	"set_mag":                 setMag,
	"get_stage_pos":           getStagePos,
	"get_camera_length":       getCameraLength,
	"get_camera_length_index": getCameraLengthIndex,
	"set_camera_length_index": setCameraLengthIndex,
	"get_defocus":             getDefocus,
	"set_defocus":             setDefocus,
	"get_voltage":             getVoltage,
	"open_column_valve":       openColumnValve,
	"close_column_valve":      closeColumnValve,
	"blank_beam":              blankBeam,
	"unblank_beam":            unblankBeam,
	"get_condenser_stigmator": getCondenserStigmator,
	"set_condenser_stigmator": setCondenserStigmator,
	"get_convergence_angle":   getConvergenceAngle,
	"get_stem_rotation":       getStemRotation,
	"set_stem_rotation":       setStemRotation,
	"get_mode":                getMode,
	"set_mode":                setMode,
	"acquire_stem_scan":       acquireSTEMScan,
	"acquire_4dcamera_scan":   acquire4DScan,
	"move_beam":               moveBeam,
	"center":                  center,
	"focus":                   focus,
}

// imagePayload is the wire form of a frame.
type imagePayload struct {
	Pix  []float64         `json:"image"`
	W    int               `json:"width"`
	H    int               `json:"height"`
	Cal  frame.Calibration `json:"cal"`
	Tags frame.Tags        `json:"tags"`
}

func toPayload(im frame.Image) imagePayload {
	return imagePayload{Pix: im.Pix, W: im.W, H: im.H, Cal: im.Cal, Tags: im.Tags}
}

func decode(payload []byte, into interface{}) error {
	if err := json.Unmarshal(payload, into); err != nil {
		return errors.Wrap(err, "decoding command parameters")
	}
	return nil
}

// acquireInteractive scans a frame on the interactive back-end, holding
// the arbiter in interactive mode for the duration.
func acquireInteractive(s *Session, dwell float64, w, h int, offset [2]float64) (frame.Image, error) {
	var im frame.Image
	err := s.Arb.WithMode(mode.Interactive, func() error {
		var err error
		im, err = s.Inst.AcquireImage(dwell, w, h, offset)
		return err
	})
	return im, err
}

func ping(*Session, []byte) (string, interface{}, error) {
	return "pinged", nil, nil
}

type scanShapeParams struct {
	Dwell  float64    `json:"dwell"`
	Shape  [2]int     `json:"shape"`
	Offset [2]float64 `json:"offset"`
}

func setReference(s *Session, payload []byte) (string, interface{}, error) {
	var p scanShapeParams
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	im, err := acquireInteractive(s, p.Dwell, p.Shape[0], p.Shape[1], [2]float64{0, 0})
	if err != nil {
		return "", nil, err
	}
	s.RefImage = &im
	return "reference image set", toPayload(im), nil
}

func acquireImage(s *Session, payload []byte) (string, interface{}, error) {
	var p scanShapeParams
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	im, err := acquireInteractive(s, p.Dwell, p.Shape[0], p.Shape[1], p.Offset)
	if err != nil {
		return "", nil, err
	}
	return "image acquired", toPayload(im), nil
}

type acParams struct {
	loops.AberrationSet
	Dwell        float64      `json:"dwell"`
	Shape        [2]int       `json:"shape"`
	Offset       [2]float64   `json:"offset"`
	Metric       frame.Metric `json:"metric"`
	ReturnImages bool         `json:"return_images"`
	CorrCutout   bool         `json:"ccorr"`
	BlockReduce  int          `json:"brm"`
}

func acquireWithAberrations(s *Session, payload []byte) (string, interface{}, error) {
	var p acParams
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	opt := loops.AcquireOptions{
		Dwell:       p.Dwell,
		Width:       p.Shape[0],
		Height:      p.Shape[1],
		Offset:      p.Offset,
		Metric:      p.Metric,
		CorrCutout:  p.CorrCutout,
		BlockReduce: p.BlockReduce,
	}
	var (
		q  float64
		im frame.Image
	)
	err := s.Arb.WithMode(mode.Interactive, func() error {
		var ferr error
		q, im, ferr = loops.AcquireWithAberrations(s.Inst, s.Cor, p.AberrationSet, opt, s.RefImage)
		return ferr
	})
	if err != nil {
		return "", nil, err
	}
	if p.ReturnImages {
		return "ac", map[string]interface{}{"qval": q, "image": toPayload(im)}, nil
	}
	return "ac", q, nil
}

func changeAberrations(s *Session, payload []byte) (string, interface{}, error) {
	var set loops.AberrationSet
	if err := decode(payload, &set); err != nil {
		return "", nil, err
	}
	if err := set.Apply(s.Cor, s.Inst); err != nil {
		return "", nil, err
	}
	return "aberrations changed", nil, nil
}

type c1a1Params struct {
	Values map[string]float64 `json:"ab_values"`
}

// measureC1A1 tilts the beam by the WD deltas, measures defocus and
// twofold astigmatism with the beam unblanked, and removes the tilt.
func measureC1A1(s *Session, payload []byte) (string, interface{}, error) {
	p := c1a1Params{Values: map[string]float64{}}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	tilt := [2]float64{p.Values["WD_x"], p.Values["WD_y"]}
	if err := s.Cor.CorrectAberration("WD", tilt, ""); err != nil {
		return "", nil, errors.Wrap(err, "tilting beam")
	}
	res, err := measureUnblanked(s, s.Cor.MeasureC1A1)
	if uerr := s.Cor.CorrectAberration("WD", [2]float64{-tilt[0], -tilt[1]}, ""); uerr != nil && err == nil {
		err = errors.Wrap(uerr, "removing beam tilt")
	}
	if err != nil {
		return "", nil, err
	}
	return "c1a1 measured", res, nil
}

// measureUnblanked unblanks the beam around a corrector measurement and
// reblanks it afterward, measurement failure or not.
func measureUnblanked(s *Session, fn func() (map[string]float64, error)) (map[string]float64, error) {
	if err := s.Inst.SetBeamBlanked(false); err != nil {
		return nil, errors.Wrap(err, "unblanking beam")
	}
	res, err := fn()
	if berr := s.Inst.SetBeamBlanked(true); berr != nil && err == nil {
		err = errors.Wrap(berr, "reblanking beam")
	}
	return res, err
}

type tableauParams struct {
	Angle   float64 `json:"angle"`
	TabType string  `json:"tab_type"`
}

func acquireTableau(s *Session, payload []byte) (string, interface{}, error) {
	p := tableauParams{Angle: 18, TabType: "fast"}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	res, err := measureUnblanked(s, func() (map[string]float64, error) {
		return s.Cor.AcquireTableau(p.Angle, p.TabType)
	})
	if err != nil {
		return "", nil, err
	}
	return "tableau measured", res, nil
}

type stageDeltaParams struct {
	DX float64 `json:"dX"`
	DY float64 `json:"dY"`
	DZ float64 `json:"dZ"`
	DA float64 `json:"dA"`
	DB float64 `json:"dB"`
}

func moveStage(s *Session, payload []byte) (string, interface{}, error) {
	var p stageDeltaParams
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	delta := tem.StagePosition{X: p.DX, Y: p.DY, Z: p.DZ, A: p.DA, B: p.DB}
	if err := s.Inst.MoveStage(delta); err != nil {
		return "", nil, err
	}
	return "stage moved", nil, nil
}

func moveStageGoto(s *Session, payload []byte) (string, interface{}, error) {
	var p tem.StagePosition
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	if err := s.Inst.MoveStageTo(p); err != nil {
		return "", nil, err
	}
	return "stage moved", nil, nil
}

func getMag(s *Session, _ []byte) (string, interface{}, error) {
	mag, err := s.Inst.Magnification()
	if err != nil {
		return "", nil, err
	}
	return "mag obtained", mag, nil
}

func setMag(s *Session, payload []byte) (string, interface{}, error) {
	var p struct {
		Mag float64 `json:"mag"`
	}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	if err := s.Inst.SetMagnification(p.Mag); err != nil {
		return "", nil, err
	}
	return "mag changed", nil, nil
}

func getStagePos(s *Session, _ []byte) (string, interface{}, error) {
	pos, err := s.Inst.StagePosition()
	if err != nil {
		return "", nil, err
	}
	return "pos obtained", pos, nil
}

func getCameraLength(s *Session, _ []byte) (string, interface{}, error) {
	cl, err := s.Inst.CameraLength()
	if err != nil {
		return "", nil, err
	}
	return "camera length obtained", cl, nil
}

func getCameraLengthIndex(s *Session, _ []byte) (string, interface{}, error) {
	idx, err := s.Inst.CameraLengthIndex()
	if err != nil {
		return "", nil, err
	}
	return "camera length index obtained", idx, nil
}

func setCameraLengthIndex(s *Session, payload []byte) (string, interface{}, error) {
	var p struct {
		Index int `json:"CL_index"`
	}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	if err := s.Inst.SetCameraLengthIndex(p.Index); err != nil {
		return "", nil, err
	}
	return "camera_length set", nil, nil
}

func getDefocus(s *Session, _ []byte) (string, interface{}, error) {
	df, err := s.Inst.Defocus()
	if err != nil {
		return "", nil, err
	}
	return "defocus acquired", df, nil
}

func setDefocus(s *Session, payload []byte) (string, interface{}, error) {
	var p struct {
		Target float64 `json:"target_df"`
	}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	if err := s.Inst.SetDefocus(p.Target); err != nil {
		return "", nil, err
	}
	return "defocus set", nil, nil
}

func getVoltage(s *Session, _ []byte) (string, interface{}, error) {
	v, err := s.Inst.Voltage()
	if err != nil {
		return "", nil, err
	}
	return "voltage acquired", v, nil
}

// the valve commands read the state back and report what actually
// happened; the hardware refuses to open the valves under bad vacuum
func openColumnValve(s *Session, _ []byte) (string, interface{}, error) {
	if err := s.Inst.SetColumnValvesOpen(true); err != nil {
		return "", nil, err
	}
	open, err := s.Inst.ColumnValvesOpen()
	if err != nil {
		return "", nil, err
	}
	if !open {
		return "column valve NOT open", nil, nil
	}
	return "column valve open", nil, nil
}

func closeColumnValve(s *Session, _ []byte) (string, interface{}, error) {
	if err := s.Inst.SetColumnValvesOpen(false); err != nil {
		return "", nil, err
	}
	open, err := s.Inst.ColumnValvesOpen()
	if err != nil {
		return "", nil, err
	}
	if open {
		return "column valve NOT closed", nil, nil
	}
	return "column valve closed", nil, nil
}

func blankBeam(s *Session, _ []byte) (string, interface{}, error) {
	if err := s.Inst.SetBeamBlanked(true); err != nil {
		return "", nil, err
	}
	return "beam blanked", nil, nil
}

func unblankBeam(s *Session, _ []byte) (string, interface{}, error) {
	if err := s.Inst.SetBeamBlanked(false); err != nil {
		return "", nil, err
	}
	return "beam unblanked", nil, nil
}

func getCondenserStigmator(s *Session, _ []byte) (string, interface{}, error) {
	stig, err := s.Inst.CondenserStigmator()
	if err != nil {
		return "", nil, err
	}
	return "get condenser stigmator", stig, nil
}

func setCondenserStigmator(s *Session, payload []byte) (string, interface{}, error) {
	var p struct {
		Stig [2]float64 `json:"cond_stig"`
	}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	if err := s.Inst.SetCondenserStigmator(p.Stig); err != nil {
		return "", nil, err
	}
	return "set condenser stigmator", nil, nil
}

func getConvergenceAngle(s *Session, _ []byte) (string, interface{}, error) {
	a, err := s.Inst.ConvergenceAngle()
	if err != nil {
		return "", nil, err
	}
	return "get convergence angle", a, nil
}

func getStemRotation(s *Session, _ []byte) (string, interface{}, error) {
	r, err := s.Inst.StemRotation()
	if err != nil {
		return "", nil, err
	}
	return "get stem rotation", r, nil
}

func setStemRotation(s *Session, payload []byte) (string, interface{}, error) {
	var p struct {
		Rotation float64 `json:"stem_rotation"`
	}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	if err := s.Inst.SetStemRotation(p.Rotation); err != nil {
		return "", nil, err
	}
	return "set stem rotation", nil, nil
}

func getMode(s *Session, _ []byte) (string, interface{}, error) {
	return "mode obtained", s.Arb.Current().String(), nil
}

func setMode(s *Session, payload []byte) (string, interface{}, error) {
	var p struct {
		Mode string `json:"mode"`
	}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	m, err := mode.Parse(p.Mode)
	if err != nil {
		return "", nil, err
	}
	if err := s.Arb.Set(m); err != nil {
		return "", nil, err
	}
	return "mode set", nil, nil
}

// record persists a scripted acquisition if a recorder is wired in.  The
// image has already been delivered; a recording failure is logged, not
// surfaced.
func record(s *Session, im frame.Image) {
	if s.Rec == nil {
		return
	}
	if _, err := s.Rec.Record(im); err != nil {
		log.Printf("recording acquisition failed: %v", err)
	}
}

func acquireSTEMScan(s *Session, payload []byte) (string, interface{}, error) {
	var p dmscript.ScanParams
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	var im frame.Image
	err := s.Arb.WithMode(mode.Scripted, func() error {
		var err error
		im, err = s.Sync.AcquireSTEM(p)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	record(s, im)
	return "stem scan acquired", toPayload(im), nil
}

func acquire4DScan(s *Session, payload []byte) (string, interface{}, error) {
	var p dmscript.ScanParams
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	var im frame.Image
	err := s.Arb.WithMode(mode.Scripted, func() error {
		var err error
		im, err = s.Sync.AcquireCamera(p)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	record(s, im)
	return "4D scan acquired", toPayload(im), nil
}

func moveBeam(s *Session, payload []byte) (string, interface{}, error) {
	var p struct {
		DX float64 `json:"dX"`
		DY float64 `json:"dY"`
	}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	err := s.Arb.WithMode(mode.Scripted, func() error {
		return s.Sync.MoveBeam(p.DX, p.DY)
	})
	if err != nil {
		return "", nil, err
	}
	return "beam moved", nil, nil
}

type centerParams struct {
	Tolerance        float64 `json:"xymax"`
	MaxTries         int     `json:"ntries"`
	CalFactor        float64 `json:"cal_factor"`
	Dwell            float64 `json:"dwell_search"`
	Size             int     `json:"size_search"`
	SettleSeconds    float64 `json:"settle"`
	CloseValveOnFail bool    `json:"close_valve_on_fail"`

	// DFRange > 0 runs autofocus over +/- DFRange before every
	// centering pass
	DFRange float64 `json:"df_range"`
	Seeds   int     `json:"seeds"`
	Budget  int     `json:"budget"`
}

func center(s *Session, payload []byte) (string, interface{}, error) {
	p := centerParams{
		Tolerance:     100e-9,
		MaxTries:      4,
		CalFactor:     1,
		Dwell:         2e-6,
		Size:          256,
		SettleSeconds: 1,
		Seeds:         5,
		Budget:        10,
	}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	if s.RefImage == nil {
		return "", nil, errors.New("dispatch: no reference image set; run ref first")
	}
	cfg := loops.CenterConfig{
		Tolerance:        p.Tolerance,
		MaxTries:         p.MaxTries,
		CalFactor:        p.CalFactor,
		Dwell:            p.Dwell,
		Size:             p.Size,
		Settle:           time.Duration(p.SettleSeconds * float64(time.Second)),
		CloseValveOnFail: p.CloseValveOnFail,
	}
	if p.DFRange > 0 {
		if s.Opt == nil {
			return "", nil, errors.New("dispatch: df_range given but no focus optimizer configured")
		}
		fcfg := loops.FocusConfig{
			Range:  p.DFRange,
			Seeds:  p.Seeds,
			Budget: p.Budget,
			Acquire: loops.AcquireOptions{
				Dwell:  p.Dwell,
				Width:  p.Size,
				Height: p.Size,
				Metric: frame.MetricNormVar,
			},
		}
		cfg.Refocus = func() error {
			_, err := loops.Focus(s.Inst, s.Cor, s.Opt, s.RefImage, fcfg)
			return err
		}
	}
	err := s.Arb.WithMode(mode.Interactive, func() error {
		return loops.Center(s.Inst, *s.RefImage, cfg)
	})
	if err != nil {
		return "", nil, err
	}
	return "centered", nil, nil
}

type focusParams struct {
	Range  float64      `json:"df_range"`
	Seeds  int          `json:"seeds"`
	Budget int          `json:"budget"`
	Dwell  float64      `json:"dwell"`
	Shape  [2]int       `json:"shape"`
	Metric frame.Metric `json:"metric"`
}

func focus(s *Session, payload []byte) (string, interface{}, error) {
	p := focusParams{
		Range:  1000e-9,
		Seeds:  5,
		Budget: 10,
		Dwell:  3e-6,
		Shape:  [2]int{512, 512},
		Metric: frame.MetricNormVar,
	}
	if err := decode(payload, &p); err != nil {
		return "", nil, err
	}
	if s.Opt == nil {
		return "", nil, errors.New("dispatch: no focus optimizer configured")
	}
	cfg := loops.FocusConfig{
		Range:  p.Range,
		Seeds:  p.Seeds,
		Budget: p.Budget,
		Acquire: loops.AcquireOptions{
			Dwell:  p.Dwell,
			Width:  p.Shape[0],
			Height: p.Shape[1],
			Metric: p.Metric,
		},
	}
	var best float64
	werr := s.Arb.WithMode(mode.Interactive, func() error {
		var err error
		best, err = loops.Focus(s.Inst, s.Cor, s.Opt, s.RefImage, cfg)
		return err
	})
	if werr != nil {
		return "", nil, werr
	}
	return "focused", best, nil
}
