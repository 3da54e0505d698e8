package scripted

import (
	"os"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/artifact"
	"github.jpl.nasa.gov/bdube/gostem/frame"
)

var (
	widthRe  = regexp.MustCompile(`number width = (\d+)`)
	heightRe = regexp.MustCompile(`number height = (\d+)`)
)

// SimEngine pretends to be the external engine.  It honors the file-driven
// contract: it reads the script it is handed, extracts the scan shape, and
// drops a synthetic artifact at ArtifactPath.  Scripts without a scan
// shape (relay moves, beam moves) succeed with no side effect.
type SimEngine struct {
	// ArtifactPath is where the completion artifact is written
	ArtifactPath string

	// Source synthesizes the frame for a scan of the given shape
	Source func(w, h int) (frame.Image, error)
}

// Run implements Engine.
func (e SimEngine) Run(scriptPath string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return errors.Wrapf(err, "sim engine reading script %s", scriptPath)
	}
	wm := widthRe.FindSubmatch(script)
	hm := heightRe.FindSubmatch(script)
	if wm == nil || hm == nil {
		return nil
	}
	w, err := strconv.Atoi(string(wm[1]))
	if err != nil {
		return err
	}
	h, err := strconv.Atoi(string(hm[1]))
	if err != nil {
		return err
	}
	im, err := e.Source(w, h)
	if err != nil {
		return err
	}
	return artifact.WriteFile(e.ArtifactPath, im)
}
