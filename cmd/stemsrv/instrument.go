package main

import (
	"errors"

	"github.jpl.nasa.gov/bdube/gostem/tem"
)

// newInstrument opens the interactive scan driver.  The real driver is a
// vendor COM binding that only exists on the instrument's control PC; a
// build for that machine replaces this file with one that links it in.
func newInstrument() (tem.Instrument, error) {
	return nil, errors.New("no instrument driver linked into this build")
}
