package util_test

import (
	"testing"

	"github.jpl.nasa.gov/bdube/gostem/util"
)

func TestClamp(t *testing.T) {
	cases := []struct {
		v, lo, hi, expected float64
	}{
		{5, 0, 10, 5},
		{-5, 0, 10, 0},
		{15, 0, 10, 10},
	}
	for _, c := range cases {
		out := util.Clamp(c.v, c.lo, c.hi)
		if out != c.expected {
			t.Errorf("clamp(%g, %g, %g): expected %g got %g", c.v, c.lo, c.hi, c.expected, out)
		}
	}
}
