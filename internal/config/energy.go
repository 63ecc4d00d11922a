package config

import (
	"strings"

	"gonum.org/v1/gonum/floats"
)

// EnergyFn selects how a PC layer turns its residual error into a scalar energy.
type EnergyFn string

const (
	EnergyMSE       EnergyFn = "mse"
	EnergyScaledMSE EnergyFn = "scaled_mse"
)

// ParseEnergyFn accepts the names used in config files.
func ParseEnergyFn(name string) (EnergyFn, error) {
	switch EnergyFn(strings.ToLower(strings.TrimSpace(name))) {
	case EnergyMSE:
		return EnergyMSE, nil
	case EnergyScaledMSE:
		return EnergyScaledMSE, nil
	default:
		return "", invalid("unknown energy_fn_name %q", name)
	}
}

// Eval returns the energy of an error vector.
func (fn EnergyFn) Eval(e []float64) float64 {
	if len(e) == 0 {
		return 0
	}
	mean := floats.Dot(e, e) / float64(len(e))
	if fn == EnergyScaledMSE {
		return 0.5 * mean
	}
	return mean
}

// Grad writes the derivative of each element's energy term into dst:
// e_i for scaled_mse and 2·e_i for mse. The 1/n of the mean is left out so
// the latent step does not shrink with the layer width.
func (fn EnergyFn) Grad(dst, e []float64) {
	c := 2.0
	if fn == EnergyScaledMSE {
		c = 1
	}
	floats.ScaleTo(dst, c, e)
}
