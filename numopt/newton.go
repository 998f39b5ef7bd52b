package numopt

import (
	"math"

	"github.com/pkg/errors"
)

type NewtonOptions struct {
	maxIter int
	tol     float64
	step    float64
}

func NewNewtonOptions() NewtonOptions {
	return NewtonOptions{maxIter: 50, tol: 1e-6, step: 1e-4}
}

// MaxIterations bounds the number of Newton steps.
func (o NewtonOptions) MaxIterations(n int) NewtonOptions {
	o.maxIter = n
	return o
}

// Tol is the absolute step size, or function value, at which the root is accepted.
func (o NewtonOptions) Tol(tol float64) NewtonOptions {
	o.tol = tol
	return o
}

// Newton finds a root of the scalar function f starting from x0.
// The slope at each iterate is estimated by a forward difference of function values.
// Exhausting the iteration budget is not an error: the last iterate is returned with MaxEvalReached.
func Newton(f func(float64) (float64, error), x0 float64, options ...NewtonOptions) (Result, error) {
	opt := NewNewtonOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	res := Result{X: []float64{x0}}
	x := x0
	fx, err := f(x)
	if err != nil {
		return res, errors.Wrap(err, "")
	}
	res.Evaluations++
	res.Norm = math.Abs(fx)

	for res.Iterations < opt.maxIter {
		if fx == 0 {
			res.Status = ZeroResidual
			return res, nil
		}
		res.Iterations++

		h := opt.step * math.Max(1, math.Abs(x))
		fh, err := f(x + h)
		if err != nil {
			return res, errors.Wrap(err, "")
		}
		res.Evaluations++
		slope := (fh - fx) / h
		if slope == 0 || math.IsNaN(slope) {
			res.Status = Stalled
			return res, nil
		}

		dx := fx / slope
		x -= dx
		fx, err = f(x)
		if err != nil {
			return res, errors.Wrap(err, "")
		}
		res.Evaluations++
		res.X[0] = x
		res.Norm = math.Abs(fx)

		if math.Abs(dx) <= opt.tol || res.Norm <= opt.tol*opt.tol {
			res.Status = XTolReached
			return res, nil
		}
	}
	res.Status = MaxEvalReached
	return res, nil
}
