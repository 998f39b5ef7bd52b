// Package numopt implements the small nonlinear solvers used by the potential fits.
package numopt

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Status describes why a solver stopped.
type Status int

const (
	NotTerminated Status = iota
	ZeroResidual
	FTolReached
	XTolReached
	GTolReached
	MaxEvalReached
	Stalled
)

func (s Status) String() string {
	switch s {
	case NotTerminated:
		return "not terminated"
	case ZeroResidual:
		return "zero residual"
	case FTolReached:
		return "ftol reached"
	case XTolReached:
		return "xtol reached"
	case GTolReached:
		return "gtol reached"
	case MaxEvalReached:
		return "max evaluations reached"
	case Stalled:
		return "damping overflow"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Converged reports whether the status is a successful termination.
func (s Status) Converged() bool {
	switch s {
	case ZeroResidual, FTolReached, XTolReached, GTolReached:
		return true
	default:
		return false
	}
}

// Result is the outcome of a solve.
type Result struct {
	X           []float64
	Norm        float64
	Iterations  int
	Evaluations int
	Status      Status
}

// Converged reports whether the solver met its tolerance.
func (r Result) Converged() bool { return r.Status.Converged() }

type LMOptions struct {
	maxEval int
	fTol    float64
	xTol    float64
	gTol    float64
	lambda0 float64
}

func NewLMOptions() LMOptions {
	return LMOptions{maxEval: 40, fTol: 1e-8, xTol: 1e-8, gTol: 0, lambda0: 1e-3}
}

// MaxEval bounds the number of residual evaluations.
func (o LMOptions) MaxEval(n int) LMOptions {
	o.maxEval = n
	return o
}

// FTol is the relative reduction of the sum of squares below which the solve stops.
func (o LMOptions) FTol(tol float64) LMOptions {
	o.fTol = tol
	return o
}

// XTol is the relative step size below which the solve stops.
func (o LMOptions) XTol(tol float64) LMOptions {
	o.xTol = tol
	return o
}

// GTol is the gradient infinity norm below which the solve stops.
func (o LMOptions) GTol(tol float64) LMOptions {
	o.gTol = tol
	return o
}

// Residual evaluates the residual vector at x.
type Residual func(x []float64) ([]float64, error)

// Jacobian evaluates the m×n derivative of the residual at x.
type Jacobian func(x []float64) (*mat.Dense, error)

// LevenbergMarquardt minimizes the sum of squares of f starting from x0.
// A nil jac selects a forward-difference Jacobian.
// Running out of evaluations is not an error: the best iterate is returned with its status.
func LevenbergMarquardt(f Residual, jac Jacobian, x0 []float64, options ...LMOptions) (Result, error) {
	opt := NewLMOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	res := Result{X: append([]float64(nil), x0...)}

	r, err := f(res.X)
	if err != nil {
		return res, errors.Wrap(err, "")
	}
	res.Evaluations++
	cost := floats.Dot(r, r)
	res.Norm = math.Sqrt(cost)
	if cost == 0 || len(res.X) == 0 {
		res.Status = ZeroResidual
		return res, nil
	}

	n := len(res.X)
	lambda := opt.lambda0
	xn := make([]float64, n)
	for {
		var j *mat.Dense
		if jac != nil {
			j, err = jac(res.X)
		} else {
			j, err = forwardJacobian(f, res.X, r, &res.Evaluations)
		}
		if err != nil {
			return res, errors.Wrap(err, "")
		}
		res.Iterations++

		var jtj mat.Dense
		jtj.Mul(j.T(), j)
		var g mat.VecDense
		g.MulVec(j.T(), mat.NewVecDense(len(r), r))
		if opt.gTol > 0 && mat.Norm(&g, math.Inf(1)) <= opt.gTol {
			res.Status = GTolReached
			return res, nil
		}

		accepted := false
		for !accepted {
			if res.Evaluations >= opt.maxEval {
				res.Status = MaxEvalReached
				return res, nil
			}
			if lambda > 1e16 {
				res.Status = Stalled
				return res, nil
			}

			a := mat.NewSymDense(n, nil)
			for p := 0; p < n; p++ {
				for q := p; q < n; q++ {
					a.SetSym(p, q, jtj.At(p, q))
				}
				a.SetSym(p, p, jtj.At(p, p)+lambda*math.Max(jtj.At(p, p), 1e-12))
			}
			var chol mat.Cholesky
			if ok := chol.Factorize(a); !ok {
				lambda *= 10
				continue
			}
			var step mat.VecDense
			if err := chol.SolveVecTo(&step, &g); err != nil {
				lambda *= 10
				continue
			}
			stepNorm := floats.Norm(step.RawVector().Data, 2)
			if stepNorm <= opt.xTol*(floats.Norm(res.X, 2)+opt.xTol) {
				res.Status = XTolReached
				return res, nil
			}
			for p := range xn {
				xn[p] = res.X[p] - step.AtVec(p)
			}

			rn, err := f(xn)
			if err != nil {
				return res, errors.Wrap(err, "")
			}
			res.Evaluations++
			costn := floats.Dot(rn, rn)
			if costn >= cost || math.IsNaN(costn) {
				lambda *= 10
				continue
			}

			accepted = true
			reduction := (cost - costn) / cost
			copy(res.X, xn)
			r, cost = rn, costn
			res.Norm = math.Sqrt(cost)
			lambda = math.Max(lambda/10, 1e-12)

			switch {
			case cost == 0:
				res.Status = ZeroResidual
				return res, nil
			case reduction <= opt.fTol:
				res.Status = FTolReached
				return res, nil
			}
		}
	}
}

func forwardJacobian(f Residual, x, r0 []float64, evaluations *int) (*mat.Dense, error) {
	j := mat.NewDense(len(r0), len(x), nil)
	xh := append([]float64(nil), x...)
	for k := range x {
		h := 1e-7 * math.Max(1, math.Abs(x[k]))
		xh[k] = x[k] + h
		rh, err := f(xh)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		*evaluations++
		xh[k] = x[k]
		for i := range r0 {
			j.Set(i, k, (rh[i]-r0[i])/h)
		}
	}
	return j, nil
}
