package numopt

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"
)

func TestLevenbergMarquardt(t *testing.T) {
	t.Parallel()
	// Fit y = a*exp(b*t) to exact samples.
	ts := []float64{0, 0.5, 1, 1.5, 2}
	a, b := 2.0, -0.7
	ys := make([]float64, len(ts))
	for i, ti := range ts {
		ys[i] = a * math.Exp(b*ti)
	}
	residual := func(x []float64) ([]float64, error) {
		r := make([]float64, len(ts))
		for i, ti := range ts {
			r[i] = x[0]*math.Exp(x[1]*ti) - ys[i]
		}
		return r, nil
	}
	jacobian := func(x []float64) (*mat.Dense, error) {
		j := mat.NewDense(len(ts), 2, nil)
		for i, ti := range ts {
			e := math.Exp(x[1] * ti)
			j.Set(i, 0, e)
			j.Set(i, 1, x[0]*ti*e)
		}
		return j, nil
	}

	tests := []struct {
		name string
		jac  Jacobian
	}{
		{name: "analytic", jac: jacobian},
		{name: "forward difference", jac: nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			res, err := LevenbergMarquardt(residual, test.jac, []float64{1, 0}, NewLMOptions().MaxEval(200).FTol(1e-14))
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if !res.Converged() {
				t.Fatalf("%s %+v", res.Status, res)
			}
			if diff := cmp.Diff([]float64{a, b}, res.X, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
				t.Fatalf("%s", diff)
			}
		})
	}
}

func TestLevenbergMarquardtZeroResidual(t *testing.T) {
	t.Parallel()
	calls := 0
	residual := func(x []float64) ([]float64, error) {
		calls++
		return []float64{x[0] - 3, x[1] + 1}, nil
	}
	res, err := LevenbergMarquardt(residual, nil, []float64{3, -1})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if res.Status != ZeroResidual || res.Iterations != 0 || calls != 1 {
		t.Fatalf("%s %d %d", res.Status, res.Iterations, calls)
	}
	if diff := cmp.Diff([]float64{3, -1}, res.X); diff != "" {
		t.Fatalf("%s", diff)
	}
}

func TestLevenbergMarquardtBudget(t *testing.T) {
	t.Parallel()
	// Rosenbrock needs far more than three evaluations.
	residual := func(x []float64) ([]float64, error) {
		return []float64{10 * (x[1] - x[0]*x[0]), 1 - x[0]}, nil
	}
	res, err := LevenbergMarquardt(residual, nil, []float64{-1.2, 1}, NewLMOptions().MaxEval(3))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if res.Converged() {
		t.Fatalf("%s", res.Status)
	}
	if res.Status != MaxEvalReached {
		t.Fatalf("%s, expected %s", res.Status, MaxEvalReached)
	}
	if res.Evaluations > 3 {
		t.Fatalf("%d", res.Evaluations)
	}
}

func TestNewton(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    func(float64) float64
		x0   float64
		root float64
	}{
		{f: func(x float64) float64 { return x*x - 2 }, x0: 1, root: math.Sqrt2},
		{f: func(x float64) float64 { return math.Tanh(x - 0.3) }, x0: 0, root: 0.3},
		{f: func(x float64) float64 { return 4 - 2*x }, x0: -5, root: 2},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%f", test.root), func(t *testing.T) {
			t.Parallel()
			res, err := Newton(func(x float64) (float64, error) { return test.f(x), nil }, test.x0)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if !res.Converged() {
				t.Fatalf("%s", res.Status)
			}
			if math.Abs(res.X[0]-test.root) > 1e-6 {
				t.Fatalf("%f, expected %f", res.X[0], test.root)
			}
		})
	}
}

func TestNewtonBudget(t *testing.T) {
	t.Parallel()
	// No real root.
	res, err := Newton(func(x float64) (float64, error) { return x*x + 1, nil }, 0.5, NewNewtonOptions().MaxIterations(5))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if res.Converged() || res.Iterations > 5 {
		t.Fatalf("%s %d", res.Status, res.Iterations)
	}
}
