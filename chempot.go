package dmet

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
	"github.com/fumin/dmet/numopt"
)

// chemicalPotential shifts the impurity diagonal of the correlated solver potential
// until the correlated impurity electron count equals the mean-field one.
type chemicalPotential struct {
	d *Driver
}

// shifted returns v with mu added to the first nimp diagonal entries.
func shifted(v *mat.Dense, nimp int, mu []float64) *mat.Dense {
	out := mat.DenseCopyOf(v)
	for i := 0; i < nimp; i++ {
		m := mu[0]
		if len(mu) > 1 {
			m = mu[i]
		}
		out.Set(i, i, out.At(i, i)+m)
	}
	return out
}

// nelecDiff is the mean-field minus correlated impurity electron count at chemical potential mu.
func (f chemicalPotential) nelecDiff(ctx context.Context, emb *EmbeddingProblem) func(float64) (float64, error) {
	return func(mu float64) (float64, error) {
		res, err := f.d.runImpurity(ctx, emb.impurityProblem(shifted(emb.VFitCI, emb.NImp, []float64{mu}), true, 0))
		if err != nil {
			return 0, errors.Wrap(err, "")
		}
		if res.RDM1 == nil {
			return 0, solverError("%v: no density matrix", emb.Fragment)
		}
		return emb.NElecFrag - linalg.Trace(res.RDM1, emb.NImp), nil
	}
}

func (f chemicalPotential) compute(ctx context.Context, emb *EmbeddingProblem, _ *SystemState) (*mat.Dense, Diagnostic, error) {
	diff := f.nelecDiff(ctx, emb)
	tol, maxIter := f.d.opts.rootParams()

	var res numopt.Result
	var err error
	switch f.d.opts.rootMethod {
	case RootLM:
		residual := func(x []float64) ([]float64, error) {
			r, err := diff(x[0])
			return []float64{r}, err
		}
		res, err = numopt.LevenbergMarquardt(residual, nil, []float64{0}, numopt.NewLMOptions().FTol(tol).MaxEval(3*maxIter))
	default:
		res, err = numopt.Newton(diff, 0, numopt.NewNewtonOptions().Tol(tol).MaxIterations(maxIter))
	}
	if err != nil {
		return nil, Diagnostic{}, errors.Wrap(err, "")
	}
	diag := Diagnostic{
		Stage:       "chemical potential",
		Fragment:    emb.Fragment.ID,
		Converged:   res.Converged(),
		Status:      res.Status.String(),
		Norm:        res.Norm,
		Iterations:  res.Iterations,
		Evaluations: res.Evaluations,
	}
	f.d.logger.Debug("chemical potential", zap.Int("fragment", emb.Fragment.ID), zap.Float64("mu", res.X[0]), zap.Float64("nelec_error", res.Norm), zap.Int("evaluations", res.Evaluations))
	return shifted(emb.VFitCI, emb.NImp, res.X), diag, nil
}

// fixedDensity fits a diagonal impurity potential of the correlated solver
// so that the correlated impurity occupations reproduce the projected mean-field ones.
type fixedDensity struct {
	d *Driver
}

func (f fixedDensity) compute(ctx context.Context, emb *EmbeddingProblem, _ *SystemState) (*mat.Dense, Diagnostic, error) {
	hfdm := emb.hfDensity()
	residual := func(x []float64) ([]float64, error) {
		res, err := f.d.runImpurity(ctx, emb.impurityProblem(shifted(emb.VFitCI, emb.NImp, x), true, 0))
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		if res.RDM1 == nil {
			return nil, solverError("%v: no density matrix", emb.Fragment)
		}
		r := make([]float64, emb.NImp)
		for i := range r {
			r[i] = res.RDM1.At(i, i) - hfdm.At(i, i)
		}
		return r, nil
	}
	x0 := make([]float64, emb.NImp)
	res, err := numopt.LevenbergMarquardt(residual, nil, x0, numopt.NewLMOptions().FTol(f.d.opts.fTol).MaxEval(f.d.opts.maxEval))
	if err != nil {
		return nil, Diagnostic{}, errors.Wrap(err, "")
	}
	diag := Diagnostic{
		Stage:       "fixed density fit",
		Fragment:    emb.Fragment.ID,
		Converged:   res.Converged(),
		Status:      res.Status.String(),
		Norm:        res.Norm,
		Iterations:  res.Iterations,
		Evaluations: res.Evaluations,
	}
	return shifted(emb.VFitCI, emb.NImp, res.X), diag, nil
}
