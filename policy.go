package dmet

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
)

// meanFieldFitter updates the mean-field fitting potentials.
// It returns the new potential of every class, each sized to its embedding space.
type meanFieldFitter interface {
	fit(ctx context.Context, st *SystemState, embs []*EmbeddingProblem) ([]*mat.Dense, []Diagnostic, error)
}

// correlationFitter computes the potential applied inside the correlated solver of one embedding problem.
type correlationFitter interface {
	compute(ctx context.Context, emb *EmbeddingProblem, st *SystemState) (*mat.Dense, Diagnostic, error)
}

func (d *Driver) newMeanFieldFitter() meanFieldFitter {
	switch d.opts.meanField {
	case MeanFieldLocal:
		return localFit{d: d}
	case MeanFieldZero:
		return zeroFit{}
	default:
		return globalFit{d: d}
	}
}

func (d *Driver) newCorrelationFitter() correlationFitter {
	switch d.opts.correlation {
	case CorrelationZero:
		return zeroPotential{}
	case CorrelationFixedDensity:
		return fixedDensity{d: d}
	default:
		return chemicalPotential{d: d}
	}
}

// referenceDensities runs the correlated solver of every class for its spin-summed density matrix.
func (d *Driver) referenceDensities(ctx context.Context, embs []*EmbeddingProblem) ([]*mat.Dense, error) {
	dms := make([]*mat.Dense, len(embs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.parallel)
	for c, emb := range embs {
		g.Go(func() error {
			res, err := d.runImpurity(ctx, emb.impurityProblem(emb.VFitCI, true, 0))
			if err != nil {
				return errors.Wrap(err, "")
			}
			if res.RDM1 == nil {
				return solverError("%v: no density matrix", emb.Fragment)
			}
			dms[c] = res.RDM1
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return dms, nil
}

// fitBlock selects the reference block of an embedding density for a fit domain.
func fitBlock(dm *mat.Dense, nimp int, domain FitDomain) *mat.Dense {
	half := mat.DenseCopyOf(dm)
	half.Scale(0.5, half)
	if domain == ImpurityAndBath {
		return half
	}
	return linalg.Sub(half, linalg.Range(0, nimp), linalg.Range(0, nimp))
}

// globalFit fits all classes at once against the whole-system mean field in the orthogonal basis.
type globalFit struct {
	d *Driver
}

func (f globalFit) fit(ctx context.Context, st *SystemState, embs []*EmbeddingProblem) ([]*mat.Dense, []Diagnostic, error) {
	dms, err := f.d.referenceDensities(ctx, embs)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}

	p := &fitProblem{fock0: st.Fock, nocc: st.NOcc}
	for c, emb := range embs {
		t := fitTarget{rows: emb.Fragment.Basis, ref: fitBlock(dms[c], emb.NImp, f.d.opts.fitDomain)}
		if f.d.opts.fitDomain == ImpurityAndBath {
			t.proj = emb.Bath
		}
		p.targets = append(p.targets, t)

		copies := make([][]int, 0, len(f.d.frags.Copies[c]))
		for _, id := range f.d.frags.Copies[c] {
			copies = append(copies, f.d.frags.All[id].Basis)
		}
		p.blocks = append(p.blocks, copies)
	}
	res, err := p.solve("mean-field fit", f.d.opts.fTol, f.d.opts.maxEval)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}

	vs := make([]*mat.Dense, len(embs))
	for c, emb := range embs {
		v := mat.DenseCopyOf(emb.VFitMF)
		addBlock(v, res.dv[c])
		vs[c] = v
	}
	return vs, []Diagnostic{res.diag}, nil
}

// localFit fits every class inside its own embedding space against the projected Fock matrix.
type localFit struct {
	d *Driver
}

func (f localFit) fit(ctx context.Context, st *SystemState, embs []*EmbeddingProblem) ([]*mat.Dense, []Diagnostic, error) {
	dms, err := f.d.referenceDensities(ctx, embs)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}

	vs := make([]*mat.Dense, len(embs))
	diags := make([]Diagnostic, len(embs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.d.opts.parallel)
	for c, emb := range embs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "")
			}
			rows := linalg.Range(0, emb.NImp)
			if f.d.opts.fitDomain == ImpurityAndBath {
				rows = linalg.Range(0, emb.NEmb())
			}
			nv := emb.NImp
			if f.d.opts.vfitDomain == ImpurityAndBath {
				nv = emb.NEmb()
			}
			p := &fitProblem{
				fock0:   emb.Fock,
				nocc:    emb.NElectron / 2,
				targets: []fitTarget{{rows: rows, ref: fitBlock(dms[c], emb.NImp, f.d.opts.fitDomain)}},
				blocks:  [][][]int{{linalg.Range(0, nv)}},
			}
			res, err := p.solve("local mean-field fit", f.d.opts.fTol, f.d.opts.maxEval)
			if err != nil {
				return errors.Wrap(err, "")
			}
			dv := res.dv[0]
			if f.d.opts.dampFactor > 0 {
				dv.Scale(f.d.opts.dampFactor, dv)
			}
			v := mat.DenseCopyOf(emb.VFitMF)
			addBlock(v, dv)
			vs[c] = v
			res.diag.Fragment = emb.Fragment.ID
			diags[c] = res.diag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	return vs, diags, nil
}

// zeroFit keeps the mean-field potential at zero.
type zeroFit struct{}

func (zeroFit) fit(_ context.Context, _ *SystemState, embs []*EmbeddingProblem) ([]*mat.Dense, []Diagnostic, error) {
	vs := make([]*mat.Dense, len(embs))
	for c, emb := range embs {
		vs[c] = mat.NewDense(emb.NEmb(), emb.NEmb(), nil)
	}
	return vs, nil, nil
}

// zeroPotential runs the correlated solver without any extra potential.
type zeroPotential struct{}

func (zeroPotential) compute(_ context.Context, emb *EmbeddingProblem, _ *SystemState) (*mat.Dense, Diagnostic, error) {
	return mat.NewDense(emb.NEmb(), emb.NEmb(), nil), Diagnostic{Stage: "zero potential", Fragment: emb.Fragment.ID, Converged: true}, nil
}

// addBlock adds src to the leading block of dst.
func addBlock(dst *mat.Dense, src mat.Matrix) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(i, j, dst.At(i, j)+src.At(i, j))
		}
	}
}
