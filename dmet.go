// Package dmet implements the self-consistency loop of density matrix embedding theory.
//
// The system is partitioned into fragments. For every fragment an embedding problem of impurity and bath orbitals is built
// from the whole-system mean field and solved with a correlated solver.
// A single-particle potential is then fitted so that the mean field reproduces the correlated fragment densities,
// and the cycle is repeated until the potential and the energies stop changing.
package dmet

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
)

// Iteration is the outcome of one macro iteration. Iteration 0 is the initial embedding.
type Iteration struct {
	Iter   int
	ETot   float64
	ECorr  float64
	NElec  float64
	DV     float64
	DE     float64
	DECorr float64
	// Fit and ChemPot report the numerical sub-solves of the iteration.
	Fit     []Diagnostic
	ChemPot []Diagnostic
}

func (it Iteration) String() string {
	return fmt.Sprintf("macro iter = %d, e_tot = %.12g, e_tot(corr) = %.12g, nelec = %g, dv = %g, de = %g, decorr = %g", it.Iter, it.ETot, it.ECorr, it.NElec, it.DV, it.DE, it.DECorr)
}

// Result is the outcome of a run. A run that exhausts its iterations is returned with Converged false.
type Result struct {
	Converged  bool
	Iterations int
	ETot       float64
	ECorr      float64
	NElec      float64
	// VFitMF and VFitCI hold the final potentials of every symmetry class over its embedding space.
	VFitMF []*mat.Dense
	VFitCI []*mat.Dense
	// Global is the assembled mean-field potential in the orthogonal basis, GlobalAO in the native basis.
	Global   *mat.Dense
	GlobalAO *mat.Dense
	History  []Iteration
	// State is the final whole-system mean field.
	State *SystemState
}

// Driver runs the self-consistency loop.
type Driver struct {
	sys    System
	mf     MeanFieldSolver
	ci     CorrelatedSolver
	frags  *Fragments
	opts   Options
	orth   *mat.Dense
	logger *zap.Logger

	mfFit meanFieldFitter
	ciFit correlationFitter
}

// New validates the configuration and partitions the system. No solver is called.
func New(sys System, mf MeanFieldSolver, ci CorrelatedSolver, groups []FragmentGroup, options ...Options) (*Driver, error) {
	opt := NewOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	if err := opt.validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	n := len(sys.BasisAtoms())
	if nelec := sys.NElectron(); nelec <= 0 || nelec%2 != 0 || nelec > 2*n {
		return nil, configError("%d electrons in %d basis functions, need a positive even count", nelec, n)
	}
	frags, err := Partition(sys.BasisAtoms(), groups, opt.translational)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if opt.hopping {
		for class, ids := range frags.Copies {
			if len(ids) > 1 {
				return nil, configError("hopping potential needs classes without symmetry copies, class %d has %d", class, len(ids))
			}
		}
	}
	if opt.initPotential != nil {
		if r, c := opt.initPotential.Dims(); r != n || c != n {
			return nil, configError("initial potential %dx%d, expected %dx%d", r, c, n, n)
		}
	}

	orth := opt.orthCoeff
	if orth == nil {
		orth, err = linalg.Lowdin(sys.Overlap())
		if err != nil {
			return nil, configError("%+v", err)
		}
	} else if r, c := orth.Dims(); r != n || c != n {
		return nil, configError("orthogonalization coefficients %dx%d, expected %dx%d", r, c, n, n)
	}

	d := &Driver{sys: sys, mf: mf, ci: ci, frags: frags, opts: opt, orth: orth, logger: opt.logger}
	d.mfFit = d.newMeanFieldFitter()
	d.ciFit = d.newCorrelationFitter()
	return d, nil
}

// Fragments returns the partition of the system.
func (d *Driver) Fragments() *Fragments { return d.frags }

// Run iterates from the mean field start, which is solved from the bare core Hamiltonian when nil.
func (d *Driver) Run(ctx context.Context, start *MeanField) (*Result, error) {
	hcore, ovlp := d.sys.HCore(), d.sys.Overlap()
	mf := start
	if mf == nil {
		var err error
		if mf, err = d.solveMeanField(ctx, hcore, ovlp, nil); err != nil {
			return nil, errors.Wrap(err, "")
		}
	} else if err := checkMeanField(mf); err != nil {
		return nil, errors.Wrap(err, "start")
	}
	if d.opts.initPotential != nil {
		var h mat.Dense
		h.Add(hcore, d.opts.initPotential)
		var err error
		if mf, err = d.solveMeanField(ctx, &h, ovlp, mf.DM()); err != nil {
			return nil, errors.Wrap(err, "")
		}
	}

	st, err := newSystemState(0, d.sys, mf, d.orth)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	embs, err := d.buildEmbeddings(ctx, st, nil)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if d.opts.initPotential != nil {
		vGroup := disassemble(d.frags, st.FromNative(d.opts.initPotential))
		for c, emb := range embs {
			copyBlock(emb.VFitMF, vGroup[c])
		}
	}
	d.applyEnvPotential(embs)

	chemPot, err := d.fitCorrelation(ctx, st, embs)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	en, err := d.assembleFragEnergy(ctx, embs)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	cs := d.convergenceState(embs, en)
	it := Iteration{Iter: 0, ETot: en.ETot, ECorr: en.ECorr, NElec: en.NElec, ChemPot: chemPot}
	res := &Result{}
	if err := d.record(res, it); err != nil {
		return nil, errors.Wrap(err, "")
	}

	tv, te, tc := d.opts.thresholds()
	for iter := 1; iter <= d.opts.maxIter; iter++ {
		vmf, fitDiags, err := d.mfFit.fit(ctx, st, embs)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		for c, emb := range embs {
			emb.VFitMF = vmf[c]
		}

		st, embs, err = d.resolve(ctx, st, embs)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("iteration %d", iter))
		}
		d.applyEnvPotential(embs)

		chemPot, err := d.fitCorrelation(ctx, st, embs)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		en, err := d.assembleFragEnergy(ctx, embs)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}

		next := d.convergenceState(embs, en)
		it = Iteration{Iter: iter, ETot: en.ETot, ECorr: en.ECorr, NElec: en.NElec, Fit: fitDiags, ChemPot: chemPot}
		it.DV, it.DE, it.DECorr = next.changes(cs)
		cs = next
		if err := d.record(res, it); err != nil {
			return nil, errors.Wrap(err, "")
		}

		if (it.DV < tv || it.DE < te) && it.DECorr < tc {
			res.Converged = true
			break
		}
	}
	if !res.Converged {
		d.logger.Warn("self-consistency not converged", zap.Int("iterations", d.opts.maxIter), zap.Float64("dv", it.DV), zap.Float64("de", it.DE), zap.Float64("decorr", it.DECorr))
	}

	res.Iterations = it.Iter
	res.ETot, res.ECorr, res.NElec = cs.ETot, cs.ECorr, cs.NElec
	res.VFitMF, res.VFitCI = cs.VFitMF, cs.VFitCI
	res.Global = d.globalPotential(embs)
	res.GlobalAO = st.ToNative(res.Global)
	d.logger.Debug("global potential", zap.Stringer("v", linalg.Formatter{M: res.Global}))
	res.State = st
	if d.opts.recorder != nil {
		if err := d.opts.recorder.RecordPotential(res.Global, res.GlobalAO); err != nil {
			return nil, errors.Wrap(err, "")
		}
	}
	return res, nil
}

// resolve solves the whole system under the assembled mean-field potential and rebuilds every embedding against it.
func (d *Driver) resolve(ctx context.Context, st *SystemState, embs []*EmbeddingProblem) (*SystemState, []*EmbeddingProblem, error) {
	vAO := st.ToNative(d.globalPotential(embs))
	var h mat.Dense
	h.Add(st.HCore, vAO)
	mf, err := d.solveMeanField(ctx, &h, d.sys.Overlap(), st.DM)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	next, err := newSystemState(st.Version+1, d.sys, mf, d.orth)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	d.logger.Debug("mean field", zap.Stringer("state", next))
	rebuilt, err := d.buildEmbeddings(ctx, next, embs)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	return next, rebuilt, nil
}

// fitCorrelation updates the correlated solver potential of every class.
func (d *Driver) fitCorrelation(ctx context.Context, st *SystemState, embs []*EmbeddingProblem) ([]Diagnostic, error) {
	vs := make([]*mat.Dense, len(embs))
	diags := make([]Diagnostic, len(embs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.parallel)
	for c, emb := range embs {
		g.Go(func() error {
			v, diag, err := d.ciFit.compute(gctx, emb, st)
			if err != nil {
				return errors.Wrap(err, "")
			}
			vs[c], diags[c] = v, diag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	for c, emb := range embs {
		emb.VFitCI = vs[c]
	}
	return diags, nil
}

// ConvergenceState is what the convergence test compares between consecutive iterations.
type ConvergenceState struct {
	VFitMF []*mat.Dense
	VFitCI []*mat.Dense
	// Block is the block-diagonal assembly of VFitMF over the orthogonal basis.
	Block *mat.Dense
	ETot  float64
	ECorr float64
	NElec float64
}

// convergenceState snapshots the potentials of every class together with the energies.
func (d *Driver) convergenceState(embs []*EmbeddingProblem, en Energies) ConvergenceState {
	cs := ConvergenceState{ETot: en.ETot, ECorr: en.ECorr, NElec: en.NElec}
	for _, emb := range embs {
		cs.VFitMF = append(cs.VFitMF, mat.DenseCopyOf(emb.VFitMF))
		cs.VFitCI = append(cs.VFitCI, mat.DenseCopyOf(emb.VFitCI))
	}
	n, _ := d.orth.Dims()
	cs.Block = assemble(d.frags, n, cs.VFitMF)
	return cs
}

// changes returns the off-diagonal potential change, the relative total energy change and the correlation energy change since prev.
// The total energy change is absolute when the current total energy is zero.
func (cs ConvergenceState) changes(prev ConvergenceState) (dv, de, decorr float64) {
	dv = offDiagonalNorm(cs.Block, prev.Block)
	de = math.Abs(cs.ETot - prev.ETot)
	if cs.ETot != 0 {
		de /= math.Abs(cs.ETot)
	}
	decorr = math.Abs(cs.ECorr - prev.ECorr)
	return dv, de, decorr
}

// offDiagonalNorm is the Frobenius norm of the off-diagonal entries of a-b.
func offDiagonalNorm(a, b *mat.Dense) float64 {
	n, _ := a.Dims()
	var ss float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			x := a.At(i, j) - b.At(i, j)
			ss += x * x
		}
	}
	return math.Sqrt(ss)
}

func (d *Driver) record(res *Result, it Iteration) error {
	res.History = append(res.History, it)
	d.logger.Info("macro iteration", zap.Int("iter", it.Iter), zap.Float64("e_tot", it.ETot), zap.Float64("e_corr", it.ECorr), zap.Float64("nelec", it.NElec), zap.Float64("dv", it.DV), zap.Float64("de", it.DE), zap.Float64("decorr", it.DECorr))
	for _, diag := range append(append([]Diagnostic(nil), it.Fit...), it.ChemPot...) {
		if diag.Converged {
			d.logger.Debug("sub-solve", zap.Stringer("diagnostic", diag))
			continue
		}
		d.logger.Warn("sub-solve not converged", zap.Stringer("diagnostic", diag))
	}
	if d.opts.recorder == nil {
		return nil
	}
	if err := d.opts.recorder.RecordIteration(it); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
