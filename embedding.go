package dmet

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
)

// EmbeddingProblem is the impurity plus bath problem of one symmetry class.
// Orbital matrices ending in Orth are over the orthogonal basis, the others over the native basis.
type EmbeddingProblem struct {
	Fragment Fragment
	NImp     int
	// Bath and Env hold the bath and environment orbitals as columns.
	Bath *mat.Dense
	Env  *mat.Dense
	// CoeffOrth is the embedding basis, impurity sites first then bath orbitals.
	CoeffOrth *mat.Dense
	Coeff     *mat.Dense

	// HCore is the core Hamiltonian projected onto the embedding basis, without any fitted potential.
	HCore *mat.Dense
	// VHFEnv is the mean-field potential of the doubly occupied environment orbitals.
	VHFEnv *mat.Dense
	// Fock is the whole-system Fock matrix projected onto the embedding basis.
	Fock     *mat.Dense
	MOEnergy []float64
	MOCoeff  *mat.Dense
	Eri      *linalg.Eri

	NElectron int
	// NElecFrag is the mean-field electron count on the impurity sites.
	NElecFrag float64
	// EHFInHF is the mean-field energy of the fragment in the first embedding built.
	EHFInHF float64

	// VFitMF is the mean-field fitting potential, VFitCI the potential applied inside the correlated solver.
	VFitMF *mat.Dense
	VFitCI *mat.Dense
}

// NEmb is the dimension of the embedding space.
func (emb *EmbeddingProblem) NEmb() int {
	_, c := emb.CoeffOrth.Dims()
	return c
}

// impurityProblem is the correlated solver input with the given extra potential.
func (emb *EmbeddingProblem) impurityProblem(v *mat.Dense, withRDM1 bool, fragSize int) ImpurityProblem {
	var h mat.Dense
	h.Add(emb.HCore, emb.VHFEnv)
	return ImpurityProblem{
		HCore:        &h,
		Eri:          emb.Eri,
		NElectron:    emb.NElectron,
		Potential:    v,
		WithRDM1:     withRDM1,
		FragmentSize: fragSize,
	}
}

// hfDensity is the spin-summed density of the lowest NElectron/2 orbitals of the projected Fock matrix.
func (emb *EmbeddingProblem) hfDensity() *mat.Dense {
	return linalg.Density(emb.MOCoeff, linalg.Range(0, emb.NElectron/2), 2)
}

func (emb *EmbeddingProblem) String() string {
	return fmt.Sprintf("%v nemb %d nelectron %d nelec_frag %.6f", emb.Fragment, emb.NEmb(), emb.NElectron, emb.NElecFrag)
}

// decomposeOrbital splits the occupied orbitals moOrth into bath and environment orbitals of the impurity sites basis.
// The occupied orbitals are rotated to diagonalize their overlap with the impurity.
// Rotated orbitals with impurity weight at most cutoff form the environment.
// Those with weight strictly between cutoff and 1-cutoff, with their impurity part removed and renormalized, form the bath.
func decomposeOrbital(moOrth *mat.Dense, basis []int, cutoff float64) (bath, env *mat.Dense, err error) {
	n, nocc := moOrth.Dims()
	imp := linalg.Sub(moOrth, basis, nil)

	var svd mat.SVD
	if ok := svd.Factorize(imp, mat.SVDFull); !ok {
		return nil, nil, errors.Errorf("svd failed")
	}
	sv := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)
	var rotated mat.Dense
	rotated.Mul(moOrth, &v)

	var bathCols, envCols []int
	for k := 0; k < nocc; k++ {
		var w float64
		if k < len(sv) {
			w = sv[k] * sv[k]
		}
		switch {
		case w <= cutoff:
			envCols = append(envCols, k)
		case w < 1-cutoff:
			bathCols = append(bathCols, k)
		}
	}

	outside := linalg.Complement(n, basis)
	if len(bathCols) > 0 {
		bath = mat.NewDense(n, len(bathCols), nil)
	}
	for j, k := range bathCols {
		col := make([]float64, n)
		for _, i := range outside {
			col[i] = rotated.At(i, k)
		}
		norm := floats.Norm(col, 2)
		if norm == 0 {
			return nil, nil, errors.Errorf("bath orbital %d vanishes outside the impurity", k)
		}
		floats.Scale(1/norm, col)
		bath.SetCol(j, col)
	}
	if len(envCols) > 0 {
		env = linalg.Sub(&rotated, nil, envCols)
	}
	return bath, env, nil
}

// buildEmbedding constructs the embedding problem of frag against the state.
func buildEmbedding(sys System, st *SystemState, frag Fragment, cutoff float64) (*EmbeddingProblem, error) {
	n, _ := st.OrthCoeff.Dims()
	bath, env, err := decomposeOrbital(st.MOOrth, frag.Basis, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("%v", frag))
	}
	emb := &EmbeddingProblem{Fragment: frag, NImp: len(frag.Basis), Bath: bath, Env: env}

	var nbath, nenv int
	if bath != nil {
		_, nbath = bath.Dims()
	}
	if env != nil {
		_, nenv = env.Dims()
	}
	nemb := emb.NImp + nbath
	emb.NElectron = sys.NElectron() - 2*nenv
	if emb.NElectron < 0 || emb.NElectron > 2*nemb || emb.NElectron%2 != 0 {
		return nil, configError("%v: %d electrons in %d embedding orbitals, %d environment orbitals", frag, emb.NElectron, nemb, nenv)
	}

	emb.CoeffOrth = mat.NewDense(n, nemb, nil)
	for i, b := range frag.Basis {
		emb.CoeffOrth.Set(b, i, 1)
	}
	for j := 0; j < nbath; j++ {
		for i := 0; i < n; i++ {
			emb.CoeffOrth.Set(i, emb.NImp+j, bath.At(i, j))
		}
	}
	emb.Coeff = mat.NewDense(n, nemb, nil)
	emb.Coeff.Mul(st.OrthCoeff, emb.CoeffOrth)

	emb.HCore = linalg.Rotate(emb.Coeff, st.HCore)
	if env != nil {
		dmEnv := linalg.Density(env, linalg.Range(0, nenv), 2)
		dmEnvAO := linalg.Rotate(st.OrthCoeff.T(), dmEnv)
		emb.VHFEnv = linalg.Rotate(emb.Coeff, sys.VHF(dmEnvAO))
	} else {
		emb.VHFEnv = mat.NewDense(nemb, nemb, nil)
	}

	emb.Fock = linalg.Rotate(emb.CoeffOrth, st.Fock)
	emb.MOEnergy, emb.MOCoeff, err = linalg.EigenSym(emb.Fock)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	emb.Eri = sys.TransformEri(emb.Coeff)

	var nfrag float64
	for _, b := range frag.Basis {
		for k := 0; k < st.NOcc; k++ {
			nfrag += st.MOOrth.At(b, k) * st.MOOrth.At(b, k)
		}
	}
	emb.NElecFrag = 2 * nfrag

	hfdm := emb.hfDensity()
	vhf := linalg.Rotate(emb.Coeff, st.VHF)
	for i := 0; i < emb.NImp; i++ {
		for j := 0; j < nemb; j++ {
			emb.EHFInHF += hfdm.At(i, j) * (emb.HCore.At(i, j) + 0.5*vhf.At(i, j))
		}
	}

	emb.VFitMF = mat.NewDense(nemb, nemb, nil)
	emb.VFitCI = mat.NewDense(nemb, nemb, nil)
	return emb, nil
}

// buildEmbeddings builds the problem of every symmetry class concurrently.
// Fitting potentials and the mean-field energy baseline are carried over from prev when it is not nil.
func (d *Driver) buildEmbeddings(ctx context.Context, st *SystemState, prev []*EmbeddingProblem) ([]*EmbeddingProblem, error) {
	embs := make([]*EmbeddingProblem, d.frags.NumClasses())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.parallel)
	for c := range embs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "")
			}
			emb, err := buildEmbedding(d.sys, st, d.frags.Representative(c), d.opts.occEnvCutoff)
			if err != nil {
				return errors.Wrap(err, "")
			}
			if prev != nil {
				emb.EHFInHF = prev[c].EHFInHF
				emb.VFitMF = resized(prev[c].VFitMF, emb.NEmb())
				emb.VFitCI = resized(prev[c].VFitCI, emb.NEmb())
			}
			embs[c] = emb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	for c, emb := range embs {
		d.logger.Debug("embedding", zap.Int("class", c), zap.Int("state", st.Version), zap.Int("nemb", emb.NEmb()), zap.Int("nelectron", emb.NElectron), zap.Float64("nelec_frag", emb.NElecFrag), zap.Float64("e_hf_in_hf", emb.EHFInHF))
	}
	return embs, nil
}

// resized copies the leading block of v into an n×n matrix.
func resized(v *mat.Dense, n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	r, _ := v.Dims()
	m := min(r, n)
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			out.Set(i, j, v.At(i, j))
		}
	}
	return out
}

// copyBlock writes src into the leading block of dst.
func copyBlock(dst *mat.Dense, src mat.Matrix) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(i, j, src.At(i, j))
		}
	}
}
