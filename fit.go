package dmet

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
	"github.com/fumin/dmet/numopt"
)

// minGap bounds the orbital energy denominators of the Jacobian away from zero.
const minGap = 1e-8

// fitTarget is one block of the density matrix to be matched.
type fitTarget struct {
	// rows selects eigenvector rows of the fitted basis.
	rows []int
	// proj optionally appends the rows proj^T c, with proj over the fitted basis.
	proj *mat.Dense
	// ref is the spin-resolved reference density of the selected rows.
	ref *mat.Dense
}

func (t fitTarget) size() int {
	n := len(t.rows)
	if t.proj != nil {
		_, c := t.proj.Dims()
		n += c
	}
	return n
}

// fitProblem finds a symmetric potential v minimizing the distance between the targets and
// the density of the lowest nocc eigenvectors of fock0+v.
// Every parameter block is a symmetric matrix placed on the diagonal block of each of its copies.
type fitProblem struct {
	fock0   *mat.Dense
	nocc    int
	targets []fitTarget
	// blocks lists, per parameter block, the basis indices of every copy sharing its parameters.
	blocks [][][]int
}

func (p *fitProblem) numParams() int {
	var n int
	for _, copies := range p.blocks {
		n += linalg.TrilLen(len(copies[0]))
	}
	return n
}

func (p *fitProblem) numResiduals() int {
	var n int
	for _, t := range p.targets {
		s := t.size()
		n += s * s
	}
	return n
}

// blockMatrices unpacks the parameters into one symmetric matrix per block.
func (p *fitProblem) blockMatrices(x []float64) []*mat.Dense {
	vs := make([]*mat.Dense, 0, len(p.blocks))
	var off int
	for _, copies := range p.blocks {
		nb := len(copies[0])
		vs = append(vs, linalg.UnpackTril(nb, x[off:off+linalg.TrilLen(nb)]))
		off += linalg.TrilLen(nb)
	}
	return vs
}

// potential places the parameter blocks into a matrix over the fitted basis.
func (p *fitProblem) potential(x []float64) *mat.Dense {
	n, _ := p.fock0.Dims()
	v := mat.NewDense(n, n, nil)
	for b, vb := range p.blockMatrices(x) {
		for _, idx := range p.blocks[b] {
			linalg.SetSub(v, idx, idx, vb)
		}
	}
	return v
}

func (p *fitProblem) eigen(x []float64) ([]float64, *mat.Dense, error) {
	var f mat.Dense
	f.Add(p.fock0, p.potential(x))
	e, c, err := linalg.EigenSym(&f)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	return e, c, nil
}

// projected returns c1, the eigenvector rows of a target.
func (t fitTarget) projected(c *mat.Dense) *mat.Dense {
	_, n := c.Dims()
	c1 := mat.NewDense(t.size(), n, nil)
	for i, r := range t.rows {
		for k := 0; k < n; k++ {
			c1.Set(i, k, c.At(r, k))
		}
	}
	if t.proj != nil {
		var pc mat.Dense
		pc.Mul(t.proj.T(), c)
		pr, _ := pc.Dims()
		for i := 0; i < pr; i++ {
			for k := 0; k < n; k++ {
				c1.Set(len(t.rows)+i, k, pc.At(i, k))
			}
		}
	}
	return c1
}

// density returns the spin-resolved density of every target at x.
func (p *fitProblem) density(x []float64) ([]*mat.Dense, error) {
	_, c, err := p.eigen(x)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	dms := make([]*mat.Dense, 0, len(p.targets))
	for _, t := range p.targets {
		c1 := t.projected(c)
		dms = append(dms, linalg.Density(c1, linalg.Range(0, p.nocc), 1))
	}
	return dms, nil
}

func (p *fitProblem) residual(x []float64) ([]float64, error) {
	dms, err := p.density(x)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	r := make([]float64, 0, p.numResiduals())
	for i, t := range p.targets {
		var diff mat.Dense
		diff.Sub(dms[i], t.ref)
		r = append(r, diff.RawMatrix().Data...)
	}
	return r, nil
}

// jacobian is the first order perturbation theory derivative of the residual.
// For a perturbation dv, the occupied orbitals change by sum_a c_a (c_a^T dv c_o) / (e_o - e_a),
// so d D_ik / d v_jl = sum_oa c1_ia c_ja c_lo c1_ko / (e_o - e_a) plus its transpose in (i, k).
func (p *fitProblem) jacobian(x []float64) (*mat.Dense, error) {
	e, c, err := p.eigen(x)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	n := len(e)
	nocc, nvir := p.nocc, n-p.nocc

	// w_ao = 1/(e_o - e_a).
	w := mat.NewDense(max(nvir, 1), max(nocc, 1), nil)
	for a := 0; a < nvir; a++ {
		for o := 0; o < nocc; o++ {
			gap := e[o] - e[nocc+a]
			if math.Abs(gap) < minGap {
				gap = -minGap
			}
			w.Set(a, o, 1/gap)
		}
	}

	jac := mat.NewDense(p.numResiduals(), p.numParams(), nil)
	if nocc == 0 || nvir == 0 {
		return jac, nil
	}
	var roff int
	for _, t := range p.targets {
		c1 := t.projected(c)
		nf, _ := c1.Dims()

		// m_j = A_j W and b_l, with A_j[i,a] = c1_ia c_ja and b_l[k,o] = c1_ko c_lo.
		m := make(map[int]*mat.Dense)
		b := make(map[int]*mat.Dense)
		site := func(j int) {
			if _, ok := m[j]; ok {
				return
			}
			aj := mat.NewDense(nf, nvir, nil)
			bj := mat.NewDense(nf, nocc, nil)
			for i := 0; i < nf; i++ {
				for a := 0; a < nvir; a++ {
					aj.Set(i, a, c1.At(i, nocc+a)*c.At(j, nocc+a))
				}
				for o := 0; o < nocc; o++ {
					bj.Set(i, o, c1.At(i, o)*c.At(j, o))
				}
			}
			var mj mat.Dense
			mj.Mul(aj, w)
			m[j], b[j] = &mj, bj
		}
		// dd returns d D / d v_jl with v_jl and v_lj independent.
		dd := func(j, l int) *mat.Dense {
			site(j)
			site(l)
			var x0 mat.Dense
			x0.Mul(m[j], b[l].T())
			out := mat.NewDense(nf, nf, nil)
			out.Add(&x0, x0.T())
			return out
		}

		var coff int
		for _, copies := range p.blocks {
			nb := len(copies[0])
			usymm := linalg.SymmTransform(nb)
			dense := mat.NewDense(nf*nf, nb*nb, nil)
			for _, idx := range copies {
				for q := 0; q < nb; q++ {
					for s := 0; s < nb; s++ {
						d := dd(idx[q], idx[s])
						for i := 0; i < nf; i++ {
							for k := 0; k < nf; k++ {
								dense.Set(i*nf+k, q*nb+s, d.At(i, k))
							}
						}
					}
				}
				// Symmetric parameters move v_jl and v_lj together.
				var packed mat.Dense
				packed.Mul(dense, usymm)
				block := jac.Slice(roff, roff+nf*nf, coff, coff+linalg.TrilLen(nb)).(*mat.Dense)
				block.Add(block, &packed)
			}
			coff += linalg.TrilLen(nb)
		}
		roff += nf * nf
	}
	return jac, nil
}

// fitResult is the recentred potential update per parameter block.
type fitResult struct {
	dv   []*mat.Dense
	diag Diagnostic
}

// solve runs the least squares fit from zero and recentres the diagonal of the assembled update.
// Missing the tolerance is reported in the diagnostic, the last iterate is kept.
func (p *fitProblem) solve(stage string, fTol float64, maxEval int) (fitResult, error) {
	x0 := make([]float64, p.numParams())
	res, err := numopt.LevenbergMarquardt(p.residual, p.jacobian, x0, numopt.NewLMOptions().FTol(fTol).MaxEval(maxEval))
	if err != nil {
		return fitResult{}, errors.Wrap(err, "")
	}
	dv := p.blockMatrices(res.X)
	recentre(dv, p.blocks)
	out := fitResult{
		dv: dv,
		diag: Diagnostic{
			Stage:       stage,
			Fragment:    -1,
			Converged:   res.Converged(),
			Status:      res.Status.String(),
			Norm:        res.Norm,
			Iterations:  res.Iterations,
			Evaluations: res.Evaluations,
		},
	}
	return out, nil
}

// recentre shifts the diagonals of the blocks so that their mean over all copies is zero.
func recentre(dv []*mat.Dense, blocks [][][]int) {
	var sum float64
	var count int
	for b, v := range dv {
		nb, _ := v.Dims()
		sum += float64(len(blocks[b])) * linalg.Trace(v, nb)
		count += len(blocks[b]) * nb
	}
	if count == 0 {
		return
	}
	mean := sum / float64(count)
	for _, v := range dv {
		nb, _ := v.Dims()
		for i := 0; i < nb; i++ {
			v.Set(i, i, v.At(i, i)-mean)
		}
	}
}
