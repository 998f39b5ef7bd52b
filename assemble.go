package dmet

import (
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
)

// assemble places the impurity block of every class potential on the diagonal block of each of its copies.
func assemble(fs *Fragments, n int, vGroup []*mat.Dense) *mat.Dense {
	v := mat.NewDense(n, n, nil)
	for class, ids := range fs.Copies {
		nimp := len(fs.Representative(class).Basis)
		block := linalg.Sub(vGroup[class], linalg.Range(0, nimp), linalg.Range(0, nimp))
		for _, id := range ids {
			basis := fs.All[id].Basis
			linalg.SetSub(v, basis, basis, block)
		}
	}
	return v
}

// assembleHopping additionally carries the impurity-bath block of every potential into the global potential.
// The impurity rows of each fragment are [v_imp | v_imp,bath Bath^T], and the result is symmetrized.
// Classes must have a single copy, since the bath is specific to the representative.
func assembleHopping(n int, embs []*EmbeddingProblem, vGroup []*mat.Dense) *mat.Dense {
	rows := mat.NewDense(n, n, nil)
	for class, emb := range embs {
		nimp, nemb := emb.NImp, emb.NEmb()
		basis := emb.Fragment.Basis
		r := mat.NewDense(nimp, n, nil)
		if nemb > nimp {
			vib := linalg.Sub(vGroup[class], linalg.Range(0, nimp), linalg.Range(nimp, nemb))
			r.Mul(vib, emb.Bath.T())
		}
		for i := 0; i < nimp; i++ {
			for j, b := range basis {
				r.Set(i, b, vGroup[class].At(i, j))
			}
		}
		for i, b := range basis {
			for j := 0; j < n; j++ {
				rows.Set(b, j, r.At(i, j))
			}
		}
	}
	v := mat.NewDense(n, n, nil)
	v.Add(rows, rows.T())
	v.Scale(0.5, v)
	return v
}

// disassemble extracts the representative block of every class from a global potential.
func disassemble(fs *Fragments, v mat.Matrix) []*mat.Dense {
	vGroup := make([]*mat.Dense, 0, fs.NumClasses())
	for class := range fs.Unique {
		basis := fs.Representative(class).Basis
		vGroup = append(vGroup, linalg.Sub(v, basis, basis))
	}
	return vGroup
}

// globalPotential assembles the mean-field potentials in the layout selected by the options.
func (d *Driver) globalPotential(embs []*EmbeddingProblem) *mat.Dense {
	n, _ := d.orth.Dims()
	vGroup := make([]*mat.Dense, len(embs))
	for c, emb := range embs {
		vGroup[c] = emb.VFitMF
	}
	if d.opts.hopping {
		return assembleHopping(n, embs, vGroup)
	}
	return assemble(d.frags, n, vGroup)
}

// applyEnvPotential projects the global mean-field potential into every embedding space as the correlated solver potential,
// keeping the impurity block of the previous correlated solver potential.
func (d *Driver) applyEnvPotential(embs []*EmbeddingProblem) {
	if d.opts.envPotential != EnvPotentialNoImpurityBlock {
		return
	}
	v := d.globalPotential(embs)
	for _, emb := range embs {
		vmf := linalg.Rotate(emb.CoeffOrth, v)
		imp := linalg.Range(0, emb.NImp)
		linalg.SetSub(vmf, imp, imp, linalg.Sub(emb.VFitCI, imp, imp))
		emb.VFitCI = vmf
	}
}
