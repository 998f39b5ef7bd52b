package dmet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
	"github.com/fumin/dmet/model"
)

func TestAssembleRoundTrip(t *testing.T) {
	t.Parallel()
	groups := []FragmentGroup{
		{Basis: [][]int{{0, 1}, {3, 4}}},
		{Basis: [][]int{{2}}},
		{Basis: [][]int{{5}}},
	}
	fs, err := Partition(linalg.Range(0, 6), groups, false)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	// Potentials over embedding spaces larger than their impurities.
	vGroup := []*mat.Dense{
		linalg.UnpackTril(4, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}),
		linalg.UnpackTril(2, []float64{-1, 0.5, 7}),
		mat.NewDense(1, 1, []float64{0.25}),
	}
	v := assemble(fs, 6, vGroup)
	expected := mat.NewDense(6, 6, []float64{
		1, 2, 0, 0, 0, 0,
		2, 3, 0, 0, 0, 0,
		0, 0, -1, 0, 0, 0,
		0, 0, 0, 1, 2, 0,
		0, 0, 0, 2, 3, 0,
		0, 0, 0, 0, 0, 0.25,
	})
	if !mat.Equal(v, expected) {
		t.Fatalf("%s, expected %s", linalg.Format(v), linalg.Format(expected))
	}

	var got [][]float64
	for _, b := range disassemble(fs, v) {
		got = append(got, b.RawMatrix().Data)
	}
	if diff := cmp.Diff([][]float64{{1, 2, 2, 3}, {-1}, {0.25}}, got); diff != "" {
		t.Fatalf("%s", diff)
	}
}

func TestAssembleHopping(t *testing.T) {
	t.Parallel()
	n := 6
	bath := mat.NewDense(n, 1, nil)
	bath.Set(3, 0, 1)
	coeff := mat.NewDense(n, 3, nil)
	coeff.Set(0, 0, 1)
	coeff.Set(1, 1, 1)
	coeff.Set(3, 2, 1)
	emb := &EmbeddingProblem{Fragment: Fragment{Basis: []int{0, 1}}, NImp: 2, Bath: bath, CoeffOrth: coeff}
	vGroup := []*mat.Dense{mat.NewDense(3, 3, []float64{
		1, 0.1, 0.4,
		0.1, 2, 0,
		0.4, 0, 5,
	})}

	v := assembleHopping(n, []*EmbeddingProblem{emb}, vGroup)
	if !mat.Equal(v, v.T()) {
		t.Fatalf("%s", linalg.Format(v))
	}
	imp := []int{0, 1}
	if block := linalg.Sub(v, imp, imp); !mat.Equal(block, linalg.Sub(vGroup[0], imp, imp)) {
		t.Fatalf("%s", linalg.Format(block))
	}
	// Only the impurity rows carry the coupling, so it is halved by the symmetrization.
	if v.At(0, 3) != 0.2 || v.At(3, 3) != 0 {
		t.Fatalf("%s", linalg.Format(v))
	}
}

func TestApplyEnvPotential(t *testing.T) {
	t.Parallel()
	h := model.NewHubbard(6, 1, 2, model.NewHubbardOptions().Ring(true))
	opt := NewOptions().EnvPotential(EnvPotentialNoImpurityBlock)
	d, _, embs := newTestState(t, h, translationalGroup(6, 2), opt)
	emb := embs[0]
	emb.VFitMF.Set(0, 1, 0.2)
	emb.VFitMF.Set(1, 0, 0.2)
	emb.VFitCI.Set(0, 0, -0.7)
	emb.VFitCI.Set(1, 1, -0.7)

	d.applyEnvPotential(embs)
	global := d.globalPotential(embs)
	expected := linalg.Rotate(emb.CoeffOrth, global)
	expected.Set(0, 0, -0.7)
	expected.Set(1, 1, -0.7)
	expected.Set(0, 1, 0)
	expected.Set(1, 0, 0)
	if !mat.EqualApprox(emb.VFitCI, expected, 1e-12) {
		t.Fatalf("%s, expected %s", linalg.Format(emb.VFitCI), linalg.Format(expected))
	}

	// Without the option the correlated potential is left alone.
	d.opts = d.opts.EnvPotential(EnvPotentialNone)
	before := mat.DenseCopyOf(emb.VFitCI)
	d.applyEnvPotential(embs)
	if !mat.Equal(emb.VFitCI, before) {
		t.Fatalf("%s", linalg.Format(emb.VFitCI))
	}
}
