package dmet

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
)

// testFock is a symmetric matrix with well separated eigenvalues.
func testFock(n int) *mat.Dense {
	f := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			f.Set(i, j, 0.3*math.Cos(float64(i*j+i+j)))
		}
		f.Set(i, i, f.At(i, i)+float64(i))
	}
	return f
}

func testFitProblem() *fitProblem {
	proj := mat.NewDense(6, 2, nil)
	proj.Set(4, 0, 1)
	proj.Set(5, 1, 1)
	return &fitProblem{
		fock0: testFock(6),
		nocc:  3,
		targets: []fitTarget{
			{rows: []int{0, 1}},
			{rows: []int{2, 3}, proj: proj},
		},
		blocks: [][][]int{
			{{0, 1}, {2, 3}},
			{{4, 5}},
		},
	}
}

func TestFitJacobian(t *testing.T) {
	t.Parallel()
	p := testFitProblem()
	x := []float64{0.1, -0.05, 0.2, 0.03, 0.07, -0.1}
	for i := range p.targets {
		p.targets[i].ref = mat.NewDense(p.targets[i].size(), p.targets[i].size(), nil)
	}

	jac, err := p.jacobian(x)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if r, c := jac.Dims(); r != 4+16 || c != 6 {
		t.Fatalf("%d %d", r, c)
	}
	const h = 1e-5
	for k := range x {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[k] += h
		xm[k] -= h
		rp, err := p.residual(xp)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		rm, err := p.residual(xm)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		for i := range rp {
			fd := (rp[i] - rm[i]) / (2 * h)
			if math.Abs(fd-jac.At(i, k)) > 1e-7 {
				t.Fatalf("d r_%d / d x_%d = %f, expected %f", i, k, jac.At(i, k), fd)
			}
		}
	}
}

func TestFitFixedPoint(t *testing.T) {
	t.Parallel()
	p := testFitProblem()
	dms, err := p.density(make([]float64, p.numParams()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	for i := range p.targets {
		p.targets[i].ref = dms[i]
	}
	res, err := p.solve("test", 1e-10, 40)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !res.diag.Converged || res.diag.Evaluations != 1 {
		t.Fatalf("%v", res.diag)
	}
	for _, dv := range res.dv {
		if mat.Norm(dv, math.Inf(1)) != 0 {
			t.Fatalf("%s", linalg.Format(dv))
		}
	}
}

func TestFitRecovery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		target []float64
	}{
		{target: []float64{0.1, 0.05, -0.1}},
		{target: []float64{0, 0.2, 0}},
		{target: []float64{-0.3, -0.1, 0.2}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v", test.target), func(t *testing.T) {
			t.Parallel()
			// One block shared by three copies covering every site, fitted against two of them.
			p := &fitProblem{
				fock0:   testFock(6),
				nocc:    3,
				targets: []fitTarget{{rows: []int{0, 1}}, {rows: []int{2, 3}}},
				blocks:  [][][]int{{{0, 1}, {2, 3}, {4, 5}}},
			}
			dms, err := p.density(test.target)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			for i := range p.targets {
				p.targets[i].ref = dms[i]
			}

			res, err := p.solve("test", 1e-14, 200)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if res.diag.Norm > 1e-6 {
				t.Fatalf("%v", res.diag)
			}
			dv := res.dv[0]
			if !mat.Equal(dv, dv.T()) {
				t.Fatalf("%s", linalg.Format(dv))
			}
			if tr := linalg.Trace(dv, 2); math.Abs(tr) > 1e-12 {
				t.Fatalf("%f", tr)
			}

			// A uniform diagonal shift over every copy leaves the density unchanged.
			recentred, err := p.density(linalg.PackTril(dv))
			if err != nil {
				t.Fatalf("%+v", err)
			}
			for i := range dms {
				if !mat.EqualApprox(recentred[i], dms[i], 1e-6) {
					t.Fatalf("%s, expected %s", linalg.Format(recentred[i]), linalg.Format(dms[i]))
				}
			}
		})
	}
}

func TestRecentre(t *testing.T) {
	t.Parallel()
	dv := []*mat.Dense{
		mat.NewDense(2, 2, []float64{1, 0.5, 0.5, 3}),
		mat.NewDense(1, 1, []float64{2}),
	}
	blocks := [][][]int{{{0, 1}, {2, 3}}, {{4}}}
	recentre(dv, blocks)
	got := [][]float64{dv[0].RawMatrix().Data, dv[1].RawMatrix().Data}
	expected := [][]float64{{-1, 0.5, 0.5, 1}, {0}}
	if diff := cmp.Diff(expected, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("%s", diff)
	}
}
