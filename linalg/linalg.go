// Package linalg provides the dense matrix helpers shared by the embedding code.
package linalg

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Sym returns the symmetric part of a square matrix.
func Sym(a mat.Matrix) *mat.SymDense {
	r, c := a.Dims()
	if r != c {
		panic(fmt.Sprintf("%d %d", r, c))
	}
	s := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			s.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	return s
}

// EigenSym diagonalizes the symmetric part of a.
// Eigenvalues are in ascending order and the eigenvectors are the columns of the returned matrix.
func EigenSym(a mat.Matrix) ([]float64, *mat.Dense, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(Sym(a), true); !ok {
		return nil, nil, errors.Errorf("eigen decomposition failed")
	}
	vals := eig.Values(nil)
	vecs := mat.NewDense(len(vals), len(vals), nil)
	eig.VectorsTo(vecs)
	return vals, vecs, nil
}

// Lowdin returns the symmetric orthogonalization S^(-1/2) of an overlap matrix.
func Lowdin(s mat.Matrix) (*mat.Dense, error) {
	vals, vecs, err := EigenSym(s)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	n := len(vals)
	scaled := mat.NewDense(n, n, nil)
	for j, v := range vals {
		if v <= 1e-12 {
			return nil, errors.Errorf("overlap not positive definite, eigenvalue %d = %g", j, v)
		}
		f := 1 / math.Sqrt(v)
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vecs.At(i, j)*f)
		}
	}
	x := mat.NewDense(n, n, nil)
	x.Mul(scaled, vecs.T())
	return x, nil
}

// Rotate returns c^T m c.
func Rotate(c, m mat.Matrix) *mat.Dense {
	var tmp, out mat.Dense
	tmp.Mul(m, c)
	out.Mul(c.T(), &tmp)
	return &out
}

// Sub returns a copy of the block of a selected by rows and cols.
// A nil index list selects everything along that axis.
func Sub(a mat.Matrix, rows, cols []int) *mat.Dense {
	r, c := a.Dims()
	if rows == nil {
		rows = Range(0, r)
	}
	if cols == nil {
		cols = Range(0, c)
	}
	if len(rows) == 0 || len(cols) == 0 {
		panic(fmt.Sprintf("empty block %d %d", len(rows), len(cols)))
	}
	s := mat.NewDense(len(rows), len(cols), nil)
	for i, ri := range rows {
		for j, cj := range cols {
			s.Set(i, j, a.At(ri, cj))
		}
	}
	return s
}

// SetSub writes src into the block of dst selected by rows and cols.
func SetSub(dst *mat.Dense, rows, cols []int, src mat.Matrix) {
	r, c := src.Dims()
	if r != len(rows) || c != len(cols) {
		panic(fmt.Sprintf("%d %d %d %d", r, c, len(rows), len(cols)))
	}
	for i, ri := range rows {
		for j, cj := range cols {
			dst.Set(ri, cj, src.At(i, j))
		}
	}
}

// Range returns the integers in [from, to).
func Range(from, to int) []int {
	idx := make([]int, 0, max(to-from, 0))
	for i := from; i < to; i++ {
		idx = append(idx, i)
	}
	return idx
}

// Complement returns the integers in [0, n) that are not in idx.
func Complement(n int, idx []int) []int {
	in := make([]bool, n)
	for _, i := range idx {
		in[i] = true
	}
	out := make([]int, 0, n-len(idx))
	for i := range n {
		if !in[i] {
			out = append(out, i)
		}
	}
	return out
}

// Density returns factor * sum_{i in occ} c_i c_i^T over the columns c_i of c.
func Density(c mat.Matrix, occ []int, factor float64) *mat.Dense {
	n, _ := c.Dims()
	dm := mat.NewDense(n, n, nil)
	for _, k := range occ {
		for i := 0; i < n; i++ {
			ci := c.At(i, k) * factor
			if ci == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				dm.Set(i, j, dm.At(i, j)+ci*c.At(j, k))
			}
		}
	}
	return dm
}

// Inner returns the Frobenius inner product sum_ij a_ij b_ij.
func Inner(a, b mat.Matrix) float64 {
	r, c := a.Dims()
	br, bc := b.Dims()
	if r != br || c != bc {
		panic(fmt.Sprintf("%d %d %d %d", r, c, br, bc))
	}
	var s float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			s += a.At(i, j) * b.At(i, j)
		}
	}
	return s
}

// Trace returns the trace of the leading n×n block of a.
func Trace(a mat.Matrix, n int) float64 {
	var t float64
	for i := 0; i < n; i++ {
		t += a.At(i, i)
	}
	return t
}

// TrilLen is the number of independent entries of an n×n symmetric matrix.
func TrilLen(n int) int { return n * (n + 1) / 2 }

// TrilIndex is the packed position of element (i, j), j <= i, in row-major lower-triangular order.
func TrilIndex(i, j int) int {
	if j > i {
		i, j = j, i
	}
	return i*(i+1)/2 + j
}

// PackTril flattens the lower triangle of a.
func PackTril(a mat.Matrix) []float64 {
	n, _ := a.Dims()
	v := make([]float64, TrilLen(n))
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			v[TrilIndex(i, j)] = a.At(i, j)
		}
	}
	return v
}

// UnpackTril builds the symmetric n×n matrix whose lower triangle is v.
func UnpackTril(n int, v []float64) *mat.Dense {
	if len(v) != TrilLen(n) {
		panic(fmt.Sprintf("%d %d", n, len(v)))
	}
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			a.Set(i, j, v[TrilIndex(i, j)])
			a.Set(j, i, v[TrilIndex(i, j)])
		}
	}
	return a
}

// SymmTransform maps the packed independent entries of a symmetric n×n matrix to its row-major n*n flattening.
// Right multiplying a derivative with respect to dense entries by it removes the antisymmetric mode.
func SymmTransform(n int) *mat.Dense {
	u := mat.NewDense(n*n, TrilLen(n), nil)
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			u.Set(i*n+j, TrilIndex(i, j), 1)
			u.Set(j*n+i, TrilIndex(i, j), 1)
		}
		u.Set(i*n+i, TrilIndex(i, i), 1)
	}
	return u
}

// Format prints a matrix with aligned columns and six decimals.
func Format(m mat.Matrix) string {
	return fmt.Sprintf("%.6f", mat.Formatted(m, mat.Squeeze()))
}

// Formatter formats M only when printed, for use with zap.Stringer.
type Formatter struct {
	M mat.Matrix
}

func (f Formatter) String() string { return Format(f.M) }
