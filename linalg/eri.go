package linalg

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Eri holds two-electron integrals (pq|rs) in chemist's notation over n orbitals.
type Eri struct {
	n    int
	data []float64
}

// NewEri returns a zero integral tensor over n orbitals.
func NewEri(n int) *Eri {
	return &Eri{n: n, data: make([]float64, n*n*n*n)}
}

// N is the number of orbitals.
func (e *Eri) N() int { return e.n }

func (e *Eri) index(p, q, r, s int) int {
	return ((p*e.n+q)*e.n+r)*e.n + s
}

// At returns (pq|rs).
func (e *Eri) At(p, q, r, s int) float64 {
	return e.data[e.index(p, q, r, s)]
}

// Set assigns (pq|rs) without imposing permutational symmetry.
func (e *Eri) Set(p, q, r, s int, v float64) {
	e.data[e.index(p, q, r, s)] = v
}

// Transform returns the integrals in the basis given by the columns of c.
func (e *Eri) Transform(c mat.Matrix) *Eri {
	n, m := c.Dims()
	if n != e.n {
		panic(fmt.Sprintf("%d %d", n, e.n))
	}
	cd := mat.DenseCopyOf(c)
	data := e.data
	dims := [4]int{n, n, n, n}
	for axis := 0; axis < 4; axis++ {
		data, dims = quarterTransform(data, dims, axis, cd)
	}
	return &Eri{n: m, data: data}
}

func strides(dims [4]int) [4]int {
	return [4]int{dims[1] * dims[2] * dims[3], dims[2] * dims[3], dims[3], 1}
}

// quarterTransform contracts one index of a 4-index tensor with the rows of c.
func quarterTransform(in []float64, dims [4]int, axis int, c *mat.Dense) ([]float64, [4]int) {
	_, m := c.Dims()
	odims := dims
	odims[axis] = m
	out := make([]float64, odims[0]*odims[1]*odims[2]*odims[3])
	is, os := strides(dims), strides(odims)

	var idx [4]int
	for idx[0] = 0; idx[0] < dims[0]; idx[0]++ {
		for idx[1] = 0; idx[1] < dims[1]; idx[1]++ {
			for idx[2] = 0; idx[2] < dims[2]; idx[2]++ {
				for idx[3] = 0; idx[3] < dims[3]; idx[3]++ {
					v := in[idx[0]*is[0]+idx[1]*is[1]+idx[2]*is[2]+idx[3]]
					if v == 0 {
						continue
					}
					p := idx[axis]
					base := 0
					for k := 0; k < 4; k++ {
						if k != axis {
							base += idx[k] * os[k]
						}
					}
					for a := 0; a < m; a++ {
						out[base+a*os[axis]] += c.At(p, a) * v
					}
				}
			}
		}
	}
	return out, odims
}

// JK returns the Coulomb J_pq = sum_rs (pq|rs) D_rs and exchange K_pr = sum_qs (pq|rs) D_qs matrices.
func (e *Eri) JK(dm mat.Matrix) (*mat.Dense, *mat.Dense) {
	n := e.n
	if r, c := dm.Dims(); r != n || c != n {
		panic(fmt.Sprintf("%d %d %d", r, c, n))
	}
	j := mat.NewDense(n, n, nil)
	k := mat.NewDense(n, n, nil)
	for p := 0; p < n; p++ {
		for q := 0; q < n; q++ {
			for r := 0; r < n; r++ {
				for s := 0; s < n; s++ {
					v := e.At(p, q, r, s)
					if v == 0 {
						continue
					}
					j.Set(p, q, j.At(p, q)+v*dm.At(r, s))
					k.Set(p, r, k.At(p, r)+v*dm.At(q, s))
				}
			}
		}
	}
	return j, k
}

// VHF returns the closed-shell Hartree-Fock potential J - K/2 of a spin-summed density.
func (e *Eri) VHF(dm mat.Matrix) *mat.Dense {
	j, k := e.JK(dm)
	k.Scale(0.5, k)
	j.Sub(j, k)
	return j
}
