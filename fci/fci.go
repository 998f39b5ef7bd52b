// Package fci solves small embedding problems by exact diagonalization in the space of Slater determinants.
package fci

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
)

// MaxDeterminants bounds the size of the dense Hamiltonian.
const MaxDeterminants = 4096

type Options struct {
	rdm1         bool
	fragmentSize int
}

func NewOptions() Options {
	return Options{}
}

// RDM1 requests the one-particle density matrix.
func (o Options) RDM1(with bool) Options {
	o.rdm1 = with
	return o
}

// FragmentSize requests the two-electron energy of the first n orbitals.
func (o Options) FragmentSize(n int) Options {
	o.fragmentSize = n
	return o
}

type Result struct {
	Energy float64
	// E2Frag is half the two-electron energy whose first density index lies on the fragment.
	E2Frag float64
	// RDM1 is the spin-summed density matrix <E_pq>.
	RDM1 *mat.Dense
	CI   []float64
}

// Kernel returns the lowest Sz = 0 eigenstate of
// H = sum_pq h_pq E_pq + 1/2 sum_pqrs (pq|rs) (E_pq E_rs - delta_qr E_ps).
func Kernel(h1e *mat.Dense, eri *linalg.Eri, nelec int, options ...Options) (*Result, error) {
	opt := NewOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	n, _ := h1e.Dims()
	if eri.N() != n {
		return nil, errors.Errorf("%d %d", eri.N(), n)
	}
	if nelec%2 != 0 || nelec < 0 || nelec > 2*n {
		return nil, errors.Errorf("unsupported electron count %d for %d orbitals", nelec, n)
	}
	if opt.fragmentSize > n {
		return nil, errors.Errorf("fragment %d larger than %d orbitals", opt.fragmentSize, n)
	}
	sp := newSpace(n, nelec/2)
	if sp.dim() > MaxDeterminants {
		return nil, errors.Errorf("%d determinants exceed %d", sp.dim(), MaxDeterminants)
	}

	h := sp.hamiltonian(h1e, eri)
	vals, vecs, err := linalg.EigenSym(h)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	res := &Result{Energy: vals[0], CI: mat.Col(nil, 0, vecs)}

	if !opt.rdm1 && opt.fragmentSize == 0 {
		return res, nil
	}
	phi := sp.excitations(res.CI)
	rdm1 := mat.NewDense(n, n, nil)
	for p := 0; p < n; p++ {
		for q := 0; q < n; q++ {
			rdm1.Set(p, q, dot(res.CI, phi[p*n+q]))
		}
	}
	if opt.rdm1 {
		res.RDM1 = rdm1
	}
	if opt.fragmentSize > 0 {
		res.E2Frag = e2frag(phi, rdm1, eri, opt.fragmentSize)
	}
	return res, nil
}

// e2frag contracts the two-particle density Gamma_pqrs = <E_pq E_rs> - delta_qr <E_ps> for p on the fragment.
func e2frag(phi [][]float64, rdm1 *mat.Dense, eri *linalg.Eri, nfrag int) float64 {
	n, _ := rdm1.Dims()
	var e float64
	for p := 0; p < nfrag; p++ {
		for q := 0; q < n; q++ {
			for r := 0; r < n; r++ {
				for s := 0; s < n; s++ {
					v := eri.At(p, q, r, s)
					if v == 0 {
						continue
					}
					// <E_pq E_rs> = <E_qp Psi|E_rs Psi>.
					g := dot(phi[q*n+p], phi[r*n+s])
					if q == r {
						g -= rdm1.At(p, s)
					}
					e += v * g
				}
			}
		}
	}
	return 0.5 * e
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// link is the action of one spin-orbital excitation on a string.
type link struct {
	src  int
	dst  int
	sign float64
}

// space is the determinant basis with equal numbers of alpha and beta electrons.
// Determinant (a, b) has index a*len(strs) + b.
type space struct {
	norb  int
	strs  []uint64
	links [][]link
}

func newSpace(norb, nocc int) *space {
	sp := &space{norb: norb}
	index := make(map[uint64]int)
	for i, s := range occupations(norb, nocc) {
		sp.strs = append(sp.strs, s)
		index[s] = i
	}

	sp.links = make([][]link, norb*norb)
	for p := 0; p < norb; p++ {
		for q := 0; q < norb; q++ {
			for i, s := range sp.strs {
				t, sign, ok := excite(s, p, q)
				if !ok {
					continue
				}
				sp.links[p*norb+q] = append(sp.links[p*norb+q], link{src: i, dst: index[t], sign: sign})
			}
		}
	}
	return sp
}

func (sp *space) dim() int { return len(sp.strs) * len(sp.strs) }

// occupations yields the bit strings of norb orbitals with nocc set bits in increasing order.
func occupations(norb, nocc int) func(yield func(int, uint64) bool) {
	return func(yield func(int, uint64) bool) {
		i := 0
		for s := uint64(0); s < 1<<norb; s++ {
			if bits.OnesCount64(s) != nocc {
				continue
			}
			if !yield(i, s) {
				return
			}
			i++
		}
	}
}

// excite applies a_p^dagger a_q to a bit string.
func excite(s uint64, p, q int) (uint64, float64, bool) {
	if s&(1<<q) == 0 {
		return 0, 0, false
	}
	t := s &^ (1 << q)
	if t&(1<<p) != 0 {
		return 0, 0, false
	}
	n := bits.OnesCount64(s&(1<<q-1)) + bits.OnesCount64(t&(1<<p-1))
	sign := 1.0
	if n%2 == 1 {
		sign = -1
	}
	return t | 1<<p, sign, true
}

// apply accumulates c * E_pq v into out, where E_pq sums over both spins.
func (sp *space) apply(out []float64, p, q int, c float64, v []float64) {
	ns := len(sp.strs)
	for _, l := range sp.links[p*sp.norb+q] {
		// Alpha excitation.
		for b := 0; b < ns; b++ {
			out[l.dst*ns+b] += c * l.sign * v[l.src*ns+b]
		}
		// Beta excitation.
		for a := 0; a < ns; a++ {
			out[a*ns+l.dst] += c * l.sign * v[a*ns+l.src]
		}
	}
}

// excitations returns E_pq v for every pair, at index p*norb+q.
func (sp *space) excitations(v []float64) [][]float64 {
	n := sp.norb
	phi := make([][]float64, n*n)
	for p := 0; p < n; p++ {
		for q := 0; q < n; q++ {
			phi[p*n+q] = make([]float64, len(v))
			sp.apply(phi[p*n+q], p, q, 1, v)
		}
	}
	return phi
}

// hamiltonian builds the dense matrix of H column by column.
func (sp *space) hamiltonian(h1e *mat.Dense, eri *linalg.Eri) *mat.Dense {
	n := sp.norb
	dim := sp.dim()

	// k_pq = h_pq - 1/2 sum_r (pr|rq) absorbs the delta term.
	k := mat.DenseCopyOf(h1e)
	for p := 0; p < n; p++ {
		for q := 0; q < n; q++ {
			var x float64
			for r := 0; r < n; r++ {
				x += eri.At(p, r, r, q)
			}
			k.Set(p, q, k.At(p, q)-0.5*x)
		}
	}

	h := mat.NewDense(dim, dim, nil)
	col := make([]float64, dim)
	unit := make([]float64, dim)
	w := make([]float64, dim)
	for j := 0; j < dim; j++ {
		clear(col)
		unit[j] = 1
		for r := 0; r < n; r++ {
			for s := 0; s < n; s++ {
				if kv := k.At(r, s); kv != 0 {
					sp.apply(col, r, s, kv, unit)
				}
				clear(w)
				sp.apply(w, r, s, 1, unit)
				for p := 0; p < n; p++ {
					for q := 0; q < n; q++ {
						if v := eri.At(p, q, r, s); v != 0 {
							sp.apply(col, p, q, 0.5*v, w)
						}
					}
				}
			}
		}
		unit[j] = 0
		h.SetCol(j, col)
	}
	return h
}

func (r *Result) String() string {
	return fmt.Sprintf("energy %.10f e2frag %.10f", r.Energy, r.E2Frag)
}
