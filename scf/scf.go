// Package scf is a closed-shell Hartree-Fock solver with DIIS acceleration.
package scf

import (
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/fumin/dmet/linalg"
)

// VHFer builds the two-electron mean-field potential of a spin-summed density matrix.
type VHFer interface {
	VHF(dm *mat.Dense) *mat.Dense
}

type Options struct {
	maxIter     int
	convTol     float64
	errTol      float64
	diisSpace   int
	followState bool
	logger      *zap.Logger
}

func NewOptions() Options {
	return Options{maxIter: 100, convTol: 1e-10, errTol: 1e-6, diisSpace: 8, logger: zap.NewNop()}
}

func (o Options) MaxIterations(n int) Options {
	o.maxIter = n
	return o
}

// ConvTol is the energy change below which the iteration stops.
func (o Options) ConvTol(tol float64) Options {
	o.convTol = tol
	return o
}

// ErrTol bounds the root mean square of the orthogonalized commutator FDS - SDF at convergence.
func (o Options) ErrTol(tol float64) Options {
	o.errTol = tol
	return o
}

func (o Options) DIISSpace(n int) Options {
	o.diisSpace = n
	return o
}

// FollowState occupies, at every step, the orbitals with the largest population in the previous density instead of the lowest ones.
func (o Options) FollowState(follow bool) Options {
	o.followState = follow
	return o
}

func (o Options) Logger(l *zap.Logger) Options {
	o.logger = l
	return o
}

type Result struct {
	Converged  bool
	Energy     float64
	MOEnergy   []float64
	MOCoeff    *mat.Dense
	MOOcc      []float64
	DM         *mat.Dense
	Iterations int
}

// Kernel solves the restricted Hartree-Fock equations for nelec electrons.
// The energy excludes any constant nuclear repulsion.
// A nil dm0 starts from the core Hamiltonian guess.
func Kernel(hcore, ovlp, dm0 *mat.Dense, v VHFer, nelec int, options ...Options) (*Result, error) {
	opt := NewOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	n, _ := hcore.Dims()
	if nelec%2 != 0 || nelec < 0 || nelec > 2*n {
		return nil, errors.Errorf("invalid electron count %d for %d orbitals", nelec, n)
	}
	nocc := nelec / 2

	x, err := linalg.Lowdin(ovlp)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	res := &Result{}
	dm := dm0
	if dm == nil {
		_, c, err := diagonalize(hcore, x)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		dm = linalg.Density(c, aufbau(nocc), 2)
	}

	diis := newDIIS(opt.diisSpace)
	var ePrev float64
	for res.Iterations = 1; res.Iterations <= opt.maxIter; res.Iterations++ {
		vhf := v.VHF(dm)
		fock := mat.NewDense(n, n, nil)
		fock.Add(hcore, vhf)
		res.Energy = energy(dm, hcore, vhf)

		errVec := commutator(fock, dm, ovlp, x)
		rms := rootMeanSquare(errVec)
		opt.logger.Debug("scf", zap.Int("iter", res.Iterations), zap.Float64("e", res.Energy), zap.Float64("de", res.Energy-ePrev), zap.Float64("rms", rms))
		if res.Iterations > 1 && math.Abs(res.Energy-ePrev) < opt.convTol && rms < opt.errTol {
			res.Converged = true
			break
		}
		ePrev = res.Energy

		diis.push(fock, errVec)
		extrapolated := diis.extrapolate()

		_, c, err := diagonalize(extrapolated, x)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		occ := aufbau(nocc)
		if opt.followState {
			occ = follow(c, ovlp, dm, nocc)
		}
		dm = linalg.Density(c, occ, 2)
	}
	if res.Iterations > opt.maxIter {
		res.Iterations = opt.maxIter
	}

	// Final orbitals diagonalize the Fock matrix of the final density.
	vhf := v.VHF(dm)
	fock := mat.NewDense(n, n, nil)
	fock.Add(hcore, vhf)
	e, c, err := diagonalize(fock, x)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	occ := aufbau(nocc)
	if opt.followState {
		occ = follow(c, ovlp, dm, nocc)
	}
	res.MOEnergy = e
	res.MOCoeff = c
	res.MOOcc = make([]float64, n)
	for _, i := range occ {
		res.MOOcc[i] = 2
	}
	res.DM = linalg.Density(c, occ, 2)
	res.Energy = energy(res.DM, hcore, v.VHF(res.DM))
	return res, nil
}

// Energy returns sum_ij D_ij (h_ij + vhf_ij/2).
func energy(dm, hcore, vhf *mat.Dense) float64 {
	return linalg.Inner(dm, hcore) + 0.5*linalg.Inner(dm, vhf)
}

// diagonalize solves F C = S C e through the orthogonalizer x = S^(-1/2).
func diagonalize(fock, x *mat.Dense) ([]float64, *mat.Dense, error) {
	e, cOrth, err := linalg.EigenSym(linalg.Rotate(x, fock))
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	var c mat.Dense
	c.Mul(x, cOrth)
	return e, &c, nil
}

func aufbau(nocc int) []int {
	return linalg.Range(0, nocc)
}

// follow picks the nocc orbitals carrying the largest population of the reference density.
func follow(c, ovlp, dmRef *mat.Dense, nocc int) []int {
	var sds mat.Dense
	sds.Mul(ovlp, dmRef)
	sds.Mul(&sds, ovlp)
	pop := linalg.Rotate(c, &sds)
	_, m := c.Dims()
	idx := linalg.Range(0, m)
	sort.SliceStable(idx, func(a, b int) bool {
		return pop.At(idx[a], idx[a]) > pop.At(idx[b], idx[b])
	})
	occ := idx[:nocc]
	sort.Ints(occ)
	return occ
}

// commutator returns x (F D S - S D F) x.
func commutator(fock, dm, ovlp, x *mat.Dense) *mat.Dense {
	var fds, sdf mat.Dense
	fds.Mul(fock, dm)
	fds.Mul(&fds, ovlp)
	sdf.Mul(ovlp, dm)
	sdf.Mul(&sdf, fock)
	fds.Sub(&fds, &sdf)
	return linalg.Rotate(x, &fds)
}

func rootMeanSquare(a *mat.Dense) float64 {
	var sq mat.Dense
	sq.MulElem(a, a)
	return math.Sqrt(stat.Mean(sq.RawMatrix().Data, nil))
}

type diis struct {
	space int
	focks []*mat.Dense
	errs  []*mat.Dense
}

func newDIIS(space int) *diis {
	return &diis{space: space}
}

func (d *diis) push(fock, errVec *mat.Dense) {
	d.focks = append(d.focks, mat.DenseCopyOf(fock))
	d.errs = append(d.errs, errVec)
	if len(d.focks) > d.space {
		d.focks = d.focks[1:]
		d.errs = d.errs[1:]
	}
}

// extrapolate returns the DIIS combination of the stored Fock matrices.
// It falls back to the latest Fock matrix when the B matrix is singular.
func (d *diis) extrapolate() *mat.Dense {
	last := d.focks[len(d.focks)-1]
	m := len(d.focks)
	if m < 2 {
		return last
	}
	b := mat.NewDense(m+1, m+1, nil)
	for i := 0; i < m; i++ {
		b.Set(i, m, -1)
		b.Set(m, i, -1)
		for j := 0; j < m; j++ {
			b.Set(i, j, linalg.Inner(d.errs[i], d.errs[j]))
		}
	}
	rhs := mat.NewVecDense(m+1, nil)
	rhs.SetVec(m, -1)

	var lu mat.LU
	lu.Factorize(b)
	var coefs mat.VecDense
	if err := lu.SolveVecTo(&coefs, false, rhs); err != nil {
		return last
	}
	r, c := last.Dims()
	f := mat.NewDense(r, c, nil)
	for i, fi := range d.focks {
		var part mat.Dense
		part.Scale(coefs.AtVec(i), fi)
		f.Add(f, &part)
	}
	return f
}

func (r *Result) String() string {
	return fmt.Sprintf("converged %t energy %.10f iterations %d", r.Converged, r.Energy, r.Iterations)
}
