package dmet

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/fci"
	"github.com/fumin/dmet/linalg"
	"github.com/fumin/dmet/scf"
)

// System describes the whole system in its native, possibly non-orthogonal, basis.
type System interface {
	NElectron() int
	// BasisAtoms maps every basis function to the atom it is centred on.
	BasisAtoms() []int
	HCore() *mat.Dense
	Overlap() *mat.Dense
	// VHF is the two-electron mean-field potential of a spin-summed density.
	VHF(dm *mat.Dense) *mat.Dense
	// TransformEri returns the two-electron integrals over the columns of c.
	TransformEri(c *mat.Dense) *linalg.Eri
}

// MeanField is a closed-shell whole-system solution.
type MeanField struct {
	Converged bool
	Energy    float64
	MOEnergy  []float64
	MOCoeff   *mat.Dense
	// MOOcc holds 0 or 2 per orbital.
	MOOcc []float64
}

// DM returns the spin-summed density matrix of the occupied orbitals.
func (mf *MeanField) DM() *mat.Dense {
	return linalg.Density(mf.MOCoeff, mf.occupied(), 2)
}

func (mf *MeanField) occupied() []int {
	occ := make([]int, 0, len(mf.MOOcc))
	for i, o := range mf.MOOcc {
		if o > 1e-15 {
			occ = append(occ, i)
		}
	}
	return occ
}

// MeanFieldSolver solves the whole system with a given core Hamiltonian, warm started from dm0.
type MeanFieldSolver interface {
	Solve(ctx context.Context, hcore, ovlp, dm0 *mat.Dense) (*MeanField, error)
}

// ImpurityProblem is the input of a correlated solve in the embedding basis.
type ImpurityProblem struct {
	// HCore is the one-electron Hamiltonian including the frozen environment potential.
	HCore *mat.Dense
	Eri   *linalg.Eri
	// NElectron is the number of electrons in the embedding space.
	NElectron int
	// Potential is added to the leading block of HCore. It may be nil.
	Potential *mat.Dense
	WithRDM1  bool
	// FragmentSize requests the two-electron energy of the first FragmentSize orbitals when positive.
	FragmentSize int
}

// Hamiltonian returns HCore with Potential added to its leading block.
func (p ImpurityProblem) Hamiltonian() *mat.Dense {
	h := mat.DenseCopyOf(p.HCore)
	if p.Potential == nil {
		return h
	}
	r, c := p.Potential.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			h.Set(i, j, h.At(i, j)+p.Potential.At(i, j))
		}
	}
	return h
}

type ImpurityResult struct {
	Energy float64
	E2Frag float64
	RDM1   *mat.Dense
}

// CorrelatedSolver solves an embedding problem. It must be safe for concurrent use.
type CorrelatedSolver interface {
	Run(ctx context.Context, p ImpurityProblem) (*ImpurityResult, error)
}

// RHF adapts the Hartree-Fock solver to a System.
type RHF struct {
	sys  System
	opts scf.Options
}

func NewRHF(sys System, options ...scf.Options) *RHF {
	opt := scf.NewOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	return &RHF{sys: sys, opts: opt}
}

func (r *RHF) Solve(ctx context.Context, hcore, ovlp, dm0 *mat.Dense) (*MeanField, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	res, err := scf.Kernel(hcore, ovlp, dm0, r.sys, r.sys.NElectron(), r.opts)
	if err != nil {
		return nil, solverError("%v", err)
	}
	if !res.Converged {
		return nil, solverError("mean field not converged after %d iterations, energy %.10f", res.Iterations, res.Energy)
	}
	return &MeanField{Converged: true, Energy: res.Energy, MOEnergy: res.MOEnergy, MOCoeff: res.MOCoeff, MOOcc: res.MOOcc}, nil
}

// FCI adapts the determinant solver.
type FCI struct{}

func NewFCI() *FCI { return &FCI{} }

func (*FCI) Run(ctx context.Context, p ImpurityProblem) (*ImpurityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	res, err := fci.Kernel(p.Hamiltonian(), p.Eri, p.NElectron, fci.NewOptions().RDM1(p.WithRDM1).FragmentSize(p.FragmentSize))
	if err != nil {
		return nil, solverError("%v", err)
	}
	return &ImpurityResult{Energy: res.Energy, E2Frag: res.E2Frag, RDM1: res.RDM1}, nil
}

// checkMeanField rejects a mean field that is missing or not converged.
func checkMeanField(mf *MeanField) error {
	if mf == nil {
		return solverError("no mean field")
	}
	if !mf.Converged {
		return solverError("mean field not converged, energy %.10f", mf.Energy)
	}
	if mf.MOCoeff == nil {
		return solverError("mean field without orbitals")
	}
	return nil
}

// solveMeanField runs the mean-field solver, accepting converged solutions only.
func (d *Driver) solveMeanField(ctx context.Context, hcore, ovlp, dm0 *mat.Dense) (*MeanField, error) {
	mf, err := d.mf.Solve(ctx, hcore, ovlp, dm0)
	if err != nil {
		return nil, externalError(err)
	}
	if err := checkMeanField(mf); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return mf, nil
}

func (d *Driver) runImpurity(ctx context.Context, p ImpurityProblem) (*ImpurityResult, error) {
	res, err := d.ci.Run(ctx, p)
	if err != nil {
		return nil, externalError(err)
	}
	if res == nil {
		return nil, solverError("no impurity result")
	}
	return res, nil
}
