package dmet

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
)

// SystemState is the whole-system mean-field reference of one outer iteration, expressed in the orthogonal basis.
// It is replaced, never mutated, when the mean field is re-solved.
type SystemState struct {
	Version int
	MF      *MeanField
	// OrthCoeff holds the orthogonal basis functions as columns over the native basis.
	OrthCoeff *mat.Dense
	// CInv maps native basis coefficients to the orthogonal basis.
	CInv *mat.Dense
	// MOOrth holds the occupied orbitals in the orthogonal basis.
	MOOrth *mat.Dense
	NOcc   int
	// Fock is the orthogonal basis Fock matrix of the mean field, fitted potential included.
	Fock *mat.Dense
	// HCore, VHF and DM are in the native basis; HCore carries no fitted potential.
	HCore *mat.Dense
	VHF   *mat.Dense
	DM    *mat.Dense
}

func newSystemState(version int, sys System, mf *MeanField, orth *mat.Dense) (*SystemState, error) {
	n, _ := orth.Dims()
	if r, c := mf.MOCoeff.Dims(); r != n || c != len(mf.MOEnergy) || c != len(mf.MOOcc) {
		return nil, solverError("mean field shapes %dx%d, %d energies, %d occupations, %d basis functions", r, c, len(mf.MOEnergy), len(mf.MOOcc), n)
	}
	occ := mf.occupied()
	for _, i := range occ {
		if mf.MOOcc[i] != 2 {
			return nil, solverError("orbital %d occupation %g, expected closed shell", i, mf.MOOcc[i])
		}
	}
	if 2*len(occ) != sys.NElectron() {
		return nil, solverError("%d occupied orbitals for %d electrons", len(occ), sys.NElectron())
	}

	st := &SystemState{Version: version, MF: mf, OrthCoeff: orth, NOcc: len(occ), HCore: sys.HCore()}
	var sOrth mat.Dense
	sOrth.Mul(sys.Overlap(), orth)
	st.CInv = mat.DenseCopyOf(sOrth.T())

	var moOrth mat.Dense
	moOrth.Mul(st.CInv, mf.MOCoeff)
	st.MOOrth = linalg.Sub(&moOrth, nil, occ)

	// F = (CInv C) diag(e) (CInv C)^T.
	scaled := mat.DenseCopyOf(&moOrth)
	for j, e := range mf.MOEnergy {
		for i := 0; i < n; i++ {
			scaled.Set(i, j, scaled.At(i, j)*e)
		}
	}
	st.Fock = mat.NewDense(n, n, nil)
	st.Fock.Mul(scaled, moOrth.T())

	st.DM = mf.DM()
	st.VHF = sys.VHF(st.DM)
	return st, nil
}

// ToNative rotates an orthogonal basis matrix into the native basis, CInv^T v CInv.
func (st *SystemState) ToNative(v mat.Matrix) *mat.Dense {
	return linalg.Rotate(st.CInv, v)
}

// FromNative rotates a native basis operator into the orthogonal basis, OrthCoeff^T v OrthCoeff.
func (st *SystemState) FromNative(v mat.Matrix) *mat.Dense {
	return linalg.Rotate(st.OrthCoeff, v)
}

func (st *SystemState) String() string {
	return fmt.Sprintf("state %d energy %.10f", st.Version, st.MF.Energy)
}
