package scf

import (
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
	"github.com/fumin/dmet/model"
)

func TestKernel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sites   int
		u       float64
		ring    bool
		overlap float64
		energy  float64
	}{
		// Bonding orbital doubly occupied: -2t + U/2.
		{sites: 2, u: 4, energy: 0},
		{sites: 2, u: 0, overlap: 0.2, energy: -2 / 1.2},
		// Ring orbital energies -2cos(2 pi k/10).
		{sites: 10, u: 0, ring: true, energy: -2 * (2 + 4*math.Cos(math.Pi/5) + 4*math.Cos(2*math.Pi/5))},
		// Uniform density, the interaction adds U N/4.
		{sites: 10, u: 4, ring: true, energy: -2*(2+4*math.Cos(math.Pi/5)+4*math.Cos(2*math.Pi/5)) + 4*10/4.0},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%d %f %t %f", test.sites, test.u, test.ring, test.overlap), func(t *testing.T) {
			t.Parallel()
			h := model.NewHubbard(test.sites, 1, test.u, model.NewHubbardOptions().Ring(test.ring).Overlap(test.overlap))
			res, err := Kernel(h.HCore(), h.Overlap(), nil, h, h.NElectron())
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if !res.Converged {
				t.Fatalf("%s", res)
			}
			if math.Abs(res.Energy-test.energy) > 1e-8 {
				t.Fatalf("%.10f, expected %.10f", res.Energy, test.energy)
			}

			// Occupied orbitals are orthonormal under the overlap metric.
			occ := linalg.Range(0, h.NElectron()/2)
			cOcc := linalg.Sub(res.MOCoeff, nil, occ)
			id := linalg.Rotate(cOcc, h.Overlap())
			for i := range occ {
				for j := range occ {
					expected := 0.0
					if i == j {
						expected = 1
					}
					if math.Abs(id.At(i, j)-expected) > 1e-10 {
						t.Fatalf("%s", linalg.Format(id))
					}
				}
			}
			var nelec float64
			for _, o := range res.MOOcc {
				nelec += o
			}
			if nelec != float64(h.NElectron()) {
				t.Fatalf("%f, expected %d", nelec, h.NElectron())
			}
		})
	}
}

func TestKernelWarmStart(t *testing.T) {
	t.Parallel()
	h := model.NewHubbard(6, 1, 2, model.NewHubbardOptions().Ring(true))
	cold, err := Kernel(h.HCore(), h.Overlap(), nil, h, h.NElectron())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	warm, err := Kernel(h.HCore(), h.Overlap(), cold.DM, h, h.NElectron(), NewOptions().FollowState(true))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !warm.Converged {
		t.Fatalf("%s", warm)
	}
	if math.Abs(warm.Energy-cold.Energy) > 1e-8 {
		t.Fatalf("%f, expected %f", warm.Energy, cold.Energy)
	}
	if warm.Iterations > 3 {
		t.Fatalf("%d", warm.Iterations)
	}
	if !mat.EqualApprox(warm.DM, cold.DM, 1e-6) {
		t.Fatalf("%s, expected %s", linalg.Format(warm.DM), linalg.Format(cold.DM))
	}
}

func TestKernelOddElectrons(t *testing.T) {
	t.Parallel()
	h := model.NewHubbard(3, 1, 0)
	if _, err := Kernel(h.HCore(), h.Overlap(), nil, h, 3); err == nil {
		t.Fatalf("expected error")
	}
}
