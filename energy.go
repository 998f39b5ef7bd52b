package dmet

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// FragEnergy is the energy contribution of one fragment.
type FragEnergy struct {
	E float64
	// E1 = E1Frag + E1Bath is the one-electron energy of the impurity rows.
	E1     float64
	E1Frag float64
	E1Bath float64
	// E2Env is the interaction of the impurity rows with the frozen environment.
	E2Env  float64
	E2Frag float64
	NElec  float64
}

// extractFragEnergy splits the energy of the impurity rows of a correlated density.
func extractFragEnergy(emb *EmbeddingProblem, dm *mat.Dense, e2frag float64) FragEnergy {
	nimp, nemb := emb.NImp, emb.NEmb()
	var fe FragEnergy
	for i := 0; i < nimp; i++ {
		for j := 0; j < nemb; j++ {
			h := dm.At(i, j) * emb.HCore.At(i, j)
			if j < nimp {
				fe.E1Frag += h
			} else {
				fe.E1Bath += h
			}
			fe.E2Env += 0.5 * dm.At(i, j) * emb.VHFEnv.At(i, j)
		}
		fe.NElec += dm.At(i, i)
	}
	fe.E1 = fe.E1Frag + fe.E1Bath
	fe.E2Frag = e2frag
	fe.E = fe.E1 + fe.E2Env + fe.E2Frag
	return fe
}

// Energies are whole-system estimates summed over every fragment.
type Energies struct {
	ETot  float64
	ECorr float64
	NElec float64
	Frag  []FragEnergy
}

// assembleFragEnergy solves every class once and sums its energy over all its copies.
func (d *Driver) assembleFragEnergy(ctx context.Context, embs []*EmbeddingProblem) (Energies, error) {
	frags := make([]FragEnergy, len(embs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.parallel)
	for c, emb := range embs {
		g.Go(func() error {
			res, err := d.runImpurity(ctx, emb.impurityProblem(emb.VFitCI, true, emb.NImp))
			if err != nil {
				return errors.Wrap(err, "")
			}
			if res.RDM1 == nil {
				return solverError("%v: no density matrix", emb.Fragment)
			}
			frags[c] = extractFragEnergy(emb, res.RDM1, res.E2Frag)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Energies{}, errors.Wrap(err, "")
	}

	en := Energies{Frag: frags}
	for c, fe := range frags {
		copies := float64(len(d.frags.Copies[c]))
		en.ETot += copies * fe.E
		en.ECorr += copies * (fe.E - embs[c].EHFInHF)
		en.NElec += copies * fe.NElec
		d.logger.Debug("fragment energy", zap.Int("class", c), zap.Float64("e", fe.E), zap.Float64("e1", fe.E1), zap.Float64("e1_frag", fe.E1Frag), zap.Float64("e1_bath", fe.E1Bath), zap.Float64("e2env", fe.E2Env), zap.Float64("e2frag", fe.E2Frag), zap.Float64("e_hf_in_hf", embs[c].EHFInHF), zap.Float64("nelec", fe.NElec))
	}
	return en, nil
}
