// Package model provides lattice Hamiltonians for embedding calculations.
package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet/linalg"
)

type HubbardOptions struct {
	ring      bool
	overlap   float64
	electrons int
}

func NewHubbardOptions() HubbardOptions {
	return HubbardOptions{electrons: -1}
}

// Ring closes the chain with a bond between the first and last site.
func (o HubbardOptions) Ring(ring bool) HubbardOptions {
	o.ring = ring
	return o
}

// Overlap sets the nearest-neighbour overlap of the site orbitals.
func (o HubbardOptions) Overlap(s float64) HubbardOptions {
	o.overlap = s
	return o
}

// Electrons sets the electron count; the default is half filling.
func (o HubbardOptions) Electrons(n int) HubbardOptions {
	o.electrons = n
	return o
}

// Hubbard is a one-band Hubbard model with one orbital per site.
type Hubbard struct {
	sites     int
	t         float64
	u         float64
	ring      bool
	overlap   float64
	electrons int

	eri *linalg.Eri
}

// NewHubbard returns a Hubbard model with hopping t and on-site repulsion u.
func NewHubbard(sites int, t, u float64, options ...HubbardOptions) *Hubbard {
	opt := NewHubbardOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	if sites < 1 {
		panic(fmt.Sprintf("%d", sites))
	}
	h := &Hubbard{sites: sites, t: t, u: u, ring: opt.ring && sites > 2, overlap: opt.overlap, electrons: opt.electrons}
	if h.electrons < 0 {
		h.electrons = sites
	}
	h.eri = linalg.NewEri(sites)
	for i := 0; i < sites; i++ {
		h.eri.Set(i, i, i, i, u)
	}
	return h
}

func (h *Hubbard) Sites() int { return h.sites }

func (h *Hubbard) NElectron() int { return h.electrons }

// BasisAtoms maps every orbital to its site.
func (h *Hubbard) BasisAtoms() []int { return linalg.Range(0, h.sites) }

func (h *Hubbard) bonds() [][2]int {
	bonds := make([][2]int, 0, h.sites)
	for i := 0; i+1 < h.sites; i++ {
		bonds = append(bonds, [2]int{i, i + 1})
	}
	if h.ring {
		bonds = append(bonds, [2]int{h.sites - 1, 0})
	}
	return bonds
}

func (h *Hubbard) HCore() *mat.Dense {
	m := mat.NewDense(h.sites, h.sites, nil)
	for _, b := range h.bonds() {
		m.Set(b[0], b[1], -h.t)
		m.Set(b[1], b[0], -h.t)
	}
	return m
}

func (h *Hubbard) Overlap() *mat.Dense {
	m := mat.NewDense(h.sites, h.sites, nil)
	for i := 0; i < h.sites; i++ {
		m.Set(i, i, 1)
	}
	for _, b := range h.bonds() {
		m.Set(b[0], b[1], h.overlap)
		m.Set(b[1], b[0], h.overlap)
	}
	return m
}

// Eri returns the on-site interaction tensor.
func (h *Hubbard) Eri() *linalg.Eri { return h.eri }

// VHF returns the mean-field potential U D_ii / 2 on the diagonal.
func (h *Hubbard) VHF(dm *mat.Dense) *mat.Dense {
	v := mat.NewDense(h.sites, h.sites, nil)
	for i := 0; i < h.sites; i++ {
		v.Set(i, i, 0.5*h.u*dm.At(i, i))
	}
	return v
}

// TransformEri returns the interaction in the basis given by the columns of c.
func (h *Hubbard) TransformEri(c *mat.Dense) *linalg.Eri {
	return h.eri.Transform(c)
}
