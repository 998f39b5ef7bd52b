package dmet

import (
	"fmt"
	"slices"
)

// Fragment is a set of basis functions treated as one embedding unit.
type Fragment struct {
	ID int
	// Class indexes the symmetry class, which is the position of the fragment's group.
	Class int
	Atoms []int
	Basis []int
	// Representative marks the first copy of a class, whose embedding problem serves all copies.
	Representative bool
}

// Fragments is the arena of all fragments with its symmetry class index.
type Fragments struct {
	All []Fragment
	// Unique holds the representative fragment ID of every class.
	Unique []int
	// Copies holds the fragment IDs of every class, representative first.
	Copies [][]int
}

// Representative returns the representative fragment of a class.
func (fs *Fragments) Representative(class int) Fragment {
	return fs.All[fs.Unique[class]]
}

// NumClasses is the number of symmetry classes.
func (fs *Fragments) NumClasses() int { return len(fs.Unique) }

// FragmentGroup lists the symmetry-equivalent copies of one fragment.
// Copies are given either by atoms, mapped to their basis functions, or directly by basis indices.
type FragmentGroup struct {
	Atoms [][]int `yaml:"atoms"`
	Basis [][]int `yaml:"basis"`
}

// Partition builds the fragment arena from groups.
// Group order defines class order and the first copy of each group is its representative.
func Partition(basisAtoms []int, groups []FragmentGroup, translational bool) (*Fragments, error) {
	if len(groups) == 0 {
		return nil, configError("no fragment groups")
	}
	if translational && len(groups) != 1 {
		return nil, configError("translational symmetry needs exactly one fragment group, got %d", len(groups))
	}

	nbas := len(basisAtoms)
	owner := make(map[int]int)
	fs := &Fragments{}
	for g, group := range groups {
		if len(group.Atoms) > 0 && len(group.Basis) > 0 {
			return nil, configError("group %d gives both atoms and basis indices", g)
		}
		type fragCopy struct {
			atoms []int
			basis []int
		}
		var copies []fragCopy
		switch {
		case len(group.Atoms) > 0:
			for _, atoms := range group.Atoms {
				copies = append(copies, fragCopy{atoms: atoms, basis: basisOnAtoms(basisAtoms, atoms)})
			}
		case len(group.Basis) > 0:
			for _, basis := range group.Basis {
				copies = append(copies, fragCopy{atoms: atomsOfBasis(basisAtoms, basis), basis: basis})
			}
		default:
			return nil, configError("group %d has no fragments", g)
		}

		ids := make([]int, 0, len(copies))
		for k, cp := range copies {
			id := len(fs.All)
			if len(cp.basis) == 0 {
				return nil, configError("fragment %d of group %d has an empty basis list", k, g)
			}
			if len(cp.basis) != len(copies[0].basis) {
				return nil, configError("copy %d of group %d has %d basis functions, expected %d", k, g, len(cp.basis), len(copies[0].basis))
			}
			for _, b := range cp.basis {
				if b < 0 || b >= nbas {
					return nil, configError("basis index %d of fragment %d out of range [0, %d)", b, id, nbas)
				}
				if prev, ok := owner[b]; ok {
					return nil, configError("basis index %d in fragments %d and %d", b, prev, id)
				}
				owner[b] = id
			}
			fs.All = append(fs.All, Fragment{
				ID:             id,
				Class:          g,
				Atoms:          slices.Clone(cp.atoms),
				Basis:          slices.Clone(cp.basis),
				Representative: k == 0,
			})
			ids = append(ids, id)
		}
		fs.Unique = append(fs.Unique, ids[0])
		fs.Copies = append(fs.Copies, ids)
	}
	return fs, nil
}

func basisOnAtoms(basisAtoms, atoms []int) []int {
	basis := make([]int, 0)
	for b, a := range basisAtoms {
		if slices.Contains(atoms, a) {
			basis = append(basis, b)
		}
	}
	return basis
}

func atomsOfBasis(basisAtoms, basis []int) []int {
	atoms := make([]int, 0)
	for _, b := range basis {
		if b < 0 || b >= len(basisAtoms) {
			continue
		}
		if a := basisAtoms[b]; !slices.Contains(atoms, a) {
			atoms = append(atoms, a)
		}
	}
	return atoms
}

func (f Fragment) String() string {
	return fmt.Sprintf("fragment %d class %d basis %v", f.ID, f.Class, f.Basis)
}
