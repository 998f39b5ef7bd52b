package dmet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestPartition(t *testing.T) {
	t.Parallel()
	// Two basis functions on each of three atoms.
	basisAtoms := []int{0, 0, 1, 1, 2, 2}
	groups := []FragmentGroup{
		{Atoms: [][]int{{0}, {2}}},
		{Basis: [][]int{{2, 3}}},
	}
	fs, err := Partition(basisAtoms, groups, false)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	expected := &Fragments{
		All: []Fragment{
			{ID: 0, Class: 0, Atoms: []int{0}, Basis: []int{0, 1}, Representative: true},
			{ID: 1, Class: 0, Atoms: []int{2}, Basis: []int{4, 5}},
			{ID: 2, Class: 1, Atoms: []int{1}, Basis: []int{2, 3}, Representative: true},
		},
		Unique: []int{0, 2},
		Copies: [][]int{{0, 1}, {2}},
	}
	if diff := cmp.Diff(expected, fs); diff != "" {
		t.Fatalf("%s", diff)
	}
	if fs.NumClasses() != 2 || fs.Representative(1).ID != 2 {
		t.Fatalf("%+v", fs)
	}
}

func TestPartitionErrors(t *testing.T) {
	t.Parallel()
	basisAtoms := []int{0, 0, 1, 1}
	tests := []struct {
		name          string
		groups        []FragmentGroup
		translational bool
	}{
		{name: "no groups"},
		{name: "empty group", groups: []FragmentGroup{{}}},
		{name: "empty basis", groups: []FragmentGroup{{Basis: [][]int{{}}}}},
		{name: "atom without basis", groups: []FragmentGroup{{Atoms: [][]int{{7}}}}},
		{name: "out of range", groups: []FragmentGroup{{Basis: [][]int{{4}}}}},
		{name: "negative", groups: []FragmentGroup{{Basis: [][]int{{-1}}}}},
		{name: "overlap", groups: []FragmentGroup{{Basis: [][]int{{0, 1}}}, {Basis: [][]int{{1, 2}}}}},
		{name: "size mismatch", groups: []FragmentGroup{{Basis: [][]int{{0, 1}, {2}}}}},
		{name: "atoms and basis", groups: []FragmentGroup{{Atoms: [][]int{{0}}, Basis: [][]int{{2}}}}},
		{name: "translational groups", groups: []FragmentGroup{{Basis: [][]int{{0}}}, {Basis: [][]int{{1}}}}, translational: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			_, err := Partition(basisAtoms, test.groups, test.translational)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("%+v, expected %v", err, ErrConfiguration)
			}
		})
	}
}
