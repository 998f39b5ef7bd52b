package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet"
	"github.com/fumin/dmet/linalg"
	"github.com/fumin/dmet/model"
)

func TestMatrix(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer os.RemoveAll(dir)
	db, err := Open(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer db.Close()

	run, err := db.NewRun("matrix")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	a := mat.NewDense(2, 3, []float64{1, 0, -2.5, 0, 0, 1e-300})
	if err := db.SaveMatrix(run, "a", a); err != nil {
		t.Fatalf("%+v", err)
	}
	b, err := db.Matrix(run, "a")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !mat.Equal(a, b) {
		t.Fatalf("%s, expected %s", linalg.Format(b), linalg.Format(a))
	}

	// Saving again replaces the previous entries.
	c := mat.NewDense(1, 1, []float64{3})
	if err := db.SaveMatrix(run, "a", c); err != nil {
		t.Fatalf("%+v", err)
	}
	if b, err = db.Matrix(run, "a"); err != nil {
		t.Fatalf("%+v", err)
	}
	if !mat.Equal(b, c) {
		t.Fatalf("%s, expected %s", linalg.Format(b), linalg.Format(c))
	}

	if _, err := db.Matrix(run, "missing"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := db.Matrix(run+1, "a"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer os.RemoveAll(dir)
	dbPath := filepath.Join(dir, "runs.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer db.Close()
	run, err := db.NewRun("hubbard")
	if err != nil {
		t.Fatalf("%+v", err)
	}

	h := model.NewHubbard(6, 1, 2, model.NewHubbardOptions().Ring(true))
	groups := []dmet.FragmentGroup{{Basis: [][]int{{0, 1}, {2, 3}, {4, 5}}}}
	opt := dmet.NewOptions().MaxIterations(2).Translational(true).Recorder(db.Recorder(run))
	d, err := dmet.New(h, dmet.NewRHF(h), dmet.NewFCI(), groups, opt)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	res, err := d.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	// Reopening sees the committed history.
	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer reopened.Close()
	its, err := reopened.Iterations(run)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if diff := cmp.Diff(res.History, its, cmpopts.IgnoreFields(dmet.Iteration{}, "Fit", "ChemPot")); diff != "" {
		t.Fatalf("%s", diff)
	}
	global, err := reopened.Matrix(run, "global_ao")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !mat.Equal(global, res.GlobalAO) {
		t.Fatalf("%s, expected %s", linalg.Format(global), linalg.Format(res.GlobalAO))
	}

	var buf bytes.Buffer
	if err := reopened.WriteCSV(&buf, run); err != nil {
		t.Fatalf("%+v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if len(records) != len(res.History)+1 || records[0][0] != "iter" {
		t.Fatalf("%v", records)
	}
}
