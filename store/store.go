// Package store persists the history and potentials of self-consistency runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dmet"
)

const (
	tableRun       = "run"
	tableIteration = "iteration"
	tableShape     = "shape"
	tableMatrix    = "matrix"

	timeout = 3 * time.Second
)

// DB is a run history database.
type DB struct {
	Path string
	db   *sql.DB
}

// Open opens the database at path, creating its tables if needed.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}
	return &DB{Path: path, db: db}, nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

// NewRun registers a run and returns its id.
func (s *DB) NewRun(label string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`INSERT INTO %s (label, created) VALUES (?, ?)`, tableRun)
	res, err := s.db.ExecContext(ctx, sqlStr, label, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return -1, errors.Wrap(err, "")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return -1, errors.Wrap(err, "")
	}
	return id, nil
}

// SaveIteration stores the scalar record of an iteration, replacing any previous one with the same number.
func (s *DB) SaveIteration(run int64, it dmet.Iteration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (run, iter, e_tot, e_corr, nelec, dv, de, decorr) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, tableIteration)
	args := []any{run, it.Iter, it.ETot, it.ECorr, it.NElec, it.DV, it.DE, it.DECorr}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%s %#v", sqlStr, args))
	}
	return nil
}

// Iterations returns the iterations of a run in order.
func (s *DB) Iterations(run int64) ([]dmet.Iteration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT iter, e_tot, e_corr, nelec, dv, de, decorr FROM %s WHERE run=? ORDER BY iter`, tableIteration)
	rows, err := s.db.QueryContext(ctx, sqlStr, run)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	its := make([]dmet.Iteration, 0)
	for rows.Next() {
		var it dmet.Iteration
		if err := rows.Scan(&it.Iter, &it.ETot, &it.ECorr, &it.NElec, &it.DV, &it.DE, &it.DECorr); err != nil {
			return nil, errors.Wrap(err, "")
		}
		its = append(its, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return its, nil
}

// SaveMatrix stores m under name, replacing a previous matrix of the same name.
// Only nonzero entries are written.
func (s *DB) SaveMatrix(run int64, name string, m mat.Matrix) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer tx.Rollback()

	sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE run=? AND name=?`, tableMatrix)
	if _, err := tx.ExecContext(ctx, sqlStr, run, name); err != nil {
		return errors.Wrap(err, "")
	}
	r, c := m.Dims()
	sqlStr = fmt.Sprintf(`INSERT OR REPLACE INTO %s (run, name, nrows, ncols) VALUES (?, ?, ?, ?)`, tableShape)
	if _, err := tx.ExecContext(ctx, sqlStr, run, name, r, c); err != nil {
		return errors.Wrap(err, "")
	}

	sqlStr = fmt.Sprintf(`INSERT INTO %s (run, name, i, j, v) VALUES (?, ?, ?, ?, ?)`, tableMatrix)
	stmt, err := tx.PrepareContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer stmt.Close()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if v == 0 {
				continue
			}
			if _, err := stmt.ExecContext(ctx, run, name, i, j, v); err != nil {
				return errors.Wrap(err, fmt.Sprintf("%s %d %d", name, i, j))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Matrix loads the matrix stored under name.
func (s *DB) Matrix(run int64, name string) (*mat.Dense, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var r, c int
	sqlStr := fmt.Sprintf(`SELECT nrows, ncols FROM %s WHERE run=? AND name=?`, tableShape)
	err := s.db.QueryRowContext(ctx, sqlStr, run, name).Scan(&r, &c)
	switch {
	case err == sql.ErrNoRows:
		return nil, errors.Errorf("no matrix %q in run %d", name, run)
	case err != nil:
		return nil, errors.Wrap(err, "")
	}
	if r == 0 || c == 0 {
		return nil, errors.Errorf("empty matrix %q in run %d", name, run)
	}

	m := mat.NewDense(r, c, nil)
	sqlStr = fmt.Sprintf(`SELECT i, j, v FROM %s WHERE run=? AND name=?`, tableMatrix)
	rows, err := s.db.QueryContext(ctx, sqlStr, run, name)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()
	for rows.Next() {
		var i, j int
		var v float64
		if err := rows.Scan(&i, &j, &v); err != nil {
			return nil, errors.Wrap(err, "")
		}
		m.Set(i, j, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return m, nil
}

// WriteCSV writes the iterations of a run as CSV with a header line.
func (s *DB) WriteCSV(w io.Writer, run int64) error {
	its, err := s.Iterations(run)
	if err != nil {
		return errors.Wrap(err, "")
	}
	return WriteCSV(w, its)
}

// WriteCSV writes an iteration history as CSV with a header line.
func WriteCSV(w io.Writer, its []dmet.Iteration) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"iter", "e_tot", "e_corr", "nelec", "dv", "de", "decorr"}); err != nil {
		return errors.Wrap(err, "")
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, it := range its {
		record := []string{strconv.Itoa(it.Iter), format(it.ETot), format(it.ECorr), format(it.NElec), format(it.DV), format(it.DE), format(it.DECorr)}
		if err := cw.Write(record); err != nil {
			return errors.Wrap(err, "")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Recorder stores the history of one run as it progresses.
type Recorder struct {
	db  *DB
	run int64
}

var _ dmet.Recorder = (*Recorder)(nil)

// Recorder returns a recorder writing into run.
func (s *DB) Recorder(run int64) *Recorder {
	return &Recorder{db: s, run: run}
}

func (r *Recorder) RecordIteration(it dmet.Iteration) error {
	if err := r.db.SaveIteration(r.run, it); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// RecordPotential stores the final potentials as the matrices "global" and "global_ao".
func (r *Recorder) RecordPotential(global, globalAO *mat.Dense) error {
	if err := r.db.SaveMatrix(r.run, "global", global); err != nil {
		return errors.Wrap(err, "")
	}
	if err := r.db.SaveMatrix(r.run, "global_ao", globalAO); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, label TEXT, created TEXT) STRICT`, tableRun),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (run INTEGER, iter INTEGER, e_tot REAL, e_corr REAL, nelec REAL, dv REAL, de REAL, decorr REAL, PRIMARY KEY (run, iter)) STRICT`, tableIteration),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (run INTEGER, name TEXT, nrows INTEGER, ncols INTEGER, PRIMARY KEY (run, name)) STRICT`, tableShape),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (run INTEGER, name TEXT, i INTEGER, j INTEGER, v REAL, PRIMARY KEY (run, name, i, j)) STRICT`, tableMatrix),
	}
	for _, sqlStr := range stmts {
		if _, err := db.ExecContext(ctx, sqlStr); err != nil {
			return errors.Wrap(err, sqlStr)
		}
	}
	return nil
}
