package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	attnflow "attnflow/src"
)

// traceStore persists per-step, per-layer regularizer diagnostics of a run.
type traceStore struct {
	db     *sql.DB
	runID  int64
	insert *sql.Stmt
}

func openTrace(path string) (*traceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{`
		CREATE TABLE IF NOT EXISTS runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			config TEXT NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS steps(
			run_id INTEGER NOT NULL REFERENCES runs(id),
			epoch INTEGER NOT NULL,
			step INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			layer INTEGER NOT NULL,
			kl REAL NOT NULL,
			adversarial REAL NOT NULL,
			sinkhorn_iterations INTEGER NOT NULL,
			sinkhorn_converged INTEGER NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("trace schema: %w", err)
		}
	}
	return &traceStore{db: db}, nil
}

// beginRun registers a run and prepares the step insert.
func (s *traceStore) beginRun(cfg attnflow.Config) error {
	raw, err := json.Marshal(cfg.FileConfig())
	if err != nil {
		return err
	}
	res, err := s.db.Exec("INSERT INTO runs(ts, config) VALUES(?,?)",
		float64(time.Now().UnixMilli())/1000.0, string(raw))
	if err != nil {
		return err
	}
	if s.runID, err = res.LastInsertId(); err != nil {
		return err
	}
	s.insert, err = s.db.Prepare(`INSERT INTO steps(run_id, epoch, step, iteration, layer, kl, adversarial,
		sinkhorn_iterations, sinkhorn_converged) VALUES(?,?,?,?,?,?,?,?,?)`)
	return err
}

// record writes one row per layer run of an encoder pass, in one transaction.
func (s *traceStore) record(epoch, step int, diags [][]attnflow.Diagnostics) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt := tx.Stmt(s.insert)
	for it, inner := range diags {
		for layer, d := range inner {
			converged := 0
			if d.SinkhornConverged {
				converged = 1
			}
			if _, err := stmt.Exec(s.runID, epoch, step, it, layer, d.KL, d.Adversarial,
				d.SinkhornIterations, converged); err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *traceStore) Close() error {
	if s.insert != nil {
		s.insert.Close()
	}
	return s.db.Close()
}

// layerStats is the per-layer average of a run's trace.
type layerStats struct {
	Layer              int
	Rows               int
	KL                 float64
	Adversarial        float64
	SinkhornIterations float64
}

// lastRunStats aggregates the most recent run per layer position.
func (s *traceStore) lastRunStats() (int64, []layerStats, error) {
	var runID int64
	if err := s.db.QueryRow("SELECT id FROM runs ORDER BY id DESC LIMIT 1").Scan(&runID); err != nil {
		return 0, nil, err
	}
	rows, err := s.db.Query(`
		SELECT layer, COUNT(*), AVG(kl), AVG(adversarial), AVG(sinkhorn_iterations)
		FROM steps WHERE run_id = ? GROUP BY layer ORDER BY layer`, runID)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var stats []layerStats
	for rows.Next() {
		var st layerStats
		if err := rows.Scan(&st.Layer, &st.Rows, &st.KL, &st.Adversarial, &st.SinkhornIterations); err != nil {
			return 0, nil, err
		}
		stats = append(stats, st)
	}
	return runID, stats, rows.Err()
}

func newTraceCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Summarize the last run recorded in a trace database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openTrace(path)
			if err != nil {
				return err
			}
			defer store.Close()
			runID, stats, err := store.lastRunStats()
			if err != nil {
				return fmt.Errorf("read trace %s: %w", path, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %d\n", runID)
			fmt.Fprintf(out, "%-8s %-8s %-12s %-12s %-10s\n", "Layer", "Rows", "KL", "Adversarial", "Sinkhorn")
			for _, st := range stats {
				fmt.Fprintf(out, "%-8d %-8d %-12.5g %-12.5g %-10.1f\n",
					st.Layer, st.Rows, st.KL, st.Adversarial, st.SinkhornIterations)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "db", "attnreg.sqlite3", "trace database")
	return cmd
}
