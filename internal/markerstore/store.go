// Package markerstore provides persistent storage for analysis runs and
// their marker tables using SQLite.
package markerstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mhemberg/tabula-atlas/internal/service"
)

// RunStatus represents the current state of an analysis run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunParams contains the parameters of an analysis run.
type RunParams struct {
	GroupBy          string   `json:"group_by"`
	OntologyTerm     string   `json:"ontology_term"`
	MarkerGenes      []string `json:"marker_genes"`
	MarkerMinExpr    float64  `json:"marker_min_expr"`
	MinGroupSize     int      `json:"min_group_size"`
	FDRCutoff        float64  `json:"fdr_cutoff"`
	MaxCellsPerGroup int      `json:"max_cells_per_group"`
	Seed             int64    `json:"seed"`
}

// Run represents one marker analysis run.
type Run struct {
	ID         string     `json:"run_id"`
	Status     RunStatus  `json:"status"`
	Params     RunParams  `json:"params"`
	Phase      string     `json:"phase"`
	NCells     int        `json:"n_cells"`
	NGroups    int        `json:"n_groups"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Store provides persistent run storage using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) a SQLite-backed run store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// WAL for concurrent readers while a run is writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		n_cells INTEGER DEFAULT 0,
		n_groups INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);

	CREATE TABLE IF NOT EXISTS marker_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		gene TEXT NOT NULL,
		grp TEXT NOT NULL,
		mean_in REAL NOT NULL,
		mean_rest REAL NOT NULL,
		pct_in REAL NOT NULL,
		pct_rest REAL NOT NULL,
		log2fc REAL NOT NULL,
		p_ttest REAL NOT NULL,
		fdr_ttest REAL NOT NULL,
		p_ranksum REAL NOT NULL,
		fdr_ranksum REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_marker_results_run ON marker_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_marker_results_run_group ON marker_results(run_id, grp);
	CREATE INDEX IF NOT EXISTS idx_marker_results_run_fdr ON marker_results(run_id, fdr_ranksum);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a new run record with status=queued.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, status, params_json, phase, n_cells, n_groups, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Status),
		string(paramsJSON),
		run.Phase,
		run.NCells,
		run.NGroups,
		run.Error,
		run.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetRun retrieves a run by ID, or nil when absent.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, status, params_json, phase, n_cells, n_groups, error, created_at, started_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// UpdateRunStarted marks a queued run as running with its start time. It
// reports false when the run is missing or no longer queued (for example
// cancelled while waiting), so a stale queue entry cannot restart it.
func (s *Store) UpdateRunStarted(runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?
		WHERE run_id = ? AND status = ?
	`, string(RunStatusRunning), now, runID, string(RunStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateRunStatus updates the status and error message; terminal statuses
// record the finish time.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// UpdateRunPhase updates the progress phase label.
func (s *Store) UpdateRunPhase(runID, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE runs SET phase = ? WHERE run_id = ?`, phase, runID)
	return err
}

// UpdateRunCounts records the selected cell count and retained group count.
func (s *Store) UpdateRunCounts(runID string, nCells, nGroups int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET n_cells = ?, n_groups = ?
		WHERE run_id = ?
	`, nCells, nGroups, runID)
	return err
}

// InsertResults stores marker rows for a run in one transaction.
func (s *Store) InsertResults(runID string, results []*service.MarkerResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO marker_results (run_id, gene, grp, mean_in, mean_rest, pct_in, pct_rest, log2fc, p_ttest, fdr_ttest, p_ranksum, fdr_ranksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		_, err := stmt.Exec(
			runID, r.Gene, r.Group,
			r.MeanIn, r.MeanRest, r.PctIn, r.PctRest, r.Log2FC,
			r.PTtest, r.FDRTtest, r.PRanksum, r.FDRRanksum,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryResults returns marker rows for a run with optional group filter,
// ordering, and pagination, plus the total matching count.
func (s *Store) QueryResults(runID, group, orderBy string, offset, limit int) ([]*service.MarkerResult, int, error) {
	orderCol := "fdr_ranksum ASC, ABS(log2fc) DESC"
	switch orderBy {
	case "fdr_ttest":
		orderCol = "fdr_ttest ASC, ABS(log2fc) DESC"
	case "p_ranksum":
		orderCol = "p_ranksum ASC, ABS(log2fc) DESC"
	case "p_ttest":
		orderCol = "p_ttest ASC, ABS(log2fc) DESC"
	case "abs_log2fc":
		orderCol = "ABS(log2fc) DESC, fdr_ranksum ASC"
	}

	where := "WHERE run_id = ?"
	args := []any{runID}
	if group != "" {
		where += " AND grp = ?"
		args = append(args, group)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM marker_results "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT gene, grp, mean_in, mean_rest, pct_in, pct_rest, log2fc, p_ttest, fdr_ttest, p_ranksum, fdr_ranksum
		FROM marker_results
		%s
		ORDER BY grp ASC, %s
		LIMIT ? OFFSET ?
	`, where, orderCol)
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*service.MarkerResult
	for rows.Next() {
		var r service.MarkerResult
		err := rows.Scan(
			&r.Gene, &r.Group,
			&r.MeanIn, &r.MeanRest, &r.PctIn, &r.PctRest, &r.Log2FC,
			&r.PTtest, &r.FDRTtest, &r.PRanksum, &r.FDRRanksum,
		)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, &r)
	}
	return results, total, rows.Err()
}

// ResultGroups returns the distinct group labels stored for a run.
func (s *Store) ResultGroups(runID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT grp FROM marker_results WHERE run_id = ? ORDER BY grp ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, status, params_json, phase, n_cells, n_groups, error, created_at, started_at, finished_at
		FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

// ListQueuedRuns returns queued runs oldest first, for restart recovery.
func (s *Store) ListQueuedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, status, params_json, phase, n_cells, n_groups, error, created_at, started_at, finished_at
		FROM runs WHERE status = ? ORDER BY created_at ASC
	`, string(RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

// MarkRunningAsFailed fails all running runs, for restart recovery.
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, now, string(RunStatusRunning))
	return err
}

// DeleteExpiredRuns deletes finished runs older than retentionDays and
// returns how many runs were removed.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	_, err := s.db.Exec(`
		DELETE FROM marker_results WHERE run_id IN (
			SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteRun deletes a run and its marker rows.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM marker_results WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	return err
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var run Run
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&run.ID,
		&run.Status,
		&paramsJSON,
		&run.Phase,
		&run.NCells,
		&run.NGroups,
		&run.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		run.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
