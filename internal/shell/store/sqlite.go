package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	// Open database connection
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStoreError("Ping", "", "", err.Error(), ErrConnectionFailed)
	}
	return nil
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID              string  `db:"id"`
	CommitSHA       string  `db:"commit_sha"`
	Branch          string  `db:"branch"`
	Image           string  `db:"image"`
	Status          string  `db:"status"`
	BuildStatus     string  `db:"build_status"`
	BuildFinishedAt *string `db:"build_finished_at"`
	TestStatus      string  `db:"test_status"`
	TestFinishedAt  *string `db:"test_finished_at"`
	DeployStarted   bool    `db:"deploy_started"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

// targetRow represents a target_results row in the database.
type targetRow struct {
	RunID          string  `db:"run_id"`
	Target         string  `db:"target"`
	State          string  `db:"state"`
	Image          string  `db:"image"`
	EnvironmentURL string  `db:"environment_url"`
	Attempts       int     `db:"attempts"`
	Message        string  `db:"message"`
	ApprovedBy     string  `db:"approved_by"`
	StartedAt      *string `db:"started_at"`
	FinishedAt     *string `db:"finished_at"`
}

const runColumns = `id, commit_sha, branch, image, status, build_status, build_finished_at,
	test_status, test_finished_at, deploy_started, created_at, updated_at`

const targetColumns = `run_id, target, state, image, environment_url, attempts, message,
	approved_by, started_at, finished_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.CreateRun(ctx, run)
	})
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.UpdateRun(ctx, run)
	})
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]domain.PipelineRun, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) ListDeployableRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	return listDeployableRuns(ctx, s.db, limit)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	return createRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	return updateRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]domain.PipelineRun, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListDeployableRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	return listDeployableRuns(ctx, s.tx, limit)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Run Queries
// =============================================================================

func createRun(ctx context.Context, exec executor, run *domain.PipelineRun) error {
	query := `
		INSERT INTO runs (
			id, commit_sha, branch, image, status,
			build_status, build_finished_at, test_status, test_finished_at,
			deploy_started, created_at, updated_at
		) VALUES (
			:id, :commit_sha, :branch, :image, :status,
			:build_status, :build_finished_at, :test_status, :test_finished_at,
			:deploy_started, :created_at, :updated_at
		)`

	_, err := exec.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}

	return saveTargets(ctx, exec, "CreateRun", run)
}

func getRun(ctx context.Context, exec executor, id string) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	var row runRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}

	run, err := rowToRun(&row)
	if err != nil {
		return nil, err
	}
	if err := loadTargets(ctx, exec, []*domain.PipelineRun{run}); err != nil {
		return nil, err
	}
	return run, nil
}

func updateRun(ctx context.Context, exec executor, run *domain.PipelineRun) error {
	query := `
		UPDATE runs SET
			commit_sha = :commit_sha,
			branch = :branch,
			image = :image,
			status = :status,
			build_status = :build_status,
			build_finished_at = :build_finished_at,
			test_status = :test_status,
			test_finished_at = :test_finished_at,
			deploy_started = :deploy_started,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateRun", "run", run.ID, "run not found", ErrNotFound)
	}

	return saveTargets(ctx, exec, "UpdateRun", run)
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]domain.PipelineRun, error) {
	opts = opts.Normalize()

	var where []string
	var args []any
	if opts.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, opts.Branch)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}
	return rowsToRuns(ctx, exec, rows)
}

func listDeployableRuns(ctx context.Context, exec executor, limit int) ([]domain.PipelineRun, error) {
	if limit <= 0 {
		limit = DefaultListOptions().Limit
	}
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE build_status = ? AND test_status = ? AND deploy_started = 0
		ORDER BY created_at ASC LIMIT ?`

	var rows []runRow
	err := exec.SelectContext(ctx, &rows, query,
		string(domain.StageStatusSucceeded), string(domain.StageStatusSucceeded), limit)
	if err != nil {
		return nil, NewStoreError("ListDeployableRuns", "run", "", err.Error(), err)
	}
	return rowsToRuns(ctx, exec, rows)
}

func rowsToRuns(ctx context.Context, exec executor, rows []runRow) ([]domain.PipelineRun, error) {
	ptrs := make([]*domain.PipelineRun, 0, len(rows))
	for i := range rows {
		run, err := rowToRun(&rows[i])
		if err != nil {
			return nil, err
		}
		ptrs = append(ptrs, run)
	}
	if err := loadTargets(ctx, exec, ptrs); err != nil {
		return nil, err
	}

	runs := make([]domain.PipelineRun, 0, len(ptrs))
	for _, run := range ptrs {
		runs = append(runs, *run)
	}
	return runs, nil
}

// =============================================================================
// Target Result Queries
// =============================================================================

func saveTargets(ctx context.Context, exec executor, op string, run *domain.PipelineRun) error {
	query := `
		INSERT INTO target_results (` + targetColumns + `)
		VALUES (
			:run_id, :target, :state, :image, :environment_url, :attempts, :message,
			:approved_by, :started_at, :finished_at
		)
		ON CONFLICT (run_id, target) DO UPDATE SET
			state = excluded.state,
			image = excluded.image,
			environment_url = excluded.environment_url,
			attempts = excluded.attempts,
			message = excluded.message,
			approved_by = excluded.approved_by,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`

	for _, target := range domain.AllTargets {
		res, ok := run.Targets[target]
		if !ok {
			continue
		}
		if _, err := exec.NamedExecContext(ctx, query, targetToRow(run.ID, res)); err != nil {
			return NewStoreError(op, "target_result", run.ID, fmt.Sprintf("%s: %v", target, err), err)
		}
	}
	return nil
}

func loadTargets(ctx context.Context, exec executor, runs []*domain.PipelineRun) error {
	if len(runs) == 0 {
		return nil
	}

	byID := make(map[string]*domain.PipelineRun, len(runs))
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		byID[run.ID] = run
		ids = append(ids, run.ID)
	}

	query, args, err := sqlx.In(`SELECT `+targetColumns+` FROM target_results WHERE run_id IN (?)`, ids)
	if err != nil {
		return NewStoreError("loadTargets", "target_result", "", err.Error(), err)
	}

	var rows []targetRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return NewStoreError("loadTargets", "target_result", "", err.Error(), err)
	}

	for i := range rows {
		run := byID[rows[i].RunID]
		if run == nil {
			continue
		}
		res := rowToTarget(&rows[i])
		run.Targets[res.Target] = res
	}
	return nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func runToRow(run *domain.PipelineRun) map[string]any {
	return map[string]any{
		"id":                run.ID,
		"commit_sha":        run.CommitSHA,
		"branch":            run.Branch,
		"image":             run.Image.String(),
		"status":            string(run.Status()),
		"build_status":      string(run.Build.Status),
		"build_finished_at": formatTime(run.Build.FinishedAt),
		"test_status":       string(run.Test.Status),
		"test_finished_at":  formatTime(run.Test.FinishedAt),
		"deploy_started":    run.Started,
		"created_at":        run.CreatedAt.UTC().Format(timeLayout),
		"updated_at":        run.UpdatedAt.UTC().Format(timeLayout),
	}
}

func targetToRow(runID string, res *domain.TargetResult) map[string]any {
	return map[string]any{
		"run_id":          runID,
		"target":          string(res.Target),
		"state":           string(res.State),
		"image":           res.Image,
		"environment_url": res.EnvironmentURL,
		"attempts":        res.Attempts,
		"message":         res.Message,
		"approved_by":     res.ApprovedBy,
		"started_at":      formatTime(res.StartedAt),
		"finished_at":     formatTime(res.FinishedAt),
	}
}

// rowToRun converts a database row to a domain.PipelineRun without its
// target results.
func rowToRun(row *runRow) (*domain.PipelineRun, error) {
	createdAt, _ := time.Parse(timeLayout, row.CreatedAt)
	updatedAt, _ := time.Parse(timeLayout, row.UpdatedAt)

	var image domain.ImageRef
	if err := image.UnmarshalText([]byte(row.Image)); err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "failed to parse image", ErrInvalidData)
	}

	run := &domain.PipelineRun{
		ID:        row.ID,
		CommitSHA: row.CommitSHA,
		Branch:    row.Branch,
		Image:     image,
		Build: domain.StageResult{
			Status:     domain.StageStatus(row.BuildStatus),
			FinishedAt: parseTime(row.BuildFinishedAt),
		},
		Test: domain.StageResult{
			Status:     domain.StageStatus(row.TestStatus),
			FinishedAt: parseTime(row.TestFinishedAt),
		},
		Targets:   make(map[domain.Target]*domain.TargetResult, len(domain.AllTargets)),
		Started:   row.DeployStarted,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	for _, t := range domain.AllTargets {
		run.Targets[t] = domain.NewTargetResult(t)
	}
	return run, nil
}

func rowToTarget(row *targetRow) *domain.TargetResult {
	return &domain.TargetResult{
		Target:         domain.Target(row.Target),
		State:          domain.TargetState(row.State),
		Image:          row.Image,
		EnvironmentURL: row.EnvironmentURL,
		Attempts:       row.Attempts,
		Message:        row.Message,
		ApprovedBy:     row.ApprovedBy,
		StartedAt:      parseTime(row.StartedAt),
		FinishedAt:     parseTime(row.FinishedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, *s)
	if err != nil {
		return nil
	}
	return &t
}
