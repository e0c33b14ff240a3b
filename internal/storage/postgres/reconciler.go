// Package postgres persists extracted results into Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/metrics"
	"github.com/JakeFAU/rallyscraper/internal/rally"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrRallyNotFound is returned when no rally in the season matches the name.
var ErrRallyNotFound = errors.New("rally not found")

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN string
	// TablePrefix is prepended to every table name, e.g. "wrc_".
	TablePrefix string
	MaxConns    int32
}

type txBeginner interface {
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Tables holds the fully qualified table names.
type Tables struct {
	Drivers        string
	Rallies        string
	Crews          string
	OverallResults string
}

// TablesFor builds table names from a prefix, rejecting anything that is not
// a plain identifier.
func TablesFor(prefix string) (Tables, error) {
	t := Tables{
		Drivers:        prefix + "drivers",
		Rallies:        prefix + "rallies",
		Crews:          prefix + "crews",
		OverallResults: prefix + "overall_results",
	}
	for _, name := range []string{t.Drivers, t.Rallies, t.Crews, t.OverallResults} {
		if !validTableName.MatchString(name) {
			return Tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

type queries struct {
	insertDriver string
	selectDriver string
	selectRally  string
	upsertCrew   string
	upsertResult string
}

func buildQueries(t Tables) queries {
	return queries{
		insertDriver: fmt.Sprintf(`
INSERT INTO %[1]s (name, full_name)
SELECT $1::text, $2::text
WHERE NOT EXISTS (SELECT 1 FROM %[1]s WHERE name = $1::text)
ON CONFLICT DO NOTHING
RETURNING id`, t.Drivers),
		selectDriver: fmt.Sprintf(`SELECT id FROM %s WHERE name = $1 ORDER BY id LIMIT 1`, t.Drivers),
		selectRally:  fmt.Sprintf(`SELECT id FROM %s WHERE name ILIKE $1 AND season = $2 ORDER BY id LIMIT 1`, t.Rallies),
		upsertCrew: fmt.Sprintf(`
INSERT INTO %[1]s (rally_id, driver_id, team_name, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (rally_id, driver_id) DO UPDATE SET
	team_name = COALESCE(EXCLUDED.team_name, %[1]s.team_name),
	updated_at = CURRENT_TIMESTAMP
RETURNING id`, t.Crews),
		upsertResult: fmt.Sprintf(`
INSERT INTO %[1]s (rally_id, crew_id, overall_position, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (rally_id, crew_id) DO UPDATE SET
	overall_position = COALESCE(EXCLUDED.overall_position, %[1]s.overall_position),
	status = COALESCE(EXCLUDED.status, %[1]s.status),
	updated_at = CURRENT_TIMESTAMP`, t.OverallResults),
	}
}

// Reconciler writes result rows into the drivers, crews and overall_results
// tables. It implements rally.PageReconciler.
type Reconciler struct {
	pool    txBeginner
	tables  Tables
	queries queries
	logger  *zap.Logger
}

// NewReconciler connects to Postgres and verifies the connection.
func NewReconciler(ctx context.Context, cfg Config, logger *zap.Logger) (*Reconciler, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	tables, err := TablesFor(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newReconciler(pool, tables, logger), nil
}

// NewReconcilerWithPool constructs a reconciler from an existing pool (primarily for testing).
func NewReconcilerWithPool(pool txBeginner, tablePrefix string, logger *zap.Logger) (*Reconciler, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables, err := TablesFor(tablePrefix)
	if err != nil {
		return nil, err
	}
	return newReconciler(pool, tables, logger), nil
}

func newReconciler(pool txBeginner, tables Tables, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		pool:    pool,
		tables:  tables,
		queries: buildQueries(tables),
		logger:  logger,
	}
}

// Close releases the underlying pool resources.
func (r *Reconciler) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Ping reports whether the database is reachable.
func (r *Reconciler) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// ReconcilePage persists every row of one rally page inside a single
// transaction. Row failures are contained; a failure to begin or commit the
// transaction discards the whole page.
func (r *Reconciler) ReconcilePage(ctx context.Context, rallyName string, season int, rows []rally.RawResultRow) (rally.PageResult, error) {
	log := r.logger.With(zap.String("rally", rallyName), zap.Int("season", season))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		metrics.ObservePage(metrics.PageRolledBack)
		return rally.PageResult{}, fmt.Errorf("begin page transaction: %w", err)
	}

	var result rally.PageResult
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			r.rollback(ctx, tx, log)
			metrics.ObservePage(metrics.PageRolledBack)
			return rally.PageResult{}, fmt.Errorf("reconcile page: %w", err)
		}
		outcome, err := r.Reconcile(ctx, tx, row, rallyName, season)
		switch outcome {
		case rally.RowSkippedOrphan:
			log.Debug("rally not found; row skipped", zap.String("driver", row.Driver))
		case rally.RowSkippedError:
			log.Warn("row skipped", zap.Int("row", i), zap.String("driver", row.Driver), zap.Error(err))
		}
		result.Record(outcome)
	}

	if err := tx.Commit(ctx); err != nil {
		r.rollback(ctx, tx, log)
		metrics.ObservePage(metrics.PageRolledBack)
		return rally.PageResult{}, fmt.Errorf("commit page transaction: %w", err)
	}

	metrics.ObserveRows(string(rally.RowPersisted), result.Persisted)
	metrics.ObserveRows(string(rally.RowSkippedOrphan), result.Orphaned)
	metrics.ObserveRows(string(rally.RowSkippedError), result.Failed)
	metrics.ObservePage(metrics.PageCommitted)
	log.Info("page reconciled",
		zap.Int("persisted", result.Persisted),
		zap.Int("orphaned", result.Orphaned),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// Reconcile persists one row inside its own savepoint of tx. Orphan rows and
// rows that fail are rolled back to the savepoint and leave no trace.
func (r *Reconciler) Reconcile(ctx context.Context, tx pgx.Tx, row rally.RawResultRow, rallyName string, season int) (rally.RowOutcome, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return rally.RowSkippedError, fmt.Errorf("begin savepoint: %w", err)
	}

	if err := r.reconcileRow(ctx, sp, row, rallyName, season); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback savepoint: %w", rbErr))
		}
		if errors.Is(err, ErrRallyNotFound) {
			return rally.RowSkippedOrphan, err
		}
		return rally.RowSkippedError, err
	}

	if err := sp.Commit(ctx); err != nil {
		return rally.RowSkippedError, fmt.Errorf("release savepoint: %w", err)
	}
	return rally.RowPersisted, nil
}

func (r *Reconciler) reconcileRow(ctx context.Context, q pgx.Tx, row rally.RawResultRow, rallyName string, season int) error {
	if strings.TrimSpace(row.Driver) == "" {
		return fmt.Errorf("driver name is required")
	}
	driverID, err := r.resolveDriver(ctx, q, row.Driver)
	if err != nil {
		return err
	}
	rallyID, err := r.resolveRally(ctx, q, rallyName, season)
	if err != nil {
		return err
	}

	status := string(row.Status())
	var crewID int64
	if err := q.QueryRow(ctx, r.queries.upsertCrew, rallyID, driverID, row.Team, status).Scan(&crewID); err != nil {
		return fmt.Errorf("upsert crew: %w", err)
	}
	if _, err := q.Exec(ctx, r.queries.upsertResult, rallyID, crewID, row.Position, status); err != nil {
		return fmt.Errorf("upsert overall result: %w", err)
	}
	return nil
}

// resolveDriver inserts the driver when absent and returns its id. The name
// is the only identity a driver has.
func (r *Reconciler) resolveDriver(ctx context.Context, q pgx.Tx, name string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, r.queries.insertDriver, name, name).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("insert driver: %w", err)
	}
	if err := q.QueryRow(ctx, r.queries.selectDriver, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("select driver: %w", err)
	}
	return id, nil
}

func (r *Reconciler) resolveRally(ctx context.Context, q pgx.Tx, name string, season int) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, r.queries.selectRally, "%"+escapeLike(name)+"%", season).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q in season %d", ErrRallyNotFound, name, season)
	}
	if err != nil {
		return 0, fmt.Errorf("select rally: %w", err)
	}
	return id, nil
}

func (r *Reconciler) rollback(ctx context.Context, tx pgx.Tx, log *zap.Logger) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		log.Warn("rollback page transaction", zap.Error(err))
	}
}

// escapeLike escapes LIKE metacharacters so the name matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
