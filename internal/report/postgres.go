package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/me/evalflow/internal/plugin"
)

// EnvDatabaseURL is read when database_url is not configured.
const EnvDatabaseURL = "EVALFLOW_DATABASE_URL"

// PostgresParams configure PostgresReport.
type PostgresParams struct {
	plugin.BaseParams
	DatabaseURL   string `json:"database_url"`
	PostgresTable string `json:"postgres_table" validate:"required"`
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Postgres inserts one row per aggregate stat of the unit, all sharing a
// run id, inside a single transaction.
type Postgres struct {
	dsn    string
	table  string
	logger *slog.Logger
}

func newPostgres(p any, env plugin.Env) (any, error) {
	pp := p.(*PostgresParams)
	dsn := pp.DatabaseURL
	if dsn == "" {
		dsn = os.Getenv(EnvDatabaseURL)
	}
	if dsn == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	if !tableNameRe.MatchString(pp.PostgresTable) {
		return nil, fmt.Errorf("invalid postgres_table %q", pp.PostgresTable)
	}
	return &Postgres{dsn: dsn, table: pp.PostgresTable, logger: env.Logger}, nil
}

// StatRow is one inserted row.
type StatRow struct {
	RunID  uuid.UUID
	UnitID string
	Metric string
	Split  string
	Count  int
	Sum    float64
	Mean   float64
}

// Rows flattens the aggregate stats of in.
func Rows(runID uuid.UUID, in *plugin.ReportInput) []StatRow {
	rows := make([]StatRow, 0, len(in.Stats))
	for _, st := range sortedStats(in.Stats) {
		rows = append(rows, StatRow{
			RunID:  runID,
			UnitID: in.UnitID,
			Metric: st.Name.Name,
			Split:  st.Name.Split,
			Count:  st.Count,
			Sum:    st.Sum,
			Mean:   mean(st),
		})
	}
	return rows
}

// Render implements plugin.Report.
func (r *Postgres) Render(ctx context.Context, in *plugin.ReportInput) error {
	pool, err := pgxpool.New(ctx, r.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id     UUID NOT NULL,
		unit_id    TEXT NOT NULL,
		metric     TEXT NOT NULL,
		split      TEXT NOT NULL DEFAULT '',
		count      INTEGER NOT NULL,
		sum        DOUBLE PRECISION NOT NULL,
		mean       DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, r.table)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	runID := uuid.New()
	rows := Rows(runID, in)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(fmt.Sprintf(
			`INSERT INTO %s (run_id, unit_id, metric, split, count, sum, mean) VALUES ($1, $2, $3, $4, $5, $6, $7)`, r.table),
			row.RunID, row.UnitID, row.Metric, row.Split, row.Count, row.Sum, row.Mean)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert stats: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	r.logger.Info("report stored", "unit", in.UnitID, "run_id", runID, "rows", len(rows))
	return nil
}

