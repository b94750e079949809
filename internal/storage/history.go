package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/forager/internal/domain"
	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver for the history database
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS pool_metrics (
	pool_id         TEXT NOT NULL,
	ts              INTEGER NOT NULL,
	token0          TEXT NOT NULL,
	token1          TEXT NOT NULL,
	tvl_usd         TEXT NOT NULL,
	volume_24h_usd  TEXT NOT NULL,
	apr_total       REAL NOT NULL,
	apr_fee         REAL NOT NULL,
	apr_incentive   REAL NOT NULL,
	gas_price_gwei  REAL NOT NULL,
	stable          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (pool_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_pool_metrics_ts ON pool_metrics (ts);
`

// OpenHistory opens the append-heavy metrics database with the cgo SQLite
// driver and ensures its schema. The document store stays on the pure Go
// driver; this database takes a burst of writes every cycle.
func OpenHistory(path string) (*sql.DB, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite writers serialize anyway

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return db, nil
}

// MetricsHistory provides access to the historical pool metrics.
type MetricsHistory struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMetricsHistory creates a new history accessor.
func NewMetricsHistory(db *sql.DB, log zerolog.Logger) *MetricsHistory {
	return &MetricsHistory{
		db:  db,
		log: log.With().Str("component", "metrics_history").Logger(),
	}
}

// EnsureSchema creates the history tables when the accessor wraps a
// connection that OpenHistory did not produce.
func (h *MetricsHistory) EnsureSchema() error {
	if _, err := h.db.Exec(historySchema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// AppendBatch writes one cycle's metric snapshots in a single transaction.
// Re-appending the same (pool, timestamp) replaces the row.
func (h *MetricsHistory) AppendBatch(metrics []domain.PoolMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if Commit succeeds

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO pool_metrics
		(pool_id, ts, token0, token1, tvl_usd, volume_24h_usd, apr_total, apr_fee, apr_incentive, gas_price_gwei, stable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		stable := 0
		if m.Stable {
			stable = 1
		}
		_, err = stmt.Exec(
			m.PoolID,
			m.Timestamp.Unix(),
			m.Token0,
			m.Token1,
			m.TVLUSD.String(),
			m.Volume24hUSD.String(),
			m.APRTotal,
			m.APRFee,
			m.APRIncentive,
			m.GasPriceGwei,
			stable,
		)
		if err != nil {
			return fmt.Errorf("failed to insert metric for %s: %w", m.PoolID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	h.log.Debug().Int("count", len(metrics)).Msg("Appended metric batch")
	return nil
}

// Append writes a single metric snapshot.
func (h *MetricsHistory) Append(m domain.PoolMetric) error {
	return h.AppendBatch([]domain.PoolMetric{m})
}

// Recent fetches metrics for a pool since the cutoff, oldest first.
// A limit of 0 means no limit.
func (h *MetricsHistory) Recent(poolID string, since time.Time, limit int) ([]domain.PoolMetric, error) {
	query := `
		SELECT pool_id, ts, token0, token1, tvl_usd, volume_24h_usd, apr_total, apr_fee, apr_incentive, gas_price_gwei, stable
		FROM pool_metrics
		WHERE pool_id = ? AND ts >= ?
		ORDER BY ts ASC
	`
	args := []any{poolID, since.Unix()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent metrics: %w", err)
	}
	defer rows.Close()

	return scanMetrics(rows)
}

// Latest fetches the most recent metric for a pool.
// Returns nil if no metric found (not an error).
func (h *MetricsHistory) Latest(poolID string) (*domain.PoolMetric, error) {
	rows, err := h.db.Query(`
		SELECT pool_id, ts, token0, token1, tvl_usd, volume_24h_usd, apr_total, apr_fee, apr_incentive, gas_price_gwei, stable
		FROM pool_metrics
		WHERE pool_id = ?
		ORDER BY ts DESC
		LIMIT 1
	`, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest metric: %w", err)
	}
	defer rows.Close()

	metrics, err := scanMetrics(rows)
	if err != nil {
		return nil, err
	}
	if len(metrics) == 0 {
		return nil, nil
	}
	return &metrics[0], nil
}

// TrackedPools returns the distinct pool ids with at least one metric
// since the cutoff.
func (h *MetricsHistory) TrackedPools(since time.Time) ([]string, error) {
	rows, err := h.db.Query(
		`SELECT DISTINCT pool_id FROM pool_metrics WHERE ts >= ? ORDER BY pool_id`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked pools: %w", err)
	}
	defer rows.Close()

	var pools []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pool id: %w", err)
		}
		pools = append(pools, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked pools: %w", err)
	}
	return pools, nil
}

// DeleteOlderThan removes metrics older than the threshold.
// Used by the maintenance job to prevent unbounded table growth.
func (h *MetricsHistory) DeleteOlderThan(olderThan time.Time) error {
	result, err := h.db.Exec(`DELETE FROM pool_metrics WHERE ts < ?`, olderThan.Unix())
	if err != nil {
		return fmt.Errorf("failed to delete stale metrics: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		h.log.Info().
			Int64("rows_deleted", rowsAffected).
			Time("older_than", olderThan).
			Msg("Deleted stale pool metrics")
	}
	return nil
}

func scanMetrics(rows *sql.Rows) ([]domain.PoolMetric, error) {
	var metrics []domain.PoolMetric
	for rows.Next() {
		var (
			m      domain.PoolMetric
			ts     int64
			tvl    string
			volume string
			stable int
		)
		err := rows.Scan(
			&m.PoolID, &ts, &m.Token0, &m.Token1, &tvl, &volume,
			&m.APRTotal, &m.APRFee, &m.APRIncentive, &m.GasPriceGwei, &stable,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}

		m.Timestamp = time.Unix(ts, 0).UTC()
		m.Stable = stable != 0
		if m.TVLUSD, err = decimal.NewFromString(tvl); err != nil {
			return nil, fmt.Errorf("bad tvl_usd %q: %w", tvl, err)
		}
		if m.Volume24hUSD, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("bad volume_24h_usd %q: %w", volume, err)
		}

		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics: %w", err)
	}
	return metrics, nil
}
