package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmatos-eng/ingestd/internal/models"
)

// WriteError classifies a persist failure for the orchestrator's retry
// policy.
type WriteError struct {
	Retryable bool
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("warehouse: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *WriteError) Transient() bool { return e.Retryable }

func ConnectDB(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return pool, nil
}

// Warehouse writes transformed tables into per-dataset PostgreSQL tables,
// one row per payload, keyed by partition. A persist replaces the whole
// partition slice in a single transaction, so re-running it for the same
// partition key never doubles output.
type Warehouse struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Warehouse {
	return &Warehouse{pool: pool}
}

func datasetTableName(datasetKey string) string {
	return "ingested_" + datasetKey
}

// EnsureDatasetTables creates the destination table for every known
// dataset key up front, so per-file persists only ever write data.
func (w *Warehouse) EnsureDatasetTables(ctx context.Context, datasetKeys []string) error {
	for _, key := range datasetKeys {
		table := pgx.Identifier{datasetTableName(key)}.Sanitize()
		query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			partition_date DATE NOT NULL,
			partition_hour INTEGER NOT NULL,
			payload JSONB NOT NULL
		);`, table)
		if _, err := w.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("error creating dataset table %s: %w", table, err)
		}

		index := pgx.Identifier{datasetTableName(key) + "_partition_idx"}.Sanitize()
		indexQuery := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s (partition_date, partition_hour);`,
			index, table)
		if _, err := w.pool.Exec(ctx, indexQuery); err != nil {
			return fmt.Errorf("error creating partition index on %s: %w", table, err)
		}
	}
	return nil
}

// Persist overwrites the partition slice of the dataset table with the
// rows of the given table: delete plus bulk copy inside one transaction.
func (w *Warehouse) Persist(ctx context.Context, table *models.Table, datasetKey string, partition models.PartitionKey) error {
	payloads, err := encodeRows(table)
	if err != nil {
		return &WriteError{Retryable: false, Err: err}
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("error beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	target := pgx.Identifier{datasetTableName(datasetKey)}.Sanitize()
	deleteQuery := fmt.Sprintf(
		`DELETE FROM %s WHERE partition_date = $1 AND partition_hour = $2;`, target)
	if _, err := tx.Exec(ctx, deleteQuery, partition.Date, partition.Hour); err != nil {
		return classify(fmt.Errorf("error clearing partition %s of %s: %w", partition, target, err))
	}

	copySource := pgx.CopyFromSlice(len(payloads), func(i int) ([]interface{}, error) {
		return []interface{}{partition.Date, partition.Hour, payloads[i]}, nil
	})
	n, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{datasetTableName(datasetKey)},
		[]string{"partition_date", "partition_hour", "payload"},
		copySource,
	)
	if err != nil {
		return classify(fmt.Errorf("error copying rows into %s: %w", target, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("error committing transaction: %w", err))
	}

	log.Printf("Persisted %d rows of %s into partition %s", n, datasetKey, partition)
	return nil
}

// encodeRows maps each table row to a JSON object keyed by column name.
func encodeRows(table *models.Table) ([][]byte, error) {
	payloads := make([][]byte, len(table.Rows))
	for i, row := range table.Rows {
		obj := make(map[string]string, len(table.Columns))
		for c, name := range table.Columns {
			if c < len(row) {
				obj[name] = row[c]
			}
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("encoding row %d: %w", i, err)
		}
		payloads[i] = data
	}
	return payloads, nil
}

// classify wraps a database error as a WriteError, marking connection
// loss, timeouts, and resource pressure as retryable.
func classify(err error) *WriteError {
	return &WriteError{Retryable: isTransient(err), Err: err}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		// 08 connection exception, 53 insufficient resources,
		// 57 operator intervention, 40 transaction rollback.
		case "08", "53", "57", "40":
			return true
		}
		return false
	}
	// Unclassified errors are most often broken connections.
	return true
}
