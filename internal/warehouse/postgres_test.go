package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/dmatos-eng/ingestd/internal/models"
)

func TestEncodeRows(t *testing.T) {
	table := &models.Table{
		Columns: []string{"loan_id", "amount_utilized"},
		Rows: [][]string{
			{"L-1", "5000"},
			{"L-2", "1200"},
		},
	}

	payloads, err := encodeRows(table)
	assert.NoError(t, err)
	assert.Len(t, payloads, 2)

	var obj map[string]string
	assert.NoError(t, json.Unmarshal(payloads[0], &obj))
	assert.Equal(t, map[string]string{"loan_id": "L-1", "amount_utilized": "5000"}, obj)
}

func TestDatasetTableName(t *testing.T) {
	assert.Equal(t, "ingested_loans", datasetTableName("loans"))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.True(t, isTransient(fmt.Errorf("wrapped: %w", context.Canceled)))

	// Connection and resource errors retry, constraint errors do not.
	assert.True(t, isTransient(&pgconn.PgError{Code: "08006"}))
	assert.True(t, isTransient(&pgconn.PgError{Code: "53300"}))
	assert.True(t, isTransient(&pgconn.PgError{Code: "57P01"}))
	assert.True(t, isTransient(&pgconn.PgError{Code: "40001"}))
	assert.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isTransient(&pgconn.PgError{Code: "42P01"}))

	assert.True(t, isTransient(errors.New("unexpected EOF")))
}

func TestWriteError(t *testing.T) {
	cause := &pgconn.PgError{Code: "23505"}
	err := classify(fmt.Errorf("error copying rows: %w", cause))

	assert.False(t, err.Transient())
	assert.ErrorContains(t, err, "error copying rows")

	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))
}
