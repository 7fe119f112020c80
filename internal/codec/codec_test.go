package codec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecode_CSV(t *testing.T) {
	path := writeFile(t, "loans.csv", "loan_id,amount\nL-1,5000\nL-2,12000\n")

	table, err := New().Decode(context.Background(), path)
	assert.NoError(t, err)
	assert.Equal(t, []string{"loan_id", "amount"}, table.Columns)
	assert.Len(t, table.Rows, 2)
	assert.Equal(t, []string{"L-2", "12000"}, table.Rows[1])
}

func TestDecode_SniffsDelimiter(t *testing.T) {
	cases := map[string]string{
		"semicolon.txt": "a;b;c\n1;2;3\n",
		"pipe.txt":      "a|b|c\n1|2|3\n",
		"tab.txt":       "a\tb\tc\n1\t2\t3\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, name, content)
			table, err := New().Decode(context.Background(), path)
			assert.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, table.Columns)
			assert.Equal(t, []string{"1", "2", "3"}, table.Rows[0])
		})
	}
}

func TestDecode_JSON(t *testing.T) {
	path := writeFile(t, "tickets.json", `[
		{"ticket_id": "T-1", "severity": 3, "open": true},
		{"ticket_id": "T-2", "note": "dup"}
	]`)

	table, err := New().Decode(context.Background(), path)
	assert.NoError(t, err)
	// Columns are the sorted union of keys across records.
	assert.Equal(t, []string{"note", "open", "severity", "ticket_id"}, table.Columns)
	assert.Equal(t, []string{"", "true", "3", "T-1"}, table.Rows[0])
	assert.Equal(t, []string{"dup", "", "", "T-2"}, table.Rows[1])
}

func TestDecode_EmptyFile(t *testing.T) {
	path := writeFile(t, "empty.csv", "  \n")

	_, err := New().Decode(context.Background(), path)
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestDecode_HeaderOnly(t *testing.T) {
	path := writeFile(t, "header.csv", "loan_id,amount\n")

	_, err := New().Decode(context.Background(), path)
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestDecode_InvalidEncoding(t *testing.T) {
	path := writeFile(t, "bad.csv", "loan_id\n\xff\xfe\n")

	_, err := New().Decode(context.Background(), path)
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestDecode_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "report.xlsx", "not really a spreadsheet")

	_, err := New().Decode(context.Background(), path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecode_RaggedCSV(t *testing.T) {
	path := writeFile(t, "ragged.csv", "a,b\n1,2\n3\n")

	_, err := New().Decode(context.Background(), path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecode_MalformedJSON(t *testing.T) {
	path := writeFile(t, "broken.json", `{"not": "an array"}`)

	_, err := New().Decode(context.Background(), path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecode_CancelledContext(t *testing.T) {
	path := writeFile(t, "loans.csv", "a\n1\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Decode(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}
