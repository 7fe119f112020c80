package codec

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dmatos-eng/ingestd/internal/models"
)

// Decode error classifications. Everything wrapped in one of these is a
// permanent property of the input; other errors (open/read failures) are
// transient I/O.
var (
	ErrEmptyFile = errors.New("codec: file is empty")
	ErrCorrupt   = errors.New("codec: corrupt input")
	ErrEncoding  = errors.New("codec: invalid encoding")
)

// Decoder turns raw files into tables. Supported extensions: .csv and
// .txt with delimiter sniffing, and .json holding an array of records.
type Decoder struct{}

func New() *Decoder { return &Decoder{} }

// Decode reads the file at path into a Table.
func (d *Decoder) Decode(ctx context.Context, path string) (*models.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("codec: reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrEncoding, path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".txt":
		return decodeDelimited(data, path)
	case ".json":
		return decodeJSON(data, path)
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q in %s", ErrCorrupt, ext, path)
	}
}

// sniffDelimiter picks the most frequent candidate separator in the first
// chunk of the file, falling back to a comma.
func sniffDelimiter(data []byte) rune {
	sample := data
	if len(sample) > 2048 {
		sample = sample[:2048]
	}
	if i := bytes.IndexByte(sample, '\n'); i > 0 {
		sample = sample[:i]
	}

	best, bestCount := ',', 0
	for _, cand := range []rune{',', ';', '\t', '|'} {
		if n := bytes.Count(sample, []byte(string(cand))); n > bestCount {
			best, bestCount = cand, n
		}
	}
	return best
}

func decodeDelimited(data []byte, path string) (*models.Table, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header of %s: %v", ErrCorrupt, path, err)
	}

	table := &models.Table{Columns: header}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrCorrupt, path, err)
		}
		table.Rows = append(table.Rows, record)
	}

	if len(table.Rows) == 0 {
		return nil, fmt.Errorf("%w: %s has only a header", ErrEmptyFile, path)
	}
	return table, nil
}

func decodeJSON(data []byte, path string) (*models.Table, error) {
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrCorrupt, path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s holds no records", ErrEmptyFile, path)
	}

	// Column order is the sorted union of keys so decoding is deterministic.
	seen := make(map[string]struct{})
	var columns []string
	for _, rec := range records {
		for k := range rec {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	table := &models.Table{Columns: columns}
	for _, rec := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = stringify(rec[col])
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
