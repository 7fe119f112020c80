package checksum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetFileChecksum(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	assert.NoError(t, os.WriteFile(a, []byte("loan_id\nL-1\n"), 0o644))
	assert.NoError(t, os.WriteFile(b, []byte("loan_id\nL-1\n"), 0o644))

	sumA, err := GetFileChecksum(a)
	assert.NoError(t, err)
	assert.NotEmpty(t, sumA)

	// Identical content hashes identically regardless of path.
	sumB, err := GetFileChecksum(b)
	assert.NoError(t, err)
	assert.Equal(t, sumA, sumB)

	assert.NoError(t, os.WriteFile(b, []byte("loan_id\nL-2\n"), 0o644))
	sumB2, err := GetFileChecksum(b)
	assert.NoError(t, err)
	assert.NotEqual(t, sumA, sumB2)
}

func TestGetFileChecksum_MissingFile(t *testing.T) {
	_, err := GetFileChecksum(filepath.Join(t.TempDir(), "absent.csv"))
	assert.Error(t, err)
}
