package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dmatos-eng/ingestd/internal/models"
)

// ErrConflict signals a compare-and-swap transition whose expected status
// no longer matches the stored one: someone else already moved the record.
// Callers treat it as a silent no-op, never as a user-facing failure.
var ErrConflict = errors.New("status: transition conflict")

type document struct {
	Version int                           `json:"version"`
	Records map[string]*models.FileRecord `json:"records"`
}

// Store is the durable, crash-consistent record of each file's processing
// state. It is the single writer for FileRecords; every successful mutation
// is flushed with a temp-write plus atomic rename before the call returns.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
	now  func() time.Time
}

// Open loads the status document at path, creating a fresh one when the
// file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc:  document{Version: 1, Records: make(map[string]*models.FileRecord)},
		now:  time.Now,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("status: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("status: parsing %s: %w", path, err)
	}
	if s.doc.Records == nil {
		s.doc.Records = make(map[string]*models.FileRecord)
	}
	return s, nil
}

// Get returns a copy of the record for a path.
func (s *Store) Get(path string) (models.FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Records[path]
	if !ok {
		return models.FileRecord{}, false
	}
	return rec.Clone(), true
}

// CreateIfAbsent registers a newly discovered file. It is idempotent: when
// a record already exists for the path it is returned unchanged and nothing
// is written.
func (s *Store) CreateIfAbsent(path, datasetKey string, partition models.PartitionKey, checksum string) (models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.doc.Records[path]; ok {
		return rec.Clone(), nil
	}

	now := s.now()
	rec := &models.FileRecord{
		Path:         path,
		DatasetKey:   datasetKey,
		Partition:    partition,
		Status:       models.StatusDiscovered,
		Checksum:     checksum,
		DiscoveredAt: now,
		UpdatedAt:    now,
	}
	s.doc.Records[path] = rec
	if err := s.persistLocked(); err != nil {
		delete(s.doc.Records, path)
		return models.FileRecord{}, err
	}
	return rec.Clone(), nil
}

// Rediscover resets a terminal record whose on-disk content changed (a new
// checksum under the same path). Records still live in the pipeline are
// left alone; the forward-only invariant holds because only terminal
// states can be re-entered this way.
func (s *Store) Rediscover(path string, checksum string) (models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Records[path]
	if !ok {
		return models.FileRecord{}, fmt.Errorf("status: no record for %s", path)
	}
	if !rec.Status.IsTerminal() {
		return models.FileRecord{}, fmt.Errorf("status: %s is %s, not terminal: %w", path, rec.Status, ErrConflict)
	}
	if rec.Checksum == checksum {
		return rec.Clone(), nil
	}

	prev := rec.Clone()
	now := s.now()
	rec.Status = models.StatusDiscovered
	rec.Checksum = checksum
	rec.Attempts = nil
	rec.LastError = nil
	rec.DiscoveredAt = now
	rec.UpdatedAt = now
	if err := s.persistLocked(); err != nil {
		*rec = prev
		return models.FileRecord{}, err
	}
	return rec.Clone(), nil
}

// Transition is the compare-and-swap state update. It fails with
// ErrConflict when the current status differs from expected. A nil errInfo
// marks the expected stage as succeeded: its attempt counter and the last
// error are cleared. A non-nil errInfo records the failure and, for
// non-terminal targets, counts one more attempt against the expected stage.
func (s *Store) Transition(path string, expected, next models.Status, errInfo *models.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Records[path]
	if !ok {
		return fmt.Errorf("status: no record for %s", path)
	}
	if rec.Status != expected {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, path, rec.Status, expected)
	}

	prev := rec.Clone()
	rec.Status = next
	rec.UpdatedAt = s.now()
	if errInfo == nil {
		rec.LastError = nil
		delete(rec.Attempts, expected)
	} else {
		e := *errInfo
		rec.LastError = &e
		if !next.IsTerminal() {
			if rec.Attempts == nil {
				rec.Attempts = make(map[models.Status]int)
			}
			rec.Attempts[expected]++
		}
	}

	if err := s.persistLocked(); err != nil {
		*rec = prev
		return err
	}
	return nil
}

// Pending returns the paths that need a worker after start-up: everything
// still in Discovered, plus in-progress records whose last update is older
// than the staleness threshold. A stale in-progress record is treated as
// crashed mid-stage and replayed from the start of that stage.
func (s *Store) Pending(staleness time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-staleness)
	var paths []string
	for path, rec := range s.doc.Records {
		switch {
		case rec.Status == models.StatusDiscovered:
			paths = append(paths, path)
		case rec.Status.IsInProgress() && rec.UpdatedAt.Before(cutoff):
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// List returns every record, ordered by path.
func (s *Store) List() []models.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FileRecord, 0, len(s.doc.Records))
	for _, rec := range s.doc.Records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Counts returns the number of records per status.
func (s *Store) Counts() map[models.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.Status]int)
	for _, rec := range s.doc.Records {
		counts[rec.Status]++
	}
	return counts
}

// persistLocked writes the whole document to a temporary file, fsyncs it,
// and renames it over the canonical store. Never an in-place partial write.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("status: encoding document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("status: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("status: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("status: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("status: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("status: replacing %s: %w", s.path, err)
	}

	// Make the rename itself durable.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
