package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmatos-eng/ingestd/internal/models"
	"github.com/dmatos-eng/ingestd/pkg/checksum"
)

// Discovery is one file the watcher considers new (or re-arrived with new
// content) and stable.
type Discovery struct {
	Path       string
	DatasetKey string
	Partition  models.PartitionKey
	Checksum   string
}

// RecordSource is the watcher's read-only view of the status store, used
// to reconcile scans so each path is reported exactly once even across
// watcher restarts.
type RecordSource interface {
	Get(path string) (models.FileRecord, bool)
}

// Config drives the polling scan.
type Config struct {
	Root string
	// DatasetDirs maps a directory name under Root to a dataset key.
	// Empty means identity: the lowercased directory or file stem is the key.
	DatasetDirs map[string]string
	// PollInterval is the pause between directory scans.
	PollInterval time.Duration
	// QuietPeriod is how long a file's size and mtime must stay unchanged
	// before it is reported. Guards against reading half-written files.
	QuietPeriod time.Duration
}

type fileState struct {
	size    int64
	modTime time.Time
	since   time.Time
}

// Watcher polls the partitioned directory tree and emits each new file
// exactly once, after it has been quiet long enough to read safely.
type Watcher struct {
	cfg     Config
	records RecordSource
	pending map[string]fileState
	emitted map[string]string // path -> checksum already sent this run
	now     func() time.Time
}

func New(cfg Config, records RecordSource) *Watcher {
	return &Watcher{
		cfg:     cfg,
		records: records,
		pending: make(map[string]fileState),
		emitted: make(map[string]string),
		now:     time.Now,
	}
}

// Run scans until the context is done, sending discoveries on out.
// Transient filesystem errors are logged and retried on the next cycle;
// they never terminate the loop.
func (w *Watcher) Run(ctx context.Context, out chan<- Discovery) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.scan(ctx, out)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scan walks <root>/**/<YYYY-MM-DD>/<HH>/<file> and feeds stable,
// unrecorded files to out. Within one partition directory files are
// emitted in modification order.
func (w *Watcher) scan(ctx context.Context, out chan<- Discovery) {
	partitions, err := w.collectPartitionDirs()
	if err != nil {
		log.Printf("WARN: scan of %s failed, will retry: %v", w.cfg.Root, err)
		return
	}

	for _, dir := range partitions {
		if ctx.Err() != nil {
			return
		}
		w.scanPartitionDir(ctx, dir, out)
	}
}

type partitionDir struct {
	path      string
	dataset   string // empty when the dataset comes from the file stem
	partition models.PartitionKey
}

func (w *Watcher) collectPartitionDirs() ([]partitionDir, error) {
	var dirs []partitionDir

	err := filepath.WalkDir(w.cfg.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == w.cfg.Root {
				return err
			}
			log.Printf("WARN: skipping %s: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		hour, ok := parseHour(d.Name())
		if !ok {
			return nil
		}
		dateDir := filepath.Dir(path)
		date, err2 := time.Parse("2006-01-02", filepath.Base(dateDir))
		if err2 != nil {
			return nil
		}

		dataset := ""
		parent := filepath.Dir(dateDir)
		if filepath.Clean(parent) != filepath.Clean(w.cfg.Root) {
			name := filepath.Base(parent)
			key, ok := w.datasetKeyFor(name)
			if !ok {
				log.Printf("WARN: directory %s is not mapped to a dataset, skipping", parent)
				return filepath.SkipDir
			}
			dataset = key
		}

		dirs = append(dirs, partitionDir{
			path:      path,
			dataset:   dataset,
			partition: models.PartitionKey{Date: date, Hour: hour},
		})
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].path < dirs[j].path })
	return dirs, nil
}

func parseHour(name string) (int, bool) {
	if len(name) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(name)
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	return hour, true
}

func (w *Watcher) datasetKeyFor(name string) (string, bool) {
	if len(w.cfg.DatasetDirs) == 0 {
		return strings.ToLower(name), true
	}
	key, ok := w.cfg.DatasetDirs[name]
	return key, ok
}

func (w *Watcher) scanPartitionDir(ctx context.Context, dir partitionDir, out chan<- Discovery) {
	entries, err := os.ReadDir(dir.path)
	if err != nil {
		log.Printf("WARN: reading %s failed, will retry: %v", dir.path, err)
		return
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			log.Printf("WARN: stat %s failed, will retry: %v", filepath.Join(dir.path, e.Name()), err)
			continue
		}
		candidates = append(candidates, candidate{
			path:    filepath.Join(dir.path, e.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].path < candidates[j].path
		}
		return candidates[i].modTime.Before(candidates[j].modTime)
	})

	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		w.consider(ctx, c.path, dir, out)
	}
}

func (w *Watcher) consider(ctx context.Context, path string, dir partitionDir, out chan<- Discovery) {
	info, err := os.Stat(path)
	if err != nil {
		log.Printf("WARN: stat %s failed, will retry: %v", path, err)
		return
	}

	state, seen := w.pending[path]
	if !seen || state.size != info.Size() || !state.modTime.Equal(info.ModTime()) {
		w.pending[path] = fileState{size: info.Size(), modTime: info.ModTime(), since: w.now()}
		return
	}
	if w.now().Sub(state.since) < w.cfg.QuietPeriod {
		return
	}

	sum, err := checksum.GetFileChecksum(path)
	if err != nil {
		log.Printf("WARN: checksum of %s failed, will retry: %v", path, err)
		return
	}

	// Reconcile against the status store: only unrecorded paths, and
	// terminal records whose content changed, are reported.
	if rec, ok := w.records.Get(path); ok {
		if !rec.Status.IsTerminal() || rec.Checksum == sum {
			delete(w.pending, path)
			return
		}
	}
	if w.emitted[path] == sum {
		return
	}

	dataset := dir.dataset
	if dataset == "" {
		key, ok := w.datasetKeyFor(stem(path))
		if !ok {
			log.Printf("WARN: file %s is not mapped to a dataset, skipping", path)
			delete(w.pending, path)
			return
		}
		dataset = key
	}

	select {
	case out <- Discovery{Path: path, DatasetKey: dataset, Partition: dir.partition, Checksum: sum}:
		w.emitted[path] = sum
		delete(w.pending, path)
	case <-ctx.Done():
	}
}

func stem(path string) string {
	base := filepath.Base(path)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}
