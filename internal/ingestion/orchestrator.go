package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmatos-eng/ingestd/internal/codec"
	"github.com/dmatos-eng/ingestd/internal/models"
	"github.com/dmatos-eng/ingestd/internal/notify"
	"github.com/dmatos-eng/ingestd/internal/schema"
	"github.com/dmatos-eng/ingestd/internal/status"
	"github.com/dmatos-eng/ingestd/internal/transform"
	"github.com/dmatos-eng/ingestd/internal/validator"
	"github.com/dmatos-eng/ingestd/internal/watcher"
)

// Decoder turns a file path into a table.
type Decoder interface {
	Decode(ctx context.Context, path string) (*models.Table, error)
}

// Transformer derives the dataset's output table. Must be safe to re-run
// for the same partition key.
type Transformer interface {
	Transform(ctx context.Context, table *models.Table, datasetKey string, partition models.PartitionKey) (*models.Table, error)
}

// Persister writes the output table, overwriting by partition key. Must be
// safe to re-run for the same partition key.
type Persister interface {
	Persist(ctx context.Context, table *models.Table, datasetKey string, partition models.PartitionKey) error
}

// RuleSource resolves the validation rules of a dataset.
type RuleSource interface {
	RulesFor(datasetKey string) ([]schema.Rule, error)
}

// Store is the orchestrator's view of the status store.
type Store interface {
	Get(path string) (models.FileRecord, bool)
	CreateIfAbsent(path, datasetKey string, partition models.PartitionKey, checksum string) (models.FileRecord, error)
	Rediscover(path, checksum string) (models.FileRecord, error)
	Transition(path string, expected, next models.Status, errInfo *models.ErrorInfo) error
	Pending(staleness time.Duration) []string
}

// Config bounds the orchestrator's scheduling and retry policy.
type Config struct {
	NumWorkers   int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	StageTimeout time.Duration
	// Staleness is how long an in-progress record may sit untouched before
	// start-up recovery replays its stage.
	Staleness time.Duration
	// CompletionSummary also alerts on Completed, not only on Rejected/Failed.
	CompletionSummary bool
}

// Orchestrator drives each discovered file through the processing state
// machine. All record advancement goes through the store's compare-and-swap
// transition, so two workers racing on the same path resolve to one winner
// and one silent no-op.
type Orchestrator struct {
	store       Store
	decoder     Decoder
	transformer Transformer
	persister   Persister
	rules       RuleSource
	notifier    notify.Notifier
	cfg         Config
}

func New(store Store, decoder Decoder, transformer Transformer, persister Persister, rules RuleSource, notifier notify.Notifier, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:       store,
		decoder:     decoder,
		transformer: transformer,
		persister:   persister,
		rules:       rules,
		notifier:    notifier,
		cfg:         cfg,
	}
}

// Run consumes watcher discoveries until the context is cancelled. It first
// replays records recovered from the previous run, then feeds the bounded
// worker pool. Workers finish their current stage before stopping; an
// interrupted record stays in its in-progress state for the next start-up.
func (o *Orchestrator) Run(ctx context.Context, discoveries <-chan watcher.Discovery) error {
	jobs := make(chan string, o.cfg.NumWorkers*2)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		return o.dispatch(ctx, discoveries, jobs)
	})
	for i := 0; i < o.cfg.NumWorkers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case path, ok := <-jobs:
					if !ok {
						return nil
					}
					o.process(ctx, path)
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) dispatch(ctx context.Context, discoveries <-chan watcher.Discovery, jobs chan<- string) error {
	pending := o.store.Pending(o.cfg.Staleness)
	if len(pending) > 0 {
		log.Printf("Recovering %d records from previous run", len(pending))
	}
	for _, path := range pending {
		select {
		case jobs <- path:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-discoveries:
			if !ok {
				return nil
			}
			if !o.register(d) {
				continue
			}
			select {
			case jobs <- d.Path:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// register records a discovery in the status store. Returns false when the
// path needs no work (already live in the pipeline, or terminal with
// unchanged content).
func (o *Orchestrator) register(d watcher.Discovery) bool {
	rec, ok := o.store.Get(d.Path)
	if !ok {
		if _, err := o.store.CreateIfAbsent(d.Path, d.DatasetKey, d.Partition, d.Checksum); err != nil {
			log.Printf("ERROR: failed to record discovery of %s: %v", d.Path, err)
			return false
		}
		log.Printf("Discovered %s (dataset %s, partition %s)", d.Path, d.DatasetKey, d.Partition)
		return true
	}

	if rec.Status.IsTerminal() && rec.Checksum != d.Checksum {
		if _, err := o.store.Rediscover(d.Path, d.Checksum); err != nil {
			log.Printf("ERROR: failed to re-discover %s: %v", d.Path, err)
			return false
		}
		log.Printf("Re-discovered %s with new content (was %s)", d.Path, rec.Status)
		return true
	}
	return false
}

// process advances one file until it reaches a terminal state, parks for
// the next restart, or loses a transition race. The local table is the
// output of the most recently completed stage; when nil (stage replay
// after a crash) the earlier idempotent stages are re-run to rebuild it.
func (o *Orchestrator) process(ctx context.Context, path string) {
	var table *models.Table

	for {
		if ctx.Err() != nil {
			return
		}
		rec, ok := o.store.Get(path)
		if !ok || rec.Status.IsTerminal() {
			return
		}

		switch rec.Status {
		case models.StatusDiscovered:
			if o.store.Transition(path, models.StatusDiscovered, models.StatusDecoding, nil) != nil {
				return
			}

		case models.StatusDecoding:
			t, err := o.decode(ctx, rec)
			if err != nil {
				if !o.handleFailure(ctx, rec, models.StatusDecoding, models.StatusDiscovered, err) {
					return
				}
				continue
			}
			table = t
			if o.store.Transition(path, models.StatusDecoding, models.StatusValidating, nil) != nil {
				return
			}

		case models.StatusValidating:
			if table == nil {
				t, err := o.decode(ctx, rec)
				if err != nil {
					if !o.handleFailure(ctx, rec, models.StatusValidating, models.StatusValidating, err) {
						return
					}
					continue
				}
				table = t
			}
			rules, err := o.rules.RulesFor(rec.DatasetKey)
			if err != nil {
				o.fail(rec, models.StatusValidating, models.ErrorNoRules, err.Error())
				return
			}
			result := validator.Validate(table, rules)
			if !result.Valid {
				o.reject(rec, result)
				return
			}
			if o.store.Transition(path, models.StatusValidating, models.StatusTransforming, nil) != nil {
				return
			}

		case models.StatusTransforming:
			if table == nil {
				t, err := o.decode(ctx, rec)
				if err != nil {
					if !o.handleFailure(ctx, rec, models.StatusTransforming, models.StatusTransforming, err) {
						return
					}
					continue
				}
				table = t
			}
			out, err := o.transform(ctx, rec, table)
			if err != nil {
				if !o.handleFailure(ctx, rec, models.StatusTransforming, models.StatusTransforming, err) {
					return
				}
				continue
			}
			table = out
			if o.store.Transition(path, models.StatusTransforming, models.StatusLoading, nil) != nil {
				return
			}

		case models.StatusLoading:
			if table == nil {
				decoded, err := o.decode(ctx, rec)
				if err == nil {
					table, err = o.transform(ctx, rec, decoded)
				}
				if err != nil {
					if !o.handleFailure(ctx, rec, models.StatusLoading, models.StatusLoading, err) {
						return
					}
					continue
				}
			}
			if err := o.persist(ctx, rec, table); err != nil {
				if !o.handleFailure(ctx, rec, models.StatusLoading, models.StatusLoading, err) {
					return
				}
				continue
			}
			if o.store.Transition(path, models.StatusLoading, models.StatusCompleted, nil) == nil {
				o.completed(rec)
			}
			return

		default:
			return
		}
	}
}

func (o *Orchestrator) decode(ctx context.Context, rec models.FileRecord) (*models.Table, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	return o.decoder.Decode(ctx, rec.Path)
}

func (o *Orchestrator) transform(ctx context.Context, rec models.FileRecord, table *models.Table) (*models.Table, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	return o.transformer.Transform(ctx, table, rec.DatasetKey, rec.Partition)
}

func (o *Orchestrator) persist(ctx context.Context, rec models.FileRecord, table *models.Table) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	return o.persister.Persist(ctx, table, rec.DatasetKey, rec.Partition)
}

// handleFailure applies the retry policy for one stage failure. It returns
// true when the caller should keep processing (retry after backoff), false
// when the record is terminal, parked, or owned by someone else.
func (o *Orchestrator) handleFailure(ctx context.Context, rec models.FileRecord, stage, retryTo models.Status, err error) bool {
	kind := classify(err)
	if kind != models.ErrorTransient {
		o.fail(rec, stage, kind, err.Error())
		return false
	}

	info := models.ErrorInfo{Kind: kind, Message: err.Error(), At: time.Now()}
	if o.store.Transition(rec.Path, stage, retryTo, &info) != nil {
		return false
	}

	cur, ok := o.store.Get(rec.Path)
	if !ok {
		return false
	}
	attempts := cur.Attempts[stage]
	if attempts >= o.cfg.MaxAttempts {
		msg := fmt.Sprintf("giving up after %d attempts: %v", attempts, err)
		final := models.ErrorInfo{Kind: models.ErrorTransient, Message: msg, At: time.Now()}
		if o.store.Transition(rec.Path, retryTo, models.StatusFailed, &final) == nil {
			o.alert(models.EventFailed, cur, msg)
		}
		return false
	}

	log.Printf("WARN: %s stage %s attempt %d/%d failed: %v", rec.Path, stage, attempts, o.cfg.MaxAttempts, err)
	return o.backoff(ctx, attempts)
}

// backoff sleeps for the doubling, capped retry delay. Returns false when
// the context ended first.
func (o *Orchestrator) backoff(ctx context.Context, attempt int) bool {
	delay := o.cfg.BackoffBase
	for i := 1; i < attempt && delay < o.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if delay > o.cfg.BackoffCap {
		delay = o.cfg.BackoffCap
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) fail(rec models.FileRecord, stage models.Status, kind models.ErrorKind, msg string) {
	info := models.ErrorInfo{Kind: kind, Message: msg, At: time.Now()}
	if o.store.Transition(rec.Path, stage, models.StatusFailed, &info) == nil {
		o.alert(models.EventFailed, rec, msg)
	}
}

// reject is terminal without retry: a schema violation is a data problem,
// and re-running an unchanged input would reproduce it.
func (o *Orchestrator) reject(rec models.FileRecord, result validator.Result) {
	report := result.Report()
	info := models.ErrorInfo{Kind: models.ErrorSchemaViolation, Message: report, At: time.Now()}
	if o.store.Transition(rec.Path, models.StatusValidating, models.StatusRejected, &info) == nil {
		o.alert(models.EventRejected, rec, fmt.Sprintf("%d violation(s):\n%s", len(result.Violations), report))
	}
}

func (o *Orchestrator) completed(rec models.FileRecord) {
	log.Printf("Completed %s (dataset %s, partition %s)", rec.Path, rec.DatasetKey, rec.Partition)
	if o.cfg.CompletionSummary {
		o.alert(models.EventCompleted, rec, "processing completed")
	}
}

func (o *Orchestrator) alert(kind models.EventKind, rec models.FileRecord, details string) {
	o.notifier.Notify(models.NewEvent(kind, rec, details))
}

// classify maps a stage error onto the retry taxonomy. Errors that know
// their own retryability (the warehouse's write errors) are trusted;
// decode and transform sentinels are permanent input or logic problems;
// anything else, timeouts included, counts as transient.
func classify(err error) models.ErrorKind {
	switch {
	case errors.Is(err, codec.ErrEmptyFile),
		errors.Is(err, codec.ErrCorrupt),
		errors.Is(err, codec.ErrEncoding):
		return models.ErrorCorruptInput
	case errors.Is(err, transform.ErrUnknownDataset),
		errors.Is(err, transform.ErrMissingColumn),
		errors.Is(err, transform.ErrBadValue):
		return models.ErrorLogic
	case errors.Is(err, schema.ErrNoRules):
		return models.ErrorNoRules
	}

	var tr interface{ Transient() bool }
	if errors.As(err, &tr) {
		if tr.Transient() {
			return models.ErrorTransient
		}
		return models.ErrorLogic
	}
	return models.ErrorTransient
}

// Compile-time check that the concrete store satisfies the interface.
var _ Store = (*status.Store)(nil)
