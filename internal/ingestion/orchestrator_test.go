package ingestion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/dmatos-eng/ingestd/internal/codec"
	"github.com/dmatos-eng/ingestd/internal/models"
	"github.com/dmatos-eng/ingestd/internal/schema"
	"github.com/dmatos-eng/ingestd/internal/status"
	"github.com/dmatos-eng/ingestd/internal/watcher"
)

// MockDecoder is a mock implementation of the Decoder interface.
type MockDecoder struct {
	mock.Mock
}

func (m *MockDecoder) Decode(ctx context.Context, path string) (*models.Table, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Table), args.Error(1)
}

// MockTransformer is a mock implementation of the Transformer interface.
type MockTransformer struct {
	mock.Mock
}

func (m *MockTransformer) Transform(ctx context.Context, table *models.Table, datasetKey string, partition models.PartitionKey) (*models.Table, error) {
	args := m.Called(ctx, table, datasetKey, partition)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Table), args.Error(1)
}

// MockPersister is a mock implementation of the Persister interface.
type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) Persist(ctx context.Context, table *models.Table, datasetKey string, partition models.PartitionKey) error {
	args := m.Called(ctx, table, datasetKey, partition)
	return args.Error(0)
}

// MockRuleSource is a mock implementation of the RuleSource interface.
type MockRuleSource struct {
	mock.Mock
}

func (m *MockRuleSource) RulesFor(datasetKey string) ([]schema.Rule, error) {
	args := m.Called(datasetKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schema.Rule), args.Error(1)
}

// captureNotifier records every event it receives.
type captureNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureNotifier) Notify(e models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureNotifier) all() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

type fixture struct {
	store       *status.Store
	decoder     *MockDecoder
	transformer *MockTransformer
	persister   *MockPersister
	rules       *MockRuleSource
	notifier    *captureNotifier
	orch        *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := status.Open(filepath.Join(t.TempDir(), "status.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = 1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 4 * time.Millisecond
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = time.Second
	}
	f := &fixture{
		store:       store,
		decoder:     new(MockDecoder),
		transformer: new(MockTransformer),
		persister:   new(MockPersister),
		rules:       new(MockRuleSource),
		notifier:    &captureNotifier{},
	}
	f.orch = New(f.store, f.decoder, f.transformer, f.persister, f.rules, f.notifier, cfg)
	return f
}

func (f *fixture) discover(t *testing.T, path string) models.FileRecord {
	t.Helper()
	rec, err := f.store.CreateIfAbsent(path, "loans", testPartition(), "sum-1")
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func testPartition() models.PartitionKey {
	return models.PartitionKey{
		Date: time.Date(2025, 5, 17, 0, 0, 0, 0, time.UTC),
		Hour: 8,
	}
}

func decodedTable() *models.Table {
	return &models.Table{
		Columns: []string{"loan_id", "amount_utilized"},
		Rows:    [][]string{{"L-1", "5000"}},
	}
}

func TestProcess_HappyPathReachesCompleted(t *testing.T) {
	f := newFixture(t, Config{})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)

	decoded := decodedTable()
	transformed := decodedTable()
	f.decoder.On("Decode", mock.Anything, path).Return(decoded, nil).Once()
	f.rules.On("RulesFor", "loans").Return([]schema.Rule{}, nil).Once()
	f.transformer.On("Transform", mock.Anything, decoded, "loans", testPartition()).Return(transformed, nil).Once()
	f.persister.On("Persist", mock.Anything, transformed, "loans", testPartition()).Return(nil).Once()

	f.orch.process(context.Background(), path)

	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Nil(t, rec.LastError)
	assert.Empty(t, f.notifier.all())
	f.decoder.AssertExpectations(t)
	f.persister.AssertExpectations(t)
}

func TestProcess_CompletionSummaryAlerts(t *testing.T) {
	f := newFixture(t, Config{CompletionSummary: true})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)

	f.decoder.On("Decode", mock.Anything, path).Return(decodedTable(), nil)
	f.rules.On("RulesFor", "loans").Return([]schema.Rule{}, nil)
	f.transformer.On("Transform", mock.Anything, mock.Anything, "loans", testPartition()).Return(decodedTable(), nil)
	f.persister.On("Persist", mock.Anything, mock.Anything, "loans", testPartition()).Return(nil)

	f.orch.process(context.Background(), path)

	events := f.notifier.all()
	assert.Len(t, events, 1)
	assert.Equal(t, models.EventCompleted, events[0].Kind)
}

func TestProcess_SchemaViolationRejects(t *testing.T) {
	f := newFixture(t, Config{})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)

	// The decoded table has no interest_rate column, so the required rule
	// cannot be satisfied.
	rules := []schema.Rule{{Field: "interest_rate", Type: schema.TypeFloat, Required: true}}
	f.decoder.On("Decode", mock.Anything, path).Return(decodedTable(), nil)
	f.rules.On("RulesFor", "loans").Return(rules, nil)

	f.orch.process(context.Background(), path)

	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusRejected, rec.Status)
	assert.Equal(t, models.ErrorSchemaViolation, rec.LastError.Kind)

	events := f.notifier.all()
	assert.Len(t, events, 1)
	assert.Equal(t, models.EventRejected, events[0].Kind)
	assert.Contains(t, events[0].Details, "1 violation(s)")
	f.transformer.AssertNotCalled(t, "Transform", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.persister.AssertNotCalled(t, "Persist", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_MissingRulesFails(t *testing.T) {
	f := newFixture(t, Config{})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)

	f.decoder.On("Decode", mock.Anything, path).Return(decodedTable(), nil)
	f.rules.On("RulesFor", "loans").Return(nil, fmt.Errorf("%w: loans", schema.ErrNoRules))

	f.orch.process(context.Background(), path)

	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, models.ErrorNoRules, rec.LastError.Kind)
}

func TestProcess_CorruptInputFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, Config{})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)

	f.decoder.On("Decode", mock.Anything, path).
		Return(nil, fmt.Errorf("%w: bad header", codec.ErrCorrupt)).Once()

	f.orch.process(context.Background(), path)

	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, models.ErrorCorruptInput, rec.LastError.Kind)
	f.decoder.AssertNumberOfCalls(t, "Decode", 1)

	events := f.notifier.all()
	assert.Len(t, events, 1)
	assert.Equal(t, models.EventFailed, events[0].Kind)
}

func TestProcess_TransientPersistRetriesUpToMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)

	f.decoder.On("Decode", mock.Anything, path).Return(decodedTable(), nil)
	f.rules.On("RulesFor", "loans").Return([]schema.Rule{}, nil)
	f.transformer.On("Transform", mock.Anything, mock.Anything, "loans", testPartition()).Return(decodedTable(), nil)
	f.persister.On("Persist", mock.Anything, mock.Anything, "loans", testPartition()).
		Return(errors.New("connection refused"))

	f.orch.process(context.Background(), path)

	f.persister.AssertNumberOfCalls(t, "Persist", 3)
	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError.Message, "giving up after 3 attempts")

	events := f.notifier.all()
	assert.Len(t, events, 1)
	assert.Equal(t, models.EventFailed, events[0].Kind)
}

func TestProcess_TransientFailureThenSuccess(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)

	f.decoder.On("Decode", mock.Anything, path).Return(decodedTable(), nil)
	f.rules.On("RulesFor", "loans").Return([]schema.Rule{}, nil)
	f.transformer.On("Transform", mock.Anything, mock.Anything, "loans", testPartition()).Return(decodedTable(), nil)
	f.persister.On("Persist", mock.Anything, mock.Anything, "loans", testPartition()).
		Return(errors.New("connection refused")).Twice()
	f.persister.On("Persist", mock.Anything, mock.Anything, "loans", testPartition()).
		Return(nil).Once()

	f.orch.process(context.Background(), path)

	f.persister.AssertNumberOfCalls(t, "Persist", 3)
	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Nil(t, rec.LastError)
	assert.Empty(t, f.notifier.all())
}

func TestProcess_ResumesFromLoadingAfterCrash(t *testing.T) {
	f := newFixture(t, Config{})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)
	f.store.Transition(path, models.StatusDiscovered, models.StatusDecoding, nil)
	f.store.Transition(path, models.StatusDecoding, models.StatusValidating, nil)
	f.store.Transition(path, models.StatusValidating, models.StatusTransforming, nil)
	f.store.Transition(path, models.StatusTransforming, models.StatusLoading, nil)

	// A fresh worker has no in-memory table, so the idempotent earlier
	// stages run again before the single persist.
	f.decoder.On("Decode", mock.Anything, path).Return(decodedTable(), nil).Once()
	f.transformer.On("Transform", mock.Anything, mock.Anything, "loans", testPartition()).Return(decodedTable(), nil).Once()
	f.persister.On("Persist", mock.Anything, mock.Anything, "loans", testPartition()).Return(nil).Once()

	f.orch.process(context.Background(), path)

	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	f.persister.AssertNumberOfCalls(t, "Persist", 1)
	f.rules.AssertNotCalled(t, "RulesFor", mock.Anything)
}

func TestProcess_TerminalRecordIsUntouched(t *testing.T) {
	f := newFixture(t, Config{})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)
	f.store.Transition(path, models.StatusDiscovered, models.StatusFailed, &models.ErrorInfo{
		Kind: models.ErrorCorruptInput, Message: "bad", At: time.Now(),
	})

	f.orch.process(context.Background(), path)

	f.decoder.AssertNotCalled(t, "Decode", mock.Anything, mock.Anything)
	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusFailed, rec.Status)
}

func TestRegister(t *testing.T) {
	f := newFixture(t, Config{})
	d := watcher.Discovery{
		Path:       "/data/loans/2025-05-17/08/l.csv",
		DatasetKey: "loans",
		Partition:  testPartition(),
		Checksum:   "sum-1",
	}

	assert.True(t, f.orch.register(d), "unknown path registers")
	assert.False(t, f.orch.register(d), "a live record is not re-registered")

	f.store.Transition(d.Path, models.StatusDiscovered, models.StatusFailed, &models.ErrorInfo{
		Kind: models.ErrorTransient, Message: "gone", At: time.Now(),
	})
	assert.False(t, f.orch.register(d), "terminal with unchanged checksum stays put")

	d.Checksum = "sum-2"
	assert.True(t, f.orch.register(d), "terminal with new content re-enters the pipeline")
	rec, _ := f.store.Get(d.Path)
	assert.Equal(t, models.StatusDiscovered, rec.Status)
	assert.Equal(t, "sum-2", rec.Checksum)
}

func TestRun_ProcessesDiscoveriesUntilChannelCloses(t *testing.T) {
	f := newFixture(t, Config{NumWorkers: 2})
	path := "/data/loans/2025-05-17/08/l.csv"

	f.decoder.On("Decode", mock.Anything, path).Return(decodedTable(), nil)
	f.rules.On("RulesFor", "loans").Return([]schema.Rule{}, nil)
	f.transformer.On("Transform", mock.Anything, mock.Anything, "loans", testPartition()).Return(decodedTable(), nil)
	f.persister.On("Persist", mock.Anything, mock.Anything, "loans", testPartition()).Return(nil)

	discoveries := make(chan watcher.Discovery, 1)
	discoveries <- watcher.Discovery{
		Path:       path,
		DatasetKey: "loans",
		Partition:  testPartition(),
		Checksum:   "sum-1",
	}
	close(discoveries)

	err := f.orch.Run(context.Background(), discoveries)
	assert.NoError(t, err)

	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusCompleted, rec.Status)
}

func TestRun_ReplaysPendingRecordsOnStartup(t *testing.T) {
	f := newFixture(t, Config{Staleness: time.Minute})
	path := "/data/loans/2025-05-17/08/l.csv"
	f.discover(t, path)

	f.decoder.On("Decode", mock.Anything, path).Return(decodedTable(), nil)
	f.rules.On("RulesFor", "loans").Return([]schema.Rule{}, nil)
	f.transformer.On("Transform", mock.Anything, mock.Anything, "loans", testPartition()).Return(decodedTable(), nil)
	f.persister.On("Persist", mock.Anything, mock.Anything, "loans", testPartition()).Return(nil)

	discoveries := make(chan watcher.Discovery)
	close(discoveries)

	err := f.orch.Run(context.Background(), discoveries)
	assert.NoError(t, err)

	rec, _ := f.store.Get(path)
	assert.Equal(t, models.StatusCompleted, rec.Status)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.orch.Run(ctx, make(chan watcher.Discovery))
	assert.NoError(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.ErrorCorruptInput, classify(fmt.Errorf("%w: x", codec.ErrEmptyFile)))
	assert.Equal(t, models.ErrorNoRules, classify(fmt.Errorf("%w: x", schema.ErrNoRules)))
	assert.Equal(t, models.ErrorTransient, classify(errors.New("i/o timeout")))
}
