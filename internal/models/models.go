package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the processing state of a discovered file. A record moves
// monotonically forward through the pipeline states, looping only inside
// the bounded retry transitions, and stops at one of the terminal states.
type Status string

const (
	StatusDiscovered   Status = "DISCOVERED"
	StatusDecoding     Status = "DECODING"
	StatusValidating   Status = "VALIDATING"
	StatusTransforming Status = "TRANSFORMING"
	StatusLoading      Status = "LOADING"
	StatusCompleted    Status = "COMPLETED"
	StatusRejected     Status = "REJECTED"
	StatusFailed       Status = "FAILED"
)

// IsTerminal reports whether no further automatic transition occurs.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusFailed
}

// IsInProgress reports whether the record was mid-stage. Records found
// in one of these states after a crash are replayed from the start of
// that stage.
func (s Status) IsInProgress() bool {
	switch s {
	case StatusDecoding, StatusValidating, StatusTransforming, StatusLoading:
		return true
	}
	return false
}

// PartitionKey identifies the logical batch and output location of a file:
// the date and hour directories it arrived under.
type PartitionKey struct {
	Date time.Time `json:"date"`
	Hour int       `json:"hour"`
}

func (p PartitionKey) String() string {
	return fmt.Sprintf("%s/%02d", p.Date.Format("2006-01-02"), p.Hour)
}

// ErrorKind classifies a stage failure. The orchestrator's retry policy
// is driven entirely by this classification.
type ErrorKind string

const (
	ErrorTransient       ErrorKind = "TRANSIENT"
	ErrorCorruptInput    ErrorKind = "CORRUPT_INPUT"
	ErrorSchemaViolation ErrorKind = "SCHEMA_VIOLATION"
	ErrorLogic           ErrorKind = "LOGIC"
	ErrorNoRules         ErrorKind = "NO_RULES"
)

// ErrorInfo is the last failure recorded against a file, cleared when
// the stage later succeeds.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// FileRecord is the durable processing state of a single file path. The
// path is the unique identity key; the status store never holds two live
// records for the same path.
type FileRecord struct {
	Path         string         `json:"path"`
	DatasetKey   string         `json:"dataset_key"`
	Partition    PartitionKey   `json:"partition"`
	Status       Status         `json:"status"`
	Attempts     map[Status]int `json:"attempts,omitempty"`
	Checksum     string         `json:"checksum,omitempty"`
	LastError    *ErrorInfo     `json:"last_error,omitempty"`
	DiscoveredAt time.Time      `json:"discovered_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers can hold a record without racing
// the store's single writer.
func (r *FileRecord) Clone() FileRecord {
	out := *r
	if r.Attempts != nil {
		out.Attempts = make(map[Status]int, len(r.Attempts))
		for k, v := range r.Attempts {
			out.Attempts[k] = v
		}
	}
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	return out
}

// Table is a decoded tabular payload: an ordered header plus string-typed
// rows. Typed interpretation happens in the validator and transformer.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ColumnIndex returns the position of a column, or -1 when absent.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (t *Table) Empty() bool {
	return t == nil || len(t.Rows) == 0
}

// Clone copies the table so transformations never mutate the decoder's
// output in place.
func (t *Table) Clone() *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...)}
	out.Rows = make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		out.Rows[i] = append([]string(nil), row...)
	}
	return out
}

// AddColumn appends a derived column. The value slice must cover every row.
func (t *Table) AddColumn(name string, values []string) error {
	if len(values) != len(t.Rows) {
		return fmt.Errorf("column %s has %d values for %d rows", name, len(values), len(t.Rows))
	}
	t.Columns = append(t.Columns, name)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], values[i])
	}
	return nil
}

// EventKind labels a terminal-outcome notification.
type EventKind string

const (
	EventCompleted EventKind = "COMPLETED"
	EventRejected  EventKind = "REJECTED"
	EventFailed    EventKind = "FAILED"
)

// Event is the payload handed to notifiers when a record reaches a
// terminal state.
type Event struct {
	ID         string       `json:"id"`
	Kind       EventKind    `json:"kind"`
	Path       string       `json:"path"`
	DatasetKey string       `json:"dataset_key"`
	Partition  PartitionKey `json:"partition"`
	Details    string       `json:"details"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// NewEvent builds an Event for a record's terminal outcome.
func NewEvent(kind EventKind, rec FileRecord, details string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Path:       rec.Path,
		DatasetKey: rec.DatasetKey,
		Partition:  rec.Partition,
		Details:    details,
		OccurredAt: time.Now(),
	}
}
