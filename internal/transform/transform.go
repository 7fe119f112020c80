package transform

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dmatos-eng/ingestd/internal/models"
)

// Logic errors: re-running without a fixed input or configuration would
// reproduce them, so the orchestrator treats them as terminal.
var (
	ErrUnknownDataset = errors.New("transform: no transformer for dataset")
	ErrMissingColumn  = errors.New("transform: missing source column")
	ErrBadValue       = errors.New("transform: unparsable value")
)

type datasetFunc func(t *models.Table, ref time.Time) error

// Transformer derives the per-dataset business columns and encrypts
// sensitive fields. Safe to re-run: it never mutates its input and the
// derived values depend only on the table and the partition date.
type Transformer struct {
	cipher    Cipher
	sensitive map[string][]string
}

// DefaultSensitiveColumns maps dataset keys to the columns that must be
// encrypted before leaving the pipeline. Columns absent from a given file
// are skipped.
var DefaultSensitiveColumns = map[string][]string{
	"customer_profiles": {"email", "phone"},
	"transactions":      {"sender_account", "receiver_account"},
}

func New(c Cipher, sensitive map[string][]string) *Transformer {
	if c == nil {
		c = NoopCipher{}
	}
	if sensitive == nil {
		sensitive = DefaultSensitiveColumns
	}
	return &Transformer{cipher: c, sensitive: sensitive}
}

var transformers = map[string]datasetFunc{
	"customer_profiles":    transformCustomerProfiles,
	"support_tickets":      transformSupportTickets,
	"credit_cards_billing": transformCreditCardsBilling,
	"transactions":         transformTransactions,
	"loans":                transformLoans,
}

// Transform returns a new table with the dataset's derived columns added
// and its sensitive columns encrypted. The partition date is the reference
// time for every age/tenure computation.
func (tr *Transformer) Transform(ctx context.Context, table *models.Table, datasetKey string, partition models.PartitionKey) (*models.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fn, ok := transformers[datasetKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, datasetKey)
	}

	out := table.Clone()
	if err := fn(out, partition.Date); err != nil {
		return nil, err
	}
	if err := tr.encryptSensitive(out, datasetKey); err != nil {
		return nil, err
	}
	return out, nil
}

func (tr *Transformer) encryptSensitive(t *models.Table, datasetKey string) error {
	for _, name := range tr.sensitive[datasetKey] {
		col := t.ColumnIndex(name)
		if col < 0 {
			continue
		}
		for i, row := range t.Rows {
			enc, err := tr.cipher.Encrypt(row[col])
			if err != nil {
				return fmt.Errorf("transform: encrypting %s row %d: %w", name, i, err)
			}
			t.Rows[i][col] = enc
		}
	}
	return nil
}

func column(t *models.Table, name string) (int, error) {
	col := t.ColumnIndex(name)
	if col < 0 {
		return 0, fmt.Errorf("%w: %s", ErrMissingColumn, name)
	}
	return col, nil
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// tenure in whole years, then a segment bucket from it.
func transformCustomerProfiles(t *models.Table, ref time.Time) error {
	col, err := column(t, "account_open_date")
	if err != nil {
		return err
	}

	tenure := make([]string, len(t.Rows))
	segment := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		opened, err := time.Parse("2006-01-02", row[col])
		if err != nil {
			return fmt.Errorf("%w: account_open_date row %d: %v", ErrBadValue, i, err)
		}
		years := int(math.Floor(ref.Sub(opened).Hours() / 24 / 365.25))
		tenure[i] = strconv.Itoa(years)
		switch {
		case years > 5:
			segment[i] = "Loyal"
		case years < 1:
			segment[i] = "Newcomer"
		default:
			segment[i] = "Normal"
		}
	}

	if err := t.AddColumn("tenure", tenure); err != nil {
		return err
	}
	return t.AddColumn("customer_segment", segment)
}

func transformSupportTickets(t *models.Table, ref time.Time) error {
	col, err := column(t, "complaint_date")
	if err != nil {
		return err
	}

	age := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		complained, err := time.Parse("2006-01-02", row[col])
		if err != nil {
			return fmt.Errorf("%w: complaint_date row %d: %v", ErrBadValue, i, err)
		}
		age[i] = strconv.Itoa(int(ref.Sub(complained).Hours() / 24))
	}
	return t.AddColumn("age", age)
}

// Billing settles: debt never below zero, a fine of 5.15 per late day.
func transformCreditCardsBilling(t *models.Table, _ time.Time) error {
	dueCol, err := column(t, "amount_due")
	if err != nil {
		return err
	}
	paidCol, err := column(t, "amount_paid")
	if err != nil {
		return err
	}
	monthCol, err := column(t, "month")
	if err != nil {
		return err
	}
	payDateCol, err := column(t, "payment_date")
	if err != nil {
		return err
	}

	n := len(t.Rows)
	fullyPaid := make([]string, n)
	debt := make([]string, n)
	lateDays := make([]string, n)
	fine := make([]string, n)
	total := make([]string, n)
	for i, row := range t.Rows {
		due, err := strconv.ParseFloat(row[dueCol], 64)
		if err != nil {
			return fmt.Errorf("%w: amount_due row %d: %v", ErrBadValue, i, err)
		}
		paid, err := strconv.ParseFloat(row[paidCol], 64)
		if err != nil {
			return fmt.Errorf("%w: amount_paid row %d: %v", ErrBadValue, i, err)
		}
		dueDate, err := time.Parse("2006-01", row[monthCol])
		if err != nil {
			return fmt.Errorf("%w: month row %d: %v", ErrBadValue, i, err)
		}
		payDate, err := time.Parse("2006-01-02", row[payDateCol])
		if err != nil {
			return fmt.Errorf("%w: payment_date row %d: %v", ErrBadValue, i, err)
		}

		late := int(payDate.Sub(dueDate).Hours() / 24)
		owed := math.Max(due-paid, 0)
		rowFine := math.Max(float64(late), 0) * 5.15

		fullyPaid[i] = strconv.FormatBool(paid >= due)
		debt[i] = strconv.Itoa(int(owed))
		lateDays[i] = strconv.Itoa(late)
		fine[i] = money(rowFine)
		total[i] = money(due + rowFine)
	}

	for _, c := range []struct {
		name string
		vals []string
	}{
		{"fully_paid", fullyPaid},
		{"debt", debt},
		{"late_days", lateDays},
		{"fine", fine},
		{"total_amount", total},
	} {
		if err := t.AddColumn(c.name, c.vals); err != nil {
			return err
		}
	}
	return nil
}

// Flat 0.50 fee plus 0.1% of the amount.
func transformTransactions(t *models.Table, _ time.Time) error {
	col, err := column(t, "transaction_amount")
	if err != nil {
		return err
	}

	cost := make([]string, len(t.Rows))
	total := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		amount, err := strconv.ParseFloat(row[col], 64)
		if err != nil {
			return fmt.Errorf("%w: transaction_amount row %d: %v", ErrBadValue, i, err)
		}
		fee := 0.50 + 0.001*amount
		cost[i] = money(fee)
		total[i] = money(amount + fee)
	}

	if err := t.AddColumn("cost", cost); err != nil {
		return err
	}
	return t.AddColumn("total_amount", total)
}

func transformLoans(t *models.Table, ref time.Time) error {
	dateCol, err := column(t, "utilization_date")
	if err != nil {
		return err
	}
	amountCol, err := column(t, "amount_utilized")
	if err != nil {
		return err
	}

	age := make([]string, len(t.Rows))
	totalCost := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		utilized, err := time.Parse("2006-01-02", row[dateCol])
		if err != nil {
			return fmt.Errorf("%w: utilization_date row %d: %v", ErrBadValue, i, err)
		}
		amount, err := strconv.ParseFloat(row[amountCol], 64)
		if err != nil {
			return fmt.Errorf("%w: amount_utilized row %d: %v", ErrBadValue, i, err)
		}
		age[i] = strconv.Itoa(int(ref.Sub(utilized).Hours() / 24))
		totalCost[i] = money(amount*0.20 + 1000)
	}

	if err := t.AddColumn("age", age); err != nil {
		return err
	}
	return t.AddColumn("total_cost", totalCost)
}
