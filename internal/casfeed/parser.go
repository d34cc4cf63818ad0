// Package casfeed parses the daily CAS settlement CSV report.
package casfeed

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Recognized columns, lowercased. Unknown columns are ignored; a missing
// recognized column evaluates to the empty string, so callers must check.
const (
	ColRecordType           = "record type"
	ColSourceTxnType        = "source transaction type"
	ColSourceTxnNo          = "source transaction number"
	ColTargetTxnType        = "target transaction type"
	ColTargetTxnNo          = "target transaction number"
	ColTargetTxnStatus      = "target transaction status"
	ColTargetTxnOriginal    = "target transaction original amount"
	ColTargetTxnOutstanding = "target transaction outstanding amount"
	ColCustomerAccount      = "customer account"
	ColAppID                = "application id"
	ColAppDate              = "application date"
	ColAppAmount            = "application amount"
	ColReversalReasonCode   = "reversal reason code"
	ColReversalReasonDesc   = "reversal reason desc"
)

// Record types in the first column.
const (
	RecordPAD  = "PAD"
	RecordPADR = "PADR"
	RecordPAYR = "PAYR"
	RecordBOLP = "BOLP"
	RecordEFTP = "EFTP"
	RecordONAC = "ONAC"
	RecordCMAP = "CMAP"
	RecordDRWP = "DRWP"
	RecordADJS = "ADJS"
	RecordEFTR = "EFTR"
)

// Target transaction statuses.
const (
	StatusPaid    = "PAID"
	StatusNotPaid = "NOT_PAID"
	StatusPartial = "PARTIAL"
)

// Target transaction types.
const (
	TargetInvoice = "INV"
	TargetReceipt = "RECEIPT"
)

// Row is one settlement line keyed by normalized column name.
type Row map[string]string

// Get returns the value for a recognized column, or "" when the column was
// absent from the file.
func (r Row) Get(col string) string {
	return strings.TrimSpace(r[col])
}

// Decimal parses a money column.
func (r Row) Decimal(col string) (decimal.Decimal, error) {
	raw := r.Get(col)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("column %q is empty", col)
	}
	value, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("column %q: %w", col, err)
	}
	return value, nil
}

// Date parses a date column (DD-MMM-YY, the CAS report format).
func (r Row) Date(col string) (time.Time, error) {
	raw := r.Get(col)
	if raw == "" {
		return time.Time{}, fmt.Errorf("column %q is empty", col)
	}
	for _, layout := range []string{"02-Jan-06", "2006-01-02", "01/02/2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("column %q: unparseable date %q", col, raw)
}

// RecordType returns the row's record type, uppercased.
func (r Row) RecordType() string {
	return strings.ToUpper(r.Get(ColRecordType))
}

// Parse reads the whole report. The first row defines columns; names are
// normalized to lowercase.
func Parse(data []byte) ([]Row, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read settlement csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	columns := make([]string, len(records[0]))
	for i, name := range records[0] {
		columns[i] = strings.ToLower(strings.TrimSpace(name))
	}

	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(Row, len(columns))
		for i, value := range record {
			if i < len(columns) {
				row[columns[i]] = value
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
