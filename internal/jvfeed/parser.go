// Package jvfeed parses journal-voucher feedback files returned by the
// central finance system.
//
// A feedback file is a sequence of fixed-width records, record class at
// offset 2 width 2. A batch group (BG) names the file it answers; its batch
// header (BH) carries the batch-level return code, then journal headers (JH)
// each followed by their journal details (JD), a batch trailer (BT), and
// optionally invoice headers (IH) for the accounts-payable feed.
package jvfeed

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record classes.
const (
	ClassBatchGroup    = "BG"
	ClassBatchHeader   = "BH"
	ClassJournalHeader = "JH"
	ClassJournalDetail = "JD"
	ClassBatchTrailer  = "BT"
	ClassInvoiceHeader = "IH"
)

// ReturnCodeAccepted is the only return code that means success.
const ReturnCodeAccepted = "0000"

// Debit/credit flags on journal details.
const (
	FlagDebit  = "D"
	FlagCredit = "C"
)

// ObjectCodeReturnedPayment marks a detail that reverses a payment. The
// 4-char field usually carries the code padded with a trailing zero.
const ObjectCodeReturnedPayment = "112"

// BatchGroup opens a batch and names the originating file.
type BatchGroup struct {
	BatchNumber string
	LineNumber  int
}

// BatchHeader carries the batch-level verdict.
type BatchHeader struct {
	ReturnCode    string
	EffectiveDate time.Time
	Message       string
	LineNumber    int
}

// Accepted reports whether the batch passed as a whole.
func (h BatchHeader) Accepted() bool { return h.ReturnCode == ReturnCodeAccepted }

// JournalHeader is one journal voucher inside a batch.
type JournalHeader struct {
	JournalName   string
	Amount        decimal.Decimal
	ReceiptNumber string
	ReturnCode    string
	Message       string
	Details       []JournalDetail
	LineNumber    int
}

func (h JournalHeader) Accepted() bool { return h.ReturnCode == ReturnCodeAccepted }

// HeaderID extracts the numeric id from a "JV"-prefixed journal name.
func (h JournalHeader) HeaderID() (int64, error) {
	name := strings.TrimSpace(h.JournalName)
	if !strings.HasPrefix(name, "JV") {
		return 0, fmt.Errorf("journal name %q lacks JV prefix", name)
	}
	id, err := strconv.ParseInt(strings.TrimLeft(name[2:], "0"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal name %q: %w", name, err)
	}
	return id, nil
}

// JournalDetail is one line of a journal voucher.
type JournalDetail struct {
	JournalName string
	LineNumber  int
	FlowLine    int
	Flag        string
	Amount      decimal.Decimal
	ObjectCode  string
	Flowthrough string
	ReturnCode  string
	Message     string
}

func (d JournalDetail) Accepted() bool { return d.ReturnCode == ReturnCodeAccepted }

// IsReturnedPayment reports whether the detail reverses a payment.
func (d JournalDetail) IsReturnedPayment() bool {
	code := strings.TrimSpace(d.ObjectCode)
	return code == ObjectCodeReturnedPayment || code == ObjectCodeReturnedPayment+"0"
}

// InvoiceHeader is one accounts-payable disbursement verdict.
type InvoiceHeader struct {
	Target     string
	ReturnCode string
	Message    string
	LineNumber int
}

func (h InvoiceHeader) Accepted() bool { return h.ReturnCode == ReturnCodeAccepted }

// Batch is one BG..BT group.
type Batch struct {
	Group          BatchGroup
	Header         BatchHeader
	Journals       []JournalHeader
	InvoiceHeaders []InvoiceHeader
}

// File is a parsed feedback file.
type File struct {
	Batches []Batch
}

func pad(line string, width int) string {
	for len(line) < width {
		line += " "
	}
	return line
}

func field(line string, start, end int) string {
	return strings.TrimSpace(pad(line, end)[start:end])
}

// Class extracts the record class of a raw line.
func Class(line string) string {
	return field(line, 2, 4)
}

func parseAmount(line string, start, end int, lineNo int) (decimal.Decimal, error) {
	raw := field(line, start, end)
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("line %d: invalid amount %q", lineNo, raw)
	}
	return value, nil
}

// Flowthrough occupies [205:315). The sender zero-fills the last 15
// characters when the originating reference is shorter than the slot;
// an all-zero tail is therefore padding, not data.
func parseFlowthrough(line string) string {
	raw := pad(line, 315)[205:315]
	tail := raw[95:]
	if strings.Trim(tail, "0") == "" {
		raw = raw[:95] + strings.Repeat(" ", 15)
	}
	return strings.TrimSpace(raw)
}

// Parse reads a feedback file into its batches. Records must arrive in
// batch order; a JD before any JH, or any record before a BG, is a
// structural error.
func Parse(data []byte) (*File, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	file := &File{}
	var batch *Batch
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lineNo := i + 1
		class := Class(line)

		if class != ClassBatchGroup && batch == nil {
			return nil, fmt.Errorf("line %d: %s record before batch group", lineNo, class)
		}

		switch class {
		case ClassBatchGroup:
			if batch != nil {
				file.Batches = append(file.Batches, *batch)
			}
			batch = &Batch{Group: BatchGroup{
				BatchNumber: field(line, 4, 14),
				LineNumber:  lineNo,
			}}

		case ClassBatchHeader:
			date, err := parseDate(field(line, 8, 16), lineNo)
			if err != nil {
				return nil, err
			}
			batch.Header = BatchHeader{
				ReturnCode:    field(line, 4, 8),
				EffectiveDate: date,
				Message:       field(line, 16, 166),
				LineNumber:    lineNo,
			}

		case ClassJournalHeader:
			amount, err := parseAmount(line, 14, 29, lineNo)
			if err != nil {
				return nil, err
			}
			batch.Journals = append(batch.Journals, JournalHeader{
				JournalName:   field(line, 4, 14),
				Amount:        amount,
				ReceiptNumber: field(line, 29, 40),
				ReturnCode:    field(line, 271, 275),
				Message:       field(line, 275, 425),
				LineNumber:    lineNo,
			})

		case ClassJournalDetail:
			if len(batch.Journals) == 0 {
				return nil, fmt.Errorf("line %d: journal detail before journal header", lineNo)
			}
			amount, err := parseAmount(line, 20, 35, lineNo)
			if err != nil {
				return nil, err
			}
			flowLine, err := strconv.Atoi(field(line, 14, 19))
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid detail line number", lineNo)
			}
			journal := &batch.Journals[len(batch.Journals)-1]
			journal.Details = append(journal.Details, JournalDetail{
				JournalName: field(line, 4, 14),
				LineNumber:  lineNo,
				FlowLine:    flowLine,
				Flag:        field(line, 19, 20),
				Amount:      amount,
				ObjectCode:  field(line, 35, 39),
				Flowthrough: parseFlowthrough(line),
				ReturnCode:  field(line, 315, 319),
				Message:     field(line, 319, 469),
			})

		case ClassBatchTrailer:
			// counts are advisory, the group boundary is the next BG

		case ClassInvoiceHeader:
			batch.InvoiceHeaders = append(batch.InvoiceHeaders, InvoiceHeader{
				Target:     field(line, 4, 24),
				ReturnCode: field(line, 24, 28),
				Message:    field(line, 28, 178),
				LineNumber: lineNo,
			})

		default:
			return nil, fmt.Errorf("line %d: unknown record class %q", lineNo, class)
		}
	}
	if batch != nil {
		file.Batches = append(file.Batches, *batch)
	}
	return file, nil
}

func parseDate(raw string, lineNo int) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	value, err := time.Parse("20060102", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("line %d: invalid date %q", lineNo, raw)
	}
	return value, nil
}
