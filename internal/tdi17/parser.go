// Package tdi17 parses the fixed-width daily deposit file from the bank.
//
// Wire contract: record type at offset 2 width 2 ("1" header, "2" detail,
// "7" trailer). Amounts are in cents. Field offsets below are part of the
// on-wire contract; every field parse records either a value or a typed
// error with the line index so the whole file's error surface is reportable
// in one pass.
package tdi17

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record type markers.
const (
	RecordHeader  = "1"
	RecordDetail  = "2"
	RecordTrailer = "7"
)

// FieldError is one field-level parse failure.
type FieldError struct {
	Line   int
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("line %d field %s: %s", e.Line, e.Field, e.Reason)
}

// Header is the single header record.
type Header struct {
	CreationDate time.Time
	CreationTime string
	FromDate     time.Time
	ToDate       time.Time
	LineNumber   int
	Errors       []FieldError
}

// Detail is one deposit record.
type Detail struct {
	MinistryCode           string
	ProgramCode            string
	DepositDate            time.Time
	LocationID             string
	DepositTime            string
	TransactionSequence    string
	TransactionDescription string
	DepositAmountCents     int64
	Currency               string
	ExchangeAdjCents       int64
	DepositAmountCADCents  int64
	DestinationBankNumber  string
	BatchNumber            string
	JVType                 string
	JVNumber               string
	TransactionDate        time.Time
	LineNumber             int
	Errors                 []FieldError
}

// Trailer is the single trailer record.
type Trailer struct {
	NumberOfDetails   int
	TotalDepositCents int64
	LineNumber        int
	Errors            []FieldError
}

// File is one parsed TDI17 file.
type File struct {
	Header  Header
	Details []Detail
	Trailer Trailer
}

// HasErrors reports whether any record collected field errors.
func (f *File) HasErrors() bool {
	if len(f.Header.Errors) > 0 || len(f.Trailer.Errors) > 0 {
		return true
	}
	for _, d := range f.Details {
		if len(d.Errors) > 0 {
			return true
		}
	}
	return false
}

type fieldReader struct {
	line   string
	lineNo int
	errs   *[]FieldError
}

func (r fieldReader) raw(start, end int) string {
	line := r.line
	for len(line) < end {
		line += " "
	}
	return line[start:end]
}

func (r fieldReader) text(name string, start, end int) string {
	_ = name
	return strings.TrimSpace(r.raw(start, end))
}

func (r fieldReader) cents(name string, start, end int) int64 {
	raw := strings.TrimSpace(r.raw(start, end))
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*r.errs = append(*r.errs, FieldError{Line: r.lineNo, Field: name, Reason: fmt.Sprintf("invalid amount %q", raw)})
		return 0
	}
	return value
}

func (r fieldReader) count(name string, start, end int) int {
	return int(r.cents(name, start, end))
}

func (r fieldReader) date(name string, start, end int) time.Time {
	raw := strings.TrimSpace(r.raw(start, end))
	if raw == "" {
		return time.Time{}
	}
	value, err := time.Parse("20060102", raw)
	if err != nil {
		*r.errs = append(*r.errs, FieldError{Line: r.lineNo, Field: name, Reason: fmt.Sprintf("invalid date %q", raw)})
		return time.Time{}
	}
	return value
}

// RecordType extracts the record marker of a raw line.
func RecordType(line string) string {
	for len(line) < 4 {
		line += " "
	}
	return strings.TrimSpace(line[2:4])
}

func parseHeader(line string, lineNo int) Header {
	h := Header{LineNumber: lineNo}
	r := fieldReader{line: line, lineNo: lineNo, errs: &h.Errors}
	h.CreationDate = r.date("creation_date", 4, 12)
	h.CreationTime = r.text("creation_time", 12, 16)
	h.FromDate = r.date("deposit_from_date", 16, 24)
	h.ToDate = r.date("deposit_to_date", 24, 32)
	if h.CreationDate.IsZero() && len(h.Errors) == 0 {
		h.Errors = append(h.Errors, FieldError{Line: lineNo, Field: "creation_date", Reason: "missing"})
	}
	return h
}

func parseDetail(line string, lineNo int) Detail {
	d := Detail{LineNumber: lineNo}
	r := fieldReader{line: line, lineNo: lineNo, errs: &d.Errors}
	d.MinistryCode = r.text("ministry_code", 4, 6)
	d.ProgramCode = r.text("program_code", 6, 10)
	d.DepositDate = r.date("deposit_date", 10, 18)
	d.LocationID = r.text("location_id", 18, 23)
	d.DepositTime = r.text("deposit_time", 23, 27)
	d.TransactionSequence = r.text("transaction_sequence", 27, 30)
	d.TransactionDescription = r.text("transaction_description", 30, 70)
	d.DepositAmountCents = r.cents("deposit_amount", 70, 83)
	d.Currency = r.text("currency", 83, 85)
	d.ExchangeAdjCents = r.cents("exchange_adj_amount", 85, 98)
	d.DepositAmountCADCents = r.cents("deposit_amount_cad", 98, 111)
	d.DestinationBankNumber = r.text("destination_bank_number", 111, 115)
	d.BatchNumber = r.text("batch_number", 115, 124)
	d.JVType = r.text("jv_type", 124, 125)
	d.JVNumber = r.text("jv_number", 125, 134)
	d.TransactionDate = r.date("transaction_date", 134, 142)
	if d.DepositAmountCADCents == 0 && d.DepositAmountCents != 0 && d.Currency == "" {
		// blank currency means CAD; the CAD column mirrors the deposit
		d.DepositAmountCADCents = d.DepositAmountCents
	}
	return d
}

func parseTrailer(line string, lineNo int) Trailer {
	t := Trailer{LineNumber: lineNo}
	r := fieldReader{line: line, lineNo: lineNo, errs: &t.Errors}
	t.NumberOfDetails = r.count("number_of_details", 4, 10)
	t.TotalDepositCents = r.cents("total_deposit_amount", 10, 24)
	return t
}

// Parse reads a full TDI17 file: exactly one header, zero or more details,
// one trailer. Structural violations are returned as an error; field-level
// problems accumulate on the records.
func Parse(data []byte) (*File, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	file := &File{}
	sawHeader := false
	sawTrailer := false
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lineNo := i + 1
		switch RecordType(line) {
		case RecordHeader:
			if sawHeader {
				return nil, fmt.Errorf("line %d: duplicate header record", lineNo)
			}
			sawHeader = true
			file.Header = parseHeader(line, lineNo)
		case RecordDetail:
			file.Details = append(file.Details, parseDetail(line, lineNo))
		case RecordTrailer:
			if sawTrailer {
				return nil, fmt.Errorf("line %d: duplicate trailer record", lineNo)
			}
			sawTrailer = true
			file.Trailer = parseTrailer(line, lineNo)
		default:
			return nil, fmt.Errorf("line %d: unknown record type %q", lineNo, RecordType(line))
		}
	}
	if !sawHeader {
		return nil, fmt.Errorf("missing header record")
	}
	if !sawTrailer {
		return nil, fmt.Errorf("missing trailer record")
	}
	return file, nil
}
