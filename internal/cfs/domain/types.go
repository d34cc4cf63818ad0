// Package domain defines the CFS client facade: the small operation set the
// reconciliation engine drives against the corporate financial system.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrTimeout marks a create call whose outcome in CFS is unknown; the
	// caller must probe before retrying.
	ErrTimeout = errors.New("cfs request timed out")
	// ErrClient marks a 4xx response; retrying will not help.
	ErrClient = errors.New("cfs rejected request")
	// ErrNotFound marks a 404 on a GET.
	ErrNotFound = errors.New("cfs entity not found")
)

// Receipt methods CFS recognizes on a site.
const (
	ReceiptMethodPAD     = "BCR-PAD Daily"
	ReceiptMethodPADStop = "BCR-PAD Stop"
)

// LineItem is one line of a CFS invoice.
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

// InvoiceRequest creates one CFS invoice; TransactionNumber is the
// caller-supplied idempotency key (the internal invoice id, or the rolled-up
// batch marker).
type InvoiceRequest struct {
	TransactionNumber string
	TransactionDate   time.Time
	Lines             []LineItem
}

// Invoice is CFS's view of an invoice.
type Invoice struct {
	InvoiceNumber string          `json:"invoice_number"`
	PbcRefNumber  string          `json:"pbc_ref_number"`
	Total         decimal.Decimal `json:"total"`
	AmountDue     decimal.Decimal `json:"amount_due"`
}

// ReceiptApplication is one application of a receipt to an invoice.
type ReceiptApplication struct {
	InvoiceNumber string          `json:"invoice_number"`
	AmountApplied decimal.Decimal `json:"amount_applied"`
}

// Receipt is CFS's view of a receipt.
type Receipt struct {
	ReceiptNumber string               `json:"receipt_number"`
	ReceiptAmount decimal.Decimal      `json:"receipt_amount"`
	ReceiptDate   string               `json:"receipt_date"`
	Applications  []ReceiptApplication `json:"invoices"`
}

// Unapplied is the receipt amount not yet applied to any invoice.
func (r Receipt) Unapplied() decimal.Decimal {
	applied := decimal.Zero
	for _, app := range r.Applications {
		applied = applied.Add(app.AmountApplied)
	}
	return r.ReceiptAmount.Sub(applied)
}

// CreditMemo is CFS's view of a credit memo.
type CreditMemo struct {
	CreditMemoNumber string          `json:"credit_memo_number"`
	AmountDue        decimal.Decimal `json:"amount_due"`
}

// Service is the CFS client facade. Every operation is idempotent when keyed
// by its caller-supplied transaction number.
type Service interface {
	CreateAccountInvoice(ctx context.Context, site *accountdomain.CfsAccount, req InvoiceRequest) (Invoice, error)
	GetInvoice(ctx context.Context, site *accountdomain.CfsAccount, invoiceNumber string) (Invoice, error)
	CreateReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber string, receiptDate time.Time, amount decimal.Decimal, method accountdomain.PaymentMethod) (Receipt, error)
	GetReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber string) (Receipt, error)
	ApplyReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber, invoiceNumber string) error
	UnapplyReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber, invoiceNumber string) error
	ReverseReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber string) error
	ReverseInvoice(ctx context.Context, site *accountdomain.CfsAccount, invoiceNumber string) error
	AdjustInvoice(ctx context.Context, site *accountdomain.CfsAccount, invoiceNumber string, amount decimal.Decimal, comment string) error
	CreateCreditMemo(ctx context.Context, site *accountdomain.CfsAccount, cmNumber string, amount decimal.Decimal) (CreditMemo, error)
	GetCreditMemo(ctx context.Context, site *accountdomain.CfsAccount, cmNumber string) (CreditMemo, error)
	UpdateSiteReceiptMethod(ctx context.Context, site *accountdomain.CfsAccount, receiptMethod string) error

	// CreateInvoiceOrAdopt wraps CreateAccountInvoice with the
	// probe-and-adopt recovery path for timeouts.
	CreateInvoiceOrAdopt(ctx context.Context, site *accountdomain.CfsAccount, req InvoiceRequest, expectedTotal decimal.Decimal) (DispatchOutcome, error)
}

// DispatchOutcome is the result of a create-with-recovery call. The variant
// carries the caller's intent: a fresh create, an adoption of an invoice
// found by probing after a timeout, or a record to skip untouched.
type DispatchOutcome interface {
	isDispatchOutcome()
}

// Created means CFS acknowledged the create directly.
type Created struct {
	Invoice Invoice
}

// AdoptedOnProbe means the create timed out but the probe found a matching
// invoice; proceed as if the create had succeeded.
type AdoptedOnProbe struct {
	Invoice Invoice
}

// SkipUnknown means the create timed out and the probe could not confirm the
// invoice; nothing may be marked and the record is left for the next run.
type SkipUnknown struct {
	Reason string
}

func (Created) isDispatchOutcome()        {}
func (AdoptedOnProbe) isDispatchOutcome() {}
func (SkipUnknown) isDispatchOutcome()    {}

// InvoiceNumber derives the CFS invoice number CFS assigns for a transaction
// number, used to probe after a create timed out.
func InvoiceNumber(transactionNumber string) string {
	if id, err := strconv.ParseInt(transactionNumber, 10, 64); err == nil {
		return fmt.Sprintf("REGT%08d", id)
	}
	return "REGT" + transactionNumber
}

// IsConsolidatedRetry reports whether a CFS invoice number names a
// consolidated NSF-retry invoice. The "-C" suffix is a naming convention;
// keep the check behind this helper until the canonical transform is
// available.
func IsConsolidatedRetry(invoiceNumber string) bool {
	return strings.HasSuffix(invoiceNumber, "-C")
}
