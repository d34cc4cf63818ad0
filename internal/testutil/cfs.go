package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	cfsdomain "github.com/govfees/payrecon/internal/cfs/domain"
	"github.com/shopspring/decimal"
)

// CFSCall records one operation invoked on the fake client.
type CFSCall struct {
	Op     string
	Number string
	Amount decimal.Decimal
}

// FakeCFS is a scripted in-memory stand-in for the CFS client. Tests seed
// invoices/receipts/memos and override individual operations through the
// function fields; unset fields succeed against the seeded state.
type FakeCFS struct {
	mu       sync.Mutex
	Calls    []CFSCall
	Invoices map[string]cfsdomain.Invoice
	Receipts map[string]cfsdomain.Receipt
	Memos    map[string]cfsdomain.CreditMemo

	CreateInvoiceFn  func(req cfsdomain.InvoiceRequest) (cfsdomain.Invoice, error)
	CreateReceiptFn  func(receiptNumber string, amount decimal.Decimal) (cfsdomain.Receipt, error)
	ApplyReceiptFn   func(receiptNumber, invoiceNumber string) error
	UnapplyReceiptFn func(receiptNumber, invoiceNumber string) error
	ReverseInvoiceFn func(invoiceNumber string) error
	AdjustInvoiceFn  func(invoiceNumber string, amount decimal.Decimal) error
	SiteMethodFn     func(method string) error
}

func NewFakeCFS() *FakeCFS {
	return &FakeCFS{
		Invoices: map[string]cfsdomain.Invoice{},
		Receipts: map[string]cfsdomain.Receipt{},
		Memos:    map[string]cfsdomain.CreditMemo{},
	}
}

func (f *FakeCFS) record(op, number string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, CFSCall{Op: op, Number: number, Amount: amount})
}

// CallsFor returns the recorded calls for one operation.
func (f *FakeCFS) CallsFor(op string) []CFSCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CFSCall
	for _, c := range f.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeCFS) CreateAccountInvoice(_ context.Context, _ *accountdomain.CfsAccount, req cfsdomain.InvoiceRequest) (cfsdomain.Invoice, error) {
	total := decimal.Zero
	for _, line := range req.Lines {
		total = total.Add(line.Amount.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	f.record("create_invoice", req.TransactionNumber, total)
	if f.CreateInvoiceFn != nil {
		return f.CreateInvoiceFn(req)
	}
	inv := cfsdomain.Invoice{
		InvoiceNumber: cfsdomain.InvoiceNumber(req.TransactionNumber),
		Total:         total,
		AmountDue:     total,
	}
	f.mu.Lock()
	f.Invoices[inv.InvoiceNumber] = inv
	f.mu.Unlock()
	return inv, nil
}

func (f *FakeCFS) GetInvoice(_ context.Context, _ *accountdomain.CfsAccount, invoiceNumber string) (cfsdomain.Invoice, error) {
	f.record("get_invoice", invoiceNumber, decimal.Zero)
	f.mu.Lock()
	inv, ok := f.Invoices[invoiceNumber]
	f.mu.Unlock()
	if !ok {
		return cfsdomain.Invoice{}, cfsdomain.ErrNotFound
	}
	return inv, nil
}

func (f *FakeCFS) CreateReceipt(_ context.Context, _ *accountdomain.CfsAccount, receiptNumber string, _ time.Time, amount decimal.Decimal, _ accountdomain.PaymentMethod) (cfsdomain.Receipt, error) {
	f.record("create_receipt", receiptNumber, amount)
	if f.CreateReceiptFn != nil {
		return f.CreateReceiptFn(receiptNumber, amount)
	}
	rcpt := cfsdomain.Receipt{ReceiptNumber: receiptNumber, ReceiptAmount: amount}
	f.mu.Lock()
	f.Receipts[receiptNumber] = rcpt
	f.mu.Unlock()
	return rcpt, nil
}

func (f *FakeCFS) GetReceipt(_ context.Context, _ *accountdomain.CfsAccount, receiptNumber string) (cfsdomain.Receipt, error) {
	f.record("get_receipt", receiptNumber, decimal.Zero)
	f.mu.Lock()
	rcpt, ok := f.Receipts[receiptNumber]
	f.mu.Unlock()
	if !ok {
		return cfsdomain.Receipt{}, cfsdomain.ErrNotFound
	}
	return rcpt, nil
}

func (f *FakeCFS) ApplyReceipt(_ context.Context, _ *accountdomain.CfsAccount, receiptNumber, invoiceNumber string) error {
	f.record("apply_receipt", receiptNumber+"->"+invoiceNumber, decimal.Zero)
	if f.ApplyReceiptFn != nil {
		return f.ApplyReceiptFn(receiptNumber, invoiceNumber)
	}
	return nil
}

func (f *FakeCFS) UnapplyReceipt(_ context.Context, _ *accountdomain.CfsAccount, receiptNumber, invoiceNumber string) error {
	f.record("unapply_receipt", receiptNumber+"->"+invoiceNumber, decimal.Zero)
	if f.UnapplyReceiptFn != nil {
		return f.UnapplyReceiptFn(receiptNumber, invoiceNumber)
	}
	return nil
}

func (f *FakeCFS) ReverseReceipt(_ context.Context, _ *accountdomain.CfsAccount, receiptNumber string) error {
	f.record("reverse_receipt", receiptNumber, decimal.Zero)
	return nil
}

func (f *FakeCFS) ReverseInvoice(_ context.Context, _ *accountdomain.CfsAccount, invoiceNumber string) error {
	f.record("reverse_invoice", invoiceNumber, decimal.Zero)
	if f.ReverseInvoiceFn != nil {
		return f.ReverseInvoiceFn(invoiceNumber)
	}
	return nil
}

func (f *FakeCFS) AdjustInvoice(_ context.Context, _ *accountdomain.CfsAccount, invoiceNumber string, amount decimal.Decimal, _ string) error {
	f.record("adjust_invoice", invoiceNumber, amount)
	if f.AdjustInvoiceFn != nil {
		return f.AdjustInvoiceFn(invoiceNumber, amount)
	}
	return nil
}

func (f *FakeCFS) CreateCreditMemo(_ context.Context, _ *accountdomain.CfsAccount, cmNumber string, amount decimal.Decimal) (cfsdomain.CreditMemo, error) {
	f.record("create_cms", cmNumber, amount)
	memo := cfsdomain.CreditMemo{CreditMemoNumber: cmNumber, AmountDue: amount.Neg()}
	f.mu.Lock()
	f.Memos[cmNumber] = memo
	f.mu.Unlock()
	return memo, nil
}

func (f *FakeCFS) GetCreditMemo(_ context.Context, _ *accountdomain.CfsAccount, cmNumber string) (cfsdomain.CreditMemo, error) {
	f.record("get_cms", cmNumber, decimal.Zero)
	f.mu.Lock()
	memo, ok := f.Memos[cmNumber]
	f.mu.Unlock()
	if !ok {
		return cfsdomain.CreditMemo{}, cfsdomain.ErrNotFound
	}
	return memo, nil
}

func (f *FakeCFS) UpdateSiteReceiptMethod(_ context.Context, _ *accountdomain.CfsAccount, receiptMethod string) error {
	f.record("update_site_receipt_method", receiptMethod, decimal.Zero)
	if f.SiteMethodFn != nil {
		return f.SiteMethodFn(receiptMethod)
	}
	return nil
}

func (f *FakeCFS) CreateInvoiceOrAdopt(ctx context.Context, site *accountdomain.CfsAccount, req cfsdomain.InvoiceRequest, expectedTotal decimal.Decimal) (cfsdomain.DispatchOutcome, error) {
	created, err := f.CreateAccountInvoice(ctx, site, req)
	if err == nil {
		return cfsdomain.Created{Invoice: created}, nil
	}
	if err == cfsdomain.ErrTimeout {
		probed, probeErr := f.GetInvoice(ctx, site, cfsdomain.InvoiceNumber(req.TransactionNumber))
		if probeErr != nil {
			return cfsdomain.SkipUnknown{Reason: probeErr.Error()}, nil
		}
		if probed.Total.Equal(expectedTotal) {
			return cfsdomain.AdoptedOnProbe{Invoice: probed}, nil
		}
		return cfsdomain.SkipUnknown{Reason: fmt.Sprintf("total %s expected %s", probed.Total, expectedTotal)}, nil
	}
	return nil, err
}
