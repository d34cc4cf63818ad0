package dispatch

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	routingslipdomain "github.com/govfees/payrecon/internal/routingslip/domain"
	"gorm.io/gorm"
)

// listAccountsWithApproved returns the distinct accounts holding at least one
// APPROVED invoice for the method that has no ACTIVE reference yet.
func (t *Task) listAccountsWithApproved(ctx context.Context, method accountdomain.PaymentMethod) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := t.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Distinct("account_id").
		Where("payment_method = ? AND status = ?", method, invoicedomain.InvoiceApproved).
		Where("NOT EXISTS (SELECT 1 FROM invoice_references r WHERE r.invoice_id = invoices.id AND r.status = ?)", invoicedomain.ReferenceActive).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list accounts with approved %s invoices: %w", method, err)
	}
	return ids, nil
}

// listApprovedWithoutReference returns the account's dispatchable invoices in
// created order; the newest one names the rollup transaction.
func (t *Task) listApprovedWithoutReference(ctx context.Context, accountID snowflake.ID, method accountdomain.PaymentMethod) ([]*invoicedomain.Invoice, error) {
	var invoices []*invoicedomain.Invoice
	err := t.db.WithContext(ctx).
		Where("account_id = ? AND payment_method = ? AND status = ?", accountID, method, invoicedomain.InvoiceApproved).
		Where("NOT EXISTS (SELECT 1 FROM invoice_references r WHERE r.invoice_id = invoices.id AND r.status = ?)", invoicedomain.ReferenceActive).
		Order("created_at ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, fmt.Errorf("list approved %s invoices for account %d: %w", method, accountID, err)
	}
	return invoices, nil
}

// listCreatedOnlineBanking returns CREATED online-banking invoices with no
// ACTIVE reference, oldest first.
func (t *Task) listCreatedOnlineBanking(ctx context.Context) ([]*invoicedomain.Invoice, error) {
	var invoices []*invoicedomain.Invoice
	err := t.db.WithContext(ctx).
		Where("payment_method = ? AND status = ?", accountdomain.MethodOnlineBanking, invoicedomain.InvoiceCreated).
		Where("NOT EXISTS (SELECT 1 FROM invoice_references r WHERE r.invoice_id = invoices.id AND r.status = ?)", invoicedomain.ReferenceActive).
		Order("created_at ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, fmt.Errorf("list created online banking invoices: %w", err)
	}
	return invoices, nil
}

// listRefundRequestedInternal returns routing-slip invoices waiting for
// cancellation.
func (t *Task) listRefundRequestedInternal(ctx context.Context) ([]*invoicedomain.Invoice, error) {
	var invoices []*invoicedomain.Invoice
	err := t.db.WithContext(ctx).
		Where("payment_method = ? AND status = ?", accountdomain.MethodInternal, invoicedomain.InvoiceRefundRequested).
		Order("created_at ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, fmt.Errorf("list refund-requested internal invoices: %w", err)
	}
	return invoices, nil
}

// listApprovedInternal returns routing-slip invoices waiting for creation.
func (t *Task) listApprovedInternal(ctx context.Context) ([]*invoicedomain.Invoice, error) {
	var invoices []*invoicedomain.Invoice
	err := t.db.WithContext(ctx).
		Where("payment_method = ? AND status = ?", accountdomain.MethodInternal, invoicedomain.InvoiceApproved).
		Where("routing_slip_number IS NOT NULL").
		Order("created_at ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, fmt.Errorf("list approved internal invoices: %w", err)
	}
	return invoices, nil
}

func (t *Task) findReference(ctx context.Context, invoiceID snowflake.ID, status invoicedomain.ReferenceStatus) (*invoicedomain.InvoiceReference, error) {
	var ref invoicedomain.InvoiceReference
	err := t.db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", invoiceID, status).
		First(&ref).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s reference for invoice %d: %w", status, invoiceID, err)
	}
	return &ref, nil
}

func (t *Task) listReceipts(ctx context.Context, invoiceID snowflake.ID) ([]*invoicedomain.Receipt, error) {
	var receipts []*invoicedomain.Receipt
	err := t.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Find(&receipts).Error
	if err != nil {
		return nil, fmt.Errorf("list receipts for invoice %d: %w", invoiceID, err)
	}
	return receipts, nil
}

func (t *Task) findRoutingSlip(ctx context.Context, number string) (*routingslipdomain.RoutingSlip, error) {
	var slip routingslipdomain.RoutingSlip
	err := t.db.WithContext(ctx).
		Where("number = ?", number).
		First(&slip).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find routing slip %s: %w", number, err)
	}
	return &slip, nil
}

func (t *Task) loadAccount(ctx context.Context, accountID snowflake.ID) (*accountdomain.PaymentAccount, error) {
	var account accountdomain.PaymentAccount
	if err := t.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		return nil, fmt.Errorf("load account %d: %w", accountID, err)
	}
	return &account, nil
}
