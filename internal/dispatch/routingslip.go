package dispatch

import (
	"context"
	"fmt"

	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	routingslipdomain "github.com/govfees/payrecon/internal/routingslip/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const routingSlipNumberLength = 9

// siteForInvoice resolves the CFS site an invoice was (or will be) dispatched
// through, preferring the stamped site over the effective lookup.
func (t *Task) siteForInvoice(ctx context.Context, inv *invoicedomain.Invoice, method accountdomain.PaymentMethod) (*accountdomain.CfsAccount, error) {
	if inv.CfsAccountID != nil {
		var site accountdomain.CfsAccount
		err := t.db.WithContext(ctx).First(&site, "id = ?", *inv.CfsAccountID).Error
		if err == nil {
			return &site, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("load site %d: %w", *inv.CfsAccountID, err)
		}
	}
	return t.accounts.EffectiveCfsAccount(ctx, inv.AccountID, method)
}

// runRoutingSlipCancellations reverses the CFS side of refund-requested
// routing-slip invoices: unapply every receipt, reverse the invoice, cancel
// the reference and mark the invoice refunded. A failure leaves the invoice
// in REFUND_REQUESTED for the next run.
func (t *Task) runRoutingSlipCancellations(ctx context.Context) error {
	invoices, err := t.listRefundRequestedInternal(ctx)
	if err != nil {
		return err
	}

	for _, inv := range invoices {
		if err := t.cancelRoutingSlipInvoice(ctx, inv); err != nil {
			t.log.Error("routing slip cancellation failed",
				zap.Int64("invoice_id", int64(inv.ID)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (t *Task) cancelRoutingSlipInvoice(ctx context.Context, inv *invoicedomain.Invoice) error {
	ref, err := t.findReference(ctx, inv.ID, invoicedomain.ReferenceCompleted)
	if err != nil {
		return err
	}
	if ref == nil {
		return fmt.Errorf("invoice %d has no completed reference", inv.ID)
	}

	site, err := t.siteForInvoice(ctx, inv, accountdomain.MethodInternal)
	if err != nil {
		return err
	}
	if site == nil {
		return fmt.Errorf("invoice %d has no cfs site", inv.ID)
	}

	receipts, err := t.listReceipts(ctx, inv.ID)
	if err != nil {
		return err
	}
	for _, receipt := range receipts {
		if err := t.cfs.UnapplyReceipt(ctx, site, receipt.ReceiptNumber, ref.InvoiceNumber); err != nil {
			return fmt.Errorf("unapply receipt %s: %w", receipt.ReceiptNumber, err)
		}
	}
	if err := t.cfs.ReverseInvoice(ctx, site, ref.InvoiceNumber); err != nil {
		return fmt.Errorf("reverse invoice %s: %w", ref.InvoiceNumber, err)
	}

	now := t.clock.Now()
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ref.Cancel(); err != nil {
			return err
		}
		if err := tx.Save(ref).Error; err != nil {
			return err
		}
		if err := inv.MarkRefunded(now); err != nil {
			return err
		}
		return tx.Save(inv).Error
	})
}

// runRoutingSlipCreations raises a CFS invoice for each approved routing-slip
// invoice, applies the slip's receipt and settles the invoice in one step.
func (t *Task) runRoutingSlipCreations(ctx context.Context) error {
	invoices, err := t.listApprovedInternal(ctx)
	if err != nil {
		return err
	}

	for _, inv := range invoices {
		if err := t.createRoutingSlipInvoice(ctx, inv); err != nil {
			t.log.Error("routing slip creation failed",
				zap.Int64("invoice_id", int64(inv.ID)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (t *Task) createRoutingSlipInvoice(ctx context.Context, inv *invoicedomain.Invoice) error {
	slip, err := t.findRoutingSlip(ctx, *inv.RoutingSlipNumber)
	if err != nil {
		return err
	}
	if slip == nil {
		return fmt.Errorf("routing slip %s not found", *inv.RoutingSlipNumber)
	}
	if len(slip.Number) != routingSlipNumberLength && !t.flags.Get().AllowLegacyRoutingSlips {
		t.log.Warn("legacy routing slip number, skipping", zap.String("number", slip.Number))
		return nil
	}

	site, err := t.accounts.EffectiveCfsAccount(ctx, slip.AccountID, accountdomain.MethodInternal)
	if err != nil {
		return err
	}
	if site == nil {
		return fmt.Errorf("routing slip %s account %d has no effective site", slip.Number, slip.AccountID)
	}

	cfsInvoice, err := t.createOrAdopt(ctx, site, fmt.Sprint(inv.ID), []*invoicedomain.Invoice{inv})
	if err != nil {
		return err
	}
	if cfsInvoice == nil {
		return nil
	}

	receiptNumber, err := t.applyRoutingSlipReceipt(ctx, slip, site, cfsInvoice.InvoiceNumber)
	if err != nil {
		return err
	}

	now := t.clock.Now()
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ref := invoicedomain.InvoiceReference{
			ID:              t.genID.Generate(),
			InvoiceID:       inv.ID,
			InvoiceNumber:   cfsInvoice.InvoiceNumber,
			ReferenceNumber: cfsInvoice.PbcRefNumber,
			Status:          invoicedomain.ReferenceCompleted,
		}
		if err := tx.Create(&ref).Error; err != nil {
			return err
		}
		payment := invoicedomain.Payment{
			ID:            t.genID.Generate(),
			AccountID:     inv.AccountID,
			InvoiceNumber: cfsInvoice.InvoiceNumber,
			InvoiceAmount: inv.Total,
			PaidAmount:    inv.Total,
			PaymentMethod: accountdomain.MethodInternal,
			Status:        invoicedomain.PaymentCompleted,
			ReceiptNumber: receiptNumber,
			PaymentDate:   &now,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}
		receipt := invoicedomain.Receipt{
			ID:            t.genID.Generate(),
			InvoiceID:     inv.ID,
			ReceiptNumber: receiptNumber,
			Amount:        inv.Total,
			ReceiptDate:   now,
		}
		if err := tx.Create(&receipt).Error; err != nil {
			return err
		}
		if err := inv.MarkPaid(inv.Total, now); err != nil {
			return err
		}
		inv.CfsAccountID = &site.ID
		return tx.Save(inv).Error
	})
}

// applyRoutingSlipReceipt applies the slip's receipt against the CFS
// invoice. A linked child's funds live on its parent, so the child's
// "L"-suffixed receipt is applied through the parent's site.
func (t *Task) applyRoutingSlipReceipt(ctx context.Context, slip *routingslipdomain.RoutingSlip, site *accountdomain.CfsAccount, cfsInvoiceNumber string) (string, error) {
	receiptNumber := slip.ReceiptNumber()
	applySite := site

	if slip.ParentNumber != nil {
		parent, err := t.findRoutingSlip(ctx, *slip.ParentNumber)
		if err != nil {
			return "", err
		}
		if parent == nil {
			return "", fmt.Errorf("parent routing slip %s not found", *slip.ParentNumber)
		}
		applySite, err = t.accounts.EffectiveCfsAccount(ctx, parent.AccountID, accountdomain.MethodInternal)
		if err != nil {
			return "", err
		}
		if applySite == nil {
			return "", fmt.Errorf("parent routing slip %s has no effective site", parent.Number)
		}
	}

	if err := t.cfs.ApplyReceipt(ctx, applySite, receiptNumber, cfsInvoiceNumber); err != nil {
		return "", fmt.Errorf("apply receipt %s to %s: %w", receiptNumber, cfsInvoiceNumber, err)
	}
	return receiptNumber, nil
}
