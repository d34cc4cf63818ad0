package casrecon

import (
	"context"
	"fmt"

	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/bus"
	"github.com/govfees/payrecon/internal/casfeed"
	cfsdomain "github.com/govfees/payrecon/internal/cfs/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	nsfCorpType   = "BCR"
	nsfFilingType = "NSF"
	nsfLockReason = "PAD_NSF"
)

// runNSF handles a failed PAD draw: freeze the site, stop the PAD schedule
// in CFS, unwind every settlement against the CFS invoice, raise the
// compensating NSF-fee invoice and lock the account. Three guards make a
// re-delivered row a no-op: a FAILED Payment, a NonSufficientFunds row, or
// an already-frozen site.
func (r *Reconciler) runNSF(ctx context.Context, account *accountdomain.PaymentAccount, row casfeed.Row) error {
	invoiceNumber := row.Get(casfeed.ColTargetTxnNo)

	var failedPayments int64
	err := r.db.WithContext(ctx).Model(&invoicedomain.Payment{}).
		Where("invoice_number = ? AND status = ?", invoiceNumber, invoicedomain.PaymentFailed).
		Count(&failedPayments).Error
	if err != nil {
		return fmt.Errorf("count failed payments for %s: %w", invoiceNumber, err)
	}
	if failedPayments > 0 {
		r.log.Info("nsf already recorded", zap.String("invoice_number", invoiceNumber))
		return nil
	}

	var nsfRows int64
	err = r.db.WithContext(ctx).Model(&invoicedomain.NonSufficientFunds{}).
		Where("invoice_number = ?", invoiceNumber).
		Count(&nsfRows).Error
	if err != nil {
		return fmt.Errorf("count nsf rows for %s: %w", invoiceNumber, err)
	}
	if nsfRows > 0 {
		r.log.Info("nsf already recorded", zap.String("invoice_number", invoiceNumber))
		return nil
	}

	site, err := r.accounts.EffectiveCfsAccount(ctx, account.ID, accountdomain.MethodPAD)
	if err != nil {
		return err
	}
	if site == nil {
		return fmt.Errorf("account %d has no effective pad site", account.ID)
	}
	if site.Status == accountdomain.CfsAccountFreeze {
		r.log.Info("pad site already frozen", zap.String("invoice_number", invoiceNumber))
		return nil
	}

	if err := r.cfs.UpdateSiteReceiptMethod(ctx, site, cfsdomain.ReceiptMethodPADStop); err != nil {
		return fmt.Errorf("stop pad on site %s: %w", site.CfsSite, err)
	}

	fee := r.cfg.NSFFeeAmount
	now := r.clock.Now()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site.Status = accountdomain.CfsAccountFreeze
		if err := tx.Save(site).Error; err != nil {
			return err
		}
		account.NSFInvoicesAt = &now
		if err := tx.Save(account).Error; err != nil {
			return err
		}

		referenceNumber, err := r.unwindSettlements(ctx, tx, invoiceNumber)
		if err != nil {
			return err
		}

		nsfInvoice := invoicedomain.Invoice{
			ID:            r.genID.Generate(),
			AccountID:     account.ID,
			CfsAccountID:  &site.ID,
			Total:         fee,
			CorpTypeCode:  nsfCorpType,
			PaymentMethod: accountdomain.MethodDirectPay,
			Status:        invoicedomain.InvoiceSettlementScheduled,
		}
		if err := tx.Create(&nsfInvoice).Error; err != nil {
			return err
		}
		lineItem := invoicedomain.InvoiceLineItem{
			ID:             r.genID.Generate(),
			InvoiceID:      nsfInvoice.ID,
			FilingTypeCode: nsfFilingType,
			Description:    "NSF fee",
			Total:          fee,
		}
		if err := tx.Create(&lineItem).Error; err != nil {
			return err
		}
		nsf := invoicedomain.NonSufficientFunds{
			ID:            r.genID.Generate(),
			InvoiceID:     nsfInvoice.ID,
			InvoiceNumber: invoiceNumber,
			Description:   row.Get(casfeed.ColReversalReasonDesc),
		}
		if err := tx.Create(&nsf).Error; err != nil {
			return err
		}
		ref := invoicedomain.InvoiceReference{
			ID:              r.genID.Generate(),
			InvoiceID:       nsfInvoice.ID,
			InvoiceNumber:   invoiceNumber,
			ReferenceNumber: referenceNumber,
			Status:          invoicedomain.ReferenceActive,
		}
		if err := tx.Create(&ref).Error; err != nil {
			return err
		}

		// the FAILED payment doubles as the duplicate-event guard
		failed := invoicedomain.Payment{
			ID:            r.genID.Generate(),
			AccountID:     account.ID,
			InvoiceNumber: invoiceNumber,
			InvoiceAmount: r.rowAmount(row, casfeed.ColTargetTxnOriginal),
			PaymentMethod: accountdomain.MethodPAD,
			Status:        invoicedomain.PaymentFailed,
			PaymentDate:   &now,
		}
		return tx.Create(&failed).Error
	})
	if err != nil {
		return err
	}

	if err := r.cfs.AdjustInvoice(ctx, site, invoiceNumber, fee, "NSF fee"); err != nil {
		return fmt.Errorf("adjust cfs invoice %s by nsf fee: %w", invoiceNumber, err)
	}

	r.publishAccountLock(ctx, account, invoiceNumber, row)
	return nil
}

// unwindSettlements reverts every completed settlement against the CFS
// invoice: references back to ACTIVE, receipts deleted, invoices back to
// SETTLEMENT_SCHEDULED with nothing paid. Returns a reference number to
// carry onto the NSF invoice's reference.
func (r *Reconciler) unwindSettlements(ctx context.Context, tx *gorm.DB, invoiceNumber string) (string, error) {
	var refs []*invoicedomain.InvoiceReference
	err := tx.Where("invoice_number = ? AND status = ?", invoiceNumber, invoicedomain.ReferenceCompleted).
		Find(&refs).Error
	if err != nil {
		return "", fmt.Errorf("list completed references for %s: %w", invoiceNumber, err)
	}

	referenceNumber := ""
	for _, ref := range refs {
		if err := ref.Reactivate(); err != nil {
			return "", err
		}
		if err := tx.Save(ref).Error; err != nil {
			return "", err
		}
		referenceNumber = ref.ReferenceNumber

		if err := tx.Where("invoice_id = ?", ref.InvoiceID).
			Delete(&invoicedomain.Receipt{}).Error; err != nil {
			return "", err
		}

		var inv invoicedomain.Invoice
		if err := tx.First(&inv, "id = ?", ref.InvoiceID).Error; err != nil {
			return "", fmt.Errorf("load invoice %d: %w", ref.InvoiceID, err)
		}
		if err := inv.RevertToScheduled(); err != nil {
			return "", err
		}
		if err := tx.Save(&inv).Error; err != nil {
			return "", err
		}
	}

	if referenceNumber == "" {
		var active invoicedomain.InvoiceReference
		err := tx.Where("invoice_number = ? AND status = ?", invoiceNumber, invoicedomain.ReferenceActive).
			First(&active).Error
		if err == nil {
			referenceNumber = active.ReferenceNumber
		}
	}
	return referenceNumber, nil
}

// rowAmount parses a money column leniently; NSF bookkeeping must not fail
// on a blank amount.
func (r *Reconciler) rowAmount(row casfeed.Row, col string) decimal.Decimal {
	amount, err := row.Decimal(col)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

func (r *Reconciler) publishAccountLock(ctx context.Context, account *accountdomain.PaymentAccount, invoiceNumber string, row casfeed.Row) {
	payload := map[string]any{
		"accountId":         account.ID,
		"authAccountId":     account.AuthAccountID,
		"invoiceNumber":     invoiceNumber,
		"reason":            nsfLockReason,
		"originalAmount":    r.rowAmount(row, casfeed.ColTargetTxnOriginal),
		"outstandingAmount": r.rowAmount(row, casfeed.ColTargetTxnOutstanding),
		"appliedAmount":     r.rowAmount(row, casfeed.ColAppAmount),
	}
	if err := r.bus.Publish(ctx, r.cfg.NATS.AuthEventTopic, bus.TypeAccountLock, payload); err != nil {
		r.log.Error("account lock event failed",
			zap.String("invoice_number", invoiceNumber),
			zap.Error(err),
		)
	}
}
