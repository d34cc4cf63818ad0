package casrecon

import (
	"context"
	"errors"
	"fmt"
	"time"

	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/bus"
	"github.com/govfees/payrecon/internal/casfeed"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (r *Reconciler) listReferences(ctx context.Context, invoiceNumber string, status invoicedomain.ReferenceStatus) ([]*invoicedomain.InvoiceReference, error) {
	var refs []*invoicedomain.InvoiceReference
	err := r.db.WithContext(ctx).
		Where("invoice_number = ? AND status = ?", invoiceNumber, status).
		Find(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("list %s references for %s: %w", status, invoiceNumber, err)
	}
	return refs, nil
}

func (r *Reconciler) loadInvoice(ctx context.Context, id any) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	if err := r.db.WithContext(ctx).First(&inv, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("load invoice %v: %w", id, err)
	}
	return &inv, nil
}

// settlementDate prefers the file's application date over the wall clock.
func (r *Reconciler) settlementDate(row casfeed.Row) time.Time {
	if date, err := row.Date(casfeed.ColAppDate); err == nil {
		return date
	}
	return r.clock.Now()
}

// settlePaidRow mirrors a fully settled CFS invoice onto its internal
// invoices: references complete, invoices become PAID, one Receipt per
// invoice and one COMPLETED Payment for the row. An already-PAID invoice
// means a duplicate row; no-op.
func (r *Reconciler) settlePaidRow(ctx context.Context, account *accountdomain.PaymentAccount, row casfeed.Row) error {
	invoiceNumber := row.Get(casfeed.ColTargetTxnNo)
	refs, err := r.listReferences(ctx, invoiceNumber, invoicedomain.ReferenceActive)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		completed, err := r.listReferences(ctx, invoiceNumber, invoicedomain.ReferenceCompleted)
		if err != nil {
			return err
		}
		if len(completed) > 0 {
			r.log.Info("cfs invoice already settled", zap.String("invoice_number", invoiceNumber))
			return nil
		}
		return fmt.Errorf("no reference for cfs invoice %s", invoiceNumber)
	}

	receiptNumber := row.Get(casfeed.ColSourceTxnNo)
	if receiptNumber == "" {
		return fmt.Errorf("cfs invoice %s settlement row has no source transaction", invoiceNumber)
	}
	settledAt := r.settlementDate(row)

	var obInvoices []*invoicedomain.Invoice
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		settledTotal := decimal.Zero
		for _, ref := range refs {
			var inv invoicedomain.Invoice
			if err := tx.First(&inv, "id = ?", ref.InvoiceID).Error; err != nil {
				return fmt.Errorf("load invoice %d: %w", ref.InvoiceID, err)
			}
			if inv.Status == invoicedomain.InvoicePaid {
				continue
			}
			if err := ref.Complete(); err != nil {
				return err
			}
			if err := tx.Save(ref).Error; err != nil {
				return err
			}
			if err := inv.MarkPaid(inv.Total, settledAt); err != nil {
				return err
			}
			if err := tx.Save(&inv).Error; err != nil {
				return err
			}
			receipt := invoicedomain.Receipt{
				ID:            r.genID.Generate(),
				InvoiceID:     inv.ID,
				ReceiptNumber: receiptNumber,
				Amount:        inv.Total,
				ReceiptDate:   settledAt,
			}
			if err := tx.Create(&receipt).Error; err != nil {
				return err
			}
			settledTotal = settledTotal.Add(inv.Total)
			if inv.PaymentMethod == accountdomain.MethodOnlineBanking {
				settled := inv
				obInvoices = append(obInvoices, &settled)
			}
		}
		if settledTotal.IsZero() {
			return nil
		}
		payment := invoicedomain.Payment{
			ID:            r.genID.Generate(),
			AccountID:     account.ID,
			InvoiceNumber: invoiceNumber,
			InvoiceAmount: settledTotal,
			PaidAmount:    settledTotal,
			PaymentMethod: account.PaymentMethod,
			Status:        invoicedomain.PaymentCompleted,
			ReceiptNumber: receiptNumber,
			PaymentDate:   &settledAt,
		}
		return tx.Create(&payment).Error
	})
	if err != nil {
		return err
	}

	for _, inv := range obInvoices {
		r.publishPaymentCompleted(ctx, account, invoiceNumber, inv.Total)
	}
	return nil
}

func (r *Reconciler) publishPaymentCompleted(ctx context.Context, account *accountdomain.PaymentAccount, invoiceNumber string, amount decimal.Decimal) {
	payload := map[string]any{
		"accountId":     account.ID,
		"authAccountId": account.AuthAccountID,
		"invoiceNumber": invoiceNumber,
		"paidAmount":    amount,
	}
	if err := r.bus.Publish(ctx, r.cfg.NATS.BusinessTopic, bus.TypePaymentCompleted, payload); err != nil {
		r.log.Error("payment completed event failed", zap.String("invoice_number", invoiceNumber), zap.Error(err))
	}
}

// settleOnlineBankingRow settles one BOLP row. The row's outstanding amount
// is cumulative across a multi-row deposit, so processing rows in file order
// converges: the last row for an invoice either zeroes the outstanding
// (PAID) or leaves a partial balance (PARTIAL).
func (r *Reconciler) settleOnlineBankingRow(ctx context.Context, account *accountdomain.PaymentAccount, row casfeed.Row) error {
	invoiceNumber := row.Get(casfeed.ColTargetTxnNo)
	refs, err := r.listReferences(ctx, invoiceNumber, invoicedomain.ReferenceActive)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		completed, err := r.listReferences(ctx, invoiceNumber, invoicedomain.ReferenceCompleted)
		if err != nil {
			return err
		}
		if len(completed) > 0 {
			r.log.Info("cfs invoice already settled", zap.String("invoice_number", invoiceNumber))
			return nil
		}
		return fmt.Errorf("no reference for cfs invoice %s", invoiceNumber)
	}
	ref := refs[0]

	inv, err := r.loadInvoice(ctx, ref.InvoiceID)
	if err != nil {
		return err
	}
	if inv.Status == invoicedomain.InvoicePaid {
		r.log.Info("invoice already paid", zap.String("invoice_number", invoiceNumber))
		return nil
	}

	outstanding, err := row.Decimal(casfeed.ColTargetTxnOutstanding)
	if err != nil {
		return err
	}
	applied, err := row.Decimal(casfeed.ColAppAmount)
	if err != nil {
		return err
	}
	settledAt := r.settlementDate(row)
	due := inv.Due()

	if outstanding.IsZero() {
		receiptNumber := row.Get(casfeed.ColSourceTxnNo)
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := ref.Complete(); err != nil {
				return err
			}
			if err := tx.Save(ref).Error; err != nil {
				return err
			}
			if err := inv.MarkPaid(inv.Total, settledAt); err != nil {
				return err
			}
			if err := tx.Save(inv).Error; err != nil {
				return err
			}
			receipt := invoicedomain.Receipt{
				ID:            r.genID.Generate(),
				InvoiceID:     inv.ID,
				ReceiptNumber: receiptNumber,
				Amount:        applied,
				ReceiptDate:   settledAt,
			}
			if err := tx.Create(&receipt).Error; err != nil {
				return err
			}
			payment := invoicedomain.Payment{
				ID:            r.genID.Generate(),
				AccountID:     account.ID,
				InvoiceNumber: invoiceNumber,
				InvoiceAmount: inv.Total,
				PaidAmount:    inv.Total,
				PaymentMethod: account.PaymentMethod,
				Status:        invoicedomain.PaymentCompleted,
				ReceiptNumber: receiptNumber,
				PaymentDate:   &settledAt,
			}
			return tx.Create(&payment).Error
		})
		if err != nil {
			return err
		}

		if applied.GreaterThan(due) {
			r.publishOnlineBankingEvent(ctx, account, bus.TypeOnlineBankingOverPayment, invoiceNumber, applied, applied.Sub(due))
		} else {
			r.publishOnlineBankingEvent(ctx, account, bus.TypeOnlineBankingPayment, invoiceNumber, applied, decimal.Zero)
		}
		r.publishPaymentCompleted(ctx, account, invoiceNumber, inv.Total)
		return nil
	}

	paid := inv.Total.Sub(outstanding)
	if err := inv.MarkPartial(paid, settledAt); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(inv).Error; err != nil {
		return err
	}
	r.publishOnlineBankingEvent(ctx, account, bus.TypeOnlineBankingUnderPayment, invoiceNumber, applied, decimal.Zero)
	return nil
}

func (r *Reconciler) publishOnlineBankingEvent(ctx context.Context, account *accountdomain.PaymentAccount, eventType, invoiceNumber string, applied, creditAmount decimal.Decimal) {
	payload := map[string]any{
		"authAccountId": account.AuthAccountID,
		"invoiceNumber": invoiceNumber,
		"paidAmount":    applied,
	}
	if !creditAmount.IsZero() {
		payload["creditAmount"] = creditAmount
	}
	if err := r.bus.Publish(ctx, r.cfg.NATS.MailerTopic, eventType, payload); err != nil {
		r.log.Error("online banking event failed", zap.String("invoice_number", invoiceNumber), zap.Error(err))
	}
}

// completePrecreatedPayment finishes an EFT payment the link task already
// created: the settlement row confirms the money moved.
func (r *Reconciler) completePrecreatedPayment(ctx context.Context, row casfeed.Row) error {
	receiptNumber := row.Get(casfeed.ColSourceTxnNo)
	if receiptNumber == "" {
		return fmt.Errorf("eft settlement row has no source transaction")
	}

	var payment invoicedomain.Payment
	err := r.db.WithContext(ctx).First(&payment, "receipt_number = ?", receiptNumber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("no payment for receipt %s", receiptNumber)
	}
	if err != nil {
		return fmt.Errorf("load payment for receipt %s: %w", receiptNumber, err)
	}
	if payment.Status == invoicedomain.PaymentCompleted {
		r.log.Info("payment already completed", zap.String("receipt_number", receiptNumber))
		return nil
	}

	settledAt := r.settlementDate(row)
	payment.Status = invoicedomain.PaymentCompleted
	payment.PaymentDate = &settledAt
	return r.db.WithContext(ctx).Save(&payment).Error
}
