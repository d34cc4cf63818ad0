package jvrecon

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ejvdomain "github.com/govfees/payrecon/internal/ejv/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/govfees/payrecon/internal/jvfeed"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func parseID(raw string) (int64, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "0")
	if trimmed == "" {
		return 0, fmt.Errorf("empty id")
	}
	return strconv.ParseInt(trimmed, 10, 64)
}

// parseFlowthrough splits "invoice_id" or "invoice_id-partner_disbursement_id".
func parseFlowthrough(raw string) (int64, int64, error) {
	invoicePart, partnerPart, split := strings.Cut(raw, "-")
	invoiceID, err := parseID(invoicePart)
	if err != nil {
		return 0, 0, fmt.Errorf("flowthrough %q: %w", raw, err)
	}
	if !split {
		return invoiceID, 0, nil
	}
	partnerID, err := parseID(partnerPart)
	if err != nil {
		return 0, 0, fmt.Errorf("flowthrough %q: %w", raw, err)
	}
	return invoiceID, partnerID, nil
}

// processDetail applies one JD line. Credit lines answer disbursement
// batches; debit lines answer payment batches. Other combinations carry no
// state of ours and are logged.
func (r *Reconciler) processDetail(tx *gorm.DB, file *ejvdomain.File, header *ejvdomain.Header, journal jvfeed.JournalHeader, detail jvfeed.JournalDetail, effectiveDate time.Time) (bool, error) {
	invoiceID, partnerID, err := parseFlowthrough(detail.Flowthrough)
	if err != nil {
		return false, err
	}

	var link ejvdomain.Link
	err = tx.First(&link, "header_id = ? AND link_id = ?", header.ID, invoiceID).Error
	if err != nil {
		return false, fmt.Errorf("load ejv link for header %d invoice %d: %w", header.ID, invoiceID, err)
	}

	var inv invoicedomain.Invoice
	if err := tx.First(&inv, "id = ?", invoiceID).Error; err != nil {
		return false, fmt.Errorf("load invoice %d: %w", invoiceID, err)
	}

	switch {
	case detail.Flag == jvfeed.FlagCredit && file.FileType == ejvdomain.FileTypeDisbursement:
		return r.applyDisbursementCredit(tx, &link, &inv, detail, partnerID, effectiveDate)
	case detail.Flag == jvfeed.FlagDebit && file.FileType == ejvdomain.FileTypePayment:
		return r.applyPaymentDebit(tx, &link, &inv, journal, detail, effectiveDate)
	default:
		r.log.Debug("feedback detail carries no state",
			zap.String("journal", detail.JournalName),
			zap.String("flag", detail.Flag),
			zap.String("file_type", string(file.FileType)),
		)
		return !detail.Accepted(), nil
	}
}

// applyDisbursementCredit answers one disbursed revenue line. A returned
// payment (object code 112) reverses the disbursement instead of completing
// it.
func (r *Reconciler) applyDisbursementCredit(tx *gorm.DB, link *ejvdomain.Link, inv *invoicedomain.Invoice, detail jvfeed.JournalDetail, partnerID int64, effectiveDate time.Time) (bool, error) {
	if !detail.Accepted() {
		status := invoicedomain.DisbursementErrored
		link.DisbursementStatus = &status
		link.Message = detail.Message
		if err := tx.Save(link).Error; err != nil {
			return true, err
		}
		inv.DisbursementStatus = &status
		if err := tx.Save(inv).Error; err != nil {
			return true, err
		}
		if err := stopEJVForInvoice(tx, inv.ID); err != nil {
			return true, err
		}
		return true, nil
	}

	if detail.IsReturnedPayment() {
		status := invoicedomain.DisbursementReversed
		link.DisbursementStatus = &status
		if err := tx.Save(link).Error; err != nil {
			return false, err
		}
		inv.DisbursementStatus = &status
		inv.DisbursementReversalDate = &effectiveDate
		if err := tx.Save(inv).Error; err != nil {
			return false, err
		}
		return false, r.feedbackPartnerDisbursement(tx, inv.ID, partnerID, status, effectiveDate)
	}

	status := invoicedomain.DisbursementCompleted
	link.DisbursementStatus = &status
	if err := tx.Save(link).Error; err != nil {
		return false, err
	}
	inv.DisbursementStatus = &status
	inv.DisbursementDate = &effectiveDate
	if err := tx.Save(inv).Error; err != nil {
		return false, err
	}
	return false, r.feedbackPartnerDisbursement(tx, inv.ID, partnerID, status, effectiveDate)
}

// feedbackPartnerDisbursement stamps the paired partner disbursement, when
// the flowthrough names one.
func (r *Reconciler) feedbackPartnerDisbursement(tx *gorm.DB, invoiceID any, partnerID int64, status invoicedomain.DisbursementStatus, at time.Time) error {
	var pd ejvdomain.PartnerDisbursement
	var err error
	if partnerID != 0 {
		err = tx.First(&pd, "id = ?", partnerID).Error
	} else {
		err = tx.First(&pd, "target_type = ? AND target_id = ?", ejvdomain.TargetInvoice, invoiceID).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load partner disbursement for invoice %v: %w", invoiceID, err)
	}
	pd.StatusCode = status
	pd.FeedbackOn = &at
	return tx.Save(&pd).Error
}

// applyPaymentDebit answers one government-account payment line.
func (r *Reconciler) applyPaymentDebit(tx *gorm.DB, link *ejvdomain.Link, inv *invoicedomain.Invoice, journal jvfeed.JournalHeader, detail jvfeed.JournalDetail, effectiveDate time.Time) (bool, error) {
	if !detail.Accepted() {
		status := invoicedomain.DisbursementErrored
		link.DisbursementStatus = &status
		link.Message = detail.Message
		if err := tx.Save(link).Error; err != nil {
			return true, err
		}
		var ref invoicedomain.InvoiceReference
		err := tx.First(&ref, "invoice_id = ? AND status = ?", inv.ID, invoicedomain.ReferenceActive).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return true, fmt.Errorf("load reference for invoice %d: %w", inv.ID, err)
		}
		if err == nil {
			if err := ref.Cancel(); err != nil {
				return true, err
			}
			if err := tx.Save(&ref).Error; err != nil {
				return true, err
			}
		}
		if err := stopEJVForInvoice(tx, inv.ID); err != nil {
			return true, err
		}
		return true, nil
	}

	status := invoicedomain.DisbursementCompleted
	link.DisbursementStatus = &status
	if err := tx.Save(link).Error; err != nil {
		return false, err
	}

	switch inv.Status {
	case invoicedomain.InvoicePaid, invoicedomain.InvoiceRefunded:
		// duplicate detail for an invoice another line already settled
	case invoicedomain.InvoiceRefundRequested:
		if err := inv.MarkRefunded(effectiveDate); err != nil {
			return false, err
		}
		if err := tx.Save(inv).Error; err != nil {
			return false, err
		}
	default:
		if err := inv.MarkPaid(inv.Total, effectiveDate); err != nil {
			return false, err
		}
		if err := tx.Save(inv).Error; err != nil {
			return false, err
		}
	}

	var ref invoicedomain.InvoiceReference
	err := tx.First(&ref, "invoice_id = ? AND status = ?", inv.ID, invoicedomain.ReferenceActive).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("load reference for invoice %d: %w", inv.ID, err)
	}
	if err == nil {
		if err := ref.Complete(); err != nil {
			return false, err
		}
		if err := tx.Save(&ref).Error; err != nil {
			return false, err
		}
	}

	return false, r.accumulateReceipt(tx, inv, journal.ReceiptNumber, detail, effectiveDate)
}

// accumulateReceipt adds the detail amount to the invoice's receipt for the
// journal's receipt number, creating it on first sight.
func (r *Reconciler) accumulateReceipt(tx *gorm.DB, inv *invoicedomain.Invoice, receiptNumber string, detail jvfeed.JournalDetail, at time.Time) error {
	if receiptNumber == "" {
		return fmt.Errorf("journal %s has no receipt number", detail.JournalName)
	}
	var receipt invoicedomain.Receipt
	err := tx.First(&receipt, "invoice_id = ? AND receipt_number = ?", inv.ID, receiptNumber).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		receipt = invoicedomain.Receipt{
			ID:            r.genID.Generate(),
			InvoiceID:     inv.ID,
			ReceiptNumber: receiptNumber,
			Amount:        detail.Amount,
			ReceiptDate:   at,
		}
		return tx.Create(&receipt).Error
	case err != nil:
		return fmt.Errorf("load receipt %s for invoice %d: %w", receiptNumber, inv.ID, err)
	default:
		receipt.Amount = receipt.Amount.Add(detail.Amount)
		return tx.Save(&receipt).Error
	}
}

// stopEJVForInvoice flips stop_ejv on every distribution code the invoice's
// line items settle into, suspending further voucher generation for them.
func stopEJVForInvoice(tx *gorm.DB, invoiceID any) error {
	var codeIDs []int64
	err := tx.Model(&invoicedomain.InvoiceLineItem{}).
		Where("invoice_id = ? AND distribution_code_id IS NOT NULL", invoiceID).
		Distinct().
		Pluck("distribution_code_id", &codeIDs).Error
	if err != nil {
		return fmt.Errorf("list distribution codes for invoice %v: %w", invoiceID, err)
	}
	if len(codeIDs) == 0 {
		return nil
	}
	return tx.Model(&invoicedomain.DistributionCode{}).
		Where("id IN ?", codeIDs).
		Update("stop_ejv", true).Error
}
