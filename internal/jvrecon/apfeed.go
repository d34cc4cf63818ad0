package jvrecon

import (
	"fmt"

	ejvdomain "github.com/govfees/payrecon/internal/ejv/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/govfees/payrecon/internal/jvfeed"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// processInvoiceHeader applies one AP verdict. The sub-flow is keyed by the
// batch's file type: routing-slip refunds name their slip, EFT refunds and
// non-government disbursements name the internal row id.
func (r *Reconciler) processInvoiceHeader(tx *gorm.DB, file *ejvdomain.File, header jvfeed.InvoiceHeader) (bool, error) {
	rejected := !header.Accepted()
	switch file.FileType {
	case ejvdomain.FileTypeRefund:
		return rejected, r.finishRoutingSlipRefund(tx, header)
	case ejvdomain.FileTypeEFTRefund:
		return rejected, r.finishEFTRefund(tx, header)
	case ejvdomain.FileTypeNonGovDisbursement:
		return rejected, r.finishNonGovDisbursement(tx, header)
	default:
		r.log.Warn("ap header on unexpected file type",
			zap.String("file_type", string(file.FileType)),
			zap.String("target", header.Target),
		)
		return rejected, nil
	}
}

func refundStatus(header jvfeed.InvoiceHeader) string {
	if header.Accepted() {
		return ejvdomain.RefundProcessed
	}
	return ejvdomain.RefundErrored
}

func (r *Reconciler) finishRoutingSlipRefund(tx *gorm.DB, header jvfeed.InvoiceHeader) error {
	var request ejvdomain.RefundRequest
	err := tx.First(&request, "routing_slip_number = ?", header.Target).Error
	if err != nil {
		return fmt.Errorf("load refund request for routing slip %s: %w", header.Target, err)
	}
	request.Status = refundStatus(header)
	request.Message = header.Message
	return tx.Save(&request).Error
}

func (r *Reconciler) finishEFTRefund(tx *gorm.DB, header jvfeed.InvoiceHeader) error {
	requestID, err := parseID(header.Target)
	if err != nil {
		return fmt.Errorf("eft refund target %q: %w", header.Target, err)
	}
	var request ejvdomain.RefundRequest
	if err := tx.First(&request, "id = ?", requestID).Error; err != nil {
		return fmt.Errorf("load eft refund request %d: %w", requestID, err)
	}
	request.Status = refundStatus(header)
	request.Message = header.Message
	return tx.Save(&request).Error
}

func (r *Reconciler) finishNonGovDisbursement(tx *gorm.DB, header jvfeed.InvoiceHeader) error {
	targetID, err := parseID(header.Target)
	if err != nil {
		return fmt.Errorf("disbursement target %q: %w", header.Target, err)
	}
	var pd ejvdomain.PartnerDisbursement
	if err := tx.First(&pd, "id = ?", targetID).Error; err != nil {
		return fmt.Errorf("load partner disbursement %d: %w", targetID, err)
	}
	if header.Accepted() {
		pd.StatusCode = invoicedomain.DisbursementCompleted
	} else {
		pd.StatusCode = invoicedomain.DisbursementErrored
	}
	now := r.clock.Now()
	pd.FeedbackOn = &now
	return tx.Save(&pd).Error
}
