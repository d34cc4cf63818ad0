package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is an integrity violation: the caller asked for a
// state change the current state does not permit. The surrounding file or
// record must be aborted.
var ErrInvalidTransition = errors.New("invalid state transition")

// MarkPaid settles the invoice in full or advances a partial payment.
func (i *Invoice) MarkPaid(paid decimal.Decimal, at time.Time) error {
	switch i.Status {
	case InvoiceApproved, InvoiceSettlementScheduled, InvoicePartial, InvoiceOverdue, InvoiceCreated:
	default:
		return fmt.Errorf("invoice %d %s -> PAID: %w", i.ID, i.Status, ErrInvalidTransition)
	}
	if paid.GreaterThan(i.Total) {
		return fmt.Errorf("invoice %d paid %s exceeds total %s: %w", i.ID, paid, i.Total, ErrInvalidTransition)
	}
	i.Status = InvoicePaid
	i.Paid = paid
	i.PaymentDate = &at
	return nil
}

// ScheduleSettlement moves a freshly created invoice onto the settlement
// track once its CFS counterpart exists.
func (i *Invoice) ScheduleSettlement() error {
	switch i.Status {
	case InvoiceCreated, InvoiceApproved:
	default:
		return fmt.Errorf("invoice %d %s -> SETTLEMENT_SCHEDULED: %w", i.ID, i.Status, ErrInvalidTransition)
	}
	i.Status = InvoiceSettlementScheduled
	return nil
}

// MarkPartial records a partial settlement; paid must stay below total.
func (i *Invoice) MarkPartial(paid decimal.Decimal, at time.Time) error {
	switch i.Status {
	case InvoiceApproved, InvoiceSettlementScheduled, InvoicePartial, InvoiceCreated:
	default:
		return fmt.Errorf("invoice %d %s -> PARTIAL: %w", i.ID, i.Status, ErrInvalidTransition)
	}
	if paid.GreaterThanOrEqual(i.Total) || paid.IsNegative() {
		return fmt.Errorf("invoice %d partial paid %s of %s: %w", i.ID, paid, i.Total, ErrInvalidTransition)
	}
	i.Status = InvoicePartial
	i.Paid = paid
	i.PaymentDate = &at
	return nil
}

// MarkRefunded finalizes a refund request.
func (i *Invoice) MarkRefunded(at time.Time) error {
	switch i.Status {
	case InvoiceRefundRequested, InvoicePaid:
	default:
		return fmt.Errorf("invoice %d %s -> REFUNDED: %w", i.ID, i.Status, ErrInvalidTransition)
	}
	i.Status = InvoiceRefunded
	i.Refund = i.Paid
	i.RefundDate = &at
	return nil
}

// RevertToScheduled undoes a settlement after an NSF event; the invoice
// returns to SETTLEMENT_SCHEDULED with nothing paid.
func (i *Invoice) RevertToScheduled() error {
	if i.Status != InvoicePaid && i.Status != InvoiceSettlementScheduled && i.Status != InvoiceApproved {
		return fmt.Errorf("invoice %d %s -> SETTLEMENT_SCHEDULED: %w", i.ID, i.Status, ErrInvalidTransition)
	}
	i.Status = InvoiceSettlementScheduled
	i.Paid = decimal.Zero
	i.PaymentDate = nil
	return nil
}

// Complete marks an ACTIVE reference settled.
func (r *InvoiceReference) Complete() error {
	if r.Status != ReferenceActive {
		return fmt.Errorf("reference %d %s -> COMPLETED: %w", r.ID, r.Status, ErrInvalidTransition)
	}
	r.Status = ReferenceCompleted
	return nil
}

// Cancel terminates a reference after its CFS invoice was reversed.
func (r *InvoiceReference) Cancel() error {
	if r.Status == ReferenceCancelled {
		return fmt.Errorf("reference %d already cancelled: %w", r.ID, ErrInvalidTransition)
	}
	r.Status = ReferenceCancelled
	return nil
}

// Reactivate reverts a COMPLETED reference to ACTIVE (NSF reversal).
func (r *InvoiceReference) Reactivate() error {
	if r.Status != ReferenceCompleted {
		return fmt.Errorf("reference %d %s -> ACTIVE: %w", r.ID, r.Status, ErrInvalidTransition)
	}
	r.Status = ReferenceActive
	return nil
}
