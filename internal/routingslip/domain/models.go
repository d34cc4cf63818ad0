// Package domain contains persistence models for routing slips.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Status represents routing slip lifecycle states.
type Status string

const (
	StatusActive             Status = "ACTIVE"
	StatusLinked             Status = "LINKED"
	StatusNSF                Status = "NSF"
	StatusComplete           Status = "COMPLETE"
	StatusVoid               Status = "VOID"
	StatusCorrection         Status = "CORRECTION"
	StatusRefundRequested    Status = "REFUND_REQUESTED"
	StatusRefundAuthorized   Status = "REFUND_AUTHORIZED"
	StatusRefundProcessed    Status = "REFUND_PROCESSED"
	StatusRefundRejected     Status = "REFUND_REJECTED"
	StatusWriteOffRequested  Status = "WRITE_OFF_REQUESTED"
	StatusWriteOffAuthorized Status = "WRITE_OFF_AUTHORIZED"
	StatusWriteOffCompleted  Status = "WRITE_OFF_COMPLETED"
)

var (
	ErrNotLinkable     = errors.New("routing slip cannot be linked")
	ErrParentLinked    = errors.New("parent routing slip is itself linked")
	ErrHasTransactions = errors.New("routing slip has transactions")
)

// RoutingSlip is a cash/cheque receipt bundle identified by a validated
// 9-digit number.
type RoutingSlip struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	Number          string          `gorm:"type:text;not null;uniqueIndex"`
	AccountID       snowflake.ID    `gorm:"not null;index"`
	Status          Status          `gorm:"type:text;not null;default:'ACTIVE'"`
	Total           decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	RemainingAmount decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	ParentNumber    *string         `gorm:"type:text;index"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RoutingSlip) TableName() string { return "routing_slips" }

// ReceiptNumber is the CFS receipt identifier for the slip. A linked child's
// funds were moved to its parent, so its receipt carries an "L" suffix and is
// applied against the parent's site.
func (r *RoutingSlip) ReceiptNumber() string {
	if r.ParentNumber != nil {
		return r.Number + "L"
	}
	return r.Number
}

// LinkTo transfers the child's remaining funds onto parent. hasTransactions
// is supplied by the caller (the child must not have settled anything yet).
func (r *RoutingSlip) LinkTo(parent *RoutingSlip, hasTransactions bool) error {
	if r.Status != StatusActive {
		return fmt.Errorf("slip %s status %s: %w", r.Number, r.Status, ErrNotLinkable)
	}
	if hasTransactions {
		return fmt.Errorf("slip %s: %w", r.Number, ErrHasTransactions)
	}
	if parent.ParentNumber != nil {
		return fmt.Errorf("slip %s parent %s: %w", r.Number, parent.Number, ErrParentLinked)
	}
	parent.RemainingAmount = parent.RemainingAmount.Add(r.RemainingAmount)
	r.RemainingAmount = decimal.Zero
	r.ParentNumber = &parent.Number
	r.Status = StatusLinked
	return nil
}
