// Package domain contains persistence models for on-account credits mirrored
// from CFS.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ErrRemainingOutOfRange is an integrity violation on the credit invariant
// 0 <= remaining <= amount.
var ErrRemainingOutOfRange = errors.New("credit remaining amount out of range")

// Credit is outstanding unapplied money on an account. CfsIdentifier is the
// on-account receipt or credit-memo number in CFS; CfsSite resolves which
// payment method's balance it feeds.
type Credit struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	AccountID       snowflake.ID    `gorm:"not null;index"`
	CfsIdentifier   string          `gorm:"type:text;not null;uniqueIndex"`
	IsCreditMemo    bool            `gorm:"not null;default:false"`
	Amount          decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	RemainingAmount decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	CfsSite         string          `gorm:"type:text"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credit) TableName() string { return "credits" }

// SetRemaining updates the unapplied balance, enforcing the range invariant.
func (c *Credit) SetRemaining(remaining decimal.Decimal) error {
	if remaining.IsNegative() || remaining.GreaterThan(c.Amount) {
		return fmt.Errorf("credit %s remaining %s of %s: %w", c.CfsIdentifier, remaining, c.Amount, ErrRemainingOutOfRange)
	}
	c.RemainingAmount = remaining
	return nil
}

// CfsCreditInvoice is the audit linkage for one CFS application of a credit
// memo to a CFS invoice. ApplicationID makes re-processing idempotent.
type CfsCreditInvoice struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	AccountID     snowflake.ID    `gorm:"not null;index"`
	CfsIdentifier string          `gorm:"type:text;not null"`
	InvoiceNumber string          `gorm:"type:text;not null;index"`
	ApplicationID int64           `gorm:"not null;uniqueIndex"`
	AmountApplied decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CfsCreditInvoice) TableName() string { return "cfs_credit_invoices" }
