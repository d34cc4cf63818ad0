// Package domain contains persistence models for payer accounts and their
// CFS customer sites.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PaymentMethod identifies how an account settles invoices.
type PaymentMethod string

const (
	MethodPAD           PaymentMethod = "PAD"
	MethodEFT           PaymentMethod = "EFT"
	MethodOnlineBanking PaymentMethod = "ONLINE_BANKING"
	MethodInternal      PaymentMethod = "INTERNAL"
	MethodDirectPay     PaymentMethod = "DIRECT_PAY"
	MethodEJV           PaymentMethod = "EJV"
	MethodDrawdown      PaymentMethod = "DRAWDOWN"
)

// CfsAccountStatus represents the lifecycle of one CFS customer site.
type CfsAccountStatus string

const (
	CfsAccountPending  CfsAccountStatus = "PENDING"
	CfsAccountActive   CfsAccountStatus = "ACTIVE"
	CfsAccountInactive CfsAccountStatus = "INACTIVE"
	CfsAccountFreeze   CfsAccountStatus = "FREEZE"
)

// PaymentAccount is an internal payer. Credit balances are rollups maintained
// by the CAS reconciler; the authoritative amounts live in CFS.
type PaymentAccount struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	AuthAccountID string        `gorm:"type:text;not null;uniqueIndex"`
	Name          string        `gorm:"type:text"`
	PaymentMethod PaymentMethod `gorm:"type:text;not null"`
	BCOLUserID    *string       `gorm:"type:text"`
	BCOLAccount   *string       `gorm:"type:text"`

	PADCredit decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	OBCredit  decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	EFTCredit decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`

	NSFInvoicesAt     *time.Time `gorm:""`
	OverdueInvoicesAt *time.Time `gorm:""`
	PADActivationDate *time.Time `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAccount) TableName() string { return "payment_accounts" }

// CfsAccount maps a PaymentAccount to one CFS customer site for one payment
// method. At most one row per (account, method) may be effective
// (ACTIVE or FREEZE); INACTIVE rows are historical.
type CfsAccount struct {
	ID            snowflake.ID     `gorm:"primaryKey"`
	AccountID     snowflake.ID     `gorm:"not null;index"`
	CfsParty      string           `gorm:"type:text;not null"`
	CfsAccount    string           `gorm:"type:text;not null;index"`
	CfsSite       string           `gorm:"type:text;not null"`
	PaymentMethod PaymentMethod    `gorm:"type:text;not null"`
	Status        CfsAccountStatus `gorm:"type:text;not null;default:'PENDING'"`
	CreatedAt     time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CfsAccount) TableName() string { return "cfs_accounts" }

// Effective reports whether the site currently represents the account in CFS.
func (c *CfsAccount) Effective() bool {
	return c.Status == CfsAccountActive || c.Status == CfsAccountFreeze
}
