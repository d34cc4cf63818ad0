// Package domain contains persistence models for EFT short names, deposits
// and credit-invoice links.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ShortNameType classifies the deposit description that introduced the name.
type ShortNameType string

const (
	ShortNameEFT     ShortNameType = "EFT"
	ShortNameWire    ShortNameType = "WIRE"
	ShortNameFederal ShortNameType = "FEDERAL"
)

// LinkStatus represents the state of a short-name-to-account mapping.
type LinkStatus string

const (
	LinkPending  LinkStatus = "PENDING"
	LinkLinked   LinkStatus = "LINKED"
	LinkInactive LinkStatus = "INACTIVE"
)

// FileStatus represents the processing state of one TDI17 file.
type FileStatus string

const (
	FileInProgress FileStatus = "IN_PROGRESS"
	FileCompleted  FileStatus = "COMPLETED"
	FileFailed     FileStatus = "FAILED"
)

// TransactionStatus represents the state of one parsed TDI17 line.
type TransactionStatus string

const (
	TransactionInProgress TransactionStatus = "IN_PROGRESS"
	TransactionCompleted  TransactionStatus = "COMPLETED"
	TransactionFailed     TransactionStatus = "FAILED"
)

// TDI17 line kinds persisted for failed files.
const (
	LineTypeHeader      = "HEADER"
	LineTypeTrailer     = "TRAILER"
	LineTypeTransaction = "TRANSACTION"
)

// CILStatus represents the state of an EFT credit-invoice link.
type CILStatus string

const (
	CILPending       CILStatus = "PENDING"
	CILCompleted     CILStatus = "COMPLETED"
	CILPendingRefund CILStatus = "PENDING_REFUND"
	CILRefunded      CILStatus = "REFUNDED"
	CILCancelled     CILStatus = "CANCELLED"
)

// History transaction kinds.
const (
	HistoryFundsReceived = "FUNDS_RECEIVED"
	HistoryStatementPaid = "STATEMENT_PAID"
	HistoryInvoicePaid   = "INVOICE_PAID"
	HistoryInvoiceRefund = "INVOICE_REFUND"
)

// ShortName is the textual handle by which a bank deposit identifies its
// payer.
type ShortName struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	Name      string        `gorm:"type:text;not null;uniqueIndex"`
	Type      ShortNameType `gorm:"type:text;not null"`
	CreatedAt time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ShortName) TableName() string { return "eft_short_names" }

// ShortNameLink maps a short name to a payer account.
type ShortNameLink struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ShortNameID   snowflake.ID `gorm:"not null;index"`
	AuthAccountID string       `gorm:"type:text;not null;index"`
	Status        LinkStatus   `gorm:"type:text;not null;default:'PENDING'"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ShortNameLink) TableName() string { return "eft_short_name_links" }

// File is one received TDI17 file; its unique filename is the idempotency
// guard.
type File struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	Filename          string       `gorm:"type:text;not null;uniqueIndex"`
	Status            FileStatus   `gorm:"type:text;not null;default:'IN_PROGRESS'"`
	NumberOfDetails   int          `gorm:"not null;default:0"`
	TotalDepositCents int64        `gorm:"not null;default:0"`
	DepositFromDate   *time.Time   `gorm:""`
	DepositToDate     *time.Time   `gorm:""`
	CreatedOn         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedOn       *time.Time   `gorm:""`
}

// TableName sets the database table name.
func (File) TableName() string { return "eft_files" }

// Transaction is one parsed TDI17 line, persisted with its parse errors so
// a failed file's full error surface is reportable.
type Transaction struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	FileID             snowflake.ID      `gorm:"not null;index"`
	LineType           string            `gorm:"type:text;not null"`
	LineNumber         int               `gorm:"not null"`
	Status             TransactionStatus `gorm:"type:text;not null;default:'IN_PROGRESS'"`
	ShortNameID        *snowflake.ID     `gorm:"index"`
	DepositAmountCents int64             `gorm:"not null;default:0"`
	ParseError         string            `gorm:"type:text"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "eft_transactions" }

// Credit is money deposited against a short name, not yet applied.
type Credit struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	ShortNameID     snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_eft_credit_source"`
	FileID          snowflake.ID    `gorm:"not null;uniqueIndex:ux_eft_credit_source"`
	TransactionID   snowflake.ID    `gorm:"not null;uniqueIndex:ux_eft_credit_source"`
	Amount          decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	RemainingAmount decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credit) TableName() string { return "eft_credits" }

// CreditInvoiceLink maps EFT credit rows to an invoice. Several credit rows
// may pay one invoice; LinkGroupID groups them.
type CreditInvoiceLink struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	CreditID      snowflake.ID    `gorm:"not null;index"`
	InvoiceID     snowflake.ID    `gorm:"not null;index"`
	Amount        decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	Status        CILStatus       `gorm:"type:text;not null;default:'PENDING';index"`
	ReceiptNumber *string         `gorm:"type:text"`
	LinkGroupID   int64           `gorm:"not null;index"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditInvoiceLink) TableName() string { return "eft_credit_invoice_links" }

// ShortNameHistory is the payer-visible activity feed for a short name.
type ShortNameHistory struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	ShortNameID        snowflake.ID    `gorm:"not null;index"`
	TransactionType    string          `gorm:"type:text;not null"`
	Amount             decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	CreditBalance      decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	RelatedLinkGroupID *int64          `gorm:"index"`
	IsProcessing       bool            `gorm:"not null;default:false"`
	HiddenPayment      bool            `gorm:"not null;default:false"`
	TransactionDate    time.Time       `gorm:"not null"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ShortNameHistory) TableName() string { return "eft_short_name_history" }
