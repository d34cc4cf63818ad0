// Package domain contains persistence models for invoices, their CFS
// references, payments and receipts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceCreated             InvoiceStatus = "CREATED"
	InvoiceApproved            InvoiceStatus = "APPROVED"
	InvoiceSettlementScheduled InvoiceStatus = "SETTLEMENT_SCHEDULED"
	InvoicePartial             InvoiceStatus = "PARTIAL"
	InvoicePaid                InvoiceStatus = "PAID"
	InvoiceOverdue             InvoiceStatus = "OVERDUE"
	InvoiceRefundRequested     InvoiceStatus = "REFUND_REQUESTED"
	InvoiceRefunded            InvoiceStatus = "REFUNDED"
	InvoiceCancelled           InvoiceStatus = "CANCELLED"
	InvoiceCredited            InvoiceStatus = "CREDITED"
	InvoicePartiallyRefunded   InvoiceStatus = "PARTIALLY_REFUNDED"
	InvoicePartiallyCredited   InvoiceStatus = "PARTIALLY_CREDITED"
	InvoiceChargeback          InvoiceStatus = "CHARGEBACK"
)

// DisbursementStatus tracks the upload/ack/feedback lifecycle of downstream
// money movement.
type DisbursementStatus string

const (
	DisbursementWaiting      DisbursementStatus = "WAITING_FOR_JOB"
	DisbursementUploaded     DisbursementStatus = "UPLOADED"
	DisbursementAcknowledged DisbursementStatus = "ACKNOWLEDGED"
	DisbursementCompleted    DisbursementStatus = "COMPLETED"
	DisbursementReversed     DisbursementStatus = "REVERSED"
	DisbursementErrored      DisbursementStatus = "ERRORED"
)

// ReferenceStatus represents the state of an invoice's link to a CFS invoice.
type ReferenceStatus string

const (
	ReferenceActive    ReferenceStatus = "ACTIVE"
	ReferenceCompleted ReferenceStatus = "COMPLETED"
	ReferenceCancelled ReferenceStatus = "CANCELLED"
)

// PaymentStatus represents a financial event's state.
type PaymentStatus string

const (
	PaymentCreated   PaymentStatus = "CREATED"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Invoice is a billable unit in internal currency (two-decimal).
type Invoice struct {
	ID           snowflake.ID  `gorm:"primaryKey"`
	AccountID    snowflake.ID  `gorm:"not null;index"`
	CfsAccountID *snowflake.ID `gorm:"index"`

	Total       decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	Paid        decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	Refund      decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	ServiceFees decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`

	CorpTypeCode       string                      `gorm:"type:text;not null"`
	BusinessIdentifier string                      `gorm:"type:text"`
	PaymentMethod      accountdomain.PaymentMethod `gorm:"type:text;not null;index"`
	Status             InvoiceStatus               `gorm:"type:text;not null;default:'CREATED';index"`
	DisbursementStatus *DisbursementStatus         `gorm:"type:text"`

	PaymentDate              *time.Time `gorm:""`
	RefundDate               *time.Time `gorm:""`
	OverdueDate              *time.Time `gorm:""`
	DisbursementDate         *time.Time `gorm:""`
	DisbursementReversalDate *time.Time `gorm:""`

	RoutingSlipNumber *string        `gorm:"type:text;index"`
	Details           datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Due is the amount still owing on the invoice.
func (i *Invoice) Due() decimal.Decimal {
	return i.Total.Sub(i.Paid)
}

// InvoiceLineItem is one line on an invoice.
type InvoiceLineItem struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	InvoiceID          snowflake.ID    `gorm:"not null;index"`
	FilingTypeCode     string          `gorm:"type:text"`
	Description        string          `gorm:"type:text"`
	Total              decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	DistributionCodeID *snowflake.ID   `gorm:"index"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }

// DistributionCode is the revenue account a line item settles into. StopEJV
// suspends journal-voucher generation after a failed feedback line.
type DistributionCode struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Name      string       `gorm:"type:text;not null"`
	StopEJV   bool         `gorm:"not null;default:false"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DistributionCode) TableName() string { return "distribution_codes" }

// InvoiceReference links an Invoice to a CFS invoice number. For a given
// invoice at most one row is ACTIVE; COMPLETED rows are terminal but several
// may coexist after consolidation.
type InvoiceReference struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	InvoiceID       snowflake.ID    `gorm:"not null;index"`
	InvoiceNumber   string          `gorm:"type:text;not null;index"`
	ReferenceNumber string          `gorm:"type:text"`
	Status          ReferenceStatus `gorm:"type:text;not null;default:'ACTIVE'"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceReference) TableName() string { return "invoice_references" }

// Payment is a financial event against a CFS invoice number.
type Payment struct {
	ID                snowflake.ID                `gorm:"primaryKey"`
	AccountID         snowflake.ID                `gorm:"not null;index"`
	InvoiceNumber     string                      `gorm:"type:text;not null;index"`
	ConsInvoiceNumber *string                     `gorm:"type:text"`
	InvoiceAmount     decimal.Decimal             `gorm:"type:numeric(19,2);not null;default:0"`
	PaidAmount        decimal.Decimal             `gorm:"type:numeric(19,2);not null;default:0"`
	PaymentMethod     accountdomain.PaymentMethod `gorm:"type:text;not null"`
	PaymentSystem     string                      `gorm:"type:text;not null;default:'CFS'"`
	Status            PaymentStatus               `gorm:"type:text;not null;default:'CREATED';index"`
	ReceiptNumber     string                      `gorm:"type:text;index"`
	PaymentDate       *time.Time                  `gorm:""`
	CreatedAt         time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// Receipt is a proof-of-settlement fragment. One row per
// (invoice, receipt number); re-applies accumulate into Amount.
type Receipt struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	InvoiceID     snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_receipt_invoice_number"`
	ReceiptNumber string          `gorm:"type:text;not null;uniqueIndex:ux_receipt_invoice_number"`
	Amount        decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	ReceiptDate   time.Time       `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Receipt) TableName() string { return "receipts" }

// NonSufficientFunds records one NSF event keyed by the original CFS invoice
// number. Its existence is the duplicate-event guard for the NSF flow.
type NonSufficientFunds struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	InvoiceID     snowflake.ID `gorm:"not null;index"`
	InvoiceNumber string       `gorm:"type:text;not null;uniqueIndex"`
	Description   string       `gorm:"type:text"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (NonSufficientFunds) TableName() string { return "non_sufficient_funds" }
