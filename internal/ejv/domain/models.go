// Package domain contains persistence models for electronic journal-voucher
// batches and partner disbursements.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/shopspring/decimal"
)

// FileType distinguishes the flavors of EJV batch we generate and the AP
// batches that pay refunds.
type FileType string

const (
	FileTypePayment            FileType = "PAYMENT"
	FileTypeDisbursement       FileType = "DISBURSEMENT"
	FileTypeRefund             FileType = "REFUND"
	FileTypeEFTRefund          FileType = "EFT_REFUND"
	FileTypeNonGovDisbursement FileType = "NON_GOV_DISBURSEMENT"
)

// File is one generated EJV/AP batch file. FeedbackFileRef records which
// feedback file answered it; a second feedback delivery is a no-op.
type File struct {
	ID                 snowflake.ID                      `gorm:"primaryKey"`
	FileType           FileType                          `gorm:"type:text;not null"`
	FileRef            string                            `gorm:"type:text;not null"`
	FeedbackFileRef    *string                           `gorm:"type:text"`
	DisbursementStatus *invoicedomain.DisbursementStatus `gorm:"type:text"`
	Message            string                            `gorm:"type:text"`
	CreatedAt          time.Time                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (File) TableName() string { return "ejv_files" }

// Header is one journal header inside a batch, scoped to one account or
// partner.
type Header struct {
	ID                 snowflake.ID                      `gorm:"primaryKey"`
	FileID             snowflake.ID                      `gorm:"not null;index"`
	AccountID          *snowflake.ID                     `gorm:"index"`
	PartnerCode        string                            `gorm:"type:text"`
	DisbursementStatus *invoicedomain.DisbursementStatus `gorm:"type:text"`
	Message            string                            `gorm:"type:text"`
	CreatedAt          time.Time                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Header) TableName() string { return "ejv_headers" }

// Link target kinds.
const (
	LinkTypeInvoice       = "invoice"
	LinkTypePartialRefund = "partial_refund"
)

// Link ties a header to an invoice or a partial refund line.
type Link struct {
	ID                 snowflake.ID                      `gorm:"primaryKey"`
	HeaderID           snowflake.ID                      `gorm:"not null;index"`
	LinkType           string                            `gorm:"type:text;not null;default:'invoice'"`
	LinkID             snowflake.ID                      `gorm:"not null;index"`
	DisbursementStatus *invoicedomain.DisbursementStatus `gorm:"type:text"`
	Message            string                            `gorm:"type:text"`
	CreatedAt          time.Time                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Link) TableName() string { return "ejv_links" }

// PartnerDisbursementTarget kinds.
type TargetType string

const (
	TargetInvoice       TargetType = "INVOICE"
	TargetPartialRefund TargetType = "PARTIAL_REFUND"
)

// PartnerDisbursement is pending money movement from the receiving ministry
// to a partner ministry.
type PartnerDisbursement struct {
	ID          snowflake.ID                     `gorm:"primaryKey"`
	TargetType  TargetType                       `gorm:"type:text;not null"`
	TargetID    snowflake.ID                     `gorm:"not null;index"`
	PartnerCode string                           `gorm:"type:text;not null"`
	Amount      decimal.Decimal                  `gorm:"type:numeric(19,2);not null;default:0"`
	StatusCode  invoicedomain.DisbursementStatus `gorm:"type:text;not null;default:'WAITING_FOR_JOB'"`
	IsReversal  bool                             `gorm:"not null;default:false"`
	ProcessedOn *time.Time                       `gorm:""`
	FeedbackOn  *time.Time                       `gorm:""`
	CreatedAt   time.Time                        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time                        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PartnerDisbursement) TableName() string { return "partner_disbursements" }

// RefundRequest is a pending AP refund (routing slip or EFT).
type RefundRequest struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	RoutingSlipNumber *string         `gorm:"type:text;index"`
	ShortNameID       *snowflake.ID   `gorm:"index"`
	Amount            decimal.Decimal `gorm:"type:numeric(19,2);not null;default:0"`
	Status            string          `gorm:"type:text;not null;default:'APPROVED'"`
	Message           string          `gorm:"type:text"`
	CreatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RefundRequest) TableName() string { return "refund_requests" }

// Refund request states driven by AP feedback.
const (
	RefundApproved  = "APPROVED"
	RefundProcessed = "PROCESSED"
	RefundErrored   = "ERRORED"
)
