// Package testutil provides the shared fixtures for storage-backed tests:
// an in-memory database with the full schema, a scripted CFS client and a
// recording bus publisher.
package testutil

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	creditdomain "github.com/govfees/payrecon/internal/credit/domain"
	eftdomain "github.com/govfees/payrecon/internal/eft/domain"
	ejvdomain "github.com/govfees/payrecon/internal/ejv/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	routingslipdomain "github.com/govfees/payrecon/internal/routingslip/domain"
	settlementdomain "github.com/govfees/payrecon/internal/settlement/domain"
)

// NewDB opens an isolated in-memory database with the full schema.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// one connection keeps the in-memory database alive and serialized
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&accountdomain.PaymentAccount{},
		&accountdomain.CfsAccount{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
		&invoicedomain.DistributionCode{},
		&invoicedomain.InvoiceReference{},
		&invoicedomain.Payment{},
		&invoicedomain.Receipt{},
		&invoicedomain.NonSufficientFunds{},
		&creditdomain.Credit{},
		&creditdomain.CfsCreditInvoice{},
		&routingslipdomain.RoutingSlip{},
		&eftdomain.ShortName{},
		&eftdomain.ShortNameLink{},
		&eftdomain.File{},
		&eftdomain.Transaction{},
		&eftdomain.Credit{},
		&eftdomain.CreditInvoiceLink{},
		&eftdomain.ShortNameHistory{},
		&ejvdomain.File{},
		&ejvdomain.Header{},
		&ejvdomain.Link{},
		&ejvdomain.PartnerDisbursement{},
		&ejvdomain.RefundRequest{},
		&settlementdomain.CASSettlement{},
	))
	return db
}

// NewNode returns a snowflake generator for tests.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}
