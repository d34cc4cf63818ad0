package eftlink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	accountservice "github.com/govfees/payrecon/internal/account/service"
	"github.com/govfees/payrecon/internal/bus"
	"github.com/govfees/payrecon/internal/clock"
	"github.com/govfees/payrecon/internal/config"
	eftdomain "github.com/govfees/payrecon/internal/eft/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/govfees/payrecon/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	task *Task
	db   *gorm.DB
	cfs  *testutil.FakeCFS
	bus  *testutil.BusRecorder
	node *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	fakeCFS := testutil.NewFakeCFS()
	recorder := testutil.NewBusRecorder()

	task := NewTask(TaskParam{
		DB:       db,
		Log:      zap.NewNop(),
		Config:   config.Config{NATS: config.NATSConfig{AuthEventTopic: "auth.events"}},
		Clock:    clock.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		CFS:      fakeCFS,
		Accounts: accountservice.NewService(accountservice.ServiceParam{DB: db, Log: zap.NewNop()}),
		Bus:      recorder,
		GenID:    node,
	})
	return &fixture{task: task, db: db, cfs: fakeCFS, bus: recorder, node: node}
}

type seed struct {
	account   *accountdomain.PaymentAccount
	invoice   *invoicedomain.Invoice
	reference *invoicedomain.InvoiceReference
	groupID   int64
}

func (f *fixture) seedPendingRollup(t *testing.T, total string, status invoicedomain.InvoiceStatus) seed {
	t.Helper()
	acct := &accountdomain.PaymentAccount{
		ID:            f.node.Generate(),
		AuthAccountID: fmt.Sprint(f.node.Generate()),
		PaymentMethod: accountdomain.MethodEFT,
	}
	require.NoError(t, f.db.Create(acct).Error)
	site := &accountdomain.CfsAccount{
		ID:            f.node.Generate(),
		AccountID:     acct.ID,
		CfsParty:      "P1",
		CfsAccount:    fmt.Sprint(f.node.Generate()),
		CfsSite:       "S1",
		PaymentMethod: accountdomain.MethodEFT,
		Status:        accountdomain.CfsAccountActive,
	}
	require.NoError(t, f.db.Create(site).Error)

	inv := &invoicedomain.Invoice{
		ID:            f.node.Generate(),
		AccountID:     acct.ID,
		Total:         decimal.RequireFromString(total),
		CorpTypeCode:  "CP",
		PaymentMethod: accountdomain.MethodEFT,
		Status:        status,
	}
	require.NoError(t, f.db.Create(inv).Error)

	ref := &invoicedomain.InvoiceReference{
		ID:            f.node.Generate(),
		InvoiceID:     inv.ID,
		InvoiceNumber: "REGT00000042",
		Status:        invoicedomain.ReferenceActive,
	}
	require.NoError(t, f.db.Create(ref).Error)

	shortName := &eftdomain.ShortName{ID: f.node.Generate(), Name: "ABC123", Type: eftdomain.ShortNameEFT}
	require.NoError(t, f.db.Create(shortName).Error)
	credit := &eftdomain.Credit{
		ID:              f.node.Generate(),
		ShortNameID:     shortName.ID,
		FileID:          f.node.Generate(),
		TransactionID:   f.node.Generate(),
		Amount:          decimal.RequireFromString(total),
		RemainingAmount: decimal.Zero,
	}
	require.NoError(t, f.db.Create(credit).Error)

	groupID := int64(inv.ID)
	link := &eftdomain.CreditInvoiceLink{
		ID:          f.node.Generate(),
		CreditID:    credit.ID,
		InvoiceID:   inv.ID,
		Amount:      decimal.RequireFromString(total),
		Status:      eftdomain.CILPending,
		LinkGroupID: groupID,
	}
	require.NoError(t, f.db.Create(link).Error)

	history := &eftdomain.ShortNameHistory{
		ID:                 f.node.Generate(),
		ShortNameID:        shortName.ID,
		TransactionType:    eftdomain.HistoryInvoicePaid,
		Amount:             decimal.RequireFromString(total),
		RelatedLinkGroupID: &groupID,
		IsProcessing:       true,
		HiddenPayment:      true,
		TransactionDate:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.db.Create(history).Error)

	return seed{account: acct, invoice: inv, reference: ref, groupID: groupID}
}

func TestApplyPendingRollup(t *testing.T) {
	f := newFixture(t)
	s := f.seedPendingRollup(t, "100.00", invoicedomain.InvoiceApproved)

	require.NoError(t, f.task.Run(context.Background()))

	wantReceipt := receiptNumberFor(s.groupID)
	creates := f.cfs.CallsFor("create_receipt")
	require.Len(t, creates, 1)
	require.Equal(t, wantReceipt, creates[0].Number)
	require.True(t, creates[0].Amount.Equal(decimal.RequireFromString("100.00")))
	require.Len(t, f.cfs.CallsFor("apply_receipt"), 1)

	var inv invoicedomain.Invoice
	require.NoError(t, f.db.First(&inv, "id = ?", s.invoice.ID).Error)
	require.Equal(t, invoicedomain.InvoicePaid, inv.Status)
	require.True(t, inv.Paid.Equal(inv.Total))

	var ref invoicedomain.InvoiceReference
	require.NoError(t, f.db.First(&ref, "id = ?", s.reference.ID).Error)
	require.Equal(t, invoicedomain.ReferenceCompleted, ref.Status)

	var link eftdomain.CreditInvoiceLink
	require.NoError(t, f.db.First(&link, "invoice_id = ?", s.invoice.ID).Error)
	require.Equal(t, eftdomain.CILCompleted, link.Status)
	require.Equal(t, wantReceipt, *link.ReceiptNumber)

	var payment invoicedomain.Payment
	require.NoError(t, f.db.First(&payment, "receipt_number = ?", wantReceipt).Error)
	require.Equal(t, invoicedomain.PaymentCompleted, payment.Status)
	require.Equal(t, accountdomain.MethodEFT, payment.PaymentMethod)

	var history eftdomain.ShortNameHistory
	require.NoError(t, f.db.First(&history, "related_link_group_id = ?", s.groupID).Error)
	require.False(t, history.IsProcessing)
	require.False(t, history.HiddenPayment)
}

func TestRollupMismatchSkipsRecord(t *testing.T) {
	f := newFixture(t)
	s := f.seedPendingRollup(t, "100.00", invoicedomain.InvoiceApproved)
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", s.invoice.ID).
		Update("total", decimal.RequireFromString("90.00")).Error)

	require.NoError(t, f.task.Run(context.Background()))

	require.Empty(t, f.cfs.CallsFor("create_receipt"))
	var link eftdomain.CreditInvoiceLink
	require.NoError(t, f.db.First(&link, "invoice_id = ?", s.invoice.ID).Error)
	require.Equal(t, eftdomain.CILPending, link.Status)
}

func TestOverdueInvoiceUnlocksAccount(t *testing.T) {
	f := newFixture(t)
	s := f.seedPendingRollup(t, "100.00", invoicedomain.InvoiceOverdue)
	flagged := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.Model(&accountdomain.PaymentAccount{}).
		Where("id = ?", s.account.ID).
		Update("overdue_invoices_at", flagged).Error)

	require.NoError(t, f.task.Run(context.Background()))

	var account accountdomain.PaymentAccount
	require.NoError(t, f.db.First(&account, "id = ?", s.account.ID).Error)
	require.Nil(t, account.OverdueInvoicesAt)

	unlocks := f.bus.EventsOfType(bus.TypeAccountUnlock)
	require.Len(t, unlocks, 1)
}

func TestOtherOverdueInvoiceBlocksUnlock(t *testing.T) {
	f := newFixture(t)
	s := f.seedPendingRollup(t, "100.00", invoicedomain.InvoiceOverdue)
	other := &invoicedomain.Invoice{
		ID:            f.node.Generate(),
		AccountID:     s.account.ID,
		Total:         decimal.RequireFromString("10.00"),
		CorpTypeCode:  "CP",
		PaymentMethod: accountdomain.MethodEFT,
		Status:        invoicedomain.InvoiceOverdue,
	}
	require.NoError(t, f.db.Create(other).Error)

	require.NoError(t, f.task.Run(context.Background()))

	require.Empty(t, f.bus.EventsOfType(bus.TypeAccountUnlock))
}

func TestPendingRefundFullReversal(t *testing.T) {
	f := newFixture(t)
	s := f.seedPendingRollup(t, "100.00", invoicedomain.InvoiceApproved)

	require.NoError(t, f.task.Run(context.Background()))

	wantReceipt := receiptNumberFor(s.groupID)
	require.NoError(t, f.db.Model(&eftdomain.CreditInvoiceLink{}).
		Where("invoice_id = ?", s.invoice.ID).
		Update("status", eftdomain.CILPendingRefund).Error)

	require.NoError(t, f.task.Run(context.Background()))

	reverses := f.cfs.CallsFor("reverse_receipt")
	require.Len(t, reverses, 1)
	require.Equal(t, wantReceipt, reverses[0].Number)

	adjusts := f.cfs.CallsFor("adjust_invoice")
	require.Len(t, adjusts, 1)
	require.True(t, adjusts[0].Amount.Equal(decimal.RequireFromString("-100.00")))

	var inv invoicedomain.Invoice
	require.NoError(t, f.db.First(&inv, "id = ?", s.invoice.ID).Error)
	require.Equal(t, invoicedomain.InvoiceRefunded, inv.Status)

	var ref invoicedomain.InvoiceReference
	require.NoError(t, f.db.First(&ref, "id = ?", s.reference.ID).Error)
	require.Equal(t, invoicedomain.ReferenceCancelled, ref.Status)

	var receipts int64
	require.NoError(t, f.db.Model(&invoicedomain.Receipt{}).
		Where("invoice_id = ?", s.invoice.ID).Count(&receipts).Error)
	require.Zero(t, receipts)

	var link eftdomain.CreditInvoiceLink
	require.NoError(t, f.db.First(&link, "invoice_id = ?", s.invoice.ID).Error)
	require.Equal(t, eftdomain.CILRefunded, link.Status)
}
