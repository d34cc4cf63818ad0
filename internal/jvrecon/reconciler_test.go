package jvrecon

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/bus"
	"github.com/govfees/payrecon/internal/clock"
	"github.com/govfees/payrecon/internal/config"
	ejvdomain "github.com/govfees/payrecon/internal/ejv/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/govfees/payrecon/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type feedLine []byte

func newLine(width int) feedLine {
	return feedLine(strings.Repeat(" ", width))
}

func (l feedLine) set(start int, value string) feedLine {
	copy(l[start:], value)
	return l
}

func (l feedLine) String() string { return string(l) }

func bgLine(batch string) string {
	return newLine(14).set(2, "BG").set(4, batch).String()
}

func bhLine(code, date string) string {
	return newLine(166).set(2, "BH").set(4, code).set(8, date).String()
}

func jhLine(name, amount, receipt, code, message string) string {
	return newLine(425).
		set(2, "JH").
		set(4, name).
		set(14, amount).
		set(29, receipt).
		set(271, code).
		set(275, message).
		String()
}

func jdLine(name, flowLine, flag, amount, objectCode, flowthrough, code, message string) string {
	return newLine(469).
		set(2, "JD").
		set(4, name).
		set(14, flowLine).
		set(19, flag).
		set(20, amount).
		set(35, objectCode).
		set(205, flowthrough).
		set(315, code).
		set(319, message).
		String()
}

func ihLine(target, code, message string) string {
	return newLine(178).
		set(2, "IH").
		set(4, target).
		set(24, code).
		set(28, message).
		String()
}

func feedFile(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

type fixture struct {
	rec   *Reconciler
	db    *gorm.DB
	bus   *testutil.BusRecorder
	store *testutil.MemStore
	node  *snowflake.Node
}

func newFixture(t *testing.T, flags config.Flags) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	recorder := testutil.NewBusRecorder()
	store := testutil.NewMemStore()

	cfg := config.Config{}
	cfg.NATS.MailerTopic = "account.mailer"

	rec := NewReconciler(ReconcilerParam{
		DB:     db,
		Log:    zap.NewNop(),
		Config: cfg,
		Flags:  config.StaticFlags(flags),
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)),
		Bus:    recorder,
		Store:  store,
		GenID:  node,
	})
	return &fixture{rec: rec, db: db, bus: recorder, store: store, node: node}
}

func (f *fixture) deliver(t *testing.T, fileName string, data []byte) error {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), "jv-files", fileName, data))
	return f.rec.Process(context.Background(), "jv-files", fileName)
}

type seed struct {
	account *accountdomain.PaymentAccount
	invoice *invoicedomain.Invoice
	file    *ejvdomain.File
	header  *ejvdomain.Header
	link    *ejvdomain.Link
}

// seedBatch builds an uploaded EJV batch answering one invoice. IDs are kept
// small so they fit the feedback file's fixed-width slots.
func (f *fixture) seedBatch(t *testing.T, fileType ejvdomain.FileType, fileID, headerID, invoiceID int64, total string, status invoicedomain.InvoiceStatus) *seed {
	t.Helper()

	acct := &accountdomain.PaymentAccount{
		ID:            f.node.Generate(),
		AuthAccountID: "auth-ejv",
		PaymentMethod: accountdomain.MethodEJV,
	}
	require.NoError(t, f.db.Create(acct).Error)

	inv := &invoicedomain.Invoice{
		ID:            snowflake.ID(invoiceID),
		AccountID:     acct.ID,
		Total:         decimal.RequireFromString(total),
		CorpTypeCode:  "CP",
		PaymentMethod: accountdomain.MethodEJV,
		Status:        status,
	}
	require.NoError(t, f.db.Create(inv).Error)

	uploaded := invoicedomain.DisbursementUploaded
	file := &ejvdomain.File{
		ID:                 snowflake.ID(fileID),
		FileType:           fileType,
		FileRef:            "INBOX.EJV001",
		DisbursementStatus: &uploaded,
	}
	require.NoError(t, f.db.Create(file).Error)

	header := &ejvdomain.Header{
		ID:        snowflake.ID(headerID),
		FileID:    file.ID,
		AccountID: &acct.ID,
	}
	require.NoError(t, f.db.Create(header).Error)

	link := &ejvdomain.Link{
		ID:       f.node.Generate(),
		HeaderID: header.ID,
		LinkType: ejvdomain.LinkTypeInvoice,
		LinkID:   inv.ID,
	}
	require.NoError(t, f.db.Create(link).Error)

	return &seed{account: acct, invoice: inv, file: file, header: header, link: link}
}

func (f *fixture) reload(t *testing.T, dest any, id snowflake.ID) {
	t.Helper()
	require.NoError(t, f.db.First(dest, "id = ?", id).Error)
}

func TestAckFileHasNoEffect(t *testing.T) {
	f := newFixture(t, config.Flags{})
	s := f.seedBatch(t, ejvdomain.FileTypePayment, 42, 123, 7001, "90.00", invoicedomain.InvoiceApproved)

	require.NoError(t, f.deliver(t, "ACKEJV001", []byte("anything")))

	var file ejvdomain.File
	f.reload(t, &file, s.file.ID)
	require.Nil(t, file.FeedbackFileRef)
}

func TestPaymentFeedbackSettlesInvoice(t *testing.T) {
	f := newFixture(t, config.Flags{})
	s := f.seedBatch(t, ejvdomain.FileTypePayment, 42, 123, 7001, "90.00", invoicedomain.InvoiceApproved)
	require.NoError(t, f.db.Create(&invoicedomain.InvoiceReference{
		ID:            f.node.Generate(),
		InvoiceID:     s.invoice.ID,
		InvoiceNumber: "REGT00007001",
		Status:        invoicedomain.ReferenceActive,
	}).Error)

	err := f.deliver(t, "FEEDBACK.EJV001", feedFile(
		bgLine("0000000042"),
		bhLine("0000", "20260315"),
		jhLine("JV00000123", "90.00", "JV-RCPT-1", "0000", ""),
		jdLine("JV00000123", "00001", "D", "90.00", "3200", "7001", "0000", ""),
		jdLine("JV00000123", "00002", "C", "90.00", "3200", "7001", "0000", ""),
	))
	require.NoError(t, err)

	var file ejvdomain.File
	f.reload(t, &file, s.file.ID)
	require.NotNil(t, file.FeedbackFileRef)
	require.Equal(t, "FEEDBACK.EJV001", *file.FeedbackFileRef)
	require.Equal(t, invoicedomain.DisbursementCompleted, *file.DisbursementStatus)

	var header ejvdomain.Header
	f.reload(t, &header, s.header.ID)
	require.Equal(t, invoicedomain.DisbursementCompleted, *header.DisbursementStatus)

	var inv invoicedomain.Invoice
	f.reload(t, &inv, s.invoice.ID)
	require.Equal(t, invoicedomain.InvoicePaid, inv.Status)
	require.True(t, inv.Paid.Equal(decimal.RequireFromString("90.00")))
	require.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), inv.PaymentDate.UTC())

	var ref invoicedomain.InvoiceReference
	require.NoError(t, f.db.First(&ref, "invoice_id = ?", inv.ID).Error)
	require.Equal(t, invoicedomain.ReferenceCompleted, ref.Status)

	var receipt invoicedomain.Receipt
	require.NoError(t, f.db.First(&receipt, "invoice_id = ?", inv.ID).Error)
	require.Equal(t, "JV-RCPT-1", receipt.ReceiptNumber)
	require.True(t, receipt.Amount.Equal(decimal.RequireFromString("90.00")))

	var payment invoicedomain.Payment
	require.NoError(t, f.db.First(&payment, "receipt_number = ?", "JV-RCPT-1").Error)
	require.Equal(t, s.account.ID, payment.AccountID)
	require.Equal(t, invoicedomain.PaymentCompleted, payment.Status)
	require.True(t, payment.PaidAmount.Equal(decimal.RequireFromString("90.00")))

	require.Empty(t, f.bus.EventsOfType(bus.TypeEJVFailed))
}

func TestFeedbackIsIdempotentPerBatch(t *testing.T) {
	f := newFixture(t, config.Flags{})
	s := f.seedBatch(t, ejvdomain.FileTypePayment, 42, 123, 7001, "90.00", invoicedomain.InvoiceApproved)

	data := feedFile(
		bgLine("0000000042"),
		bhLine("0000", "20260315"),
		jhLine("JV00000123", "90.00", "JV-RCPT-1", "0000", ""),
		jdLine("JV00000123", "00001", "D", "90.00", "3200", "7001", "0000", ""),
	)
	require.NoError(t, f.deliver(t, "FEEDBACK.EJV001", data))
	require.NoError(t, f.deliver(t, "FEEDBACK.EJV001X", data))

	var file ejvdomain.File
	f.reload(t, &file, s.file.ID)
	require.Equal(t, "FEEDBACK.EJV001", *file.FeedbackFileRef)

	var receipts int64
	require.NoError(t, f.db.Model(&invoicedomain.Receipt{}).Count(&receipts).Error)
	require.Equal(t, int64(1), receipts)

	var payments int64
	require.NoError(t, f.db.Model(&invoicedomain.Payment{}).Count(&payments).Error)
	require.Equal(t, int64(1), payments)
}

func TestSplitRevenueAccumulatesOneReceipt(t *testing.T) {
	f := newFixture(t, config.Flags{})
	s := f.seedBatch(t, ejvdomain.FileTypePayment, 42, 123, 7001, "90.00", invoicedomain.InvoiceApproved)

	err := f.deliver(t, "FEEDBACK.EJV001", feedFile(
		bgLine("0000000042"),
		bhLine("0000", "20260315"),
		jhLine("JV00000123", "90.00", "JV-RCPT-1", "0000", ""),
		jdLine("JV00000123", "00001", "D", "60.00", "3200", "7001", "0000", ""),
		jdLine("JV00000123", "00002", "D", "30.00", "3200", "7001", "0000", ""),
	))
	require.NoError(t, err)

	var receipt invoicedomain.Receipt
	require.NoError(t, f.db.First(&receipt, "invoice_id = ?", s.invoice.ID).Error)
	require.True(t, receipt.Amount.Equal(decimal.RequireFromString("90.00")))

	var receipts int64
	require.NoError(t, f.db.Model(&invoicedomain.Receipt{}).Count(&receipts).Error)
	require.Equal(t, int64(1), receipts)
}

func TestRejectedPaymentDebitCancelsReferenceAndStopsEJV(t *testing.T) {
	f := newFixture(t, config.Flags{})
	s := f.seedBatch(t, ejvdomain.FileTypePayment, 42, 123, 7001, "90.00", invoicedomain.InvoiceApproved)
	require.NoError(t, f.db.Create(&invoicedomain.InvoiceReference{
		ID:            f.node.Generate(),
		InvoiceID:     s.invoice.ID,
		InvoiceNumber: "REGT00007001",
		Status:        invoicedomain.ReferenceActive,
	}).Error)
	code := &invoicedomain.DistributionCode{ID: f.node.Generate(), Name: "registry revenue"}
	require.NoError(t, f.db.Create(code).Error)
	require.NoError(t, f.db.Create(&invoicedomain.InvoiceLineItem{
		ID:                 f.node.Generate(),
		InvoiceID:          s.invoice.ID,
		FilingTypeCode:     "REG",
		Total:              decimal.RequireFromString("90.00"),
		DistributionCodeID: &code.ID,
	}).Error)

	err := f.deliver(t, "FEEDBACK.EJV001", feedFile(
		bgLine("0000000042"),
		bhLine("0000", "20260315"),
		jhLine("JV00000123", "90.00", "JV-RCPT-1", "0000", ""),
		jdLine("JV00000123", "00001", "D", "90.00", "3200", "7001", "1187", "INVALID DISTRIBUTION"),
	))
	require.NoError(t, err)

	var ref invoicedomain.InvoiceReference
	require.NoError(t, f.db.First(&ref, "invoice_id = ?", s.invoice.ID).Error)
	require.Equal(t, invoicedomain.ReferenceCancelled, ref.Status)

	var reloaded invoicedomain.DistributionCode
	f.reload(t, &reloaded, code.ID)
	require.True(t, reloaded.StopEJV)

	var link ejvdomain.Link
	f.reload(t, &link, s.link.ID)
	require.Equal(t, invoicedomain.DisbursementErrored, *link.DisbursementStatus)
	require.Equal(t, "INVALID DISTRIBUTION", link.Message)

	var inv invoicedomain.Invoice
	f.reload(t, &inv, s.invoice.ID)
	require.Equal(t, invoicedomain.InvoiceApproved, inv.Status)

	failed := f.bus.EventsOfType(bus.TypeEJVFailed)
	require.Len(t, failed, 1)
	require.Equal(t, "account.mailer", failed[0].Topic)
	require.Equal(t, "FEEDBACK.EJV001", failed[0].DataJSON()["fileName"])
}

func TestErrorEmailCanBeDisabled(t *testing.T) {
	f := newFixture(t, config.Flags{DisableEJVErrorEmail: true})
	f.seedBatch(t, ejvdomain.FileTypePayment, 42, 123, 7001, "90.00", invoicedomain.InvoiceApproved)

	err := f.deliver(t, "FEEDBACK.EJV001", feedFile(
		bgLine("0000000042"),
		bhLine("1001", "20260315"),
	))
	require.NoError(t, err)
	require.Empty(t, f.bus.EventsOfType(bus.TypeEJVFailed))

	var file ejvdomain.File
	require.NoError(t, f.db.First(&file, "id = ?", 42).Error)
	require.Equal(t, invoicedomain.DisbursementErrored, *file.DisbursementStatus)
}

func TestRefundRequestedInvoiceBecomesRefunded(t *testing.T) {
	f := newFixture(t, config.Flags{})
	s := f.seedBatch(t, ejvdomain.FileTypePayment, 42, 123, 7001, "90.00", invoicedomain.InvoiceRefundRequested)
	require.NoError(t, f.db.Model(s.invoice).Update("paid", decimal.RequireFromString("90.00")).Error)

	err := f.deliver(t, "FEEDBACK.EJV001", feedFile(
		bgLine("0000000042"),
		bhLine("0000", "20260315"),
		jhLine("JV00000123", "90.00", "JV-RCPT-1", "0000", ""),
		jdLine("JV00000123", "00001", "D", "90.00", "3200", "7001", "0000", ""),
	))
	require.NoError(t, err)

	var inv invoicedomain.Invoice
	f.reload(t, &inv, s.invoice.ID)
	require.Equal(t, invoicedomain.InvoiceRefunded, inv.Status)
	require.True(t, inv.Refund.Equal(decimal.RequireFromString("90.00")))
	require.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), inv.RefundDate.UTC())
}

func TestDisbursementCreditCompletesInvoiceAndPartner(t *testing.T) {
	f := newFixture(t, config.Flags{})
	s := f.seedBatch(t, ejvdomain.FileTypeDisbursement, 43, 124, 7002, "55.00", invoicedomain.InvoicePaid)
	pd := &ejvdomain.PartnerDisbursement{
		ID:          snowflake.ID(901),
		TargetType:  ejvdomain.TargetInvoice,
		TargetID:    s.invoice.ID,
		PartnerCode: "VS",
		Amount:      decimal.RequireFromString("55.00"),
		StatusCode:  invoicedomain.DisbursementUploaded,
	}
	require.NoError(t, f.db.Create(pd).Error)

	err := f.deliver(t, "FEEDBACK.EJV002", feedFile(
		bgLine("0000000043"),
		bhLine("0000", "20260315"),
		jhLine("JV00000124", "55.00", "", "0000", ""),
		jdLine("JV00000124", "00001", "C", "55.00", "3200", "7002-901", "0000", ""),
	))
	require.NoError(t, err)

	var inv invoicedomain.Invoice
	f.reload(t, &inv, s.invoice.ID)
	require.Equal(t, invoicedomain.DisbursementCompleted, *inv.DisbursementStatus)
	require.NotNil(t, inv.DisbursementDate)

	var reloaded ejvdomain.PartnerDisbursement
	f.reload(t, &reloaded, pd.ID)
	require.Equal(t, invoicedomain.DisbursementCompleted, reloaded.StatusCode)
	require.NotNil(t, reloaded.FeedbackOn)
}

func TestReturnedPaymentReversesDisbursement(t *testing.T) {
	f := newFixture(t, config.Flags{})
	s := f.seedBatch(t, ejvdomain.FileTypeDisbursement, 43, 124, 7002, "55.00", invoicedomain.InvoicePaid)
	completed := invoicedomain.DisbursementCompleted
	require.NoError(t, f.db.Model(s.invoice).Update("disbursement_status", completed).Error)
	pd := &ejvdomain.PartnerDisbursement{
		ID:          snowflake.ID(901),
		TargetType:  ejvdomain.TargetInvoice,
		TargetID:    s.invoice.ID,
		PartnerCode: "VS",
		Amount:      decimal.RequireFromString("55.00"),
		StatusCode:  completed,
	}
	require.NoError(t, f.db.Create(pd).Error)

	err := f.deliver(t, "FEEDBACK.EJV003", feedFile(
		bgLine("0000000043"),
		bhLine("0000", "20260316"),
		jhLine("JV00000124", "55.00", "", "0000", ""),
		jdLine("JV00000124", "00001", "C", "55.00", "1120", "7002-901", "0000", ""),
	))
	require.NoError(t, err)

	var inv invoicedomain.Invoice
	f.reload(t, &inv, s.invoice.ID)
	require.Equal(t, invoicedomain.DisbursementReversed, *inv.DisbursementStatus)
	require.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), inv.DisbursementReversalDate.UTC())

	var reloaded ejvdomain.PartnerDisbursement
	f.reload(t, &reloaded, pd.ID)
	require.Equal(t, invoicedomain.DisbursementReversed, reloaded.StatusCode)
}

func TestRejectedDisbursementCreditStopsEJV(t *testing.T) {
	f := newFixture(t, config.Flags{})
	s := f.seedBatch(t, ejvdomain.FileTypeDisbursement, 43, 124, 7002, "55.00", invoicedomain.InvoicePaid)
	code := &invoicedomain.DistributionCode{ID: f.node.Generate(), Name: "partner revenue"}
	require.NoError(t, f.db.Create(code).Error)
	require.NoError(t, f.db.Create(&invoicedomain.InvoiceLineItem{
		ID:                 f.node.Generate(),
		InvoiceID:          s.invoice.ID,
		Total:              decimal.RequireFromString("55.00"),
		DistributionCodeID: &code.ID,
	}).Error)

	err := f.deliver(t, "FEEDBACK.EJV004", feedFile(
		bgLine("0000000043"),
		bhLine("0000", "20260315"),
		jhLine("JV00000124", "55.00", "", "0000", ""),
		jdLine("JV00000124", "00001", "C", "55.00", "3200", "7002", "1199", "GL CLOSED"),
	))
	require.NoError(t, err)

	var inv invoicedomain.Invoice
	f.reload(t, &inv, s.invoice.ID)
	require.Equal(t, invoicedomain.DisbursementErrored, *inv.DisbursementStatus)

	var reloaded invoicedomain.DistributionCode
	f.reload(t, &reloaded, code.ID)
	require.True(t, reloaded.StopEJV)

	require.Len(t, f.bus.EventsOfType(bus.TypeEJVFailed), 1)
}

func TestRoutingSlipRefundFeedback(t *testing.T) {
	f := newFixture(t, config.Flags{})
	f.seedBatch(t, ejvdomain.FileTypeRefund, 44, 125, 7003, "10.00", invoicedomain.InvoicePaid)
	slip := "123456789"
	require.NoError(t, f.db.Create(&ejvdomain.RefundRequest{
		ID:                f.node.Generate(),
		RoutingSlipNumber: &slip,
		Amount:            decimal.RequireFromString("10.00"),
		Status:            ejvdomain.RefundApproved,
	}).Error)

	err := f.deliver(t, "FEEDBACK.AP001", feedFile(
		bgLine("0000000044"),
		bhLine("0000", "20260315"),
		ihLine(slip, "0000", ""),
	))
	require.NoError(t, err)

	var request ejvdomain.RefundRequest
	require.NoError(t, f.db.First(&request, "routing_slip_number = ?", slip).Error)
	require.Equal(t, ejvdomain.RefundProcessed, request.Status)
}

func TestEFTRefundFeedbackErrorPath(t *testing.T) {
	f := newFixture(t, config.Flags{})
	f.seedBatch(t, ejvdomain.FileTypeEFTRefund, 44, 125, 7003, "10.00", invoicedomain.InvoicePaid)
	shortNameID := f.node.Generate()
	require.NoError(t, f.db.Create(&ejvdomain.RefundRequest{
		ID:          snowflake.ID(77),
		ShortNameID: &shortNameID,
		Amount:      decimal.RequireFromString("10.00"),
		Status:      ejvdomain.RefundApproved,
	}).Error)

	err := f.deliver(t, "FEEDBACK.AP002", feedFile(
		bgLine("0000000044"),
		bhLine("0000", "20260315"),
		ihLine("0000000000000000077", "3099", "SUPPLIER NOT FOUND"),
	))
	require.NoError(t, err)

	var request ejvdomain.RefundRequest
	require.NoError(t, f.db.First(&request, "id = ?", 77).Error)
	require.Equal(t, ejvdomain.RefundErrored, request.Status)
	require.Equal(t, "SUPPLIER NOT FOUND", request.Message)

	require.Len(t, f.bus.EventsOfType(bus.TypeEJVFailed), 1)
}

func TestNonGovDisbursementFeedback(t *testing.T) {
	f := newFixture(t, config.Flags{})
	f.seedBatch(t, ejvdomain.FileTypeNonGovDisbursement, 44, 125, 7003, "10.00", invoicedomain.InvoicePaid)
	pd := &ejvdomain.PartnerDisbursement{
		ID:          snowflake.ID(902),
		TargetType:  ejvdomain.TargetInvoice,
		TargetID:    snowflake.ID(7003),
		PartnerCode: "NG",
		Amount:      decimal.RequireFromString("10.00"),
		StatusCode:  invoicedomain.DisbursementUploaded,
	}
	require.NoError(t, f.db.Create(pd).Error)

	err := f.deliver(t, "FEEDBACK.AP003", feedFile(
		bgLine("0000000044"),
		bhLine("0000", "20260315"),
		ihLine("0000000000000000902", "0000", ""),
	))
	require.NoError(t, err)

	var reloaded ejvdomain.PartnerDisbursement
	f.reload(t, &reloaded, pd.ID)
	require.Equal(t, invoicedomain.DisbursementCompleted, reloaded.StatusCode)
	require.NotNil(t, reloaded.FeedbackOn)
}
