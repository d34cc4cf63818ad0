package eftrecon

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	accountservice "github.com/govfees/payrecon/internal/account/service"
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

type tdi17Line []byte

func newLine() tdi17Line {
	return tdi17Line(strings.Repeat(" ", 142))
}

func (l tdi17Line) set(start int, value string) tdi17Line {
	copy(l[start:], value)
	return l
}

func (l tdi17Line) String() string { return string(l) }

func headerLine() string {
	return newLine().
		set(2, "1 ").
		set(4, "20260302").
		set(12, "0600").
		set(16, "20260301").
		set(24, "20260301").
		String()
}

func detailLine(description, amountCents string) string {
	return newLine().
		set(2, "2 ").
		set(4, "AB").
		set(6, "1234").
		set(10, "20260301").
		set(18, "00010").
		set(23, "0930").
		set(27, "001").
		set(30, description).
		set(70, amountCents).
		set(98, amountCents).
		set(111, "0010").
		set(134, "20260301").
		String()
}

func trailerLine(count, totalCents string) string {
	return newLine().
		set(2, "7 ").
		set(4, count).
		set(10, totalCents).
		String()
}

func buildFile(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

type fixture struct {
	rec   *Reconciler
	db    *gorm.DB
	store *testutil.MemStore
	node  *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	store := testutil.NewMemStore()

	cfg := config.Config{
		EFTPatterns: config.PatternConfig{
			EFT:            "MISC PAYMENT",
			Wire:           "FUNDS TRANSFER CR TT",
			PAD:            "MISC PAD",
			FederalPayment: "PROV/LOCAL GVT PYMT",
		},
	}
	rec := NewReconciler(ReconcilerParam{
		DB:       db,
		Log:      zap.NewNop(),
		Config:   cfg,
		Clock:    clock.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		Accounts: accountservice.NewService(accountservice.ServiceParam{DB: db, Log: zap.NewNop()}),
		Store:    store,
		GenID:    node,
	})
	return &fixture{rec: rec, db: db, store: store, node: node}
}

func (f *fixture) deliver(t *testing.T, fileName string, data []byte) error {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), "eft-files", fileName, data))
	return f.rec.Process(context.Background(), "eft-files", fileName)
}

func (f *fixture) fileRow(t *testing.T, fileName string) eftdomain.File {
	t.Helper()
	var row eftdomain.File
	require.NoError(t, f.db.First(&row, "filename = ?", fileName).Error)
	return row
}

func TestCleanFileIssuesCredits(t *testing.T) {
	f := newFixture(t)

	err := f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("MISC PAYMENT ABC CORP", "0000000012500"),
		detailLine("FUNDS TRANSFER CR TT XYZ LTD", "0000000003000"),
		trailerLine("000002", "00000000015500"),
	))
	require.NoError(t, err)

	row := f.fileRow(t, "eft_20260302.txt")
	require.Equal(t, eftdomain.FileCompleted, row.Status)
	require.Equal(t, 2, row.NumberOfDetails)
	require.Equal(t, int64(15500), row.TotalDepositCents)
	require.NotNil(t, row.CompletedOn)

	var abc eftdomain.ShortName
	require.NoError(t, f.db.First(&abc, "name = ?", "ABC CORP").Error)
	require.Equal(t, eftdomain.ShortNameEFT, abc.Type)

	var xyz eftdomain.ShortName
	require.NoError(t, f.db.First(&xyz, "name = ?", "XYZ LTD").Error)
	require.Equal(t, eftdomain.ShortNameWire, xyz.Type)

	var credit eftdomain.Credit
	require.NoError(t, f.db.First(&credit, "short_name_id = ?", abc.ID).Error)
	require.True(t, credit.Amount.Equal(decimal.RequireFromString("125.00")))
	require.True(t, credit.RemainingAmount.Equal(credit.Amount))

	var history eftdomain.ShortNameHistory
	require.NoError(t, f.db.First(&history, "short_name_id = ?", abc.ID).Error)
	require.Equal(t, eftdomain.HistoryFundsReceived, history.TransactionType)
	require.True(t, history.CreditBalance.Equal(decimal.RequireFromString("125.00")))
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), history.TransactionDate.UTC())
}

func TestNonEFTRowsAreIgnored(t *testing.T) {
	f := newFixture(t)

	err := f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("MISC PAD SOMETHING", "0000000005000"),
		detailLine("CHEQUE DEPOSIT", "0000000002000"),
		trailerLine("000002", "00000000007000"),
	))
	require.NoError(t, err)

	require.Equal(t, eftdomain.FileCompleted, f.fileRow(t, "eft_20260302.txt").Status)

	var credits int64
	require.NoError(t, f.db.Model(&eftdomain.Credit{}).Count(&credits).Error)
	require.Zero(t, credits)
}

func TestFederalPaymentSynthesizesShortName(t *testing.T) {
	f := newFixture(t)

	err := f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("PROV/LOCAL GVT PYMT CANADA", "0000000009000"),
		trailerLine("000001", "00000000009000"),
	))
	require.NoError(t, err)

	var shortName eftdomain.ShortName
	require.NoError(t, f.db.First(&shortName, "name = ?", "FEDERAL PAYMENT 00010").Error)
	require.Equal(t, eftdomain.ShortNameFederal, shortName.Type)
}

func TestFieldErrorFailsFileWithoutCredits(t *testing.T) {
	f := newFixture(t)

	bad := newLine().
		set(2, "2 ").
		set(10, "20260301").
		set(30, "MISC PAYMENT ABC CORP").
		set(70, "12X45").
		String()
	err := f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		bad,
		detailLine("MISC PAYMENT OTHER CO", "0000000001000"),
		trailerLine("000002", "00000000001000"),
	))
	require.NoError(t, err)

	row := f.fileRow(t, "eft_20260302.txt")
	require.Equal(t, eftdomain.FileFailed, row.Status)

	var credits int64
	require.NoError(t, f.db.Model(&eftdomain.Credit{}).Count(&credits).Error)
	require.Zero(t, credits)

	var failed []eftdomain.Transaction
	require.NoError(t, f.db.Where("file_id = ? AND status = ?", row.ID, eftdomain.TransactionFailed).
		Find(&failed).Error)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].ParseError, "deposit_amount")

	var inProgress int64
	require.NoError(t, f.db.Model(&eftdomain.Transaction{}).
		Where("file_id = ? AND status = ?", row.ID, eftdomain.TransactionInProgress).
		Count(&inProgress).Error)
	require.Equal(t, int64(3), inProgress)
}

func TestTrailerMismatchFailsFile(t *testing.T) {
	f := newFixture(t)

	err := f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("MISC PAYMENT ABC CORP", "0000000012500"),
		trailerLine("000002", "00000000012500"),
	))
	require.NoError(t, err)

	row := f.fileRow(t, "eft_20260302.txt")
	require.Equal(t, eftdomain.FileFailed, row.Status)

	var trailer eftdomain.Transaction
	require.NoError(t, f.db.First(&trailer, "file_id = ? AND line_type = ?", row.ID, eftdomain.LineTypeTrailer).Error)
	require.Equal(t, eftdomain.TransactionFailed, trailer.Status)
	require.Contains(t, trailer.ParseError, "trailer count")
}

func TestCompletedFileIsNotReprocessed(t *testing.T) {
	f := newFixture(t)
	data := buildFile(
		headerLine(),
		detailLine("MISC PAYMENT ABC CORP", "0000000012500"),
		trailerLine("000001", "00000000012500"),
	)

	require.NoError(t, f.deliver(t, "eft_20260302.txt", data))
	require.NoError(t, f.deliver(t, "eft_20260302.txt", data))

	var credits int64
	require.NoError(t, f.db.Model(&eftdomain.Credit{}).Count(&credits).Error)
	require.Equal(t, int64(1), credits)
}

func TestFailedFileIsRetried(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("MISC PAYMENT ABC CORP", "0000000012500"),
		trailerLine("000002", "00000000012500"),
	)))
	require.Equal(t, eftdomain.FileFailed, f.fileRow(t, "eft_20260302.txt").Status)

	require.NoError(t, f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("MISC PAYMENT ABC CORP", "0000000012500"),
		trailerLine("000001", "00000000012500"),
	)))

	row := f.fileRow(t, "eft_20260302.txt")
	require.Equal(t, eftdomain.FileCompleted, row.Status)

	var credits int64
	require.NoError(t, f.db.Model(&eftdomain.Credit{}).Count(&credits).Error)
	require.Equal(t, int64(1), credits)
}

// seedLinkedAccount wires a short name to an account with one owing EFT
// invoice.
func (f *fixture) seedLinkedAccount(t *testing.T, shortName, total string) (*accountdomain.PaymentAccount, *invoicedomain.Invoice) {
	t.Helper()
	acct := &accountdomain.PaymentAccount{
		ID:            f.node.Generate(),
		AuthAccountID: fmt.Sprint(f.node.Generate()),
		PaymentMethod: accountdomain.MethodEFT,
	}
	require.NoError(t, f.db.Create(acct).Error)

	inv := &invoicedomain.Invoice{
		ID:            f.node.Generate(),
		AccountID:     acct.ID,
		Total:         decimal.RequireFromString(total),
		CorpTypeCode:  "CP",
		PaymentMethod: accountdomain.MethodEFT,
		Status:        invoicedomain.InvoiceApproved,
	}
	require.NoError(t, f.db.Create(inv).Error)

	name := &eftdomain.ShortName{ID: f.node.Generate(), Name: shortName, Type: eftdomain.ShortNameEFT}
	require.NoError(t, f.db.Create(name).Error)
	link := &eftdomain.ShortNameLink{
		ID:            f.node.Generate(),
		ShortNameID:   name.ID,
		AuthAccountID: acct.AuthAccountID,
		Status:        eftdomain.LinkLinked,
	}
	require.NoError(t, f.db.Create(link).Error)
	return acct, inv
}

func TestDepositTriggersPendingApplication(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seedLinkedAccount(t, "ABC CORP", "100.00")

	err := f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("MISC PAYMENT ABC CORP", "0000000012500"),
		trailerLine("000001", "00000000012500"),
	))
	require.NoError(t, err)

	var cil eftdomain.CreditInvoiceLink
	require.NoError(t, f.db.First(&cil, "invoice_id = ?", inv.ID).Error)
	require.Equal(t, eftdomain.CILPending, cil.Status)
	require.True(t, cil.Amount.Equal(decimal.RequireFromString("100.00")))
	require.Equal(t, int64(inv.ID), cil.LinkGroupID)

	var credit eftdomain.Credit
	require.NoError(t, f.db.First(&credit, "id = ?", cil.CreditID).Error)
	require.True(t, credit.RemainingAmount.Equal(decimal.RequireFromString("25.00")))

	var history eftdomain.ShortNameHistory
	require.NoError(t, f.db.First(&history, "transaction_type = ?", eftdomain.HistoryInvoicePaid).Error)
	require.True(t, history.Amount.Equal(decimal.RequireFromString("100.00")))
	require.True(t, history.CreditBalance.Equal(decimal.RequireFromString("25.00")))
	require.True(t, history.IsProcessing)
	require.True(t, history.HiddenPayment)
}

func TestInsufficientBalanceSkipsApplication(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seedLinkedAccount(t, "ABC CORP", "200.00")

	err := f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("MISC PAYMENT ABC CORP", "0000000012500"),
		trailerLine("000001", "00000000012500"),
	))
	require.NoError(t, err)

	var links int64
	require.NoError(t, f.db.Model(&eftdomain.CreditInvoiceLink{}).
		Where("invoice_id = ?", inv.ID).Count(&links).Error)
	require.Zero(t, links)

	var credit eftdomain.Credit
	require.NoError(t, f.db.First(&credit).Error)
	require.True(t, credit.RemainingAmount.Equal(decimal.RequireFromString("125.00")))
}

func TestInFlightPaymentBlocksNewApplication(t *testing.T) {
	f := newFixture(t)
	acct, inv := f.seedLinkedAccount(t, "ABC CORP", "50.00")

	other := &invoicedomain.Invoice{
		ID:            f.node.Generate(),
		AccountID:     acct.ID,
		Total:         decimal.RequireFromString("10.00"),
		CorpTypeCode:  "CP",
		PaymentMethod: accountdomain.MethodEFT,
		Status:        invoicedomain.InvoicePaid,
	}
	require.NoError(t, f.db.Create(other).Error)
	existing := &eftdomain.CreditInvoiceLink{
		ID:          f.node.Generate(),
		CreditID:    f.node.Generate(),
		InvoiceID:   other.ID,
		Amount:      decimal.RequireFromString("10.00"),
		Status:      eftdomain.CILPending,
		LinkGroupID: int64(other.ID),
	}
	require.NoError(t, f.db.Create(existing).Error)

	err := f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("MISC PAYMENT ABC CORP", "0000000012500"),
		trailerLine("000001", "00000000012500"),
	))
	require.NoError(t, err)

	var links int64
	require.NoError(t, f.db.Model(&eftdomain.CreditInvoiceLink{}).
		Where("invoice_id = ?", inv.ID).Count(&links).Error)
	require.Zero(t, links)
}

func TestApplicationSpansMultipleCredits(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seedLinkedAccount(t, "ABC CORP", "150.00")

	err := f.deliver(t, "eft_20260302.txt", buildFile(
		headerLine(),
		detailLine("MISC PAYMENT ABC CORP", "0000000010000"),
		detailLine("MISC PAYMENT ABC CORP", "0000000008000"),
		trailerLine("000002", "00000000018000"),
	))
	require.NoError(t, err)

	var cils []eftdomain.CreditInvoiceLink
	require.NoError(t, f.db.Where("invoice_id = ?", inv.ID).Order("amount DESC").Find(&cils).Error)
	require.Len(t, cils, 2)
	require.True(t, cils[0].Amount.Equal(decimal.RequireFromString("100.00")))
	require.True(t, cils[1].Amount.Equal(decimal.RequireFromString("50.00")))
	require.Equal(t, cils[0].LinkGroupID, cils[1].LinkGroupID)
}
