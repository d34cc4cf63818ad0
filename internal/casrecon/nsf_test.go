package casrecon

import (
	"testing"

	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/bus"
	"github.com/govfees/payrecon/internal/config"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func nsfRow(customerAccount string) casRow {
	return casRow{
		record:       "PADR",
		sourceNo:     "RCPT002",
		targetType:   "INV",
		targetNo:     "REGT00000002",
		status:       "NOT_PAID",
		original:     "150.00",
		outstanding:  "150.00",
		customer:     customerAccount,
		appDate:      "02-Mar-26",
		appAmount:    "0.00",
		reversalDesc: "NSF",
	}
}

// seedSettledPAD creates two settled invoices consolidated under one CFS
// invoice number, the state the NSF flow unwinds.
func seedSettledPAD(t *testing.T, f *fixture) (*accountdomain.PaymentAccount, *accountdomain.CfsAccount, []*invoicedomain.Invoice) {
	t.Helper()
	acct := f.account(t, accountdomain.MethodPAD)
	site := f.site(t, acct, accountdomain.MethodPAD, accountdomain.CfsAccountActive)

	var invoices []*invoicedomain.Invoice
	for _, total := range []string{"100.00", "50.00"} {
		inv := f.invoice(t, acct, accountdomain.MethodPAD, total, invoicedomain.InvoicePaid)
		require.NoError(t, f.db.Model(inv).
			Update("paid", decimal.RequireFromString(total)).Error)
		inv.Paid = decimal.RequireFromString(total)
		f.reference(t, inv, "REGT00000002", invoicedomain.ReferenceCompleted)
		receipt := &invoicedomain.Receipt{
			ID:            f.node.Generate(),
			InvoiceID:     inv.ID,
			ReceiptNumber: "RCPT002",
			Amount:        decimal.RequireFromString(total),
			ReceiptDate:   f.rec.clock.Now(),
		}
		require.NoError(t, f.db.Create(receipt).Error)
		invoices = append(invoices, inv)
	}
	return acct, site, invoices
}

func TestNSFFreezesAccountAndUnwindsSettlements(t *testing.T) {
	f := newFixture(t, config.Flags{})
	acct, site, invoices := seedSettledPAD(t, f)

	require.NoError(t, f.deliver(t, "cas_20260302.csv", nsfRow(site.CfsAccount)))

	var gotSite accountdomain.CfsAccount
	require.NoError(t, f.db.First(&gotSite, "id = ?", site.ID).Error)
	require.Equal(t, accountdomain.CfsAccountFreeze, gotSite.Status)

	stops := f.cfs.CallsFor("update_site_receipt_method")
	require.Len(t, stops, 1)
	require.Equal(t, "BCR-PAD Stop", stops[0].Number)

	var gotAcct accountdomain.PaymentAccount
	require.NoError(t, f.db.First(&gotAcct, "id = ?", acct.ID).Error)
	require.NotNil(t, gotAcct.NSFInvoicesAt)

	for _, inv := range invoices {
		var got invoicedomain.Invoice
		require.NoError(t, f.db.First(&got, "id = ?", inv.ID).Error)
		require.Equal(t, invoicedomain.InvoiceSettlementScheduled, got.Status)
		require.True(t, got.Paid.IsZero())

		var ref invoicedomain.InvoiceReference
		require.NoError(t, f.db.First(&ref, "invoice_id = ?", inv.ID).Error)
		require.Equal(t, invoicedomain.ReferenceActive, ref.Status)

		var receipts int64
		require.NoError(t, f.db.Model(&invoicedomain.Receipt{}).
			Where("invoice_id = ?", inv.ID).Count(&receipts).Error)
		require.Zero(t, receipts)
	}

	var nsfInvoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&nsfInvoice, "corp_type_code = ?", nsfCorpType).Error)
	require.True(t, nsfInvoice.Total.Equal(decimal.RequireFromString("30.00")))
	require.Equal(t, accountdomain.MethodDirectPay, nsfInvoice.PaymentMethod)

	var lineItem invoicedomain.InvoiceLineItem
	require.NoError(t, f.db.First(&lineItem, "invoice_id = ?", nsfInvoice.ID).Error)
	require.Equal(t, nsfFilingType, lineItem.FilingTypeCode)

	var nsfRef invoicedomain.InvoiceReference
	require.NoError(t, f.db.First(&nsfRef, "invoice_id = ?", nsfInvoice.ID).Error)
	require.Equal(t, "REGT00000002", nsfRef.InvoiceNumber)
	require.Equal(t, invoicedomain.ReferenceActive, nsfRef.Status)
	require.NotEmpty(t, nsfRef.ReferenceNumber)

	var nsfRows int64
	require.NoError(t, f.db.Model(&invoicedomain.NonSufficientFunds{}).Count(&nsfRows).Error)
	require.Equal(t, int64(1), nsfRows)

	adjusts := f.cfs.CallsFor("adjust_invoice")
	require.Len(t, adjusts, 1)
	require.Equal(t, "REGT00000002", adjusts[0].Number)
	require.True(t, adjusts[0].Amount.Equal(decimal.RequireFromString("30.00")))

	locks := f.bus.EventsOfType(bus.TypeAccountLock)
	require.Len(t, locks, 1)
	payload := locks[0].DataJSON()
	require.Equal(t, nsfLockReason, payload["reason"])
	require.Equal(t, "150", payload["originalAmount"])
}

func TestNSFIsIdempotentAcrossDeliveries(t *testing.T) {
	f := newFixture(t, config.Flags{})
	_, site, _ := seedSettledPAD(t, f)

	require.NoError(t, f.deliver(t, "cas_20260302.csv", nsfRow(site.CfsAccount)))
	require.NoError(t, f.deliver(t, "cas_20260303.csv", nsfRow(site.CfsAccount)))

	var nsfInvoices int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("corp_type_code = ?", nsfCorpType).Count(&nsfInvoices).Error)
	require.Equal(t, int64(1), nsfInvoices)

	var nsfRows int64
	require.NoError(t, f.db.Model(&invoicedomain.NonSufficientFunds{}).Count(&nsfRows).Error)
	require.Equal(t, int64(1), nsfRows)

	require.Len(t, f.cfs.CallsFor("update_site_receipt_method"), 1)
	require.Len(t, f.cfs.CallsFor("adjust_invoice"), 1)
	require.Len(t, f.bus.EventsOfType(bus.TypeAccountLock), 1)
}
