package dispatch

import (
	"context"
	"fmt"

	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/bus"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"go.uber.org/zap"
)

// runPAD raises one rolled-up CFS invoice per account covering every
// APPROVED PAD invoice without a reference. The newest invoice in the batch
// names the transaction, which keeps the probe number derivable after a
// timeout.
func (t *Task) runPAD(ctx context.Context) error {
	accountIDs, err := t.listAccountsWithApproved(ctx, accountdomain.MethodPAD)
	if err != nil {
		return err
	}

	for _, accountID := range accountIDs {
		site, err := t.accounts.EffectiveCfsAccount(ctx, accountID, accountdomain.MethodPAD)
		if err != nil {
			return fmt.Errorf("pad dispatch account %d: %w", accountID, err)
		}
		if site == nil {
			t.log.Warn("no effective pad site, skipping account", zap.Int64("account_id", int64(accountID)))
			continue
		}
		if site.Status == accountdomain.CfsAccountFreeze {
			t.log.Info("pad site frozen, skipping account", zap.Int64("account_id", int64(accountID)))
			continue
		}

		invoices, err := t.listApprovedWithoutReference(ctx, accountID, accountdomain.MethodPAD)
		if err != nil {
			return err
		}
		if len(invoices) == 0 {
			continue
		}

		newest := invoices[len(invoices)-1]
		cfsInvoice, err := t.createOrAdopt(ctx, site, fmt.Sprint(newest.ID), invoices)
		if err != nil {
			t.log.Error("pad cfs create failed",
				zap.Int64("account_id", int64(accountID)),
				zap.Error(err),
			)
			continue
		}
		if cfsInvoice == nil {
			continue
		}

		if err := t.recordReferences(ctx, site, cfsInvoice, invoices); err != nil {
			return err
		}
		t.log.Info("pad invoice dispatched",
			zap.Int64("account_id", int64(accountID)),
			zap.String("invoice_number", cfsInvoice.InvoiceNumber),
			zap.Int("invoices", len(invoices)),
		)

		if t.flags.Get().DisablePADSuccessEmail {
			continue
		}
		account, err := t.loadAccount(ctx, accountID)
		if err != nil {
			return err
		}
		creditTotal := account.PADCredit
		if creditTotal.GreaterThan(cfsInvoice.Total) {
			creditTotal = cfsInvoice.Total
		}
		if err := t.bus.Publish(ctx, t.cfg.NATS.MailerTopic, bus.TypePADInvoiceCreated, padInvoiceCreated{
			AccountID:     accountID,
			AuthAccountID: account.AuthAccountID,
			InvoiceNumber: cfsInvoice.InvoiceNumber,
			Total:         cfsInvoice.Total,
			CreditTotal:   creditTotal,
		}); err != nil {
			t.log.Error("pad mailer event failed", zap.Error(err))
		}
	}
	return nil
}

// runEFT raises one CFS invoice per internal invoice. EFT refunds adjust
// individual line items, which requires the 1:1 mapping.
func (t *Task) runEFT(ctx context.Context) error {
	accountIDs, err := t.listAccountsWithApproved(ctx, accountdomain.MethodEFT)
	if err != nil {
		return err
	}

	for _, accountID := range accountIDs {
		site, err := t.accounts.EffectiveCfsAccount(ctx, accountID, accountdomain.MethodEFT)
		if err != nil {
			return fmt.Errorf("eft dispatch account %d: %w", accountID, err)
		}
		if site == nil {
			t.log.Warn("no effective eft site, skipping account", zap.Int64("account_id", int64(accountID)))
			continue
		}

		invoices, err := t.listApprovedWithoutReference(ctx, accountID, accountdomain.MethodEFT)
		if err != nil {
			return err
		}
		for _, inv := range invoices {
			cfsInvoice, err := t.createOrAdopt(ctx, site, fmt.Sprint(inv.ID), []*invoicedomain.Invoice{inv})
			if err != nil {
				t.log.Error("eft cfs create failed",
					zap.Int64("invoice_id", int64(inv.ID)),
					zap.Error(err),
				)
				continue
			}
			if cfsInvoice == nil {
				continue
			}
			if err := t.recordReferences(ctx, site, cfsInvoice, []*invoicedomain.Invoice{inv}); err != nil {
				return err
			}
			t.log.Info("eft invoice dispatched",
				zap.Int64("invoice_id", int64(inv.ID)),
				zap.String("invoice_number", cfsInvoice.InvoiceNumber),
			)
		}
	}
	return nil
}
