package dispatch

import (
	"context"
	"fmt"

	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"go.uber.org/zap"
)

func (t *Task) corpTypeAllowsOnlineBanking(corpType string) bool {
	for _, disallowed := range t.cfg.OBDisallowedCorpTypes {
		if corpType == disallowed {
			return false
		}
	}
	return true
}

// runOnlineBanking raises one CFS invoice per CREATED online-banking invoice
// and schedules it for settlement. The payer settles through their bank, so
// the invoice waits in SETTLEMENT_SCHEDULED until the CAS report confirms
// payment.
func (t *Task) runOnlineBanking(ctx context.Context) error {
	invoices, err := t.listCreatedOnlineBanking(ctx)
	if err != nil {
		return err
	}

	for _, inv := range invoices {
		if !t.corpTypeAllowsOnlineBanking(inv.CorpTypeCode) {
			continue
		}

		site, err := t.accounts.EffectiveCfsAccount(ctx, inv.AccountID, accountdomain.MethodOnlineBanking)
		if err != nil {
			return fmt.Errorf("online banking dispatch invoice %d: %w", inv.ID, err)
		}
		if site == nil {
			t.log.Warn("no effective online banking site, skipping invoice",
				zap.Int64("invoice_id", int64(inv.ID)),
			)
			continue
		}

		cfsInvoice, err := t.createOrAdopt(ctx, site, fmt.Sprint(inv.ID), []*invoicedomain.Invoice{inv})
		if err != nil {
			t.log.Error("online banking cfs create failed",
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
		if err := inv.ScheduleSettlement(); err != nil {
			return err
		}
		if err := t.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ?", inv.ID).
			Update("status", inv.Status).Error; err != nil {
			return fmt.Errorf("schedule invoice %d: %w", inv.ID, err)
		}
		t.log.Info("online banking invoice dispatched",
			zap.Int64("invoice_id", int64(inv.ID)),
			zap.String("invoice_number", cfsInvoice.InvoiceNumber),
		)
	}
	return nil
}
