package eftrecon

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	eftdomain "github.com/govfees/payrecon/internal/eft/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// applyPendingForShortName walks the short name's linked accounts and, for
// each one whose total owing fits inside the credit balance, allocates
// credits onto the owing invoices as PENDING links. The link task raises
// the CFS side later. A failed account is logged and does not block the
// next link.
func (r *Reconciler) applyPendingForShortName(ctx context.Context, shortNameID snowflake.ID) error {
	var links []*eftdomain.ShortNameLink
	err := r.db.WithContext(ctx).
		Where("short_name_id = ? AND status = ?", shortNameID, eftdomain.LinkLinked).
		Find(&links).Error
	if err != nil {
		return fmt.Errorf("list links for short name %d: %w", shortNameID, err)
	}

	for _, link := range links {
		if err := r.applyCreditsToAccount(ctx, shortNameID, link); err != nil {
			r.log.Error("credit application failed",
				zap.Int64("short_name_id", int64(shortNameID)),
				zap.String("auth_account_id", link.AuthAccountID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (r *Reconciler) applyCreditsToAccount(ctx context.Context, shortNameID snowflake.ID, link *eftdomain.ShortNameLink) error {
	account, err := r.accounts.FindByAuthAccountID(ctx, link.AuthAccountID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("no account for auth id %s", link.AuthAccountID)
	}

	pending, err := r.countPendingLinks(ctx, account.ID)
	if err != nil {
		return err
	}
	if pending > 0 {
		r.log.Info("account has a payment in flight, skipping",
			zap.String("auth_account_id", link.AuthAccountID),
		)
		return nil
	}

	invoices, err := r.listOwingInvoices(ctx, account.ID)
	if err != nil {
		return err
	}
	owing := decimal.Zero
	for _, inv := range invoices {
		owing = owing.Add(inv.Due())
	}
	if !owing.IsPositive() {
		return nil
	}

	balance, err := shortNameBalance(r.db.WithContext(ctx), shortNameID)
	if err != nil {
		return err
	}
	if owing.GreaterThan(balance) {
		r.log.Info("credit balance below amount owing, skipping",
			zap.String("auth_account_id", link.AuthAccountID),
			zap.String("owing", owing.String()),
			zap.String("balance", balance.String()),
		)
		return nil
	}

	now := r.clock.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var credits []*eftdomain.Credit
		if err := tx.Where("short_name_id = ? AND remaining_amount > 0", shortNameID).
			Order("created_at ASC, id ASC").
			Find(&credits).Error; err != nil {
			return err
		}

		remaining := balance
		for _, inv := range invoices {
			needed := inv.Due()
			groupID := int64(inv.ID)

			for _, credit := range credits {
				if !needed.IsPositive() {
					break
				}
				if !credit.RemainingAmount.IsPositive() {
					continue
				}
				take := decimal.Min(credit.RemainingAmount, needed)
				cil := eftdomain.CreditInvoiceLink{
					ID:          r.genID.Generate(),
					CreditID:    credit.ID,
					InvoiceID:   inv.ID,
					Amount:      take,
					Status:      eftdomain.CILPending,
					LinkGroupID: groupID,
				}
				if err := tx.Create(&cil).Error; err != nil {
					return err
				}
				credit.RemainingAmount = credit.RemainingAmount.Sub(take)
				if err := tx.Save(credit).Error; err != nil {
					return err
				}
				needed = needed.Sub(take)
			}
			if needed.IsPositive() {
				return fmt.Errorf("invoice %d not fully covered, %s short", inv.ID, needed)
			}

			remaining = remaining.Sub(inv.Due())
			history := eftdomain.ShortNameHistory{
				ID:                 r.genID.Generate(),
				ShortNameID:        shortNameID,
				TransactionType:    eftdomain.HistoryInvoicePaid,
				Amount:             inv.Due(),
				CreditBalance:      remaining,
				RelatedLinkGroupID: &groupID,
				IsProcessing:       true,
				HiddenPayment:      true,
				TransactionDate:    now,
			}
			if err := tx.Create(&history).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// countPendingLinks counts in-flight credit applications on the account's
// invoices.
func (r *Reconciler) countPendingLinks(ctx context.Context, accountID snowflake.ID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&eftdomain.CreditInvoiceLink{}).
		Joins("JOIN invoices ON invoices.id = eft_credit_invoice_links.invoice_id").
		Where("invoices.account_id = ? AND eft_credit_invoice_links.status = ?",
			accountID, eftdomain.CILPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count pending links for account %d: %w", accountID, err)
	}
	return count, nil
}

// listOwingInvoices returns the account's unpaid EFT invoices oldest first.
func (r *Reconciler) listOwingInvoices(ctx context.Context, accountID snowflake.ID) ([]*invoicedomain.Invoice, error) {
	var invoices []*invoicedomain.Invoice
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND payment_method = ? AND status IN ?",
			accountID,
			accountdomain.MethodEFT,
			[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceApproved, invoicedomain.InvoiceOverdue},
		).
		Order("created_at ASC, id ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, fmt.Errorf("list owing invoices for account %d: %w", accountID, err)
	}
	return invoices, nil
}
