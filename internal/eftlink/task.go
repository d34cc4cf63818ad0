// Package eftlink applies pending EFT credit-invoice links: it raises the
// CFS receipt for each rolled-up link group, applies it to the CFS invoice
// and settles the internal invoice. Refund-pending links are reversed
// symmetrically.
package eftlink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/bus"
	cfsdomain "github.com/govfees/payrecon/internal/cfs/domain"
	"github.com/govfees/payrecon/internal/clock"
	"github.com/govfees/payrecon/internal/config"
	eftdomain "github.com/govfees/payrecon/internal/eft/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrRollupMismatch is a validation failure: the pending links for an
// invoice do not sum to its total. The rollup is skipped and left for
// manual correction.
var ErrRollupMismatch = errors.New("link rollup does not match invoice total")

type TaskParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Clock    clock.Clock
	CFS      cfsdomain.Service
	Accounts accountdomain.Service
	Bus      bus.Publisher
	GenID    *snowflake.Node
}

// Task is the EFT credit-link application job.
type Task struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	clock    clock.Clock
	cfs      cfsdomain.Service
	accounts accountdomain.Service
	bus      bus.Publisher
	genID    *snowflake.Node
}

func NewTask(p TaskParam) *Task {
	return &Task{
		db:       p.DB,
		log:      p.Log.Named("eftlink"),
		cfg:      p.Config,
		clock:    p.Clock,
		cfs:      p.CFS,
		accounts: p.Accounts,
		bus:      p.Bus,
		genID:    p.GenID,
	}
}

// LinkRollup is the pending links for one invoice summed per link group.
type LinkRollup struct {
	InvoiceID   snowflake.ID
	LinkGroupID int64
	Amount      decimal.Decimal
}

// listPendingLinkRollups groups links of the status by
// (invoice, link group) with the summed amount.
func (t *Task) listPendingLinkRollups(ctx context.Context, status eftdomain.CILStatus) ([]LinkRollup, error) {
	var rollups []LinkRollup
	err := t.db.WithContext(ctx).
		Model(&eftdomain.CreditInvoiceLink{}).
		Select("invoice_id, link_group_id, SUM(amount) AS amount").
		Where("status = ?", status).
		Group("invoice_id, link_group_id").
		Order("link_group_id ASC").
		Scan(&rollups).Error
	if err != nil {
		return nil, fmt.Errorf("list %s link rollups: %w", status, err)
	}
	return rollups, nil
}

func receiptNumberFor(linkGroupID int64) string {
	return "EFTCIL" + strconv.FormatInt(linkGroupID, 10)
}

// Run applies every PENDING rollup, reverses every PENDING_REFUND rollup,
// then unlocks accounts whose overdue invoices all cleared. The accumulator
// sets live on this call's stack; a fresh run starts empty.
func (t *Task) Run(ctx context.Context) error {
	overdueAccountIDs := map[snowflake.ID]struct{}{}

	pending, err := t.listPendingLinkRollups(ctx, eftdomain.CILPending)
	if err != nil {
		return err
	}
	for _, rollup := range pending {
		if err := t.applyRollup(ctx, rollup, overdueAccountIDs); err != nil {
			t.log.Error("link application failed",
				zap.Int64("invoice_id", int64(rollup.InvoiceID)),
				zap.Int64("link_group_id", rollup.LinkGroupID),
				zap.Error(err),
			)
		}
	}

	refunds, err := t.listPendingLinkRollups(ctx, eftdomain.CILPendingRefund)
	if err != nil {
		return err
	}
	for _, rollup := range refunds {
		if err := t.reverseRollup(ctx, rollup); err != nil {
			t.log.Error("link refund failed",
				zap.Int64("invoice_id", int64(rollup.InvoiceID)),
				zap.Int64("link_group_id", rollup.LinkGroupID),
				zap.Error(err),
			)
		}
	}

	return t.unlockClearedAccounts(ctx, overdueAccountIDs)
}

func (t *Task) applyRollup(ctx context.Context, rollup LinkRollup, overdueAccountIDs map[snowflake.ID]struct{}) error {
	var inv invoicedomain.Invoice
	if err := t.db.WithContext(ctx).First(&inv, "id = ?", rollup.InvoiceID).Error; err != nil {
		return fmt.Errorf("load invoice %d: %w", rollup.InvoiceID, err)
	}
	if !inv.Total.Equal(rollup.Amount) {
		return fmt.Errorf("invoice %d total %s rollup %s: %w", inv.ID, inv.Total, rollup.Amount, ErrRollupMismatch)
	}

	site, err := t.accounts.EffectiveCfsAccount(ctx, inv.AccountID, accountdomain.MethodEFT)
	if err != nil {
		return err
	}
	if site == nil || site.Status != accountdomain.CfsAccountActive {
		return fmt.Errorf("invoice %d account %d has no active eft site", inv.ID, inv.AccountID)
	}

	var ref invoicedomain.InvoiceReference
	err = t.db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", inv.ID, invoicedomain.ReferenceActive).
		First(&ref).Error
	if err != nil {
		return fmt.Errorf("invoice %d has no active reference: %w", inv.ID, err)
	}

	now := t.clock.Now()
	receiptNumber := receiptNumberFor(rollup.LinkGroupID)
	if _, err := t.cfs.CreateReceipt(ctx, site, receiptNumber, now, rollup.Amount, accountdomain.MethodEFT); err != nil {
		return fmt.Errorf("create receipt %s: %w", receiptNumber, err)
	}
	if err := t.cfs.ApplyReceipt(ctx, site, receiptNumber, ref.InvoiceNumber); err != nil {
		return fmt.Errorf("apply receipt %s: %w", receiptNumber, err)
	}

	wasOverdue := inv.Status == invoicedomain.InvoiceOverdue

	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ref.Complete(); err != nil {
			return err
		}
		if err := tx.Save(&ref).Error; err != nil {
			return err
		}
		receipt := invoicedomain.Receipt{
			ID:            t.genID.Generate(),
			InvoiceID:     inv.ID,
			ReceiptNumber: receiptNumber,
			Amount:        rollup.Amount,
			ReceiptDate:   now,
		}
		if err := tx.Create(&receipt).Error; err != nil {
			return err
		}
		payment := invoicedomain.Payment{
			ID:            t.genID.Generate(),
			AccountID:     inv.AccountID,
			InvoiceNumber: ref.InvoiceNumber,
			InvoiceAmount: inv.Total,
			PaidAmount:    rollup.Amount,
			PaymentMethod: accountdomain.MethodEFT,
			Status:        invoicedomain.PaymentCompleted,
			ReceiptNumber: receiptNumber,
			PaymentDate:   &now,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}
		if err := inv.MarkPaid(rollup.Amount, now); err != nil {
			return err
		}
		if err := tx.Save(&inv).Error; err != nil {
			return err
		}
		if err := tx.Model(&eftdomain.CreditInvoiceLink{}).
			Where("invoice_id = ? AND link_group_id = ? AND status = ?", inv.ID, rollup.LinkGroupID, eftdomain.CILPending).
			Updates(map[string]any{"status": eftdomain.CILCompleted, "receipt_number": receiptNumber}).Error; err != nil {
			return err
		}
		return tx.Model(&eftdomain.ShortNameHistory{}).
			Where("related_link_group_id = ?", rollup.LinkGroupID).
			Updates(map[string]any{"is_processing": false, "hidden_payment": false}).Error
	})
	if err != nil {
		return err
	}

	if wasOverdue {
		overdueAccountIDs[inv.AccountID] = struct{}{}
	}
	t.log.Info("eft link rollup applied",
		zap.Int64("invoice_id", int64(inv.ID)),
		zap.String("receipt_number", receiptNumber),
	)
	return nil
}

// reverseRollup undoes an applied link group after a refund request. A fully
// paid invoice is cancelled and refunded with a compensating CFS adjustment;
// anything else returns to the dispatch queue.
func (t *Task) reverseRollup(ctx context.Context, rollup LinkRollup) error {
	var inv invoicedomain.Invoice
	if err := t.db.WithContext(ctx).First(&inv, "id = ?", rollup.InvoiceID).Error; err != nil {
		return fmt.Errorf("load invoice %d: %w", rollup.InvoiceID, err)
	}

	site, err := t.accounts.EffectiveCfsAccount(ctx, inv.AccountID, accountdomain.MethodEFT)
	if err != nil {
		return err
	}
	if site == nil {
		return fmt.Errorf("invoice %d account %d has no effective eft site", inv.ID, inv.AccountID)
	}

	var ref invoicedomain.InvoiceReference
	err = t.db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", inv.ID, invoicedomain.ReferenceCompleted).
		First(&ref).Error
	if err != nil {
		return fmt.Errorf("invoice %d has no completed reference: %w", inv.ID, err)
	}

	receiptNumber := receiptNumberFor(rollup.LinkGroupID)
	if err := t.cfs.ReverseReceipt(ctx, site, receiptNumber); err != nil {
		return fmt.Errorf("reverse receipt %s: %w", receiptNumber, err)
	}

	fullRefund := inv.Status == invoicedomain.InvoicePaid && inv.Paid.Equal(rollup.Amount)
	if fullRefund {
		if err := t.cfs.AdjustInvoice(ctx, site, ref.InvoiceNumber, inv.Total.Neg(), "EFT refund"); err != nil {
			return fmt.Errorf("adjust invoice %s: %w", ref.InvoiceNumber, err)
		}
	}

	now := t.clock.Now()
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if fullRefund {
			if err := ref.Cancel(); err != nil {
				return err
			}
			if err := inv.MarkRefunded(now); err != nil {
				return err
			}
		} else {
			if err := ref.Reactivate(); err != nil {
				return err
			}
			inv.Status = invoicedomain.InvoiceApproved
			inv.Paid = decimal.Zero
			inv.PaymentDate = nil
		}
		if err := tx.Save(&ref).Error; err != nil {
			return err
		}
		if err := tx.Save(&inv).Error; err != nil {
			return err
		}
		if err := tx.Where("invoice_id = ? AND receipt_number = ?", inv.ID, receiptNumber).
			Delete(&invoicedomain.Receipt{}).Error; err != nil {
			return err
		}
		if err := tx.Where("invoice_number = ? AND receipt_number = ?", ref.InvoiceNumber, receiptNumber).
			Delete(&invoicedomain.Payment{}).Error; err != nil {
			return err
		}
		return tx.Model(&eftdomain.CreditInvoiceLink{}).
			Where("invoice_id = ? AND link_group_id = ? AND status = ?", inv.ID, rollup.LinkGroupID, eftdomain.CILPendingRefund).
			Update("status", eftdomain.CILRefunded).Error
	})
}

// unlockClearedAccounts clears the overdue flag and publishes an unlock
// event for every queued account with no overdue invoices left.
func (t *Task) unlockClearedAccounts(ctx context.Context, accountIDs map[snowflake.ID]struct{}) error {
	for accountID := range accountIDs {
		var count int64
		err := t.db.WithContext(ctx).
			Model(&invoicedomain.Invoice{}).
			Where("account_id = ? AND status = ?", accountID, invoicedomain.InvoiceOverdue).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("count overdue invoices for account %d: %w", accountID, err)
		}
		if count > 0 {
			continue
		}

		err = t.db.WithContext(ctx).
			Model(&accountdomain.PaymentAccount{}).
			Where("id = ?", accountID).
			Update("overdue_invoices_at", nil).Error
		if err != nil {
			return fmt.Errorf("clear overdue flag for account %d: %w", accountID, err)
		}

		var account accountdomain.PaymentAccount
		if err := t.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
			return err
		}
		if err := t.bus.Publish(ctx, t.cfg.NATS.AuthEventTopic, bus.TypeAccountUnlock, map[string]any{
			"accountId":     accountID,
			"authAccountId": account.AuthAccountID,
		}); err != nil {
			t.log.Error("unlock event failed", zap.Error(err))
		}
		t.log.Info("account unlocked", zap.Int64("account_id", int64(accountID)))
	}
	return nil
}

// Module wires the EFT link task.
var Module = fx.Module("eftlink",
	fx.Provide(NewTask),
)
