package casrecon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/casfeed"
	cfsdomain "github.com/govfees/payrecon/internal/cfs/domain"
	creditdomain "github.com/govfees/payrecon/internal/credit/domain"
	"github.com/govfees/payrecon/internal/observability/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// discoverCredits is the second pass: every receipt-target row becomes a
// Credit (once per receipt number) seeded with the file's original amount,
// and every CMAP row becomes a CfsCreditInvoices audit link. The seeded
// amounts are provisional; syncCredits overwrites them from CFS.
func (r *Reconciler) discoverCredits(ctx context.Context, rows []casfeed.Row, touched map[snowflake.ID]struct{}) error {
	for _, row := range rows {
		var err error
		switch {
		case row.Get(casfeed.ColTargetTxnType) == casfeed.TargetReceipt:
			err = r.recordCredit(ctx, row, touched)
		case row.RecordType() == casfeed.RecordCMAP:
			err = r.recordCreditApplication(ctx, row)
		default:
			continue
		}
		if err != nil {
			if isIntegrity(err) {
				return err
			}
			metrics.Worker().IncRecordFailed(fileKind)
			r.log.Error("credit discovery row failed",
				zap.String("record_type", row.RecordType()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (r *Reconciler) recordCredit(ctx context.Context, row casfeed.Row, touched map[snowflake.ID]struct{}) error {
	receiptNumber := row.Get(casfeed.ColTargetTxnNo)
	if receiptNumber == "" {
		return fmt.Errorf("receipt row has no target transaction number")
	}

	var existing int64
	err := r.db.WithContext(ctx).Model(&creditdomain.Credit{}).
		Where("cfs_identifier = ?", receiptNumber).
		Count(&existing).Error
	if err != nil {
		return fmt.Errorf("look up credit %s: %w", receiptNumber, err)
	}
	if existing > 0 {
		return nil
	}

	account, _, err := r.accounts.FindByCfsAccountNumber(ctx, row.Get(casfeed.ColCustomerAccount))
	if err != nil {
		return err
	}
	if account == nil {
		r.log.Warn("credit row for unknown customer account",
			zap.String("customer_account", row.Get(casfeed.ColCustomerAccount)),
		)
		return nil
	}
	touched[account.ID] = struct{}{}

	amount, err := row.Decimal(casfeed.ColTargetTxnOriginal)
	if err != nil {
		return err
	}
	credit := creditdomain.Credit{
		ID:              r.genID.Generate(),
		AccountID:       account.ID,
		CfsIdentifier:   receiptNumber,
		IsCreditMemo:    strings.HasPrefix(row.Get(casfeed.ColSourceTxnNo), "CM"),
		Amount:          amount,
		RemainingAmount: amount,
	}
	return r.db.WithContext(ctx).Create(&credit).Error
}

func (r *Reconciler) recordCreditApplication(ctx context.Context, row casfeed.Row) error {
	applicationID, err := strconv.ParseInt(row.Get(casfeed.ColAppID), 10, 64)
	if err != nil {
		return fmt.Errorf("cmap row application id %q: %w", row.Get(casfeed.ColAppID), err)
	}

	var existing int64
	err = r.db.WithContext(ctx).Model(&creditdomain.CfsCreditInvoice{}).
		Where("application_id = ?", applicationID).
		Count(&existing).Error
	if err != nil {
		return fmt.Errorf("look up credit application %d: %w", applicationID, err)
	}
	if existing > 0 {
		return nil
	}

	account, _, err := r.accounts.FindByCfsAccountNumber(ctx, row.Get(casfeed.ColCustomerAccount))
	if err != nil {
		return err
	}
	if account == nil {
		r.log.Warn("cmap row for unknown customer account",
			zap.String("customer_account", row.Get(casfeed.ColCustomerAccount)),
		)
		return nil
	}

	applied, err := row.Decimal(casfeed.ColAppAmount)
	if err != nil {
		return err
	}
	link := creditdomain.CfsCreditInvoice{
		ID:            r.genID.Generate(),
		AccountID:     account.ID,
		CfsIdentifier: row.Get(casfeed.ColSourceTxnNo),
		InvoiceNumber: row.Get(casfeed.ColTargetTxnNo),
		ApplicationID: applicationID,
		AmountApplied: applied,
	}
	return r.db.WithContext(ctx).Create(&link).Error
}

// syncCredits is the third pass: re-read every open credit from CFS, pin it
// to the site it lives on, then roll the per-site remainders up onto the
// account balances. CFS is authoritative here; the pass-two amounts only
// seed the rows.
func (r *Reconciler) syncCredits(ctx context.Context, touched map[snowflake.ID]struct{}) error {
	var credits []*creditdomain.Credit
	err := r.db.WithContext(ctx).
		Where("remaining_amount > 0").
		Find(&credits).Error
	if err != nil {
		return fmt.Errorf("list open credits: %w", err)
	}

	accounts := make(map[snowflake.ID]struct{}, len(touched))
	for id := range touched {
		accounts[id] = struct{}{}
	}
	for _, credit := range credits {
		accounts[credit.AccountID] = struct{}{}
		if err := r.syncCredit(ctx, credit); err != nil {
			if isIntegrity(err) {
				return err
			}
			r.log.Error("credit sync failed",
				zap.String("cfs_identifier", credit.CfsIdentifier),
				zap.Error(err),
			)
		}
	}

	for accountID := range accounts {
		if err := r.rollupAccountCredits(ctx, accountID); err != nil {
			return err
		}
	}
	return nil
}

// syncCredit asks CFS for the credit's current unapplied balance, probing
// the PAD site and then the OB site. A credit found on neither site is an
// integrity violation.
func (r *Reconciler) syncCredit(ctx context.Context, credit *creditdomain.Credit) error {
	padSite, err := r.accounts.EffectiveCfsAccount(ctx, credit.AccountID, accountdomain.MethodPAD)
	if err != nil {
		return err
	}
	obSite, err := r.accounts.EffectiveCfsAccount(ctx, credit.AccountID, accountdomain.MethodOnlineBanking)
	if err != nil {
		return err
	}

	for _, site := range []*accountdomain.CfsAccount{padSite, obSite} {
		if site == nil {
			continue
		}
		remaining, err := r.fetchRemaining(ctx, site, credit)
		if errors.Is(err, cfsdomain.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		// CFS may report more than the seeded amount; widen before clamping
		if remaining.GreaterThan(credit.Amount) {
			credit.Amount = remaining
		}
		if err := credit.SetRemaining(remaining); err != nil {
			return err
		}
		credit.CfsSite = site.CfsSite
		return r.db.WithContext(ctx).Save(credit).Error
	}
	return fmt.Errorf("credit %s on account %d: %w", credit.CfsIdentifier, credit.AccountID, ErrUnknownSite)
}

func (r *Reconciler) fetchRemaining(ctx context.Context, site *accountdomain.CfsAccount, credit *creditdomain.Credit) (decimal.Decimal, error) {
	if credit.IsCreditMemo {
		memo, err := r.cfs.GetCreditMemo(ctx, site, credit.CfsIdentifier)
		if err != nil {
			return decimal.Zero, err
		}
		return memo.AmountDue.Abs(), nil
	}
	receipt, err := r.cfs.GetReceipt(ctx, site, credit.CfsIdentifier)
	if err != nil {
		return decimal.Zero, err
	}
	return receipt.Unapplied(), nil
}

// rollupAccountCredits recomputes pad_credit and ob_credit from the synced
// per-credit remainders. A credit pinned to a site that is neither the PAD
// nor the OB site has no balance to feed and aborts the file.
func (r *Reconciler) rollupAccountCredits(ctx context.Context, accountID snowflake.ID) error {
	var account accountdomain.PaymentAccount
	if err := r.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("load account %d: %w", accountID, err)
	}

	padSite, err := r.accounts.EffectiveCfsAccount(ctx, accountID, accountdomain.MethodPAD)
	if err != nil {
		return err
	}
	obSite, err := r.accounts.EffectiveCfsAccount(ctx, accountID, accountdomain.MethodOnlineBanking)
	if err != nil {
		return err
	}

	var credits []*creditdomain.Credit
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&credits).Error; err != nil {
		return fmt.Errorf("list credits for account %d: %w", accountID, err)
	}

	padCredit, obCredit := decimal.Zero, decimal.Zero
	for _, credit := range credits {
		switch {
		case credit.CfsSite == "":
			// never synced; nothing to roll up yet
		case padSite != nil && credit.CfsSite == padSite.CfsSite:
			padCredit = padCredit.Add(credit.RemainingAmount)
		case obSite != nil && credit.CfsSite == obSite.CfsSite:
			obCredit = obCredit.Add(credit.RemainingAmount)
		default:
			return fmt.Errorf("credit %s pinned to site %s on account %d: %w",
				credit.CfsIdentifier, credit.CfsSite, accountID, ErrUnknownSite)
		}
	}

	account.PADCredit = padCredit
	account.OBCredit = obCredit
	return r.db.WithContext(ctx).Save(&account).Error
}
