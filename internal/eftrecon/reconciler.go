// Package eftrecon processes the daily TDI17 deposit file: it validates the
// file atomically, turns EFT-category deposits into short-name credits, then
// applies pending credits to each linked account's owing invoices.
package eftrecon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/clock"
	"github.com/govfees/payrecon/internal/config"
	eftdomain "github.com/govfees/payrecon/internal/eft/domain"
	"github.com/govfees/payrecon/internal/objectstore"
	"github.com/govfees/payrecon/internal/observability/metrics"
	"github.com/govfees/payrecon/internal/tdi17"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const fileKind = "eft"

type ReconcilerParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Clock    clock.Clock
	Accounts accountdomain.Service
	Store    objectstore.Gateway
	GenID    *snowflake.Node
}

// Reconciler applies one TDI17 deposit file to internal state.
type Reconciler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	clock    clock.Clock
	accounts accountdomain.Service
	store    objectstore.Gateway
	genID    *snowflake.Node
}

func NewReconciler(p ReconcilerParam) *Reconciler {
	return &Reconciler{
		db:       p.DB,
		log:      p.Log.Named("eftrecon"),
		cfg:      p.Config,
		clock:    p.Clock,
		accounts: p.Accounts,
		store:    p.Store,
		genID:    p.GenID,
	}
}

// classify maps a deposit description onto a short name. PAD deposits settle
// through the CAS report and descriptive rows carry no payer, so both are
// dropped here. A federal payment has no payer handle of its own; the short
// name is synthesized from the deposit location.
func (r *Reconciler) classify(d tdi17.Detail) (string, eftdomain.ShortNameType, bool) {
	desc := d.TransactionDescription
	patterns := r.cfg.EFTPatterns
	switch {
	case strings.HasPrefix(desc, patterns.PAD):
		return "", "", false
	case strings.HasPrefix(desc, patterns.EFT):
		name := strings.TrimSpace(desc[len(patterns.EFT):])
		return name, eftdomain.ShortNameEFT, name != ""
	case strings.HasPrefix(desc, patterns.Wire):
		name := strings.TrimSpace(desc[len(patterns.Wire):])
		return name, eftdomain.ShortNameWire, name != ""
	case strings.HasPrefix(desc, patterns.FederalPayment):
		return "FEDERAL PAYMENT " + d.LocationID, eftdomain.ShortNameFederal, true
	default:
		return "", "", false
	}
}

func joinFieldErrors(errs []tdi17.FieldError) string {
	if len(errs) == 0 {
		return ""
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Process validates and applies one TDI17 file. Validation and effects are
// two phases: a file with any field error persists its full error surface
// and issues no credits; a clean file issues credits and then drives the
// pending-application pass per short name.
func (r *Reconciler) Process(ctx context.Context, location, fileName string) error {
	fileRow, err := r.ensureFileRow(ctx, fileName)
	if err != nil {
		return err
	}
	if fileRow == nil {
		r.log.Info("tdi17 file already processed", zap.String("file", fileName))
		metrics.Worker().IncFileProcessed(fileKind, "duplicate")
		return nil
	}

	data, err := r.store.Fetch(ctx, location, fileName)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", fileName, err)
	}
	parsed, err := tdi17.Parse(data)
	if err != nil {
		if markErr := r.markFileFailed(ctx, fileRow, err.Error()); markErr != nil {
			return markErr
		}
		metrics.Worker().IncFileProcessed(fileKind, "failed")
		return fmt.Errorf("parse %s: %w", fileName, err)
	}

	touched, err := r.persistFile(ctx, fileRow, parsed)
	if err != nil {
		return err
	}
	if touched == nil {
		metrics.Worker().IncFileProcessed(fileKind, "failed")
		r.log.Warn("tdi17 file failed validation", zap.String("file", fileName))
		return nil
	}
	metrics.Worker().IncFileProcessed(fileKind, "completed")

	for shortNameID := range touched {
		if err := r.applyPendingForShortName(ctx, shortNameID); err != nil {
			r.log.Error("apply pending credits failed",
				zap.Int64("short_name_id", int64(shortNameID)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ensureFileRow returns the file row to process, or nil when the file's
// effects are already applied. A FAILED prior attempt is reset and retried.
func (r *Reconciler) ensureFileRow(ctx context.Context, fileName string) (*eftdomain.File, error) {
	var prior eftdomain.File
	err := r.db.WithContext(ctx).Where("filename = ?", fileName).First(&prior).Error
	switch {
	case err == nil:
		if prior.Status != eftdomain.FileFailed {
			return nil, nil
		}
		if err := r.db.WithContext(ctx).
			Where("file_id = ?", prior.ID).
			Delete(&eftdomain.Transaction{}).Error; err != nil {
			return nil, fmt.Errorf("reset failed file %s: %w", fileName, err)
		}
		prior.Status = eftdomain.FileInProgress
		if err := r.db.WithContext(ctx).Save(&prior).Error; err != nil {
			return nil, err
		}
		return &prior, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := eftdomain.File{
			ID:        r.genID.Generate(),
			Filename:  fileName,
			Status:    eftdomain.FileInProgress,
			CreatedOn: r.clock.Now(),
		}
		if createErr := r.db.WithContext(ctx).Create(&row).Error; createErr != nil {
			return nil, fmt.Errorf("record tdi17 file %s: %w", fileName, createErr)
		}
		return &row, nil
	default:
		return nil, fmt.Errorf("look up tdi17 file %s: %w", fileName, err)
	}
}

func (r *Reconciler) markFileFailed(ctx context.Context, fileRow *eftdomain.File, reason string) error {
	row := eftdomain.Transaction{
		ID:         r.genID.Generate(),
		FileID:     fileRow.ID,
		LineType:   eftdomain.LineTypeHeader,
		LineNumber: 1,
		Status:     eftdomain.TransactionFailed,
		ParseError: reason,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	fileRow.Status = eftdomain.FileFailed
	return r.db.WithContext(ctx).Save(fileRow).Error
}

// persistFile writes the file's line rows and, when the file is clean, its
// credits, all in one transaction. Returns the touched short names, or nil
// when the file failed validation.
func (r *Reconciler) persistFile(ctx context.Context, fileRow *eftdomain.File, parsed *tdi17.File) (map[snowflake.ID]struct{}, error) {
	sumCents := int64(0)
	for _, d := range parsed.Details {
		sumCents += d.DepositAmountCents
	}

	structural := ""
	if parsed.Trailer.NumberOfDetails != len(parsed.Details) {
		structural = fmt.Sprintf("trailer count %d, file has %d details",
			parsed.Trailer.NumberOfDetails, len(parsed.Details))
	} else if parsed.Trailer.TotalDepositCents != sumCents {
		structural = fmt.Sprintf("trailer total %d, details sum to %d",
			parsed.Trailer.TotalDepositCents, sumCents)
	}
	failed := parsed.HasErrors() || structural != ""

	lineStatus := func(errs []tdi17.FieldError) eftdomain.TransactionStatus {
		if len(errs) > 0 {
			return eftdomain.TransactionFailed
		}
		if failed {
			return eftdomain.TransactionInProgress
		}
		return eftdomain.TransactionCompleted
	}

	touched := map[snowflake.ID]struct{}{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		header := eftdomain.Transaction{
			ID:         r.genID.Generate(),
			FileID:     fileRow.ID,
			LineType:   eftdomain.LineTypeHeader,
			LineNumber: parsed.Header.LineNumber,
			Status:     lineStatus(parsed.Header.Errors),
			ParseError: joinFieldErrors(parsed.Header.Errors),
		}
		if err := tx.Create(&header).Error; err != nil {
			return err
		}

		for _, d := range parsed.Details {
			row := eftdomain.Transaction{
				ID:                 r.genID.Generate(),
				FileID:             fileRow.ID,
				LineType:           eftdomain.LineTypeTransaction,
				LineNumber:         d.LineNumber,
				Status:             lineStatus(d.Errors),
				DepositAmountCents: d.DepositAmountCADCents,
				ParseError:         joinFieldErrors(d.Errors),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			if !failed {
				shortNameID, created, err := r.issueCredit(tx, fileRow, &row, d)
				if err != nil {
					return err
				}
				if created {
					touched[shortNameID] = struct{}{}
				}
			}
		}

		trailerStatus := lineStatus(parsed.Trailer.Errors)
		trailerError := joinFieldErrors(parsed.Trailer.Errors)
		if structural != "" {
			trailerStatus = eftdomain.TransactionFailed
			if trailerError != "" {
				trailerError += "; "
			}
			trailerError += structural
		}
		trailer := eftdomain.Transaction{
			ID:         r.genID.Generate(),
			FileID:     fileRow.ID,
			LineType:   eftdomain.LineTypeTrailer,
			LineNumber: parsed.Trailer.LineNumber,
			Status:     trailerStatus,
			ParseError: trailerError,
		}
		if err := tx.Create(&trailer).Error; err != nil {
			return err
		}

		fileRow.NumberOfDetails = len(parsed.Details)
		fileRow.TotalDepositCents = parsed.Trailer.TotalDepositCents
		if !parsed.Header.FromDate.IsZero() {
			from := parsed.Header.FromDate
			fileRow.DepositFromDate = &from
		}
		if !parsed.Header.ToDate.IsZero() {
			to := parsed.Header.ToDate
			fileRow.DepositToDate = &to
		}
		if failed {
			fileRow.Status = eftdomain.FileFailed
		} else {
			fileRow.Status = eftdomain.FileCompleted
			now := r.clock.Now()
			fileRow.CompletedOn = &now
		}
		return tx.Save(fileRow).Error
	})
	if err != nil {
		return nil, err
	}
	if failed {
		return nil, nil
	}
	return touched, nil
}

// issueCredit turns one EFT-category deposit into a short-name credit plus a
// funds-received history entry carrying the running balance. Non-EFT rows
// issue nothing.
func (r *Reconciler) issueCredit(tx *gorm.DB, fileRow *eftdomain.File, row *eftdomain.Transaction, d tdi17.Detail) (snowflake.ID, bool, error) {
	name, kind, ok := r.classify(d)
	if !ok {
		return 0, false, nil
	}

	var shortName eftdomain.ShortName
	err := tx.Where("name = ?", name).First(&shortName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		shortName = eftdomain.ShortName{
			ID:   r.genID.Generate(),
			Name: name,
			Type: kind,
		}
		err = tx.Create(&shortName).Error
	}
	if err != nil {
		return 0, false, fmt.Errorf("short name %q: %w", name, err)
	}

	row.ShortNameID = &shortName.ID
	if err := tx.Save(row).Error; err != nil {
		return 0, false, err
	}

	amount := decimal.New(d.DepositAmountCADCents, -2)
	credit := eftdomain.Credit{
		ID:              r.genID.Generate(),
		ShortNameID:     shortName.ID,
		FileID:          fileRow.ID,
		TransactionID:   row.ID,
		Amount:          amount,
		RemainingAmount: amount,
	}
	if err := tx.Create(&credit).Error; err != nil {
		return 0, false, fmt.Errorf("credit for short name %q: %w", name, err)
	}

	balance, err := shortNameBalance(tx, shortName.ID)
	if err != nil {
		return 0, false, err
	}
	history := eftdomain.ShortNameHistory{
		ID:              r.genID.Generate(),
		ShortNameID:     shortName.ID,
		TransactionType: eftdomain.HistoryFundsReceived,
		Amount:          amount,
		CreditBalance:   balance,
		TransactionDate: d.DepositDate,
	}
	if err := tx.Create(&history).Error; err != nil {
		return 0, false, err
	}
	return shortName.ID, true, nil
}

// shortNameBalance sums the unapplied credit on a short name.
func shortNameBalance(tx *gorm.DB, shortNameID snowflake.ID) (decimal.Decimal, error) {
	var balance decimal.NullDecimal
	err := tx.Model(&eftdomain.Credit{}).
		Select("SUM(remaining_amount)").
		Where("short_name_id = ?", shortNameID).
		Scan(&balance).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance for short name %d: %w", shortNameID, err)
	}
	if !balance.Valid {
		return decimal.Zero, nil
	}
	return balance.Decimal, nil
}

// Module wires the TDI17 reconciler.
var Module = fx.Module("eftrecon",
	fx.Provide(NewReconciler),
)
