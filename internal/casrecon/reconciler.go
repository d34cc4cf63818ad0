// Package casrecon processes the daily CAS settlement report: it mirrors
// CFS settlement results onto internal invoices, runs the NSF flow for
// failed PAD draws, and discovers and rolls up on-account credits.
package casrecon

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/bus"
	"github.com/govfees/payrecon/internal/casfeed"
	cfsdomain "github.com/govfees/payrecon/internal/cfs/domain"
	"github.com/govfees/payrecon/internal/clock"
	"github.com/govfees/payrecon/internal/config"
	creditdomain "github.com/govfees/payrecon/internal/credit/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/govfees/payrecon/internal/objectstore"
	"github.com/govfees/payrecon/internal/observability/metrics"
	settlementdomain "github.com/govfees/payrecon/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnknownSite is an integrity violation: a credit's CFS site matches no
// payment method of its account. The file is aborted for manual correction.
var ErrUnknownSite = errors.New("credit cfs site matches no known payment method")

const fileKind = "cas"

type ReconcilerParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Flags    *config.FlagsHolder
	Clock    clock.Clock
	CFS      cfsdomain.Service
	Accounts accountdomain.Service
	Bus      bus.Publisher
	Store    objectstore.Gateway
	GenID    *snowflake.Node
}

// Reconciler applies one CAS settlement file to internal state.
type Reconciler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	flags    *config.FlagsHolder
	clock    clock.Clock
	cfs      cfsdomain.Service
	accounts accountdomain.Service
	bus      bus.Publisher
	store    objectstore.Gateway
	genID    *snowflake.Node
}

func NewReconciler(p ReconcilerParam) *Reconciler {
	return &Reconciler{
		db:       p.DB,
		log:      p.Log.Named("casrecon"),
		cfg:      p.Config,
		flags:    p.Flags,
		clock:    p.Clock,
		cfs:      p.CFS,
		accounts: p.Accounts,
		bus:      p.Bus,
		store:    p.Store,
		genID:    p.GenID,
	}
}

// isIntegrity reports whether the error must abort the whole file.
func isIntegrity(err error) bool {
	return errors.Is(err, accountdomain.ErrAmbiguousSite) ||
		errors.Is(err, invoicedomain.ErrInvalidTransition) ||
		errors.Is(err, creditdomain.ErrRemainingOutOfRange) ||
		errors.Is(err, ErrUnknownSite)
}

// Process applies one settlement file. A file is processed at most once;
// re-delivery finds the settled row and exits. Row-level failures skip the
// row; integrity violations abort the file so it can be re-processed after
// manual correction.
func (r *Reconciler) Process(ctx context.Context, location, fileName string) error {
	settled, err := r.markReceived(ctx, location, fileName)
	if err != nil {
		return err
	}
	if settled == nil {
		r.log.Info("settlement file already processed", zap.String("file", fileName))
		metrics.Worker().IncFileProcessed(fileKind, "duplicate")
		return nil
	}

	data, err := r.store.Fetch(ctx, location, fileName)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", fileName, err)
	}
	rows, err := casfeed.Parse(data)
	if err != nil {
		metrics.Worker().IncFileProcessed(fileKind, "failed")
		return fmt.Errorf("parse %s: %w", fileName, err)
	}

	touched := map[snowflake.ID]struct{}{}
	for i, row := range rows {
		if err := r.processRow(ctx, row, touched); err != nil {
			if isIntegrity(err) {
				metrics.Worker().IncFileProcessed(fileKind, "failed")
				return fmt.Errorf("%s line %d: %w", fileName, i+2, err)
			}
			metrics.Worker().IncRecordFailed(fileKind)
			r.log.Error("settlement row failed",
				zap.String("file", fileName),
				zap.Int("line", i+2),
				zap.String("record_type", row.RecordType()),
				zap.Error(err),
			)
		}
	}

	if err := r.discoverCredits(ctx, rows, touched); err != nil {
		if isIntegrity(err) {
			metrics.Worker().IncFileProcessed(fileKind, "failed")
			return err
		}
		r.log.Error("credit discovery failed", zap.String("file", fileName), zap.Error(err))
	}
	if err := r.syncCredits(ctx, touched); err != nil {
		if isIntegrity(err) {
			metrics.Worker().IncFileProcessed(fileKind, "failed")
			return err
		}
		r.log.Error("credit sync failed", zap.String("file", fileName), zap.Error(err))
	}

	now := r.clock.Now()
	settled.ProcessedOn = &now
	if err := r.db.WithContext(ctx).Save(settled).Error; err != nil {
		return fmt.Errorf("mark %s processed: %w", fileName, err)
	}
	metrics.Worker().IncFileProcessed(fileKind, "completed")
	return nil
}

// markReceived records the file's arrival, or returns nil when its effects
// are already applied.
func (r *Reconciler) markReceived(ctx context.Context, location, fileName string) (*settlementdomain.CASSettlement, error) {
	var settled settlementdomain.CASSettlement
	err := r.db.WithContext(ctx).Where("file_name = ?", fileName).First(&settled).Error
	switch {
	case err == nil:
		if settled.ProcessedOn != nil {
			return nil, nil
		}
		return &settled, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		settled = settlementdomain.CASSettlement{
			ID:         r.genID.Generate(),
			FileName:   fileName,
			Location:   location,
			ReceivedOn: r.clock.Now(),
		}
		if createErr := r.db.WithContext(ctx).Create(&settled).Error; createErr != nil {
			return nil, fmt.Errorf("record settlement file %s: %w", fileName, createErr)
		}
		return &settled, nil
	default:
		return nil, fmt.Errorf("look up settlement file %s: %w", fileName, err)
	}
}

// processRow dispatches one settlement row. touched collects the accounts
// whose credits must be re-synced in pass three.
func (r *Reconciler) processRow(ctx context.Context, row casfeed.Row, touched map[snowflake.ID]struct{}) error {
	recordType := row.RecordType()
	switch recordType {
	case casfeed.RecordADJS, casfeed.RecordEFTR:
		r.log.Info("settlement row logged only",
			zap.String("record_type", recordType),
			zap.String("target", row.Get(casfeed.ColTargetTxnNo)),
		)
		return nil
	case "":
		return fmt.Errorf("row has no record type")
	}

	targetNumber := row.Get(casfeed.ColTargetTxnNo)
	if cfsdomain.IsConsolidatedRetry(targetNumber) {
		// card payment already settled the consolidated retry invoice
		r.log.Info("consolidated invoice row skipped", zap.String("target", targetNumber))
		return nil
	}

	account, _, err := r.accounts.FindByCfsAccountNumber(ctx, row.Get(casfeed.ColCustomerAccount))
	if err != nil {
		return err
	}
	if account == nil {
		if r.flags.Get().SkipExceptionForTest {
			r.log.Warn("unknown customer account, skipping row",
				zap.String("customer_account", row.Get(casfeed.ColCustomerAccount)),
			)
			return nil
		}
		return fmt.Errorf("unknown customer account %s", row.Get(casfeed.ColCustomerAccount))
	}
	touched[account.ID] = struct{}{}

	switch recordType {
	case casfeed.RecordPAD, casfeed.RecordPADR, casfeed.RecordPAYR:
		if row.Get(casfeed.ColTargetTxnStatus) == casfeed.StatusPaid {
			return r.settlePaidRow(ctx, account, row)
		}
		return r.runNSF(ctx, account, row)
	case casfeed.RecordBOLP:
		return r.settleOnlineBankingRow(ctx, account, row)
	case casfeed.RecordEFTP:
		return r.completePrecreatedPayment(ctx, row)
	case casfeed.RecordONAC, casfeed.RecordDRWP:
		// credit on account; rows become Credit rows in pass two
		return nil
	case casfeed.RecordCMAP:
		if row.Get(casfeed.ColTargetTxnStatus) == casfeed.StatusPaid {
			return r.settlePaidRow(ctx, account, row)
		}
		return nil
	default:
		r.log.Warn("unknown settlement record type", zap.String("record_type", recordType))
		return nil
	}
}

// Module wires the CAS reconciler.
var Module = fx.Module("casrecon",
	fx.Provide(NewReconciler),
)
