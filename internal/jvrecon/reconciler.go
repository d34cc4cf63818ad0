// Package jvrecon processes journal-voucher feedback files: batch verdicts
// update disbursement state on EJV files, headers and links, payment batches
// settle ministry invoices, and AP headers finish refund requests.
package jvrecon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/bus"
	"github.com/govfees/payrecon/internal/clock"
	"github.com/govfees/payrecon/internal/config"
	ejvdomain "github.com/govfees/payrecon/internal/ejv/domain"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/govfees/payrecon/internal/jvfeed"
	"github.com/govfees/payrecon/internal/objectstore"
	"github.com/govfees/payrecon/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const fileKind = "jv"

// ackPrefix marks acknowledgement files, which carry no verdicts.
const ackPrefix = "ACK"

type ReconcilerParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config config.Config
	Flags  *config.FlagsHolder
	Clock  clock.Clock
	Bus    bus.Publisher
	Store  objectstore.Gateway
	GenID  *snowflake.Node
}

// Reconciler applies one feedback file to internal state.
type Reconciler struct {
	db    *gorm.DB
	log   *zap.Logger
	cfg   config.Config
	flags *config.FlagsHolder
	clock clock.Clock
	bus   bus.Publisher
	store objectstore.Gateway
	genID *snowflake.Node
}

func NewReconciler(p ReconcilerParam) *Reconciler {
	return &Reconciler{
		db:    p.DB,
		log:   p.Log.Named("jvrecon"),
		cfg:   p.Config,
		flags: p.Flags,
		clock: p.Clock,
		bus:   p.Bus,
		store: p.Store,
		genID: p.GenID,
	}
}

// Process applies one feedback file. Idempotency is per batch: a batch whose
// EJV file already carries a feedback reference is skipped, so partial
// deliveries and re-deliveries both converge.
func (r *Reconciler) Process(ctx context.Context, location, fileName string) error {
	if strings.HasPrefix(fileName, ackPrefix) {
		r.log.Info("feedback acknowledgement noted", zap.String("file", fileName))
		metrics.Worker().IncFileProcessed(fileKind, "ack")
		return nil
	}

	data, err := r.store.Fetch(ctx, location, fileName)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", fileName, err)
	}
	parsed, err := jvfeed.Parse(data)
	if err != nil {
		metrics.Worker().IncFileProcessed(fileKind, "failed")
		return fmt.Errorf("parse %s: %w", fileName, err)
	}

	sawError := false
	for _, batch := range parsed.Batches {
		rejected, err := r.processBatch(ctx, fileName, batch)
		if err != nil {
			if errors.Is(err, invoicedomain.ErrInvalidTransition) {
				metrics.Worker().IncFileProcessed(fileKind, "failed")
				return fmt.Errorf("%s batch %s: %w", fileName, batch.Group.BatchNumber, err)
			}
			sawError = true
			metrics.Worker().IncRecordFailed(fileKind)
			r.log.Error("feedback batch failed",
				zap.String("file", fileName),
				zap.String("batch", batch.Group.BatchNumber),
				zap.Error(err),
			)
			continue
		}
		if rejected {
			sawError = true
		}
	}

	if sawError && !r.flags.Get().DisableEJVErrorEmail {
		payload := map[string]any{
			"fileName": fileName,
			"location": location,
		}
		if err := r.bus.Publish(ctx, r.cfg.NATS.MailerTopic, bus.TypeEJVFailed, payload); err != nil {
			r.log.Error("ejv failed event not published", zap.String("file", fileName), zap.Error(err))
		}
	}
	metrics.Worker().IncFileProcessed(fileKind, "completed")
	return nil
}

// processBatch applies one BG..BT group in a single transaction. Returns
// whether the batch carried any rejected record.
func (r *Reconciler) processBatch(ctx context.Context, fileName string, batch jvfeed.Batch) (bool, error) {
	fileID, err := parseID(batch.Group.BatchNumber)
	if err != nil {
		return false, fmt.Errorf("batch number %q: %w", batch.Group.BatchNumber, err)
	}

	rejected := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file ejvdomain.File
		if err := tx.First(&file, "id = ?", fileID).Error; err != nil {
			return fmt.Errorf("load ejv file %d: %w", fileID, err)
		}
		if file.FeedbackFileRef != nil {
			r.log.Info("ejv batch already answered",
				zap.Int64("ejv_file_id", fileID),
				zap.String("feedback_file", *file.FeedbackFileRef),
			)
			return nil
		}

		effectiveDate := batch.Header.EffectiveDate
		if effectiveDate.IsZero() {
			effectiveDate = r.clock.Now()
		}

		fileStatus := invoicedomain.DisbursementCompleted
		if !batch.Header.Accepted() {
			fileStatus = invoicedomain.DisbursementErrored
			rejected = true
		}
		file.FeedbackFileRef = &fileName
		file.DisbursementStatus = &fileStatus
		file.Message = batch.Header.Message
		if err := tx.Save(&file).Error; err != nil {
			return err
		}

		for _, journal := range batch.Journals {
			jr, err := r.processJournal(tx, &file, journal, effectiveDate)
			if err != nil {
				return err
			}
			if jr {
				rejected = true
			}
		}

		for _, header := range batch.InvoiceHeaders {
			ir, err := r.processInvoiceHeader(tx, &file, header)
			if err != nil {
				return err
			}
			if ir {
				rejected = true
			}
		}
		return nil
	})
	return rejected, err
}

// processJournal applies one JH and its details.
func (r *Reconciler) processJournal(tx *gorm.DB, file *ejvdomain.File, journal jvfeed.JournalHeader, effectiveDate time.Time) (bool, error) {
	headerID, err := journal.HeaderID()
	if err != nil {
		return false, err
	}
	var header ejvdomain.Header
	if err := tx.First(&header, "id = ?", headerID).Error; err != nil {
		return false, fmt.Errorf("load ejv header %d: %w", headerID, err)
	}

	rejected := !journal.Accepted()
	status := invoicedomain.DisbursementCompleted
	if rejected {
		status = invoicedomain.DisbursementErrored
	}
	header.DisbursementStatus = &status
	header.Message = journal.Message
	if err := tx.Save(&header).Error; err != nil {
		return rejected, err
	}

	if file.FileType == ejvdomain.FileTypePayment && !rejected && header.AccountID != nil {
		payment := invoicedomain.Payment{
			ID:            r.genID.Generate(),
			AccountID:     *header.AccountID,
			InvoiceNumber: journal.JournalName,
			InvoiceAmount: journal.Amount,
			PaidAmount:    journal.Amount,
			PaymentMethod: accountdomain.MethodEJV,
			Status:        invoicedomain.PaymentCompleted,
			ReceiptNumber: journal.ReceiptNumber,
			PaymentDate:   &effectiveDate,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return rejected, fmt.Errorf("ministry payment for journal %s: %w", journal.JournalName, err)
		}
	}

	for _, detail := range journal.Details {
		dr, err := r.processDetail(tx, file, &header, journal, detail, effectiveDate)
		if err != nil {
			return rejected, err
		}
		if dr {
			rejected = true
		}
	}
	return rejected, nil
}

// Module wires the JV feedback reconciler.
var Module = fx.Module("jvrecon",
	fx.Provide(NewReconciler),
)
