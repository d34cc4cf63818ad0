// Package dispatch runs the periodic invoice-creation task: it gathers
// approved invoices per payment method, raises the matching invoices in CFS
// and records the references. Creation against CFS can time out with unknown
// outcome, so every create goes through the probe-and-adopt path.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/internal/bus"
	cfsdomain "github.com/govfees/payrecon/internal/cfs/domain"
	"github.com/govfees/payrecon/internal/clock"
	"github.com/govfees/payrecon/internal/config"
	invoicedomain "github.com/govfees/payrecon/internal/invoice/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type TaskParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Flags    *config.FlagsHolder
	Clock    clock.Clock
	CFS      cfsdomain.Service
	Accounts accountdomain.Service
	Bus      bus.Publisher
	GenID    *snowflake.Node
}

// Task is the invoice dispatch job.
type Task struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	flags    *config.FlagsHolder
	clock    clock.Clock
	cfs      cfsdomain.Service
	accounts accountdomain.Service
	bus      bus.Publisher
	genID    *snowflake.Node
}

func NewTask(p TaskParam) *Task {
	return &Task{
		db:       p.DB,
		log:      p.Log.Named("dispatch"),
		cfg:      p.Config,
		flags:    p.Flags,
		clock:    p.Clock,
		cfs:      p.CFS,
		accounts: p.Accounts,
		bus:      p.Bus,
		genID:    p.GenID,
	}
}

// Run drives the pipelines in fixed order. Cancellations run before
// routing-slip creations so a receipt freed by a cancellation is available
// to apply in the same run.
func (t *Task) Run(ctx context.Context) error {
	return errors.Join(
		t.runPAD(ctx),
		t.runEFT(ctx),
		t.runOnlineBanking(ctx),
		t.runRoutingSlipCancellations(ctx),
		t.runRoutingSlipCreations(ctx),
	)
}

// padInvoiceCreated is the mailer payload for a successful PAD rollup.
type padInvoiceCreated struct {
	AccountID     snowflake.ID    `json:"accountId"`
	AuthAccountID string          `json:"authAccountId"`
	InvoiceNumber string          `json:"invoiceNumber"`
	Total         decimal.Decimal `json:"invoiceTotal"`
	CreditTotal   decimal.Decimal `json:"creditTotal"`
}

func lineItemsFor(invoices []*invoicedomain.Invoice) []cfsdomain.LineItem {
	lines := make([]cfsdomain.LineItem, 0, len(invoices))
	for _, inv := range invoices {
		description := inv.CorpTypeCode
		if inv.BusinessIdentifier != "" {
			description = fmt.Sprintf("%s %s", inv.CorpTypeCode, inv.BusinessIdentifier)
		}
		lines = append(lines, cfsdomain.LineItem{
			Description: description,
			Amount:      inv.Total,
			Quantity:    1,
		})
	}
	return lines
}

func rollupTotal(invoices []*invoicedomain.Invoice) decimal.Decimal {
	total := decimal.Zero
	for _, inv := range invoices {
		total = total.Add(inv.Total)
	}
	return total
}

// createOrAdopt raises one CFS invoice for the batch and returns the CFS
// invoice to record references against, or (nil, nil) when the outcome is
// unknown and the batch must wait for the next run.
func (t *Task) createOrAdopt(ctx context.Context, site *accountdomain.CfsAccount, txnNumber string, invoices []*invoicedomain.Invoice) (*cfsdomain.Invoice, error) {
	total := rollupTotal(invoices)
	outcome, err := t.cfs.CreateInvoiceOrAdopt(ctx, site, cfsdomain.InvoiceRequest{
		TransactionNumber: txnNumber,
		TransactionDate:   t.clock.Now(),
		Lines:             lineItemsFor(invoices),
	}, total)
	if err != nil {
		return nil, err
	}

	switch o := outcome.(type) {
	case cfsdomain.Created:
		return &o.Invoice, nil
	case cfsdomain.AdoptedOnProbe:
		t.log.Info("adopted cfs invoice after timeout",
			zap.String("transaction_number", txnNumber),
			zap.String("invoice_number", o.Invoice.InvoiceNumber),
		)
		return &o.Invoice, nil
	case cfsdomain.SkipUnknown:
		t.log.Warn("cfs create outcome unknown, leaving batch for next run",
			zap.String("transaction_number", txnNumber),
			zap.String("reason", o.Reason),
		)
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected dispatch outcome %T", outcome)
	}
}

// recordReferences writes one ACTIVE reference per internal invoice against
// the CFS invoice and stamps the dispatching site, in one transaction.
func (t *Task) recordReferences(ctx context.Context, site *accountdomain.CfsAccount, cfsInvoice *cfsdomain.Invoice, invoices []*invoicedomain.Invoice) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, inv := range invoices {
			ref := invoicedomain.InvoiceReference{
				ID:              t.genID.Generate(),
				InvoiceID:       inv.ID,
				InvoiceNumber:   cfsInvoice.InvoiceNumber,
				ReferenceNumber: cfsInvoice.PbcRefNumber,
				Status:          invoicedomain.ReferenceActive,
			}
			if err := tx.Create(&ref).Error; err != nil {
				return fmt.Errorf("reference for invoice %d: %w", inv.ID, err)
			}
			inv.CfsAccountID = &site.ID
			if err := tx.Model(&invoicedomain.Invoice{}).
				Where("id = ?", inv.ID).
				Update("cfs_account_id", site.ID).Error; err != nil {
				return fmt.Errorf("stamp invoice %d: %w", inv.ID, err)
			}
		}
		return nil
	})
}

// Module wires the dispatch task.
var Module = fx.Module("dispatch",
	fx.Provide(NewTask),
)
