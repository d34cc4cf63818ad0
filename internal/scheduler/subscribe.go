package scheduler

import (
	"context"
	"encoding/json"

	"github.com/govfees/payrecon/internal/bus"
	"github.com/govfees/payrecon/internal/casrecon"
	"github.com/govfees/payrecon/internal/config"
	"github.com/govfees/payrecon/internal/eftrecon"
	"github.com/govfees/payrecon/internal/jvrecon"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type SubscriptionParam struct {
	fx.In

	Sub    bus.Subscriber
	Config config.Config
	Log    *zap.Logger
	CAS    *casrecon.Reconciler
	EFT    *eftrecon.Reconciler
	JV     *jvrecon.Reconciler
}

// RegisterFileSubscriptions binds each file topic to its reconciler. A
// reconciler failure is logged and left for re-delivery; the idempotency
// guards make re-processing safe.
func RegisterFileSubscriptions(p SubscriptionParam) error {
	log := p.Log.Named("scheduler.files")

	bind := func(topic, kind string, process func(ctx context.Context, location, fileName string) error) error {
		return p.Sub.Subscribe(topic, func(ctx context.Context, evt bus.Event) {
			var payload bus.FileUploaded
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				log.Error("malformed file event",
					zap.String("topic", topic),
					zap.String("kind", kind),
					zap.Error(err),
				)
				return
			}
			if err := process(ctx, payload.Location, payload.FileName); err != nil {
				log.Error("file processing failed",
					zap.String("kind", kind),
					zap.String("file", payload.FileName),
					zap.Error(err),
				)
			}
		})
	}

	if err := bind(p.Config.NATS.CASFileTopic, "cas", p.CAS.Process); err != nil {
		return err
	}
	if err := bind(p.Config.NATS.EFTFileTopic, "eft", p.EFT.Process); err != nil {
		return err
	}
	return bind(p.Config.NATS.JVFileTopic, "jv", p.JV.Process)
}
