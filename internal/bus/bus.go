// Package bus publishes typed events to the message bus and subscribes the
// reconcilers to file-arrival announcements.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/govfees/payrecon/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Event types published by this core.
const (
	TypePADInvoiceCreated         = "payment.padInvoiceCreated"
	TypeOnlineBankingPayment      = "payment.onlineBanking"
	TypeOnlineBankingOverPayment  = "payment.onlineBanking.overPaid"
	TypeOnlineBankingUnderPayment = "payment.onlineBanking.underPaid"
	TypeEJVFailed                 = "payment.ejvFailed"
	TypeAccountLock               = "account.lock"
	TypeAccountUnlock             = "account.unlock"
	TypePaymentCompleted          = "payment.completed"
	TypeFileUploaded              = "file.uploaded"
)

// Event is the envelope carried on every topic.
type Event struct {
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	ID          string          `json:"id"`
	Time        time.Time       `json:"time"`
	DataType    string          `json:"datacontenttype"`
	Data        json.RawMessage `json:"data"`
}

// FileUploaded is the payload announcing a settlement or feedback file.
type FileUploaded struct {
	Location string `json:"location"`
	FileName string `json:"fileName"`
}

// Publisher emits typed events to named topics.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, data any) error
}

// Subscriber binds a handler to a topic.
type Subscriber interface {
	Subscribe(topic string, handler func(ctx context.Context, evt Event)) error
}

type natsBus struct {
	conn   *nats.Conn
	source string
	log    *zap.Logger
}

// NewConn dials the NATS server and closes it on shutdown.
func NewConn(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.AppName),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			return conn.Drain()
		},
	})
	log.Info("nats connected", zap.String("url", cfg.NATS.URL))
	return conn, nil
}

func NewBus(conn *nats.Conn, cfg config.Config, log *zap.Logger) *natsBus {
	return &natsBus{
		conn:   conn,
		source: cfg.NATS.EventSource,
		log:    log.Named("bus"),
	}
}

func NewPublisher(b *natsBus) Publisher { return b }

func NewSubscriber(b *natsBus) Subscriber { return b }

func (b *natsBus) Publish(ctx context.Context, topic, eventType string, data any) error {
	_ = ctx
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	evt := Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      b.source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		DataType:    "application/json",
		Data:        raw,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(topic, payload); err != nil {
		return err
	}
	b.log.Debug("event published", zap.String("topic", topic), zap.String("type", eventType))
	return nil
}

func (b *natsBus) Subscribe(topic string, handler func(ctx context.Context, evt Event)) error {
	_, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.log.Error("malformed event", zap.String("topic", topic), zap.Error(err))
			return
		}
		handler(context.Background(), evt)
	})
	return err
}

// Module wires the NATS connection, publisher and subscriber.
var Module = fx.Module("bus",
	fx.Provide(NewConn),
	fx.Provide(NewBus),
	fx.Provide(NewPublisher),
	fx.Provide(NewSubscriber),
)
