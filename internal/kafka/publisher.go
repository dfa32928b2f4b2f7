package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/route-feeder/internal/metrics"
	"github.com/route-beacon/route-feeder/internal/rib"
)

const (
	ActionAdd      = "A"
	ActionWithdraw = "D"
)

// RouteRecord is the JSON value of one produced record.
type RouteRecord struct {
	Action     string    `json:"action"`
	Prefix     string    `json:"prefix"`
	Nexthop    string    `json:"nexthop"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"ts"`
}

// RouteSource is the subscription side of the route table.
type RouteSource interface {
	Subscribe(fn func(rib.Event)) (cancel func())
}

type producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Ping(ctx context.Context) error
	Flush(ctx context.Context) error
	Close()
}

type PublisherConfig struct {
	Brokers    []string
	ClientID   string
	Topic      string
	InstanceID string
	TLS        *tls.Config
	SASL       sasl.Mechanism
}

// Publisher exports route table changes to a Kafka topic, one record per
// prefix keyed by the prefix.
type Publisher struct {
	client     producer
	topic      string
	instanceID string
	logger     *zap.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	unsubscribe func()
}

func NewPublisher(cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.NoCompression()),
		kgo.ProducerLinger(50 * time.Millisecond),
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return newPublisher(client, cfg.Topic, cfg.InstanceID, logger), nil
}

func newPublisher(client producer, topic, instanceID string, logger *zap.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		client:     client,
		topic:      topic,
		instanceID: instanceID,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Attach subscribes the publisher to src. Only the latest subscription is
// kept.
func (p *Publisher) Attach(src RouteSource) {
	cancel := src.Subscribe(p.publish)

	p.mu.Lock()
	prev := p.unsubscribe
	p.unsubscribe = cancel
	p.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// publish runs on the route table bus. It never blocks: when the client
// buffer is full the record is dropped and counted.
func (p *Publisher) publish(ev rib.Event) {
	for _, r := range p.Records(ev) {
		p.client.TryProduce(p.ctx, r, p.delivered)
	}
}

func (p *Publisher) delivered(r *kgo.Record, err error) {
	switch {
	case err == nil:
		metrics.KafkaRecordsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, kgo.ErrMaxBuffered):
		metrics.KafkaRecordsTotal.WithLabelValues("dropped").Inc()
		p.logger.Warn("kafka buffer full, route record dropped", zap.ByteString("prefix", r.Key))
	case errors.Is(err, context.Canceled), errors.Is(err, kgo.ErrClientClosed):
		metrics.KafkaRecordsTotal.WithLabelValues("dropped").Inc()
	default:
		metrics.KafkaRecordsTotal.WithLabelValues("error").Inc()
		p.logger.Error("failed to produce route record", zap.ByteString("prefix", r.Key), zap.Error(err))
	}
}

// Records encodes ev as one record per entry.
func (p *Publisher) Records(ev rib.Event) []*kgo.Record {
	action := ActionAdd
	if ev.Kind == rib.EventWithdraw {
		action = ActionWithdraw
	}
	now := p.now().UTC()

	out := make([]*kgo.Record, 0, len(ev.Entries))
	for _, e := range ev.Entries {
		value, err := json.Marshal(RouteRecord{
			Action:     action,
			Prefix:     e.Prefix.String(),
			Nexthop:    e.Nexthop.String(),
			InstanceID: p.instanceID,
			Timestamp:  now,
		})
		if err != nil {
			// Only reachable with a broken time value.
			p.logger.Error("failed to encode route record", zap.Error(err))
			continue
		}
		out = append(out, &kgo.Record{
			Topic:     p.topic,
			Key:       []byte(e.Prefix.String()),
			Value:     value,
			Timestamp: now,
		})
	}
	return out
}

// Ping checks that at least one broker is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close unsubscribes, flushes buffered records until ctx is done and then
// closes the client.
func (p *Publisher) Close(ctx context.Context) {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka flush incomplete", zap.Error(err))
	}
	p.cancel()
	p.client.Close()
}
