package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// envelope is the wire form sent to sinks.
type envelope struct {
	Event  vault.Event `json:"event"`
	SentAt time.Time   `json:"sent_at"`
}

func encode(e vault.Event) ([]byte, error) {
	body, err := json.Marshal(envelope{Event: e, SentAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return body, nil
}

// =============================================================================
// Redis
// =============================================================================

// RedisSink publishes events on a Redis pub/sub channel, and on a per-vault
// channel "<channel>:<vault>" for consumers watching a single vault.
type RedisSink struct {
	client  *redis.Client
	channel string
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink creates a sink on client.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "collateral_vault.events"
	}
	return &RedisSink{client: client, channel: channel}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, e vault.Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, s.channel, body)
	pipe.Publish(ctx, s.channel+":"+e.Vault, body)
	if e.CounterpartyVault != "" {
		pipe.Publish(ctx, s.channel+":"+e.CounterpartyVault, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close implements Sink. The client is owned by the caller.
func (s *RedisSink) Close() error { return nil }

// =============================================================================
// RocketMQ
// =============================================================================

// RocketMQConfig configures a RocketMQSink.
type RocketMQConfig struct {
	NameServers []string
	Topic       string
	Group       string
	AccessKey   string
	SecretKey   string
	Retries     int
}

// syncSender is the part of rocketmq.Producer the sink uses.
type syncSender interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
	Shutdown() error
}

// RocketMQSink sends each event as a message tagged with its kind and keyed
// by its ID.
type RocketMQSink struct {
	mu    sync.Mutex
	prod  syncSender
	topic string
}

var _ Sink = (*RocketMQSink)(nil)

// NewRocketMQSink creates and starts a producer.
func NewRocketMQSink(cfg RocketMQConfig) (*RocketMQSink, error) {
	if len(cfg.NameServers) == 0 {
		return nil, fmt.Errorf("no rocketmq name servers configured")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("rocketmq topic required")
	}
	opts := []producer.Option{
		producer.WithNameServer(cfg.NameServers),
		producer.WithRetry(cfg.Retries),
	}
	if cfg.Group != "" {
		opts = append(opts, producer.WithGroupName(cfg.Group))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}))
	}
	prod, err := rocketmq.NewProducer(opts...)
	if err != nil {
		return nil, fmt.Errorf("create rocketmq producer: %w", err)
	}
	if err := prod.Start(); err != nil {
		return nil, fmt.Errorf("start rocketmq producer: %w", err)
	}
	return &RocketMQSink{prod: prod, topic: cfg.Topic}, nil
}

// Name implements Sink.
func (s *RocketMQSink) Name() string { return "rocketmq" }

// Publish implements Sink.
func (s *RocketMQSink) Publish(ctx context.Context, e vault.Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	prod := s.prod
	s.mu.Unlock()
	if prod == nil {
		return fmt.Errorf("rocketmq producer not ready")
	}

	msg := primitive.NewMessage(s.topic, body)
	msg.WithTag(string(e.Kind))
	msg.WithKeys([]string{e.ID, e.Vault})
	msg.WithProperty("owner", e.Owner)
	msg.WithProperty("asset_id", e.AssetID)

	if _, err := prod.SendSync(ctx, msg); err != nil {
		return fmt.Errorf("rocketmq send: %w", err)
	}
	return nil
}

// Close shuts the producer down.
func (s *RocketMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prod == nil {
		return nil
	}
	err := s.prod.Shutdown()
	s.prod = nil
	return err
}
