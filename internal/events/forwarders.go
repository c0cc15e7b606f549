package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"freightline/internal/domain"
)

// KafkaWriter is the subset of kafka.Writer the forwarder needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder writes each event as a message keyed by contract id, so one
// contract's events stay ordered within a partition.
type KafkaForwarder struct {
	writer KafkaWriter
}

func NewKafkaForwarder(brokers []string, topic string) *KafkaForwarder {
	return &KafkaForwarder{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func NewKafkaForwarderWithWriter(w KafkaWriter) *KafkaForwarder {
	return &KafkaForwarder{writer: w}
}

func (k *KafkaForwarder) Name() string { return "kafka" }

func (k *KafkaForwarder) Forward(ctx context.Context, evt domain.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.ContractID.String()),
		Value: b,
		Headers: []kafka.Header{
			{Key: "category", Value: []byte(evt.Category)},
			{Key: "topic", Value: []byte(evt.Topic)},
		},
	})
}

func (k *KafkaForwarder) Close() error { return k.writer.Close() }

// RedisPublisher is the subset of redis.Client the forwarder needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisForwarder publishes each event on a pub/sub channel.
type RedisForwarder struct {
	client  RedisPublisher
	channel string
}

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Channel  string
}

func NewRedisForwarder(ctx context.Context, opts RedisOptions) (*RedisForwarder, error) {
	client := redis.NewClient(&redis.Options{
		ClientName: "freightline/relay",
		Addr:       opts.Addr,
		Username:   opts.Username,
		Password:   opts.Password,
		DB:         opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return NewRedisForwarderWithClient(client, opts.Channel), nil
}

func NewRedisForwarderWithClient(client RedisPublisher, channel string) *RedisForwarder {
	if channel == "" {
		channel = "freightline.events"
	}
	return &RedisForwarder{client: client, channel: channel}
}

func (r *RedisForwarder) Name() string { return "redis" }

func (r *RedisForwarder) Forward(ctx context.Context, evt domain.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

func (r *RedisForwarder) Close() error { return r.client.Close() }

// AMQPChannel is the subset of amqp.Channel the forwarder needs.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPForwarder publishes each event to a topic exchange with routing key
// "<category>.<topic>".
type AMQPForwarder struct {
	ch       AMQPChannel
	conn     io.Closer
	exchange string
}

func NewAMQPForwarder(url, exchange string) (*AMQPForwarder, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if exchange == "" {
		exchange = "freightline.events"
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPForwarder{ch: ch, conn: conn, exchange: exchange}, nil
}

func NewAMQPForwarderWithChannel(ch AMQPChannel, exchange string) *AMQPForwarder {
	return &AMQPForwarder{ch: ch, exchange: exchange}
}

func (a *AMQPForwarder) Name() string { return "amqp" }

func RoutingKey(evt domain.Event) string {
	return strings.ToLower(evt.Category + "." + string(evt.Topic))
}

func (a *AMQPForwarder) Forward(ctx context.Context, evt domain.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return a.ch.PublishWithContext(ctx, a.exchange, RoutingKey(evt), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Body:         b,
	})
}

func (a *AMQPForwarder) Close() error {
	if err := a.ch.Close(); err != nil {
		return err
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

const defaultWebhookTimeout = 5 * time.Second

// WebhookForwarder POSTs each event as JSON.
type WebhookForwarder struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookForwarder(url, secret string, timeout time.Duration) *WebhookForwarder {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookForwarder{URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

func (w *WebhookForwarder) Name() string { return "webhook:" + w.URL }

func (w *WebhookForwarder) Forward(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Freightline-Event", string(evt.Topic))
	req.Header.Set("X-Freightline-Delivery", evt.ID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Freightline-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (w *WebhookForwarder) Close() error { return nil }
