package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "labsync.changes"

// AMQPConfig configures the topic exchange transport.
type AMQPConfig struct {
	URL      string
	Exchange string
	Logger   *slog.Logger
}

// AMQPSource binds an exclusive, auto-deleted queue per subscription to a
// topic exchange keyed by "<table>.<filter value>".
type AMQPSource struct {
	conn     *amqp.Connection
	exchange string
	log      *slog.Logger
}

// NewAMQPSource dials the broker and declares the exchange.
func NewAMQPSource(cfg AMQPConfig) (*AMQPSource, error) {
	conn, exchange, err := dialExchange(cfg)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &AMQPSource{conn: conn, exchange: exchange, log: log.With("component", "amqp_feed")}, nil
}

func dialExchange(cfg AMQPConfig) (*amqp.Connection, string, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, "", errors.New("amqp url required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, "", fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("declare exchange: %w", err)
	}
	return conn, exchange, nil
}

// routingKey escapes dots in values so table and filter stay separate words.
func routingKey(table string, filter Filter) string {
	if filter.Column == "" {
		return table + ".*"
	}
	return table + "." + strings.ReplaceAll(filter.Value, ".", "_")
}

// Subscribe declares a private queue, binds it and starts consuming.
func (s *AMQPSource) Subscribe(ctx context.Context, table string, filter Filter) (Stream, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, ErrTableRequired
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	key := routingKey(table, filter)
	if err := ch.QueueBind(q.Name, key, s.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	deliveries, err := ch.ConsumeWithContext(streamCtx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		cancel()
		_ = ch.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	st := &amqpStream{ch: ch, out: make(chan Change, 64), cancel: cancel}
	go st.forward(streamCtx, table, deliveries, s.log.With("routing_key", key))
	return st, nil
}

// Close closes the broker connection and every stream on it.
func (s *AMQPSource) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

type amqpStream struct {
	ch     *amqp.Channel
	out    chan Change
	cancel context.CancelFunc
	once   sync.Once
}

func (st *amqpStream) forward(ctx context.Context, table string, deliveries <-chan amqp.Delivery, log *slog.Logger) {
	defer close(st.out)
	defer func() { _ = st.ch.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Warn("amqp deliveries closed")
				return
			}
			change, err := decodeDelivery(table, d.Body)
			if err != nil {
				log.Warn("bad amqp change payload", "error", err)
				continue
			}
			select {
			case st.out <- change:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decodeDelivery(table string, body []byte) (Change, error) {
	var change Change
	if err := json.Unmarshal(body, &change); err != nil {
		return Change{}, err
	}
	change.Event = normalizeEvent(change.Event)
	if change.Table == "" {
		change.Table = table
	}
	return change, nil
}

func (st *amqpStream) Changes() <-chan Change { return st.out }

func (st *amqpStream) Close() error {
	st.once.Do(st.cancel)
	return nil
}

// AMQPPublisher publishes changes to the topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	conn, exchange, err := dialExchange(cfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends change with the routing key of table and filter.
func (p *AMQPPublisher) Publish(ctx context.Context, table string, filter Filter, change Change) error {
	change.Table = table
	raw, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey(table, filter), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        raw,
	})
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	_ = p.ch.Close()
	return p.conn.Close()
}
