package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "labsync:changes"

// RedisConfig configures the redis pub/sub transport.
type RedisConfig struct {
	Addr     string
	Password string
	Prefix   string
	Logger   *slog.Logger
}

// RedisSource subscribes to per-table, per-filter redis channels.
type RedisSource struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisSource connects to redis and verifies the connection.
func NewRedisSource(cfg RedisConfig) (*RedisSource, error) {
	client, prefix, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RedisSource{client: client, prefix: prefix, log: log.With("component", "redis_feed")}, nil
}

// RedisPublisher publishes changes on the channels RedisSource listens to.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to redis and verifies the connection.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	client, prefix, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

func newRedisClient(cfg RedisConfig) (*redis.Client, string, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, "", errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, "", fmt.Errorf("redis ping: %w", err)
	}
	return client, prefix, nil
}

func channelName(prefix, table string, filter Filter) string {
	if filter.Column == "" {
		return fmt.Sprintf("%s:%s", prefix, table)
	}
	return fmt.Sprintf("%s:%s:%s", prefix, table, filter.String())
}

// Subscribe opens a pub/sub subscription. The subscription handshake is
// confirmed before returning.
func (s *RedisSource) Subscribe(ctx context.Context, table string, filter Filter) (Stream, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, ErrTableRequired
	}
	channel := channelName(s.prefix, table, filter)
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &redisStream{
		sub:    sub,
		out:    make(chan Change, 64),
		cancel: cancel,
	}
	go st.forward(streamCtx, table, s.log.With("channel", channel))
	return st, nil
}

// Close releases the redis client.
func (s *RedisSource) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

type redisStream struct {
	sub    *redis.PubSub
	out    chan Change
	cancel context.CancelFunc
	once   sync.Once
}

func (st *redisStream) forward(ctx context.Context, table string, log *slog.Logger) {
	defer close(st.out)
	defer func() { _ = st.sub.Close() }()
	in := st.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok || m == nil {
				log.Warn("redis change channel closed")
				return
			}
			var change Change
			if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
				log.Warn("bad redis change payload", "error", err)
				continue
			}
			change.Event = normalizeEvent(change.Event)
			if change.Table == "" {
				change.Table = table
			}
			select {
			case st.out <- change:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (st *redisStream) Changes() <-chan Change { return st.out }

func (st *redisStream) Close() error {
	st.once.Do(st.cancel)
	return nil
}

// Publish encodes change as JSON and publishes it on the table channel.
func (p *RedisPublisher) Publish(ctx context.Context, table string, filter Filter, change Change) error {
	if p == nil || p.client == nil {
		return errors.New("redis publisher not initialized")
	}
	change.Table = table
	raw, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	return p.client.Publish(ctx, channelName(p.prefix, table, filter), raw).Err()
}

// Close releases the redis client.
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
