// Package changefeed turns provider row notifications into normalized,
// per-user record events. Delivery is best effort: a lost stream stops
// silently and the poller covers the gap.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"labsync/internal/util"
	"labsync/pkg/domain"
	"labsync/pkg/feed"
)

type subKey struct {
	userID string
	family domain.Family
}

// Client keeps at most one subscription per (user, family).
type Client struct {
	source feed.Source
	log    *slog.Logger

	mu      sync.Mutex
	handles map[subKey]*Handle
	closed  bool
}

func NewClient(source feed.Source, logger *slog.Logger) *Client {
	if logger == nil {
		logger = util.NopLogger()
	}
	return &Client{source: source, log: logger, handles: map[subKey]*Handle{}}
}

// Handle is a live subscription.
type Handle struct {
	client  *Client
	key     subKey
	stream  feed.Stream
	cancel  context.CancelFunc
	once    sync.Once
	closing atomic.Bool
	done    chan struct{}
}

// Subscribe opens a stream for family scoped to userID and calls handler for
// every change owned by userID. An existing subscription for the same pair is
// torn down first.
func Subscribe[T domain.Record[T]](ctx context.Context, c *Client, userID string, family domain.Family, handler func(domain.Event[T])) (*Handle, error) {
	key := subKey{userID: userID, family: family}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, feed.ErrClosed
	}
	if prev := c.handles[key]; prev != nil {
		delete(c.handles, key)
		prev.teardown()
	}

	subCtx, cancel := context.WithCancel(ctx)
	stream, err := c.source.Subscribe(subCtx, family.Table(), feed.UserFilter(userID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", family, err)
	}
	h := &Handle{client: c, key: key, stream: stream, cancel: cancel, done: make(chan struct{})}
	c.handles[key] = h
	log := c.log.With("family", string(family), "user_id", userID)
	go deliver(h, log, userID, handler)
	log.Debug("subscribed")
	return h, nil
}

func deliver[T domain.Record[T]](h *Handle, log *slog.Logger, userID string, handler func(domain.Event[T])) {
	defer close(h.done)
	for change := range h.stream.Changes() {
		if h.closing.Load() {
			continue
		}
		ev, err := Normalize[T](change)
		if err != nil {
			log.Warn("skipping undecodable change", "event", change.Event, "err", err)
			continue
		}
		owner := ev.Record.RecordOwner()
		if owner != userID && !(owner == "" && ev.Type == domain.ChangeDelete) {
			log.Warn("dropping change for another user", "owner", owner)
			continue
		}
		handler(ev)
	}
	if !h.closing.Load() {
		log.Warn("change stream lost")
	}
}

// Normalize converts a provider change into a record event. Deletes decode
// the old row.
func Normalize[T any](change feed.Change) (domain.Event[T], error) {
	var (
		typ domain.ChangeType
		raw json.RawMessage
	)
	switch change.Event {
	case feed.EventInsert:
		typ, raw = domain.ChangeInsert, change.New
	case feed.EventUpdate:
		typ, raw = domain.ChangeUpdate, change.New
	case feed.EventDelete:
		typ, raw = domain.ChangeDelete, change.Old
		if len(raw) == 0 {
			raw = change.New
		}
	default:
		return domain.Event[T]{}, fmt.Errorf("unknown event %q", change.Event)
	}
	if len(raw) == 0 {
		return domain.Event[T]{}, fmt.Errorf("%s change without row", change.Event)
	}
	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Event[T]{}, fmt.Errorf("decode row: %w", err)
	}
	return domain.Event[T]{Type: typ, Record: rec}, nil
}

// Unsubscribe stops delivery. Safe to call repeatedly and after the stream
// was lost.
func (h *Handle) Unsubscribe() {
	if h == nil {
		return
	}
	h.client.mu.Lock()
	if h.client.handles[h.key] == h {
		delete(h.client.handles, h.key)
	}
	h.client.mu.Unlock()
	h.teardown()
}

// Done is closed once the delivery goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) teardown() {
	h.once.Do(func() {
		h.closing.Store(true)
		h.cancel()
		if err := h.stream.Close(); err != nil {
			h.client.log.Debug("close stream", "family", string(h.key.family), "err", err)
		}
	})
}

// Active returns the number of live subscriptions.
func (c *Client) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Close tears down every subscription; later Subscribe calls fail.
func (c *Client) Close() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for key, h := range c.handles {
		handles = append(handles, h)
		delete(c.handles, key)
	}
	c.closed = true
	c.mu.Unlock()
	for _, h := range handles {
		h.teardown()
	}
}
