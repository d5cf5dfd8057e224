package feed

import (
	"context"
	"strings"
	"sync"
)

// MemoryHub is an in-process Source and Publisher. Drop closes every open
// stream without notice, the way a lost realtime connection behaves.
type MemoryHub struct {
	mu      sync.Mutex
	streams map[*memoryStream]struct{}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{streams: make(map[*memoryStream]struct{})}
}

type memoryStream struct {
	hub    *MemoryHub
	table  string
	filter Filter
	out    chan Change
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers a stream; ctx cancellation closes it.
func (h *MemoryHub) Subscribe(ctx context.Context, table string, filter Filter) (Stream, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, ErrTableRequired
	}
	st := &memoryStream{hub: h, table: table, filter: filter, out: make(chan Change, 256), done: make(chan struct{})}
	h.mu.Lock()
	h.streams[st] = struct{}{}
	h.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = st.Close()
		case <-st.done:
		}
	}()
	return st, nil
}

// Publish delivers change to every stream on table whose filter matches.
// Full buffers drop the change, which subscribers must tolerate.
func (h *MemoryHub) Publish(_ context.Context, table string, filter Filter, change Change) error {
	change.Table = table
	change.Event = normalizeEvent(change.Event)
	h.mu.Lock()
	defer h.mu.Unlock()
	for st := range h.streams {
		if st.table != table {
			continue
		}
		if st.filter.Column != "" && st.filter != filter {
			continue
		}
		select {
		case st.out <- change:
		default:
		}
	}
	return nil
}

// Drop closes all open streams.
func (h *MemoryHub) Drop() {
	h.mu.Lock()
	streams := make([]*memoryStream, 0, len(h.streams))
	for st := range h.streams {
		streams = append(streams, st)
	}
	h.mu.Unlock()
	for _, st := range streams {
		_ = st.Close()
	}
}

// Open returns the number of live streams.
func (h *MemoryHub) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

func (st *memoryStream) Changes() <-chan Change { return st.out }

func (st *memoryStream) Close() error {
	st.once.Do(func() {
		st.hub.mu.Lock()
		delete(st.hub.streams, st)
		close(st.out)
		st.hub.mu.Unlock()
		close(st.done)
	})
	return nil
}
