package store

import (
	"context"
	"log/slog"

	"labsync/pkg/domain"
	"labsync/pkg/feed"
)

// changeNotifier emulates the backend realtime service: after each committed
// write it publishes the row change on the owner's channel. Publish failures
// are logged.
type changeNotifier struct {
	pub feed.Publisher
	log *slog.Logger
}

func (n changeNotifier) notify(ctx context.Context, family domain.Family, event, userID string, newRow, oldRow any) {
	if n.pub == nil {
		return
	}
	change, err := feed.NewChange(family.Table(), event, newRow, oldRow)
	if err != nil {
		n.logger().Warn("encode change failed", "table", family.Table(), "error", err)
		return
	}
	if err := n.pub.Publish(ctx, family.Table(), feed.UserFilter(userID), change); err != nil {
		n.logger().Warn("publish change failed", "table", family.Table(), "event", event, "error", err)
	}
}

func (n changeNotifier) logger() *slog.Logger {
	if n.log == nil {
		return slog.Default()
	}
	return n.log
}
