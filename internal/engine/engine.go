// Package engine keeps per-thread comment views synchronized: it owns the
// shape subscription for each active thread, reconciles the local replica
// into view models on live-query and stream signals, and publishes the
// result to the cache (and optionally a search index).
package engine

import (
	"context"

	"tessera/syncd/internal/directory"
	"tessera/syncd/internal/feed"
	"tessera/syncd/internal/projection"
	"tessera/syncd/internal/rowstore"
	"tessera/syncd/internal/search"
)

// RowQuerier is the row store surface the engine needs for reconciliation
// and scope teardown.
type RowQuerier interface {
	CommentsByThread(ctx context.Context, threadID int64) ([]rowstore.CommentRow, error)
	DeleteThread(ctx context.Context, threadID int64) error
}

// LiveRowQuerier is the optional live-query capability of a row store. The
// engine probes for it with a type assertion and falls back to one-shot
// queries when it is absent.
type LiveRowQuerier interface {
	ObserveThread(threadID int64, fn func()) func()
}

// SubscriptionHandle is one live change-feed subscription. Stream may return
// nil when the transport exposes no raw message stream.
type SubscriptionHandle interface {
	Ready() <-chan struct{}
	Stream() *feed.Stream
	Unsubscribe()
	Err() error
}

// FeedSubscriber opens change-feed subscriptions.
type FeedSubscriber interface {
	Subscribe(ctx context.Context, req feed.ShapeRequest) (SubscriptionHandle, error)
}

// CachePublisher receives projector output, one entry per message.
type CachePublisher interface {
	Publish(ctx context.Context, version uint64, views map[int64][]projection.ViewComment) error
	DeleteMessages(ctx context.Context, messageIDs []int64) error
}

// DirectorySource provides the member snapshot and change notifications.
type DirectorySource interface {
	Snapshot() directory.Snapshot
	Subscribe(fn func()) func()
}

// SearchSink indexes projected comments. Optional.
type SearchSink interface {
	IndexComments(records []search.CommentRecord) error
	DeleteComments(ids []string) error
}

type feedClientSubscriber struct {
	client *feed.Client
}

func (s feedClientSubscriber) Subscribe(ctx context.Context, req feed.ShapeRequest) (SubscriptionHandle, error) {
	return s.client.Subscribe(ctx, req)
}

// NewFeedSubscriber adapts a feed.Client to the FeedSubscriber interface.
func NewFeedSubscriber(client *feed.Client) FeedSubscriber {
	return feedClientSubscriber{client: client}
}
