// Package search maintains an optional full-text index of synchronized
// comments. When Meilisearch is not configured the engine simply runs
// without a search sink.
package search

import "time"

// CommentRecord is the data we index for a comment (top-level or reply).
type CommentRecord struct {
	ID         string    `json:"id"`
	MessageID  int64     `json:"messageId"`
	ThreadID   int64     `json:"threadId"`
	Body       string    `json:"body"`
	AuthorName string    `json:"authorName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Indexer can push comment records into a search index.
type Indexer interface {
	IndexComments(records []CommentRecord) error
	DeleteComments(ids []string) error
	Healthy() bool
}
