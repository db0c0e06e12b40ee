package engine

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tessera/syncd/internal/feed"
	"tessera/syncd/internal/identity"
	"tessera/syncd/internal/logger"
	"tessera/syncd/internal/projection"
	"tessera/syncd/internal/search"
)

// Scope is one active synchronization boundary: a single thread with one
// subscription, one live observation, and one debounced stream listener.
// Reconciliation passes for a scope are serialized; signals arriving while a
// pass is in flight collapse into a single follow-up pass.
type Scope struct {
	m        *Manager
	ctx      context.Context
	threadID int64
	viewer   identity.Viewer
	handle   SubscriptionHandle

	debouncer    *Debouncer
	cancelLive   func()
	cancelStream func()
	cancelDir    func()

	// gated closes once initial-sync gating has resolved and initialStatus
	// holds a real value.
	gated chan struct{}

	mu            sync.Mutex
	initialStatus InitialSyncStatus
	stopped       bool
	inFlight      bool
	rerun         bool
	passes        uint64
	lastPass      time.Time
	published     map[int64]struct{}
	indexed       map[string]struct{}
}

func newScope(m *Manager, ctx context.Context, threadID int64, viewer identity.Viewer, handle SubscriptionHandle) *Scope {
	return &Scope{
		m:         m,
		ctx:       ctx,
		threadID:  threadID,
		viewer:    viewer,
		handle:    handle,
		debouncer: NewDebouncer(m.deps.DebounceWindow),
		gated:     make(chan struct{}),
		published: make(map[int64]struct{}),
		indexed:   make(map[string]struct{}),
	}
}

// ThreadID returns the thread this scope synchronizes.
func (s *Scope) ThreadID() int64 {
	return s.threadID
}

// InitialSync reports which path initial-sync gating took. It blocks until
// gating has resolved so a duplicate activation racing the winner sees the
// winner's result rather than an empty status.
func (s *Scope) InitialSync() InitialSyncStatus {
	<-s.gated
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialStatus
}

// awaitInitialSync blocks until the subscription reports it has caught up or
// the timeout elapses. Timing out is non-fatal: synchronization proceeds
// with whatever is locally available.
func (s *Scope) awaitInitialSync(timeout time.Duration) InitialSyncStatus {
	status := InitialSyncComplete
	select {
	case <-s.handle.Ready():
	case <-time.After(timeout):
		logger.For(s.ctx).Warnf("initial sync did not complete within %s, continuing with local rows", timeout)
		status = InitialSyncTimedOut
	}

	s.mu.Lock()
	s.initialStatus = status
	s.mu.Unlock()
	close(s.gated)
	return status
}

// start wires the live observation, the debounced stream listener, and the
// directory subscription, then schedules the first reconciliation pass.
func (s *Scope) start() {
	if live, ok := s.m.deps.Rows.(LiveRowQuerier); ok {
		s.cancelLive = live.ObserveThread(s.threadID, func() {
			s.scheduleReconcile()
		})
	} else {
		logger.For(s.ctx).Info("row store has no live query support, relying on stream reconciliation")
	}

	if stream := s.handle.Stream(); stream != nil {
		s.cancelStream = stream.Subscribe(func(msgs []feed.Message) {
			if len(msgs) == 0 {
				return
			}
			s.debouncer.Trigger(func() {
				s.scheduleReconcile()
			})
		})
	}

	s.cancelDir = s.m.deps.Directory.Subscribe(func() {
		s.scheduleReconcile()
	})

	// Initial snapshot pass. With a live row store this mirrors the first
	// live-query delivery; without one it is the one-shot fallback.
	s.scheduleReconcile()
}

// scheduleReconcile requests a reconciliation pass. Passes for one scope
// never overlap: a request landing while a pass runs marks it for a rerun
// instead of racing it.
func (s *Scope) scheduleReconcile() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	go s.reconcile()
}

func (s *Scope) reconcile() {
	version := s.m.nextVersion()
	ctx := logger.NewContextWithFields(s.ctx, logrus.Fields{"pass": version})

	s.runPass(ctx, version)

	s.mu.Lock()
	s.passes++
	s.lastPass = time.Now()
	s.inFlight = false
	again := s.rerun && !s.stopped
	s.rerun = false
	s.mu.Unlock()

	if again {
		s.scheduleReconcile()
	}
}

func (s *Scope) runPass(ctx context.Context, version uint64) {
	rows, err := s.m.deps.Rows.CommentsByThread(ctx, s.threadID)
	if err != nil {
		logger.For(ctx).Errorf("reconciliation query failed: %v", err)
		return
	}

	members := s.m.deps.Directory.Snapshot()
	views := projection.Project(rows, members, s.viewer)

	// Teardown may have begun while we were querying; publishing now would
	// resurrect cache entries the stop path already cleared.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.m.deps.Cache.Publish(ctx, version, views); err != nil {
		logger.For(ctx).Errorf("cache publish failed: %v", err)
	}

	// Messages we published before but that no longer have comments keep a
	// stale cache entry unless we clear them.
	current := make(map[int64]struct{}, len(views))
	for messageID := range views {
		current[messageID] = struct{}{}
	}
	var removed []int64
	s.mu.Lock()
	for messageID := range s.published {
		if _, ok := current[messageID]; !ok {
			removed = append(removed, messageID)
		}
	}
	s.published = current
	s.mu.Unlock()
	if len(removed) > 0 {
		if err := s.m.deps.Cache.DeleteMessages(ctx, removed); err != nil {
			logger.For(ctx).Errorf("cache cleanup failed: %v", err)
		}
	}

	s.indexPass(ctx, views)
}

func (s *Scope) indexPass(ctx context.Context, views map[int64][]projection.ViewComment) {
	if s.m.deps.Index == nil {
		return
	}

	records := commentRecords(s.threadID, views)
	currentIDs := make(map[string]struct{}, len(records))
	for _, record := range records {
		currentIDs[record.ID] = struct{}{}
	}

	var removed []string
	s.mu.Lock()
	for id := range s.indexed {
		if _, ok := currentIDs[id]; !ok {
			removed = append(removed, id)
		}
	}
	s.indexed = currentIDs
	s.mu.Unlock()

	if err := s.m.deps.Index.DeleteComments(removed); err != nil {
		logger.For(ctx).Warnf("search deindex failed: %v", err)
	}
	if err := s.m.deps.Index.IndexComments(records); err != nil {
		logger.For(ctx).Warnf("search index failed: %v", err)
	}
}

// Stop tears the scope down: pending debounce cancelled, observers and
// subscription released, local replica rows and cache entries cleared.
// Safe to call multiple times.
func (s *Scope) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	published := make([]int64, 0, len(s.published))
	for messageID := range s.published {
		published = append(published, messageID)
	}
	indexed := make([]string, 0, len(s.indexed))
	for id := range s.indexed {
		indexed = append(indexed, id)
	}
	s.mu.Unlock()

	s.debouncer.Stop()
	if s.cancelLive != nil {
		s.cancelLive()
	}
	if s.cancelStream != nil {
		s.cancelStream()
	}
	if s.cancelDir != nil {
		s.cancelDir()
	}
	s.handle.Unsubscribe()

	if err := s.m.deps.Rows.DeleteThread(ctx, s.threadID); err != nil {
		logger.For(s.ctx).Errorf("failed to clear local rows on teardown: %v", err)
	}
	if len(published) > 0 {
		if err := s.m.deps.Cache.DeleteMessages(ctx, published); err != nil {
			logger.For(s.ctx).Errorf("failed to clear cache entries on teardown: %v", err)
		}
	}
	if s.m.deps.Index != nil && len(indexed) > 0 {
		if err := s.m.deps.Index.DeleteComments(indexed); err != nil {
			logger.For(s.ctx).Warnf("failed to deindex comments on teardown: %v", err)
		}
	}

	logger.For(s.ctx).Info("scope stopped")
}

// Status reports the scope's current counters.
func (s *Scope) Status() ScopeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := ScopeStatus{
		ThreadID:    s.threadID,
		InitialSync: s.initialStatus,
		Healthy:     s.handle.Err() == nil,
		Passes:      s.passes,
	}
	if !s.lastPass.IsZero() {
		lastPass := s.lastPass
		status.LastPassAt = &lastPass
	}
	return status
}

// commentRecords flattens projected views (including replies) into search
// records, ordered by id for deterministic indexing.
func commentRecords(threadID int64, views map[int64][]projection.ViewComment) []search.CommentRecord {
	var records []search.CommentRecord
	for _, comments := range views {
		for _, comment := range comments {
			records = append(records, search.CommentRecord{
				ID:         strconv.FormatInt(comment.ID, 10),
				MessageID:  comment.MessageID,
				ThreadID:   threadID,
				Body:       comment.ContentRendered,
				AuthorName: authorName(comment.Author),
				CreatedAt:  comment.CreatedAt,
			})
			for _, reply := range comment.Replies {
				records = append(records, search.CommentRecord{
					ID:         strconv.FormatInt(reply.ID, 10),
					MessageID:  reply.MessageID,
					ThreadID:   threadID,
					Body:       reply.ContentRendered,
					AuthorName: authorName(reply.Author),
					CreatedAt:  reply.CreatedAt,
				})
			}
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

func authorName(author *projection.Author) string {
	if author == nil || author.DisplayName == nil {
		return ""
	}
	return *author.DisplayName
}
