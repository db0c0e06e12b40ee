package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tessera/syncd/internal/feed"
	"tessera/syncd/internal/identity"
	"tessera/syncd/internal/logger"
)

// InitialSyncStatus reports which path initial-sync gating took: the
// subscription caught up within the timeout, or the engine proceeded with
// whatever was locally available.
type InitialSyncStatus string

const (
	InitialSyncComplete InitialSyncStatus = "complete"
	InitialSyncTimedOut InitialSyncStatus = "timed_out"
)

const (
	defaultInitialSyncTimeout = 3 * time.Second
	defaultDebounceWindow     = 100 * time.Millisecond
)

// commentColumns is the explicit column list requested from the change feed.
var commentColumns = []string{"id", "message_id", "thread_id", "parent_id", "author_id", "content", "created_at", "updated_at"}

// Deps bundles the external collaborators of the engine. Index may be nil.
type Deps struct {
	Feed      FeedSubscriber
	Rows      RowQuerier
	Cache     CachePublisher
	Directory DirectorySource
	Index     SearchSink

	InitialSyncTimeout time.Duration
	DebounceWindow     time.Duration
}

// Manager guarantees at most one live subscription per thread and owns the
// lifecycle of every active scope.
type Manager struct {
	deps Deps

	// passCounter is the logical clock tagged onto every reconciliation
	// pass; it is shared across scopes so cache versions stay monotonic even
	// when a scope is stopped and restarted.
	passCounter atomic.Uint64

	mu     sync.Mutex
	scopes map[int64]*Scope
}

func NewManager(deps Deps) *Manager {
	if deps.InitialSyncTimeout <= 0 {
		deps.InitialSyncTimeout = defaultInitialSyncTimeout
	}
	if deps.DebounceWindow <= 0 {
		deps.DebounceWindow = defaultDebounceWindow
	}
	return &Manager{
		deps:   deps,
		scopes: make(map[int64]*Scope),
	}
}

// StartSync activates synchronization for a thread. Calling it for an
// already-active thread is a no-op returning the existing scope. The status
// reports whether the initial sync completed within the timeout; timing out
// is not an error, the scope proceeds with locally available rows.
func (m *Manager) StartSync(ctx context.Context, threadID int64, viewer identity.Viewer) (*Scope, InitialSyncStatus, error) {
	m.mu.Lock()
	if existing, ok := m.scopes[threadID]; ok {
		m.mu.Unlock()
		return existing, existing.InitialSync(), nil
	}
	m.mu.Unlock()

	scopeCtx := logger.NewContextWithFields(context.WithoutCancel(ctx), logrus.Fields{
		"thread_id": threadID,
		"scope":     newScopeID(),
	})

	req := feed.ShapeRequest{
		Table:      "comments",
		Where:      fmt.Sprintf("thread_id = %d", threadID),
		Columns:    commentColumns,
		PrimaryKey: []string{"id"},
	}

	handle, err := m.deps.Feed.Subscribe(scopeCtx, req)
	if err != nil {
		err = fmt.Errorf("subscribe thread %d: %w", threadID, err)
		logger.For(scopeCtx).Error(err)
		return nil, "", err
	}

	scope := newScope(m, scopeCtx, threadID, viewer, handle)

	m.mu.Lock()
	if existing, ok := m.scopes[threadID]; ok {
		// Lost a race with a concurrent StartSync for the same thread; keep
		// the winner and tear down our subscription.
		m.mu.Unlock()
		handle.Unsubscribe()
		return existing, existing.InitialSync(), nil
	}
	m.scopes[threadID] = scope
	m.mu.Unlock()

	status := scope.awaitInitialSync(m.deps.InitialSyncTimeout)
	scope.start()
	return scope, status, nil
}

// Stop deactivates synchronization for a thread, tearing down its
// subscription, observers, pending debounce, local rows, and cache entries.
// Stopping an inactive thread is a no-op.
func (m *Manager) Stop(ctx context.Context, threadID int64) {
	m.mu.Lock()
	scope, ok := m.scopes[threadID]
	if ok {
		delete(m.scopes, threadID)
	}
	m.mu.Unlock()

	if ok {
		scope.Stop(ctx)
	}
}

// StopAll deactivates every active scope. Used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	scopes := make([]*Scope, 0, len(m.scopes))
	for _, scope := range m.scopes {
		scopes = append(scopes, scope)
	}
	m.scopes = make(map[int64]*Scope)
	m.mu.Unlock()

	for _, scope := range scopes {
		scope.Stop(ctx)
	}
}

// ScopeStatus is a point-in-time description of one active scope.
type ScopeStatus struct {
	ThreadID    int64             `json:"thread_id"`
	InitialSync InitialSyncStatus `json:"initial_sync"`
	Healthy     bool              `json:"healthy"`
	Passes      uint64            `json:"passes"`
	LastPassAt  *time.Time        `json:"last_pass_at,omitempty"`
}

// Active lists all currently-active scopes ordered by thread id.
func (m *Manager) Active() []ScopeStatus {
	m.mu.Lock()
	scopes := make([]*Scope, 0, len(m.scopes))
	for _, scope := range m.scopes {
		scopes = append(scopes, scope)
	}
	m.mu.Unlock()

	statuses := make([]ScopeStatus, 0, len(scopes))
	for _, scope := range scopes {
		statuses = append(statuses, scope.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ThreadID < statuses[j].ThreadID
	})
	return statuses
}

func (m *Manager) nextVersion() uint64 {
	return m.passCounter.Add(1)
}

// newScopeID tags a scope's log context so passes from restarted scopes on
// the same thread stay distinguishable.
func newScopeID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return "scope_" + hex.EncodeToString(bytes)
}
