// Package directory provides a read-only, eventually consistent snapshot of
// workspace members, refreshed in the background from the primary
// application database.
package directory

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tessera/syncd/internal/logger"
)

type Member struct {
	UserID      string
	DisplayName *string
	AvatarURL   *string
	Email       *string
}

// Snapshot maps user id to member info. Snapshots are immutable once
// published; a refresh builds a fresh map and swaps it in.
type Snapshot map[string]Member

// LoadFunc produces a full directory snapshot.
type LoadFunc func(ctx context.Context) (Snapshot, error)

// Provider holds the current snapshot and notifies subscribers when a
// refresh observes a change.
type Provider struct {
	load     LoadFunc
	interval time.Duration

	mu          sync.Mutex
	snapshot    Snapshot
	fingerprint string
	subs        map[int]func()
	nextSub     int

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a provider around an arbitrary loader and performs the initial
// load. Refreshing starts immediately; a failed refresh keeps the previous
// snapshot.
func New(ctx context.Context, load LoadFunc, interval time.Duration) (*Provider, error) {
	p := &Provider{
		load:     load,
		interval: interval,
		snapshot: Snapshot{},
		subs:     make(map[int]func()),
		done:     make(chan struct{}),
	}

	if err := p.refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial directory load: %w", err)
	}

	go p.refreshLoop()
	return p, nil
}

// OpenPostgres creates a provider that reads members from the primary
// application database.
func OpenPostgres(ctx context.Context, databaseURL string, interval time.Duration) (*Provider, *sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open directory db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping directory db: %w", err)
	}

	provider, err := New(ctx, postgresLoader(db), interval)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return provider, db, nil
}

func postgresLoader(db *sql.DB) LoadFunc {
	return func(ctx context.Context) (Snapshot, error) {
		const query = `
			SELECT id, display_name, avatar_url, email
			FROM users
			WHERE deactivated_at IS NULL
		`
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("query members: %w", err)
		}
		defer rows.Close()

		snapshot := Snapshot{}
		for rows.Next() {
			var m Member
			if err := rows.Scan(&m.UserID, &m.DisplayName, &m.AvatarURL, &m.Email); err != nil {
				return nil, fmt.Errorf("scan member: %w", err)
			}
			snapshot[m.UserID] = m
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate members: %w", err)
		}
		return snapshot, nil
	}
}

// Snapshot returns the current directory snapshot. Callers must treat it as
// read-only.
func (p *Provider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// Subscribe registers fn to run after every refresh that changed the
// snapshot. The returned cancel function is idempotent.
func (p *Provider) Subscribe(fn func()) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Close stops the background refresh loop.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *Provider) refreshLoop() {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := p.refresh(ctx); err != nil {
				logger.For(ctx).Warnf("directory refresh failed, keeping previous snapshot: %v", err)
			}
			cancel()
		}
	}
}

// Refresh loads a fresh snapshot immediately. Exposed for readiness checks
// and tests; the background loop calls it on the configured interval.
func (p *Provider) Refresh(ctx context.Context) error {
	return p.refresh(ctx)
}

func (p *Provider) refresh(ctx context.Context) error {
	snapshot, err := p.load(ctx)
	if err != nil {
		return err
	}
	fingerprint := fingerprintOf(snapshot)

	p.mu.Lock()
	changed := fingerprint != p.fingerprint
	if changed {
		p.snapshot = snapshot
		p.fingerprint = fingerprint
	}
	fns := make([]func(), 0, len(p.subs))
	if changed {
		for _, fn := range p.subs {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func fingerprintOf(snapshot Snapshot) string {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha1.New()
	for _, id := range ids {
		m := snapshot[id]
		fmt.Fprintf(h, "%s|%s|%s|%s\n", id, strOrEmpty(m.DisplayName), strOrEmpty(m.AvatarURL), strOrEmpty(m.Email))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
