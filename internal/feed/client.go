package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tessera/syncd/internal/logger"
)

const (
	headerShapeHandle = "X-Sync-Handle"
	headerShapeOffset = "X-Sync-Offset"

	// A subscription survives transient poll failures up to this many in a
	// row before it is marked failed and stops.
	maxConsecutivePollErrors = 5

	pollRetryDelay = time.Second
)

// Client opens shape subscriptions against a change-feed server and applies
// replicated rows through a ChangeApplier.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	applier    ChangeApplier
}

func NewClient(baseURL, token string, applier ChangeApplier) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Long-poll requests are held open by the server for up to 30s.
		httpClient: &http.Client{Timeout: 40 * time.Second},
		applier:    applier,
	}
}

// Subscribe opens a subscription for the given shape and starts replicating
// matching rows into the client's applier. The returned handle stays live
// until Unsubscribe is called or the poll error budget is exhausted.
func (c *Client) Subscribe(ctx context.Context, req ShapeRequest) (*Handle, error) {
	if strings.TrimSpace(req.Table) == "" {
		return nil, errors.New("feed: shape request requires a table")
	}
	if len(req.PrimaryKey) == 0 {
		return nil, errors.New("feed: shape request requires a primary key")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		client: c,
		req:    req,
		offset: "-1",
		ready:  make(chan struct{}),
		stream: NewStream(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.run(runCtx)
	return h, nil
}

// Handle is one live shape subscription.
type Handle struct {
	client *Client
	req    ShapeRequest

	ready     chan struct{}
	readyOnce sync.Once
	stream    *Stream
	cancel    context.CancelFunc
	done      chan struct{}
	unsubOnce sync.Once

	mu       sync.Mutex
	shapeID  string
	offset   string
	caughtUp bool
	err      error
}

// Ready is closed once the subscription has replayed all changes known to
// the server at subscribe time.
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// Stream exposes the raw message traffic of this subscription.
func (h *Handle) Stream() *Stream {
	return h.stream
}

// Err reports the terminal error of a failed subscription, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Unsubscribe stops the subscription. Safe to call multiple times.
func (h *Handle) Unsubscribe() {
	h.unsubOnce.Do(func() {
		h.cancel()
	})
}

// Done is closed when the consume loop has fully exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"table": h.req.Table, "where": h.req.Where})

	consecutiveErrs := 0
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := h.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrs++
			if consecutiveErrs >= maxConsecutivePollErrors {
				h.fail(err)
				logger.For(ctx).Errorf("shape subscription failed after %d consecutive poll errors: %v", consecutiveErrs, err)
				return
			}
			logger.For(ctx).Warnf("shape poll failed, retrying: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		consecutiveErrs = 0

		if len(msgs) == 0 {
			continue
		}
		h.handleBatch(ctx, msgs)
	}
}

func (h *Handle) handleBatch(ctx context.Context, msgs []Message) {
	changes := make([]Change, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Headers.Control == ControlUpToDate {
			h.markReady()
			continue
		}
		if msg.Headers.Operation == "" {
			continue
		}
		changes = append(changes, Change{
			Operation: msg.Headers.Operation,
			Key:       msg.Key,
			Value:     msg.Value,
		})
	}

	// Apply to the local store before notifying stream subscribers so that a
	// listener re-query observes these rows.
	if len(changes) > 0 {
		if err := h.client.applier.ApplyChanges(ctx, changes); err != nil {
			logger.For(ctx).Errorf("failed to apply %d replicated changes: %v", len(changes), err)
		}
	}

	h.stream.Publish(msgs)
}

func (h *Handle) markReady() {
	h.readyOnce.Do(func() {
		h.mu.Lock()
		h.caughtUp = true
		h.mu.Unlock()
		close(h.ready)
	})
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *Handle) poll(ctx context.Context) ([]Message, error) {
	h.mu.Lock()
	params := url.Values{}
	params.Set("table", h.req.Table)
	if h.req.Where != "" {
		params.Set("where", h.req.Where)
	}
	if len(h.req.Columns) > 0 {
		params.Set("columns", strings.Join(h.req.Columns, ","))
	}
	params.Set("primary_key", strings.Join(h.req.PrimaryKey, ","))
	params.Set("offset", h.offset)
	if h.shapeID != "" {
		params.Set("handle", h.shapeID)
	}
	if h.caughtUp {
		params.Set("live", "true")
	}
	h.mu.Unlock()

	reqURL := fmt.Sprintf("%s/v1/shape?%s", h.client.baseURL, params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build shape request: %w", err)
	}
	if h.client.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.client.token)
	}

	resp, err := h.client.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("poll shape: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		h.advanceCursor(resp)
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("shape server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var msgs []Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode shape response: %w", err)
	}
	// Only a fully decoded batch advances the cursor; a decode failure must
	// re-request the same offset instead of skipping the batch.
	h.advanceCursor(resp)
	return msgs, nil
}

func (h *Handle) advanceCursor(resp *http.Response) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v := resp.Header.Get(headerShapeHandle); v != "" {
		h.shapeID = v
	}
	if v := resp.Header.Get(headerShapeOffset); v != "" {
		h.offset = v
	}
}
