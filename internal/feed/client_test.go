package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

type recordingApplier struct {
	mu      sync.Mutex
	batches [][]Change
}

func (a *recordingApplier) ApplyChanges(ctx context.Context, changes []Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, changes)
	return nil
}

func (a *recordingApplier) all() []Change {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Change
	for _, batch := range a.batches {
		out = append(out, batch...)
	}
	return out
}

// shapeServer serves scripted message batches in order, then blocks live
// polls until the test finishes.
type shapeServer struct {
	t *testing.T

	mu      sync.Mutex
	batches [][]Message
	polls   []pollRecord
}

type pollRecord struct {
	offset string
	handle string
	live   bool
	auth   string
}

func (s *shapeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/shape" {
			s.t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}

		q := r.URL.Query()
		s.mu.Lock()
		s.polls = append(s.polls, pollRecord{
			offset: q.Get("offset"),
			handle: q.Get("handle"),
			live:   q.Get("live") == "true",
			auth:   r.Header.Get("Authorization"),
		})
		var batch []Message
		if len(s.batches) > 0 {
			batch = s.batches[0]
			s.batches = s.batches[1:]
		}
		offset := len(s.polls)
		s.mu.Unlock()

		w.Header().Set(headerShapeHandle, "shape-1")
		w.Header().Set(headerShapeOffset, "0_"+strconv.Itoa(offset))
		if batch == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(batch)
	}
}

func (s *shapeServer) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.polls)
}

func rowMessage(op Operation, key, content string) Message {
	value, _ := json.Marshal(map[string]string{"content": content})
	return Message{Key: key, Value: value, Headers: MessageHeaders{Operation: op}}
}

func upToDate() Message {
	return Message{Headers: MessageHeaders{Control: ControlUpToDate}}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribeValidation(t *testing.T) {
	c := NewClient("http://localhost:0", "", &recordingApplier{})

	if _, err := c.Subscribe(context.Background(), ShapeRequest{PrimaryKey: []string{"id"}}); err == nil {
		t.Error("expected error for missing table")
	}
	if _, err := c.Subscribe(context.Background(), ShapeRequest{Table: "comments"}); err == nil {
		t.Error("expected error for missing primary key")
	}
}

func TestSubscribeReplaysAndSignalsReady(t *testing.T) {
	applier := &recordingApplier{}
	server := &shapeServer{t: t, batches: [][]Message{
		{rowMessage(OpInsert, "1", "first"), rowMessage(OpInsert, "2", "second")},
		{upToDate()},
	}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	c := NewClient(ts.URL, "secret", applier)
	h, err := c.Subscribe(context.Background(), ShapeRequest{
		Table:      "comments",
		Where:      "thread_id = 7",
		PrimaryKey: []string{"id"},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Unsubscribe()

	select {
	case <-h.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never became ready")
	}

	changes := applier.all()
	if len(changes) != 2 {
		t.Fatalf("expected 2 applied changes, got %d", len(changes))
	}
	if changes[0].Key != "1" || changes[0].Operation != OpInsert {
		t.Errorf("unexpected first change: %+v", changes[0])
	}

	server.mu.Lock()
	first := server.polls[0]
	server.mu.Unlock()
	if first.offset != "-1" {
		t.Errorf("initial poll must use offset -1, got %q", first.offset)
	}
	if first.auth != "Bearer secret" {
		t.Errorf("missing bearer token, got %q", first.auth)
	}
	if first.live {
		t.Error("initial poll must not be live")
	}
}

func TestLivePollingAfterCatchUp(t *testing.T) {
	applier := &recordingApplier{}
	server := &shapeServer{t: t, batches: [][]Message{
		{upToDate()},
	}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	c := NewClient(ts.URL, "", applier)
	h, err := c.Subscribe(context.Background(), ShapeRequest{Table: "comments", PrimaryKey: []string{"id"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Unsubscribe()

	<-h.Ready()
	waitFor(t, 2*time.Second, func() bool { return server.pollCount() >= 2 })

	server.mu.Lock()
	defer server.mu.Unlock()
	last := server.polls[len(server.polls)-1]
	if !last.live {
		t.Error("polls after catch-up must set live=true")
	}
	if last.handle != "shape-1" {
		t.Errorf("polls after the first must carry the shape handle, got %q", last.handle)
	}
	if last.offset == "-1" {
		t.Error("offset must advance past -1 after the first response")
	}
}

func TestDecodeFailureDoesNotAdvanceCursor(t *testing.T) {
	applier := &recordingApplier{}
	var mu sync.Mutex
	var offsets []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		offsets = append(offsets, r.URL.Query().Get("offset"))
		n := len(offsets)
		mu.Unlock()

		w.Header().Set(headerShapeHandle, "shape-1")
		w.Header().Set(headerShapeOffset, "0_"+strconv.Itoa(n))
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			// Truncated body: the batch must be re-requested, not skipped.
			w.Write([]byte(`[{"key":"1"`))
			return
		}
		json.NewEncoder(w).Encode([]Message{rowMessage(OpInsert, "1", "first"), upToDate()})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", applier)
	h, err := c.Subscribe(context.Background(), ShapeRequest{Table: "comments", PrimaryKey: []string{"id"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Unsubscribe()

	select {
	case <-h.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never recovered from the decode failure")
	}

	mu.Lock()
	got := append([]string{}, offsets...)
	mu.Unlock()
	if len(got) < 2 {
		t.Fatalf("expected a retried poll, got %d polls", len(got))
	}
	if got[1] != "-1" {
		t.Errorf("retried poll must re-request offset -1, got %q", got[1])
	}
	changes := applier.all()
	if len(changes) != 1 || changes[0].Key != "1" {
		t.Fatalf("expected the batch applied exactly once after retry, got %+v", changes)
	}
}

func TestStreamSubscribersSeeBatches(t *testing.T) {
	applier := &recordingApplier{}
	server := &shapeServer{t: t, batches: [][]Message{
		{upToDate()},
	}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	c := NewClient(ts.URL, "", applier)
	h, err := c.Subscribe(context.Background(), ShapeRequest{Table: "comments", PrimaryKey: []string{"id"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Unsubscribe()
	<-h.Ready()

	got := make(chan []Message, 1)
	cancel := h.Stream().Subscribe(func(msgs []Message) {
		select {
		case got <- msgs:
		default:
		}
	})
	defer cancel()

	server.mu.Lock()
	server.batches = append(server.batches, []Message{rowMessage(OpUpdate, "1", "edited")})
	server.mu.Unlock()

	select {
	case msgs := <-got:
		if len(msgs) != 1 || msgs[0].Headers.Operation != OpUpdate {
			t.Errorf("unexpected stream batch: %+v", msgs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream subscriber never saw the live batch")
	}

	// Applier must have seen the change before (or when) the stream did.
	waitFor(t, time.Second, func() bool { return len(applier.all()) == 1 })
}

func TestUnsubscribeStopsPolling(t *testing.T) {
	server := &shapeServer{t: t, batches: [][]Message{
		{upToDate()},
	}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	c := NewClient(ts.URL, "", &recordingApplier{})
	h, err := c.Subscribe(context.Background(), ShapeRequest{Table: "comments", PrimaryKey: []string{"id"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-h.Ready()

	h.Unsubscribe()
	h.Unsubscribe() // idempotent

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consume loop did not exit after unsubscribe")
	}
	if h.Err() != nil {
		t.Errorf("clean unsubscribe must not record an error: %v", h.Err())
	}
}

func TestPollErrorBudget(t *testing.T) {
	var mu sync.Mutex
	failures := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		failures++
		mu.Unlock()
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", &recordingApplier{})
	h, err := c.Subscribe(context.Background(), ShapeRequest{Table: "comments", PrimaryKey: []string{"id"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Unsubscribe()

	select {
	case <-h.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("subscription did not fail after exhausting the error budget")
	}

	if h.Err() == nil {
		t.Fatal("expected terminal error")
	}
	mu.Lock()
	defer mu.Unlock()
	if failures < maxConsecutivePollErrors {
		t.Errorf("expected at least %d polls before giving up, got %d", maxConsecutivePollErrors, failures)
	}
}
