package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/attachment"
	"github.com/kalambet/fieldsync/internal/gateway"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/storage"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeGateway struct {
	mu       sync.Mutex
	sends    []gateway.Request
	uploads  []gateway.File
	sendFn   func(req gateway.Request) gateway.Outcome
	uploadFn func(key string, f gateway.File) gateway.Outcome
}

func (g *fakeGateway) Send(ctx context.Context, req gateway.Request) gateway.Outcome {
	g.mu.Lock()
	g.sends = append(g.sends, req)
	fn := g.sendFn
	g.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return gateway.Outcome{Class: gateway.ClassSuccess, Status: http.StatusCreated}
}

func (g *fakeGateway) Upload(ctx context.Context, key string, f gateway.File) gateway.Outcome {
	g.mu.Lock()
	g.uploads = append(g.uploads, f)
	fn := g.uploadFn
	g.mu.Unlock()
	if fn != nil {
		return fn(key, f)
	}
	return gateway.Outcome{Class: gateway.ClassSuccess, ServerID: "file-" + f.Name}
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

type fakeMonitor struct {
	online atomic.Bool
	ch     chan struct{}
}

func newFakeMonitor(online bool) *fakeMonitor {
	m := &fakeMonitor{ch: make(chan struct{}, 1)}
	m.online.Store(online)
	return m
}

func (m *fakeMonitor) Online() bool               { return m.online.Load() }
func (m *fakeMonitor) Subscribe() <-chan struct{} { return m.ch }

type fakeSource map[string]attachment.Attachment

func (s fakeSource) Open(ref string) (attachment.Attachment, error) {
	a, ok := s[ref]
	if !ok {
		return attachment.Attachment{}, fmt.Errorf("%w: %s", attachment.ErrNotFound, ref)
	}
	return a, nil
}

type failingStore struct {
	storage.RecordStore
	failWrites atomic.Bool
}

func (f *failingStore) Set(ns, key string, value []byte) error {
	if f.failWrites.Load() {
		return errors.New("disk full")
	}
	return f.RecordStore.Set(ns, key, value)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestQueue(t *testing.T, store storage.RecordStore, clock *testClock) *queue.Queue {
	t.Helper()
	q, err := queue.Open(store, queue.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	return q
}

func mustEnqueue(t *testing.T, q *queue.Queue, kind queue.Kind, payload string, opts ...queue.EnqueueOption) string {
	t.Helper()
	id, err := q.Enqueue(kind, json.RawMessage(payload), opts...)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	return cfg
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: 2 * time.Second, BackoffCap: 5 * time.Minute}
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 0},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{10, 5 * time.Minute},
		{1000, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.retries); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.retries, got, tt.want)
		}
	}
}

func TestRunOnce_DeliversAll(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	a := mustEnqueue(t, q, queue.KindCreateIssue, `{"title":"a"}`)
	clock.Advance(time.Second)
	b := mustEnqueue(t, q, queue.KindCreateInspection, `{"site":"b"}`)

	gw := &fakeGateway{}
	d := New(q, gw, fakeSource{}, newFakeMonitor(true), Config{Concurrency: 1, CallTimeout: time.Second}, WithClock(clock.Now))

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Attempted != 2 || res.Succeeded != 2 {
		t.Errorf("result = %+v, want 2 attempted and succeeded", res)
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", q.PendingCount())
	}

	keys := []string{gw.sends[0].IdempotencyKey, gw.sends[1].IdempotencyKey}
	if !slices.Equal(keys, []string{a, b}) {
		t.Errorf("idempotency keys = %v, want [%s %s] in order", keys, a, b)
	}
}

func TestRunOnce_RetryableFailureBacksOff(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	id := mustEnqueue(t, q, queue.KindCreateIssue, `{}`)

	gw := &fakeGateway{sendFn: func(gateway.Request) gateway.Outcome {
		return gateway.Outcome{Class: gateway.ClassRetryable, Status: http.StatusServiceUnavailable, Message: "down"}
	}}
	d := New(q, gw, fakeSource{}, newFakeMonitor(true), testConfig(), WithClock(clock.Now))

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Retrying != 1 {
		t.Fatalf("result = %+v, want 1 retrying", res)
	}

	m, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.RetryCount != 1 || m.LastError == nil || m.LastError.Status != http.StatusServiceUnavailable {
		t.Errorf("mutation after failure = %+v", m)
	}

	res, _ = d.RunOnce(context.Background())
	if res.Attempted != 0 || res.Deferred != 1 {
		t.Errorf("second pass = %+v, want deferred", res)
	}
	if res.NextRetryIn != 4*time.Second {
		t.Errorf("NextRetryIn = %s, want 4s", res.NextRetryIn)
	}

	clock.Advance(5 * time.Second)
	res, _ = d.RunOnce(context.Background())
	if res.Attempted != 1 {
		t.Errorf("third pass = %+v, want an attempt once backoff elapsed", res)
	}
}

func TestRunOnce_ExhaustsRetriesIntoDeadLetters(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	mustEnqueue(t, q, queue.KindCreateTraining, `{}`)

	gw := &fakeGateway{sendFn: func(gateway.Request) gateway.Outcome {
		return gateway.Outcome{Class: gateway.ClassRetryable, Code: "timeout"}
	}}
	d := New(q, gw, fakeSource{}, newFakeMonitor(true), testConfig(), WithClock(clock.Now))

	for range 5 {
		if _, err := d.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		clock.Advance(10 * time.Minute)
	}

	if got := gw.sendCount(); got != queue.DefaultMaxRetries {
		t.Errorf("sends = %d, want %d", got, queue.DefaultMaxRetries)
	}
	if dl := q.ListDeadLetters(); len(dl) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dl))
	}
}

func TestRunOnce_PermanentFailureDeadLettersImmediately(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	mustEnqueue(t, q, queue.KindCreateIssue, `{}`)

	gw := &fakeGateway{sendFn: func(gateway.Request) gateway.Outcome {
		return gateway.Outcome{Class: gateway.ClassPermanent, Status: http.StatusUnprocessableEntity, Code: "invalid_site"}
	}}
	d := New(q, gw, fakeSource{}, newFakeMonitor(true), testConfig(), WithClock(clock.Now))

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Permanent != 1 {
		t.Errorf("result = %+v, want 1 permanent", res)
	}
	dl := q.ListDeadLetters()
	if len(dl) != 1 || dl[0].LastError.Code != "invalid_site" {
		t.Fatalf("dead letters = %+v", dl)
	}
	if c := q.DequeueCandidates(); len(c) != 0 {
		t.Errorf("candidates = %d, want 0", len(c))
	}
}

func TestRunOnce_OfflineSendsNothing(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	mustEnqueue(t, q, queue.KindCreateIssue, `{}`)

	gw := &fakeGateway{}
	d := New(q, gw, fakeSource{}, newFakeMonitor(false), testConfig(), WithClock(clock.Now))

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Attempted != 0 || gw.sendCount() != 0 {
		t.Errorf("expected no attempts while offline, got %+v", res)
	}
	if q.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", q.PendingCount())
	}
}

func TestRunOnce_UploadsAttachmentsOnce(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	id := mustEnqueue(t, q, queue.KindCreateInspection, `{"site":"north"}`, queue.WithAttachments("a.jpg", "b.pdf"))

	src := fakeSource{
		"a.jpg": {Ref: "a.jpg", Name: "a.jpg", ContentType: "image/jpeg", Data: []byte{1}},
		"b.pdf": {Ref: "b.pdf", Name: "b.pdf", ContentType: "application/pdf", Data: []byte{2}, Pages: 4},
	}

	var failB atomic.Bool
	failB.Store(true)
	gw := &fakeGateway{uploadFn: func(key string, f gateway.File) gateway.Outcome {
		if f.Name == "b.pdf" && failB.Load() {
			return gateway.Outcome{Class: gateway.ClassRetryable, Status: http.StatusBadGateway, Message: "bad gateway"}
		}
		if key != id+"/"+f.Name {
			t.Errorf("upload key = %q", key)
		}
		return gateway.Outcome{Class: gateway.ClassSuccess, ServerID: "file-" + f.Name}
	}}
	d := New(q, gw, src, newFakeMonitor(true), testConfig(), WithClock(clock.Now))

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if gw.sendCount() != 0 {
		t.Fatal("mutation must not be sent while an attachment is unresolved")
	}
	m, _ := q.Get(id)
	if m.ResolvedAttachments["a.jpg"] != "file-a.jpg" {
		t.Errorf("resolved = %v, want a.jpg recorded", m.ResolvedAttachments)
	}
	if m.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", m.RetryCount)
	}

	failB.Store(false)
	clock.Advance(time.Minute)
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	var uploadedA int
	for _, f := range gw.uploads {
		if f.Name == "a.jpg" {
			uploadedA++
		}
		if f.Name == "b.pdf" && f.Pages != 4 {
			t.Errorf("pdf pages = %d, want 4", f.Pages)
		}
	}
	if uploadedA != 1 {
		t.Errorf("a.jpg uploaded %d times, want 1", uploadedA)
	}
	if gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", gw.sendCount())
	}
	if got := gw.sends[0].AttachmentIDs; !slices.Equal(got, []string{"file-a.jpg", "file-b.pdf"}) {
		t.Errorf("AttachmentIDs = %v", got)
	}
}

func TestRunOnce_MissingAttachmentIsRetryable(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	id := mustEnqueue(t, q, queue.KindCreateIssue, `{}`, queue.WithAttachments("gone.jpg"))

	gw := &fakeGateway{}
	d := New(q, gw, fakeSource{}, newFakeMonitor(true), testConfig(), WithClock(clock.Now))

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if gw.sendCount() != 0 {
		t.Error("mutation with a missing attachment must not be sent")
	}
	if res.Retrying != 1 {
		t.Errorf("result = %+v, want 1 retrying", res)
	}
	m, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.RetryCount != 1 || m.Status(q.MaxRetries()) != queue.StatusPending {
		t.Errorf("RetryCount = %d status = %s, want 1 and pending", m.RetryCount, m.Status(q.MaxRetries()))
	}
	if m.LastError == nil || m.LastError.Code != "attachment_missing" {
		t.Errorf("LastError = %+v, want attachment_missing", m.LastError)
	}
}

type errSource struct{ err error }

func (s errSource) Open(string) (attachment.Attachment, error) {
	return attachment.Attachment{}, s.err
}

func TestRunOnce_AttachmentReadErrorIsRetryable(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	id := mustEnqueue(t, q, queue.KindCreateInspection, `{}`, queue.WithAttachments("scan.jpg"))

	src := errSource{err: errors.New("read scan.jpg: input/output error")}
	d := New(q, &fakeGateway{}, src, newFakeMonitor(true), testConfig(), WithClock(clock.Now))

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	m, _ := q.Get(id)
	if m.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 after a transient read error", m.RetryCount)
	}
	if m.LastError == nil || m.LastError.Class != queue.ClassRetryable || m.LastError.Code != "attachment_unavailable" {
		t.Errorf("LastError = %+v", m.LastError)
	}
	if len(q.ListDeadLetters()) != 0 {
		t.Error("a transient read error must not dead-letter the mutation")
	}
}

func TestRunOnce_BadAttachmentIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"escaping ref", fmt.Errorf("%w: ../etc/passwd", attachment.ErrInvalidRef), "attachment_invalid_ref"},
		{"corrupt pdf", fmt.Errorf("%w: report.pdf", attachment.ErrUnreadablePDF), "attachment_unreadable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newTestClock()
			q := openTestQueue(t, openTestStore(t), clock)
			mustEnqueue(t, q, queue.KindCreateIssue, `{}`, queue.WithAttachments("x"))

			d := New(q, &fakeGateway{}, errSource{err: tt.err}, newFakeMonitor(true), testConfig(), WithClock(clock.Now))
			if _, err := d.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			dl := q.ListDeadLetters()
			if len(dl) != 1 || dl[0].LastError.Code != tt.code {
				t.Fatalf("dead letters = %+v, want one with code %s", dl, tt.code)
			}
		})
	}
}

// blockingGateway holds every call until its context ends, then fails the
// way the HTTP client does.
type blockingGateway struct {
	started chan struct{}
}

func (g *blockingGateway) wait(ctx context.Context) gateway.Outcome {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return gateway.Outcome{Class: gateway.ClassRetryable, Code: "timeout", Message: ctx.Err().Error()}
	}
	return gateway.Outcome{Class: gateway.ClassRetryable, Code: "network_error", Message: "executing request: " + ctx.Err().Error()}
}

func (g *blockingGateway) Send(ctx context.Context, _ gateway.Request) gateway.Outcome {
	return g.wait(ctx)
}

func (g *blockingGateway) Upload(ctx context.Context, _ string, _ gateway.File) gateway.Outcome {
	return g.wait(ctx)
}

func TestRunOnce_CancelledDeliveryKeepsRetryCount(t *testing.T) {
	for _, withAttachment := range []bool{false, true} {
		t.Run(fmt.Sprintf("attachment=%v", withAttachment), func(t *testing.T) {
			clock := newTestClock()
			q := openTestQueue(t, openTestStore(t), clock)
			var opts []queue.EnqueueOption
			src := fakeSource{}
			if withAttachment {
				opts = append(opts, queue.WithAttachments("a.jpg"))
				src["a.jpg"] = attachment.Attachment{Ref: "a.jpg", Name: "a.jpg", Data: []byte{1}}
			}
			id := mustEnqueue(t, q, queue.KindCreateIssue, `{}`, opts...)

			gw := &blockingGateway{started: make(chan struct{}, 1)}
			cfg := testConfig()
			cfg.CallTimeout = time.Minute
			d := New(q, gw, src, newFakeMonitor(true), cfg, WithClock(clock.Now))

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				<-gw.started
				cancel()
			}()

			res, err := d.RunOnce(ctx)
			if err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			if res.Interrupted != 1 || res.Attempted != 0 {
				t.Errorf("result = %+v, want 1 interrupted and no attempts", res)
			}

			m, err := q.Get(id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if m.RetryCount != 0 || m.LastError != nil || m.LastAttemptAt != nil {
				t.Errorf("mutation = %+v, want it untouched", m)
			}
		})
	}
}

func TestRunOnce_CallTimeoutIsRetryable(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	id := mustEnqueue(t, q, queue.KindCreateIssue, `{}`)

	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	d := New(q, &blockingGateway{started: make(chan struct{}, 1)}, fakeSource{}, newFakeMonitor(true), cfg, WithClock(clock.Now))

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Retrying != 1 {
		t.Errorf("result = %+v, want 1 retrying", res)
	}
	m, _ := q.Get(id)
	if m.RetryCount != 1 || m.LastError == nil || m.LastError.Code != "timeout" {
		t.Errorf("mutation = %+v, want a recorded timeout", m)
	}
}

func TestDrain_SubstitutesPrerequisiteServerIDs(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	training := mustEnqueue(t, q, queue.KindCreateTraining, `{"title":"Ladder safety"}`)
	clock.Advance(time.Second)
	mustEnqueue(t, q, queue.KindConfirmTraining,
		fmt.Sprintf(`{"training_id":%q,"attendees":3}`, training),
		queue.WithDependsOn(training))

	gw := &fakeGateway{sendFn: func(req gateway.Request) gateway.Outcome {
		if req.Kind == queue.KindCreateTraining {
			return gateway.Outcome{Class: gateway.ClassSuccess, ServerID: "tr-100"}
		}
		return gateway.Outcome{Class: gateway.ClassSuccess}
	}}
	d := New(q, gw, fakeSource{}, newFakeMonitor(true), testConfig(), WithClock(clock.Now))

	d.drain(context.Background(), "test")

	if gw.sendCount() != 2 {
		t.Fatalf("sends = %d, want 2", gw.sendCount())
	}
	if gw.sends[0].Kind != queue.KindCreateTraining {
		t.Errorf("first send kind = %s, want prerequisite first", gw.sends[0].Kind)
	}
	var body map[string]any
	if err := json.Unmarshal(gw.sends[1].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["training_id"] != "tr-100" {
		t.Errorf("training_id = %v, want tr-100", body["training_id"])
	}
	if body["attendees"] != float64(3) {
		t.Errorf("attendees = %v, want 3", body["attendees"])
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", q.PendingCount())
	}
}

func TestRunOnce_StorageErrorIsReturned(t *testing.T) {
	clock := newTestClock()
	store := &failingStore{RecordStore: openTestStore(t)}
	q := openTestQueue(t, store, clock)
	mustEnqueue(t, q, queue.KindCreateIssue, `{}`)

	store.failWrites.Store(true)
	d := New(q, &fakeGateway{}, fakeSource{}, newFakeMonitor(true), testConfig(), WithClock(clock.Now))

	if _, err := d.RunOnce(context.Background()); err == nil {
		t.Fatal("expected storage error")
	}
	if q.PendingCount() != 1 {
		t.Errorf("mutation must stay queued when success cannot be recorded")
	}
}

func TestRunOnce_RespectsConcurrency(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	for i := range 6 {
		mustEnqueue(t, q, queue.KindCreateIssue, fmt.Sprintf(`{"n":%d}`, i))
	}

	var inflight, peak atomic.Int32
	gw := &fakeGateway{sendFn: func(gateway.Request) gateway.Outcome {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return gateway.Outcome{Class: gateway.ClassSuccess}
	}}
	cfg := testConfig()
	cfg.Concurrency = 2
	d := New(q, gw, fakeSource{}, newFakeMonitor(true), cfg, WithClock(clock.Now))

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Succeeded != 6 {
		t.Errorf("Succeeded = %d, want 6", res.Succeeded)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestTrigger_Coalesces(t *testing.T) {
	d := New(nil, nil, nil, nil, Config{})
	for range 5 {
		d.Trigger()
	}
	if len(d.trigger) != 1 {
		t.Errorf("pending triggers = %d, want 1", len(d.trigger))
	}
}

func TestRun_DrainsWhenConnectivityRestored(t *testing.T) {
	clock := newTestClock()
	q := openTestQueue(t, openTestStore(t), clock)
	mustEnqueue(t, q, queue.KindCreateIssue, `{}`)

	mon := newFakeMonitor(false)
	gw := &fakeGateway{}
	cfg := testConfig()
	cfg.Interval = time.Hour
	d := New(q, gw, fakeSource{}, mon, cfg, WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if gw.sendCount() != 0 {
		t.Fatal("nothing should be sent while offline")
	}

	mon.online.Store(true)
	mon.ch <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for gw.sendCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if gw.sendCount() != 1 {
		t.Errorf("sends = %d, want 1 after connectivity restored", gw.sendCount())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestSubstituteServerIDs(t *testing.T) {
	payload := json.RawMessage(`{"ref":"m-1","big":12345678901234567890,"nested":{"list":["m-1","m-2","keep"]},"none":null}`)
	out, err := substituteServerIDs(payload, map[string]string{"m-1": "srv-1", "m-2": "srv-2"})
	if err != nil {
		t.Fatalf("substituteServerIDs: %v", err)
	}

	var got map[string]json.RawMessage
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if string(got["ref"]) != `"srv-1"` {
		t.Errorf("ref = %s", got["ref"])
	}
	if string(got["big"]) != `12345678901234567890` {
		t.Errorf("big = %s, number precision lost", got["big"])
	}
	if string(got["nested"]) != `{"list":["srv-1","srv-2","keep"]}` {
		t.Errorf("nested = %s", got["nested"])
	}
	if string(got["none"]) != `null` {
		t.Errorf("none = %s", got["none"])
	}

	same, _ := substituteServerIDs(payload, nil)
	if string(same) != string(payload) {
		t.Error("payload without server ids should be returned unchanged")
	}
}
