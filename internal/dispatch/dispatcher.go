// Package dispatch drains the mutation queue against the backend whenever
// the device is online.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fieldsync/internal/attachment"
	"github.com/kalambet/fieldsync/internal/gateway"
	"github.com/kalambet/fieldsync/internal/queue"
)

// Queue is the subset of the mutation queue the dispatcher drives.
type Queue interface {
	DequeueCandidates() []queue.PendingMutation
	MarkSucceeded(id string) error
	MarkFailed(id string, detail queue.FailureDetail) error
	RecordAttachment(id, localRef, remoteID string) error
	RecordServerID(id, serverID string) error
	ServerIDs(ids []string) map[string]string
	Stats() queue.Stats
}

// Gateway delivers mutations and attachments to the backend.
type Gateway interface {
	Send(ctx context.Context, req gateway.Request) gateway.Outcome
	Upload(ctx context.Context, idempotencyKey string, f gateway.File) gateway.Outcome
}

// Connectivity reports whether the backend is reachable and signals when it
// becomes reachable again.
type Connectivity interface {
	Online() bool
	Subscribe() <-chan struct{}
}

// Config tunes delivery.
type Config struct {
	Concurrency int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Interval    time.Duration
	CallTimeout time.Duration
}

// DefaultConfig returns the stock delivery settings.
func DefaultConfig() Config {
	return Config{
		Concurrency: 2,
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
		Interval:    30 * time.Second,
		CallTimeout: 15 * time.Second,
	}
}

// Backoff returns how long a mutation that failed retryCount times waits
// before its next attempt: base*2^retryCount, capped.
func (c Config) Backoff(retryCount int) time.Duration {
	if retryCount <= 0 || c.BackoffBase <= 0 {
		return 0
	}
	d := c.BackoffBase
	for range retryCount {
		d *= 2
		if c.BackoffCap > 0 && d >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	return d
}

// classInterrupted marks a delivery cut short by the dispatcher's own
// context. Nothing is recorded on the queue for it.
const classInterrupted gateway.Class = "interrupted"

// Result summarizes one drain pass.
type Result struct {
	Attempted   int
	Succeeded   int
	Retrying    int
	Permanent   int
	Deferred    int
	Interrupted int
	// NextRetryIn is the wait until the earliest deferred mutation is due,
	// or zero when nothing is deferred.
	NextRetryIn time.Duration
}

func (r *Result) record(c gateway.Class) {
	if c == classInterrupted {
		r.Interrupted++
		return
	}
	r.Attempted++
	switch c {
	case gateway.ClassSuccess:
		r.Succeeded++
	case gateway.ClassPermanent:
		r.Permanent++
	default:
		r.Retrying++
	}
}

// Dispatcher delivers queued mutations.
type Dispatcher struct {
	queue   Queue
	gateway Gateway
	source  attachment.Source
	monitor Connectivity
	cfg     Config

	drainMu sync.Mutex
	trigger chan struct{}
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source used for backoff decisions.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher. monitor may be nil, in which case the backend is
// assumed reachable.
func New(q Queue, gw Gateway, src attachment.Source, monitor Connectivity, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	d := &Dispatcher{
		queue:   q,
		gateway: gw,
		source:  src,
		monitor: monitor,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Trigger asks Run to drain as soon as possible. Calls made while a drain
// is already requested are coalesced.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) online() bool {
	return d.monitor == nil || d.monitor.Online()
}

// Run drains the queue on connectivity restoration, on Trigger, when a
// deferred retry becomes due and on every interval tick. It blocks until
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var restored <-chan struct{}
	if d.monitor != nil {
		restored = d.monitor.Subscribe()
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	var retry <-chan time.Time
	drain := func(reason string) {
		next := d.drain(ctx, reason)
		retry = nil
		if next > 0 {
			retry = time.After(next)
		}
	}

	d.refreshGauges()
	drain("startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-restored:
			drain("connectivity restored")
		case <-d.trigger:
			drain("triggered")
		case <-retry:
			drain("retry due")
		case <-ticker.C:
			drain("interval")
		}
	}
}

// drain runs passes until nothing new becomes deliverable. A success can
// unblock dependents, so another pass follows every pass that delivered
// something.
func (d *Dispatcher) drain(ctx context.Context, reason string) time.Duration {
	var next time.Duration
	for ctx.Err() == nil && d.online() {
		res, err := d.RunOnce(ctx)
		if err != nil {
			d.logger.Error("sync pass failed", "reason", reason, "error", err)
			return 0
		}
		if res.Attempted > 0 {
			d.logger.Info("sync pass complete",
				"reason", reason,
				"attempted", res.Attempted,
				"succeeded", res.Succeeded,
				"retrying", res.Retrying,
				"permanent", res.Permanent,
				"deferred", res.Deferred,
			)
		}
		next = res.NextRetryIn
		if res.Succeeded == 0 {
			break
		}
	}
	return next
}

// RunOnce makes one delivery attempt for every eligible mutation. Delivery
// failures are recorded on the queue; only queue storage errors are returned.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()
	defer d.refreshGauges()

	var res Result
	if !d.online() {
		return res, nil
	}

	now := d.now()
	var due []queue.PendingMutation
	for _, m := range d.queue.DequeueCandidates() {
		if wait := d.waitFor(m, now); wait > 0 {
			res.Deferred++
			if res.NextRetryIn == 0 || wait < res.NextRetryIn {
				res.NextRetryIn = wait
			}
			continue
		}
		due = append(due, m)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, m := range due {
		if gctx.Err() != nil || !d.online() {
			break
		}
		g.Go(func() error {
			class, err := d.deliver(gctx, m)
			if err != nil {
				return err
			}
			mu.Lock()
			res.record(class)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Dispatcher) waitFor(m queue.PendingMutation, now time.Time) time.Duration {
	if m.LastAttemptAt == nil {
		return 0
	}
	dueAt := m.LastAttemptAt.Add(d.cfg.Backoff(m.RetryCount))
	if dueAt.After(now) {
		return dueAt.Sub(now)
	}
	return 0
}

// deliver uploads outstanding attachments, then sends the mutation, and
// records the outcome. The returned error is a queue storage failure.
func (d *Dispatcher) deliver(ctx context.Context, m queue.PendingMutation) (gateway.Class, error) {
	start := time.Now()
	defer func() { dispatchDuration.Observe(time.Since(start).Seconds()) }()

	logger := d.logger.With("mutation_id", m.ID, "kind", m.Kind)

	attachmentIDs, out, err := d.resolveAttachments(ctx, m)
	if err != nil {
		return "", err
	}
	if out != nil && out.Class == classInterrupted {
		logger.Debug("delivery interrupted during attachment upload")
		return classInterrupted, nil
	}
	if out != nil {
		dispatchAttempts.WithLabelValues(string(m.Kind), string(out.Class)).Inc()
		logger.Warn("attachment upload failed", "class", out.Class, "status", out.Status, "reason", out.Message)
		if err := d.queue.MarkFailed(m.ID, out.Failure()); err != nil {
			return "", fmt.Errorf("recording failure: %w", err)
		}
		return out.Class, nil
	}

	payload, err := substituteServerIDs(m.Payload, d.queue.ServerIDs(m.DependsOn))
	if err != nil {
		// Enqueue validated the payload, so this only happens on corruption.
		logger.Error("payload substitution failed", "error", err)
		payload = m.Payload
	}

	callCtx, cancel := d.callContext(ctx)
	result := d.gateway.Send(callCtx, gateway.Request{
		IdempotencyKey: m.ID,
		Kind:           m.Kind,
		Payload:        payload,
		AttachmentIDs:  attachmentIDs,
	})
	cancel()
	if !result.OK() && ctx.Err() != nil {
		// Shut down mid-call: the item keeps its retry count.
		logger.Debug("delivery interrupted", "error", ctx.Err())
		return classInterrupted, nil
	}
	dispatchAttempts.WithLabelValues(string(m.Kind), string(result.Class)).Inc()

	if result.OK() {
		if result.ServerID != "" {
			if err := d.queue.RecordServerID(m.ID, result.ServerID); err != nil {
				return "", fmt.Errorf("recording server id: %w", err)
			}
		}
		if err := d.queue.MarkSucceeded(m.ID); err != nil {
			return "", fmt.Errorf("recording success: %w", err)
		}
		return gateway.ClassSuccess, nil
	}

	logger.Debug("delivery failed", "class", result.Class, "status", result.Status, "code", result.Code, "reason", result.Message)
	if err := d.queue.MarkFailed(m.ID, result.Failure()); err != nil {
		return "", fmt.Errorf("recording failure: %w", err)
	}
	return result.Class, nil
}

// resolveAttachments returns the server file ids for m's attachments in
// order, uploading the ones not yet uploaded. A non-nil Outcome is the
// failure that stops delivery.
func (d *Dispatcher) resolveAttachments(ctx context.Context, m queue.PendingMutation) ([]string, *gateway.Outcome, error) {
	if len(m.Attachments) == 0 {
		return nil, nil, nil
	}

	ids := make([]string, 0, len(m.Attachments))
	for _, ref := range m.Attachments {
		if remote, ok := m.ResolvedAttachments[ref]; ok {
			ids = append(ids, remote)
			continue
		}

		if d.source == nil {
			return nil, &gateway.Outcome{Class: gateway.ClassRetryable, Code: "attachment_unavailable", Message: "no attachment source configured"}, nil
		}
		a, err := d.source.Open(ref)
		if err != nil {
			return nil, &gateway.Outcome{
				Class:   attachmentErrorClass(err),
				Code:    attachmentErrorCode(err),
				Message: err.Error(),
			}, nil
		}

		callCtx, cancel := d.callContext(ctx)
		out := d.gateway.Upload(callCtx, m.ID+"/"+ref, gateway.File{
			Name:        a.Name,
			ContentType: a.ContentType,
			Data:        a.Data,
			Pages:       a.Pages,
		})
		cancel()
		if !out.OK() && ctx.Err() != nil {
			return nil, &gateway.Outcome{Class: classInterrupted}, nil
		}
		if !out.OK() {
			out.Message = fmt.Sprintf("uploading %s: %s", ref, out.Message)
			return nil, &out, nil
		}

		if err := d.queue.RecordAttachment(m.ID, ref, out.ServerID); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				// Discarded while uploading.
				return nil, &gateway.Outcome{Class: gateway.ClassPermanent, Message: "mutation discarded"}, nil
			}
			return nil, nil, fmt.Errorf("recording attachment: %w", err)
		}
		ids = append(ids, out.ServerID)
	}
	return ids, nil, nil
}

// attachmentErrorClass decides whether a local read failure is worth
// retrying. Only a malformed reference or a corrupt PDF can never succeed.
func attachmentErrorClass(err error) gateway.Class {
	if errors.Is(err, attachment.ErrInvalidRef) || errors.Is(err, attachment.ErrUnreadablePDF) {
		return gateway.ClassPermanent
	}
	return gateway.ClassRetryable
}

func attachmentErrorCode(err error) string {
	switch {
	case errors.Is(err, attachment.ErrNotFound):
		return "attachment_missing"
	case errors.Is(err, attachment.ErrUnreadablePDF):
		return "attachment_unreadable"
	case errors.Is(err, attachment.ErrInvalidRef):
		return "attachment_invalid_ref"
	default:
		return "attachment_unavailable"
	}
}

func (d *Dispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, d.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (d *Dispatcher) refreshGauges() {
	st := d.queue.Stats()
	queuePending.Set(float64(st.Pending))
	queueDeadLetters.Set(float64(st.DeadLetter))
}

// substituteServerIDs replaces every string value in payload equal to a
// prerequisite mutation id with the server id that mutation produced.
func substituteServerIDs(payload json.RawMessage, ids map[string]string) (json.RawMessage, error) {
	if len(ids) == 0 {
		return payload, nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	out, err := json.Marshal(replaceStrings(doc, ids))
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return out, nil
}

func replaceStrings(v any, ids map[string]string) any {
	switch t := v.(type) {
	case string:
		if sid, ok := ids[t]; ok {
			return sid
		}
		return t
	case map[string]any:
		for k, child := range t {
			t[k] = replaceStrings(child, ids)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = replaceStrings(child, ids)
		}
		return t
	default:
		return v
	}
}
