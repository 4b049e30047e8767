// Package queue holds writes made offline until the server confirms them.
//
// The whole queue lives in memory and is written through to a
// storage.RecordStore on every state change. All operations are serialized by
// a single mutex; a change is only applied in memory after it was persisted,
// so a storage failure leaves the queue exactly as it was.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fieldsync/internal/storage"
)

const (
	itemsKey     = "items"
	serverIDsKey = "server-ids"
)

// BlockedFunc reports whether m must be withheld from delivery. It is
// consulted in addition to the mutation's DependsOn list.
type BlockedFunc func(m PendingMutation) bool

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries sets the attempt budget. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithBlockedFunc installs a caller-defined blocked-on predicate.
func WithBlockedFunc(f BlockedFunc) Option {
	return func(q *Queue) { q.blocked = f }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue is the durable mutation queue. Construct it once per process with Open.
type Queue struct {
	mu         sync.Mutex
	store      storage.RecordStore
	items      []PendingMutation
	serverIDs  map[string]string
	maxRetries int
	blocked    BlockedFunc
	now        func() time.Time
	logger     *slog.Logger
}

// Open loads the persisted queue from store.
func Open(store storage.RecordStore, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:      store,
		serverIDs:  make(map[string]string),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}

	data, err := store.Get(storage.NamespaceQueue, itemsKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading queue: %w", err)
	default:
		if err := json.Unmarshal(data, &q.items); err != nil {
			return nil, fmt.Errorf("decoding queue: %w", err)
		}
	}

	data, err = store.Get(storage.NamespaceQueue, serverIDsKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading server ids: %w", err)
	default:
		if err := json.Unmarshal(data, &q.serverIDs); err != nil {
			return nil, fmt.Errorf("decoding server ids: %w", err)
		}
	}

	q.logger.Debug("queue loaded", "items", len(q.items))
	return q, nil
}

// MaxRetries returns the configured attempt budget.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// EnqueueOption attaches optional data to a new mutation.
type EnqueueOption func(*PendingMutation)

// WithAttachments lists local attachment references to upload before delivery.
func WithAttachments(refs ...string) EnqueueOption {
	return func(m *PendingMutation) { m.Attachments = append(m.Attachments, refs...) }
}

// WithDependsOn withholds the mutation until every listed mutation succeeded.
func WithDependsOn(ids ...string) EnqueueOption {
	return func(m *PendingMutation) { m.DependsOn = append(m.DependsOn, ids...) }
}

// Enqueue persists a new mutation and returns its id. Once Enqueue returns
// without error the mutation survives a process restart.
func (q *Queue) Enqueue(kind Kind, payload json.RawMessage, opts ...EnqueueOption) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return "", ErrInvalidPayload
	}

	m := PendingMutation{
		ID:      uuid.New().String(),
		Kind:    kind,
		Payload: slices.Clone(payload),
	}
	for _, o := range opts {
		o(&m)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m.CreatedAt = q.now().UTC()
	next := append(slices.Clip(q.items), m)
	if err := q.commitLocked(next); err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", kind, err)
	}

	q.logger.Info("mutation enqueued", "mutation_id", m.ID, "kind", kind)
	return m.ID, nil
}

// DequeueCandidates returns the mutations eligible for delivery, oldest
// first. It does not change any state.
func (q *Queue) DequeueCandidates() []PendingMutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	present := make(map[string]struct{}, len(q.items))
	for _, m := range q.items {
		present[m.ID] = struct{}{}
	}

	var out []PendingMutation
	for _, m := range q.items {
		if m.RetryCount >= q.maxRetries {
			continue
		}
		if dependsOnPresent(m, present) {
			continue
		}
		if q.blocked != nil && q.blocked(m.clone()) {
			continue
		}
		out = append(out, m.clone())
	}
	sortByCreated(out)
	return out
}

func dependsOnPresent(m PendingMutation, present map[string]struct{}) bool {
	for _, dep := range m.DependsOn {
		if _, ok := present[dep]; ok {
			return true
		}
	}
	return false
}

// MarkSucceeded removes the mutation. Unknown ids are ignored, so duplicate
// completion callbacks are harmless.
func (q *Queue) MarkSucceeded(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return nil
	}

	next := slices.Delete(slices.Clone(q.items), idx, idx+1)
	if err := q.commitLocked(next); err != nil {
		return fmt.Errorf("marking %s succeeded: %w", id, err)
	}
	q.pruneServerIDsLocked()

	q.logger.Info("mutation delivered", "mutation_id", id)
	return nil
}

// MarkFailed records a failed attempt. A retryable failure spends one retry;
// a permanent failure exhausts the budget at once. Unknown ids are ignored
// because the mutation may have been discarded while the attempt was in flight.
func (q *Queue) MarkFailed(id string, detail FailureDetail) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return nil
	}

	m := q.items[idx].clone()
	if m.RetryCount >= q.maxRetries {
		return nil
	}
	switch detail.Class {
	case ClassPermanent:
		m.RetryCount = q.maxRetries
	default:
		detail.Class = ClassRetryable
		m.RetryCount++
	}
	now := q.now().UTC()
	m.LastAttemptAt = &now
	m.LastError = &detail

	if err := q.replaceLocked(idx, m); err != nil {
		return fmt.Errorf("marking %s failed: %w", id, err)
	}

	if m.RetryCount >= q.maxRetries {
		q.logger.Warn("mutation moved to dead letters", "mutation_id", id, "kind", m.Kind, "class", detail.Class, "reason", detail.Message)
	} else {
		q.logger.Info("mutation attempt failed", "mutation_id", id, "kind", m.Kind, "retry", m.RetryCount, "max_retries", q.maxRetries, "reason", detail.Message)
	}
	return nil
}

// RecordAttachment remembers that localRef was uploaded as remoteID so a
// later attempt does not upload it again.
func (q *Queue) RecordAttachment(id, localRef, remoteID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return ErrNotFound
	}

	m := q.items[idx].clone()
	if m.ResolvedAttachments == nil {
		m.ResolvedAttachments = make(map[string]string)
	}
	m.ResolvedAttachments[localRef] = remoteID
	if err := q.replaceLocked(idx, m); err != nil {
		return fmt.Errorf("recording attachment for %s: %w", id, err)
	}
	return nil
}

// RecordServerID remembers the server identifier produced by mutation id so
// dependents can reference it. It is only kept while some queued mutation
// depends on id.
func (q *Queue) RecordServerID(id, serverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isDependencyLocked(id) {
		return nil
	}
	q.serverIDs[id] = serverID
	if err := q.persistServerIDsLocked(); err != nil {
		delete(q.serverIDs, id)
		return fmt.Errorf("recording server id for %s: %w", id, err)
	}
	return nil
}

// ServerIDs returns the known server identifiers for the given mutation ids.
func (q *Queue) ServerIDs(ids []string) map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]string)
	for _, id := range ids {
		if sid, ok := q.serverIDs[id]; ok {
			out[id] = sid
		}
	}
	return out
}

// ListDeadLetters returns the mutations that exhausted their retries, oldest first.
func (q *Queue) ListDeadLetters() []PendingMutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []PendingMutation
	for _, m := range q.items {
		if m.RetryCount >= q.maxRetries {
			out = append(out, m.clone())
		}
	}
	sortByCreated(out)
	return out
}

// RetryDeadLetter readmits a dead letter with a fresh retry budget.
func (q *Queue) RetryDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return ErrNotFound
	}
	if q.items[idx].RetryCount < q.maxRetries {
		return ErrNotDeadLetter
	}

	m := q.items[idx].clone()
	m.RetryCount = 0
	m.LastAttemptAt = nil
	m.LastError = nil
	if err := q.replaceLocked(idx, m); err != nil {
		return fmt.Errorf("retrying %s: %w", id, err)
	}

	q.logger.Info("dead letter readmitted", "mutation_id", id)
	return nil
}

// RetryAllDeadLetters readmits every dead letter and returns how many.
func (q *Queue) RetryAllDeadLetters() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := slices.Clone(q.items)
	n := 0
	for i := range next {
		if next[i].RetryCount < q.maxRetries {
			continue
		}
		m := next[i].clone()
		m.RetryCount = 0
		m.LastAttemptAt = nil
		m.LastError = nil
		next[i] = m
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := q.commitLocked(next); err != nil {
		return 0, fmt.Errorf("retrying dead letters: %w", err)
	}

	q.logger.Info("dead letters readmitted", "count", n)
	return n, nil
}

// Discard removes a mutation without delivering it. Unknown ids are ignored.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return nil
	}

	next := slices.Delete(slices.Clone(q.items), idx, idx+1)
	if err := q.commitLocked(next); err != nil {
		return fmt.Errorf("discarding %s: %w", id, err)
	}
	q.pruneServerIDsLocked()

	q.logger.Warn("mutation discarded", "mutation_id", id)
	return nil
}

// DiscardDeadLetter removes id only if it is currently a dead letter. It
// returns ErrNotFound for unknown ids and ErrNotDeadLetter for pending ones.
func (q *Queue) DiscardDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return ErrNotFound
	}
	if q.items[idx].RetryCount < q.maxRetries {
		return ErrNotDeadLetter
	}

	next := slices.Delete(slices.Clone(q.items), idx, idx+1)
	if err := q.commitLocked(next); err != nil {
		return fmt.Errorf("discarding %s: %w", id, err)
	}
	q.pruneServerIDsLocked()

	q.logger.Warn("dead letter discarded", "mutation_id", id)
	return nil
}

// DiscardAllDeadLetters removes every dead letter and returns how many.
func (q *Queue) DiscardAllDeadLetters() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := make([]PendingMutation, 0, len(q.items))
	for _, m := range q.items {
		if m.RetryCount < q.maxRetries {
			next = append(next, m)
		}
	}
	n := len(q.items) - len(next)
	if n == 0 {
		return 0, nil
	}
	if err := q.commitLocked(next); err != nil {
		return 0, fmt.Errorf("discarding dead letters: %w", err)
	}
	q.pruneServerIDsLocked()

	q.logger.Warn("dead letters discarded", "count", n)
	return n, nil
}

// Get returns one mutation by id.
func (q *Queue) Get(id string) (PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return PendingMutation{}, ErrNotFound
	}
	return q.items[idx].clone(), nil
}

// List returns every mutation, pending and dead, oldest first.
func (q *Queue) List() []PendingMutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingMutation, len(q.items))
	for i, m := range q.items {
		out[i] = m.clone()
	}
	sortByCreated(out)
	return out
}

// Stats returns the pending and dead-letter counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, m := range q.items {
		if m.RetryCount >= q.maxRetries {
			s.DeadLetter++
		} else {
			s.Pending++
		}
	}
	return s
}

// PendingCount returns the number of mutations still eligible for retry.
func (q *Queue) PendingCount() int {
	return q.Stats().Pending
}

// DeadLetterCount returns the number of dead letters.
func (q *Queue) DeadLetterCount() int {
	return q.Stats().DeadLetter
}

func (q *Queue) indexLocked(id string) int {
	for i, m := range q.items {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) replaceLocked(idx int, m PendingMutation) error {
	next := slices.Clone(q.items)
	next[idx] = m
	return q.commitLocked(next)
}

// commitLocked persists next and only then makes it the current state.
func (q *Queue) commitLocked(next []PendingMutation) error {
	if next == nil {
		next = []PendingMutation{}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}
	if err := q.store.Set(storage.NamespaceQueue, itemsKey, data); err != nil {
		return err
	}
	q.items = next
	return nil
}

func (q *Queue) isDependencyLocked(id string) bool {
	for _, m := range q.items {
		if slices.Contains(m.DependsOn, id) {
			return true
		}
	}
	return false
}

// pruneServerIDsLocked forgets server ids nothing depends on anymore. It
// runs after a removal has committed, so a failed write is only logged; the
// stale entries are dropped again on the next removal.
func (q *Queue) pruneServerIDsLocked() {
	changed := false
	for id := range q.serverIDs {
		if !q.isDependencyLocked(id) {
			delete(q.serverIDs, id)
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := q.persistServerIDsLocked(); err != nil {
		q.logger.Warn("pruning server ids", "error", err)
	}
}

func (q *Queue) persistServerIDsLocked() error {
	data, err := json.Marshal(q.serverIDs)
	if err != nil {
		return fmt.Errorf("encoding server ids: %w", err)
	}
	return q.store.Set(storage.NamespaceQueue, serverIDsKey, data)
}

func sortByCreated(ms []PendingMutation) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}
