package privacykit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OverflowStrategy selects queue behavior at MaxQueueSize.
type OverflowStrategy string

const (
	// OverflowReject fails new enqueues with ErrQueueFull.
	OverflowReject OverflowStrategy = "reject"
	// OverflowDropOldest evicts and rejects the oldest pending operation to
	// admit the new one.
	OverflowDropOldest OverflowStrategy = "drop_oldest"
)

// UpdateQueueConfig configures an UpdateQueue at construction time.
type UpdateQueueConfig struct {
	// Enabled turns batching on. When false every enqueue writes through to
	// the backend synchronously.
	Enabled bool
	// BatchWindow is the per-entity debounce delay before a queued operation
	// flushes absent further merges.
	BatchWindow time.Duration
	// MaxBatchSize bounds one flush and, when reached by the pending set,
	// schedules an immediate global flush.
	MaxBatchSize int
	// RetryAttempts is the retry budget per operation.
	RetryAttempts int
	// RetryDelay is the base backoff delay; attempt n waits RetryDelay*2^(n-1).
	RetryDelay time.Duration
	// MaxQueueSize bounds distinct pending operations.
	MaxQueueSize int
	// Overflow selects behavior at MaxQueueSize.
	Overflow OverflowStrategy
	// TablePriorities adds a per-table bonus on top of the base priority by
	// operation type.
	TablePriorities map[string]int
}

func (c *UpdateQueueConfig) setDefaults() {
	if c.BatchWindow <= 0 {
		c.BatchWindow = 100 * time.Millisecond
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.Overflow == "" {
		c.Overflow = OverflowReject
	}
}

// Validate checks construction-time invariants.
func (c *UpdateQueueConfig) Validate() error {
	if c.Overflow != OverflowReject && c.Overflow != OverflowDropOldest {
		return fmt.Errorf("%w: unknown overflow strategy %q", ErrConfig, c.Overflow)
	}
	return nil
}

// Pending is the deferred outcome of an enqueued operation. Operations merged
// into the same queue key share one Pending.
type Pending struct {
	once sync.Once
	done chan struct{}
	rec  Record
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Wait blocks until the operation resolves or ctx is done. For deletes the
// returned record is nil.
func (p *Pending) Wait(ctx context.Context) (Record, error) {
	select {
	case <-p.done:
		return p.rec, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports without blocking whether the operation has resolved.
func (p *Pending) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pending) resolve(rec Record) {
	p.once.Do(func() {
		p.rec = rec
		close(p.done)
	})
}

func (p *Pending) reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// queuedOp is a pending mutation plus its scheduling state. gen invalidates
// stale debounce timer callbacks after a merge resets the timer.
type queuedOp struct {
	op      QueuedOperation
	waiters []*Pending
	timer   *time.Timer
	gen     int
}

func (qo *queuedOp) resolveAll(rec Record) {
	for _, w := range qo.waiters {
		w.resolve(rec)
	}
}

func (qo *queuedOp) rejectAll(err error) {
	for _, w := range qo.waiters {
		w.reject(err)
	}
}

// UpdateQueue coalesces create/update/delete calls per entity into backend
// batches with retry and backoff. It exclusively owns in-flight operations
// until they resolve.
type UpdateQueue struct {
	cfg        UpdateQueueConfig
	backend    StorageBackend
	crypto     *EncryptionService
	events     EventSink
	deadLetter DeadLetterSink
	logger     *slog.Logger
	now        func() time.Time

	mu             sync.Mutex
	ops            map[string]*queuedOp
	flushScheduled bool
	closed         bool
}

// QueueOption configures an UpdateQueue.
type QueueOption func(*UpdateQueue)

// WithQueueEncryption routes enqueued payloads through the encryption service
// on the way to the backend.
func WithQueueEncryption(enc *EncryptionService) QueueOption {
	return func(q *UpdateQueue) { q.crypto = enc }
}

// WithQueueEvents sets the notification sink.
func WithQueueEvents(sink EventSink) QueueOption {
	return func(q *UpdateQueue) { q.events = sink }
}

// WithDeadLetterSink sets the sink for operations that exhaust their retries.
func WithDeadLetterSink(sink DeadLetterSink) QueueOption {
	return func(q *UpdateQueue) { q.deadLetter = sink }
}

// WithQueueLogger sets the structured logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *UpdateQueue) { q.logger = logger }
}

// WithQueueClock overrides the time source, for tests.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *UpdateQueue) { q.now = now }
}

// NewUpdateQueue creates an update queue over the given backend.
func NewUpdateQueue(backend StorageBackend, cfg UpdateQueueConfig, opts ...QueueOption) (*UpdateQueue, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: storage backend is required", ErrConfig)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &UpdateQueue{
		cfg:     cfg,
		backend: backend,
		events:  NewNoopEventSink(),
		logger:  slog.Default(),
		now:     time.Now,
		ops:     make(map[string]*queuedOp),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// EnqueueCreate queues a create. When data carries an id, later updates to the
// same entity merge into this operation.
func (q *UpdateQueue) EnqueueCreate(ctx context.Context, table string, data Record) (*Pending, error) {
	return q.enqueue(ctx, OperationCreate, table, data.ID(), data)
}

// EnqueueUpdate queues an update, merging into any pending mutation for the
// same (table, id).
func (q *UpdateQueue) EnqueueUpdate(ctx context.Context, table, id string, data Record) (*Pending, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: update requires an entity id", ErrConfig)
	}
	return q.enqueue(ctx, OperationUpdate, table, id, data)
}

// EnqueueDelete queues a delete, superseding any pending mutation for the
// same (table, id).
func (q *UpdateQueue) EnqueueDelete(ctx context.Context, table, id string) (*Pending, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: delete requires an entity id", ErrConfig)
	}
	return q.enqueue(ctx, OperationDelete, table, id, nil)
}

func (q *UpdateQueue) enqueue(ctx context.Context, typ OperationType, table, entityID string, data Record) (*Pending, error) {
	if table == "" {
		return nil, fmt.Errorf("%w: table is required", ErrConfig)
	}

	if data != nil && q.crypto != nil {
		processed, err := q.crypto.ProcessEntityForStorage(ctx, table, data)
		if err != nil {
			// Cryptographic failures are fatal for the record, never retried.
			return nil, err
		}
		data = processed
	}

	if !q.cfg.Enabled {
		return q.writeThrough(ctx, typ, table, entityID, data)
	}

	opID := uuid.New().String()
	key := table + "\x00" + entityID
	if entityID == "" {
		// Creates without a client-assigned id cannot be merged into.
		key = "\x00op\x00" + opID
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	if existing, ok := q.ops[key]; ok {
		p := q.mergeLocked(existing, typ, data)
		q.mu.Unlock()
		q.events.Emit(ctx, EventOperationMerged, map[string]any{
			"table": table, "entity_id": entityID, "type": string(typ),
		})
		return p, nil
	}

	if len(q.ops) >= q.cfg.MaxQueueSize {
		if q.cfg.Overflow == OverflowReject {
			q.mu.Unlock()
			return nil, ErrQueueFull
		}
		evicted := q.evictOldestLocked()
		if evicted != nil {
			defer evicted.rejectAll(ErrQueueOverflow)
		}
	}

	qo := &queuedOp{
		op: QueuedOperation{
			ID:         opID,
			Type:       typ,
			Table:      table,
			EntityID:   entityID,
			Data:       data,
			Timestamp:  q.now(),
			Priority:   q.priorityFor(typ, table),
			MaxRetries: q.cfg.RetryAttempts,
		},
		waiters: []*Pending{newPending()},
	}
	gen := qo.gen
	qo.timer = time.AfterFunc(q.cfg.BatchWindow, func() { q.flushKey(key, gen) })
	q.ops[key] = qo

	scheduleFlush := len(q.ops) >= q.cfg.MaxBatchSize && !q.flushScheduled
	if scheduleFlush {
		q.flushScheduled = true
	}
	q.mu.Unlock()

	q.events.Emit(ctx, EventOperationQueued, map[string]any{
		"operation_id": opID, "table": table, "entity_id": entityID, "type": string(typ),
	})
	if scheduleFlush {
		go q.ForceFlush(context.Background())
	}
	return qo.waiters[0], nil
}

// mergeLocked folds a new mutation into the pending one for the same key.
// A delete supersedes the payload entirely; updates shallow-merge with later
// fields overriding earlier ones. The caller holds q.mu.
func (q *UpdateQueue) mergeLocked(qo *queuedOp, typ OperationType, data Record) *Pending {
	if typ == OperationDelete {
		qo.op.Type = OperationDelete
		qo.op.Data = nil
	} else {
		qo.op.Data = qo.op.Data.Merge(data)
	}
	qo.op.Timestamp = q.now()
	qo.op.Priority = q.priorityFor(qo.op.Type, qo.op.Table)
	qo.gen++
	gen := qo.gen
	key := qo.op.Table + "\x00" + qo.op.EntityID
	if qo.timer != nil {
		qo.timer.Stop()
	}
	qo.timer = time.AfterFunc(q.cfg.BatchWindow, func() { q.flushKey(key, gen) })
	return qo.waiters[0]
}

func (q *UpdateQueue) evictOldestLocked() *queuedOp {
	var oldestKey string
	var oldest *queuedOp
	for key, qo := range q.ops {
		if oldest == nil || qo.op.Timestamp.Before(oldest.op.Timestamp) {
			oldestKey, oldest = key, qo
		}
	}
	if oldest == nil {
		return nil
	}
	if oldest.timer != nil {
		oldest.timer.Stop()
	}
	delete(q.ops, oldestKey)
	return oldest
}

func (q *UpdateQueue) priorityFor(typ OperationType, table string) int {
	base := PriorityCreate
	switch typ {
	case OperationDelete:
		base = PriorityDelete
	case OperationUpdate:
		base = PriorityUpdate
	}
	return base + q.cfg.TablePriorities[table]
}

func (q *UpdateQueue) writeThrough(ctx context.Context, typ OperationType, table, entityID string, data Record) (*Pending, error) {
	p := newPending()
	rec, err := q.apply(ctx, typ, table, entityID, data)
	if err != nil {
		p.reject(err)
		return p, nil
	}
	p.resolve(rec)
	return p, nil
}

func (q *UpdateQueue) apply(ctx context.Context, typ OperationType, table, entityID string, data Record) (Record, error) {
	switch typ {
	case OperationCreate:
		return q.backend.Create(ctx, table, data)
	case OperationUpdate:
		return q.backend.Update(ctx, table, entityID, data)
	case OperationDelete:
		return nil, q.backend.Delete(ctx, table, entityID)
	}
	return nil, fmt.Errorf("%w: unknown operation type %q", ErrConfig, typ)
}

// flushKey drains a single entity whose debounce window elapsed with no
// further merges.
func (q *UpdateQueue) flushKey(key string, gen int) {
	q.mu.Lock()
	qo, ok := q.ops[key]
	if !ok || qo.gen != gen {
		q.mu.Unlock()
		return
	}
	delete(q.ops, key)
	q.mu.Unlock()

	ctx := context.Background()
	q.processGroup(ctx, qo.op.Type, qo.op.Table, []*queuedOp{qo})
	q.events.Emit(ctx, EventEntityBatchProcessed, map[string]any{
		"table": qo.op.Table, "entity_id": qo.op.EntityID,
	})
}

// ForceFlush drains up to MaxBatchSize pending operations immediately,
// ordered by priority (desc) then timestamp (asc), grouped by operation type
// and table. A failing group never aborts its siblings.
func (q *UpdateQueue) ForceFlush(ctx context.Context) FlushResult {
	start := q.now()

	q.mu.Lock()
	q.flushScheduled = false
	batch := make([]*queuedOp, 0, len(q.ops))
	keys := make(map[*queuedOp]string, len(q.ops))
	for key, qo := range q.ops {
		batch = append(batch, qo)
		keys[qo] = key
	}
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].op.Priority != batch[j].op.Priority {
			return batch[i].op.Priority > batch[j].op.Priority
		}
		return batch[i].op.Timestamp.Before(batch[j].op.Timestamp)
	})
	if len(batch) > q.cfg.MaxBatchSize {
		batch = batch[:q.cfg.MaxBatchSize]
	}
	for _, qo := range batch {
		if qo.timer != nil {
			qo.timer.Stop()
		}
		delete(q.ops, keys[qo])
	}
	q.mu.Unlock()

	var result FlushResult
	for _, group := range groupOps(batch) {
		errs := q.processGroup(ctx, group[0].op.Type, group[0].op.Table, group)
		result.Processed += len(group) - len(errs)
		result.Errors = append(result.Errors, errs...)
	}
	result.Duration = q.now().Sub(start)

	if len(batch) > 0 {
		q.events.Emit(ctx, EventBatchProcessed, map[string]any{
			"processed": result.Processed, "errors": len(result.Errors),
			"duration": result.Duration.String(),
		})
	}
	return result
}

// groupOps partitions a flush batch by (type, table) preserving order.
func groupOps(batch []*queuedOp) [][]*queuedOp {
	var groups [][]*queuedOp
	index := make(map[string]int)
	for _, qo := range batch {
		key := string(qo.op.Type) + "\x00" + qo.op.Table
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], qo)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []*queuedOp{qo})
	}
	return groups
}

// processGroup applies one (type, table) group, preferring a bulk backend
// call when available. Failed operations enter retry handling individually;
// the returned errors are those that entered retry or were rejected.
func (q *UpdateQueue) processGroup(ctx context.Context, typ OperationType, table string, group []*queuedOp) []error {
	if bulk, ok := q.backend.(BulkBackend); ok && len(group) > 1 {
		if err := q.processBulk(ctx, bulk, typ, table, group); err == nil {
			return nil
		} else {
			batchErr := &BatchError{Table: table, Type: typ, Count: len(group), Err: err}
			errs := make([]error, 0, len(group))
			for _, qo := range group {
				q.retry(ctx, qo, batchErr)
				errs = append(errs, batchErr)
			}
			return errs
		}
	}

	var errs []error
	for _, qo := range group {
		rec, err := q.apply(ctx, qo.op.Type, qo.op.Table, qo.op.EntityID, qo.op.Data)
		if err != nil {
			q.retry(ctx, qo, err)
			errs = append(errs, err)
			continue
		}
		qo.resolveAll(rec)
	}
	return errs
}

func (q *UpdateQueue) processBulk(ctx context.Context, bulk BulkBackend, typ OperationType, table string, group []*queuedOp) error {
	switch typ {
	case OperationCreate:
		data := make([]Record, len(group))
		for i, qo := range group {
			data[i] = qo.op.Data
		}
		created, err := bulk.CreateMany(ctx, table, data)
		if err != nil {
			return err
		}
		for i, qo := range group {
			if i < len(created) {
				qo.resolveAll(created[i])
			} else {
				qo.resolveAll(qo.op.Data)
			}
		}
	case OperationUpdate:
		data := make([]Record, len(group))
		for i, qo := range group {
			d := qo.op.Data.Clone()
			if d == nil {
				d = Record{}
			}
			d[FieldID] = qo.op.EntityID
			data[i] = d
		}
		updated, err := bulk.UpdateMany(ctx, table, data)
		if err != nil {
			return err
		}
		for i, qo := range group {
			if i < len(updated) {
				qo.resolveAll(updated[i])
			} else {
				qo.resolveAll(qo.op.Data)
			}
		}
	case OperationDelete:
		ids := make([]string, len(group))
		for i, qo := range group {
			ids[i] = qo.op.EntityID
		}
		if err := bulk.DeleteMany(ctx, table, ids); err != nil {
			return err
		}
		for _, qo := range group {
			qo.resolveAll(nil)
		}
	}
	return nil
}

// retry schedules a failed operation for re-enqueue with exponential backoff,
// or dead-letters it once the retry budget is exhausted.
func (q *UpdateQueue) retry(ctx context.Context, qo *queuedOp, cause error) {
	qo.op.RetryCount++
	qo.op.LastError = cause.Error()

	q.events.Emit(ctx, EventOperationError, map[string]any{
		"operation_id": qo.op.ID, "table": qo.op.Table, "entity_id": qo.op.EntityID,
		"retry": qo.op.RetryCount, "error": cause.Error(),
	})

	if qo.op.RetryCount > qo.op.MaxRetries {
		q.logger.Warn("operation dead-lettered",
			"table", qo.op.Table, "entity_id", qo.op.EntityID,
			"retries", qo.op.MaxRetries, "error", cause.Error())
		if q.deadLetter != nil {
			q.deadLetter.DeadLetter(ctx, qo.op, cause)
			q.events.Emit(ctx, EventOperationDeadLetter, map[string]any{
				"operation_id": qo.op.ID, "table": qo.op.Table, "entity_id": qo.op.EntityID,
			})
		}
		qo.rejectAll(cause)
		return
	}

	delay := q.cfg.RetryDelay << (qo.op.RetryCount - 1)
	q.logger.Debug("operation retry scheduled",
		"table", qo.op.Table, "entity_id", qo.op.EntityID,
		"retry", qo.op.RetryCount, "delay", delay.String())
	time.AfterFunc(delay, func() { q.requeue(qo) })
}

// requeue re-admits a retried operation. If a newer mutation for the same key
// arrived meanwhile, the retried payload merges beneath it and both share the
// newer outcome.
func (q *UpdateQueue) requeue(qo *queuedOp) {
	key := qo.op.Table + "\x00" + qo.op.EntityID
	if qo.op.EntityID == "" {
		key = "\x00op\x00" + qo.op.ID
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		qo.rejectAll(ErrQueueClosed)
		return
	}
	if existing, ok := q.ops[key]; ok {
		if existing.op.Type != OperationDelete {
			existing.op.Data = qo.op.Data.Merge(existing.op.Data)
		}
		existing.waiters = append(existing.waiters, qo.waiters...)
		q.mu.Unlock()
		return
	}
	gen := qo.gen + 1
	qo.gen = gen
	qo.timer = time.AfterFunc(q.cfg.BatchWindow, func() { q.flushKey(key, gen) })
	q.ops[key] = qo
	q.mu.Unlock()
}

// ClearQueue rejects every pending operation and empties queue state.
func (q *UpdateQueue) ClearQueue() {
	q.mu.Lock()
	dropped := make([]*queuedOp, 0, len(q.ops))
	for _, qo := range q.ops {
		if qo.timer != nil {
			qo.timer.Stop()
		}
		dropped = append(dropped, qo)
	}
	q.ops = make(map[string]*queuedOp)
	q.mu.Unlock()

	for _, qo := range dropped {
		qo.rejectAll(ErrQueueCleared)
	}
}

// Size returns the number of distinct pending operations.
func (q *UpdateQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Close stops accepting operations and drains remaining work best-effort
// before releasing timers. Operations waiting on a retry backoff when Close
// returns are rejected when their timer fires.
func (q *UpdateQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	for q.Size() > 0 {
		res := q.ForceFlush(ctx)
		if res.Processed == 0 && len(res.Errors) == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	q.ClearQueue()
	return ctx.Err()
}
