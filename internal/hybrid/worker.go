package hybrid

import (
	"context"
	"errors"
	"fmt"

	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
)

type jobKind int

const (
	jobMirror jobKind = iota
	jobReorder
	jobDrain
	jobBarrier
)

type job struct {
	kind   jobKind
	op     schema.PendingOperation
	orders []schema.OrderUpdate
	done   chan struct{}
}

// DrainReport summarises one pass over the queue.
type DrainReport struct {
	Attempted int
	Succeeded int
	Retried   int
	Dropped   int
	Remaining int
}

// SyncPendingOperations drains the queue now and reports whether it ended
// empty with nothing dropped.
func (o *Orchestrator) SyncPendingOperations(ctx context.Context) (bool, error) {
	report, err := o.Drain(ctx)
	if err != nil {
		return false, err
	}
	return report.Remaining == 0 && report.Dropped == 0, nil
}

// Drain replays the queue against the remote, in order, one operation at a
// time. It stops early, keeping the remaining operations, if the remote
// becomes unusable or ctx ends.
func (o *Orchestrator) Drain(ctx context.Context) (DrainReport, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.drainLocked(ctx)
}

// ===== worker =====

func (o *Orchestrator) dispatch(j job) {
	o.mu.Lock()
	switch j.kind {
	case jobMirror:
		o.inflight[o.resolveLocked(j.op.TodoID)]++
	case jobReorder:
		for _, u := range j.orders {
			o.inflight[o.resolveLocked(u.ID)]++
		}
	}
	o.jobs = append(o.jobs, j)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) requestDrain() {
	o.mu.Lock()
	for _, j := range o.jobs {
		if j.kind == jobDrain {
			o.mu.Unlock()
			return
		}
	}
	o.mu.Unlock()
	o.dispatch(job{kind: jobDrain})
}

func (o *Orchestrator) nextJob() (job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.jobs) == 0 {
		return job{}, false
	}
	j := o.jobs[0]
	o.jobs = o.jobs[1:]
	return j, true
}

func (o *Orchestrator) work(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}

		for ctx.Err() == nil {
			j, ok := o.nextJob()
			if !ok {
				break
			}
			o.run(ctx, j)
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, j job) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	switch j.kind {
	case jobMirror:
		o.mirror(ctx, j.op)
		o.settle(j.op.TodoID)
	case jobReorder:
		o.mirrorReorder(ctx, j.orders)
		for _, u := range j.orders {
			o.settle(u.ID)
		}
	case jobDrain:
		if _, err := o.drainLocked(ctx); err != nil {
			o.logger.Printf("Drain skipped: %v", err)
		}
	case jobBarrier:
		close(j.done)
	}
}

func (o *Orchestrator) settle(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id = o.resolveLocked(id)
	if o.inflight[id]--; o.inflight[id] <= 0 {
		delete(o.inflight, id)
	}
}

// spill moves jobs the worker never reached into the durable queue.
func (o *Orchestrator) spill(ctx context.Context) {
	o.mu.Lock()
	jobs := o.jobs
	o.jobs = nil
	o.mu.Unlock()

	for _, j := range jobs {
		switch j.kind {
		case jobMirror:
			o.deferOp(ctx, j.op, "not sent before shutdown")
			o.settle(j.op.TodoID)
		case jobReorder:
			o.deferOrders(ctx, j.orders, "not sent before shutdown")
			for _, u := range j.orders {
				o.settle(u.ID)
			}
		case jobBarrier:
			close(j.done)
		}
	}
}

// ===== mirroring =====

func (o *Orchestrator) mirror(ctx context.Context, op schema.PendingOperation) {
	op.TodoID = o.resolve(op.TodoID)

	reason := o.blockedReason()
	if reason == "" && o.queue.HasPending(op.TodoID) {
		reason = "waiting for earlier changes"
	}
	if reason == "" && ctx.Err() != nil {
		reason = "not sent before shutdown"
	}
	if reason != "" {
		o.deferOp(ctx, op, reason)
		return
	}

	id, err := o.safeAttempt(ctx, op)
	switch {
	case err == nil:
		op.TodoID = id
		o.confirm(ctx, op, 1)
	case ctx.Err() != nil || storage.IsRetryable(err):
		o.deferOp(ctx, op, err.Error())
	default:
		o.fail(ctx, op, err)
	}
}

func (o *Orchestrator) mirrorReorder(ctx context.Context, orders []schema.OrderUpdate) {
	for i := range orders {
		orders[i].ID = o.resolve(orders[i].ID)
	}
	if reason := o.blockedReason(); reason != "" {
		o.deferOrders(ctx, orders, reason)
		return
	}

	var candidates, deferred []schema.OrderUpdate
	for _, u := range orders {
		if o.queue.HasPending(u.ID) {
			deferred = append(deferred, u)
		} else {
			candidates = append(candidates, u)
		}
	}

	var send []schema.OrderUpdate
	if len(candidates) > 0 {
		ids := make([]string, len(candidates))
		for i, u := range candidates {
			ids[i] = u.ID
		}
		have, err := o.remote.ExistingIDs(ctx, ids)
		if err != nil {
			o.logger.Printf("Reorder: failed to check remote ids: %v", err)
			deferred = append(deferred, candidates...)
		} else {
			for _, u := range candidates {
				if have[u.ID] {
					send = append(send, u)
				} else {
					deferred = append(deferred, u)
				}
			}
		}
	}

	if len(send) > 0 {
		if _, err := o.remote.ReorderTodos(ctx, send); err != nil {
			o.logger.Printf("Reorder of %d todos failed, queuing: %v", len(send), err)
			deferred = append(deferred, send...)
		} else {
			ids := make([]string, 0, len(send))
			for _, u := range send {
				if !o.queue.HasPending(u.ID) {
					ids = append(ids, u.ID)
				}
			}
			if err := o.local.MarkSynced(ctx, ids...); err != nil {
				o.logger.Printf("Warning: failed to mark reordered todos synced: %v", err)
			}
		}
	}

	if len(deferred) > 0 {
		o.deferOrders(ctx, deferred, "not yet on remote")
	}
}

func (o *Orchestrator) deferOrders(ctx context.Context, orders []schema.OrderUpdate, reason string) {
	for _, u := range orders {
		op, err := schema.NewUpdateOperation(u.ID, schema.TodoPatch{Order: schema.IntPtr(u.Order)}, o.now())
		if err != nil {
			o.logger.Printf("Warning: failed to build order update for %s: %v", u.ID, err)
			continue
		}
		op.MaxRetries = o.cfg.MaxRetries
		o.deferOp(ctx, op, reason)
	}
}

// deferOp queues op and records why on the local record.
func (o *Orchestrator) deferOp(ctx context.Context, op schema.PendingOperation, reason string) {
	// a cancelled ctx here means shutdown; the op must still reach the queue
	ctx = context.WithoutCancel(ctx)
	cancelled, err := o.queue.Enqueue(ctx, op)
	if err != nil {
		o.logger.Printf("Error: failed to queue %s for %s: %v", op.Type, op.TodoID, err)
		return
	}
	if cancelled {
		o.logger.Printf("Delete of %s cancelled its pending create", op.TodoID)
		return
	}
	o.logger.Printf("Queued %s for %s (%s)", op.Type, op.TodoID, reason)
	if op.Type != schema.OpDelete {
		o.markError(ctx, op.TodoID, reason)
	}
}

// confirm marks the record synced unless more work for it is queued or
// waiting at the worker. own is the number of worker jobs for the record the
// caller itself accounts for.
func (o *Orchestrator) confirm(ctx context.Context, op schema.PendingOperation, own int) {
	if op.Type == schema.OpDelete || o.queue.HasPending(op.TodoID) {
		return
	}
	o.mu.Lock()
	busy := o.inflight[op.TodoID] > own
	o.mu.Unlock()
	if busy {
		return
	}
	if err := o.local.MarkSynced(ctx, op.TodoID); err != nil {
		o.logger.Printf("Warning: failed to mark %s synced: %v", op.TodoID, err)
	}
}

// fail surfaces an operation that will never reach the remote.
func (o *Orchestrator) fail(ctx context.Context, op schema.PendingOperation, err error) {
	o.logger.Printf("Error: dropping %s for %s: %v", op.Type, op.TodoID, err)
	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
	if op.Type != schema.OpDelete {
		o.markError(ctx, op.TodoID, err.Error())
	}
	o.failures.Publish(DrainFailure{Operation: op, Err: err})
}

func (o *Orchestrator) markError(ctx context.Context, id, msg string) {
	if err := o.local.MarkSyncError(ctx, id, msg); err != nil && !storage.IsNotFound(err) {
		o.logger.Printf("Warning: failed to record sync error for %s: %v", id, err)
	}
}

// ===== drain =====

func (o *Orchestrator) drainLocked(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	if o.queue.Len() == 0 {
		return report, nil
	}

	o.mu.Lock()
	mode, offline := o.mode, o.offline
	o.mu.Unlock()
	switch {
	case mode != schema.ModeHybrid, offline:
		report.Remaining = o.queue.Len()
		return report, &storage.Error{Op: "hybrid.drain", Err: fmt.Errorf("%w: remote sync suspended", storage.ErrOffline)}
	case o.monitor != nil && !o.monitor.IsOnline():
		report.Remaining = o.queue.Len()
		return report, &storage.Error{Op: "hybrid.drain", Err: storage.ErrOffline}
	}
	if !o.remote.Reachable() {
		if err := o.remote.Probe(ctx); err != nil {
			report.Remaining = o.queue.Len()
			return report, &storage.Error{Op: "hybrid.drain", Err: fmt.Errorf("%w: %v", storage.ErrUnreachable, err)}
		}
	}

	o.setSyncing(true)
	defer o.setSyncing(false)
	o.logger.Printf("Draining %d pending operations", o.queue.Len())

	// a record whose operation failed this pass keeps its later
	// operations queued, so they are never replayed out of order
	blocked := make(map[string]bool)

	for _, snap := range o.queue.Snapshot() {
		if ctx.Err() != nil || o.blockedReason() != "" {
			break
		}
		op, ok := o.queue.Claim(snap.ID)
		if !ok {
			continue
		}
		if blocked[op.TodoID] {
			o.queue.Release(op.ID)
			continue
		}

		report.Attempted++
		id, err := o.safeAttempt(ctx, op)
		switch {
		case err == nil:
			if rerr := o.queue.Remove(ctx, op.ID); rerr != nil {
				o.logger.Printf("Warning: failed to remove completed operation %s: %v", op.ID, rerr)
			}
			report.Succeeded++
			op.TodoID = id
			o.confirm(ctx, op, 0)

		case ctx.Err() != nil:
			o.queue.Release(op.ID)
			report.Attempted--

		case storage.IsRetryable(err):
			blocked[op.TodoID] = true
			op.RetryCount++
			op.LastError = err.Error()
			if op.Exhausted() {
				if rerr := o.queue.Remove(ctx, op.ID); rerr != nil {
					o.logger.Printf("Warning: failed to remove exhausted operation %s: %v", op.ID, rerr)
				}
				report.Dropped++
				o.fail(ctx, op, fmt.Errorf("gave up after %d attempts: %w", op.RetryCount, err))
				continue
			}
			if rerr := o.queue.Replace(ctx, op); rerr != nil {
				o.logger.Printf("Warning: failed to update operation %s: %v", op.ID, rerr)
			}
			report.Retried++
			o.markError(ctx, op.TodoID, err.Error())

		default:
			if rerr := o.queue.Remove(ctx, op.ID); rerr != nil {
				o.logger.Printf("Warning: failed to remove failed operation %s: %v", op.ID, rerr)
			}
			report.Dropped++
			o.fail(ctx, op, err)
		}
	}

	now := o.now()
	o.mu.Lock()
	o.lastSync = &now
	if report.Dropped == 0 && report.Retried == 0 {
		o.lastErr = ""
	}
	o.mu.Unlock()

	report.Remaining = o.queue.Len()
	o.logger.Printf("Drain finished: %d succeeded, %d retried, %d dropped, %d remaining",
		report.Succeeded, report.Retried, report.Dropped, report.Remaining)
	_ = o.saveRuntimeState(context.WithoutCancel(ctx))
	return report, nil
}

func (o *Orchestrator) setSyncing(v bool) {
	o.mu.Lock()
	o.syncing = v
	o.mu.Unlock()
	o.publishStatus()
}

// ===== remote calls =====

// safeAttempt runs attempt and turns a panic into a permanent error, so one
// bad record cannot take down the worker or the rest of the drain.
func (o *Orchestrator) safeAttempt(ctx context.Context, op schema.PendingOperation) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("Error: recovered panic while syncing %s %s: %v", op.Type, op.TodoID, r)
			id, err = op.TodoID, fmt.Errorf("panic while syncing %s: %v", op.TodoID, r)
		}
	}()
	return o.attempt(ctx, op)
}

// attempt performs the remote call for op and returns the record id the
// remote settled on.
func (o *Orchestrator) attempt(ctx context.Context, op schema.PendingOperation) (string, error) {
	switch op.Type {
	case schema.OpCreate:
		t, err := op.TodoData()
		if err != nil {
			return op.TodoID, err
		}
		t.ID = op.TodoID
		created, err := o.remote.CreateRecord(ctx, t)
		if storage.IsDuplicate(err) {
			// already on the remote, from an earlier attempt or another device
			o.logger.Printf("Create of %s already applied remotely", op.TodoID)
			created, err = o.findTwin(ctx, t), nil
		}
		if err != nil {
			return op.TodoID, err
		}
		if created.ID != "" && created.ID != op.TodoID {
			if err := o.rekey(ctx, op.TodoID, created.ID); err != nil {
				o.logger.Printf("Warning: failed to re-key %s -> %s: %v", op.TodoID, created.ID, err)
				return op.TodoID, nil
			}
			return created.ID, nil
		}
		return op.TodoID, nil

	case schema.OpUpdate:
		p, err := op.PatchData()
		if err != nil {
			return op.TodoID, err
		}
		_, err = o.remote.UpdateTodo(ctx, op.TodoID, p)
		return op.TodoID, err

	case schema.OpDelete:
		exists, err := o.remote.Exists(ctx, op.TodoID)
		if err != nil {
			return op.TodoID, err
		}
		if !exists {
			o.logger.Printf("Delete of %s: not on remote, nothing to do", op.TodoID)
			return op.TodoID, nil
		}
		err = o.remote.DeleteTodo(ctx, op.TodoID)
		if storage.IsNotFound(err) {
			err = nil
		}
		return op.TodoID, err
	}
	return op.TodoID, fmt.Errorf("unknown operation type %q", op.Type)
}

// findTwin returns the remote record that made a create a duplicate, or the
// zero record if it cannot be identified.
func (o *Orchestrator) findTwin(ctx context.Context, t schema.Todo) schema.Todo {
	if ok, err := o.remote.Exists(ctx, t.ID); err == nil && ok {
		return schema.Todo{ID: t.ID}
	}
	all, err := o.remote.GetTodos(ctx)
	if err != nil {
		return schema.Todo{}
	}
	key := schema.TitleKey(t.Title)
	for _, r := range all {
		if !r.Completed && schema.TitleKey(r.Title) == key {
			return r
		}
	}
	return schema.Todo{}
}

func (o *Orchestrator) rekey(ctx context.Context, oldID, newID string) error {
	if err := o.local.Rekey(ctx, oldID, newID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := o.queue.Rekey(ctx, oldID, newID); err != nil {
		return err
	}
	o.mu.Lock()
	o.aliases[oldID] = newID
	if n := o.inflight[oldID]; n > 0 {
		o.inflight[newID] += n
		delete(o.inflight, oldID)
	}
	o.mu.Unlock()
	o.logger.Printf("Remote assigned %s to %s", newID, oldID)
	return nil
}
