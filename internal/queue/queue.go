// Package queue implements the deduplicating work queues of a search.
//
// Every object is mapped to a canonical form before it is enqueued. An object
// whose canonical form was seen before is dropped, even after the original
// finished, so each work item is processed at most once per search.
package queue

import "slices"

// ObjectQueue is a FIFO queue that drops objects it has already seen.
// It is not safe for concurrent use.
type ObjectQueue[T any] struct {
	normalize func(T) T
	key       func(T) string

	queued []T
	seen   map[string]struct{}
	// seenOrder keeps the canonical objects in first-seen order for
	// persistence.
	seenOrder []T

	dirty bool
}

// NewObjectQueue creates a queue. normalize maps an object to its canonical
// form, key returns the identity of a canonical object.
func NewObjectQueue[T any](normalize func(T) T, key func(T) string) *ObjectQueue[T] {
	return &ObjectQueue[T]{
		normalize: normalize,
		key:       key,
		seen:      make(map[string]struct{}),
	}
}

// AddObjects normalizes and enqueues objects, skipping those seen before.
// It returns the number of objects actually enqueued.
func (q *ObjectQueue[T]) AddObjects(objs ...T) int {
	added := 0
	for _, obj := range objs {
		obj = q.normalize(obj)
		k := q.key(obj)
		if _, ok := q.seen[k]; ok {
			continue
		}
		q.seen[k] = struct{}{}
		q.seenOrder = append(q.seenOrder, obj)
		q.queued = append(q.queued, obj)
		added++
	}
	if added > 0 {
		q.dirty = true
	}
	return added
}

// Pop removes and returns the oldest queued object.
func (q *ObjectQueue[T]) Pop() (T, bool) {
	var zero T
	if len(q.queued) == 0 {
		return zero, false
	}
	obj := q.queued[0]
	q.queued[0] = zero
	q.queued = q.queued[1:]
	q.dirty = true
	return obj, true
}

// HasQueued reports whether at least one object is waiting.
func (q *ObjectQueue[T]) HasQueued() bool { return len(q.queued) > 0 }

// NumQueued returns the number of waiting objects.
func (q *ObjectQueue[T]) NumQueued() int { return len(q.queued) }

// Objects returns the waiting objects, oldest first.
func (q *ObjectQueue[T]) Objects() []T { return slices.Clone(q.queued) }

// Seen returns every canonical object ever enqueued, in first-seen order.
func (q *ObjectQueue[T]) Seen() []T { return slices.Clone(q.seenOrder) }

// Contains reports whether the canonical form of obj was seen before.
func (q *ObjectQueue[T]) Contains(obj T) bool {
	_, ok := q.seen[q.key(q.normalize(obj))]
	return ok
}

// Restore loads persisted content into an empty queue. Objects in seen are
// marked as seen without being enqueued; queued objects are enqueued and
// marked as seen.
func (q *ObjectQueue[T]) Restore(queued, seen []T) {
	for _, obj := range seen {
		obj = q.normalize(obj)
		k := q.key(obj)
		if _, ok := q.seen[k]; ok {
			continue
		}
		q.seen[k] = struct{}{}
		q.seenOrder = append(q.seenOrder, obj)
	}
	for _, obj := range queued {
		obj = q.normalize(obj)
		k := q.key(obj)
		if _, ok := q.seen[k]; !ok {
			q.seen[k] = struct{}{}
			q.seenOrder = append(q.seenOrder, obj)
		}
		q.queued = append(q.queued, obj)
	}
	q.dirty = false
}

// Dirty reports whether the queue changed since the last MarkClean.
func (q *ObjectQueue[T]) Dirty() bool { return q.dirty }

// MarkClean resets the dirty flag after the content has been persisted.
func (q *ObjectQueue[T]) MarkClean() { q.dirty = false }

// RunningQueue extends ObjectQueue with a set of objects that were popped
// and are still being processed.
type RunningQueue[T any] struct {
	*ObjectQueue[T]
	running []T
}

// NewRunningQueue creates an empty running queue.
func NewRunningQueue[T any](normalize func(T) T, key func(T) string) *RunningQueue[T] {
	return &RunningQueue[T]{ObjectQueue: NewObjectQueue(normalize, key)}
}

// PopQueued dequeues the oldest object and marks it as running.
func (q *RunningQueue[T]) PopQueued() (T, bool) {
	obj, ok := q.Pop()
	if !ok {
		return obj, false
	}
	q.running = append(q.running, obj)
	return obj, true
}

// SetFinished removes obj from the running set. It reports whether obj was
// running.
func (q *RunningQueue[T]) SetFinished(obj T) bool {
	k := q.key(q.normalize(obj))
	for i, r := range q.running {
		if q.key(r) == k {
			q.running = slices.Delete(q.running, i, i+1)
			q.dirty = true
			return true
		}
	}
	return false
}

// NumRunning returns the number of running objects.
func (q *RunningQueue[T]) NumRunning() int { return len(q.running) }

// Finished reports whether nothing is queued or running.
func (q *RunningQueue[T]) Finished() bool {
	return len(q.queued) == 0 && len(q.running) == 0
}

// Objects returns the running objects followed by the queued ones. Restoring
// this list as queued objects restarts the interrupted work first.
func (q *RunningQueue[T]) Objects() []T {
	out := make([]T, 0, len(q.running)+len(q.queued))
	out = append(out, q.running...)
	return append(out, q.queued...)
}
