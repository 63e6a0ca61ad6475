// Package queue provides the per-agent priority task buffer.
package queue

import (
	"sync"

	"conductor/pkg/proto"
)

// PriorityQueue orders tasks by descending priority; equal priorities keep
// arrival order. Each queue is exclusively owned by one agent.
type PriorityQueue struct {
	tasks []*proto.Task
	mu    sync.Mutex
}

func New() *PriorityQueue {
	return &PriorityQueue{
		tasks: make([]*proto.Task, 0),
	}
}

// Enqueue inserts the task before the first entry with strictly lower
// priority, so equal-priority tasks stay in insertion order.
func (q *PriorityQueue) Enqueue(task *proto.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := len(q.tasks)
	for i := range q.tasks {
		if q.tasks[i].Priority < task.Priority {
			idx = i
			break
		}
	}

	q.tasks = append(q.tasks, nil)
	copy(q.tasks[idx+1:], q.tasks[idx:])
	q.tasks[idx] = task
}

// Dequeue removes and returns the highest-priority task.
func (q *PriorityQueue) Dequeue() (*proto.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return task, true
}

// Peek returns the head task without removing it.
func (q *PriorityQueue) Peek() (*proto.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	return q.tasks[0], true
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Purge removes every task matching the predicate and returns how many were
// dropped. Used to discard autonomous-origin tasks on emergency disable.
func (q *PriorityQueue) Purge(match func(*proto.Task) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.tasks[:0]
	removed := 0
	for _, task := range q.tasks {
		if match(task) {
			removed++
			continue
		}
		kept = append(kept, task)
	}
	// Clear trailing slots so purged tasks can be collected.
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	return removed
}

// Drain removes and returns all queued tasks in priority order.
func (q *PriorityQueue) Drain() []*proto.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.tasks
	q.tasks = make([]*proto.Task, 0)
	return drained
}
