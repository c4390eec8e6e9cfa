package jobmanager

import "container/heap"

// queueItem is one entry in the priority heap.
type queueItem struct {
	job      *Job
	priority Priority
	sequence uint64
	index    int
}

// priorityQueue orders by Priority descending, then by sequence ascending
// (FIFO within a tier). It implements container/heap.Interface directly
// rather than going through a channel, since the manager needs to be able
// to remove an arbitrary queued job on cancellation, which a channel
// cannot do.
type priorityQueue []*queueItem

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].sequence < q[j].sequence
}

func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *priorityQueue) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// jobQueue wraps priorityQueue with job-ID lookup so cancellation can
// locate and remove a queued item in O(log n) instead of scanning.
type jobQueue struct {
	heap    priorityQueue
	byJobID map[string]*queueItem
	seq     uint64
}

func newJobQueue() *jobQueue {
	return &jobQueue{byJobID: make(map[string]*queueItem)}
}

func (q *jobQueue) push(j *Job) {
	q.seq++
	j.sequence = q.seq
	item := &queueItem{job: j, priority: j.Spec.Priority, sequence: j.sequence}
	heap.Push(&q.heap, item)
	q.byJobID[j.ID] = item
}

// pop removes and returns the highest-priority, earliest-queued job, or
// nil if the queue is empty.
func (q *jobQueue) pop() *Job {
	if q.heap.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.byJobID, item.job.ID)
	return item.job
}

// remove takes a job out of the queue before it is dispatched, used when a
// caller cancels a still-pending job. Returns true if the job was found
// and removed.
func (q *jobQueue) remove(jobID string) bool {
	item, ok := q.byJobID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byJobID, jobID)
	return true
}

func (q *jobQueue) len() int { return q.heap.Len() }
