// Package jobqueue holds pending Jobs in FIFO order and the Registry of
// Handlers that worker processes use to execute them.
package jobqueue

import "github.com/google/uuid"

// Job is a unit of work executed by a worker process. The runner treats a Job
// as opaque; Name selects the Handler a worker invokes and Args are passed to
// it as-is.
type Job struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// NewJob creates a Job for the Handler registered under name, with a unique
// ID.
func NewJob(name string, args ...string) Job {
	return Job{
		ID:   uuid.NewString(),
		Name: name,
		Args: args,
	}
}

// Queue is an ordered sequence of pending Jobs. It is not safe for concurrent
// use.
type Queue struct {
	jobs []Job
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends job to the end of the Queue.
func (q *Queue) Enqueue(job Job) {
	q.jobs = append(q.jobs, job)
}

// Dequeue removes and returns the Job at the front of the Queue. The second
// return value is false if the Queue is empty.
func (q *Queue) Dequeue() (Job, bool) {
	if len(q.jobs) == 0 {
		return Job{}, false
	}

	job := q.jobs[0]

	// Zero the vacated slot so the backing array doesn't pin Args.
	q.jobs[0] = Job{}
	q.jobs = q.jobs[1:]

	return job, true
}

// Len returns the number of Jobs in the Queue.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Drain removes and returns every Job in the Queue, in order, leaving it
// empty.
func (q *Queue) Drain() []Job {
	jobs := q.jobs
	q.jobs = nil

	return jobs
}
