package jobqueue_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/nixpig/procpool/internal/jobqueue"
)

func TestQueue(t *testing.T) {
	t.Parallel()

	t.Run("Test dequeue from empty queue", func(t *testing.T) {
		t.Parallel()

		q := jobqueue.NewQueue()

		job, ok := q.Dequeue()
		if ok {
			t.Errorf("expected dequeue to report empty: got '%v'", job)
		}

		if q.Len() != 0 {
			t.Errorf("expected empty queue: got '%d'", q.Len())
		}
	})

	t.Run("Test FIFO order", func(t *testing.T) {
		t.Parallel()

		q := jobqueue.NewQueue()

		want := []string{"a", "b", "c"}
		for _, name := range want {
			q.Enqueue(jobqueue.NewJob(name))
		}

		if q.Len() != len(want) {
			t.Errorf("expected queue length: got '%d', want '%d'", q.Len(), len(want))
		}

		for _, name := range want {
			job, ok := q.Dequeue()
			if !ok {
				t.Fatalf("expected dequeue to return job '%s'", name)
			}

			if job.Name != name {
				t.Errorf("expected job name: got '%s', want '%s'", job.Name, name)
			}
		}

		if _, ok := q.Dequeue(); ok {
			t.Errorf("expected queue to be empty after dequeuing all jobs")
		}
	})

	t.Run("Test drain", func(t *testing.T) {
		t.Parallel()

		q := jobqueue.NewQueue()

		for range 5 {
			q.Enqueue(jobqueue.NewJob("echo"))
		}

		jobs := q.Drain()
		if len(jobs) != 5 {
			t.Errorf("expected drained jobs: got '%d', want '5'", len(jobs))
		}

		if q.Len() != 0 {
			t.Errorf("expected empty queue after drain: got '%d'", q.Len())
		}

		q.Enqueue(jobqueue.NewJob("echo"))
		if q.Len() != 1 {
			t.Errorf("expected queue to be reusable after drain: got '%d'", q.Len())
		}
	})

	t.Run("Test new job", func(t *testing.T) {
		t.Parallel()

		job := jobqueue.NewJob("sleep", "1s")

		if _, err := uuid.Parse(job.ID); err != nil {
			t.Errorf("expected job id to be UUID: got '%v'", err)
		}

		if len(job.Args) != 1 || job.Args[0] != "1s" {
			t.Errorf("expected job args: got '%v', want '[1s]'", job.Args)
		}
	})
}
