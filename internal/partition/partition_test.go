package partition_test

import (
	"fmt"
	"slices"
	"testing"

	"github.com/nixpig/procpool/internal/jobqueue"
	"github.com/nixpig/procpool/internal/partition"
)

func newTestJobs(t *testing.T, n int) []jobqueue.Job {
	t.Helper()

	jobs := make([]jobqueue.Job, n)
	for i := range jobs {
		jobs[i] = jobqueue.NewJob(fmt.Sprintf("J%d", i+1))
	}

	return jobs
}

func chunkNames(chunks []partition.Chunk) [][]string {
	names := make([][]string, len(chunks))
	for i, c := range chunks {
		for _, job := range c.Jobs {
			names[i] = append(names[i], job.Name)
		}
	}

	return names
}

func TestBucketSize(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		n, m int
		want int
	}{
		"No jobs":             {n: 0, m: 4, want: 0},
		"Fewer jobs than max": {n: 2, m: 4, want: 1},
		"Evenly divisible":    {n: 8, m: 4, want: 2},
		"Remainder":           {n: 7, m: 3, want: 3},
		"Single worker":       {n: 5, m: 1, want: 5},
		"Non-positive max":    {n: 5, m: 0, want: 5},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			got := partition.BucketSize(config.n, config.m)
			if got != config.want {
				t.Errorf(
					"expected bucket size for n=%d m=%d: got '%d', want '%d'",
					config.n,
					config.m,
					got,
					config.want,
				)
			}
		})
	}
}

func TestEqualChunks(t *testing.T) {
	t.Parallel()

	strategy := partition.EqualChunks{}

	t.Run("Test seven jobs across three workers", func(t *testing.T) {
		t.Parallel()

		chunks := strategy.Partition(newTestJobs(t, 7), 3)

		want := [][]string{
			{"J1", "J2", "J3"},
			{"J4", "J5", "J6"},
			{"J7"},
		}

		got := chunkNames(chunks)
		if !slices.EqualFunc(got, want, slices.Equal) {
			t.Errorf("expected chunks: got '%v', want '%v'", got, want)
		}

		for i, c := range chunks {
			if c.Index != i {
				t.Errorf("expected chunk index: got '%d', want '%d'", c.Index, i)
			}
		}
	})

	t.Run("Test chunk count capped by job count", func(t *testing.T) {
		t.Parallel()

		chunks := strategy.Partition(newTestJobs(t, 2), 4)

		want := [][]string{{"J1"}, {"J2"}}

		got := chunkNames(chunks)
		if !slices.EqualFunc(got, want, slices.Equal) {
			t.Errorf("expected chunks: got '%v', want '%v'", got, want)
		}
	})

	t.Run("Test single worker keeps queue order", func(t *testing.T) {
		t.Parallel()

		jobs := newTestJobs(t, 6)
		chunks := strategy.Partition(jobs, 1)

		if len(chunks) != 1 {
			t.Fatalf("expected a single chunk: got '%d'", len(chunks))
		}

		if !slices.Equal(chunks[0].Jobs, jobs) {
			t.Errorf("expected chunk to match queue order")
		}
	})

	t.Run("Test empty jobs", func(t *testing.T) {
		t.Parallel()

		if chunks := strategy.Partition(nil, 4); chunks != nil {
			t.Errorf("expected no chunks: got '%v'", chunks)
		}
	})

	t.Run("Test chunks are clipped", func(t *testing.T) {
		t.Parallel()

		jobs := newTestJobs(t, 4)
		chunks := strategy.Partition(jobs, 2)

		_ = append(chunks[0].Jobs, jobqueue.NewJob("intruder"))

		if chunks[1].Jobs[0].Name != "J3" {
			t.Errorf(
				"expected append to first chunk not to alter second: got '%s'",
				chunks[1].Jobs[0].Name,
			)
		}
	})

	t.Run("Test partition properties", func(t *testing.T) {
		t.Parallel()

		for n := 1; n <= 40; n++ {
			for m := 1; m <= 9; m++ {
				jobs := newTestJobs(t, n)
				chunks := strategy.Partition(jobs, m)

				if len(chunks) > m {
					t.Errorf("n=%d m=%d: expected at most %d chunks: got '%d'", n, m, m, len(chunks))
				}

				size := partition.BucketSize(n, m)

				var joined []jobqueue.Job
				for i, c := range chunks {
					if i < len(chunks)-1 && c.Len() != size {
						t.Errorf("n=%d m=%d: expected chunk %d size: got '%d', want '%d'", n, m, i, c.Len(), size)
					}

					if c.Len() == 0 || c.Len() > size {
						t.Errorf("n=%d m=%d: unexpected chunk %d size '%d'", n, m, i, c.Len())
					}

					joined = append(joined, c.Jobs...)
				}

				if !slices.Equal(joined, jobs) {
					t.Errorf("n=%d m=%d: expected concatenated chunks to match jobs", n, m)
				}

				wantLast := n % size
				if wantLast == 0 {
					wantLast = size
				}

				if got := chunks[len(chunks)-1].Len(); got != wantLast {
					t.Errorf("n=%d m=%d: expected last chunk size: got '%d', want '%d'", n, m, got, wantLast)
				}
			}
		}
	})
}

func TestChunkJobIDs(t *testing.T) {
	t.Parallel()

	jobs := []jobqueue.Job{{ID: "a"}, {ID: "b"}}
	c := partition.Chunk{Jobs: jobs}

	if got := c.JobIDs(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("expected job ids: got '%v', want '[a b]'", got)
	}
}
