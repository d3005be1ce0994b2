// Package manifest reads the YAML list of jobs given to procpool run.
//
//	jobs:
//	  - name: sha256
//	    args: [/var/log/syslog]
//	  - name: sleep
//	    args: [1s]
//	    repeat: 4
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nixpig/procpool/internal/jobqueue"
)

// Entry describes one or more identical jobs.
type Entry struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args"`

	// Repeat enqueues the entry this many times. Zero means once.
	Repeat int `yaml:"repeat"`
}

// Manifest is an ordered list of job entries.
type Manifest struct {
	Jobs []Entry `yaml:"jobs"`
}

// Loader loads a Manifest from a file on disk.
type Loader struct {
	path string
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads and parses the manifest file.
func (l *Loader) Load(ctx context.Context) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes and validates a Manifest. Unknown fields are rejected.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}

		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks every entry has a name and a non-negative repeat count.
func (m *Manifest) Validate() error {
	var errs []error

	for i, e := range m.Jobs {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("jobs[%d]: name is required", i))
		}

		if e.Repeat < 0 {
			errs = append(errs, fmt.Errorf("jobs[%d]: repeat cannot be negative", i))
		}
	}

	return errors.Join(errs...)
}

// Expand returns the manifest's Jobs, in order, each with its own ID.
func (m *Manifest) Expand() []jobqueue.Job {
	var jobs []jobqueue.Job

	for _, e := range m.Jobs {
		n := max(e.Repeat, 1)

		for range n {
			jobs = append(jobs, jobqueue.NewJob(e.Name, e.Args...))
		}
	}

	return jobs
}

// CheckHandlers returns an error naming every entry whose handler isn't in
// reg.
func (m *Manifest) CheckHandlers(reg *jobqueue.Registry) error {
	var errs []error

	for i, e := range m.Jobs {
		if _, err := reg.Lookup(e.Name); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}
