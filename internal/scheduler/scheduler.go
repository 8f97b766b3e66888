// Package scheduler implements the Scheduler abstraction: submit,
// query, and cancel batch jobs on a host, either a local process or an
// HPC batch queue (spec §4.1).
package scheduler

import (
	"context"
	"fmt"
)

// Scheduler is the contract every realisation must satisfy. The
// Worker never assumes ordering between submissions and must tolerate
// an unreliable IsFinished — transient query errors are treated as
// "still running" by callers, not surfaced as hard failures.
type Scheduler interface {
	// Write materialises the job description to disk at scriptPath.
	// jobName is a caller-chosen human-readable label (e.g. for a
	// queue's --job-name directive); it is not the identifier IsFinished
	// and Cancel key off of.
	Write(scriptPath, jobName, userCommand string) error

	// Submit enqueues the job described by scriptPath and returns a
	// scheduler-defined job id. Callers must persist this id and pass it
	// back to IsFinished/Cancel — it, not jobName, is each realisation's
	// authoritative handle on the submitted job.
	Submit(ctx context.Context, scriptPath string) (jobID string, err error)

	// IsFinished reports true iff the job named by the id Submit
	// returned is no longer queued/running, success or failure alike.
	IsFinished(ctx context.Context, jobID string) (bool, error)

	// Cancel cancels a submitted job by the id Submit returned,
	// best-effort.
	Cancel(ctx context.Context, jobID string) error

	// Kind names this realisation ("local", "slurm", "cloud-batch"),
	// used to select the JobDatabase file per spec §6.
	Kind() string
}

// Config configures scheduler construction; only the fields relevant
// to the selected Kind need be set.
type Config struct {
	Kind string // "local", "slurm", "cloud-batch"

	// Slurm
	Partition string
	Account   string

	// CloudQueue (GCP Batch)
	ProjectID       string
	Region          string
	CredentialsFile string // optional; empty uses application-default credentials
}

// factory constructors, registered at init() time by each realisation
// — the Go counterpart of the teacher's Register*Provider pattern,
// itself standing in for spec §9's "registry-of-classes via
// decorators" re-architecture note.
var factories = map[string]func(context.Context, Config) (Scheduler, error){}

// Register adds a named scheduler constructor. Concrete realisations
// call this from their own init().
func Register(kind string, fn func(context.Context, Config) (Scheduler, error)) {
	factories[kind] = fn
}

// New constructs the scheduler named by cfg.Kind.
func New(ctx context.Context, cfg Config) (Scheduler, error) {
	fn, ok := factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown kind %q", cfg.Kind)
	}
	return fn(ctx, cfg)
}
