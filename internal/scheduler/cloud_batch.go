package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"

	batch "cloud.google.com/go/batch/apiv1"
	"cloud.google.com/go/batch/apiv1/batchpb"
	"google.golang.org/api/option"
)

func init() {
	Register("cloud-batch", newCloudQueue)
}

// CloudQueue is a Queue scheduler realisation over GCP Batch. The job
// "script" is the user command to run inside a container; Write
// simply records it, Submit creates the GCP Batch job, and IsFinished
// polls the job's state. Adapted from the teacher's
// internal/batch/gcp provider: the container Runnable/ComputeResource
// /TaskGroup shapes carry the engine invocation instead of a generic
// tenant container image.
type CloudQueue struct {
	client    *batch.Client
	projectID string
	region    string
}

func newCloudQueue(ctx context.Context, cfg Config) (Scheduler, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, fmt.Errorf("scheduler: cloud-batch requires ProjectID and Region")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := batch.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: create GCP Batch client: %w", err)
	}
	return &CloudQueue{client: client, projectID: cfg.ProjectID, region: cfg.Region}, nil
}

func (c *CloudQueue) Kind() string { return "cloud-batch" }

// Write records the shell command GCP Batch will run; the path is
// kept only so the on-disk contract (run-{uid}.script) stays uniform
// with the other realisations — GCP Batch itself has no script file.
func (c *CloudQueue) Write(scriptPath, jobName, userCommand string) error {
	return os.WriteFile(scriptPath, []byte(userCommand+"\n"), 0o644)
}

// Submit reads the recorded command back from scriptPath and submits
// it as a one-task GCP Batch job running inside a minimal shell
// container.
func (c *CloudQueue) Submit(ctx context.Context, scriptPath string) (string, error) {
	cmdBytes, err := os.ReadFile(scriptPath)
	if err != nil {
		return "", fmt.Errorf("scheduler: read script: %w", err)
	}
	jobID := jobIDFromScriptPath(scriptPath)
	parent := fmt.Sprintf("projects/%s/locations/%s", c.projectID, c.region)

	runnable := &batchpb.Runnable{
		Executable: &batchpb.Runnable_Container_{
			Container: &batchpb.Runnable_Container{
				ImageUri: "gcr.io/google-containers/busybox",
				Commands: []string{"/bin/sh", "-c", string(cmdBytes)},
			},
		},
	}
	job := &batchpb.Job{
		TaskGroups: []*batchpb.TaskGroup{
			{
				TaskSpec:  &batchpb.TaskSpec{Runnables: []*batchpb.Runnable{runnable}},
				TaskCount: 1,
			},
		},
		LogsPolicy: &batchpb.LogsPolicy{Destination: batchpb.LogsPolicy_CLOUD_LOGGING},
	}

	created, err := c.client.CreateJob(ctx, &batchpb.CreateJobRequest{
		Parent: parent,
		JobId:  jobID,
		Job:    job,
	})
	if err != nil {
		return "", fmt.Errorf("scheduler: create GCP Batch job: %w", err)
	}
	return created.Name, nil
}

// IsFinished polls the job's state. jobID is the full resource name
// Submit returned. A query error is treated as "still running" rather
// than propagated, matching spec §4.1's tolerance for an unreliable
// IsFinished.
func (c *CloudQueue) IsFinished(ctx context.Context, jobID string) (bool, error) {
	job, err := c.client.GetJob(ctx, &batchpb.GetJobRequest{Name: jobID})
	if err != nil {
		return false, nil
	}
	switch job.GetStatus().GetState() {
	case batchpb.JobStatus_SUCCEEDED, batchpb.JobStatus_FAILED, batchpb.JobStatus_DELETION_IN_PROGRESS:
		return true, nil
	default:
		return false, nil
	}
}

func (c *CloudQueue) Cancel(ctx context.Context, jobID string) error {
	op, err := c.client.DeleteJob(ctx, &batchpb.DeleteJobRequest{Name: jobID})
	if err != nil {
		return fmt.Errorf("scheduler: start delete: %w", err)
	}
	return op.Wait(ctx)
}

func jobIDFromScriptPath(scriptPath string) string {
	base := scriptPath
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	base = strings.TrimSuffix(base, ".script")
	return "simforge-" + strings.ToLower(strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return '-'
	}, base))
}
