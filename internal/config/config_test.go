package config

import "testing"

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("SIMFORGE_SCHEDULER", "")
	t.Setenv("SIMFORGE_BATCH_SIZE", "")
	t.Setenv("SIMFORGE_MAX_RESUBMISSIONS", "")
	t.Setenv("SIMFORGE_READ_CONCURRENCY", "")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SchedulerKind != "local" {
		t.Fatalf("expected default scheduler kind local, got %s", cfg.SchedulerKind)
	}
	if cfg.BatchSize != 1 {
		t.Fatalf("expected default batch size 1, got %d", cfg.BatchSize)
	}
	if cfg.MaxResubmissions != 3 {
		t.Fatalf("expected default max resubmissions 3, got %d", cfg.MaxResubmissions)
	}
	if cfg.ReadConcurrency != 8 {
		t.Fatalf("expected default read concurrency 8, got %d", cfg.ReadConcurrency)
	}
}

func TestValidateRejectsIncompleteSlurmConfig(t *testing.T) {
	cfg := &Config{SchedulerKind: "slurm", BatchSize: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for slurm scheduler without a partition")
	}
}

func TestValidateRejectsIncompleteCloudQueueConfig(t *testing.T) {
	cfg := &Config{SchedulerKind: "cloud-batch", BatchSize: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for cloud-batch scheduler without a project id")
	}
	cfg.CloudQueue.ProjectID = "my-project"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for cloud-batch scheduler without a region")
	}
}

func TestValidateRejectsUnknownSchedulerKind(t *testing.T) {
	cfg := &Config{SchedulerKind: "carrier-pigeon", BatchSize: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unsupported scheduler kind")
	}
}

func TestValidateRejectsNonPositiveBatchSize(t *testing.T) {
	cfg := &Config{SchedulerKind: "local", BatchSize: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a non-positive batch size")
	}
}

func TestSchedulerConfigProjectsFields(t *testing.T) {
	cfg := &Config{
		SchedulerKind: "slurm",
		Slurm:         SlurmConfig{Partition: "gpu", Account: "lab42"},
		CloudQueue:    CloudQueueConfig{ProjectID: "proj", Region: "us-central1", CredentialsFile: "/etc/simforge/gcp.json"},
	}
	sc := cfg.SchedulerConfig()
	if sc.Kind != "slurm" || sc.Partition != "gpu" || sc.Account != "lab42" {
		t.Fatalf("unexpected slurm projection: %+v", sc)
	}
	if sc.ProjectID != "proj" || sc.Region != "us-central1" || sc.CredentialsFile != "/etc/simforge/gcp.json" {
		t.Fatalf("unexpected cloud-queue projection: %+v", sc)
	}
}
