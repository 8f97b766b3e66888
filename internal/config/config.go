// Package config loads simforge's environment-driven configuration
// and its on-disk driver-setting presets (spec.md ambient concerns).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/caldera-sim/simforge/internal/errs"
	"github.com/caldera-sim/simforge/internal/scheduler"
)

// Config is the complete worker-side configuration: which Scheduler
// realisation to run batches on and how the batch planner should size
// and retry work.
type Config struct {
	// SchedulerKind selects the Scheduler realisation ("local", "slurm",
	// "cloud-batch").
	SchedulerKind string

	Slurm      SlurmConfig
	CloudQueue CloudQueueConfig

	BatchSize        int
	MaxResubmissions int
	ReadConcurrency  int
}

// SlurmConfig carries the fields the "slurm" Scheduler realisation
// needs.
type SlurmConfig struct {
	Partition string
	Account   string
}

// CloudQueueConfig carries the fields the "cloud-batch" Scheduler
// realisation needs.
type CloudQueueConfig struct {
	ProjectID       string
	Region          string
	CredentialsFile string
}

// LoadFromEnv loads configuration from environment variables,
// following the same 12-factor shape as the teacher's own
// LoadFromEnv/Validate pair.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		SchedulerKind: getEnvOrDefault("SIMFORGE_SCHEDULER", "local"),
		Slurm: SlurmConfig{
			Partition: os.Getenv("SIMFORGE_SLURM_PARTITION"),
			Account:   os.Getenv("SIMFORGE_SLURM_ACCOUNT"),
		},
		CloudQueue: CloudQueueConfig{
			ProjectID:       os.Getenv("SIMFORGE_CLOUD_PROJECT_ID"),
			Region:          os.Getenv("SIMFORGE_CLOUD_REGION"),
			CredentialsFile: os.Getenv("SIMFORGE_CLOUD_CREDENTIALS_FILE"),
		},
		BatchSize:        getEnvAsInt("SIMFORGE_BATCH_SIZE", 1),
		MaxResubmissions: getEnvAsInt("SIMFORGE_MAX_RESUBMISSIONS", 3),
		ReadConcurrency:  getEnvAsInt("SIMFORGE_READ_CONCURRENCY", 8),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the fields the selected scheduler kind needs
// are actually present.
func (c *Config) Validate() error {
	switch c.SchedulerKind {
	case "local":
	case "slurm":
		if c.Slurm.Partition == "" {
			return &errs.ConfigurationError{Reason: "SIMFORGE_SLURM_PARTITION is required for the slurm scheduler"}
		}
	case "cloud-batch":
		if c.CloudQueue.ProjectID == "" {
			return &errs.ConfigurationError{Reason: "SIMFORGE_CLOUD_PROJECT_ID is required for the cloud-batch scheduler"}
		}
		if c.CloudQueue.Region == "" {
			return &errs.ConfigurationError{Reason: "SIMFORGE_CLOUD_REGION is required for the cloud-batch scheduler"}
		}
	default:
		return &errs.ConfigurationError{Reason: fmt.Sprintf("unsupported scheduler kind: %s", c.SchedulerKind)}
	}
	if c.BatchSize <= 0 {
		return &errs.ConfigurationError{Reason: "SIMFORGE_BATCH_SIZE must be > 0"}
	}
	return nil
}

// SchedulerConfig projects c into the scheduler.Config shape
// scheduler.New expects.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Kind:            c.SchedulerKind,
		Partition:       c.Slurm.Partition,
		Account:         c.Slurm.Account,
		ProjectID:       c.CloudQueue.ProjectID,
		Region:          c.CloudQueue.Region,
		CredentialsFile: c.CloudQueue.CredentialsFile,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
