// Package errs defines the typed error kinds that cross Worker, Driver,
// and Scheduler boundaries.
package errs

import "fmt"

// ConfigurationError marks a malformed DriverSetting, unknown task, or
// unknown engine. Fatal for the affected Worker only.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// SchedulerError marks a submission refused by the Scheduler. The batch
// stays un-queued.
type SchedulerError struct {
	BatchID string
	Reason  string
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler error for batch %s: %s", e.BatchID, e.Reason)
}

func (e *SchedulerError) Unwrap() error { return nil }

// DriverStartupError marks a missing engine binary or environment.
// Worker.RunBatch logs it and goes on with the batch's next structure
// and adjacent batches; the BatchRecord carries no failure mark.
type DriverStartupError struct {
	Engine string
	Reason string
}

func (e *DriverStartupError) Error() string {
	return fmt.Sprintf("driver %s failed to start: %s", e.Engine, e.Reason)
}

// TrajectoryEmpty marks an engine that produced no readable frames.
// Not fatal: Worker.RunBatch logs it and goes on, and Worker.Retrieve
// reports that wdir with no trajectory. The BatchRecord carries no
// error marker for it.
type TrajectoryEmpty struct {
	Directory string
}

func (e *TrajectoryEmpty) Error() string {
	return fmt.Sprintf("no readable frames in %s", e.Directory)
}

// StateConflict marks two submissions for the same (stru_id,
// batch_index). The second is ignored by the caller, never raised up
// the stack as a hard failure — it exists so callers can detect and
// log the case distinctly from a ConfigurationError.
type StateConflict struct {
	StruID     string
	BatchIndex int
}

func (e *StateConflict) Error() string {
	return fmt.Sprintf("batch %s/%d already submitted", e.StruID, e.BatchIndex)
}

// UnknownTask marks a DriverSetting task outside {min, md, rxn, spc}.
type UnknownTask struct {
	Task string
}

func (e *UnknownTask) Error() string {
	return fmt.Sprintf("unknown task %q", e.Task)
}
