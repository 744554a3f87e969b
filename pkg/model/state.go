package model

// JobState represents the lifecycle state of a workflow job.
type JobState string

const (
	JobStateCreated          JobState = "CREATED"
	JobStateLoggingReady     JobState = "LOGGING_READY"
	JobStateOptionsValidated JobState = "OPTIONS_VALIDATED"
	JobStateDirectoryReady   JobState = "DIRECTORY_READY"
	JobStateConfigured       JobState = "CONFIGURED"
	JobStateExecuting        JobState = "EXECUTING"
	JobStateCleanedUp        JobState = "CLEANED_UP"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job can no longer execute commands.
func (s JobState) IsTerminal() bool {
	return s == JobStateCleanedUp
}

// CanExecute reports whether Execute may be called in this state.
func (s JobState) CanExecute() bool {
	return s == JobStateConfigured || s == JobStateExecuting
}

// ValidJobTransitions defines the allowed state transitions for jobs.
// The lifecycle is linear; EXECUTING may repeat.
var ValidJobTransitions = map[JobState][]JobState{
	JobStateCreated:          {JobStateLoggingReady},
	JobStateLoggingReady:     {JobStateOptionsValidated},
	JobStateOptionsValidated: {JobStateDirectoryReady},
	JobStateDirectoryReady:   {JobStateConfigured},
	JobStateConfigured:       {JobStateExecuting, JobStateCleanedUp},
	JobStateExecuting:        {JobStateExecuting, JobStateCleanedUp},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExecutionMode identifies how a batch of commands was dispatched.
type ExecutionMode string

const (
	ExecutionModeDryRun   ExecutionMode = "dry-run"
	ExecutionModeSerial   ExecutionMode = "serial"
	ExecutionModeParallel ExecutionMode = "parallel"
)
