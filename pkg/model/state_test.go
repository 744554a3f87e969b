package model

import "testing"

func TestJobState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
	}{
		{JobStateCreated, false},
		{JobStateLoggingReady, false},
		{JobStateOptionsValidated, false},
		{JobStateDirectoryReady, false},
		{JobStateConfigured, false},
		{JobStateExecuting, false},
		{JobStateCleanedUp, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("JobState(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestJobState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  JobState
		to    JobState
		valid bool
	}{
		// Valid transitions
		{JobStateCreated, JobStateLoggingReady, true},
		{JobStateLoggingReady, JobStateOptionsValidated, true},
		{JobStateOptionsValidated, JobStateDirectoryReady, true},
		{JobStateDirectoryReady, JobStateConfigured, true},
		{JobStateConfigured, JobStateExecuting, true},
		{JobStateConfigured, JobStateCleanedUp, true},
		{JobStateExecuting, JobStateExecuting, true},
		{JobStateExecuting, JobStateCleanedUp, true},

		// Invalid transitions
		{JobStateCreated, JobStateDirectoryReady, false},
		{JobStateLoggingReady, JobStateExecuting, false},
		{JobStateDirectoryReady, JobStateExecuting, false},
		{JobStateCleanedUp, JobStateExecuting, false},
		{JobStateCleanedUp, JobStateCreated, false},
		{JobStateExecuting, JobStateConfigured, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("JobState(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestJobState_CanExecute(t *testing.T) {
	if JobStateDirectoryReady.CanExecute() {
		t.Error("DIRECTORY_READY should not accept Execute")
	}
	if !JobStateConfigured.CanExecute() || !JobStateExecuting.CanExecute() {
		t.Error("CONFIGURED and EXECUTING should accept Execute")
	}
	if JobStateCleanedUp.CanExecute() {
		t.Error("CLEANED_UP should not accept Execute")
	}
}
