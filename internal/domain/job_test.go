// SPDX-License-Identifier: MIT
package domain

import (
	"testing"
	"time"
)

func TestJobState_IsTerminal(t *testing.T) {
	tests := []struct {
		state JobState
		want  bool
	}{
		{JobStateWaiting, false},
		{JobStateDelayed, false},
		{JobStateActive, false},
		{JobStateCompleted, true},
		{JobStateFailed, true},
		{JobStateCancelled, true},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name   string
		from   JobState
		to     JobState
		want   bool
	}{
		{"waiting to active", JobStateWaiting, JobStateActive, true},
		{"waiting to cancelled", JobStateWaiting, JobStateCancelled, true},
		{"waiting to completed", JobStateWaiting, JobStateCompleted, false},
		{"delayed to waiting", JobStateDelayed, JobStateWaiting, true},
		{"delayed to cancelled", JobStateDelayed, JobStateCancelled, true},
		{"delayed to active", JobStateDelayed, JobStateActive, false},
		{"active to completed", JobStateActive, JobStateCompleted, true},
		{"active to failed", JobStateActive, JobStateFailed, true},
		{"active to cancelled", JobStateActive, JobStateCancelled, true},
		{"active to delayed retry", JobStateActive, JobStateDelayed, true},
		{"active to waiting reclaim", JobStateActive, JobStateWaiting, true},
		{"completed is immutable", JobStateCompleted, JobStateWaiting, false},
		{"failed is immutable", JobStateFailed, JobStateWaiting, false},
		{"cancelled is immutable", JobStateCancelled, JobStateActive, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo(%s → %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestBackoffPolicy_Delay(t *testing.T) {
	b := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{0, 5 * time.Second}, // clamped
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffPolicy_DelayZeroBase(t *testing.T) {
	b := BackoffPolicy{Type: "exponential"}
	if got := b.Delay(2); got != 10*time.Second {
		t.Errorf("Delay with zero base = %v, want 10s fallback", got)
	}
}

func TestValidatePriority(t *testing.T) {
	for p := PriorityHighest; p <= PriorityLowest; p++ {
		if err := ValidatePriority(p); err != nil {
			t.Errorf("ValidatePriority(%d) = %v, want nil", p, err)
		}
	}
	for _, p := range []int{0, -1, 11, 100} {
		if err := ValidatePriority(p); err == nil {
			t.Errorf("ValidatePriority(%d) = nil, want error", p)
		}
	}
}

func TestOrigin_IsValid(t *testing.T) {
	valid := []Origin{OriginURL, OriginDrive, OriginUpload, OriginLiveStream}
	for _, o := range valid {
		if !o.IsValid() {
			t.Errorf("%q should be valid", o)
		}
	}
	if Origin("ftp").IsValid() {
		t.Error("unknown origin should be invalid")
	}
}

func TestJobState_UnmarshalRejectsUnknown(t *testing.T) {
	var s JobState
	if err := s.UnmarshalJSON([]byte(`"exploded"`)); err == nil {
		t.Error("expected error for unknown state")
	}
	if err := s.UnmarshalJSON([]byte(`"active"`)); err != nil {
		t.Errorf("unexpected error for valid state: %v", err)
	}
	if s != JobStateActive {
		t.Errorf("state = %q, want active", s)
	}
}
