package runner

import (
	"errors"
	"testing"

	"github.com/confvault/confvault/internal/models"
)

func outcomeSet(successes, failures int) []models.DeviceOutcome {
	var out []models.DeviceOutcome
	for i := 0; i < successes; i++ {
		out = append(out, models.DeviceOutcome{Success: true})
	}
	for i := 0; i < failures; i++ {
		out = append(out, models.DeviceOutcome{Success: false, Class: models.FailureCommand})
	}
	return out
}

func TestComputeStatus(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		cond     RunConditions
		outcomes []models.DeviceOutcome
		want     models.JobStatus
	}{
		{
			name:     "all devices succeeded",
			cond:     RunConditions{DevicesMatched: 3, ResolvedCount: 3},
			outcomes: outcomeSet(3, 0),
			want:     models.StatusCompletedSuccess,
		},
		{
			name:     "some devices failed",
			cond:     RunConditions{DevicesMatched: 3, ResolvedCount: 3},
			outcomes: outcomeSet(2, 1),
			want:     models.StatusCompletedPartialFailure,
		},
		{
			name:     "every device failed",
			cond:     RunConditions{DevicesMatched: 3, ResolvedCount: 3},
			outcomes: outcomeSet(0, 3),
			want:     models.StatusCompletedFailure,
		},
		{
			name: "no devices matched the target",
			cond: RunConditions{DevicesMatched: 0},
			want: models.StatusCompletedNoDevices,
		},
		{
			name: "devices matched but none resolved a credential",
			cond: RunConditions{DevicesMatched: 2, ResolvedCount: 0},
			outcomes: []models.DeviceOutcome{
				{Class: models.FailureNoCredentials},
				{Class: models.FailureNoCredentials},
			},
			want: models.StatusCompletedNoCredentials,
		},
		{
			name: "resolution fault",
			cond: RunConditions{DevicesMatched: 2, ResolutionErr: boom},
			want: models.StatusFailedCredentialResolution,
		},
		{
			name: "dispatcher fault",
			cond: RunConditions{DevicesMatched: 2, ResolvedCount: 2, DispatchErr: boom},
			want: models.StatusFailedDispatcherError,
		},
		{
			name: "dispatcher produced no outcomes",
			cond: RunConditions{DevicesMatched: 2, ResolvedCount: 2},
			want: models.StatusFailedDispatcherError,
		},
		{
			name: "orchestration fault wins over everything",
			cond: RunConditions{
				DevicesMatched:   2,
				ResolutionErr:    boom,
				OrchestrationErr: boom,
			},
			want: models.StatusFailedUnexpected,
		},
		{
			name: "resolution fault wins over empty target",
			cond: RunConditions{DevicesMatched: 0, ResolutionErr: boom},
			want: models.StatusFailedCredentialResolution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeStatus(tt.cond, tt.outcomes)
			if got != tt.want {
				t.Fatalf("ComputeStatus = %q, want %q", got, tt.want)
			}
			if !got.Terminal() {
				t.Fatalf("status %q is not terminal", got)
			}
		})
	}
}
