package runner

import (
	"github.com/confvault/confvault/internal/models"
)

// RunConditions captures what happened before and around dispatch. Together
// with the outcome set it fully determines the run's terminal status.
type RunConditions struct {
	DevicesMatched   int   // devices selected by the job's target
	ResolvedCount    int   // devices that obtained at least one credential
	ResolutionErr    error // directory-level resolution fault (store down)
	DispatchErr      error // dispatcher fault before any outcome was produced
	OrchestrationErr error // any other unexpected orchestration fault
}

// ComputeStatus derives the terminal job status from pre-dispatch conditions
// and the aggregated outcome set. It is a pure function, evaluated exactly
// once per run; every returned status is terminal.
func ComputeStatus(cond RunConditions, outcomes []models.DeviceOutcome) models.JobStatus {
	switch {
	case cond.OrchestrationErr != nil:
		return models.StatusFailedUnexpected
	case cond.ResolutionErr != nil:
		return models.StatusFailedCredentialResolution
	case cond.DevicesMatched == 0:
		return models.StatusCompletedNoDevices
	case cond.ResolvedCount == 0:
		return models.StatusCompletedNoCredentials
	case cond.DispatchErr != nil:
		return models.StatusFailedDispatcherError
	}

	if len(outcomes) == 0 {
		// Devices resolved but nothing came back: the dispatcher failed to
		// produce outcomes.
		return models.StatusFailedDispatcherError
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
		}
	}

	switch succeeded {
	case len(outcomes):
		return models.StatusCompletedSuccess
	case 0:
		return models.StatusCompletedFailure
	default:
		return models.StatusCompletedPartialFailure
	}
}
