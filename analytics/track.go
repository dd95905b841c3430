package analytics

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/nexusmods"
)

type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	StepExecutionIDEnvKey = "BITRISE_STEP_EXECUTION_ID"
	StepExecutionID       = "step_execution_id"
)

// UploadTracker sends the progress of an upload as analytics events.
type UploadTracker struct {
	tracker analytics.Tracker
}

// NewUploadTracker fails if the step doesn't run as part of a build (no step execution ID).
func NewUploadTracker(repository env.Repository, logger log.Logger, protocol nexusmods.ProtocolName, trackerFactory TrackerFactory) (*UploadTracker, error) {
	stepExecutionID := repository.Get(StepExecutionIDEnvKey)
	if stepExecutionID == "" {
		return nil, fmt.Errorf("no step execution ID found")
	}
	p := analytics.Properties{
		StepExecutionID: stepExecutionID,
		"build_slug":    repository.Get("BITRISE_BUILD_SLUG"),
		"app_slug":      repository.Get("BITRISE_APP_SLUG"),
		"protocol":      string(protocol),
	}
	return &UploadTracker{tracker: trackerFactory(logger, p)}, nil
}

// NewDefaultUploadTracker ...
func NewDefaultUploadTracker(repository env.Repository, logger log.Logger, protocol nexusmods.ProtocolName) (*UploadTracker, error) {
	return NewUploadTracker(repository, logger, protocol, analytics.NewDefaultTracker)
}

func (t *UploadTracker) LogStateCompleted(state nexusmods.State, took time.Duration) {
	t.tracker.Enqueue("step_nexusmods_upload_state_completed", analytics.Properties{
		"state":      string(state),
		"duration_s": took.Truncate(time.Second).Seconds(),
	})
}

func (t *UploadTracker) LogUploadAborted(state nexusmods.State, err *nexusmods.StepError) {
	t.tracker.Enqueue("step_nexusmods_upload_aborted", analytics.Properties{
		"state":         string(state),
		"error_kind":    string(err.Kind),
		"status_code":   err.StatusCode,
		"poll_attempts": err.Attempts,
	})
}

func (t *UploadTracker) LogUploadFinished(file nexusmods.FileDescriptor, took time.Duration, pollAttempts int) {
	t.tracker.Enqueue("step_nexusmods_upload_finished", analytics.Properties{
		"upload_size_bytes": file.Size,
		"upload_time_s":     took.Truncate(time.Second).Seconds(),
		"poll_attempts":     pollAttempts,
	})
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}
