package nexusmods

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// State is a state of the upload state machine.
type State string

const (
	StateIdle             State = "idle"
	StateRequestingUpload State = "requesting_upload"
	StateTransferring     State = "transferring"
	StateFinalising       State = "finalising"
	StatePolling          State = "polling"
	StateClaiming         State = "claiming"
	StateDone             State = "done"
	StateAborted          State = "aborted"
)

// Tracker receives the progress of an upload, e.g. for analytics.
type Tracker interface {
	LogStateCompleted(state State, took time.Duration)
	LogUploadAborted(state State, err *StepError)
	LogUploadFinished(file FileDescriptor, took time.Duration, pollAttempts int)
}

type noopTracker struct{}

func (noopTracker) LogStateCompleted(State, time.Duration)                {}
func (noopTracker) LogUploadAborted(State, *StepError)                    {}
func (noopTracker) LogUploadFinished(FileDescriptor, time.Duration, int) {}

// Result describes a successful upload.
type Result struct {
	UploadID     string
	Claim        ClaimResult
	PollAttempts int
}

// Uploader runs the upload steps of a Protocol in order and stops at the first failure.
// Nothing is rolled back: a file that was transferred but not claimed stays on the service.
type Uploader struct {
	protocol Protocol
	poller   Poller
	tracker  Tracker
	logger   log.Logger

	state      State
	stateStart time.Time
}

// NewUploader creates an Uploader. The poller is only used by asynchronous protocols,
// tracker can be nil.
func NewUploader(protocol Protocol, poller Poller, tracker Tracker, logger log.Logger) *Uploader {
	if tracker == nil {
		tracker = noopTracker{}
	}
	return &Uploader{
		protocol: protocol,
		poller:   poller,
		tracker:  tracker,
		logger:   logger,
		state:    StateIdle,
	}
}

// State returns the current state of the upload.
func (u *Uploader) State() State {
	return u.state
}

// Upload uploads the file and claims it for the mod. A returned error is always a *StepError.
func (u *Uploader) Upload(ctx context.Context, file FileDescriptor, mod ModFile) (Result, error) {
	startTime := time.Now()

	u.transition(StateRequestingUpload)
	target, err := u.protocol.RequestUpload(ctx, file, mod)
	if err != nil {
		return Result{}, u.abort(RequestFailed, "", err)
	}
	u.logger.Printf("Received upload UUID: %s", target.UploadID)

	u.transition(StateTransferring)
	if err := u.protocol.Transfer(ctx, target, file); err != nil {
		return Result{}, u.abort(TransferFailed, target.UploadID, err)
	}
	u.logger.Donef("File data uploaded successfully")

	pollAttempts := 0
	if async, ok := u.protocol.(AsyncProtocol); ok {
		u.transition(StateFinalising)
		state, err := async.Finalise(ctx, target)
		if err != nil {
			return Result{}, u.abort(FinaliseFailed, target.UploadID, err)
		}
		u.logger.Printf("Finalised upload: %s (state: %s)", target.UploadID, state)
		if state == UploadFailed {
			return Result{}, u.abort(ProcessingFailed, target.UploadID, &StepError{Kind: ProcessingFailed, UploadID: target.UploadID})
		}

		u.transition(StatePolling)
		pollAttempts, err = u.poller.Wait(ctx, target.UploadID, func(ctx context.Context) (UploadState, error) {
			return async.Status(ctx, target)
		})
		if err != nil {
			return Result{}, u.abort(StatusFailed, target.UploadID, err)
		}
		u.logger.Donef("Upload is now available")
	}

	u.transition(StateClaiming)
	claim, err := u.protocol.Claim(ctx, target, file, mod)
	if err != nil {
		return Result{}, u.abort(ClaimFailed, target.UploadID, err)
	}

	u.transition(StateDone)
	u.tracker.LogUploadFinished(file, time.Since(startTime), pollAttempts)

	return Result{
		UploadID:     target.UploadID,
		Claim:        claim,
		PollAttempts: pollAttempts,
	}, nil
}

func (u *Uploader) transition(next State) {
	now := time.Now()
	if u.state != StateIdle {
		u.tracker.LogStateCompleted(u.state, now.Sub(u.stateStart))
	}
	u.logger.Debugf("Upload state: %s -> %s", u.state, next)
	u.state = next
	u.stateStart = now
}

func (u *Uploader) abort(kind ErrorKind, uploadID string, err error) *StepError {
	stepErr := newStepError(kind, uploadID, err)
	failed := u.state
	u.logger.Debugf("Upload state: %s -> %s", u.state, StateAborted)
	u.state = StateAborted
	u.tracker.LogUploadAborted(failed, stepErr)
	return stepErr
}
