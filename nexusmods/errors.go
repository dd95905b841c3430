package nexusmods

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrorKind names the step of the upload that failed.
type ErrorKind string

const (
	// RequestFailed means no upload location could be obtained.
	RequestFailed ErrorKind = "request_failed"
	// TransferFailed means the file bytes were not accepted by the destination URL.
	TransferFailed ErrorKind = "transfer_failed"
	// FinaliseFailed means the service was not told the transfer is complete.
	FinaliseFailed ErrorKind = "finalise_failed"
	// StatusFailed means the processing status could not be queried.
	StatusFailed ErrorKind = "status_failed"
	// ProcessingFailed means the service reported a permanent processing failure.
	ProcessingFailed ErrorKind = "processing_failed"
	// ProcessingTimedOut means no terminal processing state was seen within the attempt limit.
	ProcessingTimedOut ErrorKind = "processing_timed_out"
	// ClaimFailed means the uploaded file could not be associated with the mod.
	ClaimFailed ErrorKind = "claim_failed"
)

var kindDescriptions = map[ErrorKind]string{
	RequestFailed:      "failed to get upload URL",
	TransferFailed:     "upload failed",
	FinaliseFailed:     "failed to finalise upload",
	StatusFailed:       "failed to get upload state",
	ProcessingFailed:   "upload processing failed",
	ProcessingTimedOut: "upload processing timed out",
	ClaimFailed:        "failed to claim file",
}

// StepError is the single failure outcome of an upload run.
type StepError struct {
	Kind ErrorKind
	// UploadID is empty when the failure happened before the service assigned one.
	UploadID string
	// StatusCode and Body are set when the service answered with an unexpected status.
	StatusCode int
	Body       string
	// Attempts is the number of status queries made, set for polling failures.
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	msg := kindDescriptions[e.Kind]
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.UploadID != "" {
		msg = fmt.Sprintf("%s (upload %s)", msg, e.UploadID)
	}

	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %d - %s", msg, e.StatusCode, e.Body)
	case e.Kind == ProcessingTimedOut && e.Err == nil:
		return fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a StepError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr) && stepErr.Kind == kind
}

func newStepError(kind ErrorKind, uploadID string, err error) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}

	e := &StepError{Kind: kind, UploadID: uploadID, Err: err}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		e.StatusCode = httpErr.StatusCode
		e.Body = httpErr.Body
	}
	return e
}

// HTTPError is returned by the API client for responses outside the 2xx range.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(errorResp)}
}
