package nexusmods

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-api-key"

// fakeService is an in-process stand-in for both the v3 API and the presigned storage URL.
type fakeService struct {
	t      *testing.T
	server *httptest.Server

	uploadID       string
	finaliseState  string
	finaliseStatus int
	states         []string
	requestStatus  int
	transferStatus int
	claimStatus    int
	claimResponse  string

	mu  sync.Mutex
	rec recording
}

// recording is what the fake service observed.
type recording struct {
	calls            []string
	uploadRequest    requestUploadRequest
	claimRequest     claimModFileRequest
	transferredBytes int64
	transferHeaders  http.Header
	transferLength   int64
	transferEncoding []string
	statusQueries    int
}

func newFakeService(t *testing.T, opts ...func(*fakeService)) *fakeService {
	s := &fakeService{
		t:              t,
		uploadID:       "abc",
		finaliseState:  "processing",
		finaliseStatus: http.StatusOK,
		states:         []string{"processing", "available"},
		requestStatus:  http.StatusOK,
		transferStatus: http.StatusOK,
		claimStatus:    http.StatusCreated,
		claimResponse:  `{"uid":"4294967342","name":"My Mod","version":"1.0.0"}`,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeService) baseURL() string {
	return s.server.URL + "/v3"
}

func (s *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := r.Method + " " + r.URL.Path
	s.rec.calls = append(s.rec.calls, call)

	if r.URL.Path != "/bucket/"+s.uploadID && r.Header.Get("apikey") != testAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch call {
	case "POST /v3/uploads":
		s.decode(r, &s.rec.uploadRequest)
		s.writeJSON(w, s.requestStatus, map[string]string{
			"presigned_url": s.server.URL + "/bucket/" + s.uploadID,
			"uuid":          s.uploadID,
		})
	case "PUT /bucket/" + s.uploadID:
		n, err := io.Copy(io.Discard, r.Body)
		assert.NoError(s.t, err)
		s.rec.transferredBytes = n
		s.rec.transferHeaders = r.Header.Clone()
		s.rec.transferLength = r.ContentLength
		s.rec.transferEncoding = r.TransferEncoding
		w.WriteHeader(s.transferStatus)
		if s.transferStatus != http.StatusOK {
			_, _ = w.Write([]byte("SignatureDoesNotMatch"))
		}
	case "POST /v3/uploads/" + s.uploadID + "/finalise":
		if s.finaliseStatus != http.StatusOK {
			w.WriteHeader(s.finaliseStatus)
			_, _ = w.Write([]byte(`{"message":"upload not found"}`))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"uuid": s.uploadID, "state": s.finaliseState})
	case "GET /v3/uploads/" + s.uploadID:
		state := "processing"
		if s.rec.statusQueries < len(s.states) {
			state = s.states[s.rec.statusQueries]
		}
		s.rec.statusQueries++
		s.writeJSON(w, http.StatusOK, map[string]string{"uuid": s.uploadID, "state": state})
	case "POST /v3/mod_files":
		s.decode(r, &s.rec.claimRequest)
		w.WriteHeader(s.claimStatus)
		_, _ = w.Write([]byte(s.claimResponse))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *fakeService) decode(r *http.Request, v interface{}) {
	assert.NoError(s.t, json.NewDecoder(r.Body).Decode(v))
}

func (s *fakeService) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(s.t, json.NewEncoder(w).Encode(v))
}

func (s *fakeService) recorded() recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rec
	rec.calls = append([]string{}, s.rec.calls...)
	return rec
}

func (s *fakeService) recordedCalls() []string {
	return s.recorded().calls
}

// recordingSleeper returns immediately and remembers the requested waits.
type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

type fakeTracker struct {
	completed []State
	abortedIn State
	aborted   *StepError
	finished  bool
}

func (t *fakeTracker) LogStateCompleted(state State, _ time.Duration) {
	t.completed = append(t.completed, state)
}

func (t *fakeTracker) LogUploadAborted(state State, err *StepError) {
	t.abortedIn = state
	t.aborted = err
}

func (t *fakeTracker) LogUploadFinished(FileDescriptor, time.Duration, int) {
	t.finished = true
}

func givenFileOfSize(t *testing.T, size int) string {
	pth := filepath.Join(t.TempDir(), "my-mod-1.0.0.zip")
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(pth, content, 0644))
	return pth
}

func realFS() internal.FileSystem {
	return internal.RealOS{}
}

func givenDescriptor(t *testing.T, size int) FileDescriptor {
	file, err := NewFileDescriptor(realFS(), givenFileOfSize(t, size), "My Mod")
	require.NoError(t, err)
	return file
}

func testLogger() log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(true)
	return logger
}

func newTestUploader(t *testing.T, cfg Config, sleeper Sleeper, tracker Tracker) *Uploader {
	logger := testLogger()
	protocol, err := NewProtocol(cfg, logger)
	require.NoError(t, err)
	pollConfig := DefaultPollConfig()
	return NewUploader(protocol, NewPoller(pollConfig, sleeper, logger), tracker, logger)
}

func (s *fakeService) v3Config() Config {
	return Config{
		Protocol:   ProtocolV3,
		APIKey:     testAPIKey,
		APIBaseURL: s.baseURL(),
		RequestID:  fmt.Sprintf("test-%s", s.uploadID),
	}
}

// trackingFS remembers the files it opened so tests can check they were closed.
type trackingFS struct {
	internal.FileSystem
	opened []*trackedFile
}

func (fs *trackingFS) Open(name string) (internal.File, error) {
	f, err := fs.FileSystem.Open(name)
	if err != nil {
		return nil, err
	}
	tracked := &trackedFile{File: f}
	fs.opened = append(fs.opened, tracked)
	return tracked, nil
}

type trackedFile struct {
	internal.File
	closed bool
}

func (f *trackedFile) Close() error {
	f.closed = true
	return f.File.Close()
}
