package step

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/nexusmods"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/stepconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRepository map[string]string

func (m memoryRepository) Get(key string) string { return m[key] }
func (m memoryRepository) Set(key, value string) error {
	m[key] = value
	return nil
}
func (m memoryRepository) Unset(key string) error {
	delete(m, key)
	return nil
}
func (m memoryRepository) List() []string {
	var list []string
	for k, v := range m {
		list = append(list, k+"="+v)
	}
	return list
}

type recordingExporter struct {
	exported map[string]string
	err      error
}

func (e *recordingExporter) ExportOutput(key, value string) error {
	if e.err != nil {
		return e.err
	}
	e.exported[key] = value
	return nil
}

func newTestUploader(envs memoryRepository, exporter *recordingExporter) Uploader {
	if exporter == nil {
		exporter = &recordingExporter{exported: map[string]string{}}
	}
	u := NewUploader(envs, stepconf.NewInputParser(envs), log.NewLogger(), pathutil.NewPathModifier(), pathutil.NewPathChecker(), exporter)
	u.sleeper = nexusmods.SleeperFunc(func(context.Context, time.Duration) error { return nil })
	return u
}

func givenFiles(t *testing.T, names ...string) string {
	dir := t.TempDir()
	for _, name := range names {
		pth := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(pth), 0755))
		require.NoError(t, os.WriteFile(pth, []byte("PK\x03\x04 mod archive"), 0644))
	}
	return dir
}

func v3Inputs(filePath string) memoryRepository {
	return memoryRepository{
		"api_key":   "test-api-key",
		"protocol":  "v3",
		"mod_uid":   "4294967342",
		"file_path": filePath,
		"version":   "1.0.0",
	}
}

func TestProcessConfig(t *testing.T) {
	dir := givenFiles(t, "my-mod-1.0.0.zip")
	pth := filepath.Join(dir, "my-mod-1.0.0.zip")

	u := newTestUploader(v3Inputs(pth), nil)
	cfg, err := u.ProcessConfig()
	require.NoError(t, err)

	assert.Equal(t, nexusmods.ProtocolV3, cfg.Protocol.Protocol)
	assert.Equal(t, "test-api-key", cfg.Protocol.APIKey)
	assert.Equal(t, pth, cfg.FilePath)
	assert.Equal(t, "", cfg.DisplayName)
	assert.Equal(t, "main", cfg.Mod.Category)
	assert.Equal(t, "4294967342", cfg.Mod.ModUID)
	assert.Equal(t, "1.0.0", cfg.Mod.Version)
	assert.Equal(t, nexusmods.DefaultPollConfig(), cfg.Poll)
	assert.Equal(t, 0, cfg.HTTPRetries)
}

func TestProcessConfig_Legacy(t *testing.T) {
	dir := givenFiles(t, "my-mod-1.0.0.zip")
	envs := memoryRepository{
		"api_key":            "session-key",
		"protocol":           "legacy",
		"game_id":            "skyrimspecialedition",
		"mod_id":             "1234",
		"file_id":            "5678",
		"file_path":          filepath.Join(dir, "my-mod-1.0.0.zip"),
		"name":               "My Mod",
		"version":            "1.0.0",
		"remove_old_version": "yes",
		"latest_mod_version": "no",
		"poll_interval_ms":   "500",
		"poll_max_attempts":  "5",
		"http_retries":       "2",
	}

	cfg, err := newTestUploader(envs, nil).ProcessConfig()
	require.NoError(t, err)

	assert.Equal(t, nexusmods.ProtocolLegacy, cfg.Protocol.Protocol)
	assert.Equal(t, "My Mod", cfg.DisplayName)
	assert.Equal(t, nexusmods.ModFile{
		GameID:           "skyrimspecialedition",
		ModID:            "1234",
		FileID:           "5678",
		Version:          "1.0.0",
		Category:         "1",
		RemoveOldVersion: true,
	}, cfg.Mod)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.InitialInterval)
	assert.Equal(t, 5, cfg.Poll.MaxAttempts)
	assert.Equal(t, 2, cfg.HTTPRetries)
}

func TestProcessConfig_LegacyFlagDefaults(t *testing.T) {
	dir := givenFiles(t, "my-mod-1.0.0.zip")
	envs := memoryRepository{
		"api_key":   "session-key",
		"protocol":  "legacy",
		"game_id":   "skyrimspecialedition",
		"mod_id":    "1234",
		"file_id":   "5678",
		"file_path": filepath.Join(dir, "my-mod-1.0.0.zip"),
		"version":   "1.0.0",
	}

	cfg, err := newTestUploader(envs, nil).ProcessConfig()
	require.NoError(t, err)

	assert.True(t, cfg.Mod.RemoveOldVersion)
	assert.True(t, cfg.Mod.LatestModVersion)
}

func TestValidateMod(t *testing.T) {
	tests := []struct {
		name         string
		protocol     nexusmods.ProtocolName
		mod          nexusmods.ModFile
		wantCategory string
		wantErr      string
	}{
		{
			name:         "empty protocol is v3",
			protocol:     "",
			mod:          nexusmods.ModFile{ModUID: "42"},
			wantCategory: "main",
		},
		{
			name:     "empty protocol requires a mod uid",
			protocol: "",
			mod:      nexusmods.ModFile{GameID: "skyrim", ModID: "1", FileID: "2"},
			wantErr:  "the v3 protocol requires the following inputs: mod_uid",
		},
		{
			name:         "legacy keeps an explicit category",
			protocol:     nexusmods.ProtocolLegacy,
			mod:          nexusmods.ModFile{GameID: "skyrim", ModID: "1", FileID: "2", Category: "3"},
			wantCategory: "3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := tt.mod
			err := validateMod(tt.protocol, &mod)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCategory, mod.Category)
		})
	}
}

func TestProcessConfig_Errors(t *testing.T) {
	dir := givenFiles(t, "my-mod-1.0.0.zip")
	pth := filepath.Join(dir, "my-mod-1.0.0.zip")

	tests := []struct {
		name    string
		modify  func(memoryRepository)
		wantErr string
	}{
		{
			name:    "missing api key",
			modify:  func(m memoryRepository) { delete(m, "api_key") },
			wantErr: "APIKey: required variable is not present",
		},
		{
			name:    "unknown protocol",
			modify:  func(m memoryRepository) { m["protocol"] = "v2" },
			wantErr: "value is not in value options",
		},
		{
			name:    "v3 without mod uid",
			modify:  func(m memoryRepository) { delete(m, "mod_uid") },
			wantErr: "the v3 protocol requires the following inputs: mod_uid",
		},
		{
			name:    "legacy without mod coordinates",
			modify:  func(m memoryRepository) { m["protocol"] = "legacy" },
			wantErr: "the legacy protocol requires the following inputs: file_id, game_id, mod_id",
		},
		{
			name: "legacy with textual category",
			modify: func(m memoryRepository) {
				m["protocol"] = "legacy"
				m["game_id"] = "skyrim"
				m["mod_id"] = "1"
				m["file_id"] = "2"
				m["file_category"] = "main"
			},
			wantErr: "file_category must be a number with the legacy protocol, got main",
		},
		{
			name:    "negative poll interval",
			modify:  func(m memoryRepository) { m["poll_interval_ms"] = "-1" },
			wantErr: "poll_interval_ms must not be negative, got -1",
		},
		{
			name:    "negative retries",
			modify:  func(m memoryRepository) { m["http_retries"] = "-3" },
			wantErr: "http_retries must not be negative, got -3",
		},
		{
			name:    "missing file",
			modify:  func(m memoryRepository) { m["file_path"] = filepath.Join(dir, "other.zip") },
			wantErr: "file does not exist",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := v3Inputs(pth)
			tt.modify(envs)

			_, err := newTestUploader(envs, nil).ProcessConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveFilePath(t *testing.T) {
	dir := givenFiles(t, "dist/my-mod-1.0.0.zip", "dist/readme.txt", "build/a.7z", "build/b.7z")

	tests := []struct {
		name    string
		pattern string
		want    string
		wantErr string
	}{
		{
			name:    "plain path",
			pattern: filepath.Join(dir, "dist", "readme.txt"),
			want:    filepath.Join(dir, "dist", "readme.txt"),
		},
		{
			name:    "pattern with a single match",
			pattern: filepath.Join(dir, "**", "*.zip"),
			want:    filepath.Join(dir, "dist", "my-mod-1.0.0.zip"),
		},
		{
			name:    "pattern with multiple matches",
			pattern: filepath.Join(dir, "build", "*.7z"),
			wantErr: "matches 2 files, expected one",
		},
		{
			name:    "pattern without a match",
			pattern: filepath.Join(dir, "**", "*.rar"),
			wantErr: "no file matches the pattern",
		},
		{
			name:    "directories are not matched",
			pattern: filepath.Join(dir, "dis?"),
			wantErr: "no file matches the pattern",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newTestUploader(memoryRepository{}, nil).resolveFilePath(tt.pattern)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// fakeNexusMods serves the v3 upload flow and the presigned storage URL.
type fakeNexusMods struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNexusMods) handler(t *testing.T, serverURL func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)

		writeJSON := func(v interface{}) {
			w.Header().Set("Content-Type", "application/json")
			assert.NoError(t, json.NewEncoder(w).Encode(v))
		}

		switch r.Method + " " + r.URL.Path {
		case "POST /v3/uploads":
			assert.Equal(t, "test-api-key", r.Header.Get("apikey"))
			assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
			writeJSON(map[string]string{"presigned_url": serverURL() + "/bucket/abc", "uuid": "abc"})
		case "PUT /bucket/abc":
			assert.Empty(t, r.Header.Get("apikey"))
			_, err := io.Copy(io.Discard, r.Body)
			assert.NoError(t, err)
		case "POST /v3/uploads/abc/finalise":
			writeJSON(map[string]string{"uuid": "abc", "state": "processing"})
		case "GET /v3/uploads/abc":
			writeJSON(map[string]string{"uuid": "abc", "state": "available"})
		case "POST /v3/mod_files":
			w.WriteHeader(http.StatusCreated)
			writeJSON(map[string]string{"uid": "4294967342", "version": "1.0.0"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestRun(t *testing.T) {
	fake := &fakeNexusMods{}
	var server *httptest.Server
	server = httptest.NewServer(fake.handler(t, func() string { return server.URL }))
	defer server.Close()

	dir := givenFiles(t, "my-mod-1.0.0.zip")
	envs := v3Inputs(filepath.Join(dir, "my-mod-1.0.0.zip"))
	envs["api_base_url"] = server.URL + "/v3/"
	exporter := &recordingExporter{exported: map[string]string{}}
	u := newTestUploader(envs, exporter)

	cfg, err := u.ProcessConfig()
	require.NoError(t, err)

	result, err := u.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "abc", result.UploadID)
	assert.Equal(t, "4294967342", result.Claim.FileUID)
	assert.Equal(t, 1, result.PollAttempts)
	assert.Equal(t, []string{
		"POST /v3/uploads",
		"PUT /bucket/abc",
		"POST /v3/uploads/abc/finalise",
		"GET /v3/uploads/abc",
		"POST /v3/mod_files",
	}, fake.calls)

	require.NoError(t, u.Export(result))
	assert.Equal(t, map[string]string{
		"NEXUSMODS_UPLOAD_ID": "abc",
		"NEXUSMODS_FILE_UID":  "4294967342",
	}, exporter.exported)
}

func TestRun_RequestRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	defer server.Close()

	dir := givenFiles(t, "my-mod-1.0.0.zip")
	envs := v3Inputs(filepath.Join(dir, "my-mod-1.0.0.zip"))
	envs["api_base_url"] = server.URL
	u := newTestUploader(envs, nil)

	cfg, err := u.ProcessConfig()
	require.NoError(t, err)

	_, err = u.Run(context.Background(), cfg)
	require.Error(t, err)

	var stepErr *nexusmods.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, nexusmods.RequestFailed, stepErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, stepErr.StatusCode)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestExport(t *testing.T) {
	tests := []struct {
		name     string
		result   nexusmods.Result
		exported map[string]string
	}{
		{
			name: "upload and file id",
			result: nexusmods.Result{
				UploadID: "abc",
				Claim:    nexusmods.ClaimResult{UploadID: "abc", FileUID: "42"},
			},
			exported: map[string]string{"NEXUSMODS_UPLOAD_ID": "abc", "NEXUSMODS_FILE_UID": "42"},
		},
		{
			name:     "claim without file id",
			result:   nexusmods.Result{UploadID: "abc", Claim: nexusmods.ClaimResult{UploadID: "abc"}},
			exported: map[string]string{"NEXUSMODS_UPLOAD_ID": "abc"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := memoryRepository{}
			exporter := &recordingExporter{exported: map[string]string{}}

			require.NoError(t, newTestUploader(envs, exporter).Export(tt.result))
			assert.Equal(t, tt.exported, exporter.exported)
			for k, v := range tt.exported {
				assert.Equal(t, v, envs[k])
			}
		})
	}
}

func TestExport_Fails(t *testing.T) {
	exporter := &recordingExporter{err: errors.New("envman not found")}

	err := newTestUploader(memoryRepository{}, exporter).Export(nexusmods.Result{UploadID: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to export NEXUSMODS_UPLOAD_ID")
}
