package nexusmods

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/internal"
)

// UploadTarget is where the file bytes go and how the service refers to the upload afterwards.
type UploadTarget struct {
	DestinationURL string
	UploadID       string
}

// UploadState is the server side processing state of an upload.
type UploadState string

const (
	UploadPending    UploadState = "pending"
	UploadProcessing UploadState = "processing"
	UploadAvailable  UploadState = "available"
	UploadFailed     UploadState = "failed"
)

// IsTerminal reports whether no further state transition can happen.
func (s UploadState) IsTerminal() bool {
	return s == UploadAvailable || s == UploadFailed
}

// FileDescriptor describes the local file being uploaded.
type FileDescriptor struct {
	Path        string
	Size        int64
	DisplayName string
}

// NewFileDescriptor stats the file once. An empty displayName defaults to the file's base name.
func NewFileDescriptor(fs internal.FileSystem, path, displayName string) (FileDescriptor, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return FileDescriptor{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return FileDescriptor{}, fmt.Errorf("%s is a directory", path)
	}

	if displayName == "" {
		displayName = filepath.Base(path)
	}

	return FileDescriptor{
		Path:        path,
		Size:        info.Size(),
		DisplayName: displayName,
	}, nil
}

// FileName is the name the file is announced under when requesting an upload.
func (f FileDescriptor) FileName() string {
	return filepath.Base(f.Path)
}

// ModFile identifies the mod record the upload is claimed for and the metadata of the new file.
// Which identifiers are needed depends on the protocol: v3 uses ModUID, legacy uses GameID, ModID and FileID.
type ModFile struct {
	GameID   string
	ModID    string
	ModUID   string
	FileID   string
	Version  string
	Category string
	// RemoveOldVersion supersedes the file's previous version (legacy protocol only).
	RemoveOldVersion bool
	// LatestModVersion marks the version as the mod's latest (legacy protocol only).
	LatestModVersion bool
}

// ClaimResult is the record the service created for the claimed file.
type ClaimResult struct {
	UploadID string
	// FileUID is the identifier of the created record, empty if the service didn't return one.
	FileUID string
	Record  json.RawMessage
}

func newClaimResult(uploadID string, body []byte) ClaimResult {
	result := ClaimResult{UploadID: uploadID}
	if len(body) == 0 {
		return result
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return result
	}
	result.Record = body
	for _, key := range []string{"uid", "id", "file_id"} {
		if v, ok := fields[key]; ok && v != nil {
			result.FileUID = formatID(v)
			break
		}
	}
	return result
}

func formatID(v interface{}) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprint(v)
}
