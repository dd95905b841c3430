package nexusmods

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/internal"
	"github.com/hashicorp/go-retryablehttp"
)

// ProtocolName selects the upload API flavour.
type ProtocolName string

const (
	// ProtocolV3 is the REST API authenticated with an API key, processing uploads asynchronously.
	ProtocolV3 ProtocolName = "v3"
	// ProtocolLegacy is the website API authenticated with a session cookie, completing uploads synchronously.
	ProtocolLegacy ProtocolName = "legacy"
)

// Normalized maps the empty name to the default protocol, v3.
func (n ProtocolName) Normalized() ProtocolName {
	if n == "" {
		return ProtocolV3
	}
	return n
}

const (
	DefaultAPIBaseURL = "https://api.nexusmods.com/v3"
	DefaultDomain     = "www.nexusmods.com"
)

// Config holds everything a protocol needs besides the file and mod metadata.
type Config struct {
	Protocol ProtocolName
	APIKey   string
	// APIBaseURL is the root of the v3 API.
	APIBaseURL string
	// Domain is the website host of the legacy API.
	Domain string
	// Scheme of the legacy API URLs, https if empty.
	Scheme string

	// HTTPClient is the client used for every request. If nil, NewHTTPClient(logger, 0) is used.
	HTTPClient *retryablehttp.Client
	// RequestID is sent as X-Request-ID with every API request.
	RequestID string
	// Redactor masks secrets in debug logs. Optional.
	Redactor Redactor
	// FileSystem opens the file for transfer. Defaults to the real file system.
	FileSystem internal.FileSystem
}

// Protocol implements the steps every upload flow shares.
type Protocol interface {
	// RequestUpload asks the service where to send a file of the given size.
	RequestUpload(ctx context.Context, file FileDescriptor, mod ModFile) (UploadTarget, error)
	// Transfer streams the file bytes to the target's destination URL.
	Transfer(ctx context.Context, target UploadTarget, file FileDescriptor) error
	// Claim associates the uploaded file with the mod. It is the last call of an upload.
	Claim(ctx context.Context, target UploadTarget, file FileDescriptor, mod ModFile) (ClaimResult, error)
}

// AsyncProtocol is implemented by protocols where the service processes the transferred
// bytes in the background and has to be told when the transfer is complete.
type AsyncProtocol interface {
	Protocol
	// Finalise signals that the transfer is complete and returns the processing state.
	Finalise(ctx context.Context, target UploadTarget) (UploadState, error)
	// Status returns the current processing state.
	Status(ctx context.Context, target UploadTarget) (UploadState, error)
}

// NewProtocol creates the protocol selected by cfg.Protocol.
func NewProtocol(cfg Config, logger log.Logger) (Protocol, error) {
	switch cfg.Protocol.Normalized() {
	case ProtocolV3:
		return newV3Protocol(cfg, logger), nil
	case ProtocolLegacy:
		return newLegacyProtocol(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown protocol: %s", cfg.Protocol)
	}
}
