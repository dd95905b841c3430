package nexusmods

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
)

type legacyClaimRequest struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	FileSize         int64  `json:"filesize"`
	RemoveOldVersion bool   `json:"removeOldVersion"`
	FileUUID         string `json:"fileUUID"`
	FileCategory     int    `json:"fileCategory"`
	LatestModVersion bool   `json:"latestModVersion"`
}

// legacyProtocol talks to the website API. The upload is complete once the bytes are
// transferred, there is nothing to finalise or poll.
type legacyProtocol struct {
	client apiClient
	host   string
	logger log.Logger
}

func newLegacyProtocol(cfg Config, logger log.Logger) *legacyProtocol {
	domain := cfg.Domain
	if domain == "" {
		domain = DefaultDomain
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &legacyProtocol{
		client: newAPIClient(cfg, SessionCookieAuth(cfg.APIKey), logger),
		host:   fmt.Sprintf("%s://%s", scheme, domain),
		logger: logger,
	}
}

func (p *legacyProtocol) modURL(mod ModFile) string {
	return fmt.Sprintf("%s/api/game/%s/mod/%s", p.host, url.PathEscape(mod.GameID), url.PathEscape(mod.ModID))
}

func (p *legacyProtocol) RequestUpload(ctx context.Context, file FileDescriptor, mod ModFile) (UploadTarget, error) {
	query := url.Values{}
	query.Set("total_size", strconv.FormatInt(file.Size, 10))
	query.Set("filename", file.FileName())
	apiURL := fmt.Sprintf("%s/file/url?%s", p.modURL(mod), query.Encode())
	p.logger.Printf("Requesting upload URL from: %s", apiURL)

	body, err := p.client.send(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return UploadTarget{}, err
	}

	var response requestUploadResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return UploadTarget{}, fmt.Errorf("decode response: %w", err)
	}
	return newUploadTarget(response)
}

func (p *legacyProtocol) Transfer(ctx context.Context, target UploadTarget, file FileDescriptor) error {
	return p.client.transfer(ctx, target.DestinationURL, file, "application/zip")
}

func (p *legacyProtocol) Claim(ctx context.Context, target UploadTarget, file FileDescriptor, mod ModFile) (ClaimResult, error) {
	category, err := strconv.Atoi(mod.Category)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("file category must be a number: %s", mod.Category)
	}

	apiURL := fmt.Sprintf("%s/file/%s", p.modURL(mod), url.PathEscape(mod.FileID))
	p.logger.Printf("Claiming file at: %s", apiURL)

	body, err := p.client.send(ctx, http.MethodPut, apiURL, legacyClaimRequest{
		Name:             file.DisplayName,
		Version:          mod.Version,
		FileSize:         file.Size,
		RemoveOldVersion: mod.RemoveOldVersion,
		FileUUID:         target.UploadID,
		FileCategory:     category,
		LatestModVersion: mod.LatestModVersion,
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return newClaimResult(target.UploadID, body), nil
}
