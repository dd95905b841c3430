package nexusmods

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

type requestUploadRequest struct {
	FileName  string `json:"filename"`
	SizeBytes string `json:"size_bytes"`
}

type requestUploadResponse struct {
	PresignedURL string `json:"presigned_url"`
	UUID         string `json:"uuid"`
}

type uploadStateResponse struct {
	UUID  string `json:"uuid"`
	State string `json:"state"`
}

type claimModFileRequest struct {
	UploadID     string `json:"upload_id"`
	ModUID       string `json:"mod_uid"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	FileCategory string `json:"file_category"`
}

type v3Protocol struct {
	client  apiClient
	baseURL string
	logger  log.Logger
}

func newV3Protocol(cfg Config, logger log.Logger) *v3Protocol {
	baseURL := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	return &v3Protocol{
		client:  newAPIClient(cfg, APIKeyAuth(cfg.APIKey), logger),
		baseURL: baseURL,
		logger:  logger,
	}
}

func (p *v3Protocol) RequestUpload(ctx context.Context, file FileDescriptor, _ ModFile) (UploadTarget, error) {
	apiURL := fmt.Sprintf("%s/uploads", p.baseURL)
	p.logger.Printf("Requesting upload URL from: %s", apiURL)

	body, err := p.client.send(ctx, http.MethodPost, apiURL, requestUploadRequest{
		FileName:  file.FileName(),
		SizeBytes: strconv.FormatInt(file.Size, 10),
	})
	if err != nil {
		return UploadTarget{}, err
	}

	var response requestUploadResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return UploadTarget{}, fmt.Errorf("decode response: %w", err)
	}
	return newUploadTarget(response)
}

func (p *v3Protocol) Transfer(ctx context.Context, target UploadTarget, file FileDescriptor) error {
	return p.client.transfer(ctx, target.DestinationURL, file, "application/octet-stream")
}

func (p *v3Protocol) Finalise(ctx context.Context, target UploadTarget) (UploadState, error) {
	apiURL := fmt.Sprintf("%s/uploads/%s/finalise", p.baseURL, url.PathEscape(target.UploadID))
	p.logger.Printf("Finalising upload at: %s", apiURL)

	body, err := p.client.send(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return "", err
	}
	return p.decodeState(target, body)
}

func (p *v3Protocol) Status(ctx context.Context, target UploadTarget) (UploadState, error) {
	apiURL := fmt.Sprintf("%s/uploads/%s", p.baseURL, url.PathEscape(target.UploadID))

	body, err := p.client.query(ctx, apiURL)
	if err != nil {
		return "", err
	}
	return p.decodeState(target, body)
}

func (p *v3Protocol) Claim(ctx context.Context, target UploadTarget, file FileDescriptor, mod ModFile) (ClaimResult, error) {
	apiURL := fmt.Sprintf("%s/mod_files", p.baseURL)
	p.logger.Printf("Claiming file at: %s", apiURL)

	body, err := p.client.send(ctx, http.MethodPost, apiURL, claimModFileRequest{
		UploadID:     target.UploadID,
		ModUID:       mod.ModUID,
		Name:         file.DisplayName,
		Version:      mod.Version,
		FileCategory: mod.Category,
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return newClaimResult(target.UploadID, body), nil
}

func (p *v3Protocol) decodeState(target UploadTarget, body []byte) (UploadState, error) {
	var response uploadStateResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if response.UUID != "" && response.UUID != target.UploadID {
		p.logger.Warnf("Response refers to upload %s, expected %s", response.UUID, target.UploadID)
	}
	return UploadState(response.State), nil
}

func newUploadTarget(response requestUploadResponse) (UploadTarget, error) {
	if response.PresignedURL == "" {
		return UploadTarget{}, fmt.Errorf("no presigned_url in response")
	}
	if response.UUID == "" {
		return UploadTarget{}, fmt.Errorf("no uuid in response")
	}
	return UploadTarget{
		DestinationURL: response.PresignedURL,
		UploadID:       response.UUID,
	}, nil
}
