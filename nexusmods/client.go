package nexusmods

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/internal"
	"github.com/hashicorp/go-retryablehttp"
)

// Authenticator adds the credentials of a protocol to API requests.
type Authenticator interface {
	Authenticate(header http.Header)
}

// APIKeyAuth sends the key in the `apikey` header.
type APIKeyAuth string

// Authenticate ...
func (a APIKeyAuth) Authenticate(header http.Header) {
	header.Set("apikey", string(a))
}

// SessionCookieAuth sends the key as the website session cookie.
type SessionCookieAuth string

// Authenticate ...
func (a SessionCookieAuth) Authenticate(header http.Header) {
	header.Set("Cookie", fmt.Sprintf("nexusmods_session=%s;", string(a)))
}

// Redactor masks secrets in debug dumps.
type Redactor interface {
	Redact(s string) string
}

type noopRedactor struct{}

func (noopRedactor) Redact(s string) string { return s }

// NewHTTPClient creates the HTTP client of an upload. retries is the number of extra attempts
// made on connection errors and retryable statuses; it only applies to idempotent calls (status
// queries and the transfer to the presigned URL), every other request is sent once. The last
// response is always passed through so its status and body can be reported.
func NewHTTPClient(logger log.Logger, retries int) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = retries
	client.CheckRetry = createCustomRetryFunction(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

func createCustomRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
		return retry, checkErr
	}
}

type apiClient struct {
	// httpClient makes a single attempt.
	httpClient *retryablehttp.Client
	// retryingClient is the configured client, used for idempotent calls only.
	retryingClient *retryablehttp.Client
	auth           Authenticator
	requestID      string
	redactor       Redactor
	fs             internal.FileSystem
	logger         log.Logger
}

func newAPIClient(cfg Config, auth Authenticator, logger log.Logger) apiClient {
	retryingClient := cfg.HTTPClient
	if retryingClient == nil {
		retryingClient = NewHTTPClient(logger, 0)
	}
	httpClient := NewHTTPClient(logger, 0)
	httpClient.HTTPClient = retryingClient.HTTPClient

	client := apiClient{
		httpClient:     httpClient,
		retryingClient: retryingClient,
		auth:           auth,
		requestID:      cfg.RequestID,
		redactor:       cfg.Redactor,
		fs:             cfg.FileSystem,
		logger:         logger,
	}
	if client.redactor == nil {
		client.redactor = noopRedactor{}
	}
	if client.fs == nil {
		client.fs = internal.RealOS{}
	}
	return client
}

// send issues an authenticated API request with an optional JSON body and returns
// the body of a 2xx response. The request is sent once.
func (c apiClient) send(ctx context.Context, method, url string, requestBody interface{}) ([]byte, error) {
	return c.do(ctx, c.httpClient, method, url, requestBody)
}

// query is send for GET requests, retried as configured.
func (c apiClient) query(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, c.retryingClient, http.MethodGet, url, nil)
}

func (c apiClient) do(ctx context.Context, httpClient *retryablehttp.Client, method, url string, requestBody interface{}) ([]byte, error) {
	var body interface{}
	if requestBody != nil {
		b, err := json.Marshal(requestBody)
		if err != nil {
			return nil, err
		}
		body = b
		c.logger.Debugf("Request body: %s", c.redactor.Redact(string(b)))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.requestID != "" {
		req.Header.Set("X-Request-ID", c.requestID)
	}
	c.auth.Authenticate(req.Header)

	c.dumpRequest(req.Request)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Warnf("failed to close response body: %s", err)
		}
	}(resp.Body)

	c.dumpResponse(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unwrapError(resp)
	}

	return io.ReadAll(resp.Body)
}

// transfer streams the file to the destination URL. The request carries no API credentials,
// the destination URL is presigned.
func (c apiClient) transfer(ctx context.Context, destinationURL string, file FileDescriptor, contentType string) error {
	f, err := c.fs.Open(file.Path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func(f internal.File) {
		err := f.Close()
		if err != nil {
			c.logger.Errorf("failed to close file: %s", err)
		}
	}(f)

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if info.Size() != file.Size {
		return fmt.Errorf("file size changed since the upload was requested: expected %d bytes, found %d", file.Size, info.Size())
	}

	// io.ReadSeeker bodies are rewound on a resend instead of being read into memory.
	// An empty file goes without a body, net/http would send a zero length reader chunked.
	var body interface{}
	if file.Size > 0 {
		body = io.ReadSeeker(f)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, destinationURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", file.Size))
	req.ContentLength = file.Size

	c.dumpRequest(req.Request)

	resp, err := c.retryingClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Warnf("failed to close response body: %s", err)
		}
	}(resp.Body)

	c.dumpResponse(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}
	return nil
}

func (c apiClient) dumpRequest(req *http.Request) {
	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
		return
	}
	c.logger.Debugf("Request dump: %s", c.redactor.Redact(string(dump)))
}

func (c apiClient) dumpResponse(resp *http.Response) {
	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
		return
	}
	c.logger.Debugf("Response dump: %s", c.redactor.Redact(string(bytes.TrimSpace(dump))))
}
