// Package client provides the HTTP client for the image inferencing service
// and the Tapis endpoints it depends on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/TACC/imageInf/pkg/cache"
	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
	"github.com/TACC/imageInf/pkg/retry"
)

// TokenHeader carries the Tapis bearer token on every authenticated call.
const TokenHeader = "X-Tapis-Token"

// MaxSyncFiles is the largest batch the synchronous inference endpoint accepts.
const MaxSyncFiles = 5

var (
	// ErrNoToken is returned when an authenticated call is attempted without a token.
	ErrNoToken = errors.New("no token")
	// ErrNoFiles is returned when an inference request has no files.
	ErrNoFiles = errors.New("inference request has no files")
	// ErrTooManyFiles is returned when a synchronous request exceeds MaxSyncFiles.
	ErrTooManyFiles = fmt.Errorf("too many files for synchronous inference (max %d)", MaxSyncFiles)
	// ErrFetchModels is the generic model listing failure.
	ErrFetchModels = errors.New("failed to fetch models")
)

// APIError is returned when the service answers with a non-success status.
// Message is the raw response body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed (%d)", e.StatusCode)
	}
	return e.Message
}

// AsAPIError checks if an error is an APIError and returns it.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Client talks to the inference API and to Tapis.
type Client struct {
	apiBasePath  string
	httpClient   *http.Client
	contentRetry retry.Config
	contentCache *cache.Cache
}

// Config holds client configuration.
type Config struct {
	APIBasePath string // e.g. https://prod.imageinf-service.tacc.utexas.edu/api
	Timeout     time.Duration
	// ContentRetry governs file content fetches only; inference and model
	// calls are never retried.
	ContentRetry retry.Config
	ContentCache *cache.Cache
	HTTPClient   *http.Client
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ContentRetry.MaxAttempts == 0 {
		cfg.ContentRetry = retry.WithRetries(2)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Client{
		apiBasePath:  strings.TrimRight(cfg.APIBasePath, "/"),
		httpClient:   httpClient,
		contentRetry: cfg.ContentRetry,
		contentCache: cfg.ContentCache,
	}
}

// APIBasePath returns the inference API base path.
func (c *Client) APIBasePath() string {
	return c.apiBasePath
}

// Status checks that the inference API is up.
func (c *Client) Status(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBasePath+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

// FetchModels lists the available inference models.
func (c *Client) FetchModels(ctx context.Context, token string) ([]models.InferenceModelMeta, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBasePath+"/inference/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(TokenHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchModels, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ErrFetchModels
	}

	var result []models.InferenceModelMeta
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrFetchModels, err)
	}
	return result, nil
}

// SubmitInference posts one synchronous classification request.
// It issues exactly one request; failures are not retried.
func (c *Client) SubmitInference(ctx context.Context, token string, ir protocol.InferenceRequest) (*protocol.InferenceResponse, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if len(ir.Files) == 0 {
		return nil, ErrNoFiles
	}
	if len(ir.Files) > MaxSyncFiles {
		return nil, ErrTooManyFiles
	}
	if _, err := protocol.ParseSensitivity(string(ir.Sensitivity)); err != nil {
		return nil, err
	}

	body, err := json.Marshal(ir)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBasePath+"/inference/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}

	var result protocol.InferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parse inference response: %w", err)
	}
	return &result, nil
}
