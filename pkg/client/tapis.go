package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/TACC/imageInf/pkg/cache"
	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/retry"
)

// DefaultContentType is reported when Tapis does not send one.
const DefaultContentType = "application/octet-stream"

// FileContent is the raw content of a remote file.
type FileContent struct {
	Data        []byte
	ContentType string
	Cached      bool
}

// IsImage reports whether the content can be rendered as an image.
func (fc *FileContent) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(fc.ContentType), "image/")
}

// FileContentURL returns the Tapis files content endpoint for a file.
// The path is appended verbatim and escaped by net/url.
func FileContentURL(tapisHost string, file models.TapisFile) (string, error) {
	u, err := url.Parse(tapisHost)
	if err != nil {
		return "", fmt.Errorf("parse tapis host: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v3/files/content/" + file.SystemID + file.Path
	u.RawPath = ""
	return u.String(), nil
}

// FetchFileContent downloads a file from the token's Tapis host. Transient
// failures are retried, and successful reads are cached per (system, path)
// for the token and host that read them.
func (c *Client) FetchFileContent(ctx context.Context, info models.TokenInfo, file models.TapisFile) (*FileContent, error) {
	if info.Token == "" {
		return nil, ErrNoToken
	}

	key := cache.KeyFor(info.TapisHost+"\x00"+info.Token, file)
	if c.contentCache != nil {
		if data, ct, ok := c.contentCache.Get(key); ok {
			return &FileContent{Data: data, ContentType: ct, Cached: true}, nil
		}
	}

	target, err := FileContentURL(info.TapisHost, file)
	if err != nil {
		return nil, err
	}

	fc, err := retry.DoWithResult(ctx, c.contentRetry, func() (*FileContent, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(TokenHeader, info.Token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err := fmt.Errorf("failed to fetch file: %s", resp.Status)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return nil, retry.Retryable(err)
			}
			return nil, err
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("read content: %w", err))
		}
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = DefaultContentType
		}
		return &FileContent{Data: data, ContentType: ct}, nil
	})
	if err != nil {
		return nil, err
	}

	if c.contentCache != nil {
		// Best effort; a failed cache write still returns the content.
		c.contentCache.Put(key, fc.ContentType, bytes.NewReader(fc.Data))
	}
	return fc, nil
}

// UserInfo asks Tapis whether the token is currently accepted.
func (c *Client) UserInfo(ctx context.Context, tapisHost, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(tapisHost, "/")+"/v3/oauth2/userinfo", nil)
	if err != nil {
		return err
	}
	req.Header.Set(TokenHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// FetchBridgeToken asks a hosting portal for the token of its logged-in
// user, forwarding the caller's cookies. An empty token with a nil error
// means the portal answered but had no token.
func (c *Client) FetchBridgeToken(ctx context.Context, origin string, cookies []*http.Cookie) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(origin, "/")+"/auth/tapis/", nil)
	if err != nil {
		return "", err
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("bridge returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read bridge response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("bridge returned invalid JSON")
	}
	return gjson.GetBytes(body, "token").String(), nil
}
