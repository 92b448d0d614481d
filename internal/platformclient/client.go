// Package platformclient forwards queued platform requests to an HTTP
// gateway that holds the platform credentials.
package platformclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/odvcencio/assetsync/internal/models"
	"github.com/odvcencio/assetsync/internal/service"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 16 << 20
	userAgent        = "assetsync-client/1.0"
)

// Options configures a Client. Zero values take defaults.
type Options struct {
	Timeout time.Duration
	// Token is sent as a bearer token when set.
	Token      string
	HTTPClient *http.Client
}

// Client posts requests to a gateway URL. A single request is sent as
//
//	{"platform": ..., "request_type": ..., "params": {...}}
//
// and answered with one result object. A batch carries "requests" (a list of
// params) and is answered with {"results": [...]} in the same order.
type Client struct {
	url    string
	token  string
	client *http.Client
}

var _ service.BatchingClient = (*Client)(nil)

func New(rawURL string, opts Options) (*Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("client url must be a valid HTTP or HTTPS URL")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{url: rawURL, token: strings.TrimSpace(opts.Token), client: httpClient}, nil
}

type callRequest struct {
	Platform    models.Platform   `json:"platform"`
	RequestType string            `json:"request_type"`
	Params      models.Document   `json:"params,omitempty"`
	Requests    []models.Document `json:"requests,omitempty"`
}

type callResult struct {
	Success            bool            `json:"success"`
	Data               json.RawMessage `json:"data"`
	ErrorCode          string          `json:"error_code"`
	ErrorMessage       string          `json:"error_message"`
	RateLimitRemaining *int            `json:"rate_limit_remaining"`
	RateLimitResetAt   *time.Time      `json:"rate_limit_reset_at"`
}

type batchResponse struct {
	Results []*callResult `json:"results"`
}

func (c *Client) Execute(ctx context.Context, platform models.Platform, requestType string, params models.Document) (*service.PlatformResult, error) {
	body, n, err := c.post(ctx, callRequest{Platform: platform, RequestType: requestType, Params: params})
	if err != nil {
		return nil, err
	}
	var out callResult
	if err := decode(body, &out); err != nil {
		return nil, err
	}
	res, err := out.platformResult()
	if err != nil {
		return nil, err
	}
	res.BytesReceived = n
	return res, nil
}

func (c *Client) ExecuteBatch(ctx context.Context, platform models.Platform, requestType string, params []models.Document) ([]*service.PlatformResult, error) {
	body, n, err := c.post(ctx, callRequest{Platform: platform, RequestType: requestType, Requests: params})
	if err != nil {
		return nil, err
	}
	var out batchResponse
	if err := decode(body, &out); err != nil {
		return nil, err
	}
	results := make([]*service.PlatformResult, len(out.Results))
	for i, r := range out.Results {
		if r == nil {
			continue
		}
		res, err := r.platformResult()
		if err != nil {
			res = &service.PlatformResult{ErrorCode: models.ErrorCodeMissingResponse, ErrorMessage: err.Error()}
		}
		results[i] = res
	}
	if len(results) > 0 {
		results[0].BytesReceived = n
	}
	return results, nil
}

// post sends payload and returns the decompressed body and the number of
// bytes read off the wire. Non-2xx answers are call errors.
func (c *Client) post(ctx context.Context, payload callRequest) ([]byte, int64, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s request: %w", payload.RequestType, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", payload.Platform, payload.RequestType, err)
	}
	defer resp.Body.Close()

	counted := &countingReader{r: io.LimitReader(resp.Body, maxResponseBytes)}
	var r io.Reader = counted
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(counted)
		if err != nil {
			return nil, 0, fmt.Errorf("%s %s: gzip response: %w", payload.Platform, payload.RequestType, err)
		}
		defer zr.Close()
		r = io.LimitReader(zr, maxResponseBytes)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, counted.n, fmt.Errorf("%s %s: read response: %w", payload.Platform, payload.RequestType, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, counted.n, fmt.Errorf("%s %s: unexpected status code %d", payload.Platform, payload.RequestType, resp.StatusCode)
	}
	return body, counted.n, nil
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode platform response: %w", err)
	}
	return nil
}

func (r *callResult) platformResult() (*service.PlatformResult, error) {
	data, err := models.ParseDocument(r.Data)
	if err != nil {
		return nil, err
	}
	res := &service.PlatformResult{
		Success:            r.Success,
		Data:               data,
		ErrorCode:          strings.ToUpper(strings.TrimSpace(r.ErrorCode)),
		ErrorMessage:       r.ErrorMessage,
		RateLimitRemaining: r.RateLimitRemaining,
		RateLimitResetAt:   r.RateLimitResetAt,
	}
	if !res.Success && res.ErrorCode == "" && res.ErrorMessage == "" {
		res.ErrorMessage = "platform reported failure without detail"
	}
	return res, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
