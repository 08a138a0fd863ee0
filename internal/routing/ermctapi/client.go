// Package ermctapi is the HTTP client for the remote KTAS triage and routing
// service.
package ermctapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/ermct/internal/routing"
)

const (
	pathRoute       = "/api/ktas/route/seoul"
	pathNearest     = "/api/ktas/route/seoul/nearest"
	pathPredictAud  = "/api/ktas/predict-audio"
	pathPredictText = "/api/ktas/predict-text"

	maxErrBody     = 512
	defaultTimeout = 30 * time.Second
)

var (
	_ routing.Service    = (*Client)(nil)
	_ routing.Inferencer = (*Client)(nil)
)

// Client calls the routing service over JSON/HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a Client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RouteByAcuity ranks facilities for a classified case.
func (c *Client) RouteByAcuity(ctx context.Context, req routing.RouteRequest) (*routing.Response, error) {
	return c.postJSON(ctx, pathRoute, req)
}

// RouteNearest re-ranks a prior response by distance from the given coordinates.
func (c *Client) RouteNearest(ctx context.Context, req routing.NearestRequest) (*routing.Response, error) {
	return c.postJSON(ctx, pathNearest, req)
}

// InferText classifies a free-text field report.
func (c *Client) InferText(ctx context.Context, report string) (*routing.Response, error) {
	return c.postJSON(ctx, pathPredictText, map[string]string{"text": report})
}

// InferAudio classifies a recorded voice report, sent as multipart field "audio".
func (c *Client) InferAudio(ctx context.Context, a routing.Audio) (*routing.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := a.Filename
	if filename == "" {
		filename = "recording.webm"
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = "audio/webm"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("ermctapi: create audio part: %w", err)
	}
	if _, err := part.Write(a.Data); err != nil {
		return nil, fmt.Errorf("ermctapi: write audio part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("ermctapi: close multipart: %w", err)
	}

	return c.do(ctx, pathPredictAud, mw.FormDataContentType(), &buf)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*routing.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ermctapi: marshal %s: %w", path, err)
	}
	return c.do(ctx, path, "application/json", bytes.NewReader(body))
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader) (*routing.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ermctapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // baseURL is from trusted config
	if err != nil {
		return nil, fmt.Errorf("ermctapi: post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &StatusError{Path: path, Code: resp.StatusCode, Body: string(respBody)}
	}

	var out routing.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ermctapi: decode %s: %w", path, err)
	}
	return &out, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ermctapi: %s returned %d: %s", e.Path, e.Code, e.Body)
}
