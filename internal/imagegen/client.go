package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clinicgen/internal/infra"
)

// Headers identifying the slot attempt of a generation request.
const (
	HeaderBatchID = "X-Batch-ID"
	HeaderSlot    = "X-Slot-Index"
	HeaderAttempt = "X-Attempt"
)

// ClientOptions configures the generation service client.
type ClientOptions struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	Logger     *infra.Logger
}

// Client posts prepared payloads to the generation service. It is safe for
// concurrent use; every call builds its own request.
type Client struct {
	endpoint   string
	httpClient *http.Client
	userAgent  string
	logger     *infra.Logger
}

// NewClient validates the endpoint and fills in defaults.
func NewClient(opts ClientOptions) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("imagegen: endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("imagegen: invalid endpoint %q", endpoint)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "clinicgen/1"
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Client{
		endpoint:   parsed.String(),
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
	}, nil
}

// Endpoint returns the configured service URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Generate issues one multipart POST and decodes the response.
func (c *Client) Generate(ctx context.Context, payload *Payload) (Image, error) {
	if payload == nil {
		return Image{}, newError(KindPayloadBuild, nil, "payload is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, payload.Body())
	if err != nil {
		return Image{}, newError(KindNetwork, err, "build request")
	}
	req.ContentLength = int64(payload.Size())
	req.Header.Set("Content-Type", payload.ContentType())
	req.Header.Set("Accept", "application/json, image/*")
	req.Header.Set("User-Agent", c.userAgent)
	if info, ok := CallInfoFromContext(ctx); ok {
		req.Header.Set(HeaderBatchID, info.BatchID)
		req.Header.Set(HeaderSlot, strconv.Itoa(info.Slot))
		req.Header.Set(HeaderAttempt, strconv.Itoa(info.Attempt))
	}
	return c.do(ctx, req)
}

// Resolve returns img unchanged when its bytes are inline; otherwise it
// downloads the remote reference and decodes it like a generation response.
func (c *Client) Resolve(ctx context.Context, img Image) (Image, error) {
	if img.Inline() {
		return img, nil
	}
	ref := strings.TrimSpace(img.URI)
	parsed, err := url.Parse(ref)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Image{}, newError(KindDisplay, err, "unresolvable image reference")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return Image{}, newError(KindNetwork, err, "build download request")
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("User-Agent", c.userAgent)
	resolved, err := c.do(ctx, req)
	if err != nil {
		return Image{}, err
	}
	if !resolved.Inline() {
		return Image{}, newError(KindMalformedPayload, nil, "download returned another reference")
	}
	return resolved, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (Image, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return Image{}, newError(KindNetwork, ctxErr, "request timed out")
		}
		return Image{}, newError(KindNetwork, err, "%s %s", req.Method, req.URL.Host)
	}
	defer resp.Body.Close()

	img, err := Decode(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
	evt := c.logger.Debug()
	if err != nil {
		evt = c.logger.Warn().Err(err)
	}
	evt.Str("method", req.Method).
		Str("host", req.URL.Host).
		Int("status", resp.StatusCode).
		Str("content_type", resp.Header.Get("Content-Type")).
		Dur("elapsed", time.Since(start)).
		Msg("imagegen: response decoded")
	return img, err
}

var _ Generator = (*Client)(nil)
