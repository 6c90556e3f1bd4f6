package segment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/imageio"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultApp is the fal application serving SAM-3 image segmentation.
	DefaultApp = "fal-ai/sam-3/image"

	// DefaultQueueURL is the base URL of the fal queue API.
	DefaultQueueURL = "https://queue.fal.run"

	// DefaultStorageURL is the base URL of the fal storage API.
	DefaultStorageURL = "https://rest.alpha.fal.ai"

	// DefaultHTTPTimeout bounds every individual HTTP request.
	DefaultHTTPTimeout = 120 * time.Second

	// Queue poll settings.
	initialPollInterval = 500 * time.Millisecond
	maxPollInterval     = 5 * time.Second
	defaultPollTimeout  = 10 * time.Minute
)

// UploadMode controls how a view is handed to the service.
type UploadMode string

const (
	// UploadCDN uploads the PNG to fal storage and passes its URL.
	UploadCDN UploadMode = "cdn"
	// UploadInline embeds the PNG in the request as a data URI.
	UploadInline UploadMode = "inline"
)

// ParseUploadMode parses an upload mode name. Blank means UploadCDN.
func ParseUploadMode(s string) (UploadMode, error) {
	switch UploadMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", UploadCDN:
		return UploadCDN, nil
	case UploadInline:
		return UploadInline, nil
	}
	return "", fmt.Errorf("unknown upload mode %q (want %q or %q)", s, UploadCDN, UploadInline)
}

// ClientConfig holds the endpoints and limits of a Client. Zero values take
// the package defaults.
type ClientConfig struct {
	App         string
	QueueURL    string
	StorageURL  string
	UploadMode  UploadMode
	HTTPTimeout time.Duration
	PollTimeout time.Duration
}

// Client talks to the fal queue API. It implements Extractor.
type Client struct {
	httpClient *http.Client
	apiKey     string
	app        string
	queueURL   string
	storageURL string
	uploadMode UploadMode

	pollTimeout     time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewClient creates a fal client authenticated with apiKey (FAL_KEY).
func NewClient(apiKey string, cfg ClientConfig) *Client {
	c := &Client{
		httpClient:      &http.Client{Timeout: DefaultHTTPTimeout},
		apiKey:          apiKey,
		app:             DefaultApp,
		queueURL:        DefaultQueueURL,
		storageURL:      DefaultStorageURL,
		uploadMode:      UploadCDN,
		pollTimeout:     defaultPollTimeout,
		initialInterval: initialPollInterval,
		maxInterval:     maxPollInterval,
	}
	if cfg.App != "" {
		c.app = strings.Trim(cfg.App, "/")
	}
	if cfg.QueueURL != "" {
		c.queueURL = strings.TrimRight(cfg.QueueURL, "/")
	}
	if cfg.StorageURL != "" {
		c.storageURL = strings.TrimRight(cfg.StorageURL, "/")
	}
	if cfg.UploadMode != "" {
		c.uploadMode = cfg.UploadMode
	}
	if cfg.HTTPTimeout > 0 {
		c.httpClient.Timeout = cfg.HTTPTimeout
	}
	if cfg.PollTimeout > 0 {
		c.pollTimeout = cfg.PollTimeout
	}
	return c
}

// --- API types ---

type queueSubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type queueStatusResponse struct {
	Status      string `json:"status"` // IN_QUEUE, IN_PROGRESS, COMPLETED
	ResponseURL string `json:"response_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

type samResponse struct {
	Masks []struct {
		URL string `json:"url"`
	} `json:"masks"`
	// Scores is kept raw: the service has returned both numbers and strings.
	Scores json.RawMessage `json:"scores"`
}

type storageInitiateResponse struct {
	UploadURL string `json:"upload_url"`
	FileURL   string `json:"file_url"`
}

// --- Extraction ---

// ExtractMainObject requests candidates for img and picks the main object
// according to opts.PickMode.
func (c *Client) ExtractMainObject(ctx context.Context, img image.Image, opts Options) (*Selection, error) {
	cands, err := c.Candidates(ctx, img, opts)
	if err != nil {
		return nil, err
	}

	idx := SelectMain(cands, opts.PickMode)
	sel := &Selection{Candidate: cands[idx], Index: idx, Count: len(cands)}
	log.Debug().
		Int("candidates", sel.Count).
		Int("chosen", idx).
		Int("area", sel.Area).
		Bool("has_score", sel.HasScore).
		Float64("score", sel.Score).
		Str("pick", string(opts.PickMode)).
		Msg("Main object mask selected")
	return sel, nil
}

// Candidates runs one segmentation request and returns every candidate
// mask binarized at the dimensions of img, in service order.
func (c *Client) Candidates(ctx context.Context, img image.Image, opts Options) ([]Candidate, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()

	imageURL, err := c.imageURL(ctx, img)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindRetrieval, "segment", "upload view", err)
	}

	args := map[string]any{
		"image_url":             imageURL,
		"apply_mask":            false,
		"return_multiple_masks": true,
		"max_masks":             opts.MaxMasks,
		"include_scores":        true,
		"include_boxes":         true,
	}
	if prompt := strings.TrimSpace(opts.Prompt); prompt != "" {
		args["prompt"] = prompt
	}

	result, err := c.subscribe(ctx, args)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindRetrieval, "segment", "segmentation request", err)
	}
	if len(result.Masks) == 0 {
		return nil, runerr.New(runerr.KindRetrieval, "segment", "SAM-3 returned no masks")
	}

	scores := parseScores(result.Scores)
	cands := make([]Candidate, 0, len(result.Masks))
	for i, m := range result.Masks {
		if m.URL == "" {
			return nil, runerr.New(runerr.KindRetrieval, "segment", fmt.Sprintf("mask %d has no url", i))
		}
		mask, err := c.fetchMask(ctx, m.URL, width, height)
		if err != nil {
			return nil, runerr.Wrap(runerr.KindRetrieval, "segment", fmt.Sprintf("fetch mask %d", i), err)
		}
		area := imageio.Binarize(mask)

		cand := Candidate{Mask: mask, Area: area}
		if i < len(scores) && scores[i].ok {
			cand.Score, cand.HasScore = scores[i].value, true
		}
		cands = append(cands, cand)
	}

	log.Info().
		Int("candidates", len(cands)).
		Int("width", width).
		Int("height", height).
		Msg("SAM-3 candidates received")
	return cands, nil
}

// --- Queue protocol ---

// subscribe submits a request to the queue, waits for completion and
// returns the decoded result.
func (c *Client) subscribe(ctx context.Context, args map[string]any) (*samResponse, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}

	var submitted queueSubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, c.queueURL+"/"+c.app, body, &submitted); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	if submitted.RequestID == "" {
		return nil, fmt.Errorf("submit: no request_id returned")
	}
	if submitted.StatusURL == "" {
		submitted.StatusURL = c.requestURL(submitted.RequestID) + "/status"
	}
	if submitted.ResponseURL == "" {
		submitted.ResponseURL = c.requestURL(submitted.RequestID)
	}
	log.Debug().Str("requestId", submitted.RequestID).Str("app", c.app).Msg("Segmentation request queued")

	responseURL, err := c.waitForCompletion(ctx, submitted)
	if err != nil {
		return nil, err
	}

	var result samResponse
	if err := c.doJSON(ctx, http.MethodGet, responseURL, nil, &result); err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	return &result, nil
}

// waitForCompletion polls the request status with exponential backoff
// until COMPLETED, a failure, or the poll timeout.
func (c *Client) waitForCompletion(ctx context.Context, req queueSubmitResponse) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	interval := c.initialInterval
	for {
		var status queueStatusResponse
		if err := c.doJSON(ctx, http.MethodGet, req.StatusURL, nil, &status); err != nil {
			return "", fmt.Errorf("status of %s: %w", req.RequestID, err)
		}

		switch status.Status {
		case "COMPLETED":
			if status.Error != "" {
				return "", fmt.Errorf("request %s failed: %s", req.RequestID, status.Error)
			}
			if status.ResponseURL != "" {
				return status.ResponseURL, nil
			}
			return req.ResponseURL, nil
		case "IN_QUEUE", "IN_PROGRESS":
			log.Debug().Str("requestId", req.RequestID).Str("status", status.Status).Dur("nextPoll", interval).Msg("Segmentation pending")
		default:
			return "", fmt.Errorf("request %s: unexpected status %q", req.RequestID, status.Status)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("request %s: %w", req.RequestID, ctx.Err())
		case <-time.After(interval):
		}

		interval *= 2
		if interval > c.maxInterval {
			interval = c.maxInterval
		}
	}
}

// requestURL builds the per-request queue URL. Only the owner/name part of
// the app id addresses requests; sub-paths like "/image" are dropped.
func (c *Client) requestURL(requestID string) string {
	parts := strings.SplitN(c.app, "/", 3)
	appID := c.app
	if len(parts) >= 2 {
		appID = parts[0] + "/" + parts[1]
	}
	return fmt.Sprintf("%s/%s/requests/%s", c.queueURL, appID, requestID)
}

// doJSON sends an authenticated request and decodes a 2xx JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	startTime := time.Now()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		log.Debug().Str("method", method).Dur("duration", duration).Err(err).Msg("fal API response")
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Debug().Str("method", method).Int("statusCode", resp.StatusCode).Dur("duration", duration).Msg("fal API response")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(data), 200))
	}
	return nil
}

// --- Image upload ---

// imageURL makes img reachable by the service, either as a fal storage URL
// or as an inline data URI.
func (c *Client) imageURL(ctx context.Context, img image.Image) (string, error) {
	data, err := imageio.EncodePNG(img)
	if err != nil {
		return "", err
	}
	if c.uploadMode == UploadInline {
		return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
	}
	return c.uploadToStorage(ctx, data, "image/png", "view.png")
}

// uploadToStorage initiates a fal storage upload and PUTs data to the
// returned upload URL.
func (c *Client) uploadToStorage(ctx context.Context, data []byte, contentType, fileName string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"content_type": contentType,
		"file_name":    fileName,
	})
	if err != nil {
		return "", err
	}

	var initiated storageInitiateResponse
	endpoint := c.storageURL + "/storage/upload/initiate?storage_type=fal-cdn-v3"
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &initiated); err != nil {
		return "", fmt.Errorf("initiate upload: %w", err)
	}
	if initiated.UploadURL == "" || initiated.FileURL == "" {
		return "", fmt.Errorf("initiate upload: incomplete response")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, initiated.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload: HTTP %d", resp.StatusCode)
	}

	log.Debug().Int("bytes", len(data)).Str("fileUrl", initiated.FileURL).Msg("View uploaded to fal storage")
	return initiated.FileURL, nil
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
