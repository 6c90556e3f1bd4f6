package segment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fpang/mv3d-pipeline/internal/imageio"
)

// maxMaskBytes caps a downloaded mask image.
const maxMaskBytes = 64 << 20

// fetchMask downloads a candidate mask and returns it as grayscale at
// width x height. The result is not yet binarized.
func (c *Client) fetchMask(ctx context.Context, rawURL string, width, height int) (*image.Gray, error) {
	data, err := c.fetchBytes(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	img, err := imageio.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}
	return imageio.ResizeNearest(imageio.ToGray(img), width, height), nil
}

// fetchBytes resolves an http(s) URL or a data: URI. Mask URLs are public
// CDN links, so no credentials are sent.
func (c *Client) fetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURI(rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mask url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported mask url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download mask: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download mask: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMaskBytes))
	if err != nil {
		return nil, fmt.Errorf("read mask: %w", err)
	}
	return data, nil
}

// decodeDataURI decodes "data:[<mediatype>][;base64],<data>".
func decodeDataURI(uri string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data uri")
	}
	if strings.HasSuffix(header, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode data uri: %w", err)
		}
		return data, nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data uri: %w", err)
	}
	return []byte(s), nil
}

type score struct {
	value float64
	ok    bool
}

// parseScores decodes the scores list. Anything other than a JSON array
// yields no scores; entries that are not numbers (or numeric strings), and
// NaN, are unusable.
func parseScores(raw json.RawMessage) []score {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	out := make([]score, len(items))
	for i, item := range items {
		out[i] = parseScore(item)
	}
	return out
}

func parseScore(item json.RawMessage) score {
	// null unmarshals into a float64 without error.
	if bytes.Equal(bytes.TrimSpace(item), []byte("null")) {
		return score{}
	}
	var f float64
	if err := json.Unmarshal(item, &f); err == nil {
		return score{value: f, ok: true}
	}
	var s string
	if err := json.Unmarshal(item, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil && !math.IsNaN(f) {
			return score{value: f, ok: true}
		}
	}
	return score{}
}
