package segment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/imageio"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
)

// newTestClient creates a Client pointing at a test HTTP server with fast polling.
func newTestClient(server *httptest.Server, mode UploadMode) *Client {
	return &Client{
		httpClient:      server.Client(),
		apiKey:          "test-key",
		app:             DefaultApp,
		queueURL:        server.URL,
		storageURL:      server.URL,
		uploadMode:      mode,
		pollTimeout:     5 * time.Second,
		initialInterval: time.Millisecond,
		maxInterval:     5 * time.Millisecond,
	}
}

// maskPNG returns a w x h gray PNG whose first fgCols columns are above the
// binarization threshold and the rest below it.
func maskPNG(t *testing.T, w, h, fgCols int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(100)
			if x < fgCols {
				v = 200
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	data, err := imageio.EncodePNG(img)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func testView(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	return img
}

// fakeFal emulates the fal queue, storage and CDN endpoints.
type fakeFal struct {
	t      *testing.T
	masks  [][]byte
	scores string // raw JSON for the scores field
	// pendingPolls is how many status polls report IN_QUEUE first.
	pendingPolls int
	omitURLs     bool

	mu        sync.Mutex
	args      map[string]any
	polls     int
	uploads   int
	maskFetch int
}

func (f *fakeFal) handler(serverURL func() string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /storage/upload/initiate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Key test-key" {
			f.t.Errorf("storage initiate Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(storageInitiateResponse{
			UploadURL: serverURL() + "/upload/view.png",
			FileURL:   serverURL() + "/files/view.png",
		})
	})

	mux.HandleFunc("PUT /upload/view.png", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "image/png" {
			f.t.Errorf("upload Content-Type = %q, want image/png", ct)
		}
		f.mu.Lock()
		f.uploads++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /fal-ai/sam-3/image", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Key test-key" {
			f.t.Errorf("submit Authorization = %q", r.Header.Get("Authorization"))
		}
		var args map[string]any
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			f.t.Errorf("decode submit body: %v", err)
		}
		f.mu.Lock()
		f.args = args
		f.mu.Unlock()

		resp := queueSubmitResponse{RequestID: "req-1"}
		if !f.omitURLs {
			resp.StatusURL = serverURL() + "/fal-ai/sam-3/requests/req-1/status"
			resp.ResponseURL = serverURL() + "/fal-ai/sam-3/requests/req-1"
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("GET /fal-ai/sam-3/requests/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		n := f.polls
		f.mu.Unlock()

		status := "COMPLETED"
		if n <= f.pendingPolls {
			status = "IN_QUEUE"
		}
		json.NewEncoder(w).Encode(queueStatusResponse{Status: status})
	})

	mux.HandleFunc("GET /fal-ai/sam-3/requests/req-1", func(w http.ResponseWriter, r *http.Request) {
		var masks []string
		for i := range f.masks {
			masks = append(masks, fmt.Sprintf(`{"url": %q}`, fmt.Sprintf("%s/cdn/mask-%d.png", serverURL(), i)))
		}
		scores := f.scores
		if scores == "" {
			scores = "null"
		}
		fmt.Fprintf(w, `{"masks": [%s], "scores": %s}`, strings.Join(masks, ","), scores)
	})

	mux.HandleFunc("GET /cdn/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			f.t.Errorf("mask download must not carry credentials")
		}
		var idx int
		if _, err := fmt.Sscanf(r.PathValue("name"), "mask-%d.png", &idx); err != nil || idx >= len(f.masks) {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		f.maskFetch++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "image/png")
		w.Write(f.masks[idx])
	})

	return mux
}

func startFake(t *testing.T, f *fakeFal) *httptest.Server {
	t.Helper()
	f.t = t
	var server *httptest.Server
	server = httptest.NewServer(f.handler(func() string { return server.URL }))
	t.Cleanup(server.Close)
	return server
}

func TestCandidatesCDNUpload(t *testing.T) {
	fake := &fakeFal{
		// Masks come back at half resolution and are resized to 8x4.
		masks:        [][]byte{maskPNG(t, 4, 2, 1), maskPNG(t, 4, 2, 3)},
		scores:       `[0.9, 0.4]`,
		pendingPolls: 2,
	}
	server := startFake(t, fake)
	client := newTestClient(server, UploadCDN)

	cands, err := client.Candidates(context.Background(), testView(8, 4), Options{
		Prompt:   "  red mug ",
		PickMode: PickLargest,
		MaxMasks: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	wantAreas := []int{8, 24}
	for i, c := range cands {
		if b := c.Mask.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
			t.Errorf("candidate %d mask size = %dx%d, want 8x4", i, b.Dx(), b.Dy())
		}
		if c.Area != wantAreas[i] {
			t.Errorf("candidate %d area = %d, want %d", i, c.Area, wantAreas[i])
		}
		for _, v := range c.Mask.Pix {
			if v != 0 && v != 255 {
				t.Fatalf("candidate %d mask is not binary: %d", i, v)
			}
		}
		if !c.HasScore {
			t.Errorf("candidate %d has no score", i)
		}
	}

	if fake.uploads != 1 {
		t.Errorf("uploads = %d, want 1", fake.uploads)
	}
	if fake.polls != 3 {
		t.Errorf("polls = %d, want 3", fake.polls)
	}
	if fake.maskFetch != 2 {
		t.Errorf("mask downloads = %d, want 2", fake.maskFetch)
	}

	args := fake.args
	if args["image_url"] != server.URL+"/files/view.png" {
		t.Errorf("image_url = %v", args["image_url"])
	}
	if args["prompt"] != "red mug" {
		t.Errorf("prompt = %q, want trimmed %q", args["prompt"], "red mug")
	}
	if args["max_masks"] != float64(3) {
		t.Errorf("max_masks = %v, want 3", args["max_masks"])
	}
	for _, key := range []string{"return_multiple_masks", "include_scores", "include_boxes"} {
		if args[key] != true {
			t.Errorf("%s = %v, want true", key, args[key])
		}
	}
	if args["apply_mask"] != false {
		t.Errorf("apply_mask = %v, want false", args["apply_mask"])
	}
}

func TestExtractMainObjectBestScore(t *testing.T) {
	fake := &fakeFal{
		masks:  [][]byte{maskPNG(t, 8, 4, 6), maskPNG(t, 8, 4, 2), maskPNG(t, 8, 4, 4)},
		scores: `[0.2, null, "0.9"]`,
	}
	server := startFake(t, fake)
	client := newTestClient(server, UploadCDN)

	sel, err := client.ExtractMainObject(context.Background(), testView(8, 4), Options{
		PickMode: PickBestScore,
		MaxMasks: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Index != 2 || sel.Count != 3 || !sel.HasScore || sel.Score != 0.9 {
		t.Errorf("selection = index %d of %d, score %v (%v); want third candidate at 0.9", sel.Index, sel.Count, sel.Score, sel.HasScore)
	}
	if b := sel.Mask.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("mask size = %v, want 8x4", b.Size())
	}
	if area := imageio.Binarize(sel.Mask); area != 16 || sel.Area != 16 {
		t.Errorf("selected mask area = %d (Area %d), want 16", area, sel.Area)
	}
}

func TestExtractMainObjectNoPrompt(t *testing.T) {
	fake := &fakeFal{masks: [][]byte{maskPNG(t, 8, 4, 1)}}
	server := startFake(t, fake)
	client := newTestClient(server, UploadCDN)

	if _, err := client.ExtractMainObject(context.Background(), testView(8, 4), Options{
		Prompt:   "   ",
		PickMode: PickLargest,
		MaxMasks: 1,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := fake.args["prompt"]; ok {
		t.Errorf("blank prompt should be omitted, got %v", fake.args["prompt"])
	}
}

func TestCandidatesInlineUpload(t *testing.T) {
	fake := &fakeFal{masks: [][]byte{maskPNG(t, 8, 4, 8)}}
	server := startFake(t, fake)
	client := newTestClient(server, UploadInline)

	cands, err := client.Candidates(context.Background(), testView(8, 4), Options{PickMode: PickLargest, MaxMasks: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 1 || cands[0].Area != 32 {
		t.Errorf("unexpected candidates: %+v", cands)
	}
	if fake.uploads != 0 {
		t.Errorf("inline mode uploaded %d files", fake.uploads)
	}

	imageURL, _ := fake.args["image_url"].(string)
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(imageURL, prefix) {
		t.Fatalf("image_url = %.40q, want data URI", imageURL)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(imageURL, prefix))
	if err != nil {
		t.Fatalf("decode inline image: %v", err)
	}
	img, err := imageio.DecodeBytes(data)
	if err != nil {
		t.Fatalf("inline image is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("inline image size = %dx%d, want 8x4", b.Dx(), b.Dy())
	}
}

func TestCandidatesDerivesRequestURLs(t *testing.T) {
	fake := &fakeFal{masks: [][]byte{maskPNG(t, 8, 4, 1)}, omitURLs: true}
	server := startFake(t, fake)
	client := newTestClient(server, UploadCDN)

	if _, err := client.Candidates(context.Background(), testView(8, 4), Options{PickMode: PickLargest, MaxMasks: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.polls == 0 {
		t.Error("expected status polls on the derived URL")
	}
}

func TestCandidatesNoMasks(t *testing.T) {
	fake := &fakeFal{}
	server := startFake(t, fake)
	client := newTestClient(server, UploadCDN)

	_, err := client.Candidates(context.Background(), testView(8, 4), Options{PickMode: PickLargest, MaxMasks: 1})
	if err == nil {
		t.Fatal("expected error for empty mask list")
	}
	if runerr.KindOf(err) != runerr.KindRetrieval {
		t.Errorf("KindOf() = %v, want retrieval", runerr.KindOf(err))
	}
}

func TestCandidatesServiceErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "Submit rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"detail": "Unauthorized"}`, http.StatusUnauthorized)
			},
		},
		{
			name: "Queue failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					json.NewEncoder(w).Encode(queueSubmitResponse{RequestID: "req-1"})
					return
				}
				json.NewEncoder(w).Encode(queueStatusResponse{Status: "FAILED"})
			},
		},
		{
			name: "Completed with error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					json.NewEncoder(w).Encode(queueSubmitResponse{RequestID: "req-1"})
					return
				}
				json.NewEncoder(w).Encode(queueStatusResponse{Status: "COMPLETED", Error: "model crashed"})
			},
		},
		{
			name: "Undecodable mask",
			handler: func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodPost:
					json.NewEncoder(w).Encode(queueSubmitResponse{RequestID: "req-1"})
				case strings.HasSuffix(r.URL.Path, "/status"):
					json.NewEncoder(w).Encode(queueStatusResponse{Status: "COMPLETED"})
				default:
					fmt.Fprint(w, `{"masks": [{"url": "data:image/png;base64,bm90IGFuIGltYWdl"}]}`)
				}
			},
		},
		{
			name: "Mask without url",
			handler: func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodPost:
					json.NewEncoder(w).Encode(queueSubmitResponse{RequestID: "req-1"})
				case strings.HasSuffix(r.URL.Path, "/status"):
					json.NewEncoder(w).Encode(queueStatusResponse{Status: "COMPLETED"})
				default:
					fmt.Fprint(w, `{"masks": [{"width": 8}]}`)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := newTestClient(server, UploadInline)
			_, err := client.Candidates(context.Background(), testView(4, 4), Options{PickMode: PickLargest, MaxMasks: 1})
			if err == nil {
				t.Fatal("expected error")
			}
			if runerr.KindOf(err) != runerr.KindRetrieval {
				t.Errorf("KindOf() = %v, want retrieval (err: %v)", runerr.KindOf(err), err)
			}
		})
	}
}

func TestCandidatesPollTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(queueSubmitResponse{RequestID: "req-1"})
			return
		}
		json.NewEncoder(w).Encode(queueStatusResponse{Status: "IN_PROGRESS"})
	}))
	defer server.Close()

	client := newTestClient(server, UploadInline)
	client.pollTimeout = 50 * time.Millisecond

	_, err := client.Candidates(context.Background(), testView(4, 4), Options{PickMode: PickLargest, MaxMasks: 1})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if runerr.KindOf(err) != runerr.KindRetrieval {
		t.Errorf("KindOf() = %v, want retrieval", runerr.KindOf(err))
	}
}

func TestCandidatesInvalidOptions(t *testing.T) {
	client := NewClient("k", ClientConfig{QueueURL: "http://127.0.0.1:1"})
	_, err := client.Candidates(context.Background(), testView(4, 4), Options{PickMode: PickLargest, MaxMasks: 0})
	if runerr.KindOf(err) != runerr.KindValidation {
		t.Errorf("KindOf() = %v, want validation", runerr.KindOf(err))
	}
}

func TestDecodeDataURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{"data:text/plain;base64,aGVsbG8=", "hello", false},
		{"data:,hello%20world", "hello world", false},
		{"data:image/png;base64,!!!", "", true},
		{"data:no-comma", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := decodeDataURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeDataURI() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("decodeDataURI() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseUploadMode(t *testing.T) {
	tests := []struct {
		in      string
		want    UploadMode
		wantErr bool
	}{
		{"", UploadCDN, false},
		{"cdn", UploadCDN, false},
		{"INLINE", UploadInline, false},
		{"s3", "", true},
	}
	for _, tt := range tests {
		got, err := ParseUploadMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseUploadMode(%q) = %q, %v; want %q, wantErr %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("k", ClientConfig{QueueURL: "https://queue.example/", App: "/owner/app/sub/"})
	if c.queueURL != "https://queue.example" {
		t.Errorf("queueURL = %q", c.queueURL)
	}
	if got := c.requestURL("abc"); got != "https://queue.example/owner/app/requests/abc" {
		t.Errorf("requestURL() = %q", got)
	}
	if c.uploadMode != UploadCDN {
		t.Errorf("uploadMode = %q, want cdn", c.uploadMode)
	}
	if c.httpClient.Timeout != DefaultHTTPTimeout {
		t.Errorf("timeout = %v, want %v", c.httpClient.Timeout, DefaultHTTPTimeout)
	}
}

func TestExtractMainObjectReportsSelection(t *testing.T) {
	fake := &fakeFal{
		masks:  [][]byte{maskPNG(t, 8, 4, 2), maskPNG(t, 8, 4, 5)},
		scores: `[0.8, 0.3]`,
	}
	server := startFake(t, fake)
	client := newTestClient(server, UploadCDN)

	sel, err := client.ExtractMainObject(context.Background(), testView(8, 4), Options{PickMode: PickLargest, MaxMasks: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Index != 1 || sel.Count != 2 {
		t.Errorf("selection = index %d of %d, want 1 of 2", sel.Index, sel.Count)
	}
	if sel.Area != 20 || !sel.HasScore || sel.Score != 0.3 {
		t.Errorf("selection = area %d score %v (%v), want 20 0.3 (true)", sel.Area, sel.Score, sel.HasScore)
	}
}
