// Package checkpoints provisions the SAM-3D Objects model configuration
// files into a persistent cache and links them into the reconstruction
// tool's checkout.
//
// Files are listed and fetched from the Hugging Face Hub over plain HTTP:
// every top-level file under checkpoints/ in the model repo is copied into
// the cache. The cache is not locked; two runs provisioning at the same time
// may both download (the rename into place keeps each file whole).
package checkpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCacheDir = "/data/checkpoints/hf"
	DefaultRepo     = "facebook/sam-3d-objects"
	DefaultEndpoint = "https://huggingface.co"
	DefaultRevision = "main"

	// remoteDir is the folder of the model repo holding the files.
	remoteDir = "checkpoints"

	defaultHeaderTimeout = 120 * time.Second
)

// RequiredFiles must exist in the cache after provisioning and are the
// files linked into the tool root.
var RequiredFiles = []string{"pipeline.yaml", "ss_generator.yaml"}

// Config configures a Provisioner. Zero values take the package defaults.
type Config struct {
	CacheDir string
	Repo     string
	Revision string
	Endpoint string
	// Token is an optional Hugging Face token for gated repos (HF_TOKEN).
	Token string
	// HTTPTimeout bounds waiting for response headers. Bodies can be large
	// and are not bounded.
	HTTPTimeout time.Duration
}

// Provisioner ensures checkpoint files are present in a local cache.
type Provisioner struct {
	cacheDir   string
	repo       string
	revision   string
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(cfg Config) *Provisioner {
	p := &Provisioner{
		cacheDir: DefaultCacheDir,
		repo:     DefaultRepo,
		revision: DefaultRevision,
		endpoint: DefaultEndpoint,
		token:    cfg.Token,
	}
	if cfg.CacheDir != "" {
		p.cacheDir = cfg.CacheDir
	}
	if cfg.Repo != "" {
		p.repo = strings.Trim(cfg.Repo, "/")
	}
	if cfg.Revision != "" {
		p.revision = cfg.Revision
	}
	if cfg.Endpoint != "" {
		p.endpoint = strings.TrimRight(cfg.Endpoint, "/")
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHeaderTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	p.httpClient = &http.Client{Transport: transport}
	return p
}

// CacheDir returns the directory holding the provisioned files.
func (p *Provisioner) CacheDir() string {
	return p.cacheDir
}

// Ensure makes sure every required file is in the cache, downloading the
// repo's checkpoints/ folder when any is missing.
func (p *Provisioner) Ensure(ctx context.Context) error {
	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return runerr.Wrap(runerr.KindProvisioning, "checkpoints", "create cache directory", err)
	}
	if p.complete() {
		log.Debug().Str("cache", p.cacheDir).Msg("Checkpoints already cached")
		return nil
	}

	log.Info().
		Str("repo", p.repo).
		Str("revision", p.revision).
		Bool("token", p.token != "").
		Msg("Downloading SAM-3D checkpoints")
	startTime := time.Now()

	files, err := p.listRemote(ctx)
	if err != nil {
		return err
	}

	for _, remotePath := range files {
		dst := filepath.Join(p.cacheDir, path.Base(remotePath))
		n, err := p.download(ctx, remotePath, dst)
		if err != nil {
			return runerr.Wrap(runerr.KindProvisioning, "checkpoints", "download "+remotePath, err)
		}
		log.Debug().Str("file", remotePath).Int64("bytes", n).Msg("Checkpoint file downloaded")
	}

	for _, name := range RequiredFiles {
		if !fileExists(filepath.Join(p.cacheDir, name)) {
			return runerr.New(runerr.KindProvisioning, "checkpoints", name+" still missing after download")
		}
	}

	log.Info().
		Int("files", len(files)).
		Dur("duration", time.Since(startTime)).
		Str("cache", p.cacheDir).
		Msg("Checkpoints provisioned")
	return nil
}

// Link symlinks every required file into <toolRoot>/checkpoints/hf,
// replacing whatever entry is already there.
func (p *Provisioner) Link(toolRoot string) error {
	dstDir := filepath.Join(toolRoot, "checkpoints", "hf")
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return runerr.Wrap(runerr.KindProvisioning, "checkpoints", "create link directory", err)
	}

	for _, name := range RequiredFiles {
		src := filepath.Join(p.cacheDir, name)
		dst := filepath.Join(dstDir, name)
		if _, err := os.Lstat(dst); err == nil {
			if err := os.Remove(dst); err != nil {
				return runerr.Wrap(runerr.KindProvisioning, "checkpoints", "remove stale "+name, err)
			}
		}
		if err := os.Symlink(src, dst); err != nil {
			return runerr.Wrap(runerr.KindProvisioning, "checkpoints", "link "+name, err)
		}
	}

	log.Debug().Str("dir", dstDir).Msg("Checkpoints linked into tool root")
	return nil
}

func (p *Provisioner) complete() bool {
	for _, name := range RequiredFiles {
		if !fileExists(filepath.Join(p.cacheDir, name)) {
			return false
		}
	}
	return true
}

// treeEntry is one item of the Hub tree listing.
type treeEntry struct {
	Type string `json:"type"` // file, directory
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// listRemote returns the repo paths of the top-level files in checkpoints/.
func (p *Provisioner) listRemote(ctx context.Context) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/models/%s/tree/%s/%s",
		p.endpoint, p.repo, url.PathEscape(p.revision), remoteDir)

	resp, err := p.get(ctx, endpoint)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindProvisioning, "checkpoints", "list repository", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, runerr.New(runerr.KindProvisioning, "checkpoints", "downloaded snapshot missing 'checkpoints/' folder")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, runerr.New(runerr.KindProvisioning, "checkpoints",
			fmt.Sprintf("list repository: HTTP %d", resp.StatusCode))
	}

	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, runerr.Wrap(runerr.KindProvisioning, "checkpoints", "parse repository listing", err)
	}

	var files []string
	for _, e := range entries {
		if e.Type != "file" || path.Dir(e.Path) != remoteDir {
			continue
		}
		files = append(files, e.Path)
	}
	if len(files) == 0 {
		return nil, runerr.New(runerr.KindProvisioning, "checkpoints", "downloaded snapshot missing 'checkpoints/' folder")
	}
	return files, nil
}

// download streams one repo file into dst through a temp file in the same
// directory, renamed into place once complete.
func (p *Provisioner) download(ctx context.Context, remotePath, dst string) (int64, error) {
	endpoint := fmt.Sprintf("%s/%s/resolve/%s/%s", p.endpoint, p.repo, url.PathEscape(p.revision), remotePath)

	resp, err := p.get(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename: %w", err)
	}
	return n, nil
}

func (p *Provisioner) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ErrNotProvisioned reports a cache without every required file.
var ErrNotProvisioned = errors.New("checkpoints not provisioned")

// Check returns ErrNotProvisioned when any required file is missing from
// the cache. It never touches the network.
func (p *Provisioner) Check() error {
	if !p.complete() {
		return ErrNotProvisioned
	}
	return nil
}
