// Package release fetches firmware release metadata and assets from
// a GitHub repository (spec.md §4.J, grounded on GitHubReleases.py).
// It is the one package in this module allowed to reach the network
// directly over net/http; everything else here talks to a device.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"motionhost/internal/motionlog"
)

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// Release mirrors the fields of GitHub's release API response that
// this package uses.
type Release struct {
	TagName    string  `json:"tag_name"`
	Name       string  `json:"name"`
	Body       string  `json:"body"`
	Prerelease bool    `json:"prerelease"`
	Assets     []Asset `json:"assets"`
	ZipballURL string  `json:"zipball_url"`
	TarballURL string  `json:"tarball_url"`
}

// HTTPError reports a non-2xx response, matching raise_for_status's
// role in the Python client.
type HTTPError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("release: %s: %s", e.URL, e.Status)
}

// Client talks to the GitHub releases API for a single owner/repo.
type Client struct {
	owner      string
	repo       string
	baseURL    string
	httpClient *http.Client
	log        *motionlog.Logger
}

// NewClient builds a Client. A nil httpClient gets a 10s timeout,
// matching GitHubReleases.py's default. A nil log falls back to
// motionlog.Default().
func NewClient(owner, repo string, httpClient *http.Client, log *motionlog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = motionlog.Default()
	}
	return &Client{
		owner:      owner,
		repo:       repo,
		baseURL:    fmt.Sprintf("https://api.github.com/repos/%s/%s", owner, repo),
		httpClient: httpClient,
		log:        log,
	}
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	url := c.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("release: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("release: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("release: decode %s: %w", url, err)
	}
	return nil
}

func isPrerelease(r Release) bool {
	if r.Prerelease {
		return true
	}
	return strings.HasPrefix(strings.ToLower(r.TagName), "pre-")
}

// ListReleases returns all releases, optionally excluding
// prereleases (flagged or tagged "pre-...").
func (c *Client) ListReleases(ctx context.Context, includePrerelease bool) ([]Release, error) {
	var releases []Release
	if err := c.get(ctx, "/releases", &releases); err != nil {
		return nil, err
	}
	if includePrerelease {
		return releases, nil
	}
	out := releases[:0]
	for _, r := range releases {
		if !isPrerelease(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetReleaseByTag fetches a single release by tag name.
func (c *Client) GetReleaseByTag(ctx context.Context, tag string) (Release, error) {
	var r Release
	err := c.get(ctx, "/releases/tags/"+tag, &r)
	return r, err
}

// GetReleaseNotes returns a release's body text.
func (c *Client) GetReleaseNotes(ctx context.Context, tag string) (string, error) {
	r, err := c.GetReleaseByTag(ctx, tag)
	if err != nil {
		return "", err
	}
	return r.Body, nil
}

// GetLatestRelease returns the most recent release. By default it
// excludes prereleases by listing and taking the first non-prerelease
// entry, since GitHub's own /releases/latest endpoint can surface a
// prerelease in edge cases.
func (c *Client) GetLatestRelease(ctx context.Context, includePrerelease bool) (Release, error) {
	if includePrerelease {
		var r Release
		err := c.get(ctx, "/releases/latest", &r)
		return r, err
	}
	releases, err := c.ListReleases(ctx, false)
	if err != nil {
		return Release{}, err
	}
	if len(releases) == 0 {
		return Release{}, fmt.Errorf("release: no releases found for %s/%s", c.owner, c.repo)
	}
	return releases[0], nil
}

func normalizeExtension(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// GetAssetList returns a release's assets, optionally filtered to a
// file extension (case-insensitive; the leading dot is optional).
func GetAssetList(r Release, extension string) []Asset {
	if extension == "" {
		return r.Assets
	}
	ext := normalizeExtension(extension)
	var out []Asset
	for _, a := range r.Assets {
		if strings.HasSuffix(strings.ToLower(a.Name), ext) {
			out = append(out, a)
		}
	}
	return out
}

// DownloadAsset streams a named asset from release to
// outputDir/assetName, creating outputDir if needed.
func (c *Client) DownloadAsset(ctx context.Context, r Release, assetName, outputDir string) (string, error) {
	var asset *Asset
	for i := range r.Assets {
		if r.Assets[i].Name == assetName {
			asset = &r.Assets[i]
			break
		}
	}
	if asset == nil {
		return "", fmt.Errorf("release: asset %q not found in release %s", assetName, r.TagName)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("release: create output dir: %w", err)
	}
	outPath := filepath.Join(outputDir, assetName)

	if err := c.streamToFile(ctx, asset.BrowserDownloadURL, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// DownloadSourceArchive downloads the release's zip or tar.gz source
// snapshot to outputDir.
func (c *Client) DownloadSourceArchive(ctx context.Context, r Release, archiveFormat, outputDir string) (string, error) {
	var url string
	switch archiveFormat {
	case "zip":
		url = r.ZipballURL
	case "tar.gz":
		url = r.TarballURL
	default:
		return "", fmt.Errorf("release: archive_format must be \"zip\" or \"tar.gz\", got %q", archiveFormat)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("release: create output dir: %w", err)
	}
	filename := fmt.Sprintf("%s-%s.%s", c.repo, r.TagName, archiveFormat)
	outPath := filepath.Join(outputDir, filename)

	if err := c.streamToFile(ctx, url, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func (c *Client) streamToFile(ctx context.Context, url, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("release: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("release: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("release: create %s: %w", outPath, err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return fmt.Errorf("release: write %s: %w", outPath, err)
	}
	c.log.Printf("release: downloaded %s (%d bytes)", outPath, n)
	return nil
}
