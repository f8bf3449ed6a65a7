package release

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient("acme", "widget", srv.Client(), nil)
	c.baseURL = srv.URL
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestListReleasesExcludesPrereleasesByFlagAndTagPrefix(t *testing.T) {
	releases := []Release{
		{TagName: "v1.2.0"},
		{TagName: "v1.3.0-rc1", Prerelease: true},
		{TagName: "pre-1.4.0"},
		{TagName: "v1.4.0"},
	}
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/releases" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		writeJSON(t, w, releases)
	})
	c := newTestClient(t, srv)

	got, err := c.ListReleases(context.Background(), false)
	if err != nil {
		t.Fatalf("ListReleases: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d releases, want 2 (v1.2.0, v1.4.0): %+v", len(got), got)
	}
	for _, r := range got {
		if r.TagName == "v1.3.0-rc1" || r.TagName == "pre-1.4.0" {
			t.Fatalf("prerelease %q leaked through the filter", r.TagName)
		}
	}
}

func TestListReleasesIncludesPrereleaseWhenRequested(t *testing.T) {
	releases := []Release{{TagName: "v1.0.0"}, {TagName: "pre-1.1.0"}}
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, releases)
	})
	c := newTestClient(t, srv)

	got, err := c.ListReleases(context.Background(), true)
	if err != nil {
		t.Fatalf("ListReleases: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d releases, want 2", len(got))
	}
}

func TestGetReleaseByTag(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/releases/tags/v2.0.0" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		writeJSON(t, w, Release{TagName: "v2.0.0", Body: "notes"})
	})
	c := newTestClient(t, srv)

	r, err := c.GetReleaseByTag(context.Background(), "v2.0.0")
	if err != nil {
		t.Fatalf("GetReleaseByTag: %v", err)
	}
	if r.TagName != "v2.0.0" || r.Body != "notes" {
		t.Fatalf("got %+v", r)
	}
}

func TestGetReleaseByTagPropagatesHTTPError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, srv)

	_, err := c.GetReleaseByTag(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatalf("expected error")
	}
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("err = %T, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("StatusCode = %d, want 404", httpErr.StatusCode)
	}
}

func TestGetLatestReleaseExcludesPrereleaseByDefault(t *testing.T) {
	releases := []Release{
		{TagName: "v1.5.0-rc1", Prerelease: true},
		{TagName: "v1.4.0"},
	}
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, releases)
	})
	c := newTestClient(t, srv)

	r, err := c.GetLatestRelease(context.Background(), false)
	if err != nil {
		t.Fatalf("GetLatestRelease: %v", err)
	}
	if r.TagName != "v1.4.0" {
		t.Fatalf("TagName = %q, want v1.4.0", r.TagName)
	}
}

func TestGetAssetListFiltersByExtensionCaseInsensitive(t *testing.T) {
	r := Release{Assets: []Asset{
		{Name: "firmware.BIN"},
		{Name: "readme.txt"},
		{Name: "firmware.dfu"},
	}}
	got := GetAssetList(r, "bin")
	if len(got) != 1 || got[0].Name != "firmware.BIN" {
		t.Fatalf("got %+v, want only firmware.BIN", got)
	}

	gotDot := GetAssetList(r, ".dfu")
	if len(gotDot) != 1 || gotDot[0].Name != "firmware.dfu" {
		t.Fatalf("got %+v, want only firmware.dfu", gotDot)
	}

	all := GetAssetList(r, "")
	if len(all) != 3 {
		t.Fatalf("got %d assets with no filter, want 3", len(all))
	}
}

func TestDownloadAssetStreamsToDisk(t *testing.T) {
	const body = "fake firmware bytes"
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/asset" {
			w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, srv)

	r := Release{
		TagName: "v1.0.0",
		Assets:  []Asset{{Name: "firmware.bin", BrowserDownloadURL: srv.URL + "/asset"}},
	}
	outDir := filepath.Join(t.TempDir(), "downloads", "nested")

	path, err := c.DownloadAsset(context.Background(), r, "firmware.bin", outDir)
	if err != nil {
		t.Fatalf("DownloadAsset: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != body {
		t.Fatalf("downloaded content = %q, want %q", got, body)
	}
}

func TestDownloadAssetMissingNameIsError(t *testing.T) {
	c := NewClient("acme", "widget", nil, nil)
	_, err := c.DownloadAsset(context.Background(), Release{}, "nope.bin", t.TempDir())
	if err == nil {
		t.Fatalf("expected error for missing asset")
	}
}

func TestDownloadSourceArchiveRejectsUnknownFormat(t *testing.T) {
	c := NewClient("acme", "widget", nil, nil)
	_, err := c.DownloadSourceArchive(context.Background(), Release{TagName: "v1.0.0"}, "rar", t.TempDir())
	if err == nil {
		t.Fatalf("expected error for unsupported archive format")
	}
}

func TestDownloadSourceArchiveStreamsZip(t *testing.T) {
	const body = "zip bytes"
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
	c := newTestClient(t, srv)

	r := Release{TagName: "v3.0.0", ZipballURL: srv.URL + "/zip"}
	path, err := c.DownloadSourceArchive(context.Background(), r, "zip", t.TempDir())
	if err != nil {
		t.Fatalf("DownloadSourceArchive: %v", err)
	}
	if filepath.Base(path) != "widget-v3.0.0.zip" {
		t.Fatalf("path = %q, want basename widget-v3.0.0.zip", path)
	}
}
