package gadget

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/ulikunitz/xz"
)

// release is the subset of a GitHub release descriptor the cache needs.
type release struct {
	TagName string         `json:"tag_name"`
	Assets  []releaseAsset `json:"assets"`
}

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// PartialDownloadError reports the assets that failed during a refresh.
// Siblings that succeeded are cached and usable; failed ones stay absent and
// are retried on the next refresh.
type PartialDownloadError struct {
	Failures map[string]error
}

func (e *PartialDownloadError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("gadget: %d asset download(s) failed: %s", len(names), strings.Join(names, ", "))
}

// Refresh queries the feed for the most recent release and downloads every
// Android gadget asset not already cached, decompressing each in place.
// Downloads run concurrently; one failing does not abort the others.
// Returns the names of newly cached assets.
func (c *Cache) Refresh(ctx context.Context) ([]string, error) {
	rel, err := c.latestRelease(ctx)
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, nil
	}

	version := strings.TrimPrefix(rel.TagName, "v")
	dir := filepath.Join(c.Root, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gadget: create %s: %w", dir, err)
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		downloaded []string
		failures   = make(map[string]error)
	)
	for _, a := range rel.Assets {
		if !isGadgetAsset(a.Name) {
			continue
		}
		dest := filepath.Join(dir, strings.TrimSuffix(a.Name, ".xz"))
		if _, err := os.Stat(dest); err == nil {
			continue // already unpacked
		}

		wg.Add(1)
		go func(a releaseAsset, dest string) {
			defer wg.Done()
			log.WithField("asset", a.Name).Info("downloading gadget")
			err := c.download(ctx, a.BrowserDownloadURL, dest)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[a.Name] = err
				return
			}
			downloaded = append(downloaded, filepath.Base(dest))
		}(a, dest)
	}
	wg.Wait()

	sort.Strings(downloaded)
	if len(failures) > 0 {
		return downloaded, &PartialDownloadError{Failures: failures}
	}
	return downloaded, nil
}

// latestRelease fetches the feed and returns its first (most recent) entry,
// or nil if the feed is empty.
func (c *Cache) latestRelease(ctx context.Context) (*release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gadget: feed request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gadget: query feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gadget: feed returned %s", resp.Status)
	}

	var releases []release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("gadget: decode feed: %w", err)
	}
	if len(releases) == 0 {
		return nil, nil
	}
	return &releases[0], nil
}

// isGadgetAsset matches xz-compressed Android gadget builds, e.g.
// "frida-gadget-17.2.16-android-arm64.so.xz".
func isGadgetAsset(name string) bool {
	return strings.HasPrefix(name, "frida-gadget-") &&
		strings.Contains(name, "-android-") &&
		strings.HasSuffix(name, ".so.xz")
}

// download fetches one xz-compressed asset and writes the decompressed
// binary to dest via a temp file in the same directory.
func (c *Cache) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("gadget: request %s: %w", url, err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("gadget: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gadget: get %s: %s", url, resp.Status)
	}

	xr, err := xz.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("gadget: xz %s: %w", url, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".gadget-*")
	if err != nil {
		return fmt.Errorf("gadget: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, xr); err != nil {
		tmp.Close()
		return fmt.Errorf("gadget: decompress %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("gadget: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("gadget: move into cache: %w", err)
	}
	return nil
}
