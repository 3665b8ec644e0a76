// Package gadget maintains a local, version-keyed cache of frida-gadget
// binaries per Android ABI, filled on demand from the frida release feed.
//
// Cache layout: <root>/<version>/frida-gadget-<version>-android-<abi>.so.
// The cache is never pruned. Concurrent processes sharing one root are not
// synchronized; this is a single-operator tool.
package gadget

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DefaultFeedURL is the frida release feed. Only the most recent release is
// ever consulted.
const DefaultFeedURL = "https://api.github.com/repos/frida/frida/releases"

var ErrCacheMiss = errors.New("gadget: no usable gadget asset in cache")

// Cache resolves gadget binaries for ABIs out of a version-keyed directory
// tree, refreshing from the release feed when empty.
type Cache struct {
	Root    string
	FeedURL string
	Client  *http.Client
}

// New returns a cache rooted at dir. The feed URL and HTTP client can be
// overridden before use; timeouts are the client's business.
func New(dir string) *Cache {
	return &Cache{
		Root:    dir,
		FeedURL: DefaultFeedURL,
		Client:  http.DefaultClient,
	}
}

// DefaultRoot returns ~/.cache/apkpatch/gadgets.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("gadget: home dir: %w", err)
	}
	return filepath.Join(home, ".cache", "apkpatch", "gadgets"), nil
}

// Versions lists cached release versions in ascending semantic-version
// order. Directory names that do not parse as versions are ignored.
func (c *Cache) Versions() ([]*semver.Version, error) {
	entries, err := os.ReadDir(c.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gadget: read cache root: %w", err)
	}
	var versions []*semver.Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.NewVersion(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Sort(semver.Collection(versions))
	return versions, nil
}

// Latest returns the highest cached version, or ErrCacheMiss.
func (c *Cache) Latest() (*semver.Version, error) {
	versions, err := c.Versions()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrCacheMiss
	}
	return versions[len(versions)-1], nil
}

// ResolveLatestAsset returns the path of the cached gadget binary for abi
// (arm, arm64, x86, x86_64) in the highest cached version. An empty cache
// triggers exactly one refresh before the lookup is retried; if the feed is
// persistently empty the result is ErrCacheMiss, not another refresh.
func (c *Cache) ResolveLatestAsset(ctx context.Context, abi string) (string, error) {
	path, err := c.lookup(abi)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return "", err
	}

	if _, err := c.Refresh(ctx); err != nil {
		// Partial download failure may still have cached the asset we
		// need; anything else aborts.
		var pd *PartialDownloadError
		if !errors.As(err, &pd) {
			return "", err
		}
	}
	return c.lookup(abi)
}

func (c *Cache) lookup(abi string) (string, error) {
	latest, err := c.Latest()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(c.Root, latest.Original())
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("gadget: read %s: %w", dir, err)
	}
	suffix := "-android-" + abi + ".so"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "frida-gadget-") && strings.HasSuffix(e.Name(), suffix) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: no %s asset in version %s", ErrCacheMiss, abi, latest)
}
