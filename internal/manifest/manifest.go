// Package manifest fetches and validates the release manifest, compares
// versions and caches the latest manifest for the check endpoint.
package manifest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrInvalid marks a manifest that failed schema validation.
var ErrInvalid = errors.New("invalid update manifest")

// maxManifestBytes caps the manifest body; it is a small JSON document.
const maxManifestBytes = 1 << 20

// Manifest describes the latest available release.
type Manifest struct {
	Version     string `json:"version"`
	ReleasedAt  string `json:"releasedAt"`
	Notes       string `json:"notes"`
	AssetName   string `json:"assetName"`
	AssetURL    string `json:"assetUrl"`
	AssetSHA256 string `json:"assetSha256"`
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	str := func(key string) string {
		s, _ := raw[key].(string)
		return strings.TrimSpace(s)
	}
	m := &Manifest{
		Version:     str("version"),
		ReleasedAt:  str("releasedAt"),
		Notes:       str("notes"),
		AssetName:   str("assetName"),
		AssetURL:    str("assetUrl"),
		AssetSHA256: str("assetSha256"),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that every required field is present and well formed.
func (m *Manifest) Validate() error {
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"version", m.Version},
		{"releasedAt", m.ReleasedAt},
		{"assetName", m.AssetName},
		{"assetUrl", m.AssetURL},
		{"assetSha256", m.AssetSHA256},
	} {
		if f.val == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	u, err := url.Parse(m.AssetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: assetUrl %q is not an http(s) URL", ErrInvalid, m.AssetURL)
	}
	if b, err := hex.DecodeString(m.AssetSHA256); err != nil || len(b) != 32 {
		return fmt.Errorf("%w: assetSha256 is not a sha256 hex digest", ErrInvalid)
	}
	if strings.ContainsAny(m.Version, `/\`) || m.Version == "." || m.Version == ".." {
		return fmt.Errorf("%w: version %q is not usable as a directory name", ErrInvalid, m.Version)
	}
	return nil
}

// Fetch downloads and validates the manifest at manifestURL.
func Fetch(ctx context.Context, client *http.Client, manifestURL string) (*Manifest, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("manifest fetch failed: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(body)
}

// FetchFunc matches Fetch with the client and url bound.
type FetchFunc func(ctx context.Context) (*Manifest, error)

// Cache keeps the last fetched manifest for TTL. It is plain injected state:
// build one per server and call Invalidate to drop it.
type Cache struct {
	TTL   time.Duration
	Fetch FetchFunc
	Now   func() time.Time

	mu        sync.Mutex
	manifest  *Manifest
	fetchedAt time.Time
}

// NewCache returns a cache over fetch with the given TTL.
func NewCache(ttl time.Duration, fetch FetchFunc) *Cache {
	return &Cache{TTL: ttl, Fetch: fetch, Now: time.Now}
}

// Get returns the cached manifest while fresh, otherwise fetches. force
// bypasses the cache but still stores the result.
func (c *Cache) Get(ctx context.Context, force bool) (*Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !force && c.manifest != nil && now.Sub(c.fetchedAt) < c.TTL {
		return c.manifest, nil
	}
	m, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.manifest = m
	c.fetchedAt = now
	return m, nil
}

// Invalidate drops the cached manifest.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifest = nil
	c.fetchedAt = time.Time{}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
