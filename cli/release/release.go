// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package release retrieves OS image releases from a GitHub-style release
// feed. Releases may carry a manifest.json asset describing images hosted
// outside the feed itself, which bypasses the feed's asset size ceiling;
// when present, the manifest's asset list replaces the feed's.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/logger"
	"github.com/patrickmn/go-cache"
	"github.com/spruceos/imagewriter/models"
)

const (
	manifestName = "manifest.json"

	// Feed responses change rarely; cache them so repeated list/write
	// invocations in one session do not burn through the API quota.
	cacheTTL     = 15 * time.Minute
	cacheCleanup = 30 * time.Minute
)

var (
	// ErrRateLimited reports that the feed rejected the request for quota
	// reasons. Callers should wait rather than retry immediately.
	ErrRateLimited = errors.New("release feed rate limit exceeded")

	// Wrapped errors for testing.
	errStatus = errors.New("invalid status code")
	errParse  = errors.New("release parse error")
)

// httpDoer is the client contract used to fetch feed data.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Feed fetches releases for configured repositories.
type Feed struct {
	client    httpDoer
	apiBase   string
	userAgent string
	cache     *cache.Cache
}

// New returns a Feed for the public GitHub API using the provided client.
func New(client httpDoer, userAgent string) *Feed {
	return &Feed{
		client:    client,
		apiBase:   "https://api.github.com",
		userAgent: userAgent,
		cache:     cache.New(cacheTTL, cacheCleanup),
	}
}

// NewForAPI returns a Feed pointed at a non-default API base, primarily
// for testing against local servers.
func NewForAPI(client httpDoer, userAgent, apiBase string) *Feed {
	f := New(client, userAgent)
	f.apiBase = apiBase
	return f
}

// Latest returns the newest release of repo ("owner/name"), with any
// external asset manifest already applied. Results are cached briefly.
func (f *Feed) Latest(ctx context.Context, repo string) (*models.Release, error) {
	if r, ok := f.cache.Get(repo); ok {
		logger.V(2).Infof("Using cached release for %q.", repo)
		return r.(*models.Release), nil
	}

	url := fmt.Sprintf("%s/repos/%s/releases/latest", f.apiBase, repo)
	rel := &models.Release{}
	if err := f.getJSON(ctx, url, rel); err != nil {
		return nil, fmt.Errorf("latest release of %q: %w", repo, err)
	}
	if err := f.applyManifest(ctx, rel); err != nil {
		// A broken manifest leaves the feed's own assets usable.
		logger.Warningf("Ignoring release manifest for %q: %v", repo, err)
	}
	f.cache.SetDefault(repo, rel)
	return rel, nil
}

// applyManifest looks for a manifest asset in the release and, when found,
// replaces the release's assets with the manifest's external ones.
func (f *Feed) applyManifest(ctx context.Context, rel *models.Release) error {
	var url string
	for _, a := range rel.Assets {
		if strings.EqualFold(a.Name, manifestName) {
			url = a.DownloadURL
			break
		}
	}
	if url == "" {
		return nil
	}
	logger.V(1).Infof("Release %q carries %s, fetching external asset list.", rel.TagName, manifestName)
	m := &models.Manifest{}
	if err := f.getJSON(ctx, url, m); err != nil {
		return err
	}
	assets := make([]models.Asset, 0, len(m.Assets))
	for _, ma := range m.Assets {
		assets = append(assets, ma.Asset())
	}
	rel.Assets = assets
	return nil
}

func (f *Feed) getJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("http.NewRequest(%q) returned: %v", url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("request for %q returned: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%q returned 403: %w", url, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%q returned %d: %w", url, resp.StatusCode, errStatus)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %q returned %v: %w", url, err, errParse)
	}
	return nil
}

// ImageAsset returns the first asset of rel whose name carries ext, the
// configured image archive extension.
func ImageAsset(rel *models.Release, ext string) (*models.Asset, error) {
	for i := range rel.Assets {
		if strings.HasSuffix(rel.Assets[i].Name, ext) {
			return &rel.Assets[i], nil
		}
	}
	return nil, fmt.Errorf("release %q has no %q asset: %w", rel.TagName, ext, errParse)
}
