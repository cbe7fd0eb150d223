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

// Package models provides data structures for release feeds and asset
// manifests.
package models

// Release models the release feed entry for a single published image
// release. The field names follow the GitHub releases API, which all
// supported feeds implement.
type Release struct {
	TagName string  `json:"tag_name"`
	Name    string  `json:"name"`
	Assets  []Asset `json:"assets"`
}

// Asset models a single downloadable artifact attached to a release.
type Asset struct {
	Name        string `json:"name"`
	Size        uint64 `json:"size"`
	DownloadURL string `json:"browser_download_url"`

	// DisplayName and Devices are populated from an external manifest when
	// one is present. They are never set by the release feed itself.
	DisplayName string `json:"display_name,omitempty"`
	Devices     string `json:"devices,omitempty"`
}

// Manifest models the optional manifest.json asset that a release may carry
// to describe artifacts hosted outside the feed, typically because they
// exceed the feed's attachment size limit.
type Manifest struct {
	Version string          `json:"version"`
	Assets  []ManifestAsset `json:"assets"`
}

// ManifestAsset is a single externally hosted artifact entry in a Manifest.
type ManifestAsset struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        uint64 `json:"size"`
	DisplayName string `json:"display_name,omitempty"`
	Devices     string `json:"devices,omitempty"`
}

// Asset converts a manifest entry into the Asset form used by the rest of
// the provisioning pipeline.
func (m ManifestAsset) Asset() Asset {
	return Asset{
		Name:        m.Name,
		Size:        m.Size,
		DownloadURL: m.URL,
		DisplayName: m.DisplayName,
		Devices:     m.Devices,
	}
}
