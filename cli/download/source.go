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

package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
)

// httpDoer represents an http client that can retrieve files with the Do
// method.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// source abstracts where image bytes are fetched from. Implementations
// exist for plain HTTP(S) endpoints and for Cloud Storage objects
// addressed with gs:// URLs.
type source interface {
	// openRange returns a reader over the inclusive byte range [start, end].
	openRange(ctx context.Context, start, end uint64) (io.ReadCloser, error)

	// open returns a reader over the entire resource.
	open(ctx context.Context) (io.ReadCloser, error)

	// supportsRange reports whether ranged reads are available.
	supportsRange(ctx context.Context) (bool, error)

	// size returns the total size of the resource in bytes.
	size(ctx context.Context) (uint64, error)
}

var (
	// Dependency injection for testing.
	newStorageClient = func(ctx context.Context) (*storage.Client, error) {
		return storage.NewClient(ctx)
	}
)

// newSource selects a source implementation for the given URL.
func newSource(ctx context.Context, client httpDoer, url string) (source, error) {
	if strings.HasPrefix(url, "gs://") {
		return newGCSSource(ctx, url)
	}
	if client == nil {
		return nil, fmt.Errorf("empty http client: %w", errTransport)
	}
	return &httpSource{client: client, url: url}, nil
}

// httpSource fetches bytes from an HTTP(S) endpoint.
type httpSource struct {
	client httpDoer
	url    string
}

func (s *httpSource) supportsRange(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "HEAD", s.url, nil)
	if err != nil {
		return false, fmt.Errorf(`http.NewRequest("HEAD", %q) returned %v`, s.url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("HEAD for %q returned %v: %w", s.url, err, errTransport)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: HEAD for %q returned %d", errStatus, s.url, resp.StatusCode)
	}
	return resp.Header.Get("Accept-Ranges") == "bytes", nil
}

func (s *httpSource) size(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, "HEAD", s.url, nil)
	if err != nil {
		return 0, fmt.Errorf(`http.NewRequest("HEAD", %q) returned %v`, s.url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HEAD for %q returned %v: %w", s.url, err, errTransport)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HEAD for %q returned %d", errStatus, s.url, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("%w: HEAD for %q reported no content length", errStatus, s.url)
	}
	return uint64(resp.ContentLength), nil
}

func (s *httpSource) openRange(ctx context.Context, start, end uint64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return nil, fmt.Errorf(`http.NewRequest("GET", %q) returned %v`, s.url, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get for %q returned %v: %w", s.url, err, errTransport)
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: ranged get for %q returned %d, want %d", errStatus, s.url, resp.StatusCode, http.StatusPartialContent)
	}
	return resp.Body, nil
}

func (s *httpSource) open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return nil, fmt.Errorf(`http.NewRequest("GET", %q) returned %v`, s.url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get for %q returned %v: %w", s.url, err, errTransport)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w for %q with response %d", errStatus, s.url, resp.StatusCode)
	}
	return resp.Body, nil
}

// gcsSource fetches bytes from a Cloud Storage object. Range reads map
// directly onto object range readers, so ranges are always supported.
type gcsSource struct {
	object *storage.ObjectHandle
}

func newGCSSource(ctx context.Context, url string) (*gcsSource, error) {
	trimmed := strings.TrimPrefix(url, "gs://")
	bucket, object, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || object == "" {
		return nil, fmt.Errorf("%q is not a valid gs://bucket/object url: %w", url, errTransport)
	}
	client, err := newStorageClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient returned %v: %w", err, errTransport)
	}
	return &gcsSource{object: client.Bucket(bucket).Object(object)}, nil
}

func (s *gcsSource) supportsRange(context.Context) (bool, error) {
	return true, nil
}

func (s *gcsSource) size(ctx context.Context) (uint64, error) {
	attrs, err := s.object.Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("object.Attrs returned %v: %w", err, errTransport)
	}
	return uint64(attrs.Size), nil
}

func (s *gcsSource) openRange(ctx context.Context, start, end uint64) (io.ReadCloser, error) {
	r, err := s.object.NewRangeReader(ctx, int64(start), int64(end-start+1))
	if err != nil {
		return nil, fmt.Errorf("NewRangeReader(%d, %d) returned %v: %w", start, end, err, errTransport)
	}
	return r, nil
}

func (s *gcsSource) open(ctx context.Context) (io.ReadCloser, error) {
	r, err := s.object.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewReader returned %v: %w", err, errTransport)
	}
	return r, nil
}
