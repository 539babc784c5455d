// Package media turns stored attachment references into URLs a messaging
// provider can fetch.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var ErrMediaNotFound = errors.New("media not found")

// HTTPStore resolves refs against a public base URL, optionally checking
// that the object is reachable.
type HTTPStore struct {
	BaseURL    string
	Verify     bool
	HTTPClient *http.Client
}

func NewHTTPStore(baseURL string, verify bool, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{BaseURL: strings.TrimRight(baseURL, "/"), Verify: verify, HTTPClient: client}
}

func (s *HTTPStore) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrMediaNotFound
	}

	resolved := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		if s.BaseURL == "" {
			return "", fmt.Errorf("relative media ref %q with no MEDIA_BASE_URL", ref)
		}
		resolved = s.BaseURL + "/" + strings.TrimLeft(ref, "/")
	}
	if _, err := url.ParseRequestURI(resolved); err != nil {
		return "", fmt.Errorf("invalid media url: %w", err)
	}

	if s.Verify {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, resolved, nil)
		if err != nil {
			return "", err
		}
		resp, err := s.HTTPClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("media unreachable: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("media unreachable: status %d", resp.StatusCode)
		}
	}
	return resolved, nil
}

// MemoryStore maps refs to URLs.
type MemoryStore struct {
	mu   sync.RWMutex
	urls map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{urls: map[string]string{}}
}

func (s *MemoryStore) Put(ref, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[ref] = url
}

func (s *MemoryStore) Resolve(ctx context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.urls[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMediaNotFound, ref)
	}
	return u, nil
}
