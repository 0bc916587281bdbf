// Package hub downloads model artifacts from a Hugging Face compatible model
// registry into a local cache directory.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const DefaultURL = "https://huggingface.co"

// Client fetches files from {BaseURL}/{model}/resolve/{revision}/{file}.
type Client struct {
	BaseURL    string
	Token      string
	CacheDir   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// StatusError is returned for non-200 registry responses.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry returned %d for %s", e.Status, e.URL)
}

// Fetch makes sure every file exists under the cache directory for modelID at
// revision and returns that directory. Cached files are not downloaded again.
// A file whose name starts with "?" is optional: a 404 for it is ignored.
func (c *Client) Fetch(ctx context.Context, modelID, revision string, files ...string) (string, error) {
	if err := validateModelID(modelID); err != nil {
		return "", err
	}
	if revision == "" {
		revision = "main"
	}
	if err := validateRevision(revision); err != nil {
		return "", err
	}
	dir := filepath.Join(c.CacheDir, filepath.FromSlash(modelID), filepath.FromSlash(revision))

	for _, f := range files {
		optional := strings.HasPrefix(f, "?")
		f = strings.TrimPrefix(f, "?")
		if f == "" || path.IsAbs(f) || strings.Contains(f, "..") {
			return "", fmt.Errorf("invalid model file %q", f)
		}

		dst := filepath.Join(dir, filepath.FromSlash(f))
		if _, err := os.Stat(dst); err == nil {
			continue
		}

		err := c.download(ctx, modelID, revision, f, dst)
		var statusErr *StatusError
		if optional && errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
			c.logger().Warn("optional model file not found", "model", modelID, "file", f)
			continue
		}
		if err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (c *Client) download(ctx context.Context, modelID, revision, file, dst string) error {
	base := c.BaseURL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("invalid registry url: %w", err)
	}
	u.Path = path.Join("/", u.Path, modelID, "resolve", revision, file)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", file, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: u.String(), Status: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	// Write to a temp file first so an interrupted download never looks cached.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to store %s: %w", file, err)
	}

	c.logger().Info("downloaded model file", "model", modelID, "file", file, "bytes", n)
	return nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// validateModelID accepts "name" or "owner/name" without path tricks.
func validateModelID(id string) error {
	if id == "" {
		return errors.New("model id is empty")
	}
	parts := strings.Split(id, "/")
	if len(parts) > 2 {
		return fmt.Errorf("invalid model id %q", id)
	}
	if !cleanSegments(parts) {
		return fmt.Errorf("invalid model id %q", id)
	}
	return nil
}

// validateRevision accepts branch names, tags, commit hashes and refs such
// as "refs/pr/1". Every segment has to stay inside the cache directory.
func validateRevision(rev string) error {
	if !cleanSegments(strings.Split(rev, "/")) {
		return fmt.Errorf("invalid revision %q", rev)
	}
	return nil
}

func cleanSegments(parts []string) bool {
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `\:`) {
			return false
		}
	}
	return true
}
