package memdriver

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// maxDocument bounds fetched documents.
const maxDocument = 16 << 20

// FetchLoader returns a Loader that reads http(s) URLs with client and
// file URLs from disk. Scripts in fetched pages do not run.
func FetchLoader(client *http.Client) func(rawURL string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(rawURL string) (string, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		switch u.Scheme {
		case "file":
			data, err := os.ReadFile(u.Path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		case "http", "https":
			resp, err := client.Get(rawURL)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return "", fmt.Errorf("%s: %w (status %d)", rawURL, ErrNotFound, resp.StatusCode)
			}
			data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocument))
			if err != nil {
				return "", err
			}
			return string(data), nil
		}
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
