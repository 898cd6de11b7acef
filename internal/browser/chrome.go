package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// BrowserKind identifies a Chromium-based browser.
type BrowserKind string

const (
	BrowserChrome   BrowserKind = "chrome"
	BrowserBrave    BrowserKind = "brave"
	BrowserEdge     BrowserKind = "edge"
	BrowserChromium BrowserKind = "chromium"
	BrowserCustom   BrowserKind = "custom"
)

// Executable is a found browser binary.
type Executable struct {
	Kind BrowserKind
	Path string
}

type candidate struct {
	kind BrowserKind
	path string
}

// FindChrome locates a Chromium-family browser. A non-empty customPath must
// exist. It returns nil without error when nothing is installed.
func FindChrome(customPath string) (*Executable, error) {
	if customPath != "" {
		if !fileExists(customPath) {
			return nil, fmt.Errorf("browser executable not found: %s", customPath)
		}
		return &Executable{Kind: BrowserCustom, Path: customPath}, nil
	}
	for _, c := range chromeCandidates(runtime.GOOS) {
		if fileExists(c.path) {
			return &Executable{Kind: c.kind, Path: c.path}, nil
		}
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return &Executable{Kind: BrowserChromium, Path: p}, nil
		}
	}
	return nil, nil
}

func chromeCandidates(goos string) []candidate {
	switch goos {
	case "darwin":
		home := os.Getenv("HOME")
		var out []candidate
		for _, app := range []candidate{
			{BrowserChrome, "Google Chrome.app/Contents/MacOS/Google Chrome"},
			{BrowserChromium, "Chromium.app/Contents/MacOS/Chromium"},
			{BrowserBrave, "Brave Browser.app/Contents/MacOS/Brave Browser"},
			{BrowserEdge, "Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
		} {
			out = append(out,
				candidate{app.kind, filepath.Join("/Applications", app.path)},
				candidate{app.kind, filepath.Join(home, "Applications", app.path)},
			)
		}
		return out
	case "linux":
		return []candidate{
			{BrowserChrome, "/usr/bin/google-chrome"},
			{BrowserChrome, "/usr/bin/google-chrome-stable"},
			{BrowserChromium, "/usr/bin/chromium"},
			{BrowserChromium, "/usr/bin/chromium-browser"},
			{BrowserChromium, "/snap/bin/chromium"},
			{BrowserBrave, "/usr/bin/brave-browser"},
			{BrowserEdge, "/usr/bin/microsoft-edge"},
		}
	case "windows":
		var out []candidate
		for _, root := range []string{os.Getenv("LOCALAPPDATA"), os.Getenv("ProgramFiles"), os.Getenv("ProgramFiles(x86)")} {
			if root == "" {
				continue
			}
			out = append(out,
				candidate{BrowserChrome, filepath.Join(root, "Google", "Chrome", "Application", "chrome.exe")},
				candidate{BrowserEdge, filepath.Join(root, "Microsoft", "Edge", "Application", "msedge.exe")},
				candidate{BrowserBrave, filepath.Join(root, "BraveSoftware", "Brave-Browser", "Application", "brave.exe")},
			)
		}
		return out
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WebSocketURL asks a CDP HTTP endpoint for its browser websocket URL.
// ws:// and wss:// URLs are returned unchanged.
func WebSocketURL(ctx context.Context, cdpURL string, timeout time.Duration) (string, error) {
	if strings.HasPrefix(cdpURL, "ws://") || strings.HasPrefix(cdpURL, "wss://") {
		return cdpURL, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	versionURL := strings.TrimSuffix(cdpURL, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cdp endpoint %s: %w", cdpURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cdp endpoint %s: status %d", cdpURL, resp.StatusCode)
	}

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("cdp endpoint %s: %w", cdpURL, err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("cdp endpoint %s: no webSocketDebuggerUrl in response", cdpURL)
	}
	return version.WebSocketDebuggerURL, nil
}
