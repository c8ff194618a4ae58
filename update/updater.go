// Package update lets the CLI replace its own binary from the latest
// GitHub release.
package update

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"
)

const latestReleaseURL = "https://api.github.com/repos/openbounty/bountyd/releases/latest"

// Release is an available newer version and where to fetch the binary
// for this platform.
type Release struct {
	Version string
	URL     string
}

// Updater compares the running version against the latest published
// release.
type Updater struct {
	CurrentVersion string
	client         *http.Client
}

func New(currentVersion string) *Updater {
	return &Updater{
		CurrentVersion: currentVersion,
		client:         &http.Client{Timeout: 30 * time.Second},
	}
}

// CheckForUpdate returns the newer release, or nil when the running
// binary is current. Dev builds never update.
func (u *Updater) CheckForUpdate() (*Release, error) {
	if u.CurrentVersion == "dev" {
		return nil, nil
	}

	req, err := http.NewRequest(http.MethodGet, latestReleaseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "bounty/"+u.CurrentVersion)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github API returned %d", resp.StatusCode)
	}

	var rel struct {
		TagName string `json:"tag_name"`
		Assets  []struct {
			Name               string `json:"name"`
			BrowserDownloadURL string `json:"browser_download_url"`
		} `json:"assets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if strings.TrimPrefix(rel.TagName, "v") == strings.TrimPrefix(u.CurrentVersion, "v") {
		return nil, nil
	}

	// Release assets are named by OS and uname-style architecture.
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	for _, a := range rel.Assets {
		name := strings.ToLower(a.Name)
		if strings.Contains(name, runtime.GOOS) && strings.Contains(name, arch) {
			return &Release{Version: rel.TagName, URL: a.BrowserDownloadURL}, nil
		}
	}
	return nil, fmt.Errorf("no asset found for %s/%s", runtime.GOOS, runtime.GOARCH)
}

// ApplyUpdate downloads the release binary over the running executable.
func (u *Updater) ApplyUpdate(rel *Release) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	resp, err := u.client.Get(rel.URL) //nolint:noctx
	if err != nil {
		return fmt.Errorf("download release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "bounty-update-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), exe); err != nil {
		return fmt.Errorf("replace binary: %w", err)
	}
	return nil
}
