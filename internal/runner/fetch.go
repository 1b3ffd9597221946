package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// allowed reports whether rawURL starts with one of the allowlisted prefixes.
// An empty allowlist refuses everything.
func allowed(rawURL string, allowlist []string) bool {
	for _, prefix := range allowlist {
		if prefix != "" && strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

// download retrieves rawURL into dir and returns the written path. The file
// name is the last path element of the URL.
func (r *Runner) download(ctx context.Context, rawURL, dir string, mode os.FileMode) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "", fmt.Errorf("%q has no file name", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("get %s: %s", rawURL, resp.Status)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, name)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", dst, err)
	}
	return dst, f.Close()
}

// stage performs a subprocess binding's fetch and install steps. Fetched
// files land in the work dir; installed files land in <work_dir>/bin, which
// is then put first on PATH.
func (r *Runner) stage(ctx context.Context, stepID, workDir, fetchURL, installURL string) (binDir string, err error) {
	if fetchURL != "" {
		if !allowed(fetchURL, r.allowFetch) {
			return "", &RunError{Kind: KindFetch, Step: stepID, Message: fmt.Sprintf("fetch from %s is not allowed", fetchURL)}
		}
		if _, err := r.download(ctx, fetchURL, workDir, 0o644); err != nil {
			return "", &RunError{Kind: KindFetch, Step: stepID, Message: "fetch failed", Err: err, Trace: err.Error()}
		}
	}
	if installURL != "" {
		if !allowed(installURL, r.allowInstall) {
			return "", &RunError{Kind: KindFetch, Step: stepID, Message: fmt.Sprintf("install from %s is not allowed", installURL)}
		}
		binDir = filepath.Join(workDir, "bin")
		if _, err := r.download(ctx, installURL, binDir, 0o755); err != nil {
			return "", &RunError{Kind: KindFetch, Step: stepID, Message: "install failed", Err: err, Trace: err.Error()}
		}
	}
	return binDir, nil
}
