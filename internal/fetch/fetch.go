// Package fetch downloads release archives and verifies their digest.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/relswap/internal/metrics"
)

// ErrDownloadFailed is matched by every DownloadError.
var ErrDownloadFailed = errors.New("download failed")

// DownloadError reports a non-2xx response.
type DownloadError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed: %s", e.Status)
}

func (e *DownloadError) Is(target error) bool { return target == ErrDownloadFailed }

// IntegrityError reports a digest mismatch.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sha256 mismatch for %s: expected %s, got %s", filepath.Base(e.Path), e.Expected, e.Actual)
}

// DownloadToFile streams url into target. The body goes to target+".tmp"
// first and is renamed into place only once complete, so target is either
// absent or whole.
func DownloadToFile(ctx context.Context, client *http.Client, url, target string) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return 0, err
	}
	started := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &DownloadError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	tmp := target + ".tmp"
	// #nosec G304
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(f, resp.Body)
	syncErr := f.Sync()
	closeErr := f.Close()
	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		_ = os.Remove(tmp)
		return n, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	metrics.ObserveDownload(n, time.Since(started))
	return n, nil
}

// DigestFile returns the lowercase hex SHA-256 of the file at path.
func DigestFile(path string) (string, error) {
	// #nosec G304
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares the digest of path against expected, ignoring case.
func Verify(path, expected string) error {
	actual, err := DigestFile(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return &IntegrityError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}
