// Package prompt loads the system message enforced on every session.
//
// The prompt source is either a local file path or an HTTP(S) URL. URL
// sources cover the common deployment where the prompt lives in blob storage
// and is fetched through a SAS URL; no storage SDK is needed because a SAS
// URL is a plain authenticated GET.
package prompt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// maxPromptSize caps how much of a prompt source is read. Realtime session
// instructions are a few kilobytes at most; anything near this limit is a
// misconfigured source.
const maxPromptSize = 1 << 20

// fetchTimeout bounds the HTTP fetch of a URL prompt source.
const fetchTimeout = 15 * time.Second

// Load resolves a prompt source to its text. Sources starting with http://
// or https:// are fetched over HTTP; everything else is treated as a local
// file path. The result is trimmed of surrounding whitespace.
func Load(ctx context.Context, source string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("prompt: empty source")
	}

	var (
		raw []byte
		err error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		raw, err = fetchURL(ctx, source)
	} else {
		raw, err = readFile(source)
	}
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", fmt.Errorf("prompt: source %q is empty", source)
	}
	return text, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: open %q: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, maxPromptSize))
	if err != nil {
		return nil, fmt.Errorf("prompt: read %q: %w", path, err)
	}
	return raw, nil
}

func fetchURL(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("prompt: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prompt: fetch %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prompt: fetch %q: unexpected status %s", url, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPromptSize))
	if err != nil {
		return nil, fmt.Errorf("prompt: read response body: %w", err)
	}
	return raw, nil
}
