package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPFetcher reads GET {BaseURL}/api/v1/payments/{ref}/status.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// Fetch implements Fetcher. A 404 maps to ErrNotFound.
func (f HTTPFetcher) Fetch(ctx context.Context, ref string) (Status, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(f.BaseURL, "/") + "/api/v1/payments/" + url.PathEscape(ref) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Status{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Status{}, fmt.Errorf("poller: status endpoint responded %s", resp.Status)
	}
	var st Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("poller: decode status: %w", err)
	}
	return st, nil
}
