package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPToggler triggers IP rotation through the proxy provider's HTTP
// endpoint. The endpoint key is the proxy's port digits, appended as a
// query parameter.
type HTTPToggler struct {
	baseURL string
	client  *http.Client
}

// NewHTTPToggler creates a toggler against the given base URL.
func NewHTTPToggler(baseURL string) *HTTPToggler {
	return &HTTPToggler{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ToggleEndpoint requests an IP rotation for the endpoint.
func (t *HTTPToggler) ToggleEndpoint(ctx context.Context, endpointKey string) error {
	url := fmt.Sprintf("%s?port=%s", t.baseURL, endpointKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build toggle request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("toggle request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("toggle endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopToggler accepts every toggle without an external call. It backs
// runs without a toggle endpoint configured, where the cooldown window
// is still enforced but rotation is left to the proxy provider.
type NoopToggler struct{}

// ToggleEndpoint always succeeds.
func (NoopToggler) ToggleEndpoint(context.Context, string) error { return nil }
