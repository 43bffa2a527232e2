// Package llm holds the language-model connection parameters handed to the
// automation engine, plus an HTTP client suited to OpenAI-compatible gateways.
package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderPackyAPI   = "packyapi"

	// CompatibleUserAgent replaces the SDK user agent for gateways that reject it.
	CompatibleUserAgent = "Mozilla/5.0 (compatible; APIClient/1.0)"

	defaultHTTPTimeout = 60 * time.Second
)

// Config describes how the engine reaches the model backend.
type Config struct {
	Provider            string
	APIBase             string
	APIKey              string
	Model               string
	CompatibleTransport bool
}

// Validate reports missing required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIBase) == "" {
		return errors.New("llm: api base is empty")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("llm: api key is empty")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("llm: model is empty")
	}
	return nil
}

// String redacts the key so configs can be logged.
func (c Config) String() string {
	return fmt.Sprintf("provider=%s base=%s model=%s compatible_transport=%t",
		c.Provider, c.APIBase, c.Model, c.CompatibleTransport)
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(clone)
}

// HTTPClient returns a client for the configured backend. Gateways flagged with
// CompatibleTransport get a browser-like User-Agent on every request.
func HTTPClient(cfg Config) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport
	if cfg.CompatibleTransport {
		transport = &userAgentTransport{base: http.DefaultTransport, userAgent: CompatibleUserAgent}
	}
	return &http.Client{Timeout: defaultHTTPTimeout, Transport: transport}
}

// Preflight checks that the backend accepts the credentials by listing models.
func Preflight(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	endpoint := strings.TrimRight(cfg.APIBase, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "llm: build preflight request")
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	resp, err := HTTPClient(cfg).Do(req)
	if err != nil {
		return errors.Wrapf(err, "llm: preflight %s", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("llm: preflight %s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
