package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type HTTPOptions struct {
	URL     string
	APIKey  string
	Headers map[string]string
	Client  *http.Client
}

// HTTPGenerator calls the external generation service with a JSON POST.
type HTTPGenerator struct {
	url     string
	apiKey  string
	headers map[string]string
	client  *http.Client
}

func NewHTTPGenerator(opts HTTPOptions) (*HTTPGenerator, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("pipeline url is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPGenerator{
		url:     url,
		apiKey:  opts.APIKey,
		headers: opts.Headers,
		client:  client,
	}, nil
}

func (g *HTTPGenerator) Name() string {
	return "http"
}

func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return GenerateResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range g.headers {
		httpReq.Header.Set(k, v)
	}
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return GenerateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return GenerateResult{}, fmt.Errorf("pipeline returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out GenerateResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return GenerateResult{}, fmt.Errorf("decode pipeline response: %w", err)
	}
	if strings.TrimSpace(out.MediaURL) == "" {
		return GenerateResult{}, errors.New("pipeline response has no media_url")
	}
	return out, nil
}
