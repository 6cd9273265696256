// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package codex is a guardrail backend that calls a hosted Codex
// validation project over HTTP.
package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/skyguard-dev/skyguard/internal/guardrail"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// DefaultBaseURL is the hosted Codex API.
const DefaultBaseURL = "https://api-codex.cleanlab.ai"

const maxErrorBody = 4 << 10

// Config holds Codex client configuration.
type Config struct {
	APIKey    string
	ProjectID string
	BaseURL   string // optional, defaults to DefaultBaseURL

	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
}

// Client implements guardrail.Backend against the Codex project API.
type Client struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

var _ guardrail.Backend = (*Client)(nil)

// New creates a Codex client. The API key and project id are required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, skyerr.New(skyerr.CodeConfigValidateInvalidValue, "codex: api key is required")
	}
	if cfg.ProjectID == "" {
		return nil, skyerr.New(skyerr.CodeConfigValidateInvalidValue, "codex: project id is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, skyerr.Wrapf(err, skyerr.CodeConfigValidateInvalidValue, "codex: invalid base url %q", base)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(base, "/") + "/api/projects/" + url.PathEscape(cfg.ProjectID),
		http:     hc,
	}, nil
}

// Validate posts a validation request.
func (c *Client) Validate(ctx context.Context, req *guardrail.ValidateRequest) (*guardrail.ValidateResponse, error) {
	var resp guardrail.ValidateResponse
	if err := c.post(ctx, "/validate", req, &resp, skyerr.CodeGuardrailValidateUnavailable); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Consult asks for guidance on a query.
func (c *Client) Consult(ctx context.Context, req *guardrail.ConsultRequest) ([]string, error) {
	var resp struct {
		Guidance []string `json:"guidance"`
	}
	if err := c.post(ctx, "/consult", req, &resp, skyerr.CodeGuardrailConsultUnavailable); err != nil {
		return nil, err
	}
	return resp.Guidance, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any, unavailable skyerr.Code) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return skyerr.Wrap(err, skyerr.CodeGuardrailResponseInvalid, "codex: encoding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return skyerr.Wrap(err, skyerr.CodeGuardrailResponseInvalid, "codex: building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Left uncoded so the caller can tell cancellation from timeout.
			return fmt.Errorf("codex %s: %w", path, err)
		}
		return skyerr.Wrapf(err, unavailable, "codex %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return skyerr.Errorf(unavailable, "codex %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return skyerr.Wrapf(err, skyerr.CodeGuardrailResponseInvalid, "codex %s: decoding response", path)
	}
	return nil
}
