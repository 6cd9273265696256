// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package openai

import (
	"context"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const (
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultEmbedBatch     = 100
)

// EmbedderConfig configures the embeddings client.
type EmbedderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Dimensions shortens the vectors when the model supports it; 0 keeps
	// the model's native width.
	Dimensions int
	// BatchSize caps the texts sent per request.
	BatchSize int
}

// Embedder implements store.Embedder with the OpenAI embeddings API.
type Embedder struct {
	client openaisdk.Client
	cfg    EmbedderConfig
}

var _ store.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embeddings client. Returns an error if the API key
// is missing.
func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, skyerr.New(skyerr.CodeProviderRequestInvalid, "openai: missing api_key for embeddings",
			skyerr.FieldProvider("openai"))
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultEmbedBatch
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Embedder{client: openaisdk.NewClient(opts...), cfg: cfg}, nil
}

// Embed returns one vector per text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		batch := texts[start:min(start+e.cfg.BatchSize, len(texts))]
		vecs, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	params := openaisdk.EmbeddingNewParams{
		Input:          openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openaisdk.EmbeddingModel(e.cfg.Model),
		EncodingFormat: openaisdk.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.cfg.Dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(e.cfg.Dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeProviderUpstreamFailure, "openai: creating embeddings",
			skyerr.FieldProvider("openai"))
	}
	if len(resp.Data) != len(texts) {
		return nil, skyerr.Errorf(skyerr.CodeProviderResponseInvalid,
			"openai: %d embeddings returned for %d inputs", len(resp.Data), len(texts))
	}

	// Data is documented to follow input order; Index is authoritative.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) || out[d.Index] != nil {
			return nil, skyerr.Errorf(skyerr.CodeProviderResponseInvalid, "openai: bad embedding index %d", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			vec[i] = float32(x)
		}
		out[d.Index] = vec
	}
	return out, nil
}
