package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/go-resty/resty/v2"
	_ "golang.org/x/image/webp"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/logger"
)

// VisualEncoder produces the dense vector artifact for image content.
type VisualEncoder interface {
	// EncodeImage embeds raw image bytes into a dense vector.
	EncodeImage(ctx context.Context, name string, data []byte) (*domain.VectorArtifact, error)
	// EncodeText embeds a text query into the same vector space, used for
	// the vector leg of hybrid search.
	EncodeText(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// RemoteVisualEncoder calls an OpenAI-compatible multimodal embedding API.
type RemoteVisualEncoder struct {
	client     *resty.Client
	model      string
	dimensions int
}

type embeddingInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type embeddingRequest struct {
	Model string           `json:"model"`
	Input []embeddingInput `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewRemoteVisualEncoder creates an encoder backed by a remote embedding API.
func NewRemoteVisualEncoder(baseURL, apiKey, model string, dimensions int) *RemoteVisualEncoder {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &RemoteVisualEncoder{
		client:     client,
		model:      model,
		dimensions: dimensions,
	}
}

func (e *RemoteVisualEncoder) Model() string   { return e.model }
func (e *RemoteVisualEncoder) Dimensions() int { return e.dimensions }

// EncodeImage embeds the image and records its pixel dimensions.
func (e *RemoteVisualEncoder) EncodeImage(ctx context.Context, name string, data []byte) (*domain.VectorArtifact, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", name, err)
	}

	vector, err := e.embed(ctx, embeddingInput{Image: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return nil, fmt.Errorf("embed image %s: %w", name, err)
	}

	return &domain.VectorArtifact{
		Embedding:  vector,
		Dimensions: len(vector),
		Model:      e.model,
		Width:      cfg.Width,
		Height:     cfg.Height,
	}, nil
}

// EncodeText embeds a free-text query.
func (e *RemoteVisualEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embed(ctx, embeddingInput{Text: text})
	if err != nil {
		return nil, fmt.Errorf("embed text query: %w", err)
	}
	return vector, nil
}

func (e *RemoteVisualEncoder) embed(ctx context.Context, input embeddingInput) ([]float32, error) {
	started := time.Now()

	var result embeddingResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(embeddingRequest{Model: e.model, Input: []embeddingInput{input}}).
		SetResult(&result).
		Post("/embeddings")
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("embedding API returned no data")
	}

	vector := result.Data[0].Embedding
	if e.dimensions > 0 && len(vector) != e.dimensions {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", e.dimensions, len(vector))
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(started).Milliseconds(),
		logger.FieldCount:      result.Usage.TotalTokens,
	}).Debug(ctx, "embedding generated")
	return vector, nil
}
