// Package embedding implements ingestion.Encoder and rpc's query-text
// encoding dependency against an OpenAI-compatible embeddings endpoint,
// grounded on the retrieved embedding experiment's request/response
// shape and bearer-token auth header.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/memoria/memcore/internal/errs"
	"github.com/memoria/memcore/internal/record"
)

const defaultModel = "text-embedding-3-small"

// Client calls an OpenAI-compatible /embeddings endpoint and adapts its
// response to the system's fixed-width vectors.
type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewClient returns a Client pointed at the OpenAI embeddings API.
func NewClient(apiKey string) *Client {
	return &Client{
		BaseURL:    "https://api.openai.com/v1/embeddings",
		APIKey:     apiKey,
		Model:      defaultModel,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed satisfies ingestion.Encoder: one content blob in, one
// fixed-width vector out.
func (c *Client) Embed(ctx context.Context, content []byte) ([record.EmbeddingDim]float32, error) {
	var out [record.EmbeddingDim]float32

	reqBody, err := json.Marshal(embeddingRequest{
		Model:      c.Model,
		Input:      []string{string(content)},
		Dimensions: record.EmbeddingDim,
	})
	if err != nil {
		return out, errs.New("embedding.Embed", errs.KindInvariant, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(reqBody))
	if err != nil {
		return out, errs.New("embedding.Embed", errs.KindInvariant, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return out, errs.New("embedding.Embed", errs.KindRetryableTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return out, errs.New("embedding.Embed", errs.KindRetryableTransport,
			fmt.Errorf("embedding endpoint %d: %s", resp.StatusCode, string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return out, errs.New("embedding.Embed", errs.KindTerminalTransport,
			fmt.Errorf("embedding endpoint %d: %s", resp.StatusCode, string(body)))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return out, errs.New("embedding.Embed", errs.KindCorruption, err)
	}
	if len(result.Data) == 0 {
		return out, errs.New("embedding.Embed", errs.KindCorruption, errors.New("empty embedding response"))
	}
	vec := result.Data[0].Embedding
	if len(vec) != record.EmbeddingDim {
		return out, errs.New("embedding.Embed", errs.KindCorruption,
			fmt.Errorf("expected %d dims, got %d", record.EmbeddingDim, len(vec)))
	}
	copy(out[:], vec)
	return out, nil
}
