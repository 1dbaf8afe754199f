// Package genai implements the backfill AI book-list generators (spec.md
// §4.5): structured-output requests against Gemini and xAI, dispatched
// concurrently by the backfill orchestrator's concurrent-aggregate
// strategy. Grounded on the teacher's JSON-decode-into-struct REST client
// style (internal/hardcover.go) for request/response handling, and on
// internal/retry (itself grounded on the teacher's throttledTransport) for
// the 3-attempt/base-1s backoff spec.md §4.5 specifies.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
	"github.com/jukasdrj/alexandria-enrich/internal/providers"
	"github.com/jukasdrj/alexandria-enrich/internal/retry"
)

const timeout = 60 * time.Second

var backoffPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

// candidateSchema describes the structured-output shape both providers
// are asked to conform to: an array of
// {title, author, publisher?, format, publication_year, significance?}.
const candidateSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "title": {"type": "string"},
      "author": {"type": "string"},
      "publisher": {"type": "string"},
      "format": {"type": "string", "enum": ["Hardcover", "Paperback", "eBook", "Audiobook", "Unknown"]},
      "publication_year": {"type": "integer"},
      "significance": {"type": "string"}
    },
    "required": ["title", "author", "format", "publication_year"]
  }
}`

type candidateJSON struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	Publisher       string `json:"publisher"`
	Format          string `json:"format"`
	PublicationYear int    `json:"publication_year"`
	Significance    string `json:"significance"`
}

func toGeneratedBooks(candidates []candidateJSON) []providers.GeneratedBook {
	out := make([]providers.GeneratedBook, 0, len(candidates))
	for _, c := range candidates {
		format := c.Format
		if format == "" {
			format = "Unknown"
		}
		out = append(out, providers.GeneratedBook{
			Title:           c.Title,
			Author:          c.Author,
			Publisher:       c.Publisher,
			Format:          format,
			PublicationYear: c.PublicationYear,
			Significance:    c.Significance,
		})
	}
	return out
}

// GeminiClient generates candidates via Google's Generative Language API.
type GeminiClient struct {
	http   *http.Client
	apiKey string
	url    string // override for tests
}

var _ providers.Generator = (*GeminiClient)(nil)

// NewGemini builds a GeminiClient authenticated with apiKey.
func NewGemini(apiKey string) *GeminiClient {
	return &GeminiClient{
		http:   &http.Client{Timeout: timeout},
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
	}
}

func (c *GeminiClient) Name() string { return "gemini" }

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
	GenerationConfig struct {
		ResponseMIMEType string `json:"responseMimeType"`
		ResponseSchema   json.RawMessage `json:"responseSchema"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// GenerateBooks issues one structured-output request to Gemini, retrying
// per spec.md §4.5 (3 attempts, base 1s, no retry on 4xx except 429).
func (c *GeminiClient) GenerateBooks(ctx context.Context, prompt string, n int) ([]providers.GeneratedBook, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody := geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}}
	reqBody.GenerationConfig.ResponseMIMEType = "application/json"
	reqBody.GenerationConfig.ResponseSchema = json.RawMessage(candidateSchema)

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	var parsed geminiResponse
	err = retry.Do(ctx, backoffPolicy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"?key="+c.apiKey, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return &apperr.ProviderTransient{Provider: c.Name(), Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return &apperr.ProviderConfiguration{Provider: c.Name(), Err: apperr.StatusErr(resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusOK {
			return &apperr.ProviderTransient{Provider: c.Name(), Err: apperr.StatusErr(resp.StatusCode)}
		}

		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decoding gemini response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, nil
	}

	var candidates []candidateJSON
	if err := json.Unmarshal([]byte(parsed.Candidates[0].Content.Parts[0].Text), &candidates); err != nil {
		return nil, fmt.Errorf("decoding gemini structured output: %w", err)
	}

	return toGeneratedBooks(candidates), nil
}

// XAIClient generates candidates via x.ai's OpenAI-compatible chat
// completions API with a JSON schema response format.
type XAIClient struct {
	http   *http.Client
	apiKey string
	url    string // override for tests
}

var _ providers.Generator = (*XAIClient)(nil)

// NewXAI builds an XAIClient authenticated with apiKey.
func NewXAI(apiKey string) *XAIClient {
	return &XAIClient{
		http:   &http.Client{Timeout: timeout},
		apiKey: apiKey,
		url:    "https://api.x.ai/v1/chat/completions",
	}
}

func (c *XAIClient) Name() string { return "xai" }

type xaiRequest struct {
	Model          string          `json:"model"`
	Messages       []xaiMessage    `json:"messages"`
	ResponseFormat xaiResponseSpec `json:"response_format"`
}

type xaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type xaiResponseSpec struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type xaiResponse struct {
	Choices []struct {
		Message xaiMessage `json:"message"`
	} `json:"choices"`
}

// GenerateBooks issues one structured-output chat completion to xAI,
// retrying per spec.md §4.5.
func (c *XAIClient) GenerateBooks(ctx context.Context, prompt string, n int) ([]providers.GeneratedBook, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody := xaiRequest{
		Model:    "grok-2-latest",
		Messages: []xaiMessage{{Role: "user", Content: prompt}},
		ResponseFormat: xaiResponseSpec{
			Type:       "json_schema",
			JSONSchema: json.RawMessage(candidateSchema),
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	var parsed xaiResponse
	err = retry.Do(ctx, backoffPolicy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return &apperr.ProviderTransient{Provider: c.Name(), Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return &apperr.ProviderConfiguration{Provider: c.Name(), Err: apperr.StatusErr(resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusOK {
			return &apperr.ProviderTransient{Provider: c.Name(), Err: apperr.StatusErr(resp.StatusCode)}
		}

		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decoding xai response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(parsed.Choices) == 0 {
		return nil, nil
	}

	var candidates []candidateJSON
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &candidates); err != nil {
		return nil, fmt.Errorf("decoding xai structured output: %w", err)
	}

	return toGeneratedBooks(candidates), nil
}
