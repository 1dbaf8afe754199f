package genai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiGenerateBooksParsesStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": ` +
			`"[{\"title\":\"Dune\",\"author\":\"Frank Herbert\",\"format\":\"Hardcover\",\"publication_year\":1965}]"` +
			`}]}}]}`))
	}))
	defer srv.Close()

	c := &GeminiClient{http: srv.Client(), apiKey: "test", url: srv.URL}
	books, err := c.GenerateBooks(context.Background(), "list 1 book", 1)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "Dune", books[0].Title)
	assert.Equal(t, "Frank Herbert", books[0].Author)
	assert.Equal(t, 1965, books[0].PublicationYear)
}

func TestGeminiNameIsGemini(t *testing.T) {
	c := NewGemini("key")
	assert.Equal(t, "gemini", c.Name())
}

func TestXAIGenerateBooksParsesStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": ` +
			`"[{\"title\":\"Dune\",\"author\":\"Frank Herbert\",\"format\":\"Paperback\",\"publication_year\":1965}]"` +
			`}}]}`))
	}))
	defer srv.Close()

	c := &XAIClient{http: srv.Client(), apiKey: "test", url: srv.URL}
	books, err := c.GenerateBooks(context.Background(), "list 1 book", 1)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "Dune", books[0].Title)
	assert.Equal(t, "Paperback", books[0].Format)
}

func TestXAINameIsXAI(t *testing.T) {
	c := NewXAI("key")
	assert.Equal(t, "xai", c.Name())
}
