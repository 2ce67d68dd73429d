package jina

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()
	customClient := &http.Client{}
	c := NewClient("test-key", WithHTTPClient(customClient))
	hc := c.(*httpClient)
	assert.Equal(t, customClient, hc.http)
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()
	c := NewClient("my-key")
	hc := c.(*httpClient)
	assert.Equal(t, "my-key", hc.apiKey)
	assert.Equal(t, "https://s.jina.ai", hc.searchBaseURL)
	assert.NotNil(t, hc.http)
	assert.Equal(t, 30*time.Second, hc.http.Timeout)
}

func TestSearch_Success(t *testing.T) {
	t.Parallel()

	want := SearchResponse{
		Code: 200,
		Data: []SearchResult{
			{
				Title:       "Jane Doe - VP Engineering - Globex",
				URL:         "https://www.linkedin.com/in/janedoe",
				Content:     "Jane leads platform engineering at Globex.",
				Description: "VP Engineering at Globex",
			},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "/Jane Doe Globex professional profile", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(want) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithSearchBaseURL(srv.URL))
	got, err := client.Search(context.Background(), "Jane Doe Globex professional profile")

	require.NoError(t, err)
	assert.Equal(t, want.Code, got.Code)
	require.Len(t, got.Data, 1)
	assert.Equal(t, want.Data[0].Title, got.Data[0].Title)
	assert.Equal(t, want.Data[0].URL, got.Data[0].URL)
}

func TestSearch_NoResults422(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient("test-key", WithSearchBaseURL(srv.URL))
	got, err := client.Search(context.Background(), "nothing matches")

	require.NoError(t, err)
	assert.Equal(t, 422, got.Code)
	assert.Empty(t, got.Data)
}

func TestSearch_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithSearchBaseURL(srv.URL))
	_, err := client.Search(context.Background(), "test query")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
}

func TestSearch_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithSearchBaseURL(srv.URL))
	_, err := client.Search(context.Background(), "test query")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
	assert.Zero(t, StatusCode(err))
}

func TestSearch_ContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("test-key", WithSearchBaseURL(srv.URL))
	_, err := client.Search(ctx, "test query")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "search request failed")
}

func TestWithSearchBaseURL(t *testing.T) {
	t.Parallel()
	c := NewClient("test-key", WithSearchBaseURL("https://custom.search.ai"))
	hc := c.(*httpClient)
	assert.Equal(t, "https://custom.search.ai", hc.searchBaseURL)
}
