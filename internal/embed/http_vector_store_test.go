// Copyright 2025 James Ross
package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/stretchr/testify/require"
)

func TestHTTPVectorStoreStoreSendsEntityAndSucceedsOn2xx(t *testing.T) {
	var gotBody vectorStoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPVectorStore(config.VectorStore{URL: srv.URL, Timeout: time.Second})
	err := s.Store(context.Background(), "tenant-1", "issues", "EXT-1")
	require.NoError(t, err)
	require.Equal(t, "tenant-1", gotBody.TenantID)
	require.Equal(t, "issues", gotBody.TableName)
	require.Equal(t, "EXT-1", gotBody.ExternalID)
}

func TestHTTPVectorStoreStoreReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("embedding model unavailable"))
	}))
	defer srv.Close()

	s := NewHTTPVectorStore(config.VectorStore{URL: srv.URL, Timeout: time.Second})
	err := s.Store(context.Background(), "tenant-1", "issues", "EXT-1")
	require.Error(t, err)
}

func TestHTTPVectorStoreStoreReturnsErrorOnUnreachableHost(t *testing.T) {
	s := NewHTTPVectorStore(config.VectorStore{URL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})
	err := s.Store(context.Background(), "tenant-1", "issues", "EXT-1")
	require.Error(t, err)
}
