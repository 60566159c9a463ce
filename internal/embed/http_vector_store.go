// Copyright 2025 James Ross
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
)

// HTTPVectorStore delegates embedding computation and storage to an external
// service over HTTP. The service owns the embedding model and the index;
// this client only needs to hand it the entity coordinates and report
// whether it accepted them.
type HTTPVectorStore struct {
	url  string
	http *http.Client
}

func NewHTTPVectorStore(cfg config.VectorStore) *HTTPVectorStore {
	return &HTTPVectorStore{
		url:  cfg.URL,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type vectorStoreRequest struct {
	TenantID   string `json:"tenant_id"`
	TableName  string `json:"table_name"`
	ExternalID string `json:"external_id"`
}

// Store asks the remote vector store to embed and index one canonical
// entity. A 2xx response means accepted; any other status or a transport
// error is returned for the caller's retry loop.
func (s *HTTPVectorStore) Store(ctx context.Context, tenantID, tableName, externalID string) error {
	body, err := json.Marshal(vectorStoreRequest{TenantID: tenantID, TableName: tableName, ExternalID: externalID})
	if err != nil {
		return fmt.Errorf("encode vector store request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build vector store request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("vector store request for %s/%s: %w", tableName, externalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("vector store rejected %s/%s: status %d: %s", tableName, externalID, resp.StatusCode, msg)
	}
	return nil
}

var _ VectorStore = (*HTTPVectorStore)(nil)
