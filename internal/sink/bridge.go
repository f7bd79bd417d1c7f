package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// BridgeStore talks to the platform document provider over its local
// HTTP bridge. The bridge owns the actual scoped-storage handles; this
// client only forwards the four primitives the DocumentSink needs.
type BridgeStore struct {
	baseURL string
	http    *retryablehttp.Client
}

func NewBridgeStore(baseURL string) *BridgeStore {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	client.HTTPClient.Transport = otelhttp.NewTransport(http.DefaultTransport)

	return &BridgeStore{
		baseURL: baseURL,
		http:    client,
	}
}

func (s *BridgeStore) HasPermission(ctx context.Context, treeURI string) (bool, error) {
	u := fmt.Sprintf("%s/trees/permission?uri=%s", s.baseURL, url.QueryEscape(treeURI))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to query tree permission: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("permission query returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Granted bool `json:"granted"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode permission response: %w", err)
	}

	return body.Granted, nil
}

func (s *BridgeStore) FindDocument(ctx context.Context, treeURI, name string) (string, error) {
	u := fmt.Sprintf("%s/documents/lookup?tree_uri=%s&name=%s",
		s.baseURL, url.QueryEscape(treeURI), url.QueryEscape(name))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to look up document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("document lookup returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		DocumentID string `json:"document_id"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode lookup response: %w", err)
	}

	return body.DocumentID, nil
}

func (s *BridgeStore) CreateDocument(ctx context.Context, treeURI, name, mimeType string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"tree_uri": treeURI,
		"name":     name,
		"mime":     mimeType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal create request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/documents", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("document create returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		DocumentID string `json:"document_id"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}

	return body.DocumentID, nil
}

func (s *BridgeStore) AppendDocument(ctx context.Context, docID string, data []byte) error {
	u := fmt.Sprintf("%s/documents/%s/append", s.baseURL, url.PathEscape(docID))

	// Appends are not idempotent; a retried append would duplicate bytes,
	// so this one goes through the underlying client without retries.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.http.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to append to document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("document append returned HTTP %d", resp.StatusCode)
	}

	return nil
}

func (s *BridgeStore) DeleteDocument(ctx context.Context, docID string) error {
	u := fmt.Sprintf("%s/documents/%s", s.baseURL, url.PathEscape(docID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("document delete returned HTTP %d", resp.StatusCode)
	}

	return nil
}
