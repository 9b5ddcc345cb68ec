// File path: internal/vector/chromadb.go
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/common"
	"github.com/nicodishanthj/codeatlas/internal/common/telemetry"
)

// Store is the vector index surface the pipeline and retriever depend on.
type Store interface {
	Available() bool
	Collection() string
	EnsureCollection(ctx context.Context, dim int) error
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, req QueryRequest) ([]Match, error)
	DeleteByCodebase(ctx context.Context, codebaseID string) error
	Count(ctx context.Context, codebaseID string) (int, error)
}

// Record is one chunk ready for indexing.
type Record struct {
	ID        string
	Embedding []float32
	Document  string
	Metadata  map[string]interface{}
}

// QueryRequest scopes a similarity search to one codebase, optionally
// narrowed by chunk metadata.
type QueryRequest struct {
	Embedding  []float32
	CodebaseID string
	Filters    Filters
	Limit      int
}

// Filters narrows a query by indexed chunk metadata. Zero-value fields
// are ignored; set fields are combined as a conjunction.
type Filters struct {
	Language  string
	ChunkType string
	FilePath  string
}

func (f Filters) IsZero() bool {
	return f.Language == "" && f.ChunkType == "" && f.FilePath == ""
}

// Match is a scored query hit. Score is 1/(1+distance).
type Match struct {
	ID       string
	Score    float32
	Document string
	Metadata map[string]interface{}
}

type Client struct {
	httpClient *http.Client
	transport  *http.Transport

	baseURL      string
	collection   string
	collectionID string
	available    bool
	apiKey       string
	dimension    int

	cfg Config

	mu sync.RWMutex
}

func NewFromEnv(ctx context.Context) (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New constructs a client using the provided configuration. A failed probe
// leaves the client constructed but unavailable; callers gate on Available.
func New(ctx context.Context, cfg Config) (*Client, error) {
	baseURL := fmt.Sprintf("%s://%s:%s/api/v1", cfg.Scheme, cfg.Host, cfg.Port)
	logger := common.Logger()
	logger.Info(
		"vector: initializing chromadb client",
		"host", cfg.Host,
		"port", cfg.Port,
		"collection", cfg.Collection,
		"timeout", cfg.Timeout,
	)

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	client := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		transport:  transport,
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: cfg.Collection,
		apiKey:     cfg.APIKey,
		cfg:        cfg,
	}

	if err := client.ensureReady(ctx); err != nil {
		logger.Warn("vector: chromadb initialization failed", "collection", cfg.Collection, "error", err)
		return client, nil
	}
	logger.Info("vector: chromadb connection established")
	return client, nil
}

func (c *Client) Available() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

func (c *Client) Collection() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collection
}

func (c *Client) ensureReady(ctx context.Context) error {
	if c == nil {
		return errors.New("chromadb client not configured")
	}
	c.mu.RLock()
	available := c.available
	collectionID := c.collectionID
	c.mu.RUnlock()

	if available && collectionID != "" {
		return nil
	}
	maxAttempts := c.cfg.ProbeAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = c.health(ctx)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			c.setAvailable(false)
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
		}
	}
	if err != nil {
		c.setAvailable(false)
		return err
	}
	if err = c.ensureCollectionID(ctx); err != nil {
		c.setAvailable(false)
		return err
	}
	c.setAvailable(true)
	return nil
}

func (c *Client) setAvailable(v bool) {
	c.mu.Lock()
	c.available = v
	c.mu.Unlock()
}

// EnsureCollection verifies the store is reachable and pins the embedding
// dimension. A dimension change against a pinned collection is a conflict.
func (c *Client) EnsureCollection(ctx context.Context, dim int) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	if dim <= 0 {
		return errors.New("invalid vector dimension")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dimension != 0 && c.dimension != dim {
		return fmt.Errorf("collection %s pinned to dimension %d, got %d: %w", c.collection, c.dimension, dim, errConflict)
	}
	c.dimension = dim
	return nil
}

// Upsert writes records in batches. Embedding lengths must match the pinned
// dimension when one is set.
func (c *Client) Upsert(ctx context.Context, records []Record) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	c.mu.RLock()
	dim := c.dimension
	collectionID := c.collectionID
	c.mu.RUnlock()

	batchSize := c.cfg.UpsertBatch
	if batchSize <= 0 {
		batchSize = 128
	}
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		ids := make([]string, 0, len(batch))
		embeddings := make([][]float32, 0, len(batch))
		documents := make([]string, 0, len(batch))
		metadatas := make([]map[string]interface{}, 0, len(batch))
		for _, rec := range batch {
			if dim != 0 && len(rec.Embedding) != dim {
				return fmt.Errorf("record %s embedding dimension %d, collection pinned to %d: %w", rec.ID, len(rec.Embedding), dim, errConflict)
			}
			ids = append(ids, rec.ID)
			embeddings = append(embeddings, rec.Embedding)
			documents = append(documents, rec.Document)
			metadatas = append(metadatas, rec.Metadata)
		}
		payload := map[string]interface{}{
			"ids":        ids,
			"documents":  documents,
			"metadatas":  metadatas,
			"embeddings": embeddings,
		}
		endpoint := fmt.Sprintf("%s/collections/%s/upsert", c.baseURL, url.PathEscape(collectionID))
		if err := c.doRequest(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
			if errors.Is(err, errNotFound) {
				fallback := fmt.Sprintf("%s/collections/%s/add", c.baseURL, url.PathEscape(collectionID))
				if fallbackErr := c.doRequest(ctx, http.MethodPost, fallback, payload, nil); fallbackErr != nil {
					return fallbackErr
				}
				continue
			}
			return err
		}
	}
	return nil
}

// Query runs a similarity search filtered to the requested codebase.
func (c *Client) Query(ctx context.Context, req QueryRequest) ([]Match, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	body := map[string]interface{}{
		"query_embeddings": [][]float32{req.Embedding},
		"n_results":        limit,
	}
	if where := whereClause(req.CodebaseID, req.Filters); where != nil {
		body["where"] = where
	}
	c.mu.RLock()
	collectionID := c.collectionID
	c.mu.RUnlock()
	endpoint := fmt.Sprintf("%s/collections/%s/query", c.baseURL, url.PathEscape(collectionID))
	var resp struct {
		IDs       [][]string                 `json:"ids"`
		Distances [][]float64                `json:"distances"`
		Metadatas [][]map[string]interface{} `json:"metadatas"`
		Documents [][]string                 `json:"documents"`
	}
	start := time.Now()
	err := c.doRequest(ctx, http.MethodPost, endpoint, body, &resp)
	telemetry.RecordVectorSearch(time.Since(start))
	if err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}
	matches := make([]Match, 0, len(resp.IDs[0]))
	for idx, id := range resp.IDs[0] {
		match := Match{ID: id, Metadata: map[string]interface{}{}}
		if len(resp.Metadatas) > 0 && idx < len(resp.Metadatas[0]) {
			for k, v := range resp.Metadatas[0][idx] {
				match.Metadata[k] = v
			}
		}
		if len(resp.Documents) > 0 && idx < len(resp.Documents[0]) {
			match.Document = resp.Documents[0][idx]
		}
		if len(resp.Distances) > 0 && idx < len(resp.Distances[0]) {
			match.Score = float32(1.0 / (1.0 + resp.Distances[0][idx]))
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// DeleteByCodebase removes every record belonging to the codebase.
func (c *Client) DeleteByCodebase(ctx context.Context, codebaseID string) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(codebaseID) == "" {
		return errors.New("codebase id required")
	}
	c.mu.RLock()
	collectionID := c.collectionID
	c.mu.RUnlock()
	payload := map[string]interface{}{
		"where": map[string]interface{}{"codebase_id": codebaseID},
	}
	endpoint := fmt.Sprintf("%s/collections/%s/delete", c.baseURL, url.PathEscape(collectionID))
	if err := c.doRequest(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		if errors.Is(err, errNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Count reports how many records a codebase has in the collection.
func (c *Client) Count(ctx context.Context, codebaseID string) (int, error) {
	if err := c.ensureReady(ctx); err != nil {
		return 0, err
	}
	c.mu.RLock()
	collectionID := c.collectionID
	c.mu.RUnlock()
	payload := map[string]interface{}{
		"where":   map[string]interface{}{"codebase_id": codebaseID},
		"include": []string{},
	}
	endpoint := fmt.Sprintf("%s/collections/%s/get", c.baseURL, url.PathEscape(collectionID))
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.doRequest(ctx, http.MethodPost, endpoint, payload, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return len(resp.IDs), nil
}

var _ Store = (*Client)(nil)

// whereClause builds the metadata predicate for a query. A single condition
// is emitted bare; multiple conditions are joined under $and per the
// ChromaDB filter grammar.
func whereClause(codebaseID string, filters Filters) map[string]interface{} {
	conds := make([]map[string]interface{}, 0, 4)
	if strings.TrimSpace(codebaseID) != "" {
		conds = append(conds, map[string]interface{}{"codebase_id": codebaseID})
	}
	if filters.Language != "" {
		conds = append(conds, map[string]interface{}{"language": filters.Language})
	}
	if filters.ChunkType != "" {
		conds = append(conds, map[string]interface{}{"chunk_type": filters.ChunkType})
	}
	if filters.FilePath != "" {
		conds = append(conds, map[string]interface{}{"file_path": filters.FilePath})
	}
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return conds[0]
	default:
		return map[string]interface{}{"$and": conds}
	}
}

func (c *Client) ensureCollectionID(ctx context.Context) error {
	c.mu.RLock()
	if c.collectionID != "" {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()
	id, err := c.findCollection(ctx, c.collection)
	if err != nil {
		return err
	}
	if id != "" {
		c.mu.Lock()
		c.collectionID = id
		c.mu.Unlock()
		return nil
	}
	created, err := c.createCollection(ctx, c.collection)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.collectionID = created
	c.mu.Unlock()
	return nil
}

func (c *Client) findCollection(ctx context.Context, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/collections?name=%s", c.baseURL, url.QueryEscape(name))
	var resp struct {
		Collections []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"collections"`
	}
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return "", nil
		}
		// Fallback to enumerating collections when the name filter is unsupported.
		endpoint = fmt.Sprintf("%s/collections", c.baseURL)
		if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
			return "", err
		}
	}
	for _, col := range resp.Collections {
		if strings.EqualFold(col.Name, name) {
			return col.ID, nil
		}
	}
	return "", nil
}

func (c *Client) createCollection(ctx context.Context, name string) (string, error) {
	payload := map[string]interface{}{"name": name}
	endpoint := fmt.Sprintf("%s/collections", c.baseURL)
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, endpoint, payload, &resp); err != nil {
		if errors.Is(err, errConflict) {
			return c.findCollection(ctx, name)
		}
		return "", err
	}
	return resp.ID, nil
}

var (
	errNotFound = errors.New("resource not found")
	errConflict = errors.New("resource conflict")
)

// IsConflict reports whether err is the store's conflict sentinel, which
// covers dimension mismatches.
func IsConflict(err error) bool {
	return errors.Is(err, errConflict)
}

func (c *Client) health(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/heartbeat", c.baseURL)
	return c.doRequest(ctx, http.MethodGet, endpoint, nil, nil)
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	if c == nil {
		return errors.New("chromadb client not configured")
	}
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode == http.StatusConflict {
		return errConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chromadb %s %s failed: %s", method, endpoint, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	return decoder.Decode(out)
}

// Close releases pooled resources associated with the client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}
