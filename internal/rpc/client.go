package rpc

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"

	enginerr "github.com/fusedb/fusedb/internal/errors"
	"github.com/fusedb/fusedb/internal/search"
	"github.com/fusedb/fusedb/internal/store"
)

// Client issues RPC calls to the worker. Each call dials, sends one
// request, and reads the correlated response. A deadline expiry
// resolves locally with a TimeoutError; the worker's late response is
// discarded with the connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the worker socket.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// call performs one request/response exchange.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return enginerr.Wrap(enginerr.ErrCodeTransport, err).
			WithDetail("method", method)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return enginerr.Wrap(enginerr.ErrCodeTransport, err)
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		ID:      uuid.NewString(),
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return enginerr.Wrap(enginerr.ErrCodeInvalidInput, err)
		}
		req.Params = data
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return c.transportError(method, err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return c.transportError(method, err)
	}
	if resp.ID != req.ID {
		return enginerr.Newf(enginerr.ErrCodeTransport, "response id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Error != nil {
		return resp.Error.AsEngineError(method)
	}

	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return enginerr.Wrap(enginerr.ErrCodeTransport, err)
		}
	}
	return nil
}

// transportError maps timeouts to TimeoutError and everything else to
// TransportError.
func (c *Client) transportError(method string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return enginerr.Wrap(enginerr.ErrCodeTimeout, err).
			WithDetail("method", method).
			WithSuggestion("the call may still complete on the worker; retry only idempotent methods")
	}
	return enginerr.Wrap(enginerr.ErrCodeTransport, err).WithDetail("method", method)
}

// IsRunning reports whether the worker accepts connections.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ping checks worker responsiveness.
func (c *Client) Ping(ctx context.Context) error {
	var result PingResult
	return c.call(ctx, MethodPing, nil, &result)
}

// Status fetches worker state.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var result StatusResult
	if err := c.call(ctx, MethodStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Open opens the store on the worker.
func (c *Client) Open(ctx context.Context, params OpenParams) error {
	return c.call(ctx, MethodOpen, params, nil)
}

// Close closes the store on the worker.
func (c *Client) Close(ctx context.Context) error {
	return c.call(ctx, MethodClose, nil, nil)
}

// Exec runs a passthrough statement.
func (c *Client) Exec(ctx context.Context, sql string, params ...any) error {
	return c.call(ctx, MethodExec, SQLParams{SQL: sql, Params: params}, nil)
}

// Select runs a passthrough query.
func (c *Client) Select(ctx context.Context, sql string, params ...any) ([]store.Row, error) {
	var rows []store.Row
	if err := c.call(ctx, MethodSelect, SQLParams{SQL: sql, Params: params}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// InsertDocumentWithEmbedding inserts one document.
func (c *Client) InsertDocumentWithEmbedding(ctx context.Context, req store.InsertRequest) (*store.InsertResult, error) {
	var result store.InsertResult
	if err := c.call(ctx, MethodInsertDocument, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BulkInsertDocuments inserts a batch.
func (c *Client) BulkInsertDocuments(ctx context.Context, reqs []store.InsertRequest) (*store.BulkResult, error) {
	var result store.BulkResult
	if err := c.call(ctx, MethodBulkInsert, reqs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Search runs a hybrid query.
func (c *Client) Search(ctx context.Context, req search.SearchRequest) (*search.SearchResponse, error) {
	var result search.SearchResponse
	if err := c.call(ctx, MethodSearch, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Clear removes a collection's rows, or the whole store.
func (c *Client) Clear(ctx context.Context, collection string) error {
	return c.call(ctx, MethodClear, ClearParams{Collection: collection}, nil)
}

// Export fetches a whole-database snapshot. The returned buffer
// belongs to the caller.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	var result ExportResult
	if err := c.call(ctx, MethodExport, nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Import restores a snapshot on the worker.
func (c *Client) Import(ctx context.Context, data []byte, filename string) error {
	return c.call(ctx, MethodImport, ImportParams{Data: data, Filename: filename}, nil)
}

// ValidateFTSIndex compares doc and FTS counts for a collection.
func (c *Client) ValidateFTSIndex(ctx context.Context, collection string) (*store.FTSValidation, error) {
	var result store.FTSValidation
	if err := c.call(ctx, MethodValidateFTS, CollectionParams{Collection: collection}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RebuildFTSIndex destructively rebuilds FTS rows.
func (c *Client) RebuildFTSIndex(ctx context.Context, collection string) error {
	return c.call(ctx, MethodRebuildFTS, CollectionParams{Collection: collection}, nil)
}

// CreateCollection registers a new collection.
func (c *Client) CreateCollection(ctx context.Context, name string, dimensions int, metric string) error {
	params := CreateCollectionParams{Name: name, Dimensions: dimensions}
	if metric != "" {
		params.Config = &CreateCollectionConfig{DistanceMetric: metric}
	}
	return c.call(ctx, MethodCreateCollection, params, nil)
}

// ListCollections returns all collections with counters.
func (c *Client) ListCollections(ctx context.Context) ([]store.CollectionInfo, error) {
	var result []store.CollectionInfo
	if err := c.call(ctx, MethodListCollections, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCollectionInfo returns one collection with counters.
func (c *Client) GetCollectionInfo(ctx context.Context, name string) (*store.CollectionInfo, error) {
	var result store.CollectionInfo
	if err := c.call(ctx, MethodCollectionInfo, CollectionParams{Collection: name}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
