// Package rpc implements the request/response boundary between callers
// and the worker that owns the storage engine. Messages are JSON-RPC
// 2.0 over a unix socket; errors cross the boundary with their kind,
// code, and context preserved.
package rpc

import (
	"encoding/json"

	enginerr "github.com/fusedb/fusedb/internal/errors"
)

// Method names. Together these are the public API surface.
const (
	MethodOpen             = "open"
	MethodClose            = "close"
	MethodExec             = "exec"
	MethodSelect           = "select"
	MethodInsertDocument   = "insertDocumentWithEmbedding"
	MethodBulkInsert       = "bulkInsertDocuments"
	MethodSearch           = "search"
	MethodClear            = "clear"
	MethodExport           = "export"
	MethodImport           = "import"
	MethodValidateFTS      = "validateFTSIndex"
	MethodRebuildFTS       = "rebuildFTSIndex"
	MethodCreateCollection = "createCollection"
	MethodListCollections  = "listCollections"
	MethodCollectionInfo   = "getCollectionInfo"
	MethodPing             = "ping"
	MethodStatus           = "status"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Custom error codes.
const (
	ErrCodeEngine = -32000
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// Error is the wire error envelope.
type Error struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *ErrorPayload `json:"data,omitempty"`
}

// ErrorPayload preserves the engine error context across the boundary.
// Without it, callers see a bare string and lose everything needed to
// diagnose the failure.
type ErrorPayload struct {
	Kind       string            `json:"kind"`
	EngineCode string            `json:"engineCode,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    ErrorContext      `json:"context"`
}

// ErrorContext identifies the failing call.
type ErrorContext struct {
	Method     string `json:"method"`
	ParamCount int    `json:"paramCount,omitempty"`
	SQLSnippet string `json:"sqlSnippet,omitempty"`
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, "", enginerr.Wrap(enginerr.ErrCodeInternal, err))
	}
	return Response{JSONRPC: "2.0", Result: data, ID: id}
}

// NewErrorResponse converts an error into the wire envelope, carrying
// the engine kind, code, details, and method context.
func NewErrorResponse(id, method string, err error) Response {
	ee := enginerr.AsEngine(err)
	payload := &ErrorPayload{
		Kind:       string(ee.Kind),
		EngineCode: ee.Code,
		Details:    ee.Details,
		Suggestion: ee.Suggestion,
		Context:    ErrorContext{Method: method},
	}
	if ee.Details != nil {
		payload.Context.SQLSnippet = ee.Details["sql"]
		if n, ok := ee.Details["param_count"]; ok && n != "" {
			// Best-effort: detail is a decimal count.
			count := 0
			for _, r := range n {
				if r < '0' || r > '9' {
					count = 0
					break
				}
				count = count*10 + int(r-'0')
			}
			payload.Context.ParamCount = count
		}
	}
	return Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: ErrCodeEngine, Message: ee.Message, Data: payload},
		ID:      id,
	}
}

// newProtocolError creates a plain JSON-RPC protocol error.
func newProtocolError(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// AsEngineError converts a wire error back into an EngineError on the
// caller side.
func (e *Error) AsEngineError(method string) *enginerr.EngineError {
	if e == nil {
		return nil
	}
	code := enginerr.ErrCodeInternal
	if e.Data != nil && e.Data.EngineCode != "" {
		code = e.Data.EngineCode
	}
	ee := enginerr.New(code, e.Message, nil)
	if e.Data != nil {
		ee.Suggestion = e.Data.Suggestion
		for k, v := range e.Data.Details {
			ee = ee.WithDetail(k, v)
		}
	}
	return ee.WithDetail("method", method)
}

// OpenParams configures open.
type OpenParams struct {
	Filename string `json:"filename,omitempty"`
	VFS      string `json:"vfs,omitempty"`
}

// SQLParams carries a passthrough statement.
type SQLParams struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// ClearParams names an optional collection.
type ClearParams struct {
	Collection string `json:"collection,omitempty"`
}

// ImportParams carries a snapshot. Data is base64 on the wire; the
// decoded buffer belongs to the receiver.
type ImportParams struct {
	Data     []byte `json:"data"`
	Filename string `json:"filename,omitempty"`
}

// CollectionParams names a collection.
type CollectionParams struct {
	Collection string `json:"collection,omitempty"`
}

// CreateCollectionParams configures a new collection.
type CreateCollectionParams struct {
	Name       string                  `json:"name"`
	Dimensions int                     `json:"dimensions,omitempty"`
	Config     *CreateCollectionConfig `json:"config,omitempty"`
}

// CreateCollectionConfig is the optional collection config.
type CreateCollectionConfig struct {
	DistanceMetric string `json:"distanceMetric,omitempty"`
}

// ExportResult carries a snapshot back to the caller.
type ExportResult struct {
	Data []byte `json:"data"`
}

// StatusResult reports worker state.
type StatusResult struct {
	Running       bool   `json:"running"`
	PID           int    `json:"pid"`
	Uptime        string `json:"uptime"`
	StorePath     string `json:"storePath"`
	StoreOpen     bool   `json:"storeOpen"`
	SchemaVersion int    `json:"schemaVersion"`
	QueueDepth    int64  `json:"queueDepth"`
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}
