// Package store provides the embedded storage engine: a single-writer
// SQLite adapter, schema lifecycle management, the document write
// pipeline with explicit FTS synchronization, and the vector index.
package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DefaultCollection is the collection guaranteed to exist after open.
const DefaultCollection = "default"

// EmbeddingStatus values for a collection's embedding configuration.
const (
	EmbeddingEnabled  = "enabled"
	EmbeddingDisabled = "disabled"
	EmbeddingPending  = "pending"
)

// Processing status values for a collection.
const (
	ProcessingIdle  = "idle"
	ProcessingBusy  = "processing"
	ProcessingError = "error"
)

// Collection describes a named bucket of documents.
type Collection struct {
	Name              string    `json:"name"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	SchemaVersion     int       `json:"schemaVersion"`
	Dimensions        int       `json:"dimensions"`
	DistanceMetric    string    `json:"distanceMetric"`
	EmbeddingProvider string    `json:"embeddingProvider,omitempty"`
	EmbeddingStatus   string    `json:"embeddingStatus"`
	ProcessingStatus  string    `json:"processingStatus"`
}

// CollectionInfo is a Collection plus live counters.
type CollectionInfo struct {
	Collection
	DocCount int64 `json:"docCount"`
	FTSCount int64 `json:"ftsCount"`
	VecCount int64 `json:"vecCount"`
}

// Document is a stored document. Metadata is the caller's serialized
// object, preserved byte-for-byte; the engine never injects fields into
// it.
type Document struct {
	ID         string          `json:"id"`
	Rowid      int64           `json:"rowid"`
	Title      string          `json:"title,omitempty"`
	Content    string          `json:"content,omitempty"`
	Collection string          `json:"collection"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// DocumentInput is the caller-facing write payload.
type DocumentInput struct {
	ID       FlexID          `json:"id,omitempty"`
	Title    string          `json:"title,omitempty"`
	Content  string          `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// FlexID accepts a string or a finite number and canonicalizes to a
// string. Numeric ids keep their literal decimal form.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	// Reject non-finite forms; json.Number is already decimal text but a
	// float parse guards against exotic inputs from in-process callers.
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("id is not a finite number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// InsertOptions control embedding behavior for a single insert.
type InsertOptions struct {
	// GenerateEmbedding queues an embedding job when no explicit vector
	// is supplied. Defaults to true.
	GenerateEmbedding *bool     `json:"generateEmbedding,omitempty"`
	Embedding         []float32 `json:"embedding,omitempty"`
	Priority          int       `json:"priority,omitempty"`
}

// InsertRequest is the public contract of the write pipeline.
type InsertRequest struct {
	Collection string         `json:"collection"`
	Document   DocumentInput  `json:"document"`
	Options    *InsertOptions `json:"options,omitempty"`
}

// InsertResult reports the outcome of a single insert.
type InsertResult struct {
	ID                 string `json:"id"`
	Rowid              int64  `json:"rowid"`
	EmbeddingGenerated bool   `json:"embeddingGenerated"`
}

// BulkError describes one failed document in a bulk insert.
type BulkError struct {
	Index   int    `json:"index"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// BulkResult reports the outcome of a bulk insert.
type BulkResult struct {
	Saved  int         `json:"saved"`
	Failed []string    `json:"failed"`
	Errors []BulkError `json:"errors"`
	IDs    []string    `json:"ids"`
}

// FTSValidation is the result of comparing document and FTS row counts.
type FTSValidation struct {
	Valid     bool  `json:"valid"`
	DocsCount int64 `json:"docsCount"`
	FTSCount  int64 `json:"ftsCount"`
}

// Row is one materialized result row from Select.
type Row map[string]any
