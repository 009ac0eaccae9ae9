package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	enginerr "github.com/fusedb/fusedb/internal/errors"
)

// metadataWarnBytes is the metadata size beyond which a warning is logged.
const metadataWarnBytes = 1 << 20

// bulkLookupChunk bounds the IN clause size for rowid lookups.
const bulkLookupChunk = 500

type idEntropy = *ulid.MonotonicEntropy

func newIDEntropy() idEntropy {
	return ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
}

// newDocID generates a store-unique document id: a monotonic time
// component plus a random suffix.
func (s *Store) newDocID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.idEntropy).String()
}

// docRecord is a validated, id-assigned document ready for insertion.
type docRecord struct {
	id         string
	callerID   bool // id was caller-supplied, not generated
	title      string
	content    string
	collection string
	metadata   *string // serialized exactly as supplied; nil when absent
	vector     []float32
	enqueue    bool
	priority   int
	createdAt  int64 // preserved from a replaced row; 0 for new documents
}

// collectionMeta is the subset of collection state the writer needs.
type collectionMeta struct {
	name       string
	dimensions int
	ftsEnabled bool
}

// validateInsert checks the request contract and canonicalizes the id.
func (s *Store) validateInsert(req InsertRequest) (*docRecord, error) {
	rec := &docRecord{
		title:      req.Document.Title,
		content:    req.Document.Content,
		collection: req.Collection,
	}
	if rec.collection == "" {
		rec.collection = DefaultCollection
	}

	if strings.TrimSpace(rec.title) == "" && strings.TrimSpace(rec.content) == "" {
		return nil, enginerr.New(enginerr.ErrCodeEmptyDocument,
			"document must have a title or content", nil)
	}

	if len(req.Document.Metadata) > 0 {
		if err := validateMetadata(req.Document.Metadata); err != nil {
			return nil, err
		}
		if len(req.Document.Metadata) > metadataWarnBytes {
			s.logger.Warn("metadata_large",
				slog.Int("bytes", len(req.Document.Metadata)))
		}
		meta := string(req.Document.Metadata)
		rec.metadata = &meta
	}

	rec.id = string(req.Document.ID)
	if rec.id != "" {
		rec.callerID = true
	} else {
		rec.id = s.newDocID()
	}

	generate := true
	if req.Options != nil {
		if req.Options.GenerateEmbedding != nil {
			generate = *req.Options.GenerateEmbedding
		}
		rec.vector = req.Options.Embedding
		rec.priority = req.Options.Priority
	}
	rec.enqueue = generate && len(rec.vector) == 0
	return rec, nil
}

// validateMetadata requires a JSON object: not an array, not a scalar.
func validateMetadata(raw json.RawMessage) error {
	if !json.Valid(raw) {
		return enginerr.New(enginerr.ErrCodeBadMetadata, "metadata is not valid JSON", nil)
	}
	trimmed := strings.TrimLeftFunc(string(raw), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return enginerr.New(enginerr.ErrCodeBadMetadata, "metadata must be an object", nil)
	}
	return nil
}

// InsertDocumentWithEmbedding validates, inserts, verifies FTS
// coverage, and either stores the supplied vector or queues an
// embedding job — all in one transaction.
func (s *Store) InsertDocumentWithEmbedding(ctx context.Context, req InsertRequest) (*InsertResult, error) {
	rec, err := s.validateInsert(req)
	if err != nil {
		return nil, err
	}

	var (
		ops    []vectorOp
		result InsertResult
	)
	err = s.db.Transaction(ctx, func(tx *Tx) error {
		ops = ops[:0]
		meta, err := s.ensureCollectionTx(ctx, tx, rec.collection)
		if err != nil {
			return err
		}

		rowid, txOps, err := s.insertDocTx(ctx, tx, meta, rec)
		if err != nil {
			return err
		}
		ops = append(ops, txOps...)

		result = InsertResult{
			ID:                 rec.id,
			Rowid:              rowid,
			EmbeddingGenerated: rec.enqueue || len(rec.vector) > 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.applyVectorOps(ctx, ops)
	return &result, nil
}

// BulkInsertDocuments runs the single-document algorithm for every
// valid request inside one transaction. Documents are mapped to their
// assigned rowids by deterministic id lookup over ids assigned before
// insertion; there is no predicate fallback. Any FTS-sync failure
// aborts the whole transaction.
func (s *Store) BulkInsertDocuments(ctx context.Context, reqs []InsertRequest) (*BulkResult, error) {
	result := &BulkResult{}
	records := make([]*docRecord, 0, len(reqs))

	for i, req := range reqs {
		rec, err := s.validateInsert(req)
		if err != nil {
			id := string(req.Document.ID)
			result.Failed = append(result.Failed, id)
			result.Errors = append(result.Errors, BulkError{
				Index:   i,
				ID:      id,
				Message: err.Error(),
			})
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return result, nil
	}

	var ops []vectorOp
	err := s.db.Transaction(ctx, func(tx *Tx) error {
		ops = ops[:0]

		metas := make(map[string]collectionMeta)
		for _, rec := range records {
			if _, ok := metas[rec.collection]; ok {
				continue
			}
			meta, err := s.ensureCollectionTx(ctx, tx, rec.collection)
			if err != nil {
				return err
			}
			metas[rec.collection] = meta
		}

		// Phase 1: base rows, in input order.
		for _, rec := range records {
			if err := s.replaceCleanupTx(ctx, tx, metas[rec.collection], rec, &ops); err != nil {
				return err
			}
			if err := s.insertBaseRowTx(ctx, tx, rec); err != nil {
				return err
			}
		}

		// Phase 2: bulk rowid lookup. Every record already carries its
		// canonical id, so record i maps to rowids[ids[i]] with no
		// positional ambiguity.
		rowids, err := s.lookupRowidsTx(ctx, tx, records)
		if err != nil {
			return err
		}

		// Phase 3: FTS sync with explicit rowid binding, verified per row.
		for _, rec := range records {
			rowid, ok := rowids[rec.id]
			if !ok {
				return enginerr.Newf(enginerr.ErrCodeInsertFailed,
					"document %q has no rowid after insert", rec.id).
					WithDetail("collection", rec.collection)
			}
			if err := s.syncFTSTx(ctx, tx, metas[rec.collection], rec, rowid); err != nil {
				return err
			}
			if err := s.storeVectorOrEnqueueTx(ctx, tx, metas[rec.collection], rec, rowid, &ops); err != nil {
				return err
			}
			result.IDs = append(result.IDs, rec.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.applyVectorOps(ctx, ops)
	result.Saved = len(records)
	return result, nil
}

// ensureCollectionTx fetches collection metadata, creating the
// collection implicitly on first use.
func (s *Store) ensureCollectionTx(ctx context.Context, tx *Tx, name string) (collectionMeta, error) {
	rows, err := tx.Select(ctx, `SELECT dimensions, fts_enabled FROM collections WHERE name = ?`, name)
	if err != nil {
		return collectionMeta{}, err
	}
	if len(rows) > 0 {
		return collectionMeta{
			name:       name,
			dimensions: intValue(rows[0]["dimensions"]),
			ftsEnabled: intValue(rows[0]["fts_enabled"]) != 0,
		}, nil
	}

	now := time.Now().UnixMilli()
	err = tx.Exec(ctx, `
		INSERT INTO collections
			(name, created_at, updated_at, schema_version, dimensions, distance_metric, embedding_status, processing_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		name, now, now, CurrentSchemaVersion, s.opts.Dimensions, s.opts.DistanceMetric, EmbeddingPending, ProcessingIdle)
	if err != nil {
		return collectionMeta{}, err
	}
	return collectionMeta{name: name, dimensions: s.opts.Dimensions, ftsEnabled: true}, nil
}

// ftsDeleteTx removes a document's index entry. External-content
// tables reject plain DELETE; the 'delete' command must carry the
// indexed values, which equal the base row while the index is in sync.
func ftsDeleteTx(ctx context.Context, tx *Tx, rowid int64, title, content, metadata string) error {
	return tx.Exec(ctx, `
		INSERT INTO fts_default (fts_default, rowid, title, content, metadata)
		VALUES ('delete', ?, ?, ?, ?)`,
		rowid, title, content, metadata)
}

// insertDocTx runs the full single-document algorithm inside tx and
// returns the assigned rowid plus staged vector-index mutations.
func (s *Store) insertDocTx(ctx context.Context, tx *Tx, meta collectionMeta, rec *docRecord) (int64, []vectorOp, error) {
	var ops []vectorOp

	if err := s.replaceCleanupTx(ctx, tx, meta, rec, &ops); err != nil {
		return 0, nil, err
	}
	if err := s.insertBaseRowTx(ctx, tx, rec); err != nil {
		return 0, nil, err
	}

	rowid, err := tx.ScanInt(ctx, `SELECT rowid FROM docs_default WHERE id = ?`, rec.id)
	if err != nil {
		return 0, nil, err
	}

	if err := s.syncFTSTx(ctx, tx, meta, rec, rowid); err != nil {
		return 0, nil, err
	}
	if err := s.storeVectorOrEnqueueTx(ctx, tx, meta, rec, rowid, &ops); err != nil {
		return 0, nil, err
	}
	return rowid, ops, nil
}

// replaceCleanupTx implements replace semantics for an existing id:
// the old FTS and vector rows are removed together with the base row,
// and the old created_at is preserved. The FTS 'delete' command needs
// the old column values, so they are read before the base row goes.
func (s *Store) replaceCleanupTx(ctx context.Context, tx *Tx, meta collectionMeta, rec *docRecord, ops *[]vectorOp) error {
	if !rec.callerID {
		return nil
	}
	rows, err := tx.Select(ctx, `
		SELECT rowid, title, content, metadata, created_at
		FROM docs_default WHERE id = ?`, rec.id)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	oldRowid, _ := rows[0]["rowid"].(int64)
	if created, ok := rows[0]["created_at"].(int64); ok {
		rec.createdAt = created
	}

	if meta.ftsEnabled {
		if err := ftsDeleteTx(ctx, tx, oldRowid,
			textValue(rows[0]["title"]), textValue(rows[0]["content"]), textValue(rows[0]["metadata"])); err != nil {
			return err
		}
	}
	if err := tx.Exec(ctx, `DELETE FROM vec_default_dense WHERE rowid = ?`, oldRowid); err != nil {
		return err
	}
	if err := tx.Exec(ctx, `DELETE FROM docs_default WHERE id = ?`, rec.id); err != nil {
		return err
	}
	*ops = append(*ops, vectorOp{delete: true, rowid: oldRowid, collection: rec.collection})
	return nil
}

// insertBaseRowTx inserts the document row. Metadata is stored exactly
// as supplied; the collection lives only in its own column.
func (s *Store) insertBaseRowTx(ctx context.Context, tx *Tx, rec *docRecord) error {
	now := time.Now().UnixMilli()
	created := rec.createdAt
	if created == 0 {
		created = now
	}
	var meta any
	if rec.metadata != nil {
		meta = *rec.metadata
	}
	return tx.Exec(ctx, `
		INSERT INTO docs_default (id, title, content, collection, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.id, rec.title, rec.content, rec.collection, meta, created, now)
}

// syncFTSTx inserts the FTS row bound to the document's rowid and
// verifies it landed. A failed verification aborts the transaction;
// silent continuation would leave a partial index that looks healthy.
func (s *Store) syncFTSTx(ctx context.Context, tx *Tx, meta collectionMeta, rec *docRecord, rowid int64) error {
	if !meta.ftsEnabled {
		return nil
	}

	metaText := ""
	if rec.metadata != nil {
		metaText = *rec.metadata
	}
	if err := tx.Exec(ctx, `
		INSERT INTO fts_default (rowid, title, content, metadata)
		VALUES (?, ?, ?, ?)`,
		rowid, rec.title, rec.content, metaText); err != nil {
		return err
	}

	// The docsize shadow table is the index's own row set; a non-MATCH
	// query on the external-content table itself would read through to
	// docs_default and always succeed.
	count, err := tx.ScanInt(ctx, `SELECT COUNT(*) FROM fts_default_docsize WHERE id = ?`, rowid)
	if err != nil {
		return err
	}
	if count != 1 {
		return enginerr.Newf(enginerr.ErrCodeInsertFailed,
			"FTS row missing after insert for document %q", rec.id).
			WithDetail("collection", rec.collection).
			WithDetail("id", rec.id).
			WithSuggestion("retry the insert; if this persists, run rebuildFTSIndex on the collection")
	}
	return nil
}

// storeVectorOrEnqueueTx stores an explicit vector with the document's
// rowid, or queues an embedding job, honoring queue backpressure.
func (s *Store) storeVectorOrEnqueueTx(ctx context.Context, tx *Tx, meta collectionMeta, rec *docRecord, rowid int64, ops *[]vectorOp) error {
	if len(rec.vector) > 0 {
		expected := meta.dimensions
		if expected <= 0 {
			expected = s.opts.Dimensions
		}
		if len(rec.vector) != expected {
			return enginerr.Newf(enginerr.ErrCodeDimensionMismatch,
				"vector dimension %d, collection %q expects %d", len(rec.vector), rec.collection, expected)
		}

		blob, err := EncodeVector(rec.vector)
		if err != nil {
			return err
		}
		if err := tx.Exec(ctx, `
			INSERT OR REPLACE INTO vec_default_dense (rowid, collection, embedding)
			VALUES (?, ?, ?)`, rowid, rec.collection, blob); err != nil {
			return err
		}
		*ops = append(*ops, vectorOp{rowid: rowid, collection: rec.collection, vec: rec.vector})
		return nil
	}

	if !rec.enqueue {
		return nil
	}

	pending, err := tx.ScanInt(ctx, `SELECT COUNT(*) FROM embedding_queue WHERE status = 'pending'`)
	if err != nil {
		return err
	}
	if pending >= int64(s.opts.QueueMaxDepth) {
		return enginerr.Newf(enginerr.ErrCodeQueueFull,
			"embedding queue depth %d exceeds limit %d", pending, s.opts.QueueMaxDepth).
			WithSuggestion("throttle ingestion or drain the embedding queue")
	}

	text := rec.content
	if rec.title != "" {
		text = rec.title + "\n" + rec.content
	}
	now := time.Now().UnixMilli()
	return tx.Exec(ctx, `
		INSERT INTO embedding_queue
			(collection_name, document_id, text_content, priority, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		rec.collection, rec.id, text, rec.priority, now, now)
}

// lookupRowidsTx bulk-fetches assigned rowids by canonical id, chunked
// to bound the IN clause.
func (s *Store) lookupRowidsTx(ctx context.Context, tx *Tx, records []*docRecord) (map[string]int64, error) {
	rowids := make(map[string]int64, len(records))

	for start := 0; start < len(records); start += bulkLookupChunk {
		end := start + bulkLookupChunk
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, rec := range chunk {
			args[i] = rec.id
		}
		query := fmt.Sprintf(`SELECT rowid, id FROM docs_default WHERE id IN (%s) ORDER BY rowid`, placeholders)
		rows, err := tx.Select(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			rowid, _ := row["rowid"].(int64)
			rowids[textValue(row["id"])] = rowid
		}
	}
	return rowids, nil
}

// Clear removes all rows for a collection (or the whole store when the
// name is empty) from the base, FTS, and vector tables, and cascades
// the collection's embedding jobs, in one transaction.
func (s *Store) Clear(ctx context.Context, collection string) error {
	var ops []vectorOp
	err := s.db.Transaction(ctx, func(tx *Tx) error {
		ops = ops[:0]

		if collection == "" {
			rows, err := tx.Select(ctx, `SELECT rowid, collection FROM vec_default_dense`)
			if err != nil {
				return err
			}
			for _, row := range rows {
				rowid, _ := row["rowid"].(int64)
				ops = append(ops, vectorOp{delete: true, rowid: rowid, collection: textValue(row["collection"])})
			}
			for _, stmt := range []string{
				`INSERT INTO fts_default (fts_default) VALUES ('delete-all')`,
				`DELETE FROM vec_default_dense`,
				`DELETE FROM docs_default`,
				`DELETE FROM embedding_queue`,
			} {
				if err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		}

		ftsEnabled := true
		flagRows, err := tx.Select(ctx, `SELECT fts_enabled FROM collections WHERE name = ?`, collection)
		if err != nil {
			return err
		}
		if len(flagRows) > 0 {
			ftsEnabled = intValue(flagRows[0]["fts_enabled"]) != 0
		}

		rows, err := tx.Select(ctx, `
			SELECT rowid, title, content, metadata
			FROM docs_default WHERE collection = ?`, collection)
		if err != nil {
			return err
		}
		for _, row := range rows {
			rowid, _ := row["rowid"].(int64)
			if ftsEnabled {
				if err := ftsDeleteTx(ctx, tx, rowid,
					textValue(row["title"]), textValue(row["content"]), textValue(row["metadata"])); err != nil {
					return err
				}
			}
			ops = append(ops, vectorOp{delete: true, rowid: rowid, collection: collection})
		}
		if err := tx.Exec(ctx, `DELETE FROM vec_default_dense WHERE collection = ?`, collection); err != nil {
			return err
		}
		if err := tx.Exec(ctx, `DELETE FROM docs_default WHERE collection = ?`, collection); err != nil {
			return err
		}
		if err := tx.Exec(ctx, `DELETE FROM embedding_queue WHERE collection_name = ?`, collection); err != nil {
			return err
		}
		return tx.Exec(ctx, `UPDATE collections SET updated_at = ? WHERE name = ?`,
			time.Now().UnixMilli(), collection)
	})
	if err != nil {
		return err
	}

	s.applyVectorOps(ctx, ops)
	return nil
}
