package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	enginerr "github.com/fusedb/fusedb/internal/errors"
)

// Options configures a Store.
type Options struct {
	// Path is the database file, or MemoryPath for a transient store.
	Path string

	// Dimensions is the default embedding dimension for new collections.
	Dimensions int

	// DistanceMetric is "cos" or "l2".
	DistanceMetric string

	// BusyTimeout bounds waits on a locked database.
	BusyTimeout time.Duration

	// QueueMaxDepth is the pending-job ceiling for backpressure.
	QueueMaxDepth int

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Path == "" {
		opts.Path = MemoryPath
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 384
	}
	if opts.DistanceMetric == "" {
		opts.DistanceMetric = "cos"
	}
	if opts.QueueMaxDepth <= 0 {
		opts.QueueMaxDepth = 10000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Store is the storage engine: adapter, schema manager, write pipeline,
// and per-collection vector indexes.
type Store struct {
	opts   Options
	db     *DB
	schema *SchemaManager
	logger *slog.Logger

	vecMu   sync.Mutex
	vectors map[string]*VectorIndex

	idMu      sync.Mutex
	idEntropy idEntropy
}

// Open opens or creates a store and brings it to the current schema
// version. FTS coverage is validated for the default collection on
// open; violations are logged, not auto-repaired.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	db, err := OpenDB(opts.Path, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}

	s := &Store{
		opts:      opts,
		db:        db,
		logger:    opts.Logger,
		vectors:   make(map[string]*VectorIndex),
		idEntropy: newIDEntropy(),
	}
	s.schema = NewSchemaManager(db, SchemaDefaults{
		Dimensions:     opts.Dimensions,
		DistanceMetric: opts.DistanceMetric,
	}, opts.Logger)

	if err := s.schema.Ensure(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := s.loadVectors(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if validation, err := s.schema.ValidateFTS(ctx, DefaultCollection); err == nil && !validation.Valid {
		s.logger.Warn("fts_index_out_of_sync",
			slog.String("collection", DefaultCollection),
			slog.Int64("docs", validation.DocsCount),
			slog.Int64("fts", validation.FTSCount))
	}

	return s, nil
}

// Restore writes a snapshot to path and opens a store from it. The
// open path runs the schema algorithm, so older snapshots are migrated
// and newer ones refused.
func Restore(ctx context.Context, data []byte, path string, opts Options) (*Store, error) {
	if path == "" || path == MemoryPath {
		path = filepath.Join(os.TempDir(), "fusedb", fmt.Sprintf("restore-%d.db", time.Now().UnixNano()))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, enginerr.Wrap(enginerr.ErrCodeQuota, err)
	}
	// Remove WAL leftovers from a previous life of this path.
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, enginerr.Wrap(enginerr.ErrCodeQuota, err)
	}
	opts.Path = path
	return Open(ctx, opts)
}

// DB exposes the low-level adapter for the search pipeline and the
// exec/select passthrough methods.
func (s *Store) DB() *DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.db.Path() }

// Close releases the database handle and lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Export produces a whole-database snapshot.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	return s.db.Serialize(ctx)
}

// ValidateFTSIndex compares document and FTS row counts for a collection.
func (s *Store) ValidateFTSIndex(ctx context.Context, collection string) (FTSValidation, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	return s.schema.ValidateFTS(ctx, collection)
}

// RebuildFTSIndex destructively rebuilds the whole FTS index, for every
// FTS-enabled collection, whichever collection is named.
func (s *Store) RebuildFTSIndex(ctx context.Context, collection string) error {
	return s.schema.RebuildFTS(ctx, collection)
}

// CreateCollection registers a new collection. Fails if the name exists.
func (s *Store) CreateCollection(ctx context.Context, name string, dimensions int, metric string) error {
	if name == "" {
		return enginerr.Validation("name", "collection name is required")
	}
	if dimensions <= 0 {
		dimensions = s.opts.Dimensions
	}
	if metric == "" {
		metric = s.opts.DistanceMetric
	}
	if metric != "cos" && metric != "l2" {
		return enginerr.Validation("config.distanceMetric", "must be cos or l2")
	}

	now := time.Now().UnixMilli()
	err := s.db.Transaction(ctx, func(tx *Tx) error {
		rows, err := tx.Select(ctx, `SELECT name FROM collections WHERE name = ?`, name)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			return enginerr.Newf(enginerr.ErrCodeCollectionExists, "collection %q already exists", name)
		}
		return tx.Exec(ctx, `
			INSERT INTO collections
				(name, created_at, updated_at, schema_version, dimensions, distance_metric, embedding_status, processing_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			name, now, now, CurrentSchemaVersion, dimensions, metric, EmbeddingPending, ProcessingIdle)
	})
	return err
}

// ListCollections returns all collections with live counters.
func (s *Store) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.db.Select(ctx, `SELECT * FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}

	infos := make([]CollectionInfo, 0, len(rows))
	for _, row := range rows {
		info, err := s.collectionInfo(ctx, rowToCollection(row))
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GetCollectionInfo returns one collection with live counters.
func (s *Store) GetCollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	rows, err := s.db.Select(ctx, `SELECT * FROM collections WHERE name = ?`, name)
	if err != nil {
		return CollectionInfo{}, err
	}
	if len(rows) == 0 {
		return CollectionInfo{}, enginerr.Newf(enginerr.ErrCodeCollectionMissing, "collection %q does not exist", name)
	}
	return s.collectionInfo(ctx, rowToCollection(rows[0]))
}

func (s *Store) collectionInfo(ctx context.Context, c Collection) (CollectionInfo, error) {
	info := CollectionInfo{Collection: c}

	rows, err := s.db.Select(ctx, `SELECT COUNT(*) AS n FROM docs_default WHERE collection = ?`, c.Name)
	if err != nil {
		return info, err
	}
	info.DocCount = scanCount(rows)

	rows, err = s.db.Select(ctx, `
		SELECT COUNT(*) AS n FROM fts_default_docsize sz
		JOIN docs_default d ON d.rowid = sz.id
		WHERE d.collection = ?`, c.Name)
	if err != nil {
		return info, err
	}
	info.FTSCount = scanCount(rows)

	rows, err = s.db.Select(ctx, `SELECT COUNT(*) AS n FROM vec_default_dense WHERE collection = ?`, c.Name)
	if err != nil {
		return info, err
	}
	info.VecCount = scanCount(rows)
	return info, nil
}

// GetDocument fetches one document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	rows, err := s.db.Select(ctx, `
		SELECT rowid, id, title, content, collection, metadata, created_at, updated_at
		FROM docs_default WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	doc := rowToDocument(rows[0])
	return &doc, nil
}

// SearchVectors runs a k-nearest query against a collection's vector
// index.
func (s *Store) SearchVectors(ctx context.Context, collection string, query []float32, k int) ([]VectorHit, error) {
	idx, err := s.vectorIndex(ctx, collection)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return []VectorHit{}, nil
	}
	return idx.Search(collection, query, k)
}

// vectorIndex returns the index for a collection, creating it from the
// collection's configured dimension on first use. Returns nil when the
// collection does not exist.
func (s *Store) vectorIndex(ctx context.Context, collection string) (*VectorIndex, error) {
	s.vecMu.Lock()
	if idx, ok := s.vectors[collection]; ok {
		s.vecMu.Unlock()
		return idx, nil
	}
	s.vecMu.Unlock()

	rows, err := s.db.Select(ctx, `SELECT dimensions, distance_metric FROM collections WHERE name = ?`, collection)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	dims := intValue(rows[0]["dimensions"])
	if dims <= 0 {
		dims = s.opts.Dimensions
	}
	metric := textValue(rows[0]["distance_metric"])

	s.vecMu.Lock()
	defer s.vecMu.Unlock()
	if idx, ok := s.vectors[collection]; ok {
		return idx, nil
	}
	idx := NewVectorIndex(dims, metric)
	s.vectors[collection] = idx
	return idx, nil
}

// loadVectors rebuilds every collection's in-memory index from the vec
// table on open.
func (s *Store) loadVectors(ctx context.Context) error {
	collections, err := s.db.Select(ctx, `SELECT name FROM collections`)
	if err != nil {
		return err
	}
	for _, row := range collections {
		name := textValue(row["name"])
		idx, err := s.vectorIndex(ctx, name)
		if err != nil {
			return err
		}
		if idx == nil {
			continue
		}
		if err := idx.Rebuild(ctx, s.db, name); err != nil {
			return err
		}
	}
	return nil
}

// vectorOp is a staged vector-index mutation, applied only after the
// owning transaction commits (the in-memory graph cannot roll back).
type vectorOp struct {
	delete     bool
	rowid      int64
	collection string
	vec        []float32
}

// applyVectorOps applies staged mutations post-commit.
func (s *Store) applyVectorOps(ctx context.Context, ops []vectorOp) {
	for _, op := range ops {
		idx, err := s.vectorIndex(ctx, op.collection)
		if err != nil || idx == nil {
			s.logger.Warn("vector_index_unavailable", slog.String("collection", op.collection))
			continue
		}
		if op.delete {
			idx.Delete(op.rowid)
			continue
		}
		if err := idx.Add(op.rowid, op.collection, op.vec); err != nil {
			s.logger.Error("vector_index_add_failed",
				slog.Int64("rowid", op.rowid),
				slog.String("error", err.Error()))
		}
	}
}

// rowToCollection converts a collections row.
func rowToCollection(row Row) Collection {
	c := Collection{
		Name:              textValue(row["name"]),
		SchemaVersion:     intValue(row["schema_version"]),
		Dimensions:        intValue(row["dimensions"]),
		DistanceMetric:    textValue(row["distance_metric"]),
		EmbeddingProvider: textValue(row["embedding_provider"]),
		EmbeddingStatus:   textValue(row["embedding_status"]),
		ProcessingStatus:  textValue(row["processing_status"]),
	}
	c.CreatedAt = timeValue(row["created_at"])
	c.UpdatedAt = timeValue(row["updated_at"])
	return c
}

// rowToDocument converts a docs_default row. Metadata is returned
// byte-for-byte as stored.
func rowToDocument(row Row) Document {
	doc := Document{
		ID:         textValue(row["id"]),
		Title:      textValue(row["title"]),
		Content:    textValue(row["content"]),
		Collection: textValue(row["collection"]),
		CreatedAt:  timeValue(row["created_at"]),
		UpdatedAt:  timeValue(row["updated_at"]),
	}
	if rowid, ok := row["rowid"].(int64); ok {
		doc.Rowid = rowid
	}
	if meta := textValue(row["metadata"]); meta != "" {
		doc.Metadata = json.RawMessage(meta)
	}
	return doc
}

func intValue(v any) int {
	if n, ok := v.(int64); ok {
		return int(n)
	}
	return 0
}

func timeValue(v any) time.Time {
	if ms, ok := v.(int64); ok {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
