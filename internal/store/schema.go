package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	enginerr "github.com/fusedb/fusedb/internal/errors"
)

// CurrentSchemaVersion is the schema this code reads and writes.
// Version 1 kept the collection discriminator inside document metadata;
// version 2 moved it into an indexed column on docs_default.
const CurrentSchemaVersion = 2

// rebuildBatchSize bounds rows per transaction during an FTS rebuild.
const rebuildBatchSize = 64

// requiredObjects are the schema objects that must all exist for the
// store to be considered complete. Order matters for cleanup: virtual
// tables are dropped first.
var requiredObjects = []string{
	"fts_default",
	"vec_default_dense",
	"collections",
	"docs_default",
	"embedding_queue",
	"schema_meta",
}

// SchemaDefaults carries the collection defaults applied at bootstrap.
type SchemaDefaults struct {
	Dimensions     int
	DistanceMetric string
}

// SchemaManager guarantees that a successful open leaves the store at
// the current schema version, or surfaces a precise, recoverable error.
type SchemaManager struct {
	db       *DB
	defaults SchemaDefaults
	logger   *slog.Logger
}

// NewSchemaManager creates a schema manager over an open database.
func NewSchemaManager(db *DB, defaults SchemaDefaults, logger *slog.Logger) *SchemaManager {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Dimensions <= 0 {
		defaults.Dimensions = 384
	}
	if defaults.DistanceMetric == "" {
		defaults.DistanceMetric = "cos"
	}
	return &SchemaManager{db: db, defaults: defaults, logger: logger}
}

// Ensure runs the open algorithm: fresh bootstrap, partial-state
// cleanup, version no-op, migration chain, or refusal.
func (m *SchemaManager) Ensure(ctx context.Context) error {
	present, err := m.presentObjects(ctx)
	if err != nil {
		return err
	}

	switch {
	case len(present) == 0:
		m.logger.Info("schema_bootstrap", slog.String("path", m.db.Path()))
		return m.bootstrap(ctx)

	case len(present) < len(requiredObjects):
		// Partial schema is treated as corruption: destructive cleanup
		// then re-bootstrap.
		m.logger.Warn("schema_partial_detected",
			slog.Int("present", len(present)),
			slog.Int("required", len(requiredObjects)))
		if err := m.dropAll(ctx, present); err != nil {
			return err
		}
		return m.bootstrap(ctx)
	}

	version, err := m.Version(ctx)
	if err != nil {
		return err
	}

	switch {
	case version == CurrentSchemaVersion:
		return nil
	case version > CurrentSchemaVersion:
		return enginerr.Schema(enginerr.ErrCodeSchemaForward,
			fmt.Sprintf("store schema version %d is newer than supported version %d", version, CurrentSchemaVersion),
			"open this store with a newer build, or export it there and import here")
	default:
		return m.migrate(ctx, version)
	}
}

// presentObjects returns which required objects exist, in cleanup order.
func (m *SchemaManager) presentObjects(ctx context.Context) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(requiredObjects)), ",")
	query := fmt.Sprintf(
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'index') AND name IN (%s)`, placeholders)

	args := make([]any, len(requiredObjects))
	for i, name := range requiredObjects {
		args[i] = name
	}
	rows, err := m.db.Select(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(rows))
	for _, row := range rows {
		if name, ok := row["name"].(string); ok {
			found[name] = true
		}
	}

	present := make([]string, 0, len(found))
	for _, name := range requiredObjects {
		if found[name] {
			present = append(present, name)
		}
	}
	return present, nil
}

// bootstrap creates the complete current schema and the default
// collection in one transaction.
func (m *SchemaManager) bootstrap(ctx context.Context) error {
	return m.db.Transaction(ctx, func(tx *Tx) error {
		ddl := []string{
			`CREATE TABLE IF NOT EXISTS collections (
				name               TEXT PRIMARY KEY,
				created_at         INTEGER NOT NULL,
				updated_at         INTEGER NOT NULL,
				schema_version     INTEGER NOT NULL,
				dimensions         INTEGER NOT NULL,
				distance_metric    TEXT NOT NULL DEFAULT 'cos',
				fts_enabled        INTEGER NOT NULL DEFAULT 1,
				embedding_provider TEXT,
				embedding_status   TEXT NOT NULL DEFAULT 'pending',
				processing_status  TEXT NOT NULL DEFAULT 'idle'
			)`,
			`CREATE TABLE IF NOT EXISTS docs_default (
				id         TEXT PRIMARY KEY,
				title      TEXT,
				content    TEXT,
				collection TEXT NOT NULL DEFAULT 'default',
				metadata   TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_docs_default_collection ON docs_default(collection)`,
			// External-content table backed by docs_default via rowid.
			// Unicode-aware tokenizer is required at creation time: the
			// default ASCII tokenizer never matches non-ASCII queries.
			`CREATE VIRTUAL TABLE IF NOT EXISTS fts_default USING fts5(
				title, content, metadata,
				content='docs_default',
				content_rowid='rowid',
				tokenize='unicode61 remove_diacritics 2'
			)`,
			`CREATE TABLE IF NOT EXISTS vec_default_dense (
				rowid      INTEGER PRIMARY KEY,
				collection TEXT NOT NULL,
				embedding  BLOB NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS embedding_queue (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				collection_name TEXT NOT NULL,
				document_id     TEXT NOT NULL,
				text_content    TEXT NOT NULL,
				priority        INTEGER NOT NULL DEFAULT 0,
				status          TEXT NOT NULL DEFAULT 'pending',
				retry_count     INTEGER NOT NULL DEFAULT 0,
				created_at      INTEGER NOT NULL,
				updated_at      INTEGER NOT NULL,
				error_message   TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_status ON embedding_queue(status)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_collection ON embedding_queue(collection_name)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_priority ON embedding_queue(priority DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_created ON embedding_queue(created_at)`,
			`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`,
		}
		for _, stmt := range ddl {
			if err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}

		if err := tx.Exec(ctx, `INSERT INTO schema_meta (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		return tx.Exec(ctx, `
			INSERT OR IGNORE INTO collections
				(name, created_at, updated_at, schema_version, dimensions, distance_metric, embedding_status, processing_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			DefaultCollection, now, now, CurrentSchemaVersion,
			m.defaults.Dimensions, m.defaults.DistanceMetric, EmbeddingPending, ProcessingIdle)
	})
}

// dropAll removes the present schema objects, virtual tables first.
func (m *SchemaManager) dropAll(ctx context.Context, present []string) error {
	return m.db.Transaction(ctx, func(tx *Tx) error {
		// present is already ordered virtual-tables-first.
		for _, name := range present {
			if err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Version reads the stored schema version.
func (m *SchemaManager) Version(ctx context.Context) (int, error) {
	rows, err := m.db.Select(ctx, `SELECT MAX(version) AS version FROM schema_meta`)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || rows[0]["version"] == nil {
		return 0, enginerr.Schema(enginerr.ErrCodeSchemaUnavailable,
			"schema_meta has no version row",
			"export your data, clear the store, and reimport")
	}
	version, ok := rows[0]["version"].(int64)
	if !ok {
		return 0, enginerr.Newf(enginerr.ErrCodeSchemaUnavailable, "schema version has unexpected type %T", rows[0]["version"])
	}
	return int(version), nil
}

// migration is one forward step. Migrations run in their own
// transaction, are idempotent under retry, and never silently drop
// user data.
type migration struct {
	from, to int
	apply    func(ctx context.Context, tx *Tx) error
}

// migrations is the registered chain, ordered by from-version.
var migrations = []migration{
	{from: 1, to: 2, apply: migrateCollectionColumn},
}

// migrate runs the chain from the stored version to current. A failed
// step halts the chain; the stored version never decreases.
func (m *SchemaManager) migrate(ctx context.Context, from int) error {
	version := from
	for _, step := range migrations {
		if step.from < version {
			continue
		}
		if step.from != version {
			break
		}
		m.logger.Info("schema_migrate",
			slog.Int("from", step.from),
			slog.Int("to", step.to))

		err := m.db.Transaction(ctx, func(tx *Tx) error {
			if err := step.apply(ctx, tx); err != nil {
				return err
			}
			return tx.Exec(ctx, `UPDATE schema_meta SET version = ?`, step.to)
		})
		if err != nil {
			return enginerr.Schema(enginerr.ErrCodeMigrationFailed,
				fmt.Sprintf("migration %d->%d failed: %v", step.from, step.to, err),
				"export your data, clear the store, and reimport")
		}
		version = step.to
	}

	if version != CurrentSchemaVersion {
		return enginerr.Schema(enginerr.ErrCodeMigrationFailed,
			fmt.Sprintf("no migration path from version %d to %d", version, CurrentSchemaVersion),
			"export your data, clear the store, and reimport")
	}
	return nil
}

// migrateCollectionColumn moves the collection discriminator out of
// document metadata into the typed column, then strips it from metadata
// so user data is returned exactly as supplied.
func migrateCollectionColumn(ctx context.Context, tx *Tx) error {
	hasColumn, err := tableHasColumn(ctx, tx, "docs_default", "collection")
	if err != nil {
		return err
	}
	if !hasColumn {
		if err := tx.Exec(ctx, `ALTER TABLE docs_default ADD COLUMN collection TEXT NOT NULL DEFAULT 'default'`); err != nil {
			return err
		}
	}

	if err := tx.Exec(ctx, `
		UPDATE docs_default
		SET collection = COALESCE(json_extract(metadata, '$.collection'), collection),
		    metadata   = json_remove(metadata, '$.collection')
		WHERE metadata IS NOT NULL
		  AND json_valid(metadata)
		  AND json_extract(metadata, '$.collection') IS NOT NULL`); err != nil {
		return err
	}

	return tx.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_docs_default_collection ON docs_default(collection)`)
}

// tableHasColumn reports whether a column exists on a table.
func tableHasColumn(ctx context.Context, tx *Tx, table, column string) (bool, error) {
	rows, err := tx.Select(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if name, ok := row["name"].(string); ok && name == column {
			return true, nil
		}
	}
	return false, nil
}

// ValidateFTS compares document and FTS row counts for a collection.
// A non-MATCH scan of an external-content table reads through to the
// base table, so the index side is counted via the docsize shadow
// table, which holds one row per actually indexed document.
func (m *SchemaManager) ValidateFTS(ctx context.Context, collection string) (FTSValidation, error) {
	var result FTSValidation

	rows, err := m.db.Select(ctx,
		`SELECT COUNT(*) AS n FROM docs_default WHERE collection = ?`, collection)
	if err != nil {
		return result, err
	}
	result.DocsCount = scanCount(rows)

	rows, err = m.db.Select(ctx, `
		SELECT COUNT(*) AS n
		FROM fts_default_docsize sz
		JOIN docs_default d ON d.rowid = sz.id
		WHERE d.collection = ?`, collection)
	if err != nil {
		return result, err
	}
	result.FTSCount = scanCount(rows)

	result.Valid = result.DocsCount == result.FTSCount
	return result, nil
}

// RebuildFTS re-syncs the FTS index from docs_default in bounded
// batches. This is the official recovery for stores produced by an
// earlier, buggy writer.
//
// The index is external-content, and once it is out of sync its
// per-row 'delete' commands are unsound (the originally indexed values
// can no longer be recovered). A rebuild therefore always clears and
// re-inserts the whole index; the collection argument identifies the
// collection that reported the corruption and is logged, and the
// rebuild is semantics-preserving for every other collection.
func (m *SchemaManager) RebuildFTS(ctx context.Context, collection string) error {
	if collection != "" {
		m.logger.Info("fts_rebuild_full_index",
			slog.String("requested_collection", collection))
	}

	// Clear the whole index first, in its own transaction. This also
	// removes orphaned entries that no longer map to a document.
	err := m.db.Transaction(ctx, func(tx *Tx) error {
		return tx.Exec(ctx, `INSERT INTO fts_default (fts_default) VALUES ('delete-all')`)
	})
	if err != nil {
		return err
	}

	// Re-insert in batches, walking rowids so progress is resumable.
	// Collections with FTS disabled stay out of the index.
	lastRowid := int64(0)
	for {
		rows, err := m.db.Select(ctx, `
			SELECT d.rowid, d.title, d.content, d.metadata
			FROM docs_default d
			JOIN collections c ON c.name = d.collection
			WHERE c.fts_enabled = 1 AND d.rowid > ?
			ORDER BY d.rowid LIMIT ?`, lastRowid, rebuildBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		err = m.db.Transaction(ctx, func(tx *Tx) error {
			for _, row := range rows {
				rowid, _ := row["rowid"].(int64)
				if err := tx.Exec(ctx, `
					INSERT INTO fts_default (rowid, title, content, metadata)
					VALUES (?, ?, ?, ?)`,
					rowid, textValue(row["title"]), textValue(row["content"]), textValue(row["metadata"])); err != nil {
					return err
				}
				lastRowid = rowid
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(rows) < rebuildBatchSize {
			return nil
		}
	}
}

// scanCount extracts the single COUNT(*) value from a result set.
func scanCount(rows []Row) int64 {
	if len(rows) == 0 {
		return 0
	}
	if n, ok := rows[0]["n"].(int64); ok {
		return n
	}
	return 0
}

// textValue converts a nullable TEXT column to a string.
func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}
