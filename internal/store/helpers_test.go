package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	enginerr "github.com/fusedb/fusedb/internal/errors"
)

// openTestStore opens a fully bootstrapped in-memory store.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Path: MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// restoreDB writes snapshot bytes to path and opens an adapter on it.
func restoreDB(t *testing.T, data []byte, path string) (*DB, error) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return OpenDB(path, 0)
}

// dropFTSRow removes one document's index entry the way the old buggy
// writer lost them. External-content tables reject plain DELETE, so
// the 'delete' command is issued with the document's current values.
func dropFTSRow(t *testing.T, s *Store, id string) int64 {
	t.Helper()
	ctx := context.Background()

	rows, err := s.db.Select(ctx, `
		SELECT rowid, title, content, metadata FROM docs_default WHERE id = ?`, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	rowid := rows[0]["rowid"].(int64)

	require.NoError(t, s.db.Exec(ctx, `
		INSERT INTO fts_default (fts_default, rowid, title, content, metadata)
		VALUES ('delete', ?, ?, ?, ?)`,
		rowid, textValue(rows[0]["title"]), textValue(rows[0]["content"]), textValue(rows[0]["metadata"])))
	return rowid
}

// removeStoreFiles deletes a restored store's files from the temp dir.
func removeStoreFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + ".lock"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// asEngineError asserts err is a typed engine error.
func asEngineError(t *testing.T, err error) *enginerr.EngineError {
	t.Helper()
	ee, ok := err.(*enginerr.EngineError)
	require.True(t, ok, "expected EngineError, got %T: %v", err, err)
	return ee
}

// mustInsert inserts a minimal document and returns the result.
func mustInsert(t *testing.T, s *Store, collection, id, content string) *InsertResult {
	t.Helper()
	result, err := s.InsertDocumentWithEmbedding(context.Background(), InsertRequest{
		Collection: collection,
		Document:   DocumentInput{ID: FlexID(id), Content: content},
	})
	require.NoError(t, err)
	return result
}
