package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	enginerr "github.com/fusedb/fusedb/internal/errors"
)

func TestInsert_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	result, err := s.InsertDocumentWithEmbedding(ctx, InsertRequest{
		Collection: DefaultCollection,
		Document:   DocumentInput{ID: "d1", Title: "Greeting", Content: "hello world"},
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", result.ID)
	assert.True(t, result.EmbeddingGenerated, "default generateEmbedding queues a job")

	doc, err := s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Greeting", doc.Title)
	assert.Equal(t, "hello world", doc.Content)
	assert.Equal(t, DefaultCollection, doc.Collection)
	assert.False(t, doc.CreatedAt.IsZero())
}

func TestInsert_ReplaceSemantics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, DefaultCollection, "d1", "first version")
	mustInsert(t, s, DefaultCollection, "d1", "second version")

	rows, err := s.db.Select(ctx, `SELECT COUNT(*) AS n FROM docs_default WHERE id = 'd1'`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), scanCount(rows), "exactly one row per id")

	doc, err := s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "second version", doc.Content)

	// FTS coverage still exact after the replace.
	validation, err := s.ValidateFTSIndex(ctx, DefaultCollection)
	require.NoError(t, err)
	assert.True(t, validation.Valid)
}

func TestInsert_RejectsEmptyDocument(t *testing.T) {
	s := openTestStore(t)

	_, err := s.InsertDocumentWithEmbedding(context.Background(), InsertRequest{
		Collection: DefaultCollection,
		Document:   DocumentInput{ID: "d1", Title: "   ", Content: ""},
	})
	require.Error(t, err)
	assert.Equal(t, enginerr.KindValidation, enginerr.GetKind(err))
}

func TestInsert_RejectsNonObjectMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		meta string
	}{
		{"array", `["a","b"]`},
		{"scalar", `42`},
		{"string", `"x"`},
		{"garbage", `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.InsertDocumentWithEmbedding(ctx, InsertRequest{
				Collection: DefaultCollection,
				Document:   DocumentInput{ID: "m", Content: "x", Metadata: json.RawMessage(tt.meta)},
			})
			require.Error(t, err)
			assert.Equal(t, enginerr.KindValidation, enginerr.GetKind(err))
		})
	}
}

func TestInsert_MetadataPurity(t *testing.T) {
	// A metadata field named "collection" is user data, not a
	// discriminator, and survives byte-for-byte.
	s := openTestStore(t)
	ctx := context.Background()

	meta := `{"collection":"user-value","tags":["a"]}`
	_, err := s.InsertDocumentWithEmbedding(ctx, InsertRequest{
		Collection: "docs",
		Document:   DocumentInput{ID: "m1", Content: "x", Metadata: json.RawMessage(meta)},
	})
	require.NoError(t, err)

	doc, err := s.GetDocument(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, meta, string(doc.Metadata), "metadata must round-trip byte-for-byte")
	assert.Equal(t, "docs", doc.Collection, "owning collection is the column, not the metadata field")
}

func TestInsert_NumericIDCanonicalization(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var req InsertRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"collection": "default",
		"document": {"id": 42, "content": "numeric id"}
	}`), &req))

	result, err := s.InsertDocumentWithEmbedding(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "42", result.ID)

	doc, err := s.GetDocument(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func TestInsert_GeneratesUniqueIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		result, err := s.InsertDocumentWithEmbedding(ctx, InsertRequest{
			Collection: DefaultCollection,
			Document:   DocumentInput{Content: fmt.Sprintf("doc %d", i)},
		})
		require.NoError(t, err)
		require.NotEmpty(t, result.ID)
		require.False(t, seen[result.ID], "generated id %s repeated", result.ID)
		seen[result.ID] = true
	}
}

func TestInsert_RowidAlignmentAcrossTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vec := make([]float32, 384)
	vec[0] = 1

	result, err := s.InsertDocumentWithEmbedding(ctx, InsertRequest{
		Collection: DefaultCollection,
		Document:   DocumentInput{ID: "v1", Content: "vectored"},
		Options:    &InsertOptions{Embedding: vec},
	})
	require.NoError(t, err)

	docRows, err := s.db.Select(ctx, `SELECT rowid FROM docs_default WHERE id = 'v1'`)
	require.NoError(t, err)
	docRowid := docRows[0]["rowid"].(int64)
	assert.Equal(t, result.Rowid, docRowid)

	ftsRows, err := s.db.Select(ctx, `SELECT COUNT(*) AS n FROM fts_default_docsize WHERE id = ?`, docRowid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), scanCount(ftsRows))

	vecRows, err := s.db.Select(ctx, `SELECT COUNT(*) AS n FROM vec_default_dense WHERE rowid = ?`, docRowid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), scanCount(vecRows))
}

func TestInsert_ExplicitVectorSkipsQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vec := make([]float32, 384)
	vec[3] = 1

	_, err := s.InsertDocumentWithEmbedding(ctx, InsertRequest{
		Collection: DefaultCollection,
		Document:   DocumentInput{ID: "v1", Content: "vectored"},
		Options:    &InsertOptions{Embedding: vec},
	})
	require.NoError(t, err)

	rows, err := s.db.Select(ctx, `SELECT COUNT(*) AS n FROM embedding_queue`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), scanCount(rows))
}

func TestInsert_QueuesEmbeddingJobInSameTransaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, DefaultCollection, "q1", "needs embedding")

	rows, err := s.db.Select(ctx, `
		SELECT document_id, status, text_content FROM embedding_queue`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "q1", textValue(rows[0]["document_id"]))
	assert.Equal(t, "pending", textValue(rows[0]["status"]))
	assert.Contains(t, textValue(rows[0]["text_content"]), "needs embedding")
}

func TestInsert_GenerateEmbeddingFalseSkipsQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	off := false
	result, err := s.InsertDocumentWithEmbedding(ctx, InsertRequest{
		Collection: DefaultCollection,
		Document:   DocumentInput{ID: "d1", Content: "no embedding"},
		Options:    &InsertOptions{GenerateEmbedding: &off},
	})
	require.NoError(t, err)
	assert.False(t, result.EmbeddingGenerated)

	rows, err := s.db.Select(ctx, `SELECT COUNT(*) AS n FROM embedding_queue`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), scanCount(rows))
}

func TestInsert_DimensionMismatchRejected(t *testing.T) {
	s := openTestStore(t)

	_, err := s.InsertDocumentWithEmbedding(context.Background(), InsertRequest{
		Collection: DefaultCollection,
		Document:   DocumentInput{ID: "v1", Content: "short vector"},
		Options:    &InsertOptions{Embedding: []float32{1, 2, 3}},
	})
	require.Error(t, err)
	assert.Equal(t, enginerr.ErrCodeDimensionMismatch, enginerr.GetCode(err))

	// The transaction rolled back: no document row remains.
	doc, err := s.GetDocument(context.Background(), "v1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestInsert_QueueBackpressure(t *testing.T) {
	s, err := Open(context.Background(), Options{Path: MemoryPath, QueueMaxDepth: 2})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	mustInsert(t, s, DefaultCollection, "d1", "one")
	mustInsert(t, s, DefaultCollection, "d2", "two")

	_, err = s.InsertDocumentWithEmbedding(ctx, InsertRequest{
		Collection: DefaultCollection,
		Document:   DocumentInput{ID: "d3", Content: "three"},
	})
	require.Error(t, err)
	assert.Equal(t, enginerr.KindResource, enginerr.GetKind(err))
}

func TestBulkInsert_MixedIDsAllCovered(t *testing.T) {
	// N documents where some lack a caller-supplied id: after the
	// batch, every document is FTS-covered, no two share a rowid.
	s := openTestStore(t)
	ctx := context.Background()

	reqs := []InsertRequest{
		{Collection: DefaultCollection, Document: DocumentInput{ID: "a", Content: "alpha content"}},
		{Collection: DefaultCollection, Document: DocumentInput{Content: "beta content"}},
		{Collection: DefaultCollection, Document: DocumentInput{ID: "c", Content: "gamma content"}},
		{Collection: DefaultCollection, Document: DocumentInput{Content: "delta content"}},
		{Collection: DefaultCollection, Document: DocumentInput{Content: "epsilon content"}},
	}

	result, err := s.BulkInsertDocuments(ctx, reqs)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Saved)
	assert.Empty(t, result.Failed)
	require.Len(t, result.IDs, 5)

	validation, err := s.ValidateFTSIndex(ctx, DefaultCollection)
	require.NoError(t, err)
	assert.True(t, validation.Valid)
	assert.Equal(t, int64(5), validation.DocsCount)

	rows, err := s.db.Select(ctx, `SELECT COUNT(DISTINCT rowid) AS n FROM docs_default`)
	require.NoError(t, err)
	assert.Equal(t, int64(5), scanCount(rows), "no two documents share a rowid")
}

func TestBulkInsert_InvalidDocumentsReportedOthersSaved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reqs := []InsertRequest{
		{Collection: DefaultCollection, Document: DocumentInput{ID: "ok", Content: "fine"}},
		{Collection: DefaultCollection, Document: DocumentInput{ID: "bad"}}, // no title, no content
	}

	result, err := s.BulkInsertDocuments(ctx, reqs)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Saved)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.Equal(t, "bad", result.Errors[0].ID)
}

func TestBulkInsert_EmptyBatch(t *testing.T) {
	s := openTestStore(t)

	result, err := s.BulkInsertDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Saved)
}

func TestClear_Collection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, "c1", "a", "keep me out")
	mustInsert(t, s, "c2", "b", "survivor")

	require.NoError(t, s.Clear(ctx, "c1"))

	doc, err := s.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, doc)

	doc, err = s.GetDocument(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, doc)

	validation, err := s.ValidateFTSIndex(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, validation.Valid)
	assert.Equal(t, int64(1), validation.DocsCount)

	// Embedding jobs cascade with the cleared collection.
	rows, err := s.db.Select(ctx, `SELECT collection_name FROM embedding_queue`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c2", textValue(rows[0]["collection_name"]))
}

func TestClear_WholeStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, "c1", "a", "gone")
	mustInsert(t, s, "c2", "b", "also gone")

	require.NoError(t, s.Clear(ctx, ""))

	for _, table := range []string{"docs_default", "fts_default_docsize", "vec_default_dense", "embedding_queue"} {
		rows, err := s.db.Select(ctx, fmt.Sprintf(`SELECT COUNT(*) AS n FROM %s`, table))
		require.NoError(t, err)
		assert.Equal(t, int64(0), scanCount(rows), "table %s not empty", table)
	}
}

func TestCreateCollection_DuplicateFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCollection(ctx, "mine", 128, "l2"))

	err := s.CreateCollection(ctx, "mine", 128, "l2")
	require.Error(t, err)
	assert.Equal(t, enginerr.ErrCodeCollectionExists, enginerr.GetCode(err))

	info, err := s.GetCollectionInfo(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, 128, info.Dimensions)
	assert.Equal(t, "l2", info.DistanceMetric)
}

func TestExportImport_PreservesDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, DefaultCollection, "d1", "portable document")

	data, err := s.Export(ctx)
	require.NoError(t, err)

	restored, err := Restore(ctx, data, "", Options{})
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()
	defer func() { _ = removeStoreFiles(restored.Path()) }()

	doc, err := restored.GetDocument(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "portable document", doc.Content)

	validation, err := restored.ValidateFTSIndex(ctx, DefaultCollection)
	require.NoError(t, err)
	assert.True(t, validation.Valid)
}
