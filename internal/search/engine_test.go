package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusedb/fusedb/internal/store"
)

func newTestEngine(t *testing.T) (*store.Store, *Engine) {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{Path: store.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, NewEngine(s, DefaultConfig(), nil)
}

func insertDoc(t *testing.T, s *store.Store, collection, id, content string) {
	t.Helper()
	_, err := s.InsertDocumentWithEmbedding(context.Background(), store.InsertRequest{
		Collection: collection,
		Document:   store.DocumentInput{ID: store.FlexID(id), Content: content},
	})
	require.NoError(t, err)
}

func insertDocVec(t *testing.T, s *store.Store, collection, id, content string, vec []float32) {
	t.Helper()
	_, err := s.InsertDocumentWithEmbedding(context.Background(), store.InsertRequest{
		Collection: collection,
		Document:   store.DocumentInput{ID: store.FlexID(id), Content: content},
		Options:    &store.InsertOptions{Embedding: vec},
	})
	require.NoError(t, err)
}

func TestSearch_FreshStoreTextQuery(t *testing.T) {
	s, engine := newTestEngine(t)
	insertDoc(t, s, "default", "d1", "hello world")

	resp, err := engine.Search(context.Background(), SearchRequest{
		Collection: "default",
		Query:      Query{Text: "hello"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "d1", resp.Results[0].ID)
	require.NotNil(t, resp.Results[0].Scores.FTS, "FTS score must be reported")
	assert.Greater(t, *resp.Results[0].Scores.FTS, 0.0)
	assert.Nil(t, resp.Results[0].Scores.Vec)
}

func TestSearch_CyrillicFTSWithCaseFolding(t *testing.T) {
	s, engine := newTestEngine(t)
	insertDoc(t, s, "default", "ru1", "Пушкин написал роман")
	ctx := context.Background()

	// Exact token.
	resp, err := engine.Search(ctx, SearchRequest{
		Collection: "default",
		Query:      Query{Text: "Пушкин"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ru1", resp.Results[0].ID)
	assert.NotNil(t, resp.Results[0].Scores.FTS)

	// Lower-case prefix: the unicode61 tokenizer folds case.
	resp, err = engine.Search(ctx, SearchRequest{
		Collection: "default",
		Query:      Query{Text: "пуш"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ru1", resp.Results[0].ID)
}

func TestSearch_LikeIsCaseSensitiveForNonASCII(t *testing.T) {
	s, engine := newTestEngine(t)
	insertDoc(t, s, "default", "ru1", "Пушкин написал роман")
	ctx := context.Background()

	// Mid-word substring: FTS prefix terms cannot match it, LIKE can —
	// but only with the stored casing.
	resp, err := engine.Search(ctx, SearchRequest{
		Collection:       "default",
		Query:            Query{Text: "ушкин"},
		EnableLikeSearch: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ru1", resp.Results[0].ID)
	assert.NotNil(t, resp.Results[0].Scores.Like)
	assert.Nil(t, resp.Results[0].Scores.FTS)

	// Wrong casing of the same substring does not LIKE-match; there is
	// no whole-word prefix either, so nothing comes back.
	resp, err = engine.Search(ctx, SearchRequest{
		Collection:       "default",
		Query:            Query{Text: "УШКИН"},
		EnableLikeSearch: true,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearch_CollectionScoping(t *testing.T) {
	s, engine := newTestEngine(t)
	insertDoc(t, s, "c1", "a", "apple")
	insertDoc(t, s, "c2", "b", "apple")
	ctx := context.Background()

	resp, err := engine.Search(ctx, SearchRequest{Collection: "c1", Query: Query{Text: "apple"}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].ID)

	resp, err = engine.Search(ctx, SearchRequest{Collection: "c2", Query: Query{Text: "apple"}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "b", resp.Results[0].ID)
}

func TestSearch_NonexistentCollectionIsEmptyNotError(t *testing.T) {
	_, engine := newTestEngine(t)

	resp, err := engine.Search(context.Background(), SearchRequest{
		Collection: "nope",
		Query:      Query{Text: "anything"},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearch_LimitZeroReturnsEmpty(t *testing.T) {
	s, engine := newTestEngine(t)
	insertDoc(t, s, "default", "d1", "hello world")

	zero := 0
	resp, err := engine.Search(context.Background(), SearchRequest{
		Collection: "default",
		Query:      Query{Text: "hello"},
		Limit:      &zero,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	_, engine := newTestEngine(t)

	_, err := engine.Search(context.Background(), SearchRequest{
		Collection: "default",
		Query:      Query{Text: "   "},
	})
	require.Error(t, err)
}

func TestSearch_HybridFusion(t *testing.T) {
	// Document A matches the text strongly; document B is the nearest
	// vector. RRF with equal weights keeps both on top; weighted with
	// one weight zeroed picks the other signal's winner.
	ctx := context.Background()
	s, err := store.Open(ctx, store.Options{Path: store.MemoryPath, Dimensions: 4})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	engine := NewEngine(s, DefaultConfig(), nil)

	queryVec := []float32{1, 0, 0, 0}

	insertDocVec(t, s, "default", "A", "quantum flux capacitor maintenance", []float32{0, 0, 1, 0})
	insertDocVec(t, s, "default", "B", "unrelated gardening notes", []float32{0.99, 0.01, 0, 0})
	for i := 0; i < 20; i++ {
		insertDocVec(t, s, "default", fmt.Sprintf("f%02d", i),
			fmt.Sprintf("filler document number %d about various topics", i),
			[]float32{0, 1, float32(i) / 20, 0})
	}

	// RRF, equal weights: both A and B in the top 2.
	resp, err := engine.Search(ctx, SearchRequest{
		Collection: "default",
		Query:      Query{Text: "quantum flux capacitor", Vector: queryVec},
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(resp.Results), 2)
	top2 := []string{resp.Results[0].ID, resp.Results[1].ID}
	assert.Contains(t, top2, "A")
	assert.Contains(t, top2, "B")

	// Weighted, FTS silenced: the nearest neighbor wins.
	resp, err = engine.Search(ctx, SearchRequest{
		Collection: "default",
		Query:      Query{Text: "quantum flux capacitor", Vector: queryVec},
		Fusion:     &Fusion{Method: MethodWeighted, Weights: &Weights{FTS: 0, Vec: 1}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "B", resp.Results[0].ID)

	// Weighted, vector silenced: the lexical match wins.
	resp, err = engine.Search(ctx, SearchRequest{
		Collection: "default",
		Query:      Query{Text: "quantum flux capacitor", Vector: queryVec},
		Fusion:     &Fusion{Method: MethodWeighted, Weights: &Weights{FTS: 1, Vec: 0}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "A", resp.Results[0].ID)
}

func TestSearch_VectorDimensionMismatchDegradesToText(t *testing.T) {
	s, engine := newTestEngine(t)
	insertDoc(t, s, "default", "d1", "hello world")

	resp, err := engine.Search(context.Background(), SearchRequest{
		Collection: "default",
		Query:      Query{Text: "hello", Vector: []float32{1, 2, 3}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Nil(t, resp.Results[0].Scores.Vec)
	assert.NotNil(t, resp.Results[0].Scores.FTS)
}

func TestSearch_MetadataReturnedVerbatim(t *testing.T) {
	s, engine := newTestEngine(t)
	ctx := context.Background()

	meta := `{"collection":"user-value","tags":["a"]}`
	_, err := s.InsertDocumentWithEmbedding(ctx, store.InsertRequest{
		Collection: "docs",
		Document: store.DocumentInput{
			ID: "m1", Content: "findable text",
			Metadata: []byte(meta),
		},
	})
	require.NoError(t, err)

	resp, err := engine.Search(ctx, SearchRequest{Collection: "docs", Query: Query{Text: "findable"}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, meta, string(resp.Results[0].Metadata))
}

func TestSearch_SnippetFromContent(t *testing.T) {
	s, engine := newTestEngine(t)
	insertDoc(t, s, "default", "d1", "the fast brown fox jumps over the lazy dog near the river bank")

	resp, err := engine.Search(context.Background(), SearchRequest{
		Collection: "default",
		Query:      Query{Text: "fox"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Snippet, "fox")
}

func TestSearch_ResultsTruncatedToLimit(t *testing.T) {
	s, engine := newTestEngine(t)
	for i := 0; i < 30; i++ {
		insertDoc(t, s, "default", fmt.Sprintf("d%d", i), fmt.Sprintf("common term document %d", i))
	}

	limit := 5
	resp, err := engine.Search(context.Background(), SearchRequest{
		Collection: "default",
		Query:      Query{Text: "common"},
		Limit:      &limit,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 5)
}

func TestBuildMatchQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", "hello* world*"},
		{"Пушкин", "Пушкин*"},
		{`quoted "phrase" here`, "quoted* phrase* here*"},
		{"   ", ""},
		{"a-b_c", "a* b* c*"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, buildMatchQuery(tt.in), "input %q", tt.in)
	}
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, escapeLike("100%"))
	assert.Equal(t, `a\_b`, escapeLike("a_b"))
	assert.Equal(t, `back\\slash`, escapeLike(`back\slash`))
}
