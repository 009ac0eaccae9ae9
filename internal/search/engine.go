package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	enginerr "github.com/fusedb/fusedb/internal/errors"
	"github.com/fusedb/fusedb/internal/store"
)

// minLikePatternRunes rejects very short substring patterns before a
// table scan is issued.
const minLikePatternRunes = 3

// Engine runs hybrid queries over a Store.
type Engine struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates a search engine.
func NewEngine(s *store.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.CandidateK <= 0 {
		cfg.CandidateK = 50
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = DefaultRRFConstant
	}
	if cfg.DefaultWeights == (Weights{}) {
		cfg.DefaultWeights = DefaultWeights()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, cfg: cfg, logger: logger}
}

// Search generates candidates for each signal present in the request,
// fuses them, and assembles the ranked response. Every generator
// scopes on the collection column; a collection that does not exist
// simply yields no candidates.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	started := time.Now()

	collection := req.Collection
	if collection == "" {
		collection = store.DefaultCollection
	}

	limit := e.cfg.DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}
	if limit <= 0 {
		return &SearchResponse{Results: []SearchResult{}, TookMS: time.Since(started).Milliseconds()}, nil
	}

	if strings.TrimSpace(req.Query.Text) == "" && len(req.Query.Vector) == 0 {
		return nil, enginerr.Validation("query", "text or vector is required")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var ftsCands, vecCands, likeCands []candidate
	g, gctx := errgroup.WithContext(ctx)

	if strings.TrimSpace(req.Query.Text) != "" {
		g.Go(func() error {
			var err error
			ftsCands, err = e.ftsCandidates(gctx, collection, req.Query.Text)
			return err
		})
		if req.EnableLikeSearch {
			g.Go(func() error {
				var err error
				likeCands, err = e.likeCandidates(gctx, collection, req.Query.Text)
				return err
			})
		}
	}
	if len(req.Query.Vector) > 0 {
		g.Go(func() error {
			var err error
			vecCands, err = e.vectorCandidates(gctx, collection, req.Query.Vector)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	method := MethodRRF
	weights := e.cfg.DefaultWeights
	if req.Fusion != nil {
		if req.Fusion.Method != "" {
			method = req.Fusion.Method
		}
		if req.Fusion.Weights != nil {
			weights = *req.Fusion.Weights
		}
	}
	if method != MethodRRF && method != MethodWeighted {
		return nil, enginerr.Validation("fusion.method", "must be rrf or weighted")
	}

	fused := fuse(method, e.cfg.RRFConstant, weights, ftsCands, vecCands, likeCands)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	results, err := e.assemble(ctx, fused, req.Query.Text)
	if err != nil {
		return nil, err
	}

	return &SearchResponse{
		Results: results,
		Total:   len(results),
		TookMS:  time.Since(started).Milliseconds(),
	}, nil
}

// ftsCandidates runs the ranked full-text query. The match expression
// and collection are always bound as parameters: multibyte text
// inlined into SQL literals breaks the parser in practice.
func (e *Engine) ftsCandidates(ctx context.Context, collection, text string) ([]candidate, error) {
	match := buildMatchQuery(text)
	if match == "" {
		return nil, nil
	}

	rows, err := e.store.DB().Select(ctx, `
		SELECT d.rowid AS rowid, d.id AS id,
		       bm25(fts_default) AS score,
		       snippet(fts_default, -1, '', '', '…', 12) AS snip
		FROM fts_default
		JOIN docs_default d ON d.rowid = fts_default.rowid
		WHERE fts_default MATCH ? AND d.collection = ?
		ORDER BY score
		LIMIT ?`, match, collection, e.cfg.CandidateK)
	if err != nil {
		// FTS5 reports malformed match expressions as errors; an
		// unmatchable query is not a search failure.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, err
	}

	cands := make([]candidate, 0, len(rows))
	for i, row := range rows {
		rowid, _ := row["rowid"].(int64)
		score, _ := row["score"].(float64)
		cands = append(cands, candidate{
			rowid: rowid,
			id:    textValue(row["id"]),
			// bm25() returns negative values, lower = better.
			score:   -score,
			rank:    i + 1,
			snippet: textValue(row["snip"]),
		})
	}
	return cands, nil
}

// vectorCandidates runs the k-nearest query. Issued only when the
// query vector length matches the collection's configured dimension.
func (e *Engine) vectorCandidates(ctx context.Context, collection string, vector []float32) ([]candidate, error) {
	hits, err := e.store.SearchVectors(ctx, collection, vector, e.cfg.CandidateK)
	if err != nil {
		if enginerr.GetCode(err) == enginerr.ErrCodeDimensionMismatch {
			e.logger.Warn("vector_query_dimension_mismatch",
				slog.String("collection", collection),
				slog.Int("query_dim", len(vector)))
			return nil, nil
		}
		return nil, err
	}

	cands := make([]candidate, 0, len(hits))
	for i, hit := range hits {
		cands = append(cands, candidate{
			rowid: hit.Rowid,
			score: float64(hit.Score),
			rank:  i + 1,
		})
	}
	return cands, nil
}

// likeCandidates runs the substring query. Neither side is
// lower-cased: the engine's LOWER is ASCII-only, so folding would
// produce patterns that no longer match non-ASCII text. Substring
// matching on non-ASCII text is therefore case-sensitive; callers who
// need folding use FTS.
func (e *Engine) likeCandidates(ctx context.Context, collection, text string) ([]candidate, error) {
	pattern := strings.TrimSpace(text)
	if utf8.RuneCountInString(pattern) < minLikePatternRunes || isStopWord(pattern) {
		return nil, nil
	}

	escaped := escapeLike(pattern)
	like := "%" + escaped + "%"
	rows, err := e.store.DB().Select(ctx, `
		SELECT rowid, id FROM docs_default
		WHERE collection = ?
		  AND (content LIKE ? ESCAPE '\' OR title LIKE ? ESCAPE '\')
		ORDER BY rowid
		LIMIT ?`, collection, like, like, e.cfg.CandidateK)
	if err != nil {
		return nil, err
	}

	cands := make([]candidate, 0, len(rows))
	for i, row := range rows {
		rowid, _ := row["rowid"].(int64)
		cands = append(cands, candidate{
			rowid: rowid,
			id:    textValue(row["id"]),
			score: 1.0 / float64(i+1),
			rank:  i + 1,
		})
	}
	return cands, nil
}

// assemble enriches the fused list with a single join-fetch back into
// the base table.
func (e *Engine) assemble(ctx context.Context, fused []*fusedResult, queryText string) ([]SearchResult, error) {
	if len(fused) == 0 {
		return []SearchResult{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fused)), ",")
	args := make([]any, len(fused))
	for i, r := range fused {
		args[i] = r.rowid
	}
	rows, err := e.store.DB().Select(ctx, fmt.Sprintf(`
		SELECT rowid, id, title, content, metadata
		FROM docs_default WHERE rowid IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, err
	}

	docs := make(map[int64]store.Row, len(rows))
	for _, row := range rows {
		if rowid, ok := row["rowid"].(int64); ok {
			docs[rowid] = row
		}
	}

	results := make([]SearchResult, 0, len(fused))
	for _, r := range fused {
		row, ok := docs[r.rowid]
		if !ok {
			// Candidate vanished between generation and assembly;
			// skip rather than fabricate.
			continue
		}

		result := SearchResult{
			ID:    textValue(row["id"]),
			Rowid: r.rowid,
			Score: r.score,
			Title: textValue(row["title"]),
		}
		if r.ftsRank > 0 {
			score := r.ftsScore
			result.Scores.FTS = &score
		}
		if r.vecRank > 0 {
			score := r.vecScore
			result.Scores.Vec = &score
		}
		if r.likeRank > 0 {
			score := r.likeScore
			result.Scores.Like = &score
		}
		if meta := textValue(row["metadata"]); meta != "" {
			result.Metadata = []byte(meta)
		}

		content := textValue(row["content"])
		result.Snippet = deriveSnippet(r.snippet, content, queryText, r.likeRank > 0)
		results = append(results, result)
	}
	return results, nil
}

// buildMatchQuery turns free text into an FTS5 match expression:
// Unicode letter/number tokens, each quoted and prefix-expanded,
// joined with implicit AND.
func buildMatchQuery(text string) string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(tokens) == 0 {
		return ""
	}

	// Tokens are pure letter/number runs, so they are valid FTS5
	// barewords; the trailing star makes each a prefix term.
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		terms = append(terms, tok+"*")
	}
	return strings.Join(terms, " ")
}

// escapeLike escapes LIKE wildcards and the escape character itself.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
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
