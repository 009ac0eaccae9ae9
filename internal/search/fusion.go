package search

import (
	"sort"
)

// fusedResult accumulates one document's contributions across signals.
type fusedResult struct {
	rowid int64
	id    string
	score float64

	ftsScore  float64
	ftsRank   int
	vecScore  float64
	vecRank   int
	likeScore float64
	likeRank  int

	snippet string
}

// fuse combines the three candidate lists into one ranked list.
// Method "rrf" scores each candidate weight/(K+rank), absent signals
// contributing 0. Method "weighted" min-max normalizes each signal's
// native scores to [0,1] before weighting. Ties break on lower rowid,
// which is deterministic and stable across runs.
func fuse(method string, k int, weights Weights, fts, vec, like []candidate) []*fusedResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	merged := make(map[int64]*fusedResult, len(fts)+len(vec)+len(like))
	get := func(c candidate) *fusedResult {
		if r, ok := merged[c.rowid]; ok {
			return r
		}
		r := &fusedResult{rowid: c.rowid, id: c.id}
		merged[c.rowid] = r
		return r
	}

	for _, c := range fts {
		r := get(c)
		r.ftsScore = c.score
		r.ftsRank = c.rank
		if c.snippet != "" {
			r.snippet = c.snippet
		}
	}
	for _, c := range vec {
		r := get(c)
		r.vecScore = c.score
		r.vecRank = c.rank
	}
	for _, c := range like {
		r := get(c)
		r.likeScore = c.score
		r.likeRank = c.rank
	}

	switch method {
	case MethodWeighted:
		ftsNorm := minMaxByRowid(fts)
		vecNorm := minMaxByRowid(vec)
		likeNorm := minMaxByRowid(like)
		for rowid, r := range merged {
			r.score = weights.FTS*ftsNorm[rowid] +
				weights.Vec*vecNorm[rowid] +
				weights.Like*likeNorm[rowid]
		}
	default:
		for _, r := range merged {
			if r.ftsRank > 0 {
				r.score += weights.FTS / float64(k+r.ftsRank)
			}
			if r.vecRank > 0 {
				r.score += weights.Vec / float64(k+r.vecRank)
			}
			if r.likeRank > 0 {
				r.score += weights.Like / float64(k+r.likeRank)
			}
		}
	}

	results := make([]*fusedResult, 0, len(merged))
	for _, r := range merged {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		// Earlier inserted wins.
		return results[i].rowid < results[j].rowid
	})
	return results
}

// minMaxByRowid normalizes a signal's native scores to [0,1], keyed by
// rowid. Documents absent from the signal map to 0; a single-candidate
// list maps to 1.
func minMaxByRowid(cands []candidate) map[int64]float64 {
	norm := make(map[int64]float64, len(cands))
	if len(cands) == 0 {
		return norm
	}

	lo, hi := cands[0].score, cands[0].score
	for _, c := range cands[1:] {
		if c.score < lo {
			lo = c.score
		}
		if c.score > hi {
			hi = c.score
		}
	}

	span := hi - lo
	for _, c := range cands {
		if span == 0 {
			norm[c.rowid] = 1.0
			continue
		}
		norm[c.rowid] = (c.score - lo) / span
	}
	return norm
}
