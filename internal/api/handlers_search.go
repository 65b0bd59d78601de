// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/ManuGH/videoagent/internal/cache"
	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/index"
	"github.com/ManuGH/videoagent/internal/model"
)

const (
	searchBodyLimit    = 256 << 10
	defaultSearchLimit = 10
	maxSearchLimit     = 100

	collectionVideos = "videos"
	collectionScenes = "scenes"
)

// Rerank factors. Both can apply to the same hit.
const (
	rerankTagFactor   = 1.2
	rerankSceneFactor = 1.1
)

// searchRequest carries either free text or a raw vector, never both.
type searchRequest struct {
	Query  string        `json:"query,omitempty"`
	Vector []float32     `json:"vector,omitempty"`
	Limit  uint64        `json:"limit,omitempty"`
	Filter *index.Filter `json:"filter,omitempty"`
	Rerank bool          `json:"rerank,omitempty"`
}

func (req *searchRequest) validate() error {
	hasQuery := strings.TrimSpace(req.Query) != ""
	hasVector := len(req.Vector) > 0
	switch {
	case hasQuery && hasVector:
		return domain.NewValidationFailure("ambiguous_input", "query and vector are mutually exclusive")
	case !hasQuery && !hasVector:
		return domain.NewValidationFailure("missing_input", "either query text or a vector is required")
	}
	if hasVector {
		if err := domain.ValidateVector(req.Vector); err != nil {
			return domain.NewValidationFailure("bad_vector", err.Error())
		}
	}
	if req.Limit == 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit > maxSearchLimit {
		return domain.NewValidationFailure("bad_limit",
			"limit must be at most 100")
	}
	return nil
}

// searchHit mirrors an index hit. RerankScore is only present when the
// caller asked for re-ranking; the cosine score is never rewritten.
type searchHit struct {
	ID          string         `json:"id"`
	Score       float32        `json:"score"`
	RerankScore *float32       `json:"rerankScore,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type searchResponse struct {
	Hits  []searchHit `json:"hits"`
	Count int         `json:"count"`
}

func (s *Server) handleSearchVideos(w http.ResponseWriter, r *http.Request) {
	s.handleSearch(w, r, collectionVideos)
}

func (s *Server) handleSearchScenes(w http.ResponseWriter, r *http.Request) {
	s.handleSearch(w, r, collectionScenes)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, collection string) {
	if s.deps.Index == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "search_disabled", "search index is not configured")
		return
	}

	var req searchRequest
	if err := decodeJSON(w, r, searchBodyLimit, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeFailure(w, r, err)
		return
	}
	if req.Query != "" && s.deps.Embedder == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "search_disabled", "text search needs the model service")
		return
	}

	// The whole request is the cache fingerprint: any knob that changes the
	// result set changes the key. Invalidation is by prefix on index writes.
	fingerprint, err := json.Marshal(req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	key := cache.SearchKey(collection, string(fingerprint))

	resp, _, err := cache.GetOrCompute(r.Context(), s.deps.Cache, key, s.cfg.SearchCacheTTL,
		func(ctx context.Context) (searchResponse, error) {
			return s.runSearch(ctx, collection, req)
		})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runSearch(ctx context.Context, collection string, req searchRequest) (searchResponse, error) {
	vec := req.Vector
	if req.Query != "" {
		v, err := s.deps.Embedder.EmbedText(ctx, req.Query, model.EmbedQuery)
		if err != nil {
			return searchResponse{}, err
		}
		vec = v
	}

	var (
		hits []index.Hit
		err  error
	)
	switch collection {
	case collectionScenes:
		hits, err = s.deps.Index.SearchScenes(ctx, vec, req.Limit, req.Filter)
	default:
		hits, err = s.deps.Index.SearchVideos(ctx, vec, req.Limit, req.Filter)
	}
	if err != nil {
		return searchResponse{}, err
	}

	out := make([]searchHit, len(hits))
	for i, h := range hits {
		out[i] = searchHit{ID: h.ID, Score: h.Score, Payload: h.Payload}
	}
	if req.Rerank {
		rerankHits(out, req.Query)
	}
	return searchResponse{Hits: out, Count: len(out)}, nil
}

// rerankHits boosts hits whose payload matches the query terms: a tag match
// multiplies by 1.2, a scene-type match by 1.1. The boosted value can leave
// the cosine range, so it lives in its own field and the original score
// stays untouched. Hits are reordered by the boosted value.
func rerankHits(hits []searchHit, query string) {
	terms := queryTerms(query)
	for i := range hits {
		factor := float32(1)
		if payloadMatches(hits[i].Payload, "tags", terms) {
			factor *= rerankTagFactor
		}
		if payloadMatches(hits[i].Payload, "visual", terms) {
			factor *= rerankSceneFactor
		}
		boosted := hits[i].Score * factor
		hits[i].RerankScore = &boosted
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return *hits[i].RerankScore > *hits[j].RerankScore
	})
}

// queryTerms lowercases and splits the query into match terms. A vector-only
// request has no terms, so every factor stays 1.
func queryTerms(query string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(query)) {
		terms[f] = struct{}{}
	}
	return terms
}

// payloadMatches reports whether any keyword under the payload field equals
// one of the terms. Payloads decoded from the index arrive as []any; fakes
// in tests may carry []string.
func payloadMatches(payload map[string]any, field string, terms map[string]struct{}) bool {
	if len(terms) == 0 || payload == nil {
		return false
	}
	matchOne := func(v string) bool {
		_, ok := terms[strings.ToLower(v)]
		return ok
	}
	switch vals := payload[field].(type) {
	case []any:
		for _, v := range vals {
			if s, ok := v.(string); ok && matchOne(s) {
				return true
			}
		}
	case []string:
		for _, v := range vals {
			if matchOne(v) {
				return true
			}
		}
	case string:
		return matchOne(vals)
	}
	return false
}
