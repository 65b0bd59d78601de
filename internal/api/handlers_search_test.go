package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/index"
	"github.com/ManuGH/videoagent/internal/model"
)

func TestSearchVideosWithVector(t *testing.T) {
	h := newHarness(t, nil)
	h.index.videos = []index.Hit{
		{ID: "v1", Score: 0.91, Payload: map[string]any{"category": "sports"}},
		{ID: "v2", Score: 0.83},
	}

	rec := h.do(t, http.MethodPost, "/api/v1/search/videos", map[string]any{
		"vector": testVector(0.25),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[searchResponse](t, rec)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "v1", resp.Hits[0].ID)
	assert.InDelta(t, 0.91, resp.Hits[0].Score, 1e-6)
	assert.Nil(t, resp.Hits[0].RerankScore)

	// The raw vector goes straight to the index with the default limit.
	assert.Equal(t, uint64(defaultSearchLimit), h.index.lastLimit)
	assert.InDelta(t, 0.25, h.index.lastVector[0], 1e-6)
	assert.Empty(t, h.embedder.lastText)
}

func TestSearchTextQueryUsesQueryEmbedding(t *testing.T) {
	h := newHarness(t, nil)
	h.embedder.vec = testVector(0.75)
	h.index.scenes = []index.Hit{{ID: "s1", Score: 0.7}}

	rec := h.do(t, http.MethodPost, "/api/v1/search/scenes", map[string]any{
		"query": "sunset over water",
		"limit": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "sunset over water", h.embedder.lastText)
	assert.Equal(t, model.EmbedQuery, h.embedder.lastKind)
	assert.Equal(t, uint64(3), h.index.lastLimit)
	assert.InDelta(t, 0.75, h.index.lastVector[0], 1e-6)
}

func TestSearchValidation(t *testing.T) {
	cases := []struct {
		name     string
		body     map[string]any
		wantCode string
	}{
		{"both inputs", map[string]any{"query": "x", "vector": testVector(0.1)}, "ambiguous_input"},
		{"neither input", map[string]any{"limit": 5}, "missing_input"},
		{"short vector", map[string]any{"vector": []float32{1, 2, 3}}, "bad_vector"},
		{"oversized limit", map[string]any{"query": "x", "limit": 101}, "bad_limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(t, http.MethodPost, "/api/v1/search/videos", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tc.wantCode, decodeBody[errorResponse](t, rec).Error)
			assert.Zero(t, h.index.calls)
		})
	}
}

func TestSearchFilterForwarded(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/search/videos", map[string]any{
		"vector": testVector(0.1),
		"filter": map[string]any{
			"match": map[string]string{"category": "sports"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, h.index.lastFilter)
	assert.Equal(t, "sports", h.index.lastFilter.Match["category"])
}

func TestSearchRerankBoostsAndReorders(t *testing.T) {
	h := newHarness(t, nil)
	h.index.videos = []index.Hit{
		{ID: "plain", Score: 0.80},
		{ID: "tagged", Score: 0.70, Payload: map[string]any{"tags": []any{"sunset", "ocean"}}},
		{ID: "both", Score: 0.68, Payload: map[string]any{
			"tags":   []any{"sunset"},
			"visual": []any{"sunset"},
		}},
	}

	rec := h.do(t, http.MethodPost, "/api/v1/search/videos", map[string]any{
		"query":  "sunset beach",
		"rerank": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[searchResponse](t, rec)
	require.Equal(t, 3, resp.Count)

	byID := map[string]searchHit{}
	for _, hit := range resp.Hits {
		byID[hit.ID] = hit
	}

	// Cosine scores are never rewritten.
	assert.InDelta(t, 0.80, byID["plain"].Score, 1e-6)
	assert.InDelta(t, 0.70, byID["tagged"].Score, 1e-6)

	require.NotNil(t, byID["plain"].RerankScore)
	assert.InDelta(t, 0.80, *byID["plain"].RerankScore, 1e-6)
	assert.InDelta(t, 0.70*1.2, *byID["tagged"].RerankScore, 1e-4)
	assert.InDelta(t, 0.68*1.2*1.1, *byID["both"].RerankScore, 1e-4)

	// Reordered by the boosted value: both (0.8976), tagged (0.84), plain (0.80).
	assert.Equal(t, "both", resp.Hits[0].ID)
	assert.Equal(t, "tagged", resp.Hits[1].ID)
	assert.Equal(t, "plain", resp.Hits[2].ID)
}

func TestSearchRerankWithVectorKeepsScores(t *testing.T) {
	h := newHarness(t, nil)
	h.index.videos = []index.Hit{
		{ID: "v1", Score: 0.9, Payload: map[string]any{"tags": []any{"sunset"}}},
	}

	// No query text means no terms to match; the boost stays at 1.
	rec := h.do(t, http.MethodPost, "/api/v1/search/videos", map[string]any{
		"vector": testVector(0.1),
		"rerank": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[searchResponse](t, rec)
	require.NotNil(t, resp.Hits[0].RerankScore)
	assert.InDelta(t, 0.9, *resp.Hits[0].RerankScore, 1e-6)
}

func TestSearchResponseCached(t *testing.T) {
	h := newHarness(t, nil)
	h.index.videos = []index.Hit{{ID: "v1", Score: 0.9}}
	body := map[string]any{"vector": testVector(0.3)}

	first := h.do(t, http.MethodPost, "/api/v1/search/videos", body)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, 1, h.index.calls)

	second := h.do(t, http.MethodPost, "/api/v1/search/videos", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, h.index.calls, "identical request must be served from cache")
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// A different limit is a different fingerprint.
	body["limit"] = 5
	third := h.do(t, http.MethodPost, "/api/v1/search/videos", body)
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, 2, h.index.calls)
}

func TestSearchErrorsAreNotCached(t *testing.T) {
	h := newHarness(t, nil)
	h.index.err = domain.NewTransientFailure("index_down", "vector store unreachable", nil)
	body := map[string]any{"vector": testVector(0.2)}

	rec := h.do(t, http.MethodPost, "/api/v1/search/videos", body)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "index_down", decodeBody[errorResponse](t, rec).Error)

	// Once the index recovers, the same request computes fresh: the failed
	// attempt must not have poisoned the cache.
	h.index.err = nil
	h.index.videos = []index.Hit{{ID: "v1", Score: 0.9}}
	ok := h.do(t, http.MethodPost, "/api/v1/search/videos", body)
	require.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, 2, h.index.calls)
	assert.Equal(t, 1, decodeBody[searchResponse](t, ok).Count)
}

func TestSearchDisabledWithoutIndex(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Index = nil })
	rec := h.do(t, http.MethodPost, "/api/v1/search/videos", map[string]any{"query": "x"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "search_disabled", decodeBody[errorResponse](t, rec).Error)
}
