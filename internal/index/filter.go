// SPDX-License-Identifier: MIT

package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// Filter narrows a search over point payloads. Every populated condition must
// hold, so the groups compose with AND. A nil filter matches everything above
// the default score threshold.
type Filter struct {
	// Match requires the payload field to equal the keyword exactly.
	Match map[string]string `json:"match,omitempty"`
	// MatchAny requires the payload field to equal one of the keywords.
	MatchAny map[string][]string `json:"matchAny,omitempty"`
	// Range bounds a numeric payload field.
	Range map[string]Range `json:"range,omitempty"`
	// ScoreThreshold overrides the default cutoff when set.
	ScoreThreshold *float32 `json:"scoreThreshold,omitempty"`
}

// Range is a numeric bound. Nil ends are open.
type Range struct {
	Gte *float64 `json:"gte,omitempty"`
	Lte *float64 `json:"lte,omitempty"`
	Gt  *float64 `json:"gt,omitempty"`
	Lt  *float64 `json:"lt,omitempty"`
}

// conditions compiles the filter to a Qdrant must-clause. Keys are visited in
// sorted order so the compiled form is deterministic.
func (f *Filter) conditions() *qdrant.Filter {
	if f == nil {
		return nil
	}

	var must []*qdrant.Condition
	for _, key := range sortedKeys(f.Match) {
		must = append(must, qdrant.NewMatch(key, f.Match[key]))
	}
	for _, key := range sortedKeys(f.MatchAny) {
		must = append(must, qdrant.NewMatchKeywords(key, f.MatchAny[key]...))
	}
	for _, key := range sortedKeys(f.Range) {
		r := f.Range[key]
		must = append(must, qdrant.NewRange(key, &qdrant.Range{
			Gte: r.Gte,
			Lte: r.Lte,
			Gt:  r.Gt,
			Lt:  r.Lt,
		}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// Fingerprint renders the filter as a canonical string for cache keys. Two
// filters with the same conditions produce the same fingerprint regardless of
// map iteration order.
func (f *Filter) Fingerprint() string {
	if f == nil {
		return ""
	}

	var b strings.Builder
	for _, key := range sortedKeys(f.Match) {
		fmt.Fprintf(&b, "match:%s=%s;", key, f.Match[key])
	}
	for _, key := range sortedKeys(f.MatchAny) {
		fmt.Fprintf(&b, "any:%s=%s;", key, strings.Join(f.MatchAny[key], "|"))
	}
	for _, key := range sortedKeys(f.Range) {
		r := f.Range[key]
		fmt.Fprintf(&b, "range:%s=[%s,%s,%s,%s];", key,
			boundString(r.Gte), boundString(r.Lte), boundString(r.Gt), boundString(r.Lt))
	}
	if f.ScoreThreshold != nil {
		fmt.Fprintf(&b, "threshold:%g;", *f.ScoreThreshold)
	}
	return b.String()
}

func boundString(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%g", *v)
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
