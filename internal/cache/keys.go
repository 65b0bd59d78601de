package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/text/unicode/norm"
)

// TTLs for the two cache families. Embeddings are deterministic for a given
// text, so they keep a long TTL; search results go stale as soon as new
// videos are indexed and stay short-lived.
const (
	EmbeddingTTL = 24 * time.Hour
	SearchTTL    = 5 * time.Minute
)

// Key prefixes. DeletePrefix(SearchPrefix) invalidates all cached searches
// after an index write.
const (
	EmbeddingPrefix = "emb:"
	SearchPrefix    = "search:"
)

// EmbeddingKey derives the memoization key for a description. The text is
// NFC-normalized first so canonically equivalent strings ("café" composed
// or decomposed) share one cache entry.
func EmbeddingKey(description string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(description)))
	return EmbeddingPrefix + hex.EncodeToString(sum[:])
}

// SearchKey hashes a canonical request fingerprint under the search prefix,
// scoped by collection. Callers build fingerprint from query text plus every
// filter that affects the result set.
func SearchKey(collection, fingerprint string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(fingerprint)))
	return SearchPrefix + collection + ":" + hex.EncodeToString(sum[:])
}
