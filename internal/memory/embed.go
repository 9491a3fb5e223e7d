package memory

import (
	"hash/fnv"
	"math"
	"strings"
)

// embeddingDim is the fixed vector width stored in Postgres's vector(n)
// column. Chosen small enough to keep the demo self-contained.
const embeddingDim = 256

// embed produces a deterministic bag-of-words embedding for text: every
// whitespace-delimited token is hashed into a bucket and accumulated, then
// the vector is L2-normalized. This stands in for the original's ChromaDB
// default sentence embedder — no embedding-model client exists anywhere in
// the retrieval pack, so this concern is intentionally implemented on the
// standard library rather than grounded on a third-party dependency (see
// DESIGN.md).
func embed(text string) []float32 {
	vec := make([]float32, embeddingDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		bucket := h.Sum32() % embeddingDim
		vec[bucket]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
