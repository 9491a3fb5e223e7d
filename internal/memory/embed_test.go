package memory

import "testing"

func TestEmbedIsDeterministic(t *testing.T) {
	a := embed("search results about biryani")
	b := embed("search results about biryani")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic embedding, differs at index %d", i)
		}
	}
}

func TestEmbedHasUnitNorm(t *testing.T) {
	v := embed("distinct tokens produce a non-zero vector")
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares < 0.99 || sumSquares > 1.01 {
		t.Errorf("expected unit-norm vector, got sum of squares %f", sumSquares)
	}
}

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	v := embed("")
	for _, x := range v {
		if x != 0 {
			t.Fatalf("expected zero vector for empty text, found %f", x)
		}
	}
}
