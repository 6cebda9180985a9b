package embedding

import (
	"math"
	"testing"
)

func TestEmbedders_DeterministicUnitVectors(t *testing.T) {
	for _, name := range []string{ChargramModel, HashModel} {
		e := New(name)
		a := e.Embed("I prefer dark roast coffee")
		b := e.Embed("I prefer dark roast coffee")
		if len(a) != e.Dimensions() {
			t.Fatalf("%s: expected %d dims, got %d", name, e.Dimensions(), len(a))
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("%s: embedding not deterministic at %d", name, i)
			}
		}
		if n := Norm(a); math.Abs(n-1) > 1e-5 {
			t.Fatalf("%s: expected unit norm, got %f", name, n)
		}
	}
}

func TestEmbedders_EmptyTextIsZero(t *testing.T) {
	if !IsZero(New("").Embed("   ")) {
		t.Fatalf("expected zero vector for blank text")
	}
	if !IsZero(New("hash").Embed("")) {
		t.Fatalf("expected zero vector for empty text")
	}
}

func TestNew_UnknownModelFallsBack(t *testing.T) {
	if got := New("mystery").ModelID(); got != ChargramModel {
		t.Fatalf("expected fallback model, got %s", got)
	}
}
