package embedding

import (
	"context"
	"math"
	"testing"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	e := NewMockEmbedder(16)
	ctx := context.Background()
	a, err := e.EmbedBatch(ctx, []string{"alpha", "beta", "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckBatch([]string{"alpha", "beta", "alpha"}, a, 16); err != nil {
		t.Fatal(err)
	}
	for i := range a[0] {
		if a[0][i] != a[2][i] {
			t.Fatal("same text should embed identically")
		}
	}
	var sum float64
	for _, v := range a[1] {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1) > 1e-4 {
		t.Errorf("expected unit vector, norm^2=%f", sum)
	}
}

func TestMockEmbedder_Defaults(t *testing.T) {
	e := NewMockEmbedder(0)
	if e.Dimensions() != 384 || e.ModelName() != "mock-384" {
		t.Errorf("defaults: %d %s", e.Dimensions(), e.ModelName())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.EmbedBatch(ctx, []string{"x"}); err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestCheckBatch(t *testing.T) {
	if err := CheckBatch([]string{"a"}, nil, 3); err == nil {
		t.Error("expected count mismatch")
	}
	if err := CheckBatch([]string{"a"}, [][]float32{{1, 2}}, 3); err == nil {
		t.Error("expected dimension mismatch")
	}
	if err := CheckBatch([]string{"a"}, [][]float32{{1, 2, 3}}, 3); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
