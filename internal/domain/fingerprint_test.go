package domain_test

import (
	"testing"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

func TestPromptFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a := domain.PromptFingerprint(map[string]any{"prompt": "a cat", "seed": float64(7)})
	b := domain.PromptFingerprint(map[string]any{"seed": float64(7), "prompt": "a cat"})
	if a != b {
		t.Fatalf("expected same fingerprint regardless of map iteration order, got %q vs %q", a, b)
	}
}

func TestPromptFingerprint_DiffersOnDifferentInput(t *testing.T) {
	a := domain.PromptFingerprint(map[string]any{"prompt": "a cat"})
	b := domain.PromptFingerprint(map[string]any{"prompt": "a dog"})
	if a == b {
		t.Fatalf("expected different fingerprints for different prompts")
	}
}

func TestPromptFingerprint_NilParamsIsStable(t *testing.T) {
	a := domain.PromptFingerprint(nil)
	b := domain.PromptFingerprint(map[string]any{})
	if a != b {
		t.Fatalf("expected nil and empty map to fingerprint the same")
	}
}
