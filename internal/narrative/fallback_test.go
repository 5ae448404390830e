package narrative

import (
	"context"
	"strings"
	"testing"

	"storyforge/internal/domain"
)

func TestFallbackGenerator_NeverErrorsAndMarksFallback(t *testing.T) {
	gen := FallbackGenerator{}
	result, err := gen.Generate(context.Background(), Request{
		Mode:  ModeFirst,
		World: domain.World{Name: "The Hollow Reach"},
	})
	if err != nil {
		t.Fatalf("FallbackGenerator must never error, got %v", err)
	}
	if !result.Fallback {
		t.Fatalf("result must be flagged as a fallback, not hidden from callers")
	}
	if !strings.Contains(result.Content, "The Hollow Reach") {
		t.Fatalf("opening chapter should mention the world name, got %q", result.Content)
	}
}

func TestFallbackGenerator_WithActionsMentionsEachCharacter(t *testing.T) {
	gen := FallbackGenerator{}
	result, err := gen.Generate(context.Background(), Request{
		Mode: ModeWithActions,
		Actions: []ActionInput{
			{CharacterName: "Kira", ActionText: "search the ruins"},
			{CharacterName: "Dorn", ActionText: "stand watch"},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, want := range []string{"Kira", "Dorn", "search the ruins", "stand watch"} {
		if !strings.Contains(result.Content, want) {
			t.Fatalf("want chapter content to mention %q, got %q", want, result.Content)
		}
	}
}

func TestFallbackGenerator_AutomaticModeProducesContentWithNoActions(t *testing.T) {
	gen := FallbackGenerator{}
	result, err := gen.Generate(context.Background(), Request{Mode: ModeAutomatic})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.TrimSpace(result.Content) == "" {
		t.Fatalf("automatic mode must still produce non-empty content to keep the game moving")
	}
}
