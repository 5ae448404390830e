package worldcatalog

import (
	"context"
	"testing"

	"storyforge/internal/domain"
)

func TestCharacters_ReturnsOnlyTheBoundSubset(t *testing.T) {
	c := NewStatic()
	c.PutWorld(domain.World{ID: "w1", Name: "Test World"}, []domain.Character{
		{ID: "c1", Name: "Kira"},
		{ID: "c2", Name: "Dorn"},
		{ID: "c3", Name: "Unused NPC"},
	})
	c.BindGame("g1", "w1", []string{"c1", "c2"})

	got, err := c.Characters(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Characters: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want exactly the 2 bound characters, got %d", len(got))
	}
	names := map[string]bool{}
	for _, ch := range got {
		names[ch.Name] = true
	}
	if !names["Kira"] || !names["Dorn"] {
		t.Fatalf("want Kira and Dorn in the bound roster, got %v", got)
	}
	if names["Unused NPC"] {
		t.Fatalf("want characters not bound to the game excluded")
	}
}

func TestWorld_UnknownIDReturnsError(t *testing.T) {
	c := NewStatic()
	if _, err := c.World(context.Background(), "missing"); err == nil {
		t.Fatalf("want an error for an unregistered world id")
	}
}

func TestCharacters_UnboundGameReturnsEmpty(t *testing.T) {
	c := NewStatic()
	got, err := c.Characters(context.Background(), "never-bound")
	if err != nil {
		t.Fatalf("Characters: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want an empty roster for a game that was never bound, got %d", len(got))
	}
}
