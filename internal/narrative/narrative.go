// Package narrative turns chapter context into the next chapter's prose.
// It is grounded on the teacher's provider abstraction in
// internal/providers: a small interface in front of a real model client,
// with local JSON Schema validation because model-side structured output
// enforcement cannot be trusted across providers/models.
package narrative

import (
	"context"
	"fmt"
	"strings"

	"storyforge/internal/domain"
)

// Mode selects the prompt shape a Generator should use.
type Mode = domain.GeneratorKind

const (
	ModeFirst       = domain.GeneratorKindFirst
	ModeWithActions = domain.GeneratorKindWithActions
	ModeAutomatic   = domain.GeneratorKindAutomatic
)

// ActionInput is one player's submitted action, threaded into the prompt.
type ActionInput struct {
	CharacterName string
	ActionText    string
}

// Request is everything a Generator needs to produce the next chapter.
type Request struct {
	Mode           Mode
	World          domain.World
	Characters     []domain.Character
	PriorChapters  []domain.Chapter // most recent last
	Actions        []ActionInput    // empty for ModeFirst/ModeAutomatic
	ChapterNumber  int
	MaxChapters    int
}

// Result is a generated chapter body plus whether it came from the real
// model or the deterministic fallback. The engine persists both kinds
// alike as a valid chapter; no caller passes the flag on to players.
type Result struct {
	Content   string
	Fallback  bool
}

// Generator produces narrative text. Implementations: OpenAIGenerator
// (production), FallbackGenerator (used standalone in tests and as the
// last resort inside OpenAIGenerator itself).
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// chapterSchema is the JSON Schema the model's structured output must
// satisfy. Kept intentionally small: one prose field. Validated locally
// via jsonschema/v5 exactly like the teacher's structured-output path,
// since provider-side schema enforcement is inconsistent across models.
const chapterSchema = `{
  "type": "object",
  "properties": {
    "chapter_text": {"type": "string", "minLength": 1}
  },
  "required": ["chapter_text"],
  "additionalProperties": false
}`

func buildPrompt(req Request) (system string, user string) {
	var b strings.Builder
	b.WriteString("You are the narrator of a collaborative text adventure. ")
	b.WriteString("Write the next chapter as vivid prose, second or third person, 150-400 words. ")
	b.WriteString("Respond with JSON only: {\"chapter_text\": \"...\"}.")
	system = b.String()

	var u strings.Builder
	fmt.Fprintf(&u, "World: %s\n%s\n\n", req.World.Name, req.World.Description)
	if len(req.Characters) > 0 {
		u.WriteString("Characters:\n")
		for _, c := range req.Characters {
			fmt.Fprintf(&u, "- %s: %s\n", c.Name, c.Description)
		}
		u.WriteString("\n")
	}
	if len(req.PriorChapters) > 0 {
		u.WriteString("Story so far:\n")
		for _, c := range req.PriorChapters {
			fmt.Fprintf(&u, "Chapter %d:\n%s\n\n", c.ChapterNumber, c.Content)
		}
	}
	switch req.Mode {
	case ModeFirst:
		u.WriteString("Write the opening chapter that introduces the world and the characters.\n")
	case ModeWithActions:
		u.WriteString("The players chose the following actions this round:\n")
		for _, a := range req.Actions {
			fmt.Fprintf(&u, "- %s: %s\n", a.CharacterName, a.ActionText)
		}
		u.WriteString("Write the next chapter resolving these actions.\n")
	case ModeAutomatic:
		u.WriteString("No player submitted an action this round. Advance the story on your own, ")
		u.WriteString("nudging it toward its eventual conclusion.\n")
	}
	if req.MaxChapters > 0 && req.ChapterNumber >= req.MaxChapters {
		u.WriteString("This is the final chapter: bring the story to a close.\n")
	}
	return system, u.String()
}
