package narrative

import (
	"context"
	"fmt"
	"strings"
)

// FallbackGenerator produces a deterministic, unexciting chapter without
// calling any model. It never errors: if nothing else can keep a game
// moving, this can.
type FallbackGenerator struct{}

func (FallbackGenerator) Generate(_ context.Context, req Request) (Result, error) {
	var b strings.Builder
	switch req.Mode {
	case ModeFirst:
		fmt.Fprintf(&b, "The story begins in %s. ", orDefault(req.World.Name, "an unfamiliar place"))
		b.WriteString("The adventurers take stock of their surroundings, unsure of what comes next.")
	case ModeWithActions:
		b.WriteString("The party presses on. ")
		for _, a := range req.Actions {
			fmt.Fprintf(&b, "%s decides to %s. ", orDefault(a.CharacterName, "Someone"), a.ActionText)
		}
		b.WriteString("The consequences of these choices are not yet clear.")
	default:
		b.WriteString("Time passes quietly. The world turns without anyone's help, and the story inches forward on its own.")
	}
	return Result{Content: b.String(), Fallback: true}, nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

var _ Generator = FallbackGenerator{}
