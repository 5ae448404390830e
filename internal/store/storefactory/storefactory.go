// Package storefactory selects a store.Store backend from the
// environment, grounded on the teacher's auth.NewServiceFromEnv/
// ledger.NewServiceFromEnv mode-selection pattern: one env var picks
// memory, sqlite (local file) or postgres (shared database), so the
// three otherwise-interchangeable backends never need their own
// call site wired into main by hand.
package storefactory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"storyforge/internal/store"
	"storyforge/internal/store/memory"
	"storyforge/internal/store/postgres"
	"storyforge/internal/store/sqlite"
)

const (
	ModeMemory   = "memory"
	ModeLocal    = "local"
	ModePostgres = "postgres"
)

func modeFromEnv() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("STORYFORGE_STORE_MODE")))
	switch raw {
	case "", ModePostgres, "db", "postgresql":
		return ModePostgres
	case ModeLocal, "sqlite":
		return ModeLocal
	case ModeMemory, "mem":
		return ModeMemory
	default:
		return raw
	}
}

// NewFromEnv builds a store.Store for the mode named by
// STORYFORGE_STORE_MODE, defaulting to postgres via DATABASE_URL when
// unset so a production deploy never silently falls back to an
// in-process store that forgets everything on restart. Returns the
// resolved mode alongside the store for startup logging.
func NewFromEnv(ctx context.Context) (store.Store, string, error) {
	mode := modeFromEnv()

	switch mode {
	case ModePostgres:
		dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
		if dbURL == "" {
			return nil, mode, fmt.Errorf("storefactory: DATABASE_URL is required for store mode %q", mode)
		}
		st, err := postgres.Connect(ctx, dbURL)
		if err != nil {
			return nil, mode, err
		}
		return st, mode, nil
	case ModeLocal:
		st, err := sqlite.NewFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return st, mode, nil
	case ModeMemory:
		return memory.New(), mode, nil
	default:
		return nil, mode, fmt.Errorf("storefactory: invalid STORYFORGE_STORE_MODE %q (supported: %s, %s, %s)", mode, ModeMemory, ModeLocal, ModePostgres)
	}
}
