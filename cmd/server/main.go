package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"

	"storyforge/internal/broadcast"
	"storyforge/internal/clock"
	"storyforge/internal/engine"
	"storyforge/internal/gateway"
	"storyforge/internal/idgen"
	"storyforge/internal/lobby"
	"storyforge/internal/narrative"
	"storyforge/internal/phasetimer"
	"storyforge/internal/session"
	"storyforge/internal/store/storefactory"
	"storyforge/internal/worldcatalog"
)

func main() {
	ctx := context.Background()

	st, storeMode, err := storefactory.NewFromEnv(ctx)
	if err != nil {
		log.Fatalf("[Server] Failed to init store: %v", err)
	}
	defer st.Close()

	gen, narrativeMode := narrativeGeneratorFromEnv()

	hub := broadcast.NewHub()
	catalog := worldcatalog.NewStatic()
	clk := clock.RealClock{}
	ids := idgen.UUIDGen{}

	eng := engine.New(st, gen, catalog, hub, clk, ids)
	timers := phasetimer.New(clk, eng.OnExpire, eng.OnTick)
	eng.SetTimers(timers)

	coord := session.New(st, eng, hub, ids, clk)
	promoter := lobby.New(st, eng, catalog, hub, ids, clk)
	defer promoter.Stop()

	gw := gateway.New(coord, promoter)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
			return
		}
		gw.HandleWebSocket(userID)(w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := strings.TrimSpace(os.Getenv("SERVER_ADDR"))
	if addr == "" {
		addr = ":18090"
	}
	log.Printf("[Server] Store mode: %s", storeMode)
	log.Printf("[Server] Narrative mode: %s", narrativeMode)
	log.Printf("[Server] Starting WebSocket server on %s", addr)
	if err := http.ListenAndServe(addr, withCORS(mux)); err != nil {
		log.Fatalf("[Server] Failed to start: %v", err)
	}
}

// narrativeGeneratorFromEnv picks the OpenAI-backed generator when an
// API key is configured, falling back to the deterministic generator
// otherwise so a dev box with no key still produces a playable game.
func narrativeGeneratorFromEnv() (narrative.Generator, string) {
	cfg := narrative.NewOpenAIConfigFromEnv()
	if cfg.APIKey == "" {
		return narrative.FallbackGenerator{}, "fallback"
	}
	gen, err := narrative.NewOpenAIGenerator(cfg)
	if err != nil {
		log.Printf("[Server] OpenAI generator init failed, using fallback: %v", err)
		return narrative.FallbackGenerator{}, "fallback"
	}
	return gen, "openai"
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
